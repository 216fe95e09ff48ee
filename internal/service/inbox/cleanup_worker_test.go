package inbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avinashpj22/shoppersApp/internal/domain"
)

func TestCleanupWorker_DeleteExpired_Batches(t *testing.T) {
	t.Parallel()

	repo := &stubInboxRepo{expired: 7}
	worker := NewCleanupWorker(repo, WithBatchSize(3))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired failed: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("expected 7 deleted, got %d", deleted)
	}
	// 3 + 3 + 1: последний неполный batch завершает цикл.
	if repo.deleteCalls != 3 {
		t.Fatalf("expected 3 delete calls, got %d", repo.deleteCalls)
	}
}

func TestCleanupWorker_DeleteExpired_Empty(t *testing.T) {
	t.Parallel()

	repo := &stubInboxRepo{}
	worker := NewCleanupWorker(repo, WithBatchSize(3))

	deleted, err := worker.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("delete expired failed: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected 0 deleted, got %d", deleted)
	}
	if repo.deleteCalls != 1 {
		t.Fatalf("expected single delete call, got %d", repo.deleteCalls)
	}
}

func TestCleanupWorker_DeleteExpired_RepoError(t *testing.T) {
	t.Parallel()

	repoErr := errors.New("storage unavailable")
	repo := &stubInboxRepo{expired: 10, err: repoErr}
	worker := NewCleanupWorker(repo, WithBatchSize(3))

	if _, err := worker.DeleteExpired(context.Background(), time.Now().UTC()); !errors.Is(err, repoErr) {
		t.Fatalf("expected repo error, got %v", err)
	}
}

func TestCleanupWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubInboxRepo{}
	worker := NewCleanupWorker(repo, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("cleanup worker did not stop on context cancel")
	}
}

// stubInboxRepo отдаёт expired записей порциями, имитируя хранилище.
type stubInboxRepo struct {
	expired     int
	deleteCalls int
	err         error
}

func (s *stubInboxRepo) MarkProcessed(consumer, eventID string, ttlAt time.Time) (bool, error) {
	return true, nil
}

func (s *stubInboxRepo) Seen(consumer, eventID string) (bool, error) {
	return false, nil
}

func (s *stubInboxRepo) DeleteExpired(before time.Time, limit int) (int, error) {
	s.deleteCalls++
	if s.err != nil {
		return 0, s.err
	}

	deleted := s.expired
	if limit > 0 && deleted > limit {
		deleted = limit
	}
	s.expired -= deleted
	return deleted, nil
}

var _ domain.InboxRepository = (*stubInboxRepo)(nil)
