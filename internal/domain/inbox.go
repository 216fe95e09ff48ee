package domain

import "time"

// InboxRecord помечает событие как обработанное конкретным потребителем.
// Транспорт гарантирует только at-least-once: запись (consumer, event_id)
// позволяет распознать повторную доставку и не применять событие второй раз.
// Записи живут ограниченное время — дольше максимального горизонта
// redelivery брокера, после чего вычищаются фоновым воркером.
type InboxRecord struct {
	Consumer    string
	EventID     string
	ProcessedAt time.Time
	TTLAt       time.Time
}

// Validate проверяет ключевые поля записи.
func (r *InboxRecord) Validate() []error {
	var errs []error

	if r.Consumer == "" {
		errs = append(errs, ErrConsumerRequired)
	}
	if r.EventID == "" {
		errs = append(errs, ErrEventIDRequired)
	}

	return errs
}
