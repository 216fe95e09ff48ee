package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отсутствующего идентификатора товара в позиции.
	ErrItemProductRequired = errors.New("item product_id is required")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")
	// Ошибка отсутствующего трек-номера при отгрузке.
	ErrTrackingNumberRequired = errors.New("tracking number is required")

	// ErrIllegalTransition возвращается при нарушении правил state machine заказа.
	ErrIllegalTransition = errors.New("illegal order status transition")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrVersionConflict сигнализирует о конфликте версий при сохранении (optimistic locking).
	ErrVersionConflict = errors.New("aggregate version conflict")

	// ErrProductNotFound возвращается, если товар не найден в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrProductInactive — товар снят с продажи, резервирование отклоняется.
	ErrProductInactive = errors.New("product is inactive")
	// ErrInsufficientStock — на складе недостаточно товара; запускает компенсацию.
	ErrInsufficientStock = errors.New("insufficient stock")
	// Ошибка отрицательного остатка при создании товара.
	ErrStockNegative = errors.New("stock qty must be non-negative")
	// Ошибка отсутствующего идентификатора заказа в резервах и платежах.
	ErrOrderIDRequired = errors.New("order_id is required")
	// Ошибка отсутствующего идентификатора товара в резерве.
	ErrReservationProductRequired = errors.New("reservation product_id is required")
	// Ошибка некорректного количества в резерве.
	ErrReservationQtyInvalid = errors.New("reservation qty must be greater than zero")

	// ErrUnknownEventType возвращается при неизвестном теге события в конверте.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrEventStreamEmpty возвращается при попытке восстановить заказ из пустого потока.
	ErrEventStreamEmpty = errors.New("event stream is empty")
	// ErrEventStreamInvalid — поток событий нарушает правила переходов заказа.
	ErrEventStreamInvalid = errors.New("event stream is invalid")

	// Ошибка отсутствующего имени потребителя в inbox-записи.
	ErrConsumerRequired = errors.New("consumer name is required")
	// Ошибка отсутствующего идентификатора события в inbox-записи.
	ErrEventIDRequired = errors.New("event_id is required")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// invalidArgumentErrs — ошибки валидации входных данных: ловятся на границе,
// дальше по конвейеру не распространяются.
var invalidArgumentErrs = []error{
	ErrCustomerRequired,
	ErrCurrencyRequired,
	ErrItemsRequired,
	ErrItemProductRequired,
	ErrItemQtyInvalid,
	ErrItemPriceInvalid,
	ErrTrackingNumberRequired,
	ErrOrderIDRequired,
	ErrReservationProductRequired,
	ErrReservationQtyInvalid,
	ErrStockNegative,
}

// IsInvalidArgument проверяет, относится ли ошибка к валидации входных данных.
func IsInvalidArgument(err error) bool {
	for _, target := range invalidArgumentErrs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// PermanentError помечает ошибку обработки сообщения как не подлежащую retry:
// транспорт отправляет такое сообщение в dead-letter без повторных попыток.
type PermanentError struct {
	Err error
}

// Error возвращает текст исходной ошибки.
func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

// Unwrap открывает исходную ошибку для errors.Is/As.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent оборачивает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent проверяет, помечена ли ошибка как неповторяемая.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}
