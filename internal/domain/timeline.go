package domain

import "time"

// TimelineEvent описывает запись в истории жизненного цикла заказа.
// История ведётся для наблюдаемости: асинхронный отказ (например, провал
// резервирования) виден вызывающей стороне через статус заказа и timeline.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
