package eventbus

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBusClosed возвращается при публикации в остановленную шину.
var ErrBusClosed = errors.New("eventbus: bus closed")

var globalBus EventBus

// Init устанавливает глобальную шину.
func Init(bus EventBus) { globalBus = bus }

// Publish отправляет событие в глобальную шину, если она инициализирована.
func Publish(ctx context.Context, ev *Envelope) error {
	if globalBus == nil {
		return nil
	}
	return globalBus.Publish(ctx, ev)
}

// NewEnvelope собирает конверт с заполненными ID и Timestamp.
func NewEnvelope(source string, topic Topic, eventType string, payload interface{}) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Topic:     topic,
		EventType: eventType,
		Payload:   payload,
	}
}
