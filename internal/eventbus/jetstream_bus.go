package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
)

// JetStreamBus зеркалирует события ядра во внешний NATS JetStream.
// Используется встраивающими хостами, которым нужно наблюдать события
// синхронизации вне процесса (аналитика, отладочные панели).
// Подписка локальных компонентов остаётся на in-memory шине;
// JetStreamBus оборачивает её и дублирует публикации наружу.
type JetStreamBus struct {
	inner     EventBus
	nc        *nats.Conn
	js        nats.JetStreamContext
	stream    string
	published uint64
	dropped   uint64
}

// NewJetStreamBus подключается к кластеру NATS и гарантирует наличие стрима.
// url: nats://127.0.0.1:4222, stream: "CLIENT_EVENTS".
func NewJetStreamBus(inner EventBus, url, stream string, retention time.Duration) (*JetStreamBus, error) {
	if stream == "" {
		stream = "CLIENT_EVENTS"
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Drain()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	// Ensure stream exists (subjects: client.events.*)
	_, err = js.StreamInfo(stream)
	if err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{"client.events.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    retention,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Drain()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	return &JetStreamBus{inner: inner, nc: nc, js: js, stream: stream}, nil
}

// Publish доставляет событие локальным подписчикам и зеркалирует его
// в subject client.events.<topic>. Ошибка зеркалирования не прерывает
// локальную доставку.
func (jb *JetStreamBus) Publish(ctx context.Context, ev *Envelope) error {
	if err := jb.inner.Publish(ctx, ev); err != nil {
		return err
	}

	subj := fmt.Sprintf("client.events.%s", ev.Topic)
	data, err := json.Marshal(ev)
	if err != nil {
		atomic.AddUint64(&jb.dropped, 1)
		return nil
	}
	if _, err := jb.js.Publish(subj, data); err != nil {
		atomic.AddUint64(&jb.dropped, 1)
		return nil
	}
	atomic.AddUint64(&jb.published, 1)
	return nil
}

// Subscribe делегирует локальной шине.
func (jb *JetStreamBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	return jb.inner.Subscribe(ctx, f, h)
}

// Metrics объединяет статистику локальной шины и зеркала.
func (jb *JetStreamBus) Metrics() Stats {
	s := jb.inner.Metrics()
	s.Dropped += atomic.LoadUint64(&jb.dropped)
	return s
}

// Close останавливает зеркало и локальную шину.
func (jb *JetStreamBus) Close() error {
	err := jb.inner.Close()
	jb.nc.Drain()
	return err
}
