package eventbus

import (
	"context"
	"sync"
	"time"
)

// Topic определяет именованный канал событий.
// Каждый компонент ядра публикует в собственный топик;
// подписчики фильтруются по топику и типу события.
type Topic string

const (
	TopicConnection   Topic = "connection"   // Жизненный цикл соединения
	TopicRoster       Topic = "roster"       // Состав удалённых игроков
	TopicWorld        Topic = "world"        // Сущности мира (ресурсы, предметы)
	TopicChat         Topic = "chat"         // Чат
	TopicInteraction  Topic = "interaction"  // Диалоги и транзакции
	TopicNotification Topic = "notification" // Транзиентные уведомления для UI
)

// Envelope описывает универсальный контейнер события.
type Envelope struct {
	ID        string      // Глобально уникальный идентификатор (UUID).
	Timestamp time.Time   // Время создания события (UTC).
	Source    string      // Имя компонента-источника.
	Topic     Topic       // Топик события.
	EventType string      // Тип события внутри топика (PlayerJoined, Reconnecting…).
	Payload   interface{} // Типизированная полезная нагрузка.
}

// Filter позволяет подписаться только на нужные события.
type Filter struct {
	Topics []Topic  // Если пусто — все топики.
	Types  []string // Если пусто — все типы.
}

// Subscription возвращается при подписке; позволяет отписаться.
type Subscription interface {
	Unsubscribe()
}

// Handler потребляет события. Вызывается на горутине диспетчера шины,
// поэтому обработчики обязаны завершаться быстро и не блокировать.
type Handler func(ctx context.Context, ev *Envelope)

// Stats агрегированные метрики шины.
type Stats struct {
	Published uint64
	Consumed  uint64
	Dropped   uint64
	InFlight  int
}

// EventBus определяет абстракцию шины событий.
// Реализации: in-memory (по умолчанию) и JetStream-зеркало.
type EventBus interface {
	Publish(ctx context.Context, ev *Envelope) error
	Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error)
	Metrics() Stats
	Close() error
}

//================ In-Memory implementation =================//

type memoryBus struct {
	mu          sync.RWMutex
	subscribers map[int]subscriber
	nextID      int
	stats       Stats
	buffer      chan *Envelope
	done        chan struct{}
	closeOnce   sync.Once

	// closeMu сериализует отправку в buffer с его закрытием: Publish
	// держит читательскую блокировку на время отправки, Close берёт
	// писательскую перед close(buffer).
	closeMu sync.RWMutex
	closed  bool
}

type subscriber struct {
	filter  Filter
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMemoryBus создаёт in-memory шину с указанным буфером.
// Диспетчеризация последовательная: обработчики вызываются в порядке
// публикации, один за другим, что даёт run-to-completion семантику
// для мутаций состояния ядра.
func NewMemoryBus(capacity int) EventBus {
	mb := &memoryBus{
		subscribers: make(map[int]subscriber),
		buffer:      make(chan *Envelope, capacity),
		done:        make(chan struct{}),
	}
	go mb.dispatchLoop()
	return mb
}

func (mb *memoryBus) Publish(ctx context.Context, ev *Envelope) error {
	mb.closeMu.RLock()
	defer mb.closeMu.RUnlock()
	if mb.closed {
		return ErrBusClosed
	}

	select {
	case mb.buffer <- ev:
		mb.mu.Lock()
		mb.stats.Published++
		mb.mu.Unlock()
		return nil
	default:
		// Буфер заполнен — блокируемся до освобождения места или отмены контекста
		select {
		case mb.buffer <- ev:
			mb.mu.Lock()
			mb.stats.Published++
			mb.mu.Unlock()
			return nil
		case <-ctx.Done():
			mb.mu.Lock()
			mb.stats.Dropped++
			mb.mu.Unlock()
			return ctx.Err()
		}
	}
}

func (mb *memoryBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	mb.mu.Lock()
	id := mb.nextID
	mb.nextID++
	cctx, cancel := context.WithCancel(ctx)
	mb.subscribers[id] = subscriber{filter: f, handler: h, ctx: cctx, cancel: cancel}
	mb.mu.Unlock()

	return &memSub{bus: mb, id: id}, nil
}

func (mb *memoryBus) Metrics() Stats {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	s := mb.stats
	s.InFlight = len(mb.buffer)
	return s
}

// Close останавливает диспетчер. Оставшиеся в буфере события доставляются.
func (mb *memoryBus) Close() error {
	mb.closeOnce.Do(func() {
		mb.closeMu.Lock()
		mb.closed = true
		close(mb.buffer)
		mb.closeMu.Unlock()
		<-mb.done
	})
	return nil
}

// dispatchLoop рассылает события подписчикам последовательно,
// сохраняя порядок публикации.
func (mb *memoryBus) dispatchLoop() {
	defer close(mb.done)
	for ev := range mb.buffer {
		mb.mu.RLock()
		ids := make([]int, 0, len(mb.subscribers))
		for id := range mb.subscribers {
			ids = append(ids, id)
		}
		subs := make([]subscriber, 0, len(ids))
		for _, id := range ids {
			subs = append(subs, mb.subscribers[id])
		}
		mb.mu.RUnlock()

		for _, sub := range subs {
			if !matchFilter(ev, sub.filter) {
				continue
			}
			select {
			case <-sub.ctx.Done():
				continue
			default:
			}
			sub.handler(sub.ctx, ev)
			mb.mu.Lock()
			mb.stats.Consumed++
			mb.mu.Unlock()
		}
	}
}

func matchFilter(ev *Envelope, f Filter) bool {
	if len(f.Topics) > 0 {
		found := false
		for _, t := range f.Topics {
			if t == ev.Topic {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == ev.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type memSub struct {
	bus *memoryBus
	id  int
}

func (s *memSub) Unsubscribe() {
	s.bus.mu.Lock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		sub.cancel()
		delete(s.bus.subscribers, s.id)
	}
	s.bus.mu.Unlock()
}
