package worldcache

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/mmo-client/internal/connection"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/vec"
)

// Типы событий топика world.
const (
	EventWorldRefreshed     = "WorldRefreshed"
	EventEntitySpawned      = "EntitySpawned"
	EventEntityStateChanged = "EntityStateChanged"
	EventEntityRemoved      = "EntityRemoved"
)

// WorldRefreshedEvent публикуется после полной замены реестра.
type WorldRefreshedEvent struct {
	Count     int
	Bootstrap bool // true — применён резервный набор вместо пустого снимка
}

// EntitySpawnedEvent публикуется при появлении сущности.
type EntitySpawnedEvent struct {
	Entity WorldEntity
}

// EntityStateChangedEvent публикуется при смене состояния сущности.
type EntityStateChangedEvent struct {
	ID    string
	State string
}

// EntityRemovedEvent публикуется при удалении сущности.
type EntityRemovedEvent struct {
	ID string
}

// WorldEntity сущность мира: ресурс или выпавший предмет.
// Вид задаётся явным дискриминантом при создании.
type WorldEntity struct {
	ID       string
	Kind     protocol.EntityKind
	Position vec.Vec3Float
	State    string
	Metadata map[string]string
}

// Sender контракт отправки исходящих запросов. Реализуется connection.Manager.
type Sender interface {
	Send(ctx context.Context, msgType protocol.MsgType, payload interface{}) error
}

// HandlerRegistry регистрация обработчиков входящих сообщений.
type HandlerRegistry interface {
	RegisterHandler(msgType protocol.MsgType, h connection.MessageHandler)
}

// Cache реестр сущностей мира. Создаётся из серверного снимка,
// пополняется событиями появления, мутируется на месте при смене
// состояния и подчищается при удалении.
type Cache struct {
	sender    Sender
	bus       eventbus.EventBus
	bootstrap []protocol.WorldEntityInfo

	mu       sync.Mutex
	entities map[string]*WorldEntity
}

// NewCache создаёт реестр. bootstrap — резервный набор сущностей,
// применяемый когда сервер присылает пустой снимок (например, свежий
// мир без сгенерированных ресурсов).
func NewCache(sender Sender, bus eventbus.EventBus, bootstrap []protocol.WorldEntityInfo) *Cache {
	return &Cache{
		sender:    sender,
		bus:       bus,
		bootstrap: bootstrap,
		entities:  make(map[string]*WorldEntity),
	}
}

// Bind подписывает реестр на сообщения сущностей мира.
func (c *Cache) Bind(reg HandlerRegistry) {
	reg.RegisterHandler(protocol.MsgWorldSnapshot, func(msg *protocol.Message) {
		var snap protocol.WorldSnapshot
		if err := protocol.UnmarshalData(msg, &snap); err != nil {
			logging.Warn("WorldEntityCache: битый world_snapshot: %v", err)
			return
		}
		c.ApplySnapshot(snap.Entities)
	})
	reg.RegisterHandler(protocol.MsgItemDropped, func(msg *protocol.Message) {
		var drop protocol.ItemDropped
		if err := protocol.UnmarshalData(msg, &drop); err != nil {
			logging.Warn("WorldEntityCache: битый item_dropped: %v", err)
			return
		}
		c.ApplyDrop(drop.Entity)
	})
	reg.RegisterHandler(protocol.MsgEntityState, func(msg *protocol.Message) {
		var state protocol.EntityState
		if err := protocol.UnmarshalData(msg, &state); err != nil {
			logging.Warn("WorldEntityCache: битый entity_state: %v", err)
			return
		}
		c.ApplyState(state.ID, state.State)
	})
	reg.RegisterHandler(protocol.MsgEntityRemoved, func(msg *protocol.Message) {
		var removed protocol.EntityRemoved
		if err := protocol.UnmarshalData(msg, &removed); err != nil {
			logging.Warn("WorldEntityCache: битый entity_removed: %v", err)
			return
		}
		c.ApplyRemove(removed.ID)
	})
}

// ApplySnapshot заменяет весь реестр содержимым серверного снимка.
// Пустой снимок при наличии резервного набора заменяется им.
func (c *Cache) ApplySnapshot(entities []protocol.WorldEntityInfo) {
	usedBootstrap := false
	if len(entities) == 0 && len(c.bootstrap) > 0 {
		entities = c.bootstrap
		usedBootstrap = true
		logging.Warn("⚠️ WorldEntityCache: пустой снимок мира, применён резервный набор (%d)", len(entities))
	}

	c.mu.Lock()
	c.entities = make(map[string]*WorldEntity, len(entities))
	for _, info := range entities {
		c.entities[info.ID] = fromInfo(info)
	}
	count := len(c.entities)
	c.mu.Unlock()

	logging.Info("WorldEntityCache: снимок мира применён, сущностей: %d", count)
	c.publish(EventWorldRefreshed, &WorldRefreshedEvent{Count: count, Bootstrap: usedBootstrap})
}

// ApplyDrop добавляет появившуюся сущность. Повторный ID заменяет запись.
func (c *Cache) ApplyDrop(info protocol.WorldEntityInfo) {
	entity := fromInfo(info)

	c.mu.Lock()
	c.entities[info.ID] = entity
	c.mu.Unlock()

	c.publish(EventEntitySpawned, &EntitySpawnedEvent{Entity: *entity})
}

// ApplyState меняет состояние сущности на месте: запись сохраняет
// идентичность, позицию и метаданные. Неизвестный ID — no-op.
func (c *Cache) ApplyState(id, state string) {
	c.mu.Lock()
	entity, ok := c.entities[id]
	if ok {
		entity.State = state
	}
	c.mu.Unlock()

	if !ok {
		logging.Debug("WorldEntityCache: состояние для неизвестной сущности %s", id)
		return
	}
	c.publish(EventEntityStateChanged, &EntityStateChangedEvent{ID: id, State: state})
}

// ApplyRemove удаляет сущность. Идемпотентен.
func (c *Cache) ApplyRemove(id string) {
	c.mu.Lock()
	_, ok := c.entities[id]
	delete(c.entities, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	c.publish(EventEntityRemoved, &EntityRemovedEvent{ID: id})
}

// RequestGather запрашивает сбор ресурса. Итог придёт событием
// entity_state или entity_removed.
func (c *Cache) RequestGather(ctx context.Context, resourceID string) error {
	return c.sender.Send(ctx, protocol.MsgGatherResource, &protocol.GatherResource{ResourceID: resourceID})
}

// RequestPickup запрашивает подбор предмета.
func (c *Cache) RequestPickup(ctx context.Context, dropID string) error {
	return c.sender.Send(ctx, protocol.MsgPickupItem, &protocol.PickupItem{DropID: dropID})
}

// Get возвращает копию сущности.
func (c *Cache) Get(id string) (WorldEntity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entity, ok := c.entities[id]
	if !ok {
		return WorldEntity{}, false
	}
	return *entity, true
}

// ByKind возвращает копии сущностей указанного вида.
func (c *Cache) ByKind(kind protocol.EntityKind) []WorldEntity {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []WorldEntity
	for _, entity := range c.entities {
		if entity.Kind == kind {
			out = append(out, *entity)
		}
	}
	return out
}

// Len возвращает размер реестра.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

func fromInfo(info protocol.WorldEntityInfo) *WorldEntity {
	return &WorldEntity{
		ID:       info.ID,
		Kind:     info.Kind,
		Position: info.Position,
		State:    info.State,
		Metadata: info.Metadata,
	}
}

func (c *Cache) publish(eventType string, payload interface{}) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev := eventbus.NewEnvelope("worldcache", eventbus.TopicWorld, eventType, payload)
	if err := c.bus.Publish(ctx, ev); err != nil {
		logging.Debug("WorldEntityCache: событие %s не опубликовано: %v", eventType, err)
	}
}
