package app

import (
	"context"
	"fmt"

	"github.com/annel0/mmo-client/internal/auth"
	"github.com/annel0/mmo-client/internal/config"
	"github.com/annel0/mmo-client/internal/connection"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/interact"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/network"
	"github.com/annel0/mmo-client/internal/possync"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/roster"
	"github.com/annel0/mmo-client/internal/storage"
	"github.com/annel0/mmo-client/internal/worldcache"
)

// Core корень композиции клиентского ядра синхронизации. Владеет
// соединением, шиной событий, локальным хранилищем и четырьмя
// доменными компонентами; встраивающий хост работает только через
// их публичные интерфейсы.
type Core struct {
	cfg *config.Config

	store    storage.LocalStore
	bus      eventbus.EventBus
	exporter *eventbus.MetricsExporter

	manager   *connection.Manager
	roster    *roster.Reconciler
	positions *possync.Synchronizer
	world     *worldcache.Cache
	interact  *interact.Machine
}

// NewCore собирает ядро по конфигурации. cfg == nil — рабочие значения
// по умолчанию, единственный внешний параметр (адрес эндпоинта) берётся
// из окружения.
func NewCore(cfg *config.Config) (*Core, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	core := &Core{cfg: cfg}

	channelType, err := network.ParseChannelType(cfg.Endpoint.Channel)
	if err != nil {
		return nil, err
	}

	// Локальное хранилище: Badger на диске или память
	if cfg.Storage.DataDir != "" {
		store, err := storage.NewBadgerStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("app: локальное хранилище: %w", err)
		}
		core.store = store
	} else {
		core.store = storage.NewMemoryStore()
	}

	// Шина событий: in-memory, при наличии URL — с зеркалом в JetStream
	var bus eventbus.EventBus = eventbus.NewMemoryBus(256)
	if cfg.EventBus.URL != "" {
		js, err := eventbus.NewJetStreamBus(bus, cfg.EventBus.URL, cfg.EventBus.Stream, cfg.EventBus.GetRetention())
		if err != nil {
			core.store.Close()
			return nil, fmt.Errorf("app: jetstream: %w", err)
		}
		bus = js
	}
	core.bus = bus
	if err := eventbus.StartLoggingListener(bus); err != nil {
		logging.Warn("Core: лог-слушатель шины не запущен: %v", err)
	}
	core.exporter = eventbus.NewMetricsExporter(bus)
	core.exporter.Start(cfg.Metrics.Addr)

	core.manager = connection.NewManager(connection.Options{
		Addr:           cfg.Endpoint.GetAddr(),
		ChannelType:    channelType,
		BackoffBase:    cfg.Connection.GetBackoffBase(),
		BackoffMax:     cfg.Connection.GetBackoffMax(),
		MaxAttempts:    cfg.Connection.GetMaxAttempts(),
		ConnectTimeout: cfg.Connection.GetConnectTimeout(),
		Heartbeat:      cfg.Connection.GetHeartbeat(),
	}, core.store, bus)

	core.roster = roster.NewReconciler(core.manager, bus, roster.Options{
		ReconcileInterval: cfg.Roster.GetReconcileInterval(),
		StaleTimeout:      cfg.Roster.GetStaleTimeout(),
	})
	core.roster.Bind(core.manager)

	core.positions = possync.NewSynchronizer(core.manager, core.roster, possync.Options{
		PublishInterval: cfg.Sync.GetPublishInterval(),
		MinDelta:        cfg.Sync.GetMinDelta(),
		Smoothing:       cfg.Sync.GetSmoothing(),
		SnapThreshold:   cfg.Sync.GetSnapThreshold(),
		MaxLatency:      cfg.Sync.GetMaxLatency(),
	})
	core.positions.Bind(core.manager)
	if err := core.positions.Attach(bus); err != nil {
		core.teardown()
		return nil, err
	}

	core.world = worldcache.NewCache(core.manager, bus, nil)
	core.world.Bind(core.manager)

	core.interact = interact.NewMachine(core.manager, bus, interact.Options{
		FarewellPhrases: cfg.Interact.GetFarewellPhrases(),
		ErrorRetryDelay: cfg.Interact.GetErrorRetryDelay(),
	})
	core.interact.Bind(core.manager)

	core.bindChat()

	return core, nil
}

// Connect подключается к серверу и запускает фоновую сверку состава.
// Сохранённая позиция, если есть, становится стартовой до прихода
// серверного состава.
func (c *Core) Connect(ctx context.Context, creds *auth.Credentials) error {
	if saved, ok := c.manager.LastSavedPosition(); ok {
		c.positions.SetSelfSpawn(saved.Position, saved.RotationY)
		logging.Info("Core: продолжаем с сохранённой позиции %v", saved.Position)
	}
	if err := c.manager.Connect(ctx, creds); err != nil {
		return err
	}
	c.roster.Start()
	return nil
}

// Disconnect разрывает соединение, не разрушая ядро.
func (c *Core) Disconnect() {
	c.roster.Close()
	c.manager.Disconnect()
}

// Connection возвращает менеджер соединения.
func (c *Core) Connection() *connection.Manager { return c.manager }

// Roster возвращает сверщик состава.
func (c *Core) Roster() *roster.Reconciler { return c.roster }

// Positions возвращает синхронизатор позиций.
func (c *Core) Positions() *possync.Synchronizer { return c.positions }

// World возвращает реестр сущностей мира.
func (c *Core) World() *worldcache.Cache { return c.world }

// Interactions возвращает машину взаимодействий.
func (c *Core) Interactions() *interact.Machine { return c.interact }

// Bus возвращает шину событий для подписки хоста.
func (c *Core) Bus() eventbus.EventBus { return c.bus }

// SendChat отправляет сообщение чата.
func (c *Core) SendChat(ctx context.Context, text string) error {
	return c.manager.Send(ctx, protocol.MsgChat, &protocol.Chat{Text: text})
}

// Close останавливает ядро: компоненты, соединение, шину и хранилище.
func (c *Core) Close() {
	if c.interact != nil {
		c.interact.Close()
	}
	if c.positions != nil {
		c.positions.Close()
	}
	if c.roster != nil {
		c.roster.Close()
	}
	if c.manager != nil {
		c.manager.Close()
	}
	c.teardown()
}

func (c *Core) teardown() {
	if c.exporter != nil {
		c.exporter.Stop()
		c.exporter = nil
	}
	if c.bus != nil {
		c.bus.Close()
		c.bus = nil
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			logging.Warn("Core: закрытие хранилища: %v", err)
		}
		c.store = nil
	}
}
