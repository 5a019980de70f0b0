package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/annel0/mmo-client/internal/app"
	"github.com/annel0/mmo-client/internal/auth"
	"github.com/annel0/mmo-client/internal/config"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/observability"
)

func main() {
	var (
		configPath = flag.String("config", "", "путь к YAML конфигурации (или ENV GAME_CLIENT_CONFIG)")
		endpoint   = flag.String("endpoint", "", "адрес realtime-эндпоинта (перекрывает конфиг)")
		channel    = flag.String("channel", "", "канал: websocket | kcp")
		name       = flag.String("name", "", "имя игрока")
		token      = flag.String("token", "", "JWT токен; пустой — гостевой вход")
		trace      = flag.Bool("trace", false, "включить OTLP трассировку")
	)
	flag.Parse()

	if err := logging.InitDefaultLogger("client"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🎮 Запуск клиентского ядра синхронизации...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("❌ Ошибка чтения конфигурации: %v", err)
		log.Fatalf("❌ Ошибка чтения конфигурации: %v", err)
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	if *endpoint != "" {
		cfg.Endpoint.Addr = *endpoint
	}
	if *channel != "" {
		cfg.Endpoint.Channel = *channel
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *trace {
		shutdown, err := observability.InitTelemetry(ctx, "mmo-client")
		if err != nil {
			logging.Warn("⚠️ Трассировка не запущена: %v", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdown(shutdownCtx)
			}()
		}
	}

	core, err := app.NewCore(cfg)
	if err != nil {
		logging.Error("❌ Ошибка сборки ядра: %v", err)
		log.Fatalf("❌ Ошибка сборки ядра: %v", err)
	}
	defer core.Close()

	// Хостовой подписчик: выводим ключевые события в лог
	core.Bus().Subscribe(ctx, eventbus.Filter{}, func(ctx context.Context, ev *eventbus.Envelope) {
		logging.Info("[%s] %s: %+v", ev.Topic, ev.EventType, ev.Payload)
	})

	creds := &auth.Credentials{Token: *token, Name: *name}
	if err := core.Connect(ctx, creds); err != nil {
		// Транзиентная ошибка: переподключение уже идёт в фоне
		logging.Warn("⚠️ Первая попытка подключения не удалась: %v", err)
	}

	logging.Info("✅ Ядро запущено, endpoint=%s", cfg.Endpoint.GetAddr())

	<-ctx.Done()
	logging.Info("🛑 Получен сигнал завершения, останавливаемся...")

	core.Disconnect()
	logging.Info("👋 Клиент остановлен")
}
