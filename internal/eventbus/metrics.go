package eventbus

import (
	"net/http"
	"time"

	"github.com/annel0/mmo-client/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsExporter инкапсулирует Prometheus-метрики для EventBus и периодически обновляет их.
// Экспортер не делает предположений о конкретной реализации шины —
// он опирается исключительно на интерфейс EventBus.
type MetricsExporter struct {
	bus      EventBus
	quit     chan struct{}
	done     chan struct{}
	registry *prometheus.Registry
	// Prometheus metrics
	published prometheus.Counter
	consumed  prometheus.Counter
	dropped   prometheus.Counter
	inflight  prometheus.Gauge

	lastPublished uint64
	lastConsumed  uint64
	lastDropped   uint64
}

// NewMetricsExporter создаёт экспортер, но не запускает HTTP-сервер.
func NewMetricsExporter(bus EventBus) *MetricsExporter {
	me := &MetricsExporter{
		bus:  bus,
		quit: make(chan struct{}),
		done: make(chan struct{}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_published_total",
			Help:      "Общее число опубликованных сообщений.",
		}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_consumed_total",
			Help:      "Общее число доставленных сообщений подписчикам.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "messages_dropped_total",
			Help:      "Сообщений, отброшенных из-за ошибок или ограничения back-pressure.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "eventbus",
			Name:      "messages_in_flight",
			Help:      "Сообщений в буфере диспетчера.",
		}),
	}

	// Собственный регистратор: несколько экземпляров ядра в одном
	// процессе не конфликтуют дублирующейся регистрацией коллекторов
	me.registry = prometheus.NewRegistry()
	me.registry.MustRegister(me.published, me.consumed, me.dropped, me.inflight)
	return me
}

// Registry возвращает регистратор метрик экспортера для встраивания
// в HTTP-обвязку хост-приложения.
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Start запускает периодическое обновление метрик и HTTP-эндпоинт /metrics.
// addr пустой — HTTP-сервер не поднимается (метрики доступны через
// Registry). Эндпоинт отдаёт метрики шины вместе с метриками процесса
// из глобального регистратора.
func (me *MetricsExporter) Start(addr string) {
	go me.updateLoop()

	if addr != "" {
		go func() {
			gatherers := prometheus.Gatherers{me.registry, prometheus.DefaultGatherer}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
			logging.Info("📊 Prometheus метрики доступны на %s/metrics", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logging.Warn("MetricsExporter: HTTP сервер завершился: %v", err)
			}
		}()
	}
}

// Stop останавливает обновление метрик.
func (me *MetricsExporter) Stop() {
	close(me.quit)
	<-me.done
}

func (me *MetricsExporter) updateLoop() {
	defer close(me.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s := me.bus.Metrics()
			me.published.Add(float64(s.Published - me.lastPublished))
			me.consumed.Add(float64(s.Consumed - me.lastConsumed))
			me.dropped.Add(float64(s.Dropped - me.lastDropped))
			me.lastPublished = s.Published
			me.lastConsumed = s.Consumed
			me.lastDropped = s.Dropped
			me.inflight.Set(float64(s.InFlight))
		case <-me.quit:
			return
		}
	}
}
