package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Метрики ядра синхронизации. Регистрируются лениво при первом
// использовании, чтобы встраивающий хост мог подменить регистратор.
var (
	registerOnce sync.Once

	connectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "connects_total",
		Help:      "Успешных подключений.",
	})
	reconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "reconnect_attempts_total",
		Help:      "Попыток переподключения.",
	})
	messagesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "messages_in_total",
		Help:      "Входящих сообщений по типам.",
	}, []string{"type"})
	messagesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "messages_out_total",
		Help:      "Исходящих сообщений по типам.",
	}, []string{"type"})
	protocolErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "protocol_errors_total",
		Help:      "Отброшенных из-за ошибок разбора сообщений.",
	})
	rosterSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncclient",
		Name:      "roster_size",
		Help:      "Текущее число удалённых игроков.",
	})
	reconcilePurgesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "reconcile_purges_total",
		Help:      "Игроков, удалённых по результатам сверки.",
	})
	snapCorrectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "snap_corrections_total",
		Help:      "Мгновенных коррекций позиции (snap).",
	})
	throttledPublishesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "throttled_publishes_total",
		Help:      "Публикаций позиции, подавленных троттлингом.",
	})
	staleUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syncclient",
		Name:      "stale_position_updates_total",
		Help:      "Отброшенных устаревших обновлений позиции.",
	})
	activeInteraction = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncclient",
		Name:      "active_interaction",
		Help:      "1 — есть активная сессия взаимодействия.",
	})
)

func ensureRegistered() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectsTotal, reconnectAttemptsTotal,
			messagesIn, messagesOut, protocolErrorsTotal,
			rosterSize, reconcilePurgesTotal,
			snapCorrectionsTotal, throttledPublishesTotal, staleUpdatesTotal,
			activeInteraction,
		)
	})
}

// RecordConnected фиксирует успешное подключение.
func RecordConnected() {
	ensureRegistered()
	connectsTotal.Inc()
}

// RecordReconnectAttempt фиксирует попытку переподключения.
func RecordReconnectAttempt() {
	ensureRegistered()
	reconnectAttemptsTotal.Inc()
}

// RecordMessageIn фиксирует входящее сообщение.
func RecordMessageIn(msgType string) {
	ensureRegistered()
	messagesIn.WithLabelValues(msgType).Inc()
}

// RecordMessageOut фиксирует исходящее сообщение.
func RecordMessageOut(msgType string) {
	ensureRegistered()
	messagesOut.WithLabelValues(msgType).Inc()
}

// RecordProtocolError фиксирует отброшенное сообщение.
func RecordProtocolError() {
	ensureRegistered()
	protocolErrorsTotal.Inc()
}

// SetRosterSize обновляет размер состава.
func SetRosterSize(n int) {
	ensureRegistered()
	rosterSize.Set(float64(n))
}

// RecordReconcilePurge фиксирует удаления по результатам сверки.
func RecordReconcilePurge(n int) {
	ensureRegistered()
	reconcilePurgesTotal.Add(float64(n))
}

// RecordSnapCorrection фиксирует мгновенную коррекцию позиции.
func RecordSnapCorrection() {
	ensureRegistered()
	snapCorrectionsTotal.Inc()
}

// RecordThrottledPublish фиксирует подавленную публикацию позиции.
func RecordThrottledPublish() {
	ensureRegistered()
	throttledPublishesTotal.Inc()
}

// RecordStaleUpdate фиксирует отброшенное устаревшее обновление позиции.
func RecordStaleUpdate() {
	ensureRegistered()
	staleUpdatesTotal.Inc()
}

// SetInteractionActive обновляет индикатор активной сессии.
func SetInteractionActive(active bool) {
	ensureRegistered()
	if active {
		activeInteraction.Set(1)
	} else {
		activeInteraction.Set(0)
	}
}
