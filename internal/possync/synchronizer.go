package possync

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/mmo-client/internal/connection"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/observability"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/roster"
	"github.com/annel0/mmo-client/internal/vec"
)

// Sender контракт отправки исходящих сообщений. Реализуется connection.Manager.
type Sender interface {
	Send(ctx context.Context, msgType protocol.MsgType, payload interface{}) error
	PlayerID() string
	PersistPosition(pos vec.Vec3Float, rotationY float64)
}

// HandlerRegistry регистрация обработчиков входящих сообщений.
type HandlerRegistry interface {
	RegisterHandler(msgType protocol.MsgType, h connection.MessageHandler)
}

// Options настройки синхронизации позиций.
type Options struct {
	PublishInterval  time.Duration // минимальный интервал публикации (100ms)
	MinDelta         float64       // минимальное смещение для публикации (0.003)
	Smoothing        float64       // коэффициент экспоненциального сглаживания (0.25)
	SnapThreshold    float64       // дистанция мгновенной коррекции (5.0)
	MaxLatency       time.Duration // потолок оценки односторонней задержки (200ms)
	MaxExtrapolation time.Duration // потолок экстраполяции dead reckoning (250ms)
	Bounds           vec.Bounds
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PublishInterval <= 0 {
		out.PublishInterval = 100 * time.Millisecond
	}
	if out.MinDelta <= 0 {
		out.MinDelta = 0.003
	}
	if out.Smoothing <= 0 {
		out.Smoothing = 0.25
	}
	if out.SnapThreshold <= 0 {
		out.SnapThreshold = 5.0
	}
	if out.MaxLatency <= 0 {
		out.MaxLatency = 200 * time.Millisecond
	}
	if out.MaxExtrapolation <= 0 {
		out.MaxExtrapolation = 250 * time.Millisecond
	}
	if out.Bounds == (vec.Bounds{}) {
		out.Bounds = vec.DefaultWorldBounds()
	}
	return out
}

// entityMotion состояние движения одного удалённого игрока.
type entityMotion struct {
	rendered      vec.Vec3Float
	target        vec.Vec3Float
	velocity      vec.Vec3Float
	rotationY     float64
	lastTimestamp int64         // защита от устаревших обновлений
	lastTargetAt  time.Time     // время получения последней цели
	latency       time.Duration // оценка односторонней задержки, только справочная
}

// Synchronizer ведёт позиции: троттлит исходящие публикации собственной
// позиции и сглаживает входящие обновления удалённых игроков
// (интерполяция, snap-коррекция, dead reckoning).
type Synchronizer struct {
	sender Sender
	roster *roster.Reconciler
	opts   Options
	now    func() time.Time

	mu            sync.Mutex
	selfPos       vec.Vec3Float
	selfRot       float64
	lastPublished vec.Vec3Float
	lastPublishAt time.Time
	entities      map[string]*entityMotion

	sub eventbus.Subscription
}

// NewSynchronizer создаёт синхронизатор позиций.
func NewSynchronizer(sender Sender, r *roster.Reconciler, opts Options) *Synchronizer {
	return &Synchronizer{
		sender:   sender,
		roster:   r,
		opts:     opts.withDefaults(),
		now:      time.Now,
		entities: make(map[string]*entityMotion),
	}
}

// Bind подписывает синхронизатор на входящие сообщения позиций.
func (s *Synchronizer) Bind(reg HandlerRegistry) {
	reg.RegisterHandler(protocol.MsgPositionUpdate, func(msg *protocol.Message) {
		var upd protocol.PositionUpdate
		if err := protocol.UnmarshalData(msg, &upd); err != nil {
			logging.Warn("PositionSynchronizer: битый position_update: %v", err)
			return
		}
		s.ApplyRemoteUpdate(&upd)
	})
	reg.RegisterHandler(protocol.MsgPositionCorrection, func(msg *protocol.Message) {
		var corr protocol.PositionCorrection
		if err := protocol.UnmarshalData(msg, &corr); err != nil {
			logging.Warn("PositionSynchronizer: битая position_correction: %v", err)
			return
		}
		s.ApplyCorrection(&corr)
	})
}

// Attach подписывается на события состава, чтобы состояние движения
// не переживало удалённых игроков.
func (s *Synchronizer) Attach(bus eventbus.EventBus) error {
	sub, err := bus.Subscribe(context.Background(), eventbus.Filter{
		Topics: []eventbus.Topic{eventbus.TopicRoster},
		Types:  []string{roster.EventPlayerLeft, roster.EventRosterRefreshed},
	}, func(ctx context.Context, ev *eventbus.Envelope) {
		switch payload := ev.Payload.(type) {
		case *roster.PlayerLeftEvent:
			s.mu.Lock()
			delete(s.entities, payload.ID)
			s.mu.Unlock()
		case *roster.RosterRefreshedEvent:
			s.pruneUnknown()
		}
	})
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Close снимает подписки.
func (s *Synchronizer) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *Synchronizer) pruneUnknown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entities {
		if !s.roster.Has(id) {
			delete(s.entities, id)
		}
	}
}

// UpdateSelf принимает новую позицию собственного игрока и публикует её,
// если прошёл интервал троттлинга и смещение превышает порог.
func (s *Synchronizer) UpdateSelf(pos vec.Vec3Float, rotationY float64) {
	clamped := s.opts.Bounds.Clamp(pos)
	s.mu.Lock()
	s.selfPos = clamped
	s.selfRot = rotationY
	s.mu.Unlock()
	s.publishSelf(false, false)
}

// ForcePublish публикует текущую позицию немедленно, минуя троттлинг.
// Используется при прибытии в точку автодвижения, приземлении после
// прыжка и авторитетной републикации после отклонения сервером.
func (s *Synchronizer) ForcePublish(isFinal bool) {
	s.publishSelf(true, isFinal)
}

func (s *Synchronizer) publishSelf(force, isFinal bool) {
	now := s.now()

	s.mu.Lock()
	pos := s.selfPos
	rot := s.selfRot
	if !force {
		if !s.lastPublishAt.IsZero() && now.Sub(s.lastPublishAt) < s.opts.PublishInterval {
			s.mu.Unlock()
			observability.RecordThrottledPublish()
			return
		}
		if pos.DistanceTo(s.lastPublished) < s.opts.MinDelta {
			s.mu.Unlock()
			return
		}
	}
	s.lastPublished = pos
	s.lastPublishAt = now
	s.mu.Unlock()

	upd := &protocol.PositionUpdate{
		X:         pos.X,
		Y:         pos.Y,
		Z:         pos.Z,
		RotationY: rot,
		Timestamp: now.UnixMilli(),
		IsFinal:   isFinal,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.sender.Send(ctx, protocol.MsgPositionUpdate, upd); err != nil {
		logging.Debug("PositionSynchronizer: позиция не отправлена: %v", err)
		return
	}
	if isFinal {
		s.sender.PersistPosition(pos, rot)
	}
}

// SelfPosition возвращает текущую позицию собственного игрока.
func (s *Synchronizer) SelfPosition() (vec.Vec3Float, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfPos, s.selfRot
}

// SetSelfSpawn инициализирует позицию собственного игрока без публикации
// (стартовая позиция из полного состава или сохранённая локально).
func (s *Synchronizer) SetSelfSpawn(pos vec.Vec3Float, rotationY float64) {
	clamped := s.opts.Bounds.Clamp(pos)
	s.mu.Lock()
	s.selfPos = clamped
	s.selfRot = rotationY
	s.lastPublished = clamped
	s.mu.Unlock()
}

// ApplyRemoteUpdate применяет входящее обновление позиции удалённого игрока:
// устанавливает цель интерполяции, оценивает скорость и задержку.
// Обновления с невозрастающим timestamp отбрасываются.
func (s *Synchronizer) ApplyRemoteUpdate(upd *protocol.PositionUpdate) {
	if upd.ID == "" || upd.ID == s.sender.PlayerID() {
		// Собственная позиция авторитетна локально
		return
	}
	if !s.roster.Has(upd.ID) {
		logging.Debug("PositionSynchronizer: обновление для неизвестного игрока %s", upd.ID)
		return
	}

	now := s.now()
	target := s.opts.Bounds.Clamp(upd.Position())

	s.mu.Lock()
	em, ok := s.entities[upd.ID]
	if !ok {
		rendered := target
		if snap, found := s.roster.Snapshot(upd.ID); found {
			rendered = snap.Position
		}
		em = &entityMotion{rendered: rendered}
		s.entities[upd.ID] = em
	}

	if em.lastTimestamp != 0 && upd.Timestamp <= em.lastTimestamp {
		s.mu.Unlock()
		observability.RecordStaleUpdate()
		logging.Debug("PositionSynchronizer: устаревшее обновление %s (ts=%d ≤ %d), отброшено",
			upd.ID, upd.Timestamp, em.lastTimestamp)
		return
	}

	// Оценка скорости по последовательным целям и реальному времени между ними
	if !em.lastTargetAt.IsZero() {
		if elapsed := now.Sub(em.lastTargetAt).Seconds(); elapsed > 0 {
			em.velocity = target.Sub(em.target).Mul(1 / elapsed)
		}
	}

	// Оценка задержки только справочная: по ней никогда не сдвигается
	// позиция, иначе расхождение часов порождает артефакты
	latency := time.Duration(now.UnixMilli()-upd.Timestamp) * time.Millisecond
	if latency < 0 {
		latency = 0
	}
	if latency > s.opts.MaxLatency {
		latency = s.opts.MaxLatency
	}
	em.latency = latency

	em.target = target
	em.rotationY = upd.RotationY
	em.lastTimestamp = upd.Timestamp
	em.lastTargetAt = now
	rendered := em.rendered
	s.mu.Unlock()

	s.roster.UpdateMotion(upd.ID, target, s.velocityOf(upd.ID))
	s.roster.Touch(upd.ID, rendered, upd.RotationY)
}

func (s *Synchronizer) velocityOf(id string) vec.Vec3Float {
	s.mu.Lock()
	defer s.mu.Unlock()
	if em, ok := s.entities[id]; ok {
		return em.velocity
	}
	return vec.Vec3Float{}
}

// ApplyCorrection применяет серверную коррекцию собственной позиции.
// Коррекция безусловна: локальное предсказание отбрасывается без
// интерполяции, затем позиция авторитетно републикуется.
func (s *Synchronizer) ApplyCorrection(corr *protocol.PositionCorrection) {
	clamped := s.opts.Bounds.Clamp(vec.Vec3Float{X: corr.X, Y: corr.Y, Z: corr.Z})
	s.mu.Lock()
	s.selfPos = clamped
	s.mu.Unlock()

	observability.RecordSnapCorrection()
	logging.Info("PositionSynchronizer: серверная коррекция позиции → %v", clamped)
	s.publishSelf(true, true)
}

// Step продвигает отрисовываемые позиции к целям. Вызывается раз в кадр.
// Дистанция до цели не меньше порога — мгновенная коррекция (snap),
// иначе экспоненциальное сглаживание. Между редкими обновлениями цель
// экстраполируется по оценке скорости (dead reckoning).
func (s *Synchronizer) Step() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, em := range s.entities {
		target := em.target
		if em.velocity != (vec.Vec3Float{}) && !em.lastTargetAt.IsZero() {
			elapsed := now.Sub(em.lastTargetAt)
			if elapsed > s.opts.MaxExtrapolation {
				elapsed = s.opts.MaxExtrapolation
			}
			if elapsed > 0 {
				target = target.Add(em.velocity.Mul(elapsed.Seconds()))
			}
		}
		target = s.opts.Bounds.Clamp(target)

		if em.rendered.DistanceTo(target) >= s.opts.SnapThreshold {
			em.rendered = target
			observability.RecordSnapCorrection()
		} else {
			em.rendered = em.rendered.Lerp(target, s.opts.Smoothing)
		}
	}
}

// RenderedPosition возвращает текущую отрисовываемую позицию игрока.
func (s *Synchronizer) RenderedPosition(id string) (vec.Vec3Float, float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	em, ok := s.entities[id]
	if !ok {
		return vec.Vec3Float{}, 0, false
	}
	return em.rendered, em.rotationY, true
}

// Latency возвращает справочную оценку односторонней задержки игрока.
func (s *Synchronizer) Latency(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	em, ok := s.entities[id]
	if !ok {
		return 0, false
	}
	return em.latency, true
}
