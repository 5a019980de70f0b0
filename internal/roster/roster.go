package roster

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/mmo-client/internal/connection"
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/logging"
	"github.com/annel0/mmo-client/internal/observability"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/util"
	"github.com/annel0/mmo-client/internal/vec"
)

// PlayerEntity описывает удалённого игрока в составе.
// Поля движения (TargetPosition, EstimatedVelocity) обновляются
// синхронизатором позиций через Touch, остальное — самим Reconciler.
type PlayerEntity struct {
	ID                string
	Name              string
	Position          vec.Vec3Float
	RotationY         float64
	TargetPosition    vec.Vec3Float
	EstimatedVelocity vec.Vec3Float
	LastUpdate        time.Time
	StaleSince        time.Time // нулевое значение — не помечен устаревшим
}

// Conn минимальный контракт менеджера соединения, нужный Reconciler.
type Conn interface {
	PlayerID() string
	ReconcileRoster(ctx context.Context, localIDs []string) ([]string, error)
	RequestFullRoster(ctx context.Context) error
}

// HandlerRegistry регистрация обработчиков входящих сообщений.
// Реализуется connection.Manager.
type HandlerRegistry interface {
	RegisterHandler(msgType protocol.MsgType, h connection.MessageHandler)
}

// Options настройки сверки состава.
type Options struct {
	ReconcileInterval time.Duration // период фоновой сверки (по умолчанию 30s)
	StaleTimeout      time.Duration // таймаут пометки устаревших (по умолчанию 30s)
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = 30 * time.Second
	}
	if out.StaleTimeout <= 0 {
		out.StaleTimeout = 30 * time.Second
	}
	return out
}

// RepairReport итог защитного прохода Repair.
type RepairReport struct {
	Dropped  []string // записи без представления — удалены из состава
	Orphaned []string // представления без записи — презентер должен их убрать
}

// Reconciler владеет авторитетным набором удалённых игроков:
// join/leave, периодическая сверка с сервером, ремонт расхождений,
// пометка и отложенное удаление устаревших записей.
type Reconciler struct {
	conn Conn
	bus  eventbus.EventBus
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	players   map[string]*PlayerEntity
	selfSpawn *protocol.PlayerInfo

	reconcileTask *util.Task
	sweepTask     *util.Task
}

// NewReconciler создаёт сверщик состава.
func NewReconciler(conn Conn, bus eventbus.EventBus, opts Options) *Reconciler {
	return &Reconciler{
		conn:    conn,
		bus:     bus,
		opts:    opts.withDefaults(),
		now:     time.Now,
		players: make(map[string]*PlayerEntity),
	}
}

// Bind подписывает Reconciler на сообщения состава.
func (r *Reconciler) Bind(reg HandlerRegistry) {
	reg.RegisterHandler(protocol.MsgInitialRoster, func(msg *protocol.Message) {
		var roster protocol.InitialRoster
		if err := protocol.UnmarshalData(msg, &roster); err != nil {
			logging.Warn("RosterReconciler: битый initial_roster: %v", err)
			return
		}
		r.ApplyInitialRoster(roster.Players)
	})
	reg.RegisterHandler(protocol.MsgPlayerJoined, func(msg *protocol.Message) {
		var p protocol.PlayerInfo
		if err := protocol.UnmarshalData(msg, &p); err != nil {
			logging.Warn("RosterReconciler: битый player_joined: %v", err)
			return
		}
		r.ApplyJoin(p)
	})
	reg.RegisterHandler(protocol.MsgPlayerLeft, func(msg *protocol.Message) {
		var left protocol.PlayerLeft
		if err := protocol.UnmarshalData(msg, &left); err != nil {
			logging.Warn("RosterReconciler: битый player_left: %v", err)
			return
		}
		r.ApplyLeave(left.ID)
	})
}

// Start запускает фоновую сверку и пометку устаревших записей.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconcileTask == nil {
		r.reconcileTask = util.Every(r.opts.ReconcileInterval, r.runReconcile)
	}
	if r.sweepTask == nil {
		r.sweepTask = util.Every(r.opts.StaleTimeout/2, r.sweepStale)
	}
}

// Close останавливает фоновые задачи.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconcileTask != nil {
		r.reconcileTask.Cancel()
		r.reconcileTask = nil
	}
	if r.sweepTask != nil {
		r.sweepTask.Cancel()
		r.sweepTask = nil
	}
}

// ApplyInitialRoster полностью заменяет локальный состав.
// Запись собственного игрока исключается из набора.
func (r *Reconciler) ApplyInitialRoster(players []protocol.PlayerInfo) {
	selfID := r.conn.PlayerID()
	now := r.now()

	r.mu.Lock()
	r.players = make(map[string]*PlayerEntity, len(players))
	for _, p := range players {
		if p.ID == selfID {
			// Собственная запись не попадает в состав: её позиция
			// инициализирует локального игрока.
			self := p
			r.selfSpawn = &self
			continue
		}
		r.players[p.ID] = &PlayerEntity{
			ID:             p.ID,
			Name:           p.Name,
			Position:       p.Position,
			RotationY:      p.RotationY,
			TargetPosition: p.Position,
			LastUpdate:     now,
		}
	}
	count := len(r.players)
	r.mu.Unlock()

	observability.SetRosterSize(count)
	logging.Info("RosterReconciler: состав загружен, игроков: %d", count)
	r.publish(EventRosterRefreshed, &RosterRefreshedEvent{Count: count})
}

// ApplyJoin добавляет игрока. Повторный join того же ID заменяет
// существующую запись, а не создаёт дубликат.
func (r *Reconciler) ApplyJoin(p protocol.PlayerInfo) {
	if p.ID == r.conn.PlayerID() {
		return
	}

	entity := &PlayerEntity{
		ID:             p.ID,
		Name:           p.Name,
		Position:       p.Position,
		RotationY:      p.RotationY,
		TargetPosition: p.Position,
		LastUpdate:     r.now(),
	}

	r.mu.Lock()
	_, replaced := r.players[p.ID]
	r.players[p.ID] = entity
	count := len(r.players)
	r.mu.Unlock()

	observability.SetRosterSize(count)
	if replaced {
		logging.Debug("RosterReconciler: повторный join %s, запись заменена", p.ID)
	}
	r.publish(EventPlayerJoined, &PlayerJoinedEvent{Player: *entity})
}

// ApplyLeave удаляет игрока. Удаление отсутствующего ID — no-op.
func (r *Reconciler) ApplyLeave(id string) {
	r.mu.Lock()
	_, ok := r.players[id]
	if ok {
		delete(r.players, id)
	}
	count := len(r.players)
	r.mu.Unlock()

	if !ok {
		return
	}
	observability.SetRosterSize(count)
	r.publish(EventPlayerLeft, &PlayerLeftEvent{ID: id})
}

// Reconcile сверяет локальный набор ID с сервером: лишние локальные записи
// удаляются, отсутствующие локально запускают полную перезагрузку состава.
// Именно здесь окончательно удаляются помеченные устаревшими записи.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	serverIDs, err := r.conn.ReconcileRoster(ctx, r.IDs())
	if err != nil {
		return err
	}

	serverSet := make(map[string]struct{}, len(serverIDs))
	for _, id := range serverIDs {
		serverSet[id] = struct{}{}
	}

	r.mu.Lock()
	var purged []string
	for id := range r.players {
		if _, ok := serverSet[id]; !ok {
			delete(r.players, id)
			purged = append(purged, id)
		}
	}
	missing := false
	for id := range serverSet {
		if _, ok := r.players[id]; !ok {
			missing = true
			break
		}
	}
	count := len(r.players)
	r.mu.Unlock()

	observability.SetRosterSize(count)
	if len(purged) > 0 {
		observability.RecordReconcilePurge(len(purged))
		logging.Info("RosterReconciler: сверка удалила %d записей", len(purged))
		for _, id := range purged {
			r.publish(EventPlayerLeft, &PlayerLeftEvent{ID: id})
		}
	}

	if missing {
		// На сервере есть игроки, которых нет локально — перезагружаем состав
		logging.Info("RosterReconciler: расхождение с сервером, запрошен полный состав")
		if err := r.conn.RequestFullRoster(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TriggerReconcile запускает внеочередную сверку при подозрении на рассинхрон.
func (r *Reconciler) TriggerReconcile() {
	go r.runReconcile()
}

func (r *Reconciler) runReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Reconcile(ctx); err != nil {
		logging.Debug("RosterReconciler: сверка не удалась: %v", err)
	}
}

// Repair сверяет отслеживаемые записи с фактически отрисованными
// представлениями презентера. Записи без представления удаляются;
// представления без записи возвращаются презентеру на демонтаж,
// после чего запрашивается полный состав.
func (r *Reconciler) Repair(rendered map[string]struct{}) RepairReport {
	var report RepairReport

	r.mu.Lock()
	for id := range r.players {
		if _, ok := rendered[id]; !ok {
			delete(r.players, id)
			report.Dropped = append(report.Dropped, id)
		}
	}
	for id := range rendered {
		if _, ok := r.players[id]; !ok {
			report.Orphaned = append(report.Orphaned, id)
		}
	}
	count := len(r.players)
	r.mu.Unlock()

	observability.SetRosterSize(count)
	for _, id := range report.Dropped {
		r.publish(EventPlayerLeft, &PlayerLeftEvent{ID: id})
	}
	if len(report.Dropped) > 0 || len(report.Orphaned) > 0 {
		logging.Warn("⚠️ RosterReconciler: ремонт удалил %d записей, осиротевших представлений: %d",
			len(report.Dropped), len(report.Orphaned))
		r.TriggerReconcile()
	}
	return report
}

// sweepStale помечает записи, не обновлявшиеся дольше таймаута.
// Помеченная запись удаляется только после того, как сверка подтвердит
// её отсутствие на сервере — кратковременный сетевой сбой не должен
// выбрасывать игрока из состава.
func (r *Reconciler) sweepStale() {
	now := r.now()

	r.mu.Lock()
	marked := 0
	for _, p := range r.players {
		if p.StaleSince.IsZero() && now.Sub(p.LastUpdate) > r.opts.StaleTimeout {
			p.StaleSince = now
			marked++
		}
	}
	r.mu.Unlock()

	if marked > 0 {
		logging.Debug("RosterReconciler: помечено устаревших записей: %d", marked)
		r.TriggerReconcile()
	}
}

// Touch фиксирует свежее обновление позиции игрока: обновляет
// наблюдаемые координаты и снимает пометку устаревания.
// Возвращает false, если игрок неизвестен.
func (r *Reconciler) Touch(id string, pos vec.Vec3Float, rotationY float64) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.Position = pos
	p.RotationY = rotationY
	p.LastUpdate = now
	p.StaleSince = time.Time{}
	return true
}

// UpdateMotion сохраняет целевую позицию и оценку скорости игрока.
// Вызывается синхронизатором позиций.
func (r *Reconciler) UpdateMotion(id string, target, velocity vec.Vec3Float) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return false
	}
	p.TargetPosition = target
	p.EstimatedVelocity = velocity
	return true
}

// SelfSpawn возвращает запись собственного игрока из последнего
// полного состава, если сервер её присылал.
func (r *Reconciler) SelfSpawn() (protocol.PlayerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selfSpawn == nil {
		return protocol.PlayerInfo{}, false
	}
	return *r.selfSpawn, true
}

// Has сообщает, известен ли игрок.
func (r *Reconciler) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.players[id]
	return ok
}

// Snapshot возвращает копию записи игрока.
func (r *Reconciler) Snapshot(id string) (PlayerEntity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return PlayerEntity{}, false
	}
	return *p, true
}

// IDs возвращает ID всех игроков состава.
func (r *Reconciler) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	return ids
}

// Len возвращает размер состава.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

func (r *Reconciler) publish(eventType string, payload interface{}) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev := eventbus.NewEnvelope("roster", eventbus.TopicRoster, eventType, payload)
	if err := r.bus.Publish(ctx, ev); err != nil {
		logging.Debug("RosterReconciler: событие %s не опубликовано: %v", eventType, err)
	}
}
