package protocol

import (
	"github.com/annel0/mmo-client/internal/vec"
)

// MsgType определяет тип сообщения в протоколе обмена с сервером.
type MsgType string

// Типы сообщений. Направление указано относительно клиента.
const (
	MsgUnknown MsgType = ""

	// Соединение
	MsgAuth         MsgType = "auth"          // out
	MsgAuthResponse MsgType = "auth_response" // in
	MsgPing         MsgType = "ping"          // out
	MsgPong         MsgType = "pong"          // in
	MsgError        MsgType = "error"         // in

	// Состав игроков
	MsgInitialRoster     MsgType = "initial_roster"      // in
	MsgPlayerJoined      MsgType = "player_joined"       // in
	MsgPlayerLeft        MsgType = "player_left"         // in
	MsgReconcileRoster   MsgType = "reconcile_roster"    // out
	MsgReconcileResponse MsgType = "reconcile_response"  // in
	MsgRequestFullRoster MsgType = "request_full_roster" // out

	// Позиции
	MsgPositionUpdate     MsgType = "position_update"     // in/out
	MsgPositionCorrection MsgType = "position_correction" // in

	// Сущности мира
	MsgWorldSnapshot  MsgType = "world_snapshot"  // in
	MsgItemDropped    MsgType = "item_dropped"    // in
	MsgEntityState    MsgType = "entity_state"    // in
	MsgEntityRemoved  MsgType = "entity_removed"  // in
	MsgGatherResource MsgType = "gather_resource" // out
	MsgPickupItem     MsgType = "pickup_item"     // out

	// Чат
	MsgChat        MsgType = "chat"         // out
	MsgChatMessage MsgType = "chat_message" // in

	// Транзакции (крафт и прочие длительные действия)
	MsgTransactionStart    MsgType = "transaction_start"    // out
	MsgTransactionResult   MsgType = "transaction_result"   // in
	MsgTransactionProgress MsgType = "transaction_progress" // in
	MsgTransactionComplete MsgType = "transaction_complete" // in
	MsgTransactionError    MsgType = "transaction_error"    // in
)

// AuthRequest запрос аутентификации. Token и GuestSessionID
// взаимоисключающие: гостевой вход использует сохранённый
// идентификатор сессии.
type AuthRequest struct {
	Token          string `json:"token,omitempty"`
	GuestSessionID string `json:"guestSessionId,omitempty"`
	Name           string `json:"name,omitempty"`
}

// AuthResponse ответ сервера на аутентификацию.
type AuthResponse struct {
	Success  bool   `json:"success"`
	PlayerID string `json:"playerId,omitempty"`
	Code     string `json:"code,omitempty"` // "auth_failed" — фатальная ошибка
	Message  string `json:"message,omitempty"`
}

// PlayerInfo описывает игрока в составе.
type PlayerInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Position  vec.Vec3Float `json:"position"`
	RotationY float64       `json:"rotationY"`
}

// InitialRoster полный состав игроков при подключении.
type InitialRoster struct {
	Players []PlayerInfo `json:"players"`
}

// PlayerLeft уведомление об уходе игрока.
type PlayerLeft struct {
	ID string `json:"id"`
}

// PositionUpdate обновление позиции. Timestamp — unix-время в миллисекундах
// на стороне отправителя.
type PositionUpdate struct {
	ID        string  `json:"id,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	RotationY float64 `json:"rotationY"`
	Timestamp int64   `json:"timestamp"`
	IsFinal   bool    `json:"isFinal,omitempty"`
}

// Position возвращает координаты обновления как вектор.
func (p *PositionUpdate) Position() vec.Vec3Float {
	return vec.Vec3Float{X: p.X, Y: p.Y, Z: p.Z}
}

// PositionCorrection серверная коррекция позиции собственного игрока.
// Применяется безусловно, минуя интерполяцию.
type PositionCorrection struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ReconcileRequest локальный набор ID для сверки с сервером.
type ReconcileRequest struct {
	RequestID string   `json:"requestId"`
	LocalIDs  []string `json:"localIds"`
}

// ReconcileResponse авторитетный набор ID от сервера.
type ReconcileResponse struct {
	RequestID string   `json:"requestId"`
	ServerIDs []string `json:"serverIds"`
}

// EntityKind вид сущности мира. Дискриминант присваивается при создании,
// а не выводится из формы данных.
type EntityKind string

const (
	KindResourceNode EntityKind = "resource_node"
	KindDroppedItem  EntityKind = "dropped_item"
)

// WorldEntityInfo описывает сущность мира (ресурс или предмет).
type WorldEntityInfo struct {
	ID       string            `json:"id"`
	Kind     EntityKind        `json:"kind"`
	Position vec.Vec3Float     `json:"position"`
	State    string            `json:"state,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WorldSnapshot снимок сущностей мира при подключении.
type WorldSnapshot struct {
	Entities []WorldEntityInfo `json:"entities"`
}

// ItemDropped появление нового предмета в мире.
type ItemDropped struct {
	Entity WorldEntityInfo `json:"entity"`
}

// EntityState изменение состояния сущности (например, harvested).
type EntityState struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// EntityRemoved удаление сущности (подбор предмета и т.п.).
type EntityRemoved struct {
	ID string `json:"id"`
}

// GatherResource запрос на сбор ресурса.
type GatherResource struct {
	ResourceID string `json:"resourceId"`
}

// PickupItem запрос на подбор предмета.
type PickupItem struct {
	DropID string `json:"dropId"`
}

// Chat исходящее сообщение чата.
type Chat struct {
	Text string `json:"text"`
}

// ChatMessage входящее сообщение чата.
type ChatMessage struct {
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// TransactionStart запуск длительной транзакции (крафт).
type TransactionStart struct {
	TransactionID string            `json:"transactionId"`
	RecipeID      string            `json:"recipeId"`
	Context       map[string]string `json:"context,omitempty"`
}

// TransactionResult итог запроса транзакции.
type TransactionResult struct {
	TransactionID string            `json:"transactionId"`
	Success       bool              `json:"success"`
	Error         string            `json:"error,omitempty"`
	ResultState   map[string]string `json:"resultState,omitempty"`
}

// TransactionProgress прогресс выполнения (0..1).
type TransactionProgress struct {
	TransactionID string  `json:"transactionId"`
	Progress      float64 `json:"progress"`
}

// TransactionComplete завершение транзакции.
type TransactionComplete struct {
	TransactionID string `json:"transactionId"`
	ResultCount   int    `json:"resultCount"`
}

// TransactionError ошибка выполнения транзакции.
type TransactionError struct {
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

// ErrorMessage сообщение об ошибке от сервера.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
