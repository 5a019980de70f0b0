package roster

// Типы событий топика roster.
const (
	EventPlayerJoined    = "PlayerJoined"
	EventPlayerLeft      = "PlayerLeft"
	EventRosterRefreshed = "RosterRefreshed"
)

// PlayerJoinedEvent публикуется при появлении удалённого игрока.
type PlayerJoinedEvent struct {
	Player PlayerEntity
}

// PlayerLeftEvent публикуется при удалении игрока из состава.
type PlayerLeftEvent struct {
	ID string
}

// RosterRefreshedEvent публикуется после полной замены состава.
type RosterRefreshedEvent struct {
	Count int
}
