package realtime

// EventKind: тип события транспорта
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventMatchData
	EventPresence
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	case EventMatchData:
		return "match_data"
	case EventPresence:
		return "presence"
	default:
		return "unknown"
	}
}

// Event: событие транспорта, поставленное в очередь для обработки в тике.
// MatchID: матч, к которому относится событие (пусто для событий соединения).
type Event struct {
	Kind     EventKind
	MatchID  string
	Reason   string // EventDisconnected, EventError
	OpCode   int64
	Data     []byte
	SenderID string
	Joins    []Presence
	Leaves   []Presence
}
