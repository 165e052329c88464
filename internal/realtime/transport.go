// Package realtime управляет realtime-соединением с бэкендом: жизненный цикл соединения,
// членство в матче сектора и очередь событий транспорта.
package realtime

import (
	"context"

	"github.com/annel0/sector-sync/internal/auth"
)

// Presence: участник матча
type Presence struct {
	UserID    string
	SessionID string
	Username  string
}

// Match: матч, в который вошёл клиент
type Match struct {
	ID        string
	Label     string
	Self      Presence
	Presences []Presence // участники, уже находившиеся в матче
}

// MatchData: сообщение, полученное в матче
type MatchData struct {
	MatchID string
	OpCode  int64
	Data    []byte
	Sender  Presence
}

// PresenceEvent: изменение состава матча
type PresenceEvent struct {
	MatchID string
	Joins   []Presence
	Leaves  []Presence
}

// Listener получает события транспорта. Методы вызываются из горутин транспорта
// и должны завершаться за ограниченное время.
type Listener interface {
	OnConnect()
	OnDisconnect(reason string)
	OnError(message string)
	OnMatchData(data MatchData)
	OnMatchPresence(event PresenceEvent)
}

// Transport: клиент realtime-бэкенда.
//
// Connect начинает подключение и регистрирует единственного слушателя; об успешном
// подключении сообщает OnConnect (синхронно или позже). Ошибка Connect означает, что
// подключение не начато. CreateMatch и JoinMatch обязаны соблюдать ctx.
// LeaveMatch и SendMatchData не ждут ответа сервера.
type Transport interface {
	Connect(ctx context.Context, session *auth.Session, listener Listener) error
	CreateMatch(ctx context.Context) (*Match, error)
	JoinMatch(ctx context.Context, matchID string, metadata map[string]string) (*Match, error)
	LeaveMatch(matchID string) error
	SendMatchData(matchID string, opCode int64, data []byte) error
	Tick()
	Disconnect()
}

// MatchResolver находит идентификатор матча сектора по его имени
type MatchResolver interface {
	ResolveMatch(ctx context.Context, session *auth.Session, zone string) (string, error)
}

// ResolverFunc позволяет использовать функцию как MatchResolver
type ResolverFunc func(ctx context.Context, session *auth.Session, zone string) (string, error)

// ResolveMatch вызывает f(ctx, session, zone)
func (f ResolverFunc) ResolveMatch(ctx context.Context, session *auth.Session, zone string) (string, error) {
	return f(ctx, session, zone)
}
