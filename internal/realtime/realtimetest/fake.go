// Package realtimetest содержит управляемый из тестов транспорт в памяти.
package realtimetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/realtime"
)

// ErrNotConnected: операция транспорта без подключения
var ErrNotConnected = errors.New("fake transport: not connected")

// SentMessage: сообщение, отправленное через SendMatchData
type SentMessage struct {
	MatchID string
	OpCode  int64
	Data    []byte
}

// JoinRequest: параметры вызова JoinMatch
type JoinRequest struct {
	MatchID  string
	Metadata map[string]string
}

// Transport: realtime.Transport в памяти.
//
// По умолчанию Connect сразу вызывает OnConnect. С ManualConnect тест сам вызывает FireConnect.
// С BlockJoin JoinMatch и CreateMatch ждут отмены контекста.
type Transport struct {
	mu sync.Mutex

	ManualConnect bool
	ConnectErr    error
	JoinErr       error
	BlockJoin     bool
	SendErr       error
	// Presences возвращаются в Match.Presences при входе
	Presences []realtime.Presence

	listener    realtime.Listener
	session     *auth.Session
	connected   bool
	created     int
	joins       []JoinRequest
	leaves      []string
	sent        []SentMessage
	ticks       int
	disconnects int
	connects    int
}

// New создаёт транспорт с автоматическим подключением
func New() *Transport {
	return &Transport{}
}

func (t *Transport) Connect(ctx context.Context, session *auth.Session, listener realtime.Listener) error {
	t.mu.Lock()
	t.connects++
	if t.ConnectErr != nil {
		err := t.ConnectErr
		t.mu.Unlock()
		return err
	}
	t.listener = listener
	t.session = session
	manual := t.ManualConnect
	if !manual {
		t.connected = true
	}
	t.mu.Unlock()

	if !manual {
		listener.OnConnect()
	}
	return nil
}

func (t *Transport) CreateMatch(ctx context.Context) (*realtime.Match, error) {
	t.mu.Lock()
	t.created++
	id := fmt.Sprintf("match-%d", t.created)
	t.mu.Unlock()
	return t.enter(ctx, id, "")
}

func (t *Transport) JoinMatch(ctx context.Context, matchID string, metadata map[string]string) (*realtime.Match, error) {
	t.mu.Lock()
	t.joins = append(t.joins, JoinRequest{MatchID: matchID, Metadata: metadata})
	t.mu.Unlock()
	return t.enter(ctx, matchID, metadata["sector"])
}

func (t *Transport) enter(ctx context.Context, matchID, label string) (*realtime.Match, error) {
	t.mu.Lock()
	block := t.BlockJoin
	joinErr := t.JoinErr
	connected := t.connected
	var self realtime.Presence
	if t.session != nil {
		self = realtime.Presence{UserID: t.session.UserID, Username: t.session.Username}
	}
	presences := append([]realtime.Presence(nil), t.Presences...)
	t.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if joinErr != nil {
		return nil, joinErr
	}
	if !connected {
		return nil, ErrNotConnected
	}
	return &realtime.Match{ID: matchID, Label: label, Self: self, Presences: presences}, nil
}

func (t *Transport) LeaveMatch(matchID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves = append(t.leaves, matchID)
	return nil
}

func (t *Transport) SendMatchData(matchID string, opCode int64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	cp := append([]byte(nil), data...)
	t.sent = append(t.sent, SentMessage{MatchID: matchID, OpCode: opCode, Data: cp})
	return nil
}

func (t *Transport) Tick() {
	t.mu.Lock()
	t.ticks++
	t.mu.Unlock()
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.disconnects++
	t.connected = false
	t.mu.Unlock()
}

// Listener возвращает последнего зарегистрированного слушателя
func (t *Transport) Listener() realtime.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// FireConnect сообщает слушателю об успешном подключении
func (t *Transport) FireConnect() {
	t.mu.Lock()
	t.connected = true
	l := t.listener
	t.mu.Unlock()
	l.OnConnect()
}

// FireDisconnect сообщает слушателю о разрыве соединения
func (t *Transport) FireDisconnect(reason string) {
	t.mu.Lock()
	t.connected = false
	l := t.listener
	t.mu.Unlock()
	l.OnDisconnect(reason)
}

// FireError сообщает слушателю об ошибке
func (t *Transport) FireError(message string) {
	t.Listener().OnError(message)
}

// FireMatchData доставляет сообщение матча от участника senderID
func (t *Transport) FireMatchData(matchID string, opCode int64, data []byte, senderID string) {
	t.Listener().OnMatchData(realtime.MatchData{
		MatchID: matchID,
		OpCode:  opCode,
		Data:    data,
		Sender:  realtime.Presence{UserID: senderID},
	})
}

// FirePresence доставляет изменение состава матча
func (t *Transport) FirePresence(matchID string, joins, leaves []string) {
	ev := realtime.PresenceEvent{MatchID: matchID}
	for _, id := range joins {
		ev.Joins = append(ev.Joins, realtime.Presence{UserID: id})
	}
	for _, id := range leaves {
		ev.Leaves = append(ev.Leaves, realtime.Presence{UserID: id})
	}
	t.Listener().OnMatchPresence(ev)
}

// SetConnectErr задаёт ошибку следующих вызовов Connect
func (t *Transport) SetConnectErr(err error) {
	t.mu.Lock()
	t.ConnectErr = err
	t.mu.Unlock()
}

// SetJoinErr задаёт ошибку следующих входов в матч
func (t *Transport) SetJoinErr(err error) {
	t.mu.Lock()
	t.JoinErr = err
	t.mu.Unlock()
}

func (t *Transport) Joins() []JoinRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JoinRequest(nil), t.joins...)
}

func (t *Transport) Leaves() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.leaves...)
}

func (t *Transport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SentMessage(nil), t.sent...)
}

func (t *Transport) Created() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created
}

func (t *Transport) Ticks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

// Session создаёт валидную сессию для тестов
func Session(userID string) *auth.Session {
	return &auth.Session{Token: "token-" + userID, UserID: userID, Username: userID}
}
