package nakama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/realtime"
)

const (
	sendChSize = 256
	writeWait  = 10 * time.Second
	maxMessage = 1 << 20
)

var (
	ErrSocketClosed  = errors.New("nakama: socket is closed")
	ErrSendQueueFull = errors.New("nakama: send queue is full")
)

// SocketError: ошибка, полученная по realtime-сокету
type SocketError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("nakama: realtime error %d: %s", e.Code, e.Message)
}

// opCode в JSON-протоколе передаётся строкой, но принимается и числом
type opCode int64

func (o opCode) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatInt(int64(o), 10))
}

func (o *opCode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("op_code %q: %w", s, err)
		}
		*o = opCode(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("op_code: %w", err)
	}
	*o = opCode(n)
	return nil
}

type presence struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
}

type matchMsg struct {
	MatchID   string     `json:"match_id"`
	Label     string     `json:"label,omitempty"`
	Size      int        `json:"size,omitempty"`
	Self      presence   `json:"self"`
	Presences []presence `json:"presences,omitempty"`
}

type matchJoinMsg struct {
	MatchID  string            `json:"match_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type matchLeaveMsg struct {
	MatchID string `json:"match_id"`
}

type matchDataSendMsg struct {
	MatchID  string `json:"match_id"`
	OpCode   opCode `json:"op_code"`
	Data     []byte `json:"data,omitempty"`
	Reliable bool   `json:"reliable"`
}

type matchDataMsg struct {
	MatchID  string    `json:"match_id"`
	Presence *presence `json:"presence,omitempty"`
	OpCode   opCode    `json:"op_code"`
	Data     []byte    `json:"data,omitempty"`
	Reliable bool      `json:"reliable"`
}

type presenceEventMsg struct {
	MatchID string     `json:"match_id"`
	Joins   []presence `json:"joins,omitempty"`
	Leaves  []presence `json:"leaves,omitempty"`
}

// envelope: сообщение realtime-протокола; заполнено ровно одно поле кроме Cid
type envelope struct {
	Cid                string            `json:"cid,omitempty"`
	Match              *matchMsg         `json:"match,omitempty"`
	MatchCreate        *struct{}         `json:"match_create,omitempty"`
	MatchJoin          *matchJoinMsg     `json:"match_join,omitempty"`
	MatchLeave         *matchLeaveMsg    `json:"match_leave,omitempty"`
	MatchDataSend      *matchDataSendMsg `json:"match_data_send,omitempty"`
	MatchData          *matchDataMsg     `json:"match_data,omitempty"`
	MatchPresenceEvent *presenceEventMsg `json:"match_presence_event,omitempty"`
	Error              *SocketError      `json:"error,omitempty"`
	Ping               *struct{}         `json:"ping,omitempty"`
	Pong               *struct{}         `json:"pong,omitempty"`
}

// Socket: realtime-транспорт Nakama поверх WebSocket
type Socket struct {
	baseURL string
	dialer  *ws.Dialer
	logger  *logging.Logger

	cid atomic.Uint64

	mu   sync.Mutex
	conn *socketConn
}

// socketConn: одно подключение с собственными циклами чтения и записи
type socketConn struct {
	ws       *ws.Conn
	listener realtime.Listener
	sendCh   chan []byte
	done     chan struct{}
	logger   *logging.Logger

	mu      sync.Mutex
	pending map[string]chan envelope
	closed  bool
}

// NewSocket создаёт транспорт для сервера из cfg
func NewSocket(cfg Config) *Socket {
	if cfg.Logger == nil {
		cfg.Logger = logging.GetComponentLogger("nakama")
	}
	return &Socket{
		baseURL: baseURL(cfg.Host, cfg.Port, cfg.UseSSL, "ws"),
		dialer:  ws.DefaultDialer,
		logger:  cfg.Logger,
	}
}

// NewSocketURL создаёт транспорт для готового адреса вида ws://host:port
func NewSocketURL(rawURL string) *Socket {
	return &Socket{
		baseURL: rawURL,
		dialer:  ws.DefaultDialer,
		logger:  logging.GetComponentLogger("nakama"),
	}
}

var _ realtime.Transport = (*Socket)(nil)

// Connect открывает сокет и сообщает OnConnect после успешного рукопожатия
func (s *Socket) Connect(ctx context.Context, session *auth.Session, listener realtime.Listener) error {
	if !session.Valid() {
		return ErrUnauthenticated
	}

	u, err := url.Parse(s.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("nakama: invalid socket url: %w", err)
	}
	q := u.Query()
	q.Set("lang", "en")
	q.Set("status", "false")
	q.Set("format", "json")
	q.Set("token", session.Token)
	u.RawQuery = q.Encode()

	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("nakama: socket dial: %w", err)
	}
	conn.SetReadLimit(maxMessage)

	sc := &socketConn{
		ws:       conn,
		listener: listener,
		sendCh:   make(chan []byte, sendChSize),
		done:     make(chan struct{}),
		logger:   s.logger,
		pending:  make(map[string]chan envelope),
	}

	s.mu.Lock()
	prev := s.conn
	s.conn = sc
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go sc.writeLoop()
	go sc.readLoop()

	s.logger.Debug("Сокет открыт: %s", s.baseURL)
	listener.OnConnect()
	return nil
}

func (s *Socket) current() (*socketConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, ErrSocketClosed
	}
	return s.conn, nil
}

// CreateMatch создаёт новый матч и входит в него
func (s *Socket) CreateMatch(ctx context.Context) (*realtime.Match, error) {
	resp, err := s.request(ctx, envelope{MatchCreate: &struct{}{}})
	if err != nil {
		return nil, err
	}
	return toMatch(resp.Match), nil
}

// JoinMatch входит в существующий матч
func (s *Socket) JoinMatch(ctx context.Context, matchID string, metadata map[string]string) (*realtime.Match, error) {
	resp, err := s.request(ctx, envelope{MatchJoin: &matchJoinMsg{MatchID: matchID, Metadata: metadata}})
	if err != nil {
		return nil, err
	}
	return toMatch(resp.Match), nil
}

// LeaveMatch отправляет выход из матча, не дожидаясь ответа
func (s *Socket) LeaveMatch(matchID string) error {
	return s.send(envelope{MatchLeave: &matchLeaveMsg{MatchID: matchID}})
}

// SendMatchData отправляет данные участникам матча
func (s *Socket) SendMatchData(matchID string, op int64, data []byte) error {
	return s.send(envelope{MatchDataSend: &matchDataSendMsg{
		MatchID:  matchID,
		OpCode:   opCode(op),
		Data:     data,
		Reliable: true,
	}})
}

// Tick ничего не делает: сокет доставляет события из собственных горутин
func (s *Socket) Tick() {}

// Disconnect закрывает текущее подключение без уведомления слушателя
func (s *Socket) Disconnect() {
	s.mu.Lock()
	sc := s.conn
	s.conn = nil
	s.mu.Unlock()
	if sc != nil {
		sc.close()
	}
}

func (s *Socket) send(env envelope) error {
	sc, err := s.current()
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("nakama: encode envelope: %w", err)
	}
	return sc.enqueue(data)
}

// request отправляет сообщение с cid и ждёт ответ с тем же cid
func (s *Socket) request(ctx context.Context, env envelope) (envelope, error) {
	sc, err := s.current()
	if err != nil {
		return envelope{}, err
	}

	env.Cid = strconv.FormatUint(s.cid.Add(1), 10)
	data, err := json.Marshal(env)
	if err != nil {
		return envelope{}, fmt.Errorf("nakama: encode envelope: %w", err)
	}

	reply := make(chan envelope, 1)
	if !sc.register(env.Cid, reply) {
		return envelope{}, ErrSocketClosed
	}
	defer sc.unregister(env.Cid)

	if err := sc.enqueue(data); err != nil {
		return envelope{}, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return envelope{}, ErrSocketClosed
		}
		if resp.Error != nil {
			return envelope{}, resp.Error
		}
		if resp.Match == nil {
			return envelope{}, errors.New("nakama: unexpected response to match request")
		}
		return resp, nil
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}

func toPresence(p presence) realtime.Presence {
	return realtime.Presence{UserID: p.UserID, SessionID: p.SessionID, Username: p.Username}
}

func toPresences(ps []presence) []realtime.Presence {
	if len(ps) == 0 {
		return nil
	}
	out := make([]realtime.Presence, len(ps))
	for i, p := range ps {
		out[i] = toPresence(p)
	}
	return out
}

func toMatch(m *matchMsg) *realtime.Match {
	return &realtime.Match{
		ID:        m.MatchID,
		Label:     m.Label,
		Self:      toPresence(m.Self),
		Presences: toPresences(m.Presences),
	}
}

func (sc *socketConn) register(cid string, ch chan envelope) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return false
	}
	sc.pending[cid] = ch
	return true
}

func (sc *socketConn) unregister(cid string) {
	sc.mu.Lock()
	delete(sc.pending, cid)
	sc.mu.Unlock()
}

// enqueue передаёт данные циклу записи. Не блокирует.
func (sc *socketConn) enqueue(data []byte) error {
	select {
	case <-sc.done:
		return ErrSocketClosed
	default:
	}
	select {
	case sc.sendCh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// close останавливает циклы и закрывает сокет. Возвращает false, если уже закрыт.
func (sc *socketConn) close() bool {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return false
	}
	sc.closed = true
	for cid, ch := range sc.pending {
		close(ch)
		delete(sc.pending, cid)
	}
	close(sc.done)
	sc.mu.Unlock()

	_ = sc.ws.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = sc.ws.Close()
	return true
}

func (sc *socketConn) writeLoop() {
	for {
		select {
		case <-sc.done:
			return
		case data := <-sc.sendCh:
			if err := sc.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				sc.fail(err)
				return
			}
			if err := sc.ws.WriteMessage(ws.TextMessage, data); err != nil {
				sc.fail(err)
				return
			}
		}
	}
}

func (sc *socketConn) readLoop() {
	for {
		_, message, err := sc.ws.ReadMessage()
		if err != nil {
			sc.fail(err)
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			sc.logger.Debug("Неразборчивое сообщение сокета: %v", err)
			continue
		}
		sc.dispatch(env)
	}
}

func (sc *socketConn) dispatch(env envelope) {
	if env.Cid != "" {
		sc.mu.Lock()
		ch, ok := sc.pending[env.Cid]
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
		sc.mu.Unlock()
		if ok {
			return
		}
	}

	switch {
	case env.MatchData != nil:
		md := env.MatchData
		data := realtime.MatchData{MatchID: md.MatchID, OpCode: int64(md.OpCode), Data: md.Data}
		if md.Presence != nil {
			data.Sender = toPresence(*md.Presence)
		}
		sc.listener.OnMatchData(data)
	case env.MatchPresenceEvent != nil:
		pe := env.MatchPresenceEvent
		sc.listener.OnMatchPresence(realtime.PresenceEvent{
			MatchID: pe.MatchID,
			Joins:   toPresences(pe.Joins),
			Leaves:  toPresences(pe.Leaves),
		})
	case env.Error != nil:
		sc.listener.OnError(env.Error.Message)
	case env.Ping != nil:
		if data, err := json.Marshal(envelope{Cid: env.Cid, Pong: &struct{}{}}); err == nil {
			_ = sc.enqueue(data)
		}
	}
}

// fail закрывает подключение после ошибки ввода-вывода и сообщает слушателю
func (sc *socketConn) fail(err error) {
	if !sc.close() {
		return
	}
	sc.logger.Warn("Сокет закрыт: %v", err)
	sc.listener.OnDisconnect(err.Error())
}
