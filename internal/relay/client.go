package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/realtime"
)

// DefaultKeepAlive: период ping-кадров клиента
const DefaultKeepAlive = 5 * time.Second

var (
	ErrClientClosed  = errors.New("relay: client is closed")
	ErrSendQueueFull = errors.New("relay: send queue is full")
)

// ServerError: ошибка, полученная от ретранслятора
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("relay: server error %d: %s", e.Code, e.Message)
}

// ClientOptions: параметры клиента
type ClientOptions struct {
	Codec     *Codec
	KeepAlive time.Duration
	Logger    *logging.Logger
	Clock     func() time.Time
}

// Client: realtime.Transport поверх KCP-соединения с ретранслятором.
// OnConnect вызывается после приветствия сервера.
type Client struct {
	addr      string
	codec     *Codec
	keepAlive time.Duration
	logger    *logging.Logger
	now       func() time.Time

	cid atomic.Uint32

	mu   sync.Mutex
	conn *clientConn
}

type clientConn struct {
	sess     *kcp.UDPSession
	codec    *Codec
	listener realtime.Listener
	logger   *logging.Logger
	sendCh   chan []byte
	done     chan struct{}

	mu       sync.Mutex
	pending  map[uint32]chan *Frame
	closed   bool
	welcomed bool
	lastPing time.Time
}

var _ realtime.Transport = (*Client)(nil)

// NewClient создаёт клиента для адреса host:port
func NewClient(addr string, opts ClientOptions) (*Client, error) {
	codec := opts.Codec
	if codec == nil {
		var err error
		if codec, err = NewCodec(0); err != nil {
			return nil, err
		}
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetRelayLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Client{
		addr:      addr,
		codec:     codec,
		keepAlive: opts.KeepAlive,
		logger:    opts.Logger,
		now:       opts.Clock,
	}, nil
}

// Connect открывает KCP-сессию и отправляет приветствие с токеном
func (c *Client) Connect(ctx context.Context, session *auth.Session, listener realtime.Listener) error {
	if !session.Valid() {
		return auth.ErrInvalidSession
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := kcp.DialWithOptions(c.addr, nil, 10, 3)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	tune(sess)

	cc := &clientConn{
		sess:     sess,
		codec:    c.codec,
		listener: listener,
		logger:   c.logger,
		sendCh:   make(chan []byte, peerSendBuffer),
		done:     make(chan struct{}),
		pending:  make(map[uint32]chan *Frame),
		lastPing: c.now(),
	}

	c.mu.Lock()
	prev := c.conn
	c.conn = cc
	c.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	go cc.writeLoop()
	go cc.readLoop()

	if err := cc.sendFrame(&Frame{Type: FrameHello, Token: session.Token}); err != nil {
		c.Disconnect()
		return err
	}
	c.logger.Debug("KCP-сессия открыта: %s", c.addr)
	return nil
}

func (c *Client) current() (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrClientClosed
	}
	return c.conn, nil
}

func (c *Client) CreateMatch(ctx context.Context) (*realtime.Match, error) {
	return c.request(ctx, &Frame{Type: FrameCreateMatch})
}

func (c *Client) JoinMatch(ctx context.Context, matchID string, metadata map[string]string) (*realtime.Match, error) {
	return c.request(ctx, &Frame{Type: FrameJoinMatch, MatchID: matchID, Metadata: metadata})
}

func (c *Client) LeaveMatch(matchID string) error {
	cc, err := c.current()
	if err != nil {
		return err
	}
	return cc.sendFrame(&Frame{Type: FrameLeaveMatch, MatchID: matchID})
}

func (c *Client) SendMatchData(matchID string, opCode int64, data []byte) error {
	cc, err := c.current()
	if err != nil {
		return err
	}
	return cc.sendFrame(&Frame{Type: FrameMatchDataSend, MatchID: matchID, OpCode: opCode, Data: data})
}

// Tick отправляет ping, если с прошлого прошло не меньше KeepAlive
func (c *Client) Tick() {
	c.mu.Lock()
	cc := c.conn
	c.mu.Unlock()
	if cc == nil {
		return
	}

	now := c.now()
	cc.mu.Lock()
	due := cc.welcomed && now.Sub(cc.lastPing) >= c.keepAlive
	if due {
		cc.lastPing = now
	}
	cc.mu.Unlock()

	if due {
		_ = cc.sendFrame(&Frame{Type: FramePing})
	}
}

// Disconnect прощается с сервером и закрывает сессию без уведомления слушателя
func (c *Client) Disconnect() {
	c.mu.Lock()
	cc := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cc != nil {
		cc.goodbye()
		cc.close()
	}
}

func (c *Client) request(ctx context.Context, f *Frame) (*realtime.Match, error) {
	cc, err := c.current()
	if err != nil {
		return nil, err
	}

	f.Cid = c.cid.Add(1)
	reply := make(chan *Frame, 1)
	if !cc.register(f.Cid, reply) {
		return nil, ErrClientClosed
	}
	defer cc.unregister(f.Cid)

	if err := cc.sendFrame(f); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Type == FrameError {
			return nil, &ServerError{Code: resp.Code, Message: resp.Message}
		}
		if resp.Type != FrameMatch {
			return nil, fmt.Errorf("relay: unexpected %s in reply to %s", resp.Type, f.Type)
		}
		return toMatch(resp), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func toPresence(p Presence) realtime.Presence {
	return realtime.Presence{UserID: p.UserID, SessionID: p.SessionID, Username: p.Username}
}

func toPresences(ps []Presence) []realtime.Presence {
	if len(ps) == 0 {
		return nil
	}
	out := make([]realtime.Presence, len(ps))
	for i, p := range ps {
		out[i] = toPresence(p)
	}
	return out
}

func toMatch(f *Frame) *realtime.Match {
	m := &realtime.Match{ID: f.MatchID, Label: f.Label, Presences: toPresences(f.Presences)}
	if f.Self != nil {
		m.Self = toPresence(*f.Self)
	}
	return m
}

func (cc *clientConn) register(cid uint32, ch chan *Frame) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.closed {
		return false
	}
	cc.pending[cid] = ch
	return true
}

func (cc *clientConn) unregister(cid uint32) {
	cc.mu.Lock()
	delete(cc.pending, cid)
	cc.mu.Unlock()
}

func (cc *clientConn) sendFrame(f *Frame) error {
	data, err := cc.codec.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-cc.done:
		return ErrClientClosed
	default:
	}
	select {
	case cc.sendCh <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (cc *clientConn) close() bool {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return false
	}
	cc.closed = true
	for cid, ch := range cc.pending {
		close(ch)
		delete(cc.pending, cid)
	}
	close(cc.done)
	cc.mu.Unlock()

	_ = cc.sess.Close()
	return true
}

// goodbye пишет FrameBye напрямую, минуя очередь отправки
func (cc *clientConn) goodbye() {
	cc.mu.Lock()
	closed := cc.closed
	cc.mu.Unlock()
	if closed {
		return
	}
	data, err := cc.codec.Encode(&Frame{Type: FrameBye})
	if err != nil {
		return
	}
	_ = cc.sess.SetWriteDeadline(time.Now().Add(writeWait))
	_, _ = cc.sess.Write(data)
}

func (cc *clientConn) fail(reason string) {
	if cc.close() {
		cc.logger.Warn("KCP-сессия закрыта: %s", reason)
		cc.listener.OnDisconnect(reason)
	}
}

func (cc *clientConn) writeLoop() {
	for {
		select {
		case <-cc.done:
			return
		case data := <-cc.sendCh:
			_ = cc.sess.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := cc.sess.Write(data); err != nil {
				cc.fail(err.Error())
				return
			}
		}
	}
}

func (cc *clientConn) readLoop() {
	r := bufio.NewReader(cc.sess)
	for {
		f, err := cc.codec.ReadFrame(r)
		if err != nil {
			cc.fail(err.Error())
			return
		}
		cc.dispatch(f)
	}
}

func (cc *clientConn) dispatch(f *Frame) {
	if f.Cid != 0 {
		cc.mu.Lock()
		ch, ok := cc.pending[f.Cid]
		if ok {
			select {
			case ch <- f:
			default:
			}
		}
		cc.mu.Unlock()
		if ok {
			return
		}
	}

	switch f.Type {
	case FrameWelcome:
		cc.mu.Lock()
		first := !cc.welcomed
		cc.welcomed = true
		cc.mu.Unlock()
		if first {
			cc.listener.OnConnect()
		}
	case FrameMatchData:
		md := realtime.MatchData{MatchID: f.MatchID, OpCode: f.OpCode, Data: f.Data}
		if f.Sender != nil {
			md.Sender = toPresence(*f.Sender)
		}
		cc.listener.OnMatchData(md)
	case FramePresence:
		cc.listener.OnMatchPresence(realtime.PresenceEvent{
			MatchID: f.MatchID,
			Joins:   toPresences(f.Joins),
			Leaves:  toPresences(f.Leaves),
		})
	case FrameError:
		cc.mu.Lock()
		welcomed := cc.welcomed
		cc.mu.Unlock()
		if !welcomed {
			cc.fail(f.Message)
			return
		}
		cc.listener.OnError(f.Message)
	case FramePong:
	default:
		cc.logger.Debug("Неожиданный кадр %s", f.Type)
	}
}
