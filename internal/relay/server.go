package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/metrics"
)

// Значения по умолчанию
const (
	DefaultIdleTimeout  = 30 * time.Second
	DefaultHelloTimeout = 10 * time.Second
	peerSendBuffer      = 1024
	writeWait           = 5 * time.Second
)

// TokenVerifier проверяет токен сессии (реализуется *auth.TokenIssuer)
type TokenVerifier interface {
	Verify(token string) (*auth.Session, error)
}

// ServerOptions: параметры сервера. Нулевые значения заменяются значениями по умолчанию.
type ServerOptions struct {
	Addr         string
	Verifier     TokenVerifier
	Directory    Directory
	Codec        *Codec
	IdleTimeout  time.Duration
	HelloTimeout time.Duration
	Logger       *logging.Logger
	Metrics      *metrics.Relay
}

// MatchInfo: сводка по матчу
type MatchInfo struct {
	ID    string   `json:"match_id"`
	Label string   `json:"label"`
	Size  int      `json:"size"`
	Users []string `json:"users"`
}

// Server: KCP-сервер матчей: участники матча получают данные и изменения состава
// от всех остальных участников
type Server struct {
	opts     ServerOptions
	codec    *Codec
	logger   *logging.Logger
	metrics  *metrics.Relay
	listener *kcp.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	peers   map[string]*peer
	matches map[string]*match
}

type match struct {
	id      string
	label   string
	members map[string]*peer
}

// peer: подключённый клиент
type peer struct {
	id     string
	conn   *kcp.UDPSession
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	lastSeen atomic.Int64
	authed   atomic.Bool
	presence Presence            // задаётся до authed
	joined   map[string]struct{} // под Server.mu
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *peer) touch(now time.Time) { p.lastSeen.Store(now.UnixNano()) }

// NewServer создаёт сервер; Verifier и Directory обязательны
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Verifier == nil {
		return nil, errors.New("relay: token verifier is required")
	}
	if opts.Directory == nil {
		opts.Directory = NewMemoryDirectory()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = DefaultHelloTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetRelayLogger()
	}
	codec := opts.Codec
	if codec == nil {
		var err error
		if codec, err = NewCodec(0); err != nil {
			return nil, err
		}
	}

	return &Server{
		opts:    opts,
		codec:   codec,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		peers:   make(map[string]*peer),
		matches: make(map[string]*match),
	}, nil
}

// Start начинает принимать соединения
func (s *Server) Start() error {
	listener, err := kcp.ListenWithOptions(s.opts.Addr, nil, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.acceptLoop()
	go s.timeoutLoop()

	s.logger.Info("🚀 Ретранслятор запущен на %s", listener.Addr())
	return nil
}

// Addr возвращает фактический адрес сервера
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop закрывает слушатель и всех клиентов
func (s *Server) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	_ = s.listener.Close()

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.close()
	}

	s.wg.Wait()
	s.logger.Info("🛑 Ретранслятор остановлен")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.AcceptKCP()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to accept connection: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) timeoutLoop() {
	defer s.wg.Done()

	interval := s.opts.IdleTimeout / 3
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.checkTimeouts(now)
		}
	}
}

// checkTimeouts отключает клиентов без активности дольше IdleTimeout
func (s *Server) checkTimeouts(now time.Time) {
	deadline := now.Add(-s.opts.IdleTimeout).UnixNano()

	s.mu.RLock()
	var idle []*peer
	for _, p := range s.peers {
		if p.lastSeen.Load() < deadline {
			idle = append(idle, p)
		}
	}
	s.mu.RUnlock()

	for _, p := range idle {
		// presence пишется горутиной чтения; читать его можно только после authed
		if p.authed.Load() {
			s.logger.Warn("⏱️ Клиент %s (%s) отключён по таймауту", p.presence.UserID, p.id)
		} else {
			s.logger.Warn("⏱️ Клиент %s отключён по таймауту до приветствия", p.id)
		}
		s.metrics.IdleKicked()
		p.close()
	}
}

func (s *Server) handleConnection(conn *kcp.UDPSession) {
	defer s.wg.Done()
	tune(conn)

	p := &peer{
		id:     uuid.NewString(),
		conn:   conn,
		sendCh: make(chan []byte, peerSendBuffer),
		done:   make(chan struct{}),
		joined: make(map[string]struct{}),
	}
	p.touch(time.Now())

	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
	if s.ctx.Err() != nil {
		s.dropPeer(p)
		return
	}

	s.wg.Add(1)
	go s.writeLoop(p)

	err := s.readLoop(p)
	s.dropPeer(p)
	if err != nil {
		s.logger.Debug("Клиент %s: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) readLoop(p *peer) error {
	r := bufio.NewReader(p.conn)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.opts.HelloTimeout))

	// отклонённый клиент держится до истечения срока приветствия, чтобы успеть получить ошибку
	rejected := false
	for {
		f, err := s.codec.ReadFrame(r)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrEmptyFrame) {
				s.metrics.FrameError()
			}
			return err
		}
		p.touch(time.Now())
		s.metrics.Frame(f.Type.String(), "in")

		switch {
		case f.Type == FrameBye:
			return nil
		case rejected:
		case !p.authed.Load():
			if err := s.hello(p, f); err != nil {
				s.logger.Warn("Клиент %s отклонён: %v", p.conn.RemoteAddr(), err)
				rejected = true
				continue
			}
			_ = p.conn.SetReadDeadline(time.Time{})
		default:
			s.dispatch(p, f)
		}
	}
}

// hello проверяет первый кадр клиента и регистрирует его
func (s *Server) hello(p *peer, f *Frame) error {
	if f.Type != FrameHello {
		s.send(p, &Frame{Type: FrameError, Code: CodeUnauthenticated, Message: "hello expected"})
		return fmt.Errorf("unexpected %s before hello", f.Type)
	}
	session, err := s.opts.Verifier.Verify(f.Token)
	if err != nil {
		s.send(p, &Frame{Type: FrameError, Code: CodeUnauthenticated, Message: "invalid token"})
		return err
	}

	p.presence = Presence{UserID: session.UserID, SessionID: p.id, Username: session.Username}
	p.authed.Store(true)
	s.metrics.SetPeers(s.PeerCount())

	self := p.presence
	s.send(p, &Frame{Type: FrameWelcome, Self: &self})
	s.logger.Info("👋 Клиент %s подключён (session=%s, addr=%s)", session.UserID, p.id, p.conn.RemoteAddr())
	return nil
}

func (s *Server) dispatch(p *peer, f *Frame) {
	switch f.Type {
	case FramePing:
		s.send(p, &Frame{Type: FramePong, Cid: f.Cid})
	case FrameCreateMatch:
		s.createMatch(p, f.Cid)
	case FrameJoinMatch:
		s.joinMatch(p, f.Cid, f.MatchID, f.Metadata)
	case FrameLeaveMatch:
		s.leaveMatch(p, f.MatchID)
	case FrameMatchDataSend:
		s.relayData(p, f)
	default:
		s.send(p, &Frame{Type: FrameError, Cid: f.Cid, Code: CodeBadInput, Message: "unexpected " + f.Type.String()})
	}
}

func (s *Server) createMatch(p *peer, cid uint32) {
	id := uuid.NewString()
	s.mu.Lock()
	s.matches[id] = &match{id: id, members: make(map[string]*peer)}
	s.mu.Unlock()
	s.enter(p, cid, id)
}

func (s *Server) joinMatch(p *peer, cid uint32, matchID string, metadata map[string]string) {
	if matchID == "" {
		s.send(p, &Frame{Type: FrameError, Cid: cid, Code: CodeBadInput, Message: "match id is required"})
		return
	}

	s.mu.RLock()
	_, exists := s.matches[matchID]
	s.mu.RUnlock()

	if !exists {
		sector, ok, err := s.opts.Directory.Lookup(s.ctx, matchID)
		if err != nil {
			s.logger.Error("Каталог недоступен: %v", err)
			s.send(p, &Frame{Type: FrameError, Cid: cid, Code: CodeMatchNotFound, Message: "directory unavailable"})
			return
		}
		if !ok {
			s.send(p, &Frame{Type: FrameError, Cid: cid, Code: CodeMatchNotFound, Message: "Match not found"})
			return
		}
		if want := metadata["sector"]; want != "" && want != sector {
			s.logger.Warn("Сектор %q в метаданных не совпадает с матчем %s (%s)", want, matchID, sector)
		}

		s.mu.Lock()
		if _, ok := s.matches[matchID]; !ok {
			s.matches[matchID] = &match{id: matchID, label: sector, members: make(map[string]*peer)}
			s.logger.Info("🌌 Матч сектора %s создан (%s)", sector, matchID)
		}
		s.mu.Unlock()
	}
	s.enter(p, cid, matchID)
}

// enter добавляет клиента в матч, отвечает ему составом и оповещает остальных
func (s *Server) enter(p *peer, cid uint32, matchID string) {
	s.mu.Lock()
	m, ok := s.matches[matchID]
	if !ok {
		s.mu.Unlock()
		s.send(p, &Frame{Type: FrameError, Cid: cid, Code: CodeMatchNotFound, Message: "Match not found"})
		return
	}
	_, already := m.members[p.id]
	others := make([]*peer, 0, len(m.members))
	presences := make([]Presence, 0, len(m.members))
	for id, member := range m.members {
		if id == p.id {
			continue
		}
		others = append(others, member)
		presences = append(presences, member.presence)
	}
	m.members[p.id] = p
	p.joined[matchID] = struct{}{}
	label := m.label
	n := len(s.matches)
	s.mu.Unlock()
	s.metrics.SetMatches(n)

	self := p.presence
	s.send(p, &Frame{Type: FrameMatch, Cid: cid, MatchID: matchID, Label: label, Self: &self, Presences: presences})
	if !already {
		s.broadcast(others, &Frame{Type: FramePresence, MatchID: matchID, Joins: []Presence{self}})
	}
}

func (s *Server) leaveMatch(p *peer, matchID string) {
	s.mu.Lock()
	others := s.removeMemberLocked(p, matchID)
	n := len(s.matches)
	s.mu.Unlock()
	s.metrics.SetMatches(n)

	if others != nil {
		s.broadcast(others, &Frame{Type: FramePresence, MatchID: matchID, Leaves: []Presence{p.presence}})
	}
}

// removeMemberLocked убирает клиента из матча и возвращает оставшихся участников
// (nil — клиент не был участником). Пустой матч удаляется.
func (s *Server) removeMemberLocked(p *peer, matchID string) []*peer {
	m, ok := s.matches[matchID]
	if !ok {
		return nil
	}
	if _, member := m.members[p.id]; !member {
		return nil
	}
	delete(m.members, p.id)
	delete(p.joined, matchID)

	others := make([]*peer, 0, len(m.members))
	for _, member := range m.members {
		others = append(others, member)
	}
	if len(m.members) == 0 {
		delete(s.matches, matchID)
	}
	return others
}

// relayData пересылает данные всем участникам матча, кроме отправителя
func (s *Server) relayData(p *peer, f *Frame) {
	s.mu.RLock()
	m, ok := s.matches[f.MatchID]
	var others []*peer
	member := false
	if ok {
		_, member = m.members[p.id]
		for id, other := range m.members {
			if id != p.id {
				others = append(others, other)
			}
		}
	}
	s.mu.RUnlock()

	if !member {
		s.send(p, &Frame{Type: FrameError, Code: CodeNotMember, Message: "not a member of match " + f.MatchID})
		return
	}

	sender := p.presence
	s.broadcast(others, &Frame{
		Type:    FrameMatchData,
		MatchID: f.MatchID,
		OpCode:  f.OpCode,
		Data:    f.Data,
		Sender:  &sender,
	})
}

// dropPeer удаляет клиента из всех матчей и закрывает соединение
func (s *Server) dropPeer(p *peer) {
	type leave struct {
		matchID string
		others  []*peer
	}

	s.mu.Lock()
	delete(s.peers, p.id)
	var leaves []leave
	for matchID := range p.joined {
		if others := s.removeMemberLocked(p, matchID); others != nil {
			leaves = append(leaves, leave{matchID, others})
		}
	}
	matches := len(s.matches)
	s.mu.Unlock()

	p.close()
	s.metrics.SetPeers(s.PeerCount())
	s.metrics.SetMatches(matches)

	for _, l := range leaves {
		s.broadcast(l.others, &Frame{Type: FramePresence, MatchID: l.matchID, Leaves: []Presence{p.presence}})
	}
	if p.authed.Load() {
		s.logger.Info("👋 Клиент %s отключён (session=%s)", p.presence.UserID, p.id)
	}
}

func (s *Server) send(p *peer, f *Frame) {
	data, err := s.codec.Encode(f)
	if err != nil {
		s.logger.Error("Failed to encode %s: %v", f.Type, err)
		return
	}
	s.enqueue(p, data)
	s.metrics.Frame(f.Type.String(), "out")
}

func (s *Server) broadcast(peers []*peer, f *Frame) {
	if len(peers) == 0 {
		return
	}
	data, err := s.codec.Encode(f)
	if err != nil {
		s.logger.Error("Failed to encode %s: %v", f.Type, err)
		return
	}
	for _, p := range peers {
		s.enqueue(p, data)
		s.metrics.Frame(f.Type.String(), "out")
	}
}

func (s *Server) enqueue(p *peer, data []byte) {
	select {
	case <-p.done:
	case p.sendCh <- data:
	default:
		s.metrics.SendDropped()
		s.logger.Warn("Очередь отправки клиента %s переполнена, кадр отброшен", p.id)
	}
}

func (s *Server) writeLoop(p *peer) {
	defer s.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case data := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if _, err := p.conn.Write(data); err != nil {
				s.logger.Debug("Failed to write to %s: %v", p.id, err)
				p.close()
				return
			}
		}
	}
}

// PeerCount возвращает число аутентифицированных клиентов
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.peers {
		if p.authed.Load() {
			n++
		}
	}
	return n
}

// Matches возвращает активные матчи, отсортированные по идентификатору
func (s *Server) Matches() []MatchInfo {
	s.mu.RLock()
	out := make([]MatchInfo, 0, len(s.matches))
	for _, m := range s.matches {
		info := MatchInfo{ID: m.id, Label: m.label, Size: len(m.members)}
		for _, member := range m.members {
			info.Users = append(info.Users, member.presence.UserID)
		}
		sort.Strings(info.Users)
		out = append(out, info)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// tune настраивает KCP-сессию для игрового трафика
func tune(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 20, 2, 1)
	conn.SetWindowSize(512, 512)
	conn.SetMtu(1400)
}
