package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/metrics"
	"github.com/annel0/sector-sync/internal/observability"
	"github.com/annel0/sector-sync/internal/protocol"
)

var (
	ErrInvalidSession   = errors.New("realtime: session credentials are missing")
	ErrAlreadyConnected = errors.New("realtime: connection is not disconnected")
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrShutdown         = errors.New("realtime: connection shut down")
	ErrDisconnected     = errors.New("realtime: transport disconnected")

	// ErrTimeout: ожидание подключения или входа в матч превысило отведённое время
	ErrTimeout = fmt.Errorf("realtime: timed out: %w", context.DeadlineExceeded)
)

// Значения по умолчанию
const (
	DefaultJoinTimeout = 5 * time.Second
	DefaultQueueSize   = 1024
)

// Options: параметры Connection. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	JoinTimeout time.Duration
	QueueSize   int
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
}

// Connection: конечный автомат realtime-соединения:
// Disconnected → Connecting → Connected → Disconnected.
//
// Колбэки транспорта только меняют состояние соединения и ставят события в очередь Events;
// обработка данных происходит в тике потребителя.
type Connection struct {
	transport   Transport
	resolver    MatchResolver
	joinTimeout time.Duration
	logger      *logging.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	events chan Event

	mu          sync.Mutex
	state       State
	session     *auth.Session
	matchID     string
	gen         uint64     // поколение подключения; колбэки старых поколений игнорируются
	connectWait chan error // сигнал завершения текущего Connect
}

// NewConnection создаёт соединение поверх транспорта. resolver может быть nil —
// тогда имя сектора используется как идентификатор матча напрямую.
func NewConnection(transport Transport, resolver MatchResolver, opts Options) *Connection {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetRealtimeLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer("realtime")
	}

	return &Connection{
		transport:   transport,
		resolver:    resolver,
		joinTimeout: opts.JoinTimeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      make(chan Event, opts.QueueSize),
	}
}

// Events возвращает очередь событий транспорта
func (c *Connection) Events() <-chan Event { return c.events }

// State возвращает текущее состояние
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected сообщает, что соединение в состоянии Connected
func (c *Connection) IsConnected() bool { return c.State() == StateConnected }

// CurrentMatchID возвращает идентификатор активного матча (пусто — нет матча)
func (c *Connection) CurrentMatchID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matchID
}

// Session возвращает сессию текущего подключения
func (c *Connection) Session() *auth.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Connect подключается к бэкенду и ждёт OnConnect транспорта или отмены ctx.
// При ошибке или таймауте состояние возвращается в Disconnected.
func (c *Connection) Connect(ctx context.Context, session *auth.Session) error {
	if !session.Valid() {
		return ErrInvalidSession
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state=%s)", ErrAlreadyConnected, state)
	}
	c.gen++
	gen := c.gen
	wait := make(chan error, 1)
	c.state = StateConnecting
	c.session = session
	c.matchID = ""
	c.connectWait = wait
	c.mu.Unlock()
	c.metrics.SetConnectionState(int(StateConnecting))

	ctx, span := c.tracer.Start(ctx, "realtime.Connect", trace.WithAttributes(attribute.String("user.id", session.UserID)))
	defer span.End()

	c.logger.Info("🔌 Подключение к realtime (user=%s)", session.UserID)
	if err := c.transport.Connect(ctx, session, &connListener{c: c, gen: gen}); err != nil {
		c.failConnect(gen)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("realtime connect: %w", err)
	}

	select {
	case err := <-wait:
		if err != nil {
			c.failConnect(gen)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		c.logger.Info("✅ Realtime подключено (user=%s)", session.UserID)
		return nil
	case <-ctx.Done():
		c.failConnect(gen)
		err := contextError(ctx)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Подключение не завершено: %v", err)
		return fmt.Errorf("realtime connect: %w", err)
	}
}

// failConnect откатывает неудавшееся подключение поколения gen
func (c *Connection) failConnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.state = StateDisconnected
	c.session = nil
	c.matchID = ""
	c.connectWait = nil
	c.mu.Unlock()

	c.metrics.SetConnectionState(int(StateDisconnected))
	c.transport.Disconnect()
}

// JoinOrCreateMatch входит в матч сектора zoneKey; пустой ключ — создать новый матч.
// Активный матч предварительно покидается. Ожидание ограничено таймаутом входа.
func (c *Connection) JoinOrCreateMatch(ctx context.Context, zoneKey string) (string, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	session := c.session
	gen := c.gen
	c.mu.Unlock()

	c.LeaveMatch()

	ctx, cancel := context.WithTimeout(ctx, c.joinTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "realtime.JoinOrCreateMatch", trace.WithAttributes(attribute.String("zone", zoneKey)))
	defer span.End()

	match, err := c.joinOrCreate(ctx, session, zoneKey)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("join %q: %w", zoneKey, contextError(ctx))
		} else {
			err = fmt.Errorf("join %q: %w", zoneKey, err)
		}
		c.metrics.MatchJoin("error")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		// Соединение потеряно во время входа: матч транспорта больше не наш
		_ = c.transport.LeaveMatch(match.ID)
		c.metrics.MatchJoin("error")
		return "", ErrNotConnected
	}
	c.matchID = match.ID
	selfID := session.UserID
	c.mu.Unlock()

	c.metrics.MatchJoin("ok")
	span.SetAttributes(attribute.String("match.id", match.ID))
	c.logger.Info("🛰️ Вошли в матч %s (сектор %q, участников: %d)", match.ID, zoneKey, len(match.Presences))

	// Участники, уже находящиеся в матче, приходят как присоединившиеся
	joins := make([]Presence, 0, len(match.Presences))
	for _, p := range match.Presences {
		if p.UserID != selfID {
			joins = append(joins, p)
		}
	}
	if len(joins) > 0 {
		c.enqueue(Event{Kind: EventPresence, MatchID: match.ID, Joins: joins})
	}
	return match.ID, nil
}

func (c *Connection) joinOrCreate(ctx context.Context, session *auth.Session, zoneKey string) (*Match, error) {
	if zoneKey == "" {
		return c.transport.CreateMatch(ctx)
	}

	matchID := zoneKey
	if c.resolver != nil {
		id, err := c.resolver.ResolveMatch(ctx, session, zoneKey)
		if err != nil {
			return nil, fmt.Errorf("resolve match: %w", err)
		}
		matchID = id
	}
	return c.transport.JoinMatch(ctx, matchID, map[string]string{"sector": zoneKey})
}

// SendPosition отправляет сериализованную позицию в активный матч.
// Без активного матча — предупреждение и false. Доставка не гарантируется.
func (c *Connection) SendPosition(payload []byte) bool {
	c.mu.Lock()
	matchID := c.matchID
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || matchID == "" {
		c.logger.Warn("Нет активного матча, позиция не отправлена")
		return false
	}
	if err := c.transport.SendMatchData(matchID, protocol.OpCodePosition, payload); err != nil {
		c.logger.Debug("Ошибка отправки позиции в %s: %v", matchID, err)
		return false
	}
	c.metrics.PositionSent()
	return true
}

// LeaveMatch покидает активный матч. Локальный идентификатор матча очищается
// независимо от результата транспорта.
func (c *Connection) LeaveMatch() {
	c.mu.Lock()
	matchID := c.matchID
	c.matchID = ""
	c.mu.Unlock()

	if matchID == "" {
		return
	}
	if err := c.transport.LeaveMatch(matchID); err != nil {
		c.logger.Warn("Ошибка выхода из матча %s: %v", matchID, err)
		return
	}
	c.logger.Info("🚪 Покинули матч %s", matchID)
}

// Tick продвигает транспорт
func (c *Connection) Tick(dt time.Duration) {
	c.transport.Tick()
}

// Shutdown разрывает соединение в любом состоянии, включая незавершённое подключение.
// Повторный вызов — no-op.
func (c *Connection) Shutdown() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.session == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	wait := c.connectWait
	c.state = StateDisconnected
	c.session = nil
	c.matchID = ""
	c.connectWait = nil
	c.mu.Unlock()

	if wait != nil {
		select {
		case wait <- ErrShutdown:
		default:
		}
	}
	c.transport.Disconnect()
	c.metrics.SetConnectionState(int(StateDisconnected))
	c.logger.Info("🛑 Realtime соединение закрыто")
}

func (c *Connection) enqueue(ev Event) {
	select {
	case c.events <- ev:
		c.metrics.EventEnqueued(ev.Kind.String())
	default:
		c.metrics.EventDropped()
		c.logger.Warn("Очередь событий переполнена, событие %s отброшено", ev.Kind)
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// connListener: слушатель транспорта одного поколения подключения.
// Создаётся только в Connect, поэтому слушатель у транспорта всегда один.
type connListener struct {
	c   *Connection
	gen uint64
}

func (l *connListener) current() bool {
	return l.c.gen == l.gen
}

func (l *connListener) OnConnect() {
	c := l.c
	c.mu.Lock()
	if !l.current() || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	wait := c.connectWait
	c.connectWait = nil
	c.mu.Unlock()

	c.metrics.SetConnectionState(int(StateConnected))
	if wait != nil {
		wait <- nil
	}
	c.enqueue(Event{Kind: EventConnected})
}

func (l *connListener) OnDisconnect(reason string) {
	c := l.c
	c.mu.Lock()
	if !l.current() || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	matchID := c.matchID
	wait := c.connectWait
	c.state = StateDisconnected
	c.matchID = ""
	c.connectWait = nil
	c.mu.Unlock()

	c.metrics.SetConnectionState(int(StateDisconnected))
	if wait != nil {
		wait <- fmt.Errorf("%w: %s", ErrDisconnected, reason)
	}
	c.logger.Warn("⚠️ Realtime соединение разорвано: %s", reason)
	c.enqueue(Event{Kind: EventDisconnected, MatchID: matchID, Reason: reason})
}

func (l *connListener) OnError(message string) {
	c := l.c
	c.mu.Lock()
	current := l.current()
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Error("Ошибка realtime: %s", message)
	c.enqueue(Event{Kind: EventError, Reason: message})
}

func (l *connListener) OnMatchData(data MatchData) {
	c := l.c
	c.mu.Lock()
	current := l.current()
	c.mu.Unlock()
	if !current {
		return
	}
	c.enqueue(Event{
		Kind:     EventMatchData,
		MatchID:  data.MatchID,
		OpCode:   data.OpCode,
		Data:     data.Data,
		SenderID: data.Sender.UserID,
	})
}

func (l *connListener) OnMatchPresence(event PresenceEvent) {
	c := l.c
	c.mu.Lock()
	current := l.current()
	c.mu.Unlock()
	if !current {
		return
	}
	c.enqueue(Event{
		Kind:    EventPresence,
		MatchID: event.MatchID,
		Joins:   event.Joins,
		Leaves:  event.Leaves,
	})
}
