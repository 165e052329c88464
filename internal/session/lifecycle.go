// Package session связывает аутентификацию, realtime-соединение и ростер в один жизненный
// цикл клиента и синхронизирует данные игрока с хранилищем бэкенда.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/metrics"
	"github.com/annel0/sector-sync/internal/nakama"
	"github.com/annel0/sector-sync/internal/observability"
	"github.com/annel0/sector-sync/internal/realtime"
	"github.com/annel0/sector-sync/internal/roster"
)

// PlayerDataCollection: коллекция хранилища с данными игроков
const PlayerDataCollection = "player_data"

// Значения по умолчанию
const (
	DefaultAuthTimeout    = 20 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultStorageTimeout = 5 * time.Second

	DefaultReconnectMinBackoff = 500 * time.Millisecond
	DefaultReconnectMaxBackoff = 30 * time.Second
)

var (
	ErrAuthInProgress       = errors.New("session: authentication already in progress")
	ErrAlreadyAuthenticated = errors.New("session: already authenticated")
	ErrNotAuthenticated     = errors.New("session: not authenticated")
	ErrSyncInProgress       = errors.New("session: sync already in progress")
	ErrShutdown             = errors.New("session: shut down")
	ErrEmptyDeviceID        = errors.New("session: device id is empty")
	ErrEmptyPlayerName      = errors.New("session: player name is empty")

	// ErrTimeout: операция не уложилась в отведённое время
	ErrTimeout = fmt.Errorf("session: timed out: %w", context.DeadlineExceeded)
)

// Backend: REST-операции бэкенда (реализуется *nakama.Client)
type Backend interface {
	AuthenticateDevice(ctx context.Context, deviceID, username string, create bool) (*auth.Session, error)
	WriteStorageObjects(ctx context.Context, session *auth.Session, objects []nakama.StorageObject) ([]nakama.StorageAck, error)
}

// Options: параметры Lifecycle. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	AuthTimeout    time.Duration
	ConnectTimeout time.Duration
	StorageTimeout time.Duration
	Clock          func() time.Time
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	Tracer         trace.Tracer
}

// PlayerData: значение объекта player_data/<name>
type PlayerData struct {
	Credits    int64 `json:"credits"`
	Playtime   int64 `json:"playtime"`
	LastUpdate int64 `json:"last_update"`
}

// Lifecycle: аутентификация → подключение → инициализация ростера, тик и остановка
type Lifecycle struct {
	backend Backend
	conn    *realtime.Connection
	roster  *roster.Manager
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu             sync.Mutex
	session        *auth.Session
	authenticating bool
	syncing        bool
	closed         bool
}

// New создаёт жизненный цикл поверх бэкенда, соединения и ростера
func New(backend Backend, conn *realtime.Connection, r *roster.Manager, opts Options) *Lifecycle {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = DefaultStorageTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetSessionLogger()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer("session")
	}

	return &Lifecycle{
		backend: backend,
		conn:    conn,
		roster:  r,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// Roster возвращает ростер сессии
func (l *Lifecycle) Roster() *roster.Manager { return l.roster }

// Connection возвращает realtime-соединение
func (l *Lifecycle) Connection() *realtime.Connection { return l.conn }

// Session возвращает текущую сессию (nil — не аутентифицирован)
func (l *Lifecycle) Session() *auth.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

// IsAuthenticated сообщает, что аутентификация завершена
func (l *Lifecycle) IsAuthenticated() bool { return l.Session() != nil }

// Authenticate аутентифицирует устройство, подключает realtime и инициализирует ростер
// идентификатором пользователя. Сектор, выбранный до аутентификации, занимается повторно.
func (l *Lifecycle) Authenticate(ctx context.Context, deviceID, username string) (err error) {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return ErrShutdown
	case l.authenticating:
		l.mu.Unlock()
		return ErrAuthInProgress
	case l.session != nil:
		l.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	l.authenticating = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.authenticating = false
		l.mu.Unlock()
	}()

	ctx, span := l.tracer.Start(ctx, "session.Authenticate", trace.WithAttributes(attribute.String("device.id", deviceID)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	l.logger.Info("🔑 Аутентификация устройства %s", deviceID)

	authCtx, cancel := context.WithTimeout(ctx, l.opts.AuthTimeout)
	s, err := l.backend.AuthenticateDevice(authCtx, deviceID, username, true)
	cancel()
	if err != nil {
		l.metrics.AuthAttempt(resultLabel(err))
		return l.wrap(ctx, "authenticate", err)
	}
	span.SetAttributes(attribute.String("user.id", s.UserID))

	if err := l.connect(ctx, s); err != nil {
		l.metrics.AuthAttempt(resultLabel(err))
		return err
	}

	l.mu.Lock()
	closed := l.closed
	if !closed {
		l.session = s
	}
	l.mu.Unlock()
	if closed {
		l.roster.Shutdown()
		l.conn.Shutdown()
		l.metrics.AuthAttempt("error")
		return ErrShutdown
	}

	l.metrics.AuthAttempt("ok")
	l.logger.Info("✅ Сессия установлена (user=%s, name=%s)", s.UserID, s.Username)
	return nil
}

// Reconnect восстанавливает realtime-соединение существующей сессии и повторно
// входит в текущий сектор
func (l *Lifecycle) Reconnect(ctx context.Context) error {
	l.mu.Lock()
	s, closed := l.session, l.closed
	l.mu.Unlock()
	if closed {
		return ErrShutdown
	}
	if s == nil {
		return ErrNotAuthenticated
	}
	if l.conn.IsConnected() {
		return nil
	}
	if s.Expired(l.opts.Clock()) {
		return fmt.Errorf("reconnect: %w", auth.ErrInvalidSession)
	}
	return l.connect(ctx, s)
}

// Supervise проверяет соединение каждые check и после разрыва переподключается
// с экспоненциальной задержкой между попытками. Возвращает ошибку, когда сессия
// больше не годится для переподключения, или ошибку ctx.
func (l *Lifecycle) Supervise(ctx context.Context, check time.Duration) error {
	if check <= 0 {
		return fmt.Errorf("session: invalid check interval %v", check)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultReconnectMinBackoff
	b.MaxInterval = DefaultReconnectMaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(check)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		wait := check
		if l.conn.State() == realtime.StateDisconnected {
			err := l.Reconnect(ctx)
			switch {
			case err == nil:
				l.logger.Info("🔁 Realtime восстановлено, сектор %s", l.roster.GetCurrentSector())
				b.Reset()
			case errors.Is(err, ErrShutdown), errors.Is(err, ErrNotAuthenticated), errors.Is(err, auth.ErrInvalidSession):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				wait = b.NextBackOff()
				l.logger.Warn("Переподключение не удалось: %v (следующая попытка через %s)", err, wait)
			}
		}
		timer.Reset(wait)
	}
}

// connect подключает realtime, инициализирует ростер и возвращается в выбранный сектор
func (l *Lifecycle) connect(ctx context.Context, s *auth.Session) error {
	connCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	err := l.conn.Connect(connCtx, s)
	cancel()
	if err != nil {
		return l.wrap(ctx, "connect", err)
	}

	if err := l.roster.Initialize(s.UserID); err != nil {
		l.conn.Shutdown()
		return fmt.Errorf("roster: %w", err)
	}

	if err := l.roster.RejoinZone(ctx); err != nil {
		// сектор уже выбран локально; повторный вход возможен через RejoinZone
		l.logger.Warn("Не удалось войти в сектор %s: %v", l.roster.GetCurrentSector(), err)
	}
	return nil
}

// SyncPlayerData записывает данные игрока в player_data/<name> с правами владельца
func (l *Lifecycle) SyncPlayerData(ctx context.Context, name string, credits, playtime int64) error {
	l.mu.Lock()
	s := l.session
	switch {
	case s == nil:
		l.mu.Unlock()
		return ErrNotAuthenticated
	case l.syncing:
		l.mu.Unlock()
		return ErrSyncInProgress
	}
	l.syncing = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.syncing = false
		l.mu.Unlock()
	}()

	if name == "" {
		name = s.Username
	}
	if name == "" {
		return ErrEmptyPlayerName
	}

	value := PlayerData{Credits: credits, Playtime: playtime, LastUpdate: l.opts.Clock().Unix()}

	storageCtx, cancel := context.WithTimeout(ctx, l.opts.StorageTimeout)
	defer cancel()

	_, err := l.backend.WriteStorageObjects(storageCtx, s, []nakama.StorageObject{{
		Collection:      PlayerDataCollection,
		Key:             name,
		Value:           value,
		PermissionRead:  nakama.PermissionOwnerRead,
		PermissionWrite: nakama.PermissionOwnerWrite,
	}})
	l.metrics.StorageSync(resultLabel(err))
	if err != nil {
		l.logger.Warn("Синхронизация данных игрока %s не удалась: %v", name, err)
		return l.wrap(ctx, "sync player data", err)
	}

	l.logger.Debug("💾 Данные игрока %s сохранены (credits=%d, playtime=%d)", name, credits, playtime)
	return nil
}

// Tick продвигает ростер (а через него соединение) на dt
func (l *Lifecycle) Tick(dt time.Duration) {
	l.roster.Tick(dt)
}

// Run тикает с периодом interval до отмены ctx. Используется хостами без собственного цикла.
func (l *Lifecycle) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("session: invalid tick interval %v", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := l.opts.Clock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := l.opts.Clock()
			l.Tick(now.Sub(last))
			last = now
		}
	}
}

// Shutdown останавливает ростер, затем соединение. Повторный вызов — no-op.
func (l *Lifecycle) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.session = nil
	l.mu.Unlock()

	l.roster.Shutdown()
	l.conn.Shutdown()
	l.logger.Info("🛑 Сессия остановлена")
}

// wrap приводит истечение собственного таймаута операции к ErrTimeout
func (l *Lifecycle) wrap(parent context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
