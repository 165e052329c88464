// Package roster ведёт список участников текущего сектора: смена сектора, применение
// сетевых обновлений, удаление устаревших участников и запросы для рендера.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/annel0/sector-sync/internal/entity"
	"github.com/annel0/sector-sync/internal/eventbus"
	"github.com/annel0/sector-sync/internal/logging"
	"github.com/annel0/sector-sync/internal/metrics"
	"github.com/annel0/sector-sync/internal/protocol"
	"github.com/annel0/sector-sync/internal/realtime"
	"github.com/annel0/sector-sync/internal/snapshot"
	"github.com/annel0/sector-sync/internal/vec"
)

// LocalShipID: идентификатор корабля локального игрока
const LocalShipID = "local_ship"

// DefaultCleanupInterval: период проверки устаревших участников
const DefaultCleanupInterval = 5000 * time.Millisecond

var (
	ErrNotInitialized = errors.New("roster: not initialized")
	ErrEmptyLocalID   = errors.New("roster: local participant id is empty")
	ErrZoneAbandoned  = errors.New("roster: zone changed or roster shut down during join")
)

// Link: операции realtime-соединения, нужные ростеру (реализуется *realtime.Connection)
type Link interface {
	IsConnected() bool
	JoinOrCreateMatch(ctx context.Context, zoneKey string) (string, error)
	LeaveMatch()
	SendPosition(payload []byte) bool
	CurrentMatchID() string
	Tick(dt time.Duration)
	Events() <-chan realtime.Event
}

// Options: параметры Manager. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	Clock              func() time.Time
	InterpolationDelay time.Duration
	MaxSnapshotAge     time.Duration
	CleanupInterval    time.Duration
	StaleAge           time.Duration
	Bus                eventbus.EventBus
	Metrics            *metrics.Metrics
	Logger             *logging.Logger
}

// Manager владеет ростером участников сектора.
//
// Все изменения ростера выполняются под mu. Колбэки транспорта ростер не трогают:
// события realtime разбираются в Tick. Смены сектора сериализуются zoneMu, а сетевое
// ожидание входа в матч происходит без удержания mu.
type Manager struct {
	link    Link
	now     func() time.Time
	bus     eventbus.EventBus
	metrics *metrics.Metrics
	logger  *logging.Logger

	zoneMu sync.Mutex

	mu              sync.RWMutex
	initialized     bool
	localID         string
	players         map[string]*entity.Ship
	zone            string
	matchID         string // матч, события которого принимаются
	changing        bool   // идёт смена сектора; события ждут в очереди
	interpDelay     time.Duration
	maxSnapshotAge  time.Duration
	cleanupInterval time.Duration
	staleAge        time.Duration
	lastSweep       time.Time
}

// notification: уведомление, публикуемое после снятия блокировки
type notification struct {
	eventType string
	event     eventbus.RosterEvent
}

// NewManager создаёт менеджер ростера поверх соединения
func NewManager(link Link, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InterpolationDelay <= 0 {
		opts.InterpolationDelay = entity.DefaultInterpolationDelay
	}
	if opts.MaxSnapshotAge <= 0 {
		opts.MaxSnapshotAge = snapshot.DefaultMaxAge
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = entity.DefaultStaleAge
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetRosterLogger()
	}

	return &Manager{
		link:            link,
		now:             opts.Clock,
		bus:             opts.Bus,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		players:         make(map[string]*entity.Ship),
		interpDelay:     opts.InterpolationDelay,
		maxSnapshotAge:  opts.MaxSnapshotAge,
		cleanupInterval: opts.CleanupInterval,
		staleAge:        opts.StaleAge,
	}
}

// Initialize задаёт идентификатор локального участника и создаёт его корабль
func (m *Manager) Initialize(localID string) error {
	if localID == "" {
		return ErrEmptyLocalID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized && m.localID != localID {
		delete(m.players, m.localID)
	}
	m.localID = localID
	if _, ok := m.players[localID]; !ok {
		m.players[localID] = entity.NewShip(localID, LocalShipID, false, m.now(), 0)
	}
	m.initialized = true
	m.lastSweep = m.now()
	m.metrics.SetRosterSize(len(m.players))
	m.logger.Info("👤 Ростер инициализирован (local=%s)", localID)
	return nil
}

// Shutdown покидает текущий сектор и очищает ростер. Повторный вызов — no-op.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	var notes []notification
	if m.zone != "" {
		notes = append(notes, notification{eventbus.TypeZoneLeft, eventbus.RosterEvent{Zone: m.zone, MatchID: m.matchID}})
	}
	m.players = make(map[string]*entity.Ship)
	m.zone = ""
	m.matchID = ""
	m.initialized = false
	m.metrics.SetRosterSize(0)
	m.mu.Unlock()

	m.link.LeaveMatch()
	m.publish(notes)
	m.logger.Info("🛑 Ростер остановлен")
}

// ChangeZone переводит локального участника в сектор name.
//
// Повторный вход в текущий сектор — no-op. Иначе: уведомление о выходе, выход из матча,
// удаление всех удалённых участников, установка нового сектора, уведомление о входе и,
// при активном соединении, вход в матч сектора с немедленной отправкой позиции.
// Ошибка входа возвращается вызывающему, но локальное состояние уже отражает новый сектор.
// Пустое имя означает выход из сектора без входа в новый.
func (m *Manager) ChangeZone(ctx context.Context, name string) error {
	m.zoneMu.Lock()
	defer m.zoneMu.Unlock()

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if name == m.zone {
		m.mu.Unlock()
		m.logger.Debug("Уже в секторе %q", name)
		return nil
	}

	var notes []notification
	old := m.zone
	if old != "" {
		notes = append(notes, notification{eventbus.TypeZoneLeft, eventbus.RosterEvent{Zone: old, MatchID: m.matchID}})
	}
	removed := m.clearRemotesLocked()
	m.matchID = ""
	m.zone = name
	m.changing = true
	m.localLocked()
	if name != "" {
		notes = append(notes, notification{eventbus.TypeZoneJoined, eventbus.RosterEvent{Zone: name, ParticipantID: m.localID}})
	}
	m.metrics.SetRosterSize(len(m.players))
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.changing = false
		m.mu.Unlock()
	}()

	if old != "" {
		m.link.LeaveMatch()
	}
	m.metrics.ZoneChanged()
	m.publish(notes)
	m.logger.Info("🌌 Сектор %q → %q (удалено удалённых участников: %d)", old, name, removed)

	if name == "" || !m.link.IsConnected() {
		return nil
	}
	return m.joinZone(ctx, name)
}

// RejoinZone повторно входит в матч текущего сектора, если соединение активно,
// а матча нет (например, после переподключения).
func (m *Manager) RejoinZone(ctx context.Context) error {
	m.zoneMu.Lock()
	defer m.zoneMu.Unlock()

	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	zone := m.zone
	if zone == "" || m.activeMatchLocked() != "" {
		m.mu.Unlock()
		return nil
	}
	// событие разрыва могло ещё не дойти до тика
	m.matchID = ""
	m.changing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.changing = false
		m.mu.Unlock()
	}()

	if !m.link.IsConnected() {
		return realtime.ErrNotConnected
	}
	return m.joinZone(ctx, zone)
}

// joinZone входит в матч сектора name и отправляет позицию локального участника.
// Вызывается под zoneMu при changing == true.
func (m *Manager) joinZone(ctx context.Context, name string) error {
	matchID, err := m.link.JoinOrCreateMatch(ctx, name)
	if err != nil {
		m.logger.Warn("Не удалось войти в матч сектора %q: %v", name, err)
		return fmt.Errorf("change zone %q: %w", name, err)
	}

	m.mu.Lock()
	if !m.initialized || m.zone != name {
		m.mu.Unlock()
		m.link.LeaveMatch()
		return ErrZoneAbandoned
	}
	m.matchID = matchID
	local := m.localLocked()
	payload, encErr := protocol.EncodePosition(m.localID, local.Position, local.Rotation, local.Velocity)
	m.mu.Unlock()

	if encErr != nil {
		m.logger.Error("Ошибка сериализации локальной позиции: %v", encErr)
		return nil
	}
	m.link.SendPosition(payload)
	return nil
}

// localLocked возвращает корабль локального участника, создавая его при необходимости
func (m *Manager) localLocked() *entity.Ship {
	local, ok := m.players[m.localID]
	if !ok {
		local = entity.NewShip(m.localID, LocalShipID, false, m.now(), 0)
		m.players[m.localID] = local
	}
	return local
}

func (m *Manager) clearRemotesLocked() int {
	removed := 0
	for id, ship := range m.players {
		if ship.IsRemote() {
			delete(m.players, id)
			removed++
		}
	}
	return removed
}

// ApplyRemoteUpdate применяет обновление позиции удалённого участника.
// Собственные обновления и обновления вне сектора отбрасываются.
func (m *Manager) ApplyRemoteUpdate(participantID string, pos, rot, vel vec.Vec3) {
	m.mu.Lock()
	notes := m.applyRemoteLocked(participantID, pos, rot, vel)
	m.mu.Unlock()
	m.publish(notes)
}

func (m *Manager) applyRemoteLocked(participantID string, pos, rot, vel vec.Vec3) []notification {
	if !m.initialized || m.zone == "" || participantID == "" || participantID == m.localID {
		return nil
	}

	var notes []notification
	ship, ok := m.players[participantID]
	if !ok {
		ship = entity.NewShip(participantID, "", true, m.now(), m.maxSnapshotAge)
		m.players[participantID] = ship
		notes = append(notes, m.playerNote(eventbus.TypePlayerJoined, participantID))
	}
	ship.UpdatePosition(pos, rot, vel, m.now())
	m.metrics.RemoteUpdate()
	return notes
}

// HandlePresence применяет изменение состава матча: присоединившимся создаются пустые
// удалённые корабли, ушедшие удаляются безусловно.
func (m *Manager) HandlePresence(joins, leaves []string) {
	m.mu.Lock()
	notes := m.handlePresenceLocked(joins, leaves)
	m.mu.Unlock()
	m.publish(notes)
}

func (m *Manager) handlePresenceLocked(joins, leaves []string) []notification {
	if !m.initialized {
		return nil
	}

	var notes []notification
	if m.zone != "" {
		for _, id := range joins {
			if id == "" || id == m.localID {
				continue
			}
			if _, ok := m.players[id]; ok {
				continue
			}
			m.players[id] = entity.NewShip(id, "", true, m.now(), m.maxSnapshotAge)
			notes = append(notes, m.playerNote(eventbus.TypePlayerJoined, id))
		}
	}
	for _, id := range leaves {
		if m.removeLocked(id) {
			notes = append(notes, m.playerNote(eventbus.TypePlayerLeft, id))
		}
	}
	return notes
}

// RemovePlayer удаляет удалённого участника. Локальный участник не удаляется.
func (m *Manager) RemovePlayer(participantID string) bool {
	m.mu.Lock()
	removed := m.removeLocked(participantID)
	var notes []notification
	if removed {
		notes = append(notes, m.playerNote(eventbus.TypePlayerLeft, participantID))
	}
	m.mu.Unlock()
	m.publish(notes)
	return removed
}

func (m *Manager) removeLocked(id string) bool {
	ship, ok := m.players[id]
	if !ok || !ship.IsRemote() {
		return false
	}
	delete(m.players, id)
	m.logger.Debug("Участник %s покинул сектор %q", id, m.zone)
	return true
}

// StaleSweep удаляет удалённых участников без обновлений дольше maxAge и возвращает их число
func (m *Manager) StaleSweep(maxAge time.Duration) int {
	m.mu.Lock()
	notes := m.staleSweepLocked(maxAge)
	m.mu.Unlock()
	m.publish(notes)
	return len(notes)
}

func (m *Manager) staleSweepLocked(maxAge time.Duration) []notification {
	now := m.now()
	var notes []notification
	for id, ship := range m.players {
		if ship.IsRemote() && ship.IsStale(now, maxAge) {
			delete(m.players, id)
			notes = append(notes, m.playerNote(eventbus.TypePlayerStale, id))
		}
	}
	if len(notes) > 0 {
		m.metrics.StaleEvicted(len(notes))
		m.logger.Info("🧹 Удалено устаревших участников: %d", len(notes))
	}
	return notes
}

// Tick продвигает соединение, разбирает накопленные события realtime и
// раз в cleanupInterval запускает StaleSweep.
func (m *Manager) Tick(dt time.Duration) {
	start := time.Now()
	m.link.Tick(dt)

	m.mu.Lock()
	var notes []notification
	if m.initialized {
		if !m.changing {
			notes = m.drainLocked()
		}
		now := m.now()
		if now.Sub(m.lastSweep) > m.cleanupInterval {
			notes = append(notes, m.staleSweepLocked(m.staleAge)...)
			m.lastSweep = now
		}
		m.metrics.SetRosterSize(len(m.players))
	}
	m.mu.Unlock()

	m.publish(notes)
	m.metrics.ObserveTick(time.Since(start).Seconds())
}

// drainLocked обрабатывает события, накопленные к началу вызова
func (m *Manager) drainLocked() []notification {
	events := m.link.Events()
	var notes []notification
	for n := len(events); n > 0; n-- {
		var ev realtime.Event
		select {
		case ev = <-events:
		default:
			return notes
		}
		notes = append(notes, m.handleEventLocked(ev)...)
	}
	return notes
}

func (m *Manager) handleEventLocked(ev realtime.Event) []notification {
	switch ev.Kind {
	case realtime.EventConnected:
		m.logger.Debug("Realtime подключено")
	case realtime.EventDisconnected:
		// после переподключения соединение снова в том же матче: событие устарело
		if ev.MatchID != "" && ev.MatchID == m.matchID && m.link.CurrentMatchID() != m.matchID {
			m.matchID = ""
		}
		m.logger.Warn("Realtime отключено (%s), активного матча нет", ev.Reason)
	case realtime.EventError:
		m.logger.Debug("Ошибка realtime: %s", ev.Reason)
	case realtime.EventMatchData:
		if !m.acceptLocked(ev) {
			return nil
		}
		if ev.OpCode != protocol.OpCodePosition {
			m.logger.Trace("Неизвестный код операции %d от %s", ev.OpCode, ev.SenderID)
			return nil
		}
		upd, err := protocol.DecodePosition(ev.Data)
		if err != nil {
			m.metrics.DecodeError()
			m.logger.LogProtocolError(ev.SenderID, err, ev.Data)
			return nil
		}
		return m.applyRemoteLocked(upd.PlayerID, upd.Position, upd.Rotation, upd.Velocity)
	case realtime.EventPresence:
		if !m.acceptLocked(ev) {
			return nil
		}
		return m.handlePresenceLocked(presenceIDs(ev.Joins), presenceIDs(ev.Leaves))
	}
	return nil
}

// acceptLocked пропускает только события текущего матча
func (m *Manager) acceptLocked(ev realtime.Event) bool {
	if m.matchID == "" || ev.MatchID != m.matchID {
		m.metrics.ForeignEvent()
		return false
	}
	return true
}

func presenceIDs(ps []realtime.Presence) []string {
	if len(ps) == 0 {
		return nil
	}
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.UserID)
	}
	return ids
}

// SendLocalPosition обновляет локальный корабль и отправляет его позицию в матч сектора
func (m *Manager) SendLocalPosition(pos, rot, vel vec.Vec3) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	m.localLocked().UpdatePosition(pos, rot, vel, m.now())
	inMatch := m.matchID != ""
	localID := m.localID
	m.mu.Unlock()

	if !inMatch {
		return nil
	}
	payload, err := protocol.EncodePosition(localID, pos, rot, vel)
	if err != nil {
		return err
	}
	m.link.SendPosition(payload)
	return nil
}

// GetPlayersInSector возвращает копии состояний всех участников, отсортированные по идентификатору
func (m *Manager) GetPlayersInSector() []entity.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]entity.State, 0, len(m.players))
	for _, ship := range m.players {
		out = append(out, ship.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// GetPlayer возвращает копию состояния участника
func (m *Manager) GetPlayer(participantID string) (entity.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ship, ok := m.players[participantID]
	if !ok {
		return entity.State{}, false
	}
	return ship.State(), true
}

// GetInterpolatedPosition возвращает позицию участника для рендера; {0,0,0} — участник неизвестен
func (m *Manager) GetInterpolatedPosition(participantID string) vec.Vec3 {
	return m.interpolatedPose(participantID).Position
}

// GetInterpolatedRotation возвращает поворот участника для рендера; {0,0,0} — участник неизвестен
func (m *Manager) GetInterpolatedRotation(participantID string) vec.Vec3 {
	return m.interpolatedPose(participantID).Rotation
}

func (m *Manager) interpolatedPose(participantID string) snapshot.Pose {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ship, ok := m.players[participantID]
	if !ok {
		return snapshot.Pose{}
	}
	return ship.InterpolatedPose(m.now(), m.interpDelay)
}

// GetCurrentSector возвращает имя текущего сектора (пусто — вне сектора)
func (m *Manager) GetCurrentSector() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.zone
}

// CurrentMatchID возвращает матч, события которого принимает ростер.
// Пусто, если соединение уже покинуло этот матч.
func (m *Manager) CurrentMatchID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeMatchLocked()
}

// activeMatchLocked возвращает матч ростера, только пока соединение находится в нём
func (m *Manager) activeMatchLocked() string {
	if m.matchID == "" || m.link.CurrentMatchID() != m.matchID {
		return ""
	}
	return m.matchID
}

// LocalID возвращает идентификатор локального участника
func (m *Manager) LocalID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localID
}

// PlayerCount возвращает число участников, включая локального
func (m *Manager) PlayerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.players)
}

// SetInterpolationDelay задаёт задержку рендера
func (m *Manager) SetInterpolationDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.interpDelay = d
	m.mu.Unlock()
}

// SetMaxSnapshotAge задаёт предельный возраст снимков, в том числе для существующих участников
func (m *Manager) SetMaxSnapshotAge(d time.Duration) {
	if d <= 0 {
		d = snapshot.DefaultMaxAge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSnapshotAge = d
	for _, ship := range m.players {
		ship.SetMaxSnapshotAge(d)
	}
}

// SetCleanupInterval задаёт период проверки устаревших участников
func (m *Manager) SetCleanupInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultCleanupInterval
	}
	m.mu.Lock()
	m.cleanupInterval = d
	m.mu.Unlock()
}

// SetStaleAge задаёт возраст, после которого участник считается устаревшим
func (m *Manager) SetStaleAge(d time.Duration) {
	if d <= 0 {
		d = entity.DefaultStaleAge
	}
	m.mu.Lock()
	m.staleAge = d
	m.mu.Unlock()
}

func (m *Manager) playerNote(eventType, participantID string) notification {
	return notification{eventType, eventbus.RosterEvent{
		Zone:          m.zone,
		MatchID:       m.matchID,
		ParticipantID: participantID,
		Remote:        true,
	}}
}

func (m *Manager) publish(notes []notification) {
	if m.bus == nil {
		return
	}
	for _, n := range notes {
		if err := eventbus.PublishRoster(context.Background(), m.bus, "roster", n.eventType, n.event); err != nil {
			m.logger.Debug("Не удалось опубликовать %s: %v", n.eventType, err)
		}
	}
}
