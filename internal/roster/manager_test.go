package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/eventbus"
	"github.com/annel0/sector-sync/internal/metrics"
	"github.com/annel0/sector-sync/internal/protocol"
	"github.com/annel0/sector-sync/internal/realtime"
	"github.com/annel0/sector-sync/internal/realtime/realtimetest"
	"github.com/annel0/sector-sync/internal/vec"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	tr      *realtimetest.Transport
	conn    *realtime.Connection
	roster  *Manager
	clock   *fakeClock
	metrics *metrics.Metrics
}

func resolver(_ context.Context, _ *auth.Session, zone string) (string, error) {
	return "sector." + zone, nil
}

func newFixture(t *testing.T, connect bool) *fixture {
	t.Helper()
	f := &fixture{
		tr:      realtimetest.New(),
		clock:   newClock(),
		metrics: metrics.New(nil),
	}
	f.conn = realtime.NewConnection(f.tr, realtime.ResolverFunc(resolver), realtime.Options{Metrics: f.metrics})
	f.roster = NewManager(f.conn, Options{Clock: f.clock.Now, Metrics: f.metrics})
	if connect {
		require.NoError(t, f.conn.Connect(context.Background(), realtimetest.Session("me")))
	}
	require.NoError(t, f.roster.Initialize("me"))
	return f
}

func position(t *testing.T, id string, x float32) []byte {
	t.Helper()
	data, err := protocol.EncodePosition(id, vec.New(x, 0, 0), vec.Zero, vec.Zero)
	require.NoError(t, err)
	return data
}

func (f *fixture) remotes() []string {
	var ids []string
	for _, p := range f.roster.GetPlayersInSector() {
		if p.Remote {
			ids = append(ids, p.ParticipantID)
		}
	}
	return ids
}

func TestChangeZoneSameZoneIsNoop(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	f.roster.ApplyRemoteUpdate("peer", vec.New(1, 0, 0), vec.Zero, vec.Zero)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	assert.Len(t, f.tr.Joins(), 1)
	assert.Empty(t, f.tr.Leaves())
	assert.Equal(t, []string{"peer"}, f.remotes())
	assert.Equal(t, "alpha", f.roster.GetCurrentSector())
}

func TestChangeZoneJoinsAndSendsLocalPose(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.SendLocalPosition(vec.New(5, 6, 7), vec.Zero, vec.Zero))
	assert.Empty(t, f.tr.Sent(), "вне матча позиция не отправляется")

	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	assert.Equal(t, "sector.alpha", f.roster.CurrentMatchID())
	sent := f.tr.Sent()
	require.Len(t, sent, 1)
	upd, err := protocol.DecodePosition(sent[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "me", upd.PlayerID)
	assert.Equal(t, vec.New(5, 6, 7), upd.Position)
}

func TestSelfUpdatesAreFiltered(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	f.roster.ApplyRemoteUpdate("me", vec.New(99, 0, 0), vec.Zero, vec.Zero)
	f.tr.FireMatchData("sector.alpha", protocol.OpCodePosition, position(t, "me", 42), "me")
	f.roster.Tick(50 * time.Millisecond)

	me, ok := f.roster.GetPlayer("me")
	require.True(t, ok)
	assert.False(t, me.Remote)
	assert.Equal(t, vec.Zero, me.Position)
	assert.Empty(t, f.remotes())
}

func TestZoneTransitionClearsRemoteRoster(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "A"))
	require.NoError(t, f.roster.SendLocalPosition(vec.New(1, 2, 3), vec.Zero, vec.Zero))
	for _, id := range []string{"p1", "p2", "p3"} {
		f.tr.FireMatchData("sector.A", protocol.OpCodePosition, position(t, id, 1), id)
	}
	f.roster.Tick(50 * time.Millisecond)
	require.Len(t, f.remotes(), 3)

	// Запоздавший пакет старого сектора уже в очереди
	f.tr.FireMatchData("sector.A", protocol.OpCodePosition, position(t, "late", 1), "late")

	require.NoError(t, f.roster.ChangeZone(context.Background(), "B"))
	assert.Empty(t, f.remotes())
	assert.Equal(t, []string{"sector.A"}, f.tr.Leaves())

	me, ok := f.roster.GetPlayer("me")
	require.True(t, ok)
	assert.Equal(t, vec.New(1, 2, 3), me.Position, "локальный корабль сохраняется")

	f.tr.FireMatchData("sector.B", protocol.OpCodePosition, position(t, "b1", 1), "b1")
	f.roster.Tick(50 * time.Millisecond)
	assert.Equal(t, []string{"b1"}, f.remotes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ForeignEvents))
}

func TestTickAppliesUpdatesAndInterpolates(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	f.tr.FireMatchData("sector.alpha", protocol.OpCodePosition, position(t, "peer", 0), "peer")
	f.roster.Tick(50 * time.Millisecond)
	f.clock.Advance(200 * time.Millisecond)
	f.tr.FireMatchData("sector.alpha", protocol.OpCodePosition, position(t, "peer", 10), "peer")
	f.roster.Tick(50 * time.Millisecond)

	// now = 200 мс, рендер на 100 мс
	assert.InDelta(t, 5.0, f.roster.GetInterpolatedPosition("peer").X, 1e-4)

	f.clock.Advance(100 * time.Millisecond)
	assert.Equal(t, vec.New(10, 0, 0), f.roster.GetInterpolatedPosition("peer"))
	assert.Equal(t, vec.Zero, f.roster.GetInterpolatedRotation("peer"))
}

func TestUnknownParticipantHasZeroPosition(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, vec.Zero, f.roster.GetInterpolatedPosition("ghost"))
	assert.Equal(t, vec.Zero, f.roster.GetInterpolatedRotation("ghost"))
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	f.tr.FireMatchData("sector.alpha", protocol.OpCodePosition, []byte{0xc1, 0x01}, "bad")
	f.tr.FireMatchData("sector.alpha", protocol.OpCodePosition, position(t, "good", 1), "good")
	f.roster.Tick(50 * time.Millisecond)

	assert.Equal(t, []string{"good"}, f.remotes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecodeErrors))
	assert.True(t, f.conn.IsConnected())
}

func TestPresenceJoinAndLeave(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	f.roster.ApplyRemoteUpdate("p1", vec.New(3, 0, 0), vec.Zero, vec.Zero)
	f.tr.FirePresence("sector.alpha", []string{"p1", "p2", "me"}, nil)
	f.roster.Tick(50 * time.Millisecond)

	assert.Equal(t, []string{"p1", "p2"}, f.remotes())
	p1, _ := f.roster.GetPlayer("p1")
	assert.Equal(t, vec.New(3, 0, 0), p1.Position, "join не затирает существующего участника")

	// Уход побеждает данные, пришедшие раньше в том же тике
	f.tr.FireMatchData("sector.alpha", protocol.OpCodePosition, position(t, "p2", 1), "p2")
	f.tr.FirePresence("sector.alpha", nil, []string{"p2", "me"})
	f.roster.Tick(50 * time.Millisecond)
	assert.Equal(t, []string{"p1"}, f.remotes())

	_, ok := f.roster.GetPlayer("me")
	assert.True(t, ok, "локальный участник не удаляется")
}

func TestExistingMembersReportedOnJoin(t *testing.T) {
	f := newFixture(t, true)
	f.tr.Presences = []realtime.Presence{{UserID: "me"}, {UserID: "veteran"}}

	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	f.roster.Tick(50 * time.Millisecond)

	assert.Equal(t, []string{"veteran"}, f.remotes())
}

func TestStaleSweep(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	f.roster.ApplyRemoteUpdate("old", vec.Zero, vec.Zero, vec.Zero)
	f.clock.Advance(3000 * time.Millisecond)
	f.roster.ApplyRemoteUpdate("fresh", vec.Zero, vec.Zero, vec.Zero)
	f.clock.Advance(3000 * time.Millisecond)

	assert.Equal(t, 1, f.roster.StaleSweep(5000*time.Millisecond))
	assert.Equal(t, []string{"fresh"}, f.remotes())
	_, ok := f.roster.GetPlayer("me")
	assert.True(t, ok)
}

func TestTickRunsSweepAfterCleanupInterval(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	f.roster.ApplyRemoteUpdate("peer", vec.Zero, vec.Zero, vec.Zero)

	f.clock.Advance(4000 * time.Millisecond)
	f.roster.Tick(50 * time.Millisecond)
	assert.Equal(t, []string{"peer"}, f.remotes())

	f.clock.Advance(2000 * time.Millisecond)
	f.roster.Tick(50 * time.Millisecond)
	assert.Empty(t, f.remotes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StaleEvictions))
	assert.Equal(t, 2, f.tr.Ticks())
}

func TestJoinFailureKeepsLocalZone(t *testing.T) {
	f := newFixture(t, true)
	boom := errors.New("no such match")
	f.tr.SetJoinErr(boom)

	err := f.roster.ChangeZone(context.Background(), "alpha")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "alpha", f.roster.GetCurrentSector())
	assert.Empty(t, f.roster.CurrentMatchID())

	f.tr.SetJoinErr(nil)
	require.NoError(t, f.roster.RejoinZone(context.Background()))
	assert.Equal(t, "sector.alpha", f.roster.CurrentMatchID())
}

func TestChangeZoneWhileDisconnected(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	assert.Equal(t, "alpha", f.roster.GetCurrentSector())
	assert.Empty(t, f.tr.Joins())

	assert.ErrorIs(t, f.roster.RejoinZone(context.Background()), realtime.ErrNotConnected)

	require.NoError(t, f.conn.Connect(context.Background(), realtimetest.Session("me")))
	require.NoError(t, f.roster.RejoinZone(context.Background()))
	assert.Len(t, f.tr.Joins(), 1)
	assert.Equal(t, "sector.alpha", f.roster.CurrentMatchID())
}

func TestDisconnectClearsActiveMatch(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	f.tr.FireDisconnect("network down")
	f.roster.Tick(50 * time.Millisecond)
	assert.Empty(t, f.roster.CurrentMatchID())
	assert.Equal(t, "alpha", f.roster.GetCurrentSector())

	// Без активного матча отправка позиции только обновляет локальное состояние
	require.NoError(t, f.roster.SendLocalPosition(vec.New(1, 0, 0), vec.Zero, vec.Zero))
	assert.Len(t, f.tr.Sent(), 1)
}

func TestStaleDisconnectKeepsRejoinedMatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.roster.ChangeZone(ctx, "alpha"))

	f.tr.FireDisconnect("network down")
	assert.Empty(t, f.roster.CurrentMatchID())

	require.NoError(t, f.conn.Connect(ctx, realtimetest.Session("me")))
	require.NoError(t, f.roster.RejoinZone(ctx))
	assert.Equal(t, "sector.alpha", f.roster.CurrentMatchID())

	f.roster.Tick(50 * time.Millisecond)
	assert.Equal(t, "sector.alpha", f.roster.CurrentMatchID())
}

func TestRemoteUpdateOutsideZoneIsDropped(t *testing.T) {
	f := newFixture(t, true)
	f.roster.ApplyRemoteUpdate("peer", vec.New(1, 0, 0), vec.Zero, vec.Zero)
	assert.Empty(t, f.remotes())
}

func TestRemovePlayer(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	f.roster.ApplyRemoteUpdate("peer", vec.Zero, vec.Zero, vec.Zero)

	assert.True(t, f.roster.RemovePlayer("peer"))
	assert.False(t, f.roster.RemovePlayer("peer"))
	assert.False(t, f.roster.RemovePlayer("me"))
	assert.Equal(t, 1, f.roster.PlayerCount())
}

func TestShutdownIsIdempotent(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	f.roster.ApplyRemoteUpdate("peer", vec.Zero, vec.Zero, vec.Zero)

	f.roster.Shutdown()
	f.roster.Shutdown()

	assert.Zero(t, f.roster.PlayerCount())
	assert.Empty(t, f.roster.GetCurrentSector())
	assert.ErrorIs(t, f.roster.ChangeZone(context.Background(), "beta"), ErrNotInitialized)
	assert.ErrorIs(t, f.roster.SendLocalPosition(vec.Zero, vec.Zero, vec.Zero), ErrNotInitialized)
	assert.Equal(t, []string{"sector.alpha"}, f.tr.Leaves())
}

func TestInitializeRejectsEmptyID(t *testing.T) {
	m := NewManager(realtime.NewConnection(realtimetest.New(), nil, realtime.Options{}), Options{})
	assert.ErrorIs(t, m.Initialize(""), ErrEmptyLocalID)
	assert.ErrorIs(t, m.ChangeZone(context.Background(), "alpha"), ErrNotInitialized)
}

func TestSettersApply(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	f.roster.SetInterpolationDelay(0)
	f.roster.SetMaxSnapshotAge(200 * time.Millisecond)
	f.roster.SetStaleAge(time.Second)
	f.roster.SetCleanupInterval(time.Second)

	f.roster.ApplyRemoteUpdate("peer", vec.New(0, 0, 0), vec.Zero, vec.Zero)
	f.clock.Advance(100 * time.Millisecond)
	f.roster.ApplyRemoteUpdate("peer", vec.New(10, 0, 0), vec.Zero, vec.Zero)

	// Без задержки рендер совпадает с последним снимком
	assert.Equal(t, vec.New(10, 0, 0), f.roster.GetInterpolatedPosition("peer"))

	f.clock.Advance(1500 * time.Millisecond)
	f.roster.Tick(50 * time.Millisecond)
	assert.Empty(t, f.remotes())
}

func TestNotificationsArePublished(t *testing.T) {
	bus := eventbus.NewMemoryBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var types []string
	_, err := bus.Subscribe(context.Background(), eventbus.Filter{}, func(_ context.Context, ev *eventbus.Envelope) {
		mu.Lock()
		types = append(types, ev.EventType)
		mu.Unlock()
	})
	require.NoError(t, err)

	f := newFixture(t, true)
	f.roster.bus = bus

	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))
	f.roster.ApplyRemoteUpdate("peer", vec.Zero, vec.Zero, vec.Zero)
	f.roster.RemovePlayer("peer")
	require.NoError(t, f.roster.ChangeZone(context.Background(), "beta"))

	want := map[string]int{
		eventbus.TypeZoneJoined:   2,
		eventbus.TypePlayerJoined: 1,
		eventbus.TypePlayerLeft:   1,
		eventbus.TypeZoneLeft:     1,
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		got := map[string]int{}
		for _, ty := range types {
			got[ty]++
		}
		for k, v := range want {
			if got[k] != v {
				return false
			}
		}
		return len(types) == 5
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentCallbacksAndTicks(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.roster.ChangeZone(context.Background(), "alpha"))

	payload := position(t, "peer", 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 400; i++ {
			select {
			case <-stop:
				return
			default:
				f.tr.FireMatchData("sector.alpha", protocol.OpCodePosition, payload, "peer")
				f.tr.FirePresence("sector.alpha", []string{"other"}, nil)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = f.roster.GetPlayersInSector()
				_ = f.roster.GetInterpolatedPosition("peer")
			}
		}
	}()

	for i := 0; i < 50; i++ {
		f.roster.Tick(time.Millisecond)
		if i == 25 {
			require.NoError(t, f.roster.ChangeZone(context.Background(), "beta"))
		}
	}
	close(stop)
	wg.Wait()

	// Все события alpha после смены сектора отброшены
	f.roster.Tick(time.Millisecond)
	assert.Empty(t, f.remotes())
	assert.Equal(t, "beta", f.roster.GetCurrentSector())
}
