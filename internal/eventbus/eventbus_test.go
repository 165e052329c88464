package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []*Envelope
}

func (c *collector) handle(_ context.Context, ev *Envelope) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryBusFiltersByType(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var joined, all collector
	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{TypeZoneJoined}}, joined.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(context.Background(), Filter{}, all.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, PublishRoster(ctx, bus, "roster", TypeZoneJoined, RosterEvent{Zone: "alpha"}))
	require.NoError(t, PublishRoster(ctx, bus, "roster", TypePlayerLeft, RosterEvent{Zone: "alpha", ParticipantID: "p1"}))

	assert.Eventually(t, func() bool { return all.len() == 2 && joined.len() == 1 }, time.Second, 5*time.Millisecond)

	joined.mu.Lock()
	ev, err := DecodeRosterEvent(joined.events[0])
	joined.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "alpha", ev.Zone)
}

func TestMemoryBusDropsLowPriorityWhenFull(t *testing.T) {
	bus := NewMemoryBus(1)
	defer bus.Close()

	block := make(chan struct{})
	_, err := bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) { <-block })
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(ctx, &Envelope{EventType: "x", Priority: 0}))
	}
	close(block)

	// Каждое событие либо принято, либо отброшено, но Publish никогда не блокируется
	st := bus.Metrics()
	assert.Equal(t, uint64(50), st.Published+st.Dropped)
}

func TestMemoryBusCloseIsIdempotent(t *testing.T) {
	bus := NewMemoryBus(4)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), &Envelope{EventType: "x"})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = bus.Subscribe(context.Background(), Filter{}, func(context.Context, *Envelope) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	var c collector
	sub, err := bus.Subscribe(context.Background(), Filter{}, c.handle)
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "x"}))
	require.NoError(t, bus.Close())
	assert.Zero(t, c.len())
}

func TestPublishRosterNilBus(t *testing.T) {
	assert.NoError(t, PublishRoster(context.Background(), nil, "roster", TypeZoneLeft, RosterEvent{}))
}

func TestRegisterMetrics(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg, bus))
	require.NoError(t, bus.Publish(context.Background(), &Envelope{EventType: "x"}))

	count, err := testutil.GatherAndCount(reg, "eventbus_messages_published_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Error(t, RegisterMetrics(reg, bus), "повторная регистрация должна вернуть ошибку")
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "roster.PlayerStale", Subject(TypePlayerStale))
}
