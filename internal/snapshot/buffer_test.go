package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/sector-sync/internal/vec"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func sample(ms int, x float32) Snapshot {
	return Snapshot{
		Position:  vec.New(x, 0, 0),
		Rotation:  vec.New(0, x, 0),
		Timestamp: at(ms),
	}
}

func TestIngestEvictsByAge(t *testing.T) {
	b := NewBuffer(1000 * time.Millisecond)
	for ms := 0; ms <= 1200; ms += 100 {
		b.Ingest(sample(ms, float32(ms)))
	}

	cutoff := at(1200).Add(-b.MaxAge())
	for _, s := range b.Samples() {
		assert.False(t, s.Timestamp.Before(cutoff), "sample at %v must be evicted", s.Timestamp.Sub(base))
	}
	assert.Equal(t, 11, b.Len())

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, at(1200), latest.Timestamp)
}

func TestInterpolateBetweenSamples(t *testing.T) {
	b := NewBuffer(0)
	b.Ingest(sample(0, 0))
	b.Ingest(sample(200, 10))

	delay := 100 * time.Millisecond

	pose, ok := b.Interpolate(at(300).Add(-delay))
	require.True(t, ok)
	assert.Equal(t, vec.New(10, 0, 0), pose.Position)

	pose, ok = b.Interpolate(at(150).Add(-delay))
	require.True(t, ok)
	assert.InDelta(t, 2.5, pose.Position.X, 1e-5)
	assert.InDelta(t, 2.5, pose.Rotation.Y, 1e-5)
}

func TestInterpolateNeverExtrapolates(t *testing.T) {
	b := NewBuffer(0)
	b.Ingest(sample(0, 0))
	b.Ingest(sample(100, 5))
	b.Ingest(sample(200, 10))

	pose, ok := b.Interpolate(at(900))
	require.True(t, ok)
	assert.Equal(t, vec.New(10, 0, 0), pose.Position)
	assert.Equal(t, vec.New(0, 10, 0), pose.Rotation)
}

func TestInterpolateBeforeOldest(t *testing.T) {
	b := NewBuffer(0)
	b.Ingest(sample(100, 1))
	b.Ingest(sample(200, 2))

	pose, ok := b.Interpolate(at(50))
	require.True(t, ok)
	assert.Equal(t, vec.New(1, 0, 0), pose.Position)
}

func TestInterpolateDegenerateInterval(t *testing.T) {
	b := NewBuffer(0)
	b.Ingest(sample(100, 1))
	b.Ingest(sample(100, 7))

	pose, ok := b.Interpolate(at(100))
	require.True(t, ok)
	assert.Equal(t, vec.New(1, 0, 0), pose.Position)
}

func TestInterpolateNeedsTwoSamples(t *testing.T) {
	b := NewBuffer(0)
	_, ok := b.Interpolate(at(0))
	assert.False(t, ok)

	b.Ingest(sample(0, 1))
	_, ok = b.Interpolate(at(0))
	assert.False(t, ok)

	_, ok = NewBuffer(0).Latest()
	assert.False(t, ok)
}

func TestOutOfOrderArrivalKeepsArrivalOrder(t *testing.T) {
	b := NewBuffer(0)
	b.Ingest(sample(0, 0))
	b.Ingest(sample(200, 10))
	b.Ingest(sample(100, 5))

	got := b.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, at(0), got[0].Timestamp)
	assert.Equal(t, at(200), got[1].Timestamp)
	assert.Equal(t, at(100), got[2].Timestamp)

	// Первая подходящая пара — (0, 200)
	pose, ok := b.Interpolate(at(150))
	require.True(t, ok)
	assert.InDelta(t, 7.5, pose.Position.X, 1e-5)

	pose, ok = b.Interpolate(at(250))
	require.True(t, ok)
	assert.Equal(t, vec.New(10, 0, 0), pose.Position)
}

func TestSetMaxAgeAppliesOnNextIngest(t *testing.T) {
	b := NewBuffer(0)
	b.Ingest(sample(0, 0))
	b.Ingest(sample(500, 1))
	b.SetMaxAge(200 * time.Millisecond)
	assert.Equal(t, 2, b.Len())

	b.Ingest(sample(600, 2))
	assert.Equal(t, 2, b.Len())
}
