package relay

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()

	_, err := d.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrEmptySector)

	id, err := d.Resolve(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "sector.beta", id)

	again, err := d.Resolve(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	_, err = d.Resolve(ctx, "alpha")
	require.NoError(t, err)

	sector, ok, err := d.Lookup(ctx, "sector.beta")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "beta", sector)

	_, ok, err = d.Lookup(ctx, "sector.gamma")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SectorEntry{{"alpha", "sector.alpha"}, {"beta", "sector.beta"}}, list)
}

func TestMemoryStoreVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	obj := StoredObject{Collection: "player_data", Key: "pilot", UserID: "u1", Value: json.RawMessage(`{"credits":1}`)}

	v1, err := s.Write(ctx, obj, "")
	require.NoError(t, err)
	assert.Equal(t, "1", v1)

	v2, err := s.Write(ctx, obj, v1)
	require.NoError(t, err)
	assert.Equal(t, "2", v2)

	_, err = s.Write(ctx, obj, "1")
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, ok, err := s.Read(ctx, "player_data", "u1", "pilot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", got.Version)
	assert.JSONEq(t, `{"credits":1}`, string(got.Value))

	_, ok, err = s.Read(ctx, "player_data", "u2", "pilot")
	require.NoError(t, err)
	assert.False(t, ok)
}

// Тесты Redis выполняются только при заданном RELAY_TEST_REDIS (host:port)
func redisAddr(t *testing.T) string {
	addr := os.Getenv("RELAY_TEST_REDIS")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS not set")
	}
	return addr
}

func TestRedisDirectoryAndStore(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()

	client, err := NewRedisClient(ctx, RedisOptions{Addr: addr, DB: 15})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Del(ctx, redisMatchesKey, redisObjectsKey).Err())

	d := NewRedisDirectory(client)
	id, err := d.Resolve(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "sector.alpha", id)

	sector, ok, err := d.Lookup(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alpha", sector)

	_, ok, err = d.Lookup(ctx, "random-id")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SectorEntry{{"alpha", "sector.alpha"}}, list)

	s := NewRedisStore(client)
	obj := StoredObject{Collection: "player_data", Key: "pilot", UserID: "u1", Value: json.RawMessage(`{"credits":5}`)}
	v1, err := s.Write(ctx, obj, "")
	require.NoError(t, err)
	assert.Equal(t, "1", v1)
	_, err = s.Write(ctx, obj, "7")
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, ok, err := s.Read(ctx, "player_data", "u1", "pilot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", got.Version)
}
