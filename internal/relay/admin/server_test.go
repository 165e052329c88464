package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/sector-sync/internal/auth"
	"github.com/annel0/sector-sync/internal/nakama"
	"github.com/annel0/sector-sync/internal/relay"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testKey    = "defaultkey"
)

type fakeRelay struct{}

func (fakeRelay) PeerCount() int { return 2 }
func (fakeRelay) Matches() []relay.MatchInfo {
	return []relay.MatchInfo{{ID: "sector.alpha", Label: "alpha", Size: 2}}
}

type fixture struct {
	srv    *httptest.Server
	client *nakama.Client
	dir    *relay.MemoryDirectory
	store  *relay.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(testSecret)
	require.NoError(t, err)

	f := &fixture{dir: relay.NewMemoryDirectory(), store: relay.NewMemoryStore()}
	s, err := New(Config{
		ServerKey: testKey,
		Issuer:    issuer,
		TokenTTL:  time.Hour,
		Directory: f.dir,
		Store:     f.store,
		Relay:     fakeRelay{},
		Registry:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	f.client = nakama.NewClientURL(f.srv.URL, testKey, f.srv.Client())
	return f
}

func TestAuthenticateDeviceIsStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.client.AuthenticateDevice(ctx, "device-1", "pilot", true)
	require.NoError(t, err)
	assert.Equal(t, DeviceUserID("device-1"), first.UserID)
	assert.Equal(t, "pilot", first.Username)
	assert.NotEmpty(t, first.RefreshToken)

	// повторный вход сохраняет имя, выбранное при создании
	second, err := f.client.AuthenticateDevice(ctx, "device-1", "other", false)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, "pilot", second.Username)
}

func TestAuthenticateDeviceDefaultUsername(t *testing.T) {
	f := newFixture(t)

	s, err := f.client.AuthenticateDevice(context.Background(), "device-2", "", true)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.Username, "player_"))
}

func TestAuthenticateUnknownDeviceWithoutCreate(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.AuthenticateDevice(context.Background(), "ghost", "", false)
	var apiErr *nakama.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, codeNotFound, apiErr.Code)
}

func TestAuthenticateRejectsWrongServerKey(t *testing.T) {
	f := newFixture(t)
	client := nakama.NewClientURL(f.srv.URL, "wrong", f.srv.Client())

	_, err := client.AuthenticateDevice(context.Background(), "device-1", "", true)
	var apiErr *nakama.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, codeUnauthenticated, apiErr.Code)
}

func TestSectorMatchRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.client.AuthenticateDevice(ctx, "device-1", "pilot", true)
	require.NoError(t, err)

	resolver := nakama.NewMatchResolver(f.client)
	id, err := resolver.ResolveMatch(ctx, session, "alpha")
	require.NoError(t, err)
	assert.Equal(t, relay.MatchIDForSector("alpha"), id)

	again, err := resolver.ResolveMatch(ctx, session, "alpha")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	entries, err := f.dir.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRPCRequiresToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/v2/rpc/"+SectorMatchRPC, "application/json", strings.NewReader(`"{}"`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.client.AuthenticateDevice(ctx, "device-1", "pilot", true)
	require.NoError(t, err)

	_, err = f.client.RPC(ctx, session, "nope", "{}")
	var apiErr *nakama.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestWriteStorageObjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.client.AuthenticateDevice(ctx, "device-1", "pilot", true)
	require.NoError(t, err)

	obj := nakama.StorageObject{
		Collection:      "player_data",
		Key:             "pilot",
		Value:           map[string]int{"credits": 100},
		PermissionRead:  nakama.PermissionOwnerRead,
		PermissionWrite: nakama.PermissionOwnerWrite,
	}
	acks, err := f.client.WriteStorageObjects(ctx, session, []nakama.StorageObject{obj})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, "1", acks[0].Version)
	assert.Equal(t, session.UserID, acks[0].UserID)

	stored, ok, err := f.store.Read(ctx, "player_data", session.UserID, "pilot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"credits":100}`, string(stored.Value))

	// устаревшая версия отклоняется
	obj.Version = "7"
	_, err = f.client.WriteStorageObjects(ctx, session, []nakama.StorageObject{obj})
	var apiErr *nakama.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, codeInvalidArgument, apiErr.Code)
}

func TestHealthAndMatches(t *testing.T) {
	f := newFixture(t)
	_, err := f.dir.Resolve(context.Background(), "alpha")
	require.NoError(t, err)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 2, health["peers"])
	assert.EqualValues(t, 1, health["matches"])

	resp, err = http.Get(f.srv.URL + "/matches")
	require.NoError(t, err)
	var list struct {
		Matches []relay.MatchInfo   `json:"matches"`
		Sectors []relay.SectorEntry `json:"sectors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Matches, 1)
	require.Len(t, list.Sectors, 1)
	assert.Equal(t, "alpha", list.Sectors[0].Sector)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sector_relay_http_request_duration_seconds")
}
