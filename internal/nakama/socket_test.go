package nakama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/sector-sync/internal/realtime"
)

// recordingListener собирает колбэки сокета
type recordingListener struct {
	connected   chan struct{}
	disconnects chan string
	errors      chan string
	data        chan realtime.MatchData
	presences   chan realtime.PresenceEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		connected:   make(chan struct{}, 4),
		disconnects: make(chan string, 4),
		errors:      make(chan string, 4),
		data:        make(chan realtime.MatchData, 16),
		presences:   make(chan realtime.PresenceEvent, 16),
	}
}

func (l *recordingListener) OnConnect()                       { l.connected <- struct{}{} }
func (l *recordingListener) OnDisconnect(reason string)       { l.disconnects <- reason }
func (l *recordingListener) OnError(message string)           { l.errors <- message }
func (l *recordingListener) OnMatchData(d realtime.MatchData) { l.data <- d }
func (l *recordingListener) OnMatchPresence(ev realtime.PresenceEvent) {
	l.presences <- ev
}

// fakeNakama: сервер realtime-протокола для тестов
type fakeNakama struct {
	t  *testing.T
	mu sync.Mutex

	token    string
	received []envelope
	conn     *ws.Conn
}

func newFakeNakama(t *testing.T) (*fakeNakama, *httptest.Server) {
	f := &fakeNakama{t: t}
	upgrader := ws.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		f.mu.Lock()
		f.token = r.URL.Query().Get("token")
		f.conn = c
		f.mu.Unlock()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			f.mu.Lock()
			f.received = append(f.received, env)
			f.mu.Unlock()
			f.reply(env)
		}
	}))
	return f, srv
}

func (f *fakeNakama) reply(env envelope) {
	self := presence{UserID: "user-1", SessionID: "s1", Username: "pilot"}
	switch {
	case env.MatchCreate != nil:
		f.push(envelope{Cid: env.Cid, Match: &matchMsg{MatchID: "m-created", Self: self}})
	case env.MatchJoin != nil:
		if env.MatchJoin.MatchID == "missing" {
			f.push(envelope{Cid: env.Cid, Error: &SocketError{Code: 4, Message: "Match not found"}})
			return
		}
		f.push(envelope{Cid: env.Cid, Match: &matchMsg{
			MatchID:   env.MatchJoin.MatchID,
			Label:     env.MatchJoin.Metadata["sector"],
			Self:      self,
			Presences: []presence{{UserID: "user-2", SessionID: "s2", Username: "wing"}},
		}})
	}
}

func (f *fakeNakama) push(env envelope) {
	data, err := json.Marshal(env)
	if assert.NoError(f.t, err) {
		f.pushRaw(string(data))
	}
}

func (f *fakeNakama) pushRaw(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if assert.NotNil(f.t, f.conn) {
		assert.NoError(f.t, f.conn.WriteMessage(ws.TextMessage, []byte(msg)))
	}
}

func (f *fakeNakama) messages() []envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeNakama) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.Close()
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectSocket(t *testing.T) (*Socket, *fakeNakama, *recordingListener) {
	t.Helper()
	f, srv := newFakeNakama(t)
	t.Cleanup(srv.Close)

	s := NewSocketURL(wsURL(srv))
	l := newRecordingListener()
	require.NoError(t, s.Connect(context.Background(), testSession(t), l))
	t.Cleanup(s.Disconnect)

	select {
	case <-l.connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect was not called")
	}
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.conn != nil
	}, time.Second, 5*time.Millisecond)
	return s, f, l
}

func TestSocketConnectSendsToken(t *testing.T) {
	f, srv := newFakeNakama(t)
	defer srv.Close()

	session := testSession(t)
	s := NewSocketURL(wsURL(srv))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background(), session, newRecordingListener()))

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.token == session.Token
	}, time.Second, 10*time.Millisecond)
}

func TestSocketConnectRequiresSession(t *testing.T) {
	s := NewSocketURL("ws://127.0.0.1:1")
	assert.ErrorIs(t, s.Connect(context.Background(), nil, newRecordingListener()), ErrUnauthenticated)
}

func TestSocketCreateAndJoinMatch(t *testing.T) {
	s, _, _ := connectSocket(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m, err := s.CreateMatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m-created", m.ID)
	assert.Equal(t, "user-1", m.Self.UserID)

	m, err = s.JoinMatch(ctx, "sector.alpha", map[string]string{"sector": "alpha"})
	require.NoError(t, err)
	assert.Equal(t, "sector.alpha", m.ID)
	assert.Equal(t, "alpha", m.Label)
	require.Len(t, m.Presences, 1)
	assert.Equal(t, "user-2", m.Presences[0].UserID)
}

func TestSocketJoinMatchError(t *testing.T) {
	s, _, _ := connectSocket(t)

	_, err := s.JoinMatch(context.Background(), "missing", nil)
	var sockErr *SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.Equal(t, "Match not found", sockErr.Message)
}

func TestSocketSendMatchData(t *testing.T) {
	s, f, _ := connectSocket(t)

	require.NoError(t, s.SendMatchData("sector.alpha", 1, []byte{0x94, 0x01}))
	require.NoError(t, s.LeaveMatch("sector.alpha"))

	require.Eventually(t, func() bool { return len(f.messages()) == 2 }, time.Second, 10*time.Millisecond)
	msgs := f.messages()

	require.NotNil(t, msgs[0].MatchDataSend)
	assert.Equal(t, "sector.alpha", msgs[0].MatchDataSend.MatchID)
	assert.Equal(t, opCode(1), msgs[0].MatchDataSend.OpCode)
	assert.Equal(t, []byte{0x94, 0x01}, msgs[0].MatchDataSend.Data)

	require.NotNil(t, msgs[1].MatchLeave)
	assert.Equal(t, "sector.alpha", msgs[1].MatchLeave.MatchID)
}

func TestSocketDeliversServerPushes(t *testing.T) {
	_, f, l := connectSocket(t)

	// op_code строкой, данные в base64
	f.pushRaw(`{"match_data":{"match_id":"m1","presence":{"user_id":"user-2","session_id":"s2","username":"wing"},"op_code":"1","data":"lAE="}}`)
	// op_code числом
	f.pushRaw(`{"match_data":{"match_id":"m1","op_code":7}}`)
	f.pushRaw(`{"match_presence_event":{"match_id":"m1","joins":[{"user_id":"user-3"}],"leaves":[{"user_id":"user-2"}]}}`)
	f.pushRaw(`{"error":{"code":3,"message":"bad input"}}`)

	select {
	case d := <-l.data:
		assert.Equal(t, "m1", d.MatchID)
		assert.Equal(t, int64(1), d.OpCode)
		assert.Equal(t, []byte{0x94, 0x01}, d.Data)
		assert.Equal(t, "user-2", d.Sender.UserID)
	case <-time.After(time.Second):
		t.Fatal("match data not delivered")
	}
	select {
	case d := <-l.data:
		assert.Equal(t, int64(7), d.OpCode)
	case <-time.After(time.Second):
		t.Fatal("numeric op code not delivered")
	}
	select {
	case ev := <-l.presences:
		require.Len(t, ev.Joins, 1)
		require.Len(t, ev.Leaves, 1)
		assert.Equal(t, "user-3", ev.Joins[0].UserID)
		assert.Equal(t, "user-2", ev.Leaves[0].UserID)
	case <-time.After(time.Second):
		t.Fatal("presence not delivered")
	}
	select {
	case msg := <-l.errors:
		assert.Equal(t, "bad input", msg)
	case <-time.After(time.Second):
		t.Fatal("error not delivered")
	}
}

func TestSocketReportsServerDisconnect(t *testing.T) {
	_, f, l := connectSocket(t)

	f.dropConnection()

	select {
	case reason := <-l.disconnects:
		assert.NotEmpty(t, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}
}

func TestSocketDisconnectIsSilent(t *testing.T) {
	s, _, l := connectSocket(t)

	s.Disconnect()
	s.Disconnect()

	select {
	case reason := <-l.disconnects:
		t.Fatalf("unexpected OnDisconnect: %s", reason)
	case <-time.After(100 * time.Millisecond):
	}

	assert.ErrorIs(t, s.SendMatchData("m1", 1, nil), ErrSocketClosed)
	_, err := s.CreateMatch(context.Background())
	assert.ErrorIs(t, err, ErrSocketClosed)
}

func TestSocketWorksWithConnection(t *testing.T) {
	_, srv := newFakeNakama(t)
	defer srv.Close()

	conn := realtime.NewConnection(NewSocketURL(wsURL(srv)), nil, realtime.Options{})
	defer conn.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Connect(ctx, testSession(t)))
	assert.True(t, conn.IsConnected())

	id, err := conn.JoinOrCreateMatch(ctx, "sector.alpha")
	require.NoError(t, err)
	assert.Equal(t, "sector.alpha", id)
}

func TestOpCodeJSON(t *testing.T) {
	data, err := json.Marshal(opCode(42))
	require.NoError(t, err)
	assert.Equal(t, `"42"`, string(data))

	var o opCode
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &o))
	assert.Error(t, json.Unmarshal([]byte(`true`), &o))
}
