package feed

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gqlbuild/artifact"
	"gqlbuild/coordinator"
	"gqlbuild/session"
	"gqlbuild/tracker"
)

type stubBuilder struct {
	mu         sync.Mutex
	generation int64
	fail       error
}

func (b *stubBuilder) build() (*artifact.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	b.generation++
	a := artifact.New()
	a.Elements["a.ts::a"] = artifact.Element{ID: "a.ts::a", Type: artifact.KindModel, Prebuild: artifact.Model{Typename: "User"}}
	return a, nil
}

func (b *stubBuilder) Build(context.Context, session.BuildOptions) (*artifact.Artifact, error) {
	return b.build()
}

func (b *stubBuilder) Update(context.Context, tracker.ChangeSet) (*artifact.Artifact, error) {
	return b.build()
}

func (b *stubBuilder) Generation() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

func newTestServer(t *testing.T, b *stubBuilder) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(coordinator.New(b, coordinator.Options{}), Options{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func TestHTTPRoutes(t *testing.T) {
	_, ts := newTestServer(t, &stubBuilder{})

	resp, err := http.Get(ts.URL + "/api/snapshot")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/build", "application/json", nil)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, int64(1), msg.Generation)
	assert.Equal(t, 1, msg.Elements)

	resp, err = http.Get(ts.URL + "/api/artifact")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	decoded, err := artifact.Decode(body)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts::a"}, decoded.IDs())
}

func TestBuildFailureIsReported(t *testing.T) {
	_, ts := newTestServer(t, &stubBuilder{fail: errors.New("ENTRY_NOT_FOUND: no files")})

	resp, err := http.Post(ts.URL+"/api/build", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var msg Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "error", msg.Type)
	assert.Contains(t, msg.Error, "ENTRY_NOT_FOUND")
}

func TestFeedStreamsEvents(t *testing.T) {
	b := &stubBuilder{}
	s, ts := newTestServer(t, b)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 10*time.Millisecond)

	_, err = s.coord.EnsureLatest(context.Background())
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "snapshot", msg.Type)
	assert.Equal(t, "build", msg.Kind)
	assert.Equal(t, []string{"a.ts::a"}, msg.Added)

	b.mu.Lock()
	b.fail = errors.New("boom")
	b.mu.Unlock()
	_, err = s.coord.Update(context.Background(), tracker.ChangeSet{})
	require.Error(t, err)

	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "boom", msg.Error)
	assert.Equal(t, int64(1), msg.Generation, "the failed build reports the snapshot still current")
}

func TestFeedSendsCurrentSnapshotOnConnect(t *testing.T) {
	s, ts := newTestServer(t, &stubBuilder{})
	_, err := s.coord.EnsureLatest(context.Background())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, int64(1), msg.Generation)
	assert.Empty(t, msg.Added)
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, ts := newTestServer(t, &stubBuilder{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 10*time.Millisecond)

	s.Close()
	assert.Equal(t, 0, s.Clients())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
