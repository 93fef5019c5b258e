package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/wabridge/wabridge/backend"
	"github.com/wabridge/wabridge/supervisor"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

type fakeHandle struct {
	terminated atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
}

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) PID() int              { return 4242 }

type fakeStarter struct {
	spawns  atomic.Int32
	onStart func()
}

func (s *fakeStarter) Start(ctx context.Context) (supervisor.Handle, error) {
	s.spawns.Add(1)
	if s.onStart != nil {
		s.onStart()
	}
	return &fakeHandle{done: make(chan struct{})}, nil
}

func noRetries(r *retryablehttp.Client) { r.RetryMax = 0 }

// newTestBridge wires a bridge against the given backend URL with fast
// supervisor timings and returns it with its artifact directory.
func newTestBridge(t *testing.T, backendURL string, starter supervisor.Starter, opts ...Option) (*Bridge, string) {
	t.Helper()
	dir := t.TempDir()
	client := backend.NewClient(log, backendURL,
		backend.WithProbeTimeout(200*time.Millisecond),
		backend.WithCallTimeout(time.Second),
		backend.WithCustomizeRetryableClient(noRetries),
	)
	artifacts := supervisor.NewArtifacts(dir)
	sup := supervisor.New(log, client, artifacts, starter,
		supervisor.WithTermWait(10*time.Millisecond),
		supervisor.WithSettlePeriod(10*time.Millisecond),
	)
	allOpts := append([]Option{
		WithQRWait(10 * time.Millisecond),
		WithWSThrottle(time.Millisecond),
		WithWatchInterval(20 * time.Millisecond),
	}, opts...)
	b, err := New(client, sup, artifacts, allOpts...)
	require.NoError(t, err)
	return b, dir
}

// downBackend returns a URL that refuses connections.
func downBackend(t *testing.T) string {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	s.Close()
	return s.URL
}

func TestStatusAllFalseWhenBackendAbsent(t *testing.T) {
	b, _ := newTestBridge(t, downBackend(t), &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Get(s.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap supervisor.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.False(t, snap.LoggedIn)
	assert.False(t, snap.QRAvailable)
	assert.False(t, snap.ServerRunning)
}

func TestQRNotFoundAfterRestartAttempt(t *testing.T) {
	starter := &fakeStarter{}
	b, _ := newTestBridge(t, downBackend(t), starter)
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Get(s.URL + "/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), starter.spawns.Load())
}

func TestQRServedWhenAvailable(t *testing.T) {
	b, dir := newTestBridge(t, downBackend(t), &fakeStarter{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, supervisor.DefaultQRFile), []byte("qr-image-bytes"), 0o644))

	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Get(s.URL + "/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "qr-image-bytes", string(body))
}

func TestProxyEndpointsUnavailableWhenBackendDown(t *testing.T) {
	b, _ := newTestBridge(t, downBackend(t), &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Post(s.URL+"/send-message?recipient=%2B1&message=hi", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(s.URL + "/chats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(s.URL + "/chats/bob")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// healthyBackend serves a reachable fake messaging backend.
func healthyBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/send-message", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "recipient": req["recipient"]})
	})
	mux.HandleFunc("/get-chats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"chat1"}]`))
	})
	mux.HandleFunc("/get-chat-history/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"contact": r.URL.Path[len("/get-chat-history/"):],
			"limit":   r.URL.Query().Get("limit"),
		})
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func TestSendMessageProxiesToBackend(t *testing.T) {
	bk := healthyBackend(t)
	b, _ := newTestBridge(t, bk.URL, &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	q := url.Values{"recipient": {"+123"}, "message": {"hello"}}
	resp, err := http.Post(s.URL+"/send-message?"+q.Encode(), "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"recipient":"+123"}`, string(body))
}

func TestSendMessageRequiresParams(t *testing.T) {
	bk := healthyBackend(t)
	b, _ := newTestBridge(t, bk.URL, &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Post(s.URL+"/send-message?recipient=%2B123", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatsProxiesToBackend(t *testing.T) {
	bk := healthyBackend(t)
	b, _ := newTestBridge(t, bk.URL, &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Get(s.URL + "/chats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"chat1"}]`, string(body))
}

func TestChatHistoryDefaultsLimit(t *testing.T) {
	bk := healthyBackend(t)
	b, _ := newTestBridge(t, bk.URL, &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Get(s.URL + "/chats/bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"contact":"bob","limit":"100"}`, string(body))
}

func TestChatHistoryRejectsBadLimit(t *testing.T) {
	bk := healthyBackend(t)
	b, _ := newTestBridge(t, bk.URL, &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Get(s.URL + "/chats/bob?limit=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProxyTransportFailureReturnsServerError(t *testing.T) {
	// The backend answers its status endpoint, so the reachability check
	// passes, but every proxied call dies mid-flight.
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {})
	abort := func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}
	mux.HandleFunc("/send-message", abort)
	mux.HandleFunc("/get-chats", abort)
	bk := httptest.NewServer(mux)
	t.Cleanup(bk.Close)

	b, _ := newTestBridge(t, bk.URL, &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Post(s.URL+"/send-message?recipient=%2B1&message=hi", "", nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, strings.TrimSpace(string(body)))

	resp, err = http.Get(s.URL + "/chats")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, strings.TrimSpace(string(body)))
}

func TestConcurrentStartSpawnsOnce(t *testing.T) {
	// The fake backend only answers its status endpoint once the fake
	// starter has "spawned" it, mirroring a real cold start.
	var spawned atomic.Bool
	bk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !spawned.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	t.Cleanup(bk.Close)

	starter := &fakeStarter{onStart: func() { spawned.Store(true) }}
	b, _ := newTestBridge(t, bk.URL, starter)
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(s.URL + "/start")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()

			var got startResponse
			if !assert.NoError(t, json.NewDecoder(resp.Body).Decode(&got)) {
				return
			}
			assert.Equal(t, "initialized", got.Status)
			assert.True(t, got.ServerRunning)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), starter.spawns.Load())
}

func TestStartReportsFailure(t *testing.T) {
	b, _ := newTestBridge(t, downBackend(t), &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	resp, err := http.Get(s.URL + "/start")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got startResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "error", got.Status)
	assert.False(t, got.ServerRunning)
	assert.NotEmpty(t, got.Message)
}

func TestWSStatusRoundTrip(t *testing.T) {
	bk := healthyBackend(t)
	b, dir := newTestBridge(t, bk.URL, &fakeStarter{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, supervisor.DefaultQRFile), []byte("png"), 0o644))

	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.URL+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("ping")))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var snap supervisor.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.True(t, snap.ServerRunning)
	assert.True(t, snap.QRAvailable)
	assert.False(t, snap.LoggedIn)
}

func TestWSReceivesLoginBroadcast(t *testing.T) {
	bk := healthyBackend(t)
	b, dir := newTestBridge(t, bk.URL, &fakeStarter{})
	require.NoError(t, os.WriteFile(filepath.Join(dir, supervisor.DefaultLoginFlagFile), nil, 0o644))

	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	b.watcher.Start()
	t.Cleanup(b.watcher.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.URL+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.LoginSuccessMessage, string(data))
}

func TestWSDisconnectUnregisters(t *testing.T) {
	bk := healthyBackend(t)
	b, _ := newTestBridge(t, bk.URL, &fakeStarter{})
	s := httptest.NewServer(b.Handler())
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, s.URL+"/ws", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool { return b.hub.Len() == 0 }, time.Second, 10*time.Millisecond)
}
