// Package bridge exposes the supervisor and the messaging backend over
// HTTP: manual start/QR/status endpoints, pass-through send/chats/history
// proxying, and a WebSocket channel for status pushes.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wabridge/wabridge/backend"
	"github.com/wabridge/wabridge/bridge/hub"
	"github.com/wabridge/wabridge/supervisor"
)

// Bridge is the HTTP front for the supervised messaging backend.
type Bridge struct {
	logger *zap.SugaredLogger

	listenAddr    string
	qrWait        time.Duration
	wsThrottle    time.Duration
	watchInterval time.Duration

	backend   *backend.Client
	sup       *supervisor.Supervisor
	artifacts *supervisor.Artifacts
	agg       *supervisor.Aggregator
	hub       *hub.Hub
	watcher   *supervisor.Watcher

	httpServer *http.Server
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Bridge) {
		b.logger = b.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func WithListenAddr(s string) Option {
	return func(b *Bridge) {
		b.listenAddr = s
	}
}

// WithQRWait sets how long /qr waits for the QR image to appear after
// triggering a restart.
func WithQRWait(d time.Duration) Option {
	return func(b *Bridge) {
		b.qrWait = d
	}
}

// WithWSThrottle sets the pause after each /ws status reply, keeping a
// chatty client from turning the status check into a tight loop.
func WithWSThrottle(d time.Duration) Option {
	return func(b *Bridge) {
		b.wsThrottle = d
	}
}

func WithWatchInterval(d time.Duration) Option {
	return func(b *Bridge) {
		b.watchInterval = d
	}
}

// New constructs a Bridge around the given collaborators. The background
// watcher is owned by the bridge and runs for the bridge's lifetime.
func New(backendClient *backend.Client, sup *supervisor.Supervisor, artifacts *supervisor.Artifacts, opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		logger:     logger.Named("bridge").Sugar(),
		listenAddr: "0.0.0.0:8000",
		qrWait:     2 * time.Second,
		wsThrottle: 500 * time.Millisecond,
		backend:    backendClient,
		sup:        sup,
		artifacts:  artifacts,
	}
	for _, o := range opts {
		o(b)
	}
	b.agg = &supervisor.Aggregator{Probe: backendClient, Artifacts: artifacts}
	b.hub = hub.New(b.logger)
	b.watcher = supervisor.NewWatcher(b.logger, sup, backendClient, artifacts, b.hub, b.watchInterval)
	return b, nil
}

// Handler returns the route table, exposed separately so tests can mount
// it on an httptest server.
func (b *Bridge) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/start", b.start)
	router.GET("/qr", b.qr)
	router.GET("/status", b.status)
	router.POST("/send-message", b.sendMessage)
	router.GET("/chats", b.chats)
	router.GET("/chats/:contact", b.chatHistory)
	router.GET("/ws", b.ws)
	return router
}

// Run starts the background watcher, nudges the backend once, and serves
// HTTP until Stop is called.
func (b *Bridge) Run() error {
	b.watcher.Start()
	go func() {
		// Startup nudge; the watcher takes over from here.
		b.sup.EnsureRunning(context.Background())
	}()

	listener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	server := &http.Server{Handler: b.Handler()}
	b.httpServer = server

	b.logger.Infow("serving", "Addr", b.listenAddr)
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the HTTP server, joins the watcher loop, and terminates any
// tracked backend process.
func (b *Bridge) Stop() error {
	var err error
	if b.httpServer != nil {
		err = b.httpServer.Close()
	}
	b.watcher.Stop()
	b.sup.Shutdown()
	return err
}

type startResponse struct {
	Status        string `json:"status"`
	ServerRunning bool   `json:"server_running"`
	Message       string `json:"message,omitempty"`
}

func (b *Bridge) start(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if b.sup.EnsureRunning(r.Context()) {
		b.writeJSON(w, http.StatusOK, startResponse{Status: "initialized", ServerRunning: true})
		return
	}
	b.writeJSON(w, http.StatusOK, startResponse{
		Status:        "error",
		ServerRunning: false,
		Message:       "could not start backend process",
	})
}

func (b *Bridge) qr(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if b.artifacts.QRAvailable() {
		http.ServeFile(w, r, b.artifacts.QRPath())
		return
	}

	// Give the backend one restart and a short window to produce the code.
	if b.sup.EnsureRunning(r.Context()) {
		select {
		case <-time.After(b.qrWait):
		case <-r.Context().Done():
		}
		if b.artifacts.QRAvailable() {
			http.ServeFile(w, r, b.artifacts.QRPath())
			return
		}
	}

	http.Error(w, "QR not generated yet", http.StatusNotFound)
}

func (b *Bridge) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	b.writeJSON(w, http.StatusOK, b.agg.Snapshot(r.Context()))
}

func (b *Bridge) sendMessage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	recipient := q.Get("recipient")
	message := q.Get("message")
	if recipient == "" || message == "" {
		http.Error(w, "recipient and message are required", http.StatusBadRequest)
		return
	}

	if !b.sup.EnsureRunning(r.Context()) {
		http.Error(w, "messaging backend not available", http.StatusServiceUnavailable)
		return
	}

	body, err := b.backend.SendMessage(r.Context(), recipient, message)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b.writeProxied(w, body)
}

func (b *Bridge) chats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !b.sup.EnsureRunning(r.Context()) {
		http.Error(w, "messaging backend not available", http.StatusServiceUnavailable)
		return
	}

	body, err := b.backend.Chats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b.writeProxied(w, body)
}

func (b *Bridge) chatHistory(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	contact := params.ByName("contact")

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	if !b.sup.EnsureRunning(r.Context()) {
		http.Error(w, "messaging backend not available", http.StatusServiceUnavailable)
		return
	}

	body, err := b.backend.ChatHistory(r.Context(), contact, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b.writeProxied(w, body)
}

func (b *Bridge) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Debugf("marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// writeProxied relays a backend response body verbatim.
func (b *Bridge) writeProxied(w http.ResponseWriter, body []byte) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		b.logger.Debugf("writing proxied response: %s", err)
	}
}
