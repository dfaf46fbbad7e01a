// Package broker accepts WebSocket connections and binds each one to a
// session. It enforces the connection limit, the origin allowlist, and the
// idle timeout, and serves the operational HTTP endpoints next to the
// WebSocket route.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/pipeline"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/pkg/provider/persistence"
)

// Handshake retry policy for the connected frame. The first write after
// accept occasionally races with the transport becoming writable.
const (
	connectedRetries = 3
	connectedBackoff = 50 * time.Millisecond
)

// drainGrace is how long Shutdown lets in-flight turns finish before their
// contexts are cancelled.
const drainGrace = 200 * time.Millisecond

// Config assembles a Broker.
type Config struct {
	Pipeline *pipeline.Pipeline

	// SettingsStore loads persisted voice settings at connect time and
	// receives settings updates. Optional.
	SettingsStore persistence.Store

	// DefaultSettings seeds sessions with no persisted profile. The zero
	// value means protocol.DefaultVoiceSettings.
	DefaultSettings protocol.VoiceSettings

	// OriginAllowlist lists origin patterns accepted during the WebSocket
	// handshake. "*" disables the origin check entirely.
	OriginAllowlist []string

	// MaxSessions bounds concurrent sessions; connections past the limit are
	// refused with a connection_limit error. Zero means 100.
	MaxSessions int

	// IdleTimeout closes sessions with no inbound traffic. Zero means 15
	// minutes.
	IdleTimeout time.Duration

	// HistoryTurns is passed through to each session.
	HistoryTurns int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Broker owns the accept path and the live session registry.
type Broker struct {
	cfg  Config
	sem  *semaphore.Weighted
	slog *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	draining bool
}

// New creates a Broker.
func New(cfg Config) *Broker {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.DefaultSettings == (protocol.VoiceSettings{}) {
		cfg.DefaultSettings = protocol.DefaultVoiceSettings()
	}
	return &Broker{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxSessions)),
		slog:     cfg.Logger,
		sessions: make(map[string]*session.Session),
	}
}

// Handler returns the HTTP mux: the WebSocket route plus health, readiness
// and metrics endpoints.
func (b *Broker) Handler() http.Handler {
	checks := []health.Checker{{
		Name: "capacity",
		Check: func(context.Context) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.draining {
				return errors.New("draining")
			}
			return nil
		},
	}}
	if b.cfg.SettingsStore != nil {
		checks = append(checks, health.Checker{
			Name: "persistence",
			Check: func(ctx context.Context) error {
				_, err := b.cfg.SettingsStore.LoadSettings(ctx, "healthcheck")
				if errors.Is(err, persistence.ErrNotFound) {
					return nil
				}
				return err
			},
		})
	}
	h := health.New(checks...)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	h.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return mux
}

// SessionCount returns the number of live sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: b.cfg.OriginAllowlist}
	for _, p := range b.cfg.OriginAllowlist {
		if p == "*" {
			opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
			break
		}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		b.slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := r.Context()

	if !b.sem.TryAcquire(1) {
		b.refuse(ctx, conn, protocol.ReasonConnectionLimit)
		return
	}
	defer b.sem.Release(1)

	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		b.refuse(ctx, conn, protocol.ReasonConnectionLimit)
		return
	}
	b.mu.Unlock()

	userID := r.URL.Query().Get("user_id")
	sessionID := uuid.NewString()
	logger := b.slog.With("session_id", sessionID, "user_id", userID)

	if err := b.sendConnected(ctx, conn, sessionID); err != nil {
		logger.Warn("handshake failed", "error", err)
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	sess := session.New(session.Config{
		ID:            sessionID,
		UserID:        userID,
		Pipeline:      b.cfg.Pipeline,
		Sender:        wsSender{conn},
		Settings:      b.loadSettings(ctx, userID),
		SettingsStore: b.cfg.SettingsStore,
		HistoryTurns:  b.cfg.HistoryTurns,
		Metrics:       b.cfg.Metrics,
		Logger:        b.cfg.Logger,
	})

	b.register(sess)
	defer b.unregister(sessionID)

	logger.Info("session opened", "remote", r.RemoteAddr)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		err := sess.Run(sessCtx)
		// A writer exit (e.g. slow-consumer disconnect) also ends the read
		// loop, which otherwise sits in conn.Read until the idle timeout.
		cancel()
		writeErr <- err
	}()

	err = b.readLoop(sessCtx, conn, sess)
	sess.Close()
	cancel()

	if werr := <-writeErr; werr != nil && err == nil {
		err = werr
	}

	if reason := sess.CloseReason(); reason != "" {
		logger.Warn("session closed", "reason", reason)
		conn.Close(websocket.StatusPolicyViolation, reason)
		return
	}

	status := websocket.CloseStatus(err)
	switch {
	case err == nil, status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		logger.Info("session closed")
	case errors.Is(err, errIdleTimeout):
		logger.Info("session closed", "reason", "idle timeout")
	default:
		logger.Warn("session closed", "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

var errIdleTimeout = errors.New("broker: idle timeout")

// readLoop pumps inbound messages into the session until the connection
// drops, the context ends, or the idle timeout fires.
func (b *Broker) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, b.cfg.IdleTimeout)
		typ, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return errIdleTimeout
			}
			return err
		}
		if typ == websocket.MessageBinary {
			sess.HandleBinary()
			continue
		}
		sess.HandleMessage(data)
	}
}

// sendConnected writes the handshake frame, retrying on transient write
// failures.
func (b *Broker) sendConnected(ctx context.Context, conn *websocket.Conn, sessionID string) error {
	msg, err := protocol.Encode(protocol.EventConnected, protocol.Connected{
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		err = conn.Write(ctx, websocket.MessageText, msg)
		if err == nil {
			return nil
		}
		if attempt >= connectedRetries-1 || ctx.Err() != nil {
			return err
		}
		time.Sleep(connectedBackoff)
	}
}

// refuse sends a connection_limit error and closes.
func (b *Broker) refuse(ctx context.Context, conn *websocket.Conn, reason string) {
	msg, err := protocol.Encode(protocol.EventError, protocol.Error{Reason: reason})
	if err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, msg)
		cancel()
	}
	conn.Close(websocket.StatusPolicyViolation, reason)
}

// loadSettings resolves the connect-time voice settings for a user: the
// persisted profile when one exists, defaults otherwise.
func (b *Broker) loadSettings(ctx context.Context, userID string) protocol.VoiceSettings {
	defaults := b.cfg.DefaultSettings
	if b.cfg.SettingsStore == nil || userID == "" {
		return defaults
	}
	loadCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rec, err := b.cfg.SettingsStore.LoadSettings(loadCtx, userID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			b.slog.Warn("load settings failed", "user_id", userID, "error", err)
		}
		return defaults
	}
	settings := defaults
	if err := json.Unmarshal(rec.Settings, &settings); err != nil {
		b.slog.Warn("persisted settings unreadable", "user_id", userID, "error", err)
		return defaults
	}
	if err := settings.Validate(); err != nil {
		b.slog.Warn("persisted settings out of range", "user_id", userID, "error", err)
		return defaults
	}
	return settings
}

func (b *Broker) register(s *session.Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.ID()] = s
}

func (b *Broker) unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

// Shutdown stops accepting sessions, gives in-flight turns a short grace
// period, then closes everything. Turns still running after the grace are
// cancelled and seal as disconnected.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	b.draining = true
	open := make([]*session.Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()

	if len(open) == 0 {
		return
	}
	b.slog.Info("draining sessions", "count", len(open))

	timer := time.NewTimer(drainGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	var wg sync.WaitGroup
	for _, s := range open {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
			s.Wait()
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// wsSender adapts a websocket connection to the session's Sender.
type wsSender struct {
	conn *websocket.Conn
}

func (w wsSender) Send(ctx context.Context, frame []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, frame)
}
