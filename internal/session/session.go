// Package session owns one client connection's conversational state: the
// lifecycle state machine, inbound event dispatch, the bounded outbound
// writer, and the single-slot barge-in buffer. A session runs at most one
// pipeline turn at a time; a new finalized utterance while a turn is in
// flight cancels the turn and parks the utterance until the cancel settles.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/pipeline"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/turnlog"
	"github.com/voxbridge/voxbridge/pkg/provider/agent"
	"github.com/voxbridge/voxbridge/pkg/provider/persistence"
)

// State is the session lifecycle position. Transitions are driven by inbound
// events and by the frames the pipeline emits.
type State int

const (
	StateConnecting State = iota
	StateIdle
	StateListening
	StateTranscribing
	StateGenerating
	StateSpeaking
	StateCancelling
	StateClosed
)

var stateNames = [...]string{
	"connecting", "idle", "listening", "transcribing",
	"generating", "speaking", "cancelling", "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Defaults for the outbound writer.
const (
	defaultOutboundBuffer = 64
	enqueueGrace          = 200 * time.Millisecond
	errorThrottleWindow   = time.Second
)

// maxUtteranceBytes caps the accumulation buffer. 10 MiB is about five
// minutes of 16 kHz PCM, far past any plausible utterance.
const maxUtteranceBytes = 10 << 20

// Sender writes one encoded frame to the transport. Implementations are
// provided by the broker and must be safe to call from the session's writer
// goroutine only.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// Config assembles a Session.
type Config struct {
	ID     string
	UserID string

	Pipeline *pipeline.Pipeline
	Sender   Sender

	// Settings is the initial per-session profile, usually loaded from the
	// settings store at connect time.
	Settings protocol.VoiceSettings

	// SettingsStore persists settings_update results. Optional; failures are
	// logged and never surfaced to the client.
	SettingsStore persistence.Store

	// HistoryTurns bounds how many completed turns feed the agent prompt.
	HistoryTurns int

	OutboundBuffer int

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

type outFrame struct {
	event   string
	payload any
}

// utterance is one finalized audio buffer waiting to become a turn.
type utterance struct {
	audio      []byte
	format     string
	sampleRate int
}

// Session is one live client conversation.
type Session struct {
	id     string
	userID string

	pipe    *pipeline.Pipeline
	sender  Sender
	store   persistence.Store
	metrics *observe.Metrics
	logger  *slog.Logger

	outbound chan outFrame

	mu       sync.Mutex
	state    State
	settings protocol.VoiceSettings
	history  *History

	// Utterance accumulation for the current listening phase.
	buf        bytes.Buffer
	bufFormat  string
	bufRate    int
	overflowed bool

	// In-flight turn, if any, and the single pending barge-in slot.
	turnCancel context.CancelFunc
	turnDone   chan struct{}
	pending    *utterance

	lastError     map[string]time.Time
	suppressed    map[string]int
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	closeReason   string
	closeOnce     sync.Once
}

var _ pipeline.Emitter = (*Session)(nil)

// New creates a Session. Run must be called before frames are handled.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 8
	}
	// The session context exists from construction on, so a turn started by a
	// frame that races ahead of Run still has a live parent.
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:            cfg.ID,
		userID:        cfg.UserID,
		pipe:          cfg.Pipeline,
		sender:        cfg.Sender,
		store:         cfg.SettingsStore,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("session_id", cfg.ID),
		outbound:      make(chan outFrame, cfg.OutboundBuffer),
		state:         StateConnecting,
		settings:      cfg.Settings,
		history:       NewHistory(cfg.HistoryTurns),
		lastError:     make(map[string]time.Time),
		suppressed:    make(map[string]int),
		sessionCtx:    ctx,
		sessionCancel: cancel,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the user the session was opened for.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Settings returns a copy of the session's current voice settings.
func (s *Session) Settings() protocol.VoiceSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Run drives the outbound writer until ctx is cancelled or Close is called.
// It returns the first transport write error, which the broker treats as a
// dead connection.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	sctx := s.sessionCtx
	if s.state == StateConnecting {
		s.state = StateIdle
	}
	s.mu.Unlock()

	// The caller's context tears the session down; the session context can
	// also end on its own, e.g. on a slow-consumer disconnect.
	stop := context.AfterFunc(ctx, s.sessionCancel)
	defer stop()

	s.metrics.ActiveSessions.Add(sctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(sctx), -1)
	defer s.Close()

	for {
		select {
		case <-sctx.Done():
			return nil
		case f := <-s.outbound:
			msg, err := protocol.Encode(f.event, f.payload)
			if err != nil {
				s.logger.Error("encode outbound frame", "event", f.event, "error", err)
				continue
			}
			if err := s.sender.Send(sctx, msg); err != nil {
				if sctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Close tears the session down: cancels any in-flight turn and stops the
// writer. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		cancelTurn := s.turnCancel
		cancel := s.sessionCancel
		s.pending = nil
		s.mu.Unlock()
		if cancelTurn != nil {
			cancelTurn()
		}
		if cancel != nil {
			cancel()
		}
	})
}

// CloseReason reports why the session was torn down server-side, e.g.
// "slow_consumer". Empty when the close was client-driven or normal.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// fatal records a server-side close reason and ends the session context. The
// broker picks the reason up and puts it in the websocket close frame.
func (s *Session) fatal(reason string) {
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	cancel := s.sessionCancel
	s.mu.Unlock()
	cancel()
}

// Wait blocks until the in-flight turn, if any, has sealed. Used by the
// broker's shutdown drain.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.turnDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// HandleMessage dispatches one raw inbound text message. Unknown events and
// malformed frames produce error frames without closing the session.
func (s *Session) HandleMessage(raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		s.emitError(protocol.ReasonBadFrame, "", err.Error())
		return
	}

	switch frame.Event {
	case protocol.EventAudioChunk:
		var chunk protocol.AudioChunk
		if err := frame.DecodeData(&chunk); err != nil {
			s.emitError(protocol.ReasonBadFrame, "", err.Error())
			return
		}
		s.handleAudioChunk(chunk)

	case protocol.EventInterrupt:
		var in protocol.Interrupt
		if err := frame.DecodeData(&in); err != nil {
			s.emitError(protocol.ReasonBadFrame, "", err.Error())
			return
		}
		s.handleInterrupt(in.Reason)

	case protocol.EventSettingsUpdate:
		var upd protocol.SettingsUpdate
		if err := frame.DecodeData(&upd); err != nil {
			s.emitError(protocol.ReasonBadFrame, "", err.Error())
			return
		}
		s.handleSettingsUpdate(upd)

	case protocol.EventPing:
		var ping protocol.Ping
		if err := frame.DecodeData(&ping); err != nil {
			s.emitError(protocol.ReasonBadFrame, "", err.Error())
			return
		}
		s.Emit(protocol.EventPong, protocol.Pong{TS: ping.TS})

	default:
		s.emitError(protocol.ReasonUnknownEvent, "", frame.Event)
	}
}

// HandleBinary rejects a binary transport message without disconnecting.
func (s *Session) HandleBinary() {
	s.emitError(protocol.ReasonUnsupportedBinary, "", "")
}

func (s *Session) handleAudioChunk(chunk protocol.AudioChunk) {
	s.metrics.FramesReceived.Add(context.Background(), 1)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}

	if len(chunk.Audio) > 0 {
		if s.buf.Len()+len(chunk.Audio) > maxUtteranceBytes {
			s.overflowed = true
		} else {
			if s.buf.Len() == 0 {
				s.bufFormat = chunk.Format
				s.bufRate = chunk.SampleRate
				if chunk.Compression != nil && chunk.Compression.Codec != "" {
					s.bufFormat = chunk.Compression.Codec
				}
			}
			s.buf.Write(chunk.Audio)
		}
		if s.state == StateIdle {
			s.state = StateListening
		}
	}

	if !chunk.IsFinal {
		s.mu.Unlock()
		return
	}

	utt := &utterance{
		audio:      bytes.Clone(s.buf.Bytes()),
		format:     s.bufFormat,
		sampleRate: s.bufRate,
	}
	overflowed := s.overflowed
	s.buf.Reset()
	s.bufFormat = ""
	s.bufRate = 0
	s.overflowed = false

	if overflowed {
		s.mu.Unlock()
		s.emitError(protocol.ReasonDecodeFailed, "", "utterance exceeds size limit")
		return
	}
	if len(utt.audio) == 0 {
		s.mu.Unlock()
		s.emitError(protocol.ReasonDecodeFailed, "", "empty utterance")
		return
	}

	if s.turnCancel != nil {
		// Barge-in. Cancel the running turn; latest final wins the slot.
		s.pending = utt
		s.state = StateCancelling
		cancel := s.turnCancel
		s.mu.Unlock()
		cancel()
		return
	}

	s.startTurnLocked(utt)
	s.mu.Unlock()
}

func (s *Session) handleInterrupt(reason string) {
	s.mu.Lock()
	cancel := s.turnCancel
	s.pending = nil
	if cancel != nil {
		s.state = StateCancelling
	}
	s.mu.Unlock()
	if cancel != nil {
		s.logger.Info("turn interrupted by client", "reason", reason)
		cancel()
	}
}

func (s *Session) handleSettingsUpdate(upd protocol.SettingsUpdate) {
	s.mu.Lock()
	merged, err := s.settings.Apply(upd)
	if err != nil {
		s.mu.Unlock()
		s.emitError(protocol.ReasonBadFrame, "", err.Error())
		return
	}
	s.settings = merged
	s.mu.Unlock()

	s.Emit(protocol.EventSettingsAck, protocol.SettingsAck{Settings: merged})
	s.persistSettings(merged)
}

// persistSettings mirrors the applied settings, best effort.
func (s *Session) persistSettings(settings protocol.VoiceSettings) {
	if s.store == nil || s.userID == "" {
		return
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		s.logger.Error("marshal settings", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		rec := persistence.SettingsRecord{
			UserID:    s.userID,
			Settings:  raw,
			UpdatedAt: time.Now(),
		}
		if err := s.store.SaveSettings(ctx, rec); err != nil {
			s.logger.Warn("persist settings failed", "user_id", s.userID, "error", err)
		}
	}()
}

// startTurnLocked launches the pipeline for utt. Caller holds s.mu.
func (s *Session) startTurnLocked(utt *utterance) {
	ctx, cancel := context.WithCancel(s.sessionCtx)
	done := make(chan struct{})
	s.turnCancel = cancel
	s.turnDone = done
	s.state = StateTranscribing

	turn := pipeline.Turn{
		TurnID:     uuid.NewString(),
		SessionID:  s.id,
		UserID:     s.userID,
		Audio:      utt.audio,
		Format:     utt.format,
		SampleRate: utt.sampleRate,
		Settings:   s.settings,
		History:    s.history.Messages(),
		StartedAt:  time.Now(),
		Sink:       s,
	}

	go func() {
		defer close(done)
		rec, err := s.pipe.Run(ctx, turn)
		if err != nil {
			s.logger.Error("turn seal failed", "turn_id", turn.TurnID, "error", err)
		}
		cancel()
		s.finishTurn(rec)
	}()
}

// finishTurn folds the sealed record into history and starts the pending
// barge-in utterance, if one is parked.
func (s *Session) finishTurn(rec turnlog.Turn) {
	s.mu.Lock()
	s.turnCancel = nil
	s.turnDone = nil

	if rec.Status == turnlog.StatusCompleted || rec.Status == turnlog.StatusInterrupted {
		if rec.Transcription != "" && rec.Response != "" {
			s.history.Add(
				agent.Message{Role: agent.RoleUser, Content: rec.Transcription},
				agent.Message{Role: agent.RoleAssistant, Content: rec.Response},
			)
		}
	}

	if s.state != StateClosed {
		// A cancelled turn means the client is already talking over the
		// reply, so the ack lands back in listening rather than idle.
		if rec.Status == turnlog.StatusInterrupted {
			s.state = StateListening
		} else {
			s.state = StateIdle
		}
	}

	next := s.pending
	s.pending = nil
	if next != nil && s.state != StateClosed {
		s.startTurnLocked(next)
	}
	s.mu.Unlock()
}

// Emit queues one outbound frame. On a full buffer the oldest queued
// non-audio frame is evicted first; when that frees no slot, non-audio
// frames are dropped outright while audio frames get a short grace period
// and then disconnect the session as a slow consumer. Returns false when
// the frame was not queued.
func (s *Session) Emit(event string, payload any) bool {
	s.observeFrame(event)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	ctx := s.sessionCtx
	f := outFrame{event: event, payload: payload}

	select {
	case s.outbound <- f:
		s.mu.Unlock()
		return true
	default:
	}
	if s.evictOldestControlLocked() {
		select {
		case s.outbound <- f:
			s.mu.Unlock()
			return true
		default:
		}
	}
	s.mu.Unlock()

	if event != protocol.EventTTSChunk {
		s.metrics.RecordDrop(context.Background(), event)
		s.logger.Warn("outbound buffer full, dropping frame", "event", event)
		return false
	}

	timer := time.NewTimer(enqueueGrace)
	defer timer.Stop()
	select {
	case s.outbound <- f:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		s.metrics.RecordDrop(context.Background(), event)
		s.logger.Warn("outbound stalled past grace, disconnecting slow consumer")
		s.fatal(protocol.ReasonSlowConsumer)
		return false
	}
}

// evictOldestControlLocked discards the oldest queued non-audio frame so an
// audio frame can take its slot, keeping the relative order of everything it
// puts back. Caller holds s.mu; the writer goroutine only ever receives, and
// all sends happen under the lock, so the cycle below cannot block.
func (s *Session) evictOldestControlLocked() bool {
	evicted := false
	for range len(s.outbound) {
		var f outFrame
		select {
		case f = <-s.outbound:
		default:
			return evicted
		}
		if !evicted && f.event != protocol.EventTTSChunk {
			evicted = true
			s.metrics.RecordDrop(context.Background(), f.event)
			continue
		}
		s.outbound <- f
	}
	return evicted
}

// observeFrame advances the state machine from the server-side frame flow.
func (s *Session) observeFrame(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	switch event {
	case protocol.EventTranscription:
		s.state = StateGenerating
	case protocol.EventAgentResponse, protocol.EventTTSChunk:
		s.state = StateSpeaking
	}
}

// emitError sends an error frame, throttled per reason to one per second.
// Suppressed repeats are counted and reported in the next allowed frame's
// detail.
func (s *Session) emitError(reason, stage, detail string) {
	s.mu.Lock()
	now := time.Now()
	if last, ok := s.lastError[reason]; ok && now.Sub(last) < errorThrottleWindow {
		s.suppressed[reason]++
		s.mu.Unlock()
		return
	}
	s.lastError[reason] = now
	if n := s.suppressed[reason]; n > 0 {
		s.suppressed[reason] = 0
		if detail != "" {
			detail += "; "
		}
		detail += "suppressed " + strconv.Itoa(n) + " earlier occurrences"
	}
	s.mu.Unlock()

	s.metrics.RecordError(context.Background(), reason)
	s.Emit(protocol.EventError, protocol.Error{
		Reason: reason,
		Stage:  stage,
		Detail: detail,
	})
}
