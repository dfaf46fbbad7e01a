// Package pipeline executes exactly one conversation turn start to finish:
// decode to canonical PCM, validate, transcribe, generate, synthesize, and
// stream the audio back through the session's outbound channel. The turn's
// context is the cancellation token; barge-in and timeouts both arrive as
// context cancellation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/transcript"
	"github.com/voxbridge/voxbridge/internal/turnlog"
	"github.com/voxbridge/voxbridge/internal/vad"
	"github.com/voxbridge/voxbridge/pkg/audio"
	"github.com/voxbridge/voxbridge/pkg/provider/agent"
	"github.com/voxbridge/voxbridge/pkg/provider/asr"
	"github.com/voxbridge/voxbridge/pkg/provider/cache"
	"github.com/voxbridge/voxbridge/pkg/provider/persistence"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// Per-adapter and whole-turn deadlines.
const (
	DefaultASRTimeout   = 10 * time.Second
	DefaultAgentTimeout = 30 * time.Second
	DefaultTTSTimeout   = 30 * time.Second
	DefaultTurnTimeout  = 60 * time.Second
)

// maxCacheableReplyLen bounds which replies get their audio cached; long
// replies are unlikely to repeat verbatim.
const maxCacheableReplyLen = 200

// Emitter delivers outbound frames for one session. Emit returns false when
// the session is gone and the turn should stop producing output.
type Emitter interface {
	Emit(event string, payload any) bool
}

// Turn is the input to one pipeline run: a closed utterance buffer plus the
// session state the stages need.
type Turn struct {
	TurnID    string
	SessionID string
	UserID    string

	// Audio is the complete utterance as received, still in the client's
	// declared format.
	Audio      []byte
	Format     string
	SampleRate int

	Settings protocol.VoiceSettings
	History  []agent.Message

	StartedAt time.Time

	// Sink receives every frame the turn produces.
	Sink Emitter
}

// Options configures a Pipeline. Zero fields take defaults.
type Options struct {
	ASRTimeout   time.Duration
	AgentTimeout time.Duration
	TTSTimeout   time.Duration
	TurnTimeout  time.Duration

	// SystemPrompt, Temperature and MaxTokens are passed through to the
	// agent on every turn.
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// Tools the agent may call while generating a reply.
	Tools []agent.ToolDefinition

	// Corrector optionally post-processes ASR output.
	Corrector *transcript.Corrector

	// AudioCache optionally replays synthesized audio for repeated replies.
	AudioCache cache.Cache

	// Mirror optionally copies sealed turns to durable storage. Failures are
	// logged, never fatal.
	Mirror persistence.Store

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Pipeline runs turns. Safe for concurrent use; one Run per session at a
// time is the session's responsibility, many sessions run concurrently.
type Pipeline struct {
	asr   asr.Provider
	agent agent.Provider
	tts   tts.Provider

	log     *turnlog.Log
	opts    Options
	metrics *observe.Metrics
	logger  *slog.Logger
}

// New creates a Pipeline over the given collaborators.
func New(asrP asr.Provider, agentP agent.Provider, ttsP tts.Provider, log *turnlog.Log, opts Options) *Pipeline {
	if opts.ASRTimeout <= 0 {
		opts.ASRTimeout = DefaultASRTimeout
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = DefaultAgentTimeout
	}
	if opts.TTSTimeout <= 0 {
		opts.TTSTimeout = DefaultTTSTimeout
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	return &Pipeline{
		asr:     asrP,
		agent:   agentP,
		tts:     ttsP,
		log:     log,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// Run executes one turn. The returned record is the sealed turn as appended
// to the turn log; the caller uses its Transcription and Response fields to
// extend the conversation history. Run never returns an error for per-turn
// adapter failures (those end in error frames and an error-status record);
// the error return reports sealing problems only.
func (p *Pipeline) Run(ctx context.Context, turn Turn) (turnlog.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.TurnTimeout)
	defer cancel()

	ctx, span := observe.StartTurn(ctx, turn.SessionID, turn.TurnID)

	p.metrics.InFlightTurns.Add(ctx, 1)
	defer p.metrics.InFlightTurns.Add(ctx, -1)

	started := turn.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	rec := turnlog.Turn{
		TurnID:    turn.TurnID,
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		StartedAt: started,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("turn pipeline panic",
					"session_id", turn.SessionID,
					"turn_id", turn.TurnID,
					"panic", r,
					"stack", string(debug.Stack()))
				turn.emitError(p, protocol.ReasonInternal, "", "")
				rec.Status = turnlog.StatusError
				rec.ErrorReason = protocol.ReasonInternal
			}
		}()
		p.run(ctx, turn, &rec)
	}()

	rec.CompletedAt = time.Now()
	observe.EndTurn(span, rec.Status)

	turnStart := context.WithoutCancel(ctx)
	observe.ObserveStage(turnStart, p.metrics.TurnDuration, rec.CompletedAt.Sub(started))
	p.metrics.RecordTurn(turnStart, rec.Status)

	if err := p.log.Append(rec); err != nil {
		return rec, fmt.Errorf("pipeline: seal turn: %w", err)
	}
	p.mirror(turnStart, rec)
	return rec, nil
}

// run executes the stages, filling rec in place. All failure paths emit
// their frame and set rec's status before returning.
func (p *Pipeline) run(ctx context.Context, turn Turn, rec *turnlog.Turn) {
	emit := turn.emitter(p)

	// ── Decode ───────────────────────────────────────────────────────────

	pcm, rate, err := decode(turn.Audio, turn.Format, turn.SampleRate)
	if err != nil {
		p.fail(turn, rec, protocol.ReasonDecodeFailed, "", err)
		return
	}

	// ── Validate ─────────────────────────────────────────────────────────

	validateStart := time.Now()
	_, vspan := observe.StartStage(ctx, "validate")
	verdict := vad.Validate(pcm, rate, vadConfig(turn.Settings))
	vspan.End()
	observe.ObserveStage(ctx, p.metrics.ValidateDuration, time.Since(validateStart))

	rec.Energy = verdict.EnergyRMS
	rec.SpeechRatio = verdict.SpeechRatio

	if !verdict.Accepted {
		p.metrics.RecordRejection(ctx, verdict.Reason)
		p.logger.Info("utterance rejected",
			"session_id", turn.SessionID,
			"turn_id", turn.TurnID,
			"reason", verdict.Reason,
			"energy", verdict.EnergyRMS,
			"speech_ratio", verdict.SpeechRatio)
		emit(protocol.EventValidationRejected, protocol.ValidationRejected{
			Reason:      verdict.Reason,
			Energy:      verdict.EnergyRMS,
			SpeechRatio: verdict.SpeechRatio,
		})
		rec.Status = turnlog.StatusRejected
		rec.ErrorReason = verdict.Reason
		return
	}

	p.logger.Info("utterance accepted",
		"session_id", turn.SessionID,
		"turn_id", turn.TurnID,
		"trace_id", observe.TraceID(ctx),
		"energy", verdict.EnergyRMS,
		"speech_ratio", verdict.SpeechRatio,
		"bytes", len(pcm))

	// ── Transcribe ───────────────────────────────────────────────────────

	if rate != audio.CanonicalRate {
		pcm = audio.ResampleMono16(pcm, rate, audio.CanonicalRate)
		rate = audio.CanonicalRate
	}

	asrStart := time.Now()
	text, err := p.transcribe(ctx, pcm, rate)
	rec.ASRMs = time.Since(asrStart).Milliseconds()
	observe.ObserveStage(ctx, p.metrics.ASRDuration, time.Since(asrStart))
	if err != nil {
		p.failStage(ctx, turn, rec, "asr", protocol.ReasonNoTranscription, err)
		return
	}
	if text == "" {
		p.fail(turn, rec, protocol.ReasonNoTranscription, "asr", nil)
		return
	}
	if p.opts.Corrector != nil {
		text = p.opts.Corrector.Correct(text)
	}
	rec.Transcription = text

	if !emit(protocol.EventTranscription, protocol.Transcription{
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}) {
		rec.Status = turnlog.StatusError
		rec.ErrorReason = protocol.ReasonDisconnect
		return
	}

	// ── Generate + Synthesize + Stream ───────────────────────────────────

	if sp, ok := p.agent.(agent.StreamingProvider); ok {
		p.runStreaming(ctx, turn, rec, emit, sp, text)
		return
	}
	p.runBuffered(ctx, turn, rec, emit, text)
}

// transcribe calls the ASR adapter under its own deadline.
func (p *Pipeline) transcribe(ctx context.Context, pcm []byte, rate int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ASRTimeout)
	defer cancel()
	ctx, span := observe.StartStage(ctx, "asr")
	text, err := p.asr.Transcribe(ctx, pcm, rate)
	observe.EndStage(span, err)
	return text, err
}

// agentRequest assembles the per-turn request from pipeline options and the
// session's history.
func (p *Pipeline) agentRequest(text string, history []agent.Message) agent.Request {
	return agent.Request{
		SystemPrompt: p.opts.SystemPrompt,
		History:      history,
		UserText:     text,
		Temperature:  p.opts.Temperature,
		MaxTokens:    p.opts.MaxTokens,
		Tools:        p.opts.Tools,
	}
}

// fail emits an error frame and marks the record failed.
func (p *Pipeline) fail(turn Turn, rec *turnlog.Turn, reason, stage string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
		p.logger.Warn("turn failed",
			"session_id", turn.SessionID,
			"turn_id", turn.TurnID,
			"reason", reason,
			"stage", stage,
			"error", err)
	}
	turn.emitError(p, reason, stage, detail)
	rec.Status = turnlog.StatusError
	rec.ErrorReason = reason
}

// failStage distinguishes timeouts and cancellation from adapter failures
// before emitting. A cancelled stage means barge-in or interrupt arrived
// before any audio went out; the grammar's terminal frame for that is
// streaming_interrupted.
func (p *Pipeline) failStage(ctx context.Context, turn Turn, rec *turnlog.Turn, stage, reason string, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		p.fail(turn, rec, protocol.ReasonTimeout, stage, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		turn.emitter(p)(protocol.EventStreamingInterrupted, protocol.StreamingInterrupted{ChunksSent: rec.ChunksSent})
		rec.Status = turnlog.StatusInterrupted
	default:
		p.fail(turn, rec, reason, stage, err)
	}
}

// mirror copies the sealed record to the persistence store, best effort.
func (p *Pipeline) mirror(ctx context.Context, rec turnlog.Turn) {
	if p.opts.Mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.opts.Mirror.SaveTurn(ctx, persistence.TurnRecord{
		TurnID:        rec.TurnID,
		SessionID:     rec.SessionID,
		UserID:        rec.UserID,
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
		Transcription: rec.Transcription,
		Response:      rec.Response,
		Status:        rec.Status,
		ErrorReason:   rec.ErrorReason,
		ChunksSent:    rec.ChunksSent,
		ASRDuration:   time.Duration(rec.ASRMs) * time.Millisecond,
		AgentDuration: time.Duration(rec.AgentMs) * time.Millisecond,
		TTSDuration:   time.Duration(rec.TTSMs) * time.Millisecond,
	})
	if err != nil {
		p.logger.Warn("turn mirror failed", "turn_id", rec.TurnID, "error", err)
	}
}

// emitter binds the turn's Emitter with error metric accounting.
func (t Turn) emitter(p *Pipeline) func(event string, payload any) bool {
	return func(event string, payload any) bool {
		if event == protocol.EventError {
			if e, ok := payload.(protocol.Error); ok {
				p.metrics.RecordError(context.Background(), e.Reason)
			}
		}
		return t.Emit(event, payload)
	}
}

func (t Turn) emitError(p *Pipeline, reason, stage, detail string) {
	t.emitter(p)(protocol.EventError, protocol.Error{
		Reason: reason,
		Stage:  stage,
		Detail: detail,
	})
}

// Emit forwards to the turn's sink, tolerating a missing one in tests.
func (t Turn) Emit(event string, payload any) bool {
	if t.Sink == nil {
		return false
	}
	return t.Sink.Emit(event, payload)
}

// decode converts the client utterance to 16-bit mono PCM and reports its
// sample rate. The canonical 16 kHz resample happens after validation so the
// validator sees the source-rate signal.
func decode(data []byte, format string, declaredRate int) ([]byte, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("pipeline: empty audio")
	}
	if declaredRate <= 0 {
		declaredRate = audio.CanonicalRate
	}

	switch strings.ToLower(format) {
	case "", protocol.CodecWAV:
		if audio.IsWAV(data) {
			return audio.DecodeWAV(data)
		}
		// Raw 16-bit mono PCM at the declared rate.
		return data, declaredRate, nil

	case protocol.CodecOpus:
		dec, err := audio.NewOpusDecoder(declaredRate, 1)
		if err != nil {
			return nil, 0, err
		}
		pcm, err := dec.Decode(data)
		if err != nil {
			return nil, 0, err
		}
		return pcm, dec.SampleRate(), nil

	case protocol.CodecWebm, protocol.CodecMP3:
		return nil, 0, fmt.Errorf("pipeline: no decoder for %q in this build", format)

	default:
		return nil, 0, fmt.Errorf("pipeline: unknown audio format %q", format)
	}
}

// vadConfig maps session voice settings onto the validator config.
func vadConfig(s protocol.VoiceSettings) vad.Config {
	return vad.Config{
		EnergyThreshold:      s.BackendEnergyThreshold,
		Mode:                 s.BackendVADMode,
		SpeechRatioThreshold: s.BackendSpeechRatioThreshold,
		FrameVADEnabled:      s.BackendVADEnabled,
	}
}
