package session_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/pipeline"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/internal/turnlog"
	agentmock "github.com/voxbridge/voxbridge/pkg/provider/agent/mock"
	asrmock "github.com/voxbridge/voxbridge/pkg/provider/asr/mock"
	persistencemock "github.com/voxbridge/voxbridge/pkg/provider/persistence/mock"
	ttsmock "github.com/voxbridge/voxbridge/pkg/provider/tts/mock"
)

// memSender collects frames the session writes to the transport.
type memSender struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (m *memSender) Send(_ context.Context, raw []byte) error {
	f, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.frames = append(m.frames, f)
	m.mu.Unlock()
	return nil
}

func (m *memSender) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.frames))
	for i, f := range m.frames {
		out[i] = f.Event
	}
	return out
}

func (m *memSender) count(event string) int {
	n := 0
	for _, e := range m.events() {
		if e == event {
			n++
		}
	}
	return n
}

func (m *memSender) first(t *testing.T, event string, dst any) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.frames {
		if f.Event == event {
			if err := f.DecodeData(dst); err != nil {
				t.Fatalf("decode %s: %v", event, err)
			}
			return
		}
	}
	t.Fatalf("no %s frame in %v", event, m.frames)
}

// waitUntil polls cond for up to two seconds.
func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// speech is 600 ms of a 300 Hz tone at 16 kHz, loud enough to pass the
// default validation thresholds.
func speech() []byte {
	const (
		rate = 16000
		ms   = 600
		amp  = 8000
	)
	n := rate * ms / 1000
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amp * math.Sin(2*math.Pi*300*float64(i)/rate))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}

type fixture struct {
	sess   *session.Session
	sender *memSender
	asr    *asrmock.Provider
	agent  *agentmock.Provider
	tts    *ttsmock.Provider
	store  *persistencemock.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := turnlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("turnlog.New: %v", err)
	}

	f := &fixture{
		sender: &memSender{},
		asr:    &asrmock.Provider{Text: "hello broker"},
		agent:  &agentmock.Provider{Reply: "Hello user."},
		tts:    &ttsmock.Provider{},
		store:  &persistencemock.Store{},
	}
	logger := slog.New(slog.DiscardHandler)
	pipe := pipeline.New(f.asr, f.agent, f.tts, log, pipeline.Options{Logger: logger})

	f.sess = session.New(session.Config{
		ID:            "sess-1",
		UserID:        "user-1",
		Pipeline:      pipe,
		Sender:        f.sender,
		Settings:      protocol.DefaultVoiceSettings(),
		SettingsStore: f.store,
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = f.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		f.sess.Close()
	})
	waitUntil(t, func() bool { return f.sess.State() == session.StateIdle }, "session idle")
	return f
}

func send(t *testing.T, s *session.Session, event string, payload any) {
	t.Helper()
	raw, err := protocol.Encode(event, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", event, err)
	}
	s.HandleMessage(raw)
}

// sendUtterance delivers audio as two partial chunks plus an empty final.
func sendUtterance(t *testing.T, s *session.Session, audio []byte) {
	t.Helper()
	half := len(audio) / 2
	send(t, s, protocol.EventAudioChunk, protocol.AudioChunk{
		Audio: audio[:half], SampleRate: 16000,
	})
	send(t, s, protocol.EventAudioChunk, protocol.AudioChunk{
		Audio: audio[half:], SampleRate: 16000,
	})
	send(t, s, protocol.EventAudioChunk, protocol.AudioChunk{IsFinal: true})
}

// TestSession_PingPong verifies liveness pings echo their timestamp.
func TestSession_PingPong(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	send(t, f.sess, protocol.EventPing, protocol.Ping{TS: 1234})

	waitUntil(t, func() bool { return f.sender.count(protocol.EventPong) > 0 }, "pong")
	var pong protocol.Pong
	f.sender.first(t, protocol.EventPong, &pong)
	if pong.TS != 1234 {
		t.Fatalf("pong ts = %d, want 1234", pong.TS)
	}
}

// TestSession_UnknownEvent verifies an unknown event yields an error frame
// and leaves the session usable.
func TestSession_UnknownEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.HandleMessage([]byte(`{"event":"teleport","data":{}}`))

	waitUntil(t, func() bool { return f.sender.count(protocol.EventError) > 0 }, "error frame")
	var e protocol.Error
	f.sender.first(t, protocol.EventError, &e)
	if e.Reason != protocol.ReasonUnknownEvent {
		t.Fatalf("reason = %q, want unknown_event", e.Reason)
	}

	send(t, f.sess, protocol.EventPing, protocol.Ping{TS: 1})
	waitUntil(t, func() bool { return f.sender.count(protocol.EventPong) > 0 }, "pong after error")
}

// TestSession_MalformedFrame verifies undecodable JSON is answered with
// bad_frame instead of a disconnect.
func TestSession_MalformedFrame(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.HandleMessage([]byte(`{not json`))

	waitUntil(t, func() bool { return f.sender.count(protocol.EventError) > 0 }, "error frame")
	var e protocol.Error
	f.sender.first(t, protocol.EventError, &e)
	if e.Reason != protocol.ReasonBadFrame {
		t.Fatalf("reason = %q, want bad_frame", e.Reason)
	}
}

// TestSession_BinaryRejected verifies binary transport messages produce
// unsupported_binary.
func TestSession_BinaryRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sess.HandleBinary()

	waitUntil(t, func() bool { return f.sender.count(protocol.EventError) > 0 }, "error frame")
	var e protocol.Error
	f.sender.first(t, protocol.EventError, &e)
	if e.Reason != protocol.ReasonUnsupportedBinary {
		t.Fatalf("reason = %q, want unsupported_binary", e.Reason)
	}
}

// TestSession_SettingsUpdate verifies a valid update is acked, applied, and
// persisted under the session's user.
func TestSession_SettingsUpdate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	threshold := 0.05
	send(t, f.sess, protocol.EventSettingsUpdate, protocol.SettingsUpdate{
		VADThreshold: &threshold,
	})

	waitUntil(t, func() bool { return f.sender.count(protocol.EventSettingsAck) > 0 }, "settings_ack")
	var ack protocol.SettingsAck
	f.sender.first(t, protocol.EventSettingsAck, &ack)
	if ack.Settings.VADThreshold != 0.05 {
		t.Fatalf("acked threshold = %v, want 0.05", ack.Settings.VADThreshold)
	}
	if got := f.sess.Settings().VADThreshold; got != 0.05 {
		t.Fatalf("session threshold = %v, want 0.05", got)
	}

	waitUntil(t, func() bool {
		rec, err := f.store.LoadSettings(context.Background(), "user-1")
		if err != nil {
			return false
		}
		var s protocol.VoiceSettings
		return json.Unmarshal(rec.Settings, &s) == nil && s.VADThreshold == 0.05
	}, "persisted settings")
}

// TestSession_SettingsUpdateRejected verifies an out-of-range update is
// refused and current settings stay untouched.
func TestSession_SettingsUpdateRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	threshold := 2.0
	send(t, f.sess, protocol.EventSettingsUpdate, protocol.SettingsUpdate{
		VADThreshold: &threshold,
	})

	waitUntil(t, func() bool { return f.sender.count(protocol.EventError) > 0 }, "error frame")
	if f.sender.count(protocol.EventSettingsAck) != 0 {
		t.Fatal("invalid update was acked")
	}
	if got := f.sess.Settings().VADThreshold; got != protocol.DefaultVoiceSettings().VADThreshold {
		t.Fatalf("threshold changed to %v on invalid update", got)
	}
}

// TestSession_TurnFlow verifies a finalized utterance drives the full frame
// sequence and the session returns to idle.
func TestSession_TurnFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sendUtterance(t, f.sess, speech())

	waitUntil(t, func() bool {
		return f.sender.count(protocol.EventStreamingComplete) > 0
	}, "streaming_complete")
	waitUntil(t, func() bool { return f.sess.State() == session.StateIdle }, "idle after turn")

	events := f.sender.events()
	want := []string{
		protocol.EventTranscription,
		protocol.EventAgentResponse,
		protocol.EventTTSChunk,
		protocol.EventStreamingComplete,
	}
	idx := 0
	for _, e := range events {
		if idx < len(want) && e == want[idx] {
			idx++
		}
	}
	if idx != len(want) {
		t.Fatalf("events %v missing ordered subsequence %v", events, want)
	}
}

// TestSession_HistoryCarriesForward verifies the second turn's agent request
// includes the first turn's exchange.
func TestSession_HistoryCarriesForward(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sendUtterance(t, f.sess, speech())
	waitUntil(t, func() bool {
		return f.sender.count(protocol.EventStreamingComplete) > 0 && f.sess.State() == session.StateIdle
	}, "first turn")

	sendUtterance(t, f.sess, speech())
	waitUntil(t, func() bool { return len(f.agent.Calls()) >= 2 }, "second agent call")

	calls := f.agent.Calls()
	hist := calls[len(calls)-1].History
	if len(hist) != 2 {
		t.Fatalf("history = %v, want user+assistant pair", hist)
	}
	if hist[0].Content != "hello broker" || hist[1].Content != "Hello user." {
		t.Fatalf("history contents = %+v", hist)
	}
}

// TestSession_EmptyFinal verifies a final chunk with no accumulated audio is
// rejected without starting a turn.
func TestSession_EmptyFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	send(t, f.sess, protocol.EventAudioChunk, protocol.AudioChunk{IsFinal: true})

	waitUntil(t, func() bool { return f.sender.count(protocol.EventError) > 0 }, "error frame")
	if len(f.asr.Calls()) != 0 {
		t.Fatal("turn started on empty utterance")
	}
}

// TestSession_Interrupt verifies a client interrupt cancels the in-flight
// turn and terminates it with streaming_interrupted.
func TestSession_Interrupt(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agent.Reply = "One sentence here. Another sentence there. And one more."
	// One full 300 ms piece per fragment so audio flows out mid-stream.
	f.tts.ChunkForText = func(string) []byte { return make([]byte, 9600) }
	f.tts.Delay = 25 * time.Millisecond

	sendUtterance(t, f.sess, speech())
	waitUntil(t, func() bool { return f.sender.count(protocol.EventTTSChunk) > 0 }, "turn speaking")

	send(t, f.sess, protocol.EventInterrupt, protocol.Interrupt{Reason: "barge_in"})
	waitUntil(t, func() bool {
		return f.sender.count(protocol.EventStreamingInterrupted) > 0
	}, "streaming_interrupted")
	waitUntil(t, func() bool { return f.sess.State() == session.StateListening }, "listening after interrupt")

	if f.sender.count(protocol.EventStreamingComplete) != 0 {
		t.Fatal("interrupted turn also emitted streaming_complete")
	}
}

// TestSession_BargeIn verifies a new finalized utterance during playback
// cancels the current turn and then runs as its own turn.
func TestSession_BargeIn(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.agent.Reply = "One sentence here. Another sentence there. And one more."
	f.tts.ChunkForText = func(string) []byte { return make([]byte, 9600) }
	f.tts.Delay = 25 * time.Millisecond

	sendUtterance(t, f.sess, speech())
	waitUntil(t, func() bool { return f.sender.count(protocol.EventTTSChunk) > 0 }, "first turn speaking")

	sendUtterance(t, f.sess, speech())

	waitUntil(t, func() bool {
		return f.sender.count(protocol.EventStreamingInterrupted) > 0
	}, "first turn interrupted")
	waitUntil(t, func() bool { return len(f.agent.Calls()) >= 2 }, "second turn generating")
	waitUntil(t, func() bool {
		return f.sender.count(protocol.EventStreamingComplete) > 0
	}, "second turn complete")
	waitUntil(t, func() bool { return f.sess.State() == session.StateIdle }, "idle after barge-in")
}

// newQuietPipeline builds a pipeline over default mocks for tests that
// construct their session by hand.
func newQuietPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	log, err := turnlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("turnlog.New: %v", err)
	}
	return pipeline.New(
		&asrmock.Provider{Text: "hello broker"},
		&agentmock.Provider{Reply: "Hello user."},
		&ttsmock.Provider{},
		log,
		pipeline.Options{Logger: slog.New(slog.DiscardHandler)},
	)
}

// blockedSender stands in for a client that stopped reading: no frame ever
// leaves until the session context ends.
type blockedSender struct{}

func (blockedSender) Send(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

// TestSession_SlowConsumerDisconnects verifies a stalled outbound path tears
// the session down with the slow_consumer reason instead of blocking the
// writer forever.
func TestSession_SlowConsumerDisconnects(t *testing.T) {
	t.Parallel()

	sess := session.New(session.Config{
		ID:             "sess-slow",
		Pipeline:       newQuietPipeline(t),
		Sender:         blockedSender{},
		Settings:       protocol.DefaultVoiceSettings(),
		OutboundBuffer: 1,
		Logger:         slog.New(slog.DiscardHandler),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	runDone := make(chan struct{})
	go func() { _ = sess.Run(ctx); close(runDone) }()

	// One chunk for the blocked writer, one for the buffer slot, one over.
	for i := range 3 {
		sess.Emit(protocol.EventTTSChunk, protocol.TTSChunk{
			Audio: make([]byte, 9600), ChunkIndex: i, Format: "pcm_16000",
		})
	}

	waitUntil(t, func() bool {
		return sess.CloseReason() == protocol.ReasonSlowConsumer
	}, "slow_consumer close reason")
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("writer kept running after slow-consumer disconnect")
	}
	if sess.State() != session.StateClosed {
		t.Fatalf("state = %v, want closed", sess.State())
	}
}

// TestSession_BackpressureEvictsOldestControl verifies an audio frame takes
// the slot of the oldest queued control frame on a full buffer, while a
// control frame that finds only audio queued is dropped.
func TestSession_BackpressureEvictsOldestControl(t *testing.T) {
	t.Parallel()

	sender := &memSender{}
	sess := session.New(session.Config{
		ID:             "sess-evict",
		Pipeline:       newQuietPipeline(t),
		Sender:         sender,
		Settings:       protocol.DefaultVoiceSettings(),
		OutboundBuffer: 1,
		Logger:         slog.New(slog.DiscardHandler),
	})

	// The writer is not running yet, so the single buffer slot is all there
	// is and the outcomes below are deterministic.
	if !sess.Emit(protocol.EventPong, protocol.Pong{TS: 1}) {
		t.Fatal("control frame not queued into empty buffer")
	}
	start := time.Now()
	if !sess.Emit(protocol.EventTTSChunk, protocol.TTSChunk{ChunkIndex: 0, Format: "pcm_16000"}) {
		t.Fatal("audio frame not queued on full buffer")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("audio frame waited out the grace instead of evicting")
	}
	if sess.Emit(protocol.EventPong, protocol.Pong{TS: 2}) {
		t.Fatal("control frame queued although only audio was evictable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() { cancel(); sess.Close() })

	waitUntil(t, func() bool { return sender.count(protocol.EventTTSChunk) == 1 }, "audio delivered")
	if sender.count(protocol.EventPong) != 0 {
		t.Fatal("evicted control frame was delivered anyway")
	}
	if sess.CloseReason() != "" {
		t.Fatalf("close reason = %q, want none", sess.CloseReason())
	}
}

// TestSession_AudioBeforeRun verifies a finalized utterance delivered before
// the writer starts neither panics nor gets lost; its frames flow once Run
// begins.
func TestSession_AudioBeforeRun(t *testing.T) {
	t.Parallel()

	sender := &memSender{}
	sess := session.New(session.Config{
		ID:       "sess-early",
		Pipeline: newQuietPipeline(t),
		Sender:   sender,
		Settings: protocol.DefaultVoiceSettings(),
		Logger:   slog.New(slog.DiscardHandler),
	})

	sendUtterance(t, sess, speech())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sess.Run(ctx) }()
	t.Cleanup(func() { cancel(); sess.Close() })

	waitUntil(t, func() bool {
		return sender.count(protocol.EventStreamingComplete) > 0
	}, "turn completed once the writer started")
}
