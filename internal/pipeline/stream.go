package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/protocol"
	"github.com/voxbridge/voxbridge/internal/turnlog"
	"github.com/voxbridge/voxbridge/pkg/provider/agent"
	"github.com/voxbridge/voxbridge/pkg/provider/tts"
)

// maxFragmentLen forces a flush to TTS even without a sentence boundary, so
// a terminator-free reply still starts synthesizing.
const maxFragmentLen = 100

// runBuffered is the non-streaming path: the full reply is generated first,
// then synthesized sentence by sentence.
func (p *Pipeline) runBuffered(ctx context.Context, turn Turn, rec *turnlog.Turn, emit func(string, any) bool, text string) {
	agentCtx, agentCancel := context.WithTimeout(ctx, p.opts.AgentTimeout)
	agentCtx, aspan := observe.StartStage(agentCtx, "agent")
	agentStart := time.Now()
	reply, err := p.agent.Respond(agentCtx, p.agentRequest(text, turn.History))
	observe.EndStage(aspan, err)
	agentCancel()
	rec.AgentMs = time.Since(agentStart).Milliseconds()
	observe.ObserveStage(ctx, p.metrics.AgentDuration, time.Since(agentStart))
	if err != nil {
		p.failStage(ctx, turn, rec, "agent", protocol.ReasonAgentFailed, err)
		return
	}
	rec.Response = reply

	if !emit(protocol.EventAgentResponse, protocol.AgentResponse{
		Text:      reply,
		Timestamp: time.Now().UnixMilli(),
	}) {
		rec.Status = turnlog.StatusError
		rec.ErrorReason = protocol.ReasonDisconnect
		return
	}

	if p.replayCached(ctx, turn, rec, emit, reply) {
		return
	}

	ttsCtx, ttsCancel := context.WithCancel(ctx)
	defer ttsCancel()

	textCh := make(chan string, 8)
	ttsStart := time.Now()
	audioCh, err := p.tts.SynthesizeStream(ttsCtx, textCh)
	if err != nil {
		close(textCh)
		p.fail(turn, rec, protocol.ReasonTTSFailed, "tts", err)
		return
	}

	go func() {
		defer close(textCh)
		for _, sentence := range splitSentences(reply) {
			select {
			case textCh <- sentence:
			case <-ttsCtx.Done():
				return
			}
		}
	}()

	var timedOut atomic.Bool
	timer := time.AfterFunc(p.opts.TTSTimeout, func() {
		timedOut.Store(true)
		ttsCancel()
	})
	defer timer.Stop()

	p.streamAudio(ctx, turn, rec, emit, audioCh, reply, ttsStart, &timedOut)
}

// runStreaming consumes the agent's token stream, forwarding sentence-level
// fragments into a live TTS stream while the reply is still being generated.
// Audio frames are held back until the full reply text is known so the
// agent_response frame keeps its place in the outbound order.
func (p *Pipeline) runStreaming(ctx context.Context, turn Turn, rec *turnlog.Turn, emit func(string, any) bool, sp agent.StreamingProvider, text string) {
	agentCtx, agentCancel := context.WithTimeout(ctx, p.opts.AgentTimeout)
	defer agentCancel()
	agentCtx, aspan := observe.StartStage(agentCtx, "agent")

	agentStart := time.Now()
	chunks, err := sp.RespondStream(agentCtx, p.agentRequest(text, turn.History))
	if err != nil {
		observe.EndStage(aspan, err)
		p.failStage(ctx, turn, rec, "agent", protocol.ReasonAgentFailed, err)
		return
	}

	ttsCtx, ttsCancel := context.WithCancel(ctx)
	defer ttsCancel()

	textCh := make(chan string, 8)
	ttsStart := time.Now()
	audioCh, err := p.tts.SynthesizeStream(ttsCtx, textCh)
	if err != nil {
		observe.EndStage(aspan, err)
		close(textCh)
		go drainAgent(chunks)
		p.fail(turn, rec, protocol.ReasonTTSFailed, "tts", err)
		return
	}

	// Nothing reads synthesis output until the reply text is complete, and
	// the provider's channel is small. Without elastic buffering in between,
	// a long reply fills that channel, the provider stops consuming textCh,
	// and generation deadlocks against its own synthesis.
	audioCh = bridgeAudio(audioCh)

	var full strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		defer close(textCh)
		var buf strings.Builder
		flush := func(s string) bool {
			select {
			case textCh <- s:
				return true
			case <-ttsCtx.Done():
				return false
			}
		}
		for c := range chunks {
			if c.Err != nil {
				return c.Err
			}
			full.WriteString(c.Text)
			buf.WriteString(c.Text)
			for {
				head, rest, ok := splitFlush(buf.String())
				if !ok {
					break
				}
				buf.Reset()
				buf.WriteString(rest)
				if !flush(head) {
					return ttsCtx.Err()
				}
			}
		}
		if buf.Len() > 0 {
			flush(buf.String())
		}
		return nil
	})

	genErr := g.Wait()
	observe.EndStage(aspan, genErr)
	rec.AgentMs = time.Since(agentStart).Milliseconds()
	observe.ObserveStage(ctx, p.metrics.AgentDuration, time.Since(agentStart))
	if genErr != nil {
		ttsCancel()
		go drainAudio(audioCh)
		p.failStage(ctx, turn, rec, "agent", protocol.ReasonAgentFailed, genErr)
		return
	}

	reply := full.String()
	rec.Response = reply
	if !emit(protocol.EventAgentResponse, protocol.AgentResponse{
		Text:      reply,
		Timestamp: time.Now().UnixMilli(),
	}) {
		ttsCancel()
		go drainAudio(audioCh)
		rec.Status = turnlog.StatusError
		rec.ErrorReason = protocol.ReasonDisconnect
		return
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(p.opts.TTSTimeout, func() {
		timedOut.Store(true)
		ttsCancel()
	})
	defer timer.Stop()

	p.streamAudio(ctx, turn, rec, emit, audioCh, reply, ttsStart, &timedOut)
}

// streamAudio drains the synthesis stream into tts_chunk frames and emits
// the turn's terminal frame. Cancellation is checked between chunks, so the
// stop latency is bounded by one chunk.
func (p *Pipeline) streamAudio(ctx context.Context, turn Turn, rec *turnlog.Turn, emit func(string, any) bool, audioCh <-chan tts.Chunk, reply string, ttsStart time.Time, timedOut *atomic.Bool) {
	re := newRechunker(p.tts.Format())
	format := p.tts.Format()
	_, tspan := observe.StartStage(ctx, "tts")
	var collected [][]byte
	cacheable := p.opts.AudioCache != nil && len(reply) <= maxCacheableReplyLen

	emitPiece := func(piece []byte) bool {
		if cacheable {
			collected = append(collected, piece)
		}
		ok := emit(protocol.EventTTSChunk, protocol.TTSChunk{
			Audio:      piece,
			ChunkIndex: rec.ChunksSent,
			Format:     format,
			Timestamp:  time.Now().UnixMilli(),
		})
		if ok {
			rec.ChunksSent++
		}
		return ok
	}

	terminate := func() {
		rec.TTSMs = time.Since(ttsStart).Milliseconds()
		observe.ObserveStage(context.WithoutCancel(ctx), p.metrics.TTSDuration, time.Since(ttsStart))
		tspan.End()
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case chunk, open := <-audioCh:
			if timedOut != nil && timedOut.Load() {
				break loop
			}
			if !open {
				// The provider closes its stream on cancellation too, so a
				// closed channel alone does not mean the turn succeeded.
				if ctx.Err() != nil {
					break loop
				}
				// Stream finished cleanly; flush the rechunker tail.
				if tail := re.flush(); len(tail) > 0 {
					if !emitPiece(tail) {
						p.sealDisconnected(rec)
						terminate()
						return
					}
				}
				terminate()
				emit(protocol.EventStreamingComplete, protocol.StreamingComplete{
					ChunksSent: rec.ChunksSent,
					DurationMs: time.Since(rec.StartedAt).Milliseconds(),
				})
				rec.Status = turnlog.StatusCompleted
				p.storeCache(ctx, reply, collected, cacheable)
				return
			}
			if chunk.Err != nil {
				if ctx.Err() != nil {
					break loop
				}
				go drainAudio(audioCh)
				terminate()
				turn.emitError(p, protocol.ReasonTTSFailed, "tts", chunk.Err.Error())
				emit(protocol.EventStreamingInterrupted, protocol.StreamingInterrupted{ChunksSent: rec.ChunksSent})
				rec.Status = turnlog.StatusInterrupted
				rec.ErrorReason = protocol.ReasonTTSFailed
				return
			}
			for _, piece := range re.push(chunk.Audio) {
				if ctx.Err() != nil {
					break loop
				}
				if !emitPiece(piece) {
					go drainAudio(audioCh)
					p.sealDisconnected(rec)
					terminate()
					return
				}
			}
		}
	}

	// Cancelled or timed out mid-stream.
	go drainAudio(audioCh)
	terminate()
	if timedOut != nil && timedOut.Load() && ctx.Err() == nil {
		turn.emitError(p, protocol.ReasonTimeout, "tts", "")
		rec.Status = turnlog.StatusError
		rec.ErrorReason = protocol.ReasonTimeout
		return
	}
	emit(protocol.EventStreamingInterrupted, protocol.StreamingInterrupted{ChunksSent: rec.ChunksSent})
	rec.Status = turnlog.StatusInterrupted
}

// replayCached emits a previously synthesized chunk sequence for reply.
// Returns false when there is no cache or no entry.
func (p *Pipeline) replayCached(ctx context.Context, turn Turn, rec *turnlog.Turn, emit func(string, any) bool, reply string) bool {
	if p.opts.AudioCache == nil {
		return false
	}
	chunks, ok := p.opts.AudioCache.Get(ctx, cacheKey(reply, p.tts.Format()))
	if !ok {
		return false
	}
	format := p.tts.Format()
	for _, piece := range chunks {
		if ctx.Err() != nil {
			emit(protocol.EventStreamingInterrupted, protocol.StreamingInterrupted{ChunksSent: rec.ChunksSent})
			rec.Status = turnlog.StatusInterrupted
			return true
		}
		if !emit(protocol.EventTTSChunk, protocol.TTSChunk{
			Audio:      piece,
			ChunkIndex: rec.ChunksSent,
			Format:     format,
			Timestamp:  time.Now().UnixMilli(),
		}) {
			p.sealDisconnected(rec)
			return true
		}
		rec.ChunksSent++
	}
	emit(protocol.EventStreamingComplete, protocol.StreamingComplete{
		ChunksSent: rec.ChunksSent,
		DurationMs: time.Since(rec.StartedAt).Milliseconds(),
	})
	rec.Status = turnlog.StatusCompleted
	return true
}

func (p *Pipeline) storeCache(ctx context.Context, reply string, chunks [][]byte, cacheable bool) {
	if !cacheable || len(chunks) == 0 {
		return
	}
	p.opts.AudioCache.Set(context.WithoutCancel(ctx), cacheKey(reply, p.tts.Format()), chunks)
}

func (p *Pipeline) sealDisconnected(rec *turnlog.Turn) {
	rec.Status = turnlog.StatusError
	rec.ErrorReason = protocol.ReasonDisconnect
}

func cacheKey(reply, format string) string {
	return format + "|" + reply
}

// bridgeAudio decouples the synthesis stream from its consumer with an
// elastic queue: the provider side is always drained promptly, while the
// output side delivers chunks in order whenever the consumer catches up.
// The output channel closes once the input has closed and the queue is
// empty.
func bridgeAudio(in <-chan tts.Chunk) <-chan tts.Chunk {
	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		var queue []tts.Chunk
		for in != nil || len(queue) > 0 {
			var send chan<- tts.Chunk
			var head tts.Chunk
			if len(queue) > 0 {
				send = out
				head = queue[0]
			}
			select {
			case c, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				queue = append(queue, c)
			case send <- head:
				queue = queue[1:]
			}
		}
	}()
	return out
}

// drainAgent discards remaining agent chunks so the provider goroutine can
// exit.
func drainAgent(ch <-chan agent.Chunk) {
	for range ch {
	}
}

// drainAudio discards remaining synthesis output.
func drainAudio(ch <-chan tts.Chunk) {
	for range ch {
	}
}

// splitFlush returns the next fragment to hand to TTS when the buffer holds
// a complete sentence or has grown past maxFragmentLen, plus the remainder.
func splitFlush(s string) (head, rest string, ok bool) {
	if idx := sentenceBoundary(s); idx >= 0 {
		return s[:idx+1], strings.TrimLeft(s[idx+1:], " \t\n\r"), true
	}
	if len(s) > maxFragmentLen {
		return s, "", true
	}
	return "", "", false
}

// sentenceBoundary returns the index of the first sentence terminator that
// is followed by whitespace, or of a newline, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			return i
		case '.', '!', '?':
			if i+1 < len(s) {
				switch s[i+1] {
				case ' ', '\n', '\r', '\t':
					return i
				}
			}
		}
	}
	return -1
}

// splitSentences breaks a complete reply into TTS-sized fragments using the
// same boundary rules as the streaming path.
func splitSentences(s string) []string {
	var out []string
	for {
		head, rest, ok := splitFlush(s)
		if !ok {
			break
		}
		if trimmed := strings.TrimSpace(head); trimmed != "" {
			out = append(out, trimmed)
		}
		s = rest
	}
	if trimmed := strings.TrimSpace(s); trimmed != "" {
		out = append(out, trimmed)
	}
	return out
}
