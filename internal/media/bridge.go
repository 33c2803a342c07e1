// Package media bridges the call loop to the speech providers: it owns the
// STT session lifetime (reconnecting transparently), turns recognizer
// quiet spells into silence ticks for the turn detector, and serializes TTS
// synthesis into an ordered, cancellable speech queue.
//
// One Bridge serves one call. The recognition side is pumped by an internal
// goroutine; the speech side by another. Both stop when the bridge closes.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("media: bridge closed")

// AudioSink receives synthesized audio for playback toward the caller. The
// telephony gateway adapter implements it; tests collect the chunks.
type AudioSink interface {
	// Write plays one audio chunk. Write is called from a single goroutine
	// in playback order.
	Write(ctx context.Context, chunk []byte) error
}

// Config tunes the bridge.
type Config struct {
	// TickInterval is the cadence of synthetic silence ticks, emitted on a
	// fixed schedule whether or not the recognizer emits. Default 250ms.
	TickInterval time.Duration

	// ReconnectMax caps transparent STT reconnect attempts. Default 3.
	ReconnectMax int

	// SpeechQueueDepth bounds the not-yet-synthesized speech queue. Enqueue
	// blocks when full (backpressure toward sentence extraction). Default 8.
	SpeechQueueDepth int
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 3
	}
	if c.SpeechQueueDepth <= 0 {
		c.SpeechQueueDepth = 8
	}
}

// speechItem is one queued synthesis unit tagged with the generation it was
// enqueued under; a cancel bumps the generation and stale items are skipped
// unplayed.
type speechItem struct {
	req tts.Request
	gen uint64
}

// Bridge is the per-call media abstraction.
type Bridge struct {
	sttP stt.Provider
	ttsP tts.Provider
	sink AudioSink
	cfg  Config

	events chan types.RecognitionEvent

	mu          sync.Mutex
	session     stt.SessionHandle
	closed      bool
	gen         uint64
	speechCh    chan speechItem
	synthCancel context.CancelFunc
	pending     int
	idle        chan struct{} // closed while the speech queue is drained
	speaking    bool
	thinking    bool

	onSpeaking func(bool)

	wg       sync.WaitGroup
	rootCtx  context.Context
	rootStop context.CancelFunc
}

// New creates a bridge over the given providers and playback sink.
func New(sttP stt.Provider, ttsP tts.Provider, sink AudioSink, cfg Config) *Bridge {
	cfg.defaults()
	ctx, stop := context.WithCancel(context.Background())
	b := &Bridge{
		sttP:     sttP,
		ttsP:     ttsP,
		sink:     sink,
		cfg:      cfg,
		events:   make(chan types.RecognitionEvent, 64),
		speechCh: make(chan speechItem, cfg.SpeechQueueDepth),
		idle:     closedChan(),
		rootCtx:  ctx,
		rootStop: stop,
	}
	b.wg.Add(1)
	go b.speakLoop()
	return b
}

// OnSpeakingChange registers a hook invoked when playback starts or stops.
// Must be set before the first Speak call.
func (b *Bridge) OnSpeakingChange(fn func(bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSpeaking = fn
}

// ─── Recognition side ─────────────────────────────────────────────────────────

// StartRecognition opens the STT session and begins pumping events. Dropped
// sessions are redialed transparently up to ReconnectMax times with jittered
// backoff; only then does the bridge give up and close the event channel.
func (b *Bridge) StartRecognition(ctx context.Context, cfg stt.StreamConfig) error {
	sess, err := b.sttP.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("media: start recognition: %w", err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}
	b.session = sess
	b.mu.Unlock()

	b.wg.Add(1)
	go b.recognitionLoop(ctx, cfg, sess)
	return nil
}

// Events returns the recognition event stream, including synthetic silence
// ticks. The channel closes when recognition ends for good.
func (b *Bridge) Events() <-chan types.RecognitionEvent { return b.events }

// SendAudio forwards caller audio to the active STT session.
func (b *Bridge) SendAudio(chunk []byte) error {
	b.mu.Lock()
	sess := b.session
	closed := b.closed
	b.mu.Unlock()
	if closed || sess == nil {
		return ErrClosed
	}
	return sess.SendAudio(chunk)
}

func (b *Bridge) recognitionLoop(ctx context.Context, cfg stt.StreamConfig, sess stt.SessionHandle) {
	defer b.wg.Done()
	defer close(b.events)

	backoff := resilience.Backoff{Base: 200 * time.Millisecond, Max: 2 * time.Second}
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	attempts := 0
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.rootCtx.Done():
			return
		case <-ticker.C:
			b.emit(ctx, types.RecognitionEvent{Kind: types.RecognitionSilence, Timestamp: time.Since(start)})
		case evt, ok := <-sess.Events():
			if ok {
				attempts = 0
				b.emit(ctx, evt)
				continue
			}
			// Session ended. A clean close means the call is over; an error
			// is reconnected transparently.
			err := sess.Err()
			if err == nil || ctx.Err() != nil {
				return
			}
			for {
				if attempts++; attempts > b.cfg.ReconnectMax {
					slog.Error("recognition stream lost for good", "error", err, "attempts", attempts-1)
					return
				}
				slog.Warn("recognition stream dropped, reconnecting", "error", err, "attempt", attempts)
				if serr := backoff.Sleep(ctx, attempts-1); serr != nil {
					return
				}
				next, derr := b.sttP.StartStream(ctx, cfg)
				if derr != nil {
					err = derr
					continue
				}
				b.mu.Lock()
				b.session = next
				b.mu.Unlock()
				sess = next
				break
			}
		}
	}
}

func (b *Bridge) emit(ctx context.Context, evt types.RecognitionEvent) {
	select {
	case b.events <- evt:
	case <-ctx.Done():
	case <-b.rootCtx.Done():
	}
}

// ─── Speech side ──────────────────────────────────────────────────────────────

// Speak queues one synthesis unit. Playback is strictly ordered and
// non-overlapping. Speak blocks while the queue holds SpeechQueueDepth
// pending items, providing backpressure to the sentence extractor.
func (b *Bridge) Speak(ctx context.Context, req tts.Request) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	gen := b.gen
	b.pending++
	if b.pending == 1 {
		b.idle = make(chan struct{})
	}
	b.thinking = false
	b.mu.Unlock()

	select {
	case b.speechCh <- speechItem{req: req, gen: gen}:
		return nil
	case <-ctx.Done():
		b.itemDone()
		return ctx.Err()
	case <-b.rootCtx.Done():
		b.itemDone()
		return ErrClosed
	}
}

// itemDone retires one queue slot and signals Flush waiters on drain.
func (b *Bridge) itemDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending > 0 {
		b.pending--
	}
	if b.pending == 0 {
		select {
		case <-b.idle:
		default:
			close(b.idle)
		}
	}
}

// CancelSpeech drops every queued-but-unplayed item and aborts the chunk
// currently being synthesized. Audio already written to the sink is not
// rewound.
func (b *Bridge) CancelSpeech() {
	b.mu.Lock()
	b.gen++
	cancel := b.synthCancel
	b.thinking = false
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Flush blocks until every queued item has been played or dropped.
func (b *Bridge) Flush(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.rootCtx.Done():
		return ErrClosed
	}
}

// StartThinking begins the looped placeholder tone played while the bot
// prepares its reply. The next Speak or CancelSpeech stops it.
func (b *Bridge) StartThinking() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.thinking {
		return
	}
	b.thinking = true
	b.wg.Add(1)
	go b.thinkingLoop()
}

// thinkingTone is a short soft PCM tone chunk looped during thinking. The
// zero-fill stands in for the gateway-provided comfort tone asset.
var thinkingTone = make([]byte, 320)

func (b *Bridge) thinkingLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.rootCtx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			active := b.thinking && !b.speaking
			b.mu.Unlock()
			if !active {
				return
			}
			_ = b.sink.Write(b.rootCtx, thinkingTone)
		}
	}
}

func (b *Bridge) speakLoop() {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		drained := b.pending == 0
		b.mu.Unlock()
		if drained {
			b.setSpeaking(false)
		}

		select {
		case <-b.rootCtx.Done():
			return
		case item := <-b.speechCh:
			b.mu.Lock()
			stale := item.gen != b.gen
			b.mu.Unlock()
			if !stale {
				b.playItem(item)
			}
			b.itemDone()
		}
	}
}

func (b *Bridge) playItem(item speechItem) {
	ctx, cancel := context.WithCancel(b.rootCtx)
	b.mu.Lock()
	b.synthCancel = cancel
	b.mu.Unlock()
	defer cancel()

	audio, err := b.ttsP.Synthesize(ctx, item.req)
	if err != nil {
		slog.Warn("synthesis failed, skipping sentence", "error", err)
		return
	}
	b.setSpeaking(true)
	for chunk := range audio {
		b.mu.Lock()
		stale := item.gen != b.gen
		b.mu.Unlock()
		if stale {
			cancel()
			for range audio {
			}
			return
		}
		if err := b.sink.Write(ctx, chunk); err != nil {
			slog.Warn("audio sink write failed", "error", err)
			cancel()
			for range audio {
			}
			return
		}
	}
}

func (b *Bridge) setSpeaking(speaking bool) {
	b.mu.Lock()
	changed := b.speaking != speaking
	b.speaking = speaking
	fn := b.onSpeaking
	b.mu.Unlock()
	if changed && fn != nil {
		fn(speaking)
	}
}

// Speaking reports whether playback is active.
func (b *Bridge) Speaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speaking
}

// Close tears the bridge down: the STT session is closed, queued speech is
// dropped, and both pump goroutines exit.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.gen++
	sess := b.session
	cancel := b.synthCancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.rootStop()
	if sess != nil {
		_ = sess.Close()
	}
	b.wg.Wait()
	return nil
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
