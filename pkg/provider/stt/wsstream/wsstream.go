// Package wsstream provides an stt.Provider backed by a streaming WebSocket
// recognition endpoint speaking the common interim/final/utterance-end JSON
// protocol (Deepgram-compatible).
package wsstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
	keepAliveInterval = 5 * time.Second
)

// Option is a functional option for the Provider.
type Option func(*Provider)

// WithEndpoint overrides the WebSocket endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithModel sets the recognition model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// Provider implements stt.Provider over a streaming WebSocket endpoint.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("wsstream: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("wsstream: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("wsstream: dial: %w", err)
	}

	sess := &session{
		conn:    conn,
		events:  make(chan types.RecognitionEvent, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", "1000")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.DetectLanguage {
		q.Set("detect_language", "true")
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serverMessage is the JSON shape of a recognition result or utterance-end
// notification.
type serverMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
		DetectedLanguage string `json:"detected_language"`
	} `json:"channel"`
}

// session implements stt.SessionHandle over one WebSocket connection.
type session struct {
	conn    *websocket.Conn
	events  chan types.RecognitionEvent
	audio   chan []byte
	started time.Time

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// SendAudio implements stt.SessionHandle.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// Events implements stt.SessionHandle.
func (s *session) Events() <-chan types.RecognitionEvent { return s.events }

// Err implements stt.SessionHandle.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements stt.SessionHandle.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Ask the server to flush pending audio before the socket drops.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// writeLoop forwards audio chunks to the socket and keeps the connection
// alive during long silences.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.setErr(fmt.Errorf("wsstream: write audio: %w", err))
				return
			}
		case <-keepAlive.C:
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				s.setErr(fmt.Errorf("wsstream: keepalive: %w", err))
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop decodes server messages into recognition events.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.setErr(fmt.Errorf("wsstream: read: %w", err))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // non-JSON frames (e.g. metadata) are ignored
		}

		evt, ok := s.toEvent(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- evt:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) toEvent(msg serverMessage) (types.RecognitionEvent, bool) {
	ts := time.Since(s.started)
	switch msg.Type {
	case "UtteranceEnd":
		return types.RecognitionEvent{Kind: types.RecognitionComplete, Timestamp: ts}, true
	case "Results", "":
		if len(msg.Channel.Alternatives) == 0 {
			return types.RecognitionEvent{}, false
		}
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			// An empty result is the recognizer reporting a silent window.
			return types.RecognitionEvent{Kind: types.RecognitionSilence, Timestamp: ts}, true
		}
		kind := types.RecognitionPartial
		if msg.IsFinal {
			kind = types.RecognitionFinal
		}
		lang := msg.Channel.DetectedLanguage
		if lang == "" && len(alt.Languages) > 0 {
			lang = alt.Languages[0]
		}
		return types.RecognitionEvent{
			Kind:             kind,
			Text:             alt.Transcript,
			DetectedLanguage: lang,
			Timestamp:        ts,
		}, true
	default:
		return types.RecognitionEvent{}, false
	}
}
