// Package wsvoice provides a tts.Provider backed by a streaming WebSocket
// synthesis endpoint (ElevenLabs stream-input compatible).
package wsvoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	wsEndpointFmt  = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"
	defaultModel   = "eleven_flash_v2_5"
	defaultOutput  = "pcm_16000"
)

// Option is a functional option for the Provider.
type Option func(*Provider)

// WithModel sets the synthesis model ID.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// Provider implements tts.Provider over a streaming synthesis WebSocket.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("wsvoice: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutput,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// styleSettings maps an emotional style to the voice settings knobs. The
// numbers are deliberately mild; expressive extremes sound wrong on a phone
// line.
func styleSettings(style types.Style) voiceSettings {
	switch style {
	case types.StyleCheerful:
		return voiceSettings{Stability: 0.35, SimilarityBoost: 0.75, StyleWeight: 0.6}
	case types.StyleSad:
		return voiceSettings{Stability: 0.65, SimilarityBoost: 0.75, StyleWeight: 0.4}
	case types.StyleAngry:
		return voiceSettings{Stability: 0.3, SimilarityBoost: 0.7, StyleWeight: 0.7}
	case types.StyleCalm:
		return voiceSettings{Stability: 0.7, SimilarityBoost: 0.8, StyleWeight: 0.2}
	default:
		return voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	}
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	StyleWeight     float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

type openMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

type textMessage struct {
	Text string `json:"text"`
}

type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize implements tts.Provider. One WebSocket connection is opened per
// request; the caller cancels ctx to abandon buffered audio.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	if req.Voice.ID == "" {
		return nil, errors.New("wsvoice: voice.ID must not be empty")
	}
	if req.Text == "" {
		return nil, errors.New("wsvoice: text must not be empty")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, req.Voice.ID, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsvoice: dial: %w", err)
	}

	settings := styleSettings(req.Style)
	if req.Voice.SpeedFactor != 0 && req.Voice.SpeedFactor != 1 {
		settings.Speed = req.Voice.SpeedFactor
	}

	// Handshake requires a non-empty first text value.
	open := openMessage{
		Text:          " ",
		VoiceSettings: &settings,
		XiAPIKey:      p.apiKey,
		OutputFormat:  p.outputFormat,
	}
	if err := writeJSON(ctx, conn, open); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("wsvoice: handshake: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Text: req.Text + " "}); err != nil {
		conn.Close(websocket.StatusInternalError, "send failed")
		return nil, fmt.Errorf("wsvoice: send text: %w", err)
	}
	// An empty text closes the input side and flushes synthesis.
	if err := writeJSON(ctx, conn, textMessage{}); err != nil {
		conn.Close(websocket.StatusInternalError, "flush failed")
		return nil, fmt.Errorf("wsvoice: flush: %w", err)
	}

	audio := make(chan []byte, 32)
	go func() {
		defer close(audio)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var resp audioResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			if resp.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
				if err != nil {
					continue
				}
				select {
				case audio <- pcm:
				case <-ctx.Done():
					return
				}
			}
			if resp.IsFinal {
				return
			}
		}
	}()
	return audio, nil
}

// Voices implements tts.Provider via the REST voices endpoint.
func (p *Provider) Voices(ctx context.Context) ([]types.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("wsvoice: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wsvoice: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wsvoice: list voices: status %d", resp.StatusCode)
	}

	var payload struct {
		Voices []struct {
			VoiceID string `json:"voice_id"`
			Labels  struct {
				Language string `json:"language"`
			} `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("wsvoice: decode voices: %w", err)
	}

	out := make([]types.VoiceProfile, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		out = append(out, types.VoiceProfile{ID: v.VoiceID, Language: v.Labels.Language})
	}
	return out, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
