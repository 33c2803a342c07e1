// Package app wires the Parley process together: providers from
// configuration, the shared Redis and Postgres clients, the worker pool,
// and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/call"
	"github.com/MrWong99/parley/internal/callstore"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/httpapi"
	"github.com/MrWong99/parley/internal/lease"
	"github.com/MrWong99/parley/internal/llmdriver"
	"github.com/MrWong99/parley/internal/media"
	"github.com/MrWong99/parley/internal/orchestrator"
	"github.com/MrWong99/parley/internal/prompt"
	"github.com/MrWong99/parley/internal/queue"
	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/internal/worker"
	embopenai "github.com/MrWong99/parley/pkg/provider/embeddings/openai"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/safety"
	safetyrest "github.com/MrWong99/parley/pkg/provider/safety/rest"
	"github.com/MrWong99/parley/pkg/provider/search"
	searchpg "github.com/MrWong99/parley/pkg/provider/search/pgvector"
	"github.com/MrWong99/parley/pkg/provider/sms"
	smsrest "github.com/MrWong99/parley/pkg/provider/sms/rest"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/wsstream"
	"github.com/MrWong99/parley/pkg/provider/translate"
	translaterest "github.com/MrWong99/parley/pkg/provider/translate/rest"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/wsvoice"
	"github.com/MrWong99/parley/pkg/types"
)

// Gateway is the telephony adapter's surface toward the core: it plays
// synthesized audio to the caller and executes call-control commands. The
// real implementation lives with the SIP/media bridge, outside this module.
type Gateway interface {
	media.AudioSink
	orchestrator.Telephony
}

// discardGateway is the default when no adapter is attached (development,
// tests against the HTTP surface only).
type discardGateway struct{}

func (discardGateway) Write(context.Context, []byte) error { return nil }

func (discardGateway) Hangup(_ context.Context, callID string) error {
	slog.Warn("no telephony gateway attached; hangup dropped", "call_id", callID)
	return nil
}

func (discardGateway) Transfer(_ context.Context, callID, _ string) error {
	slog.Warn("no telephony gateway attached; transfer dropped", "call_id", callID)
	return nil
}

// App is the assembled process.
type App struct {
	cfg     *config.Config
	gateway Gateway

	rdb       *redis.Client
	storePool *pgxpool.Pool
	store     callstore.Store
	leases    lease.Manager
	q         queue.Queue
	flags     *config.FlagCache

	driver    *llmdriver.Driver
	registry  *tools.Registry
	sttP      stt.Provider
	ttsP      tts.Provider
	translate translate.Provider
	safety    safety.Provider
	smsP      sms.Provider
	search    search.Provider

	dispatcher *dispatch.Dispatcher
	worker     *worker.Worker
	httpSrv    *http.Server
}

// Option configures the App.
type Option func(*App)

// WithGateway attaches the telephony adapter.
func WithGateway(g Gateway) Option {
	return func(a *App) { a.gateway = g }
}

// New assembles the process from configuration. Construction fails on
// errors such as an unreachable or malformed DSN or an unknown provider
// name; optional providers whose key or endpoint is empty are skipped, and
// an empty store DSN selects the in-memory store.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, gateway: discardGateway{}}
	for _, o := range opts {
		o(a)
	}

	// ── Shared clients ────────────────────────────────────────────────────
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.leases = lease.NewRedisManager(a.rdb, "")
	a.flags = config.NewFlagCache(config.NewRedisFlagStore(a.rdb, ""), time.Minute)

	consumer := cfg.Worker.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	rq := queue.NewRedisQueue(a.rdb, cfg.Worker.Group, consumer)
	if err := rq.Init(ctx); err != nil {
		return nil, fmt.Errorf("app: queue init: %w", err)
	}
	a.q = rq

	if cfg.Store.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: store pool: %w", err)
		}
		a.storePool = pool
		pg := callstore.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: store migrate: %w", err)
		}
		a.store = pg
	} else {
		slog.Warn("store.postgres_dsn is empty; using the in-memory call store")
		a.store = callstore.NewMemoryStore()
	}

	// ── Providers ─────────────────────────────────────────────────────────
	fast, err := buildLLM(cfg.LLM.Fast)
	if err != nil {
		return nil, fmt.Errorf("app: llm fast tier: %w", err)
	}
	slow, err := buildLLM(cfg.LLM.Slow)
	if err != nil {
		return nil, fmt.Errorf("app: llm slow tier: %w", err)
	}
	a.driver = llmdriver.New(fast, slow, llmdriver.WithRetryMax(cfg.LLM.RetryMax))

	if cfg.STT.APIKey != "" {
		var sttOpts []wsstream.Option
		if cfg.STT.Endpoint != "" {
			sttOpts = append(sttOpts, wsstream.WithEndpoint(cfg.STT.Endpoint))
		}
		if cfg.STT.Model != "" {
			sttOpts = append(sttOpts, wsstream.WithModel(cfg.STT.Model))
		}
		if a.sttP, err = wsstream.New(cfg.STT.APIKey, sttOpts...); err != nil {
			return nil, fmt.Errorf("app: stt: %w", err)
		}
	}
	if cfg.TTS.APIKey != "" {
		var ttsOpts []wsvoice.Option
		if cfg.TTS.Model != "" {
			ttsOpts = append(ttsOpts, wsvoice.WithModel(cfg.TTS.Model))
		}
		if a.ttsP, err = wsvoice.New(cfg.TTS.APIKey, ttsOpts...); err != nil {
			return nil, fmt.Errorf("app: tts: %w", err)
		}
	}
	if cfg.Translate.Endpoint != "" {
		if a.translate, err = translaterest.New(cfg.Translate.Endpoint, cfg.Translate.APIKey); err != nil {
			return nil, fmt.Errorf("app: translate: %w", err)
		}
	}
	if cfg.Safety.Endpoint != "" {
		if a.safety, err = safetyrest.New(cfg.Safety.Endpoint, cfg.Safety.APIKey); err != nil {
			return nil, fmt.Errorf("app: safety: %w", err)
		}
	}
	if cfg.SMS.Endpoint != "" {
		if a.smsP, err = smsrest.New(cfg.SMS.Endpoint, cfg.SMS.From, cfg.SMS.AccountSID, cfg.SMS.AuthToken); err != nil {
			return nil, fmt.Errorf("app: sms: %w", err)
		}
	}

	if cfg.Search.PostgresDSN != "" && cfg.Search.Embeddings.APIKey != "" {
		pool, err := pgxpool.New(ctx, cfg.Search.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: search pool: %w", err)
		}
		embedder, err := embopenai.New(cfg.Search.Embeddings.APIKey, cfg.Search.Embeddings.Model)
		if err != nil {
			return nil, fmt.Errorf("app: embeddings: %w", err)
		}
		sp, err := searchpg.New(pool, embedder)
		if err != nil {
			return nil, fmt.Errorf("app: search: %w", err)
		}
		if err := sp.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: search migrate: %w", err)
		}
		a.search = sp
	}

	// ── Tools, dispatcher, worker, HTTP ───────────────────────────────────
	a.registry = tools.NewRegistry()
	a.registry.MustRegister(tools.Builtin(tools.BuiltinDeps{
		Search:     a.search,
		SearchTopK: cfg.Search.TopK,
	})...)

	a.dispatcher = dispatch.New(a.q, dispatch.NewRedisMarker(a.rdb))

	defaults := a.callDefaults()
	a.worker = worker.New(worker.Config{
		MaxConcurrentCalls: cfg.Worker.MaxConcurrentCalls,
		DrainDeadline:      time.Duration(cfg.Worker.DrainDeadlineSec) * time.Second,
		CallbackTimeout:    time.Duration(a.flags.Current().CallbackTimeoutHour) * time.Hour,
		Defaults:           defaults,
	}, worker.Deps{
		Queue:      a.q,
		Store:      a.store,
		Leases:     a.leases,
		NewRunner:  a.newRunner,
		RespondSMS: a.respondSMS,
		SendSMS:    a.sendSMS,
	})

	h := health.New(
		health.Checker{Name: "redis", Check: func(ctx context.Context) error {
			return a.rdb.Ping(ctx).Err()
		}},
		health.Checker{Name: "store", Check: a.checkStore},
	)
	api := httpapi.New(a.store, a.q, defaults, h)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.flags.Run(gctx)
		return nil
	})
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error {
		slog.Info("http listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) close() {
	if a.storePool != nil {
		a.storePool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

// newRunner builds the per-call orchestrator with its own media bridge.
func (a *App) newRunner() (worker.Runner, func() error, error) {
	if a.sttP == nil || a.ttsP == nil {
		return nil, nil, errors.New("app: stt/tts providers are not configured")
	}
	bridge := media.New(a.sttP, a.ttsP, a.gateway, media.Config{
		ReconnectMax: a.flags.Current().RecognitionRetryMax,
	})
	orch := orchestrator.New(orchestrator.Deps{
		Store:      a.store,
		Leases:     a.leases,
		Registry:   a.registry,
		Driver:     a.driver,
		Bridge:     bridge,
		Translate:  a.translate,
		Safety:     a.safety,
		SMS:        a.smsP,
		Telephony:  a.gateway,
		Dispatcher: a.dispatcher,
	}, orchestrator.Params{
		Flags:          a.flags.Current(),
		PivotLanguage:  a.cfg.Bot.PivotLanguage,
		BotPhoneNumber: a.cfg.Bot.PhoneNumber,
		Voice:          a.voiceFor(types.StyleNone),
		STTSampleRate:  16000,
	})
	return orch, bridge.Close, nil
}

// respondSMS answers an SMS-only record with one fast-tier completion.
func (a *App) respondSMS(ctx context.Context, c *call.Call, _ string) (string, error) {
	sys, history := prompt.Assemble(c, prompt.Context{
		Date:           time.Now().Format("2006-01-02"),
		BotPhoneNumber: a.cfg.Bot.PhoneNumber,
	})
	resp, err := a.driver.Provider(llmdriver.TierFast).Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sys + "\n\nYou are answering by text message; reply in at most two short sentences.",
		Messages:     history,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (a *App) sendSMS(ctx context.Context, to, body string) error {
	if a.smsP == nil {
		return errors.New("app: sms is not configured")
	}
	return a.smsP.Send(ctx, to, body)
}

func (a *App) checkStore(ctx context.Context) error {
	if a.storePool != nil {
		return a.storePool.Ping(ctx)
	}
	return nil
}

// callDefaults builds the Initiate template for calls created without an
// explicit API body.
func (a *App) callDefaults() call.Initiate {
	return call.Initiate{
		BotName:            a.cfg.Bot.DefaultName,
		BotCompany:         a.cfg.Bot.DefaultCompany,
		AgentPhoneNumber:   a.cfg.Bot.AgentPhoneNumber,
		LanguageDefault:    a.cfg.Bot.DefaultLanguage,
		LanguagesAvailable: a.cfg.Bot.AvailableLanguages,
		TaskDescription:    "Assist the caller and record their claim.",
		ClaimSchema: []call.ClaimField{
			{Name: "policy_number", Type: call.FieldText, Description: "Insurance policy number"},
			{Name: "policyholder_phone", Type: call.FieldPhoneNumber, Description: "Policyholder contact number"},
			{Name: "incident_at", Type: call.FieldDatetime, Description: "When the incident happened"},
			{Name: "contact_email", Type: call.FieldEmail, Description: "Email for written follow-up"},
			{Name: "incident_description", Type: call.FieldText, Description: "What happened"},
		},
	}
}

// voiceFor resolves the configured voice for a style, falling back to the
// "none" style's voice and then to the provider's default voice when the
// styles table gives no voice ID.
func (a *App) voiceFor(style types.Style) types.VoiceProfile {
	v := types.VoiceProfile{Language: a.cfg.Bot.DefaultLanguage}
	if sc, ok := a.cfg.Styles[string(style)]; ok {
		if sc.VoiceID != "" {
			v.ID = sc.VoiceID
		}
		v.SpeedFactor = sc.SpeedFactor
		v.PitchShift = sc.PitchShift
	}
	if v.ID == "" {
		if sc, ok := a.cfg.Styles["none"]; ok && sc.VoiceID != "" {
			v.ID = sc.VoiceID
		}
	}
	return v
}

// buildLLM constructs one tier's provider from its config entry. "openai"
// selects the native SDK provider; "anthropic", "gemini", "mistral" and
// "ollama" route through any-llm-go; any other name is an error.
func buildLLM(entry config.ProviderEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []llmopenai.Option
		if entry.Endpoint != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.Endpoint))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	case "anthropic", "gemini", "mistral", "ollama":
		return anyllm.New(entry.Name, entry.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
}
