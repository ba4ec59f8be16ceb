// Command frontdesk is the main entry point for the Frontdesk receptionist server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/relayline/frontdesk/internal/billing"
	"github.com/relayline/frontdesk/internal/config"
	"github.com/relayline/frontdesk/internal/finalize"
	"github.com/relayline/frontdesk/internal/gate"
	"github.com/relayline/frontdesk/internal/health"
	"github.com/relayline/frontdesk/internal/ingress"
	"github.com/relayline/frontdesk/internal/observe"
	"github.com/relayline/frontdesk/internal/server"
	"github.com/relayline/frontdesk/internal/store"
	"github.com/relayline/frontdesk/internal/telephony"
	"github.com/relayline/frontdesk/pkg/provider/llm"
	"github.com/relayline/frontdesk/pkg/provider/llm/anyllm"
	"github.com/relayline/frontdesk/pkg/provider/llm/openai"
	"github.com/relayline/frontdesk/pkg/provider/stt"
	"github.com/relayline/frontdesk/pkg/provider/stt/deepgram"
	"github.com/relayline/frontdesk/pkg/provider/tts"
	"github.com/relayline/frontdesk/pkg/provider/tts/elevenlabs"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "frontdesk: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "frontdesk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("frontdesk starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "frontdesk",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	sttProvider, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		slog.Error("failed to create stt provider", "name", cfg.Providers.STT.Name, "err", err)
		return 1
	}
	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to create llm provider", "name", cfg.Providers.LLM.Name, "err", err)
		return 1
	}
	ttsProvider, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		slog.Error("failed to create tts provider", "name", cfg.Providers.TTS.Name, "err", err)
		return 1
	}
	slog.Info("providers created",
		"stt", cfg.Providers.STT.Name,
		"llm", cfg.Providers.LLM.Name,
		"tts", cfg.Providers.TTS.Name,
	)

	// ── Store ─────────────────────────────────────────────────────────────────
	var (
		tenants store.TenantStore
		calls   store.CallStore
		pool    *pgxpool.Pool
	)
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to create database pool", "err", err)
			return 1
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			slog.Error("database unreachable", "err", err)
			return 1
		}

		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			return 1
		}
		tenants, calls = pg, pg
		slog.Info("connected to postgres")
	} else {
		mem := store.NewMemStore()
		tenants, calls = mem, mem
		slog.Warn("running with in-memory store; data will not survive restarts")
	}

	// ── Billing ───────────────────────────────────────────────────────────────
	var (
		billingClient *billing.Client
		checker       gate.SubscriptionChecker
		overageSink   billing.Sink
	)
	if cfg.Billing.BaseURL != "" {
		billingClient, err = billing.NewClient(cfg.Billing.BaseURL, cfg.Billing.APIKey)
		if err != nil {
			slog.Error("failed to create billing client", "err", err)
			return 1
		}
		checker = billingClient
		overageSink = billingClient
	}

	// ── Telephony ─────────────────────────────────────────────────────────────
	var transfer *telephony.Client
	if cfg.Telephony.TwilioAccountSID != "" {
		transfer, err = telephony.New(cfg.Telephony.TwilioAccountSID, cfg.Telephony.TwilioAuthToken, logger)
		if err != nil {
			slog.Error("failed to create telephony client", "err", err)
			return 1
		}
	}

	// ── Call finalisation ─────────────────────────────────────────────────────
	finalizer, err := finalize.New(finalize.Config{
		Tenants: tenants,
		Calls:   calls,
		LLM:     llmProvider,
		Billing: overageSink,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		slog.Error("failed to create finalizer", "err", err)
		return 1
	}

	// ── Ingress deps ──────────────────────────────────────────────────────────
	deps := ingress.Deps{
		Tenants:  tenants,
		Calls:    calls,
		Gate:     gate.New(checker, logger),
		STT:      sttProvider,
		LLM:      llmProvider,
		TTS:      ttsProvider,
		Final:    finalizer,
		Registry: ingress.NewRegistry(),
		Metrics:  metrics,
		Logger:   logger,
	}
	if transfer != nil {
		deps.Transfer = transfer
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	serverCfg := server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Ingress:    deps,
		Health: health.New(
			health.Database(pool),
			health.Providers(sttProvider != nil, llmProvider != nil, ttsProvider != nil),
		),
		Metrics: metrics,
		Logger:  logger,
	}
	if cfg.Server.TLS != nil {
		serverCfg.CertFile = cfg.Server.TLS.CertFile
		serverCfg.KeyFile = cfg.Server.TLS.KeyFile
	}

	srv, err := server.New(serverCfg)
	if err != nil {
		slog.Error("failed to create server", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	// openai uses the native SDK for streaming; the rest of the family goes
	// through the any-llm bridge.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Frontdesk — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if cfg.Database.PostgresDSN != "" {
		fmt.Printf("║  Store           : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Store           : %-19s ║\n", "in-memory")
	}
	if cfg.Telephony.TwilioAccountSID != "" {
		fmt.Printf("║  Transfer        : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Transfer        : %-19s ║\n", "(disabled)")
	}
	if cfg.Billing.BaseURL != "" {
		fmt.Printf("║  Billing         : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Billing         : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
