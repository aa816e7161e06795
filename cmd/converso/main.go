// Command converso is the main entry point for the Converso English practice
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/davrien/converso/internal/coach"
	"github.com/davrien/converso/internal/config"
	"github.com/davrien/converso/internal/health"
	"github.com/davrien/converso/internal/history"
	"github.com/davrien/converso/internal/observe"
	"github.com/davrien/converso/internal/resilience"
	"github.com/davrien/converso/internal/server"
	"github.com/davrien/converso/internal/settings"
	"github.com/davrien/converso/pkg/provider/capture"
	"github.com/davrien/converso/pkg/provider/capture/whisper"
	"github.com/davrien/converso/pkg/provider/embeddings"
	oaembed "github.com/davrien/converso/pkg/provider/embeddings/openai"
	"github.com/davrien/converso/pkg/provider/llm"
	"github.com/davrien/converso/pkg/provider/llm/anyllm"
	llmopenai "github.com/davrien/converso/pkg/provider/llm/openai"
	"github.com/davrien/converso/pkg/provider/synthesis"
	"github.com/davrien/converso/pkg/provider/synthesis/elevenlabs"
)

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
			fmt.Fprintf(os.Stderr, "converso: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "converso: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("converso starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "converso"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Topic catalogue ───────────────────────────────────────────────────────
	if len(cfg.Topics) > 0 {
		extra := make([]coach.Topic, 0, len(cfg.Topics))
		for _, t := range cfg.Topics {
			extra = append(extra, coach.Topic{ID: t.ID, Title: t.Title, Framing: t.Framing, Opening: t.Opening})
		}
		coach.RegisterTopics(extra...)
		slog.Info("registered configured topics", "count", len(extra))
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Settings store ────────────────────────────────────────────────────────
	settingsPath := cfg.Settings.Path
	if settingsPath == "" {
		settingsPath = filepath.Join(filepath.Dir(*configPath), "settings.json")
	}
	store, err := settings.NewFileStore(settingsPath)
	if err != nil {
		slog.Error("failed to open settings store", "path", settingsPath, "err", err)
		return 1
	}

	// ── Instantiate providers and wire the server ─────────────────────────────
	deps, closeDeps, err := buildDeps(ctx, cfg, reg, store)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	defer closeDeps()

	printStartupSummary(cfg)

	srv := server.New(cfg, deps)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with Converso. Used for startup logging.
var builtinProviders = map[string][]string{
	"coach":      {"openai", "anthropic", "ollama", "gemini", "mistral", "groq"},
	"capture":    {"whisper"},
	"synthesis":  {"elevenlabs"},
	"embeddings": {"openai"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// The browser-bridge engines ("wsbridge") are deliberately absent: they are
// constructed per WebSocket session, so their names fall through to the
// not-registered skip path and leave the server on the bridge.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Coach ─────────────────────────────────────────────────────────────────
	// openai uses the native SDK so structured outputs enforce the scoring
	// schema server-side.
	reg.RegisterCoach("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, mistral and groq share the same pattern: optional
	// APIKey + optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "mistral", "groq"} {
		reg.RegisterCoach(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
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
	reg.RegisterCoach("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("whisper", func(entry config.ProviderEntry) (capture.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(modelPath, opts...)
	})

	// ── Synthesis ─────────────────────────────────────────────────────────────

	reg.RegisterSynthesis("elevenlabs", func(entry config.ProviderEntry, sink synthesis.AudioSink) (synthesis.Engine, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, sink, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildDeps instantiates all providers named in cfg and assembles the server
// dependency set. The returned close function releases everything in reverse
// order of construction.
func buildDeps(ctx context.Context, cfg *config.Config, reg *config.Registry, store *settings.FileStore) (server.Deps, func(), error) {
	deps := server.Deps{
		Settings: store,
		Metrics:  observe.DefaultMetrics(),
	}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// ── Coach ─────────────────────────────────────────────────────────────────
	if name := cfg.Providers.Coach.Name; name != "" {
		p, err := reg.CreateCoach(cfg.Providers.Coach)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not built in — skipping", "kind", "coach", "name", name)
		} else if err != nil {
			closeAll()
			return server.Deps{}, nil, fmt.Errorf("create coach provider %q: %w", name, err)
		} else {
			breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})
			metrics := deps.Metrics
			deps.Coach = coach.New(p,
				coach.WithBreaker(breaker),
				coach.WithCallObserver(func(ctx context.Context, op string, seconds float64) {
					metrics.RecordCoachDuration(ctx, op, seconds)
				}),
			)
			slog.Info("provider created", "kind", "coach", "name", name)
		}
	}
	if deps.Coach == nil {
		closeAll()
		return server.Deps{}, nil, errors.New("a coach provider is required (providers.coach)")
	}

	deps.Credentials = credentialSource{store: store, fallback: cfg.Providers.Coach.APIKey}

	// ── Capture ───────────────────────────────────────────────────────────────
	if name := cfg.Providers.Capture.Name; name != "" {
		eng, err := reg.CreateCapture(cfg.Providers.Capture)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("using the browser capture bridge", "name", name)
		} else if err != nil {
			closeAll()
			return server.Deps{}, nil, fmt.Errorf("create capture provider %q: %w", name, err)
		} else {
			deps.Capture = eng
			slog.Info("provider created", "kind", "capture", "name", name)
		}
	}

	// ── Synthesis ─────────────────────────────────────────────────────────────
	if name := cfg.Providers.Synthesis.Name; name != "" {
		entry := cfg.Providers.Synthesis
		// Probe the registration once; the real engine is built per session
		// around that session's audio sink.
		_, err := reg.CreateSynthesis(entry, discardSink{})
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("using the browser synthesis bridge", "name", name)
		} else if err != nil {
			closeAll()
			return server.Deps{}, nil, fmt.Errorf("create synthesis provider %q: %w", name, err)
		} else {
			deps.SynthesisFactory = func(sink synthesis.AudioSink) (synthesis.Engine, error) {
				return reg.CreateSynthesis(entry, sink)
			}
			slog.Info("provider created", "kind", "synthesis", "name", name)
		}
	}

	// ── History ───────────────────────────────────────────────────────────────
	if dsn := cfg.History.PostgresDSN; dsn != "" {
		entry := cfg.Providers.Embeddings
		if cfg.History.EmbeddingDimensions > 0 && optInt(entry.Options, "dimensions") == 0 {
			opts := map[string]any{"dimensions": cfg.History.EmbeddingDimensions}
			for k, v := range entry.Options {
				opts[k] = v
			}
			entry.Options = opts
		}
		embedder, err := reg.CreateEmbeddings(entry)
		if err != nil {
			closeAll()
			return server.Deps{}, nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name, "model", embedder.ModelID())

		hs, err := history.NewStore(ctx, dsn, embedder)
		if err != nil {
			closeAll()
			return server.Deps{}, nil, fmt.Errorf("open history store: %w", err)
		}
		closers = append(closers, hs.Close)
		deps.History = hs
		deps.Checkers = append(deps.Checkers, health.Checker{Name: "history", Check: hs.Ping})
		slog.Info("history store connected")
	}

	// ── Readiness checks ──────────────────────────────────────────────────────
	creds := deps.Credentials
	deps.Checkers = append(deps.Checkers, health.Checker{
		Name: "coach",
		Check: func(context.Context) error {
			if _, ok := creds.APIKey(); !ok {
				return errors.New("no API key configured")
			}
			return nil
		},
	})
	return deps, closeAll, nil
}

// credentialSource resolves the coach API key: the user-stored settings value
// wins, the configured provider key is the fallback.
type credentialSource struct {
	store    *settings.FileStore
	fallback string
}

func (c credentialSource) APIKey() (string, bool) {
	if c.store != nil {
		if key, ok := c.store.APIKey(); ok {
			return key, true
		}
	}
	return c.fallback, c.fallback != ""
}

// discardSink satisfies the synthesis sink contract for the startup probe.
type discardSink struct{}

func (discardSink) WriteAudio(context.Context, []byte) error { return nil }

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Converso — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Coach", cfg.Providers.Coach.Name, cfg.Providers.Coach.Model)
	printProvider("Capture", bridgeName(cfg.Providers.Capture.Name), cfg.Providers.Capture.Model)
	printProvider("Synthesis", bridgeName(cfg.Providers.Synthesis.Name), cfg.Providers.Synthesis.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if cfg.History.PostgresDSN != "" {
		fmt.Printf("║  History         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  History         : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Extra topics    : %-19d ║\n", len(cfg.Topics))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// bridgeName labels an unset speech provider: the browser engines carry it.
func bridgeName(name string) string {
	if name == "" || name == "wsbridge" {
		return "browser bridge"
	}
	return name
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
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

// optInt extracts an integer value the same way. YAML decodes whole numbers
// as int, so a single assertion suffices.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	n, _ := opts[key].(int)
	return n
}
