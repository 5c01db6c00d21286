// Command aegis runs the AEGIS policy-enforcement proxy: it wires the
// PAP policy store, PIP context enrichers, the hybrid PDP engine, the
// constraint/obligation registries and the PEP's transports into one
// running process, the way the teacher's cmd/helm/main.go wires its
// kernel layers.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	_ "github.com/lib/pq"

	"github.com/Shin0205go/Aegis-sub002/internal/audit"
	"github.com/Shin0205go/Aegis-sub002/internal/cache"
	"github.com/Shin0205go/Aegis-sub002/internal/config"
	"github.com/Shin0205go/Aegis-sub002/internal/constraint"
	"github.com/Shin0205go/Aegis-sub002/internal/metrics"
	"github.com/Shin0205go/Aegis-sub002/internal/obligation"
	"github.com/Shin0205go/Aegis-sub002/internal/pap"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp/engine"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp/llmjudge"
	"github.com/Shin0205go/Aegis-sub002/internal/pdp/rules"
	"github.com/Shin0205go/Aegis-sub002/internal/pep"
	"github.com/Shin0205go/Aegis-sub002/internal/pip"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint: with no subcommand it starts the
// server, matching the teacher's "default to server" dispatch.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		runServer()
		return 0
	}
	switch args[1] {
	case "serve":
		runServer()
		return 0
	case "health":
		return runHealthCmd(stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q (expected \"serve\" or \"health\")\n", args[1])
		return 2
	}
}

func runHealthCmd(out, errOut io.Writer) int {
	resp, err := http.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(errOut, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

// upstreamConfig is the shape of the JSON file named by UPSTREAM_CONFIG:
// a flat list of stdio-spawned MCP servers to aggregate behind the proxy.
type upstreamConfig struct {
	Upstreams []pep.StdioSpec `yaml:"upstreams" json:"upstreams"`
}

// loadUpstreamConfigs reads a JSON or YAML upstream config file, dispatched
// by extension the way the teacher's policyloader.Loader discovers bundle
// files, generalized here to accept either format.
func loadUpstreamConfigs(path string) ([]pep.StdioSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read upstream config: %w", err)
	}

	var cfg upstreamConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode upstream config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode upstream config: %w", err)
		}
	}
	return cfg.Upstreams, nil
}

func runServer() {
	ctx := context.Background()
	logger := slog.Default()
	cfg := config.Load()

	auditStore, closeAudit, err := setupAuditStore(cfg)
	if err != nil {
		log.Fatalf("aegis: audit store: %v", err)
	}
	defer closeAudit()

	policyStore, err := setupPolicyStore(cfg)
	if err != nil {
		log.Fatalf("aegis: policy store: %v", err)
	}

	evaluator, err := rules.NewEvaluator()
	if err != nil {
		log.Fatalf("aegis: rule evaluator: %v", err)
	}

	decisionCache := cache.New(cfg.CacheL1Size)
	if cfg.RedisAddr != "" {
		decisionCache = decisionCache.WithL2(cache.NewRedisL2(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "aegis"), engine.JSONCodec())
	}
	if !cfg.CacheEnabled {
		decisionCache = nil
	}

	var judge *llmjudge.Judge
	if cfg.LLMAPIKey != "" {
		client := llmjudge.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMModel, "")
		judge = llmjudge.NewJudge(llmjudge.NewRouter(client, nil))
	} else {
		logger.Warn("LLM_API_KEY not set: natural-language policies without a structured outcome will be INDETERMINATE")
	}

	eng := engine.New(evaluator, judge, decisionCache,
		engine.WithConflictStrategy(cfg.ConflictStrategy),
		engine.WithConfidenceThreshold(cfg.ConfidenceThreshold),
	)
	policyStore.OnInvalidate(eng.InvalidatePolicy)

	enrichers := pip.NewRegistry(2*time.Second,
		pip.NewTimeEnricher(time.UTC),
		pip.NewAgentEnricher(pip.NewStaticAgentDirectory(nil)),
		pip.NewResourceEnricher(pip.NewStaticResourceDirectory(nil)),
		pip.NewSecurityEnricher(pip.NoGeoLookup{}, pip.NoFailedAttempts{}),
	)

	constraints := constraint.NewRegistry()
	constraints.Register(constraint.NewAnonymizer())
	constraints.Register(constraint.NewRateLimiter())
	constraints.Register(constraint.NewGeoRestrictor())

	obligations := obligation.NewRegistry()
	obligations.Register(obligation.NewAuditLogger(auditStore))
	obligations.Register(obligation.NewNotifier(obligation.NewLogSink()))
	scheduler := obligation.NewTimerScheduler(nil)
	obligations.Register(obligation.NewLifecycle(scheduler))

	metricsProvider, err := metrics.New()
	if err != nil {
		log.Fatalf("aegis: metrics: %v", err)
	}

	proxy := pep.New(policyStore, enrichers, eng, constraints, obligations,
		pep.WithDecisionTimeout(time.Duration(cfg.DecisionTimeoutMs)*time.Millisecond),
		pep.WithRequestTimeout(time.Duration(cfg.RequestTimeoutMs)*time.Millisecond),
		pep.WithMetrics(metricsProvider),
	)

	if decisionCache != nil {
		go sampleCacheMetrics(ctx, decisionCache, metricsProvider)
	}

	specs, err := loadUpstreamConfigs(cfg.UpstreamConfigPath)
	if err != nil {
		log.Fatalf("aegis: upstream config: %v", err)
	}
	for _, spec := range specs {
		up, err := pep.StartStdioUpstream(spec)
		if err != nil {
			logger.Error("failed to start upstream", "upstream", spec.Name, "error", err)
			continue
		}
		if err := proxy.RegisterUpstream(ctx, spec.Name, up); err != nil {
			logger.Error("failed to register upstream", "upstream", spec.Name, "error", err)
		}
	}

	if cfg.StdioMode {
		logger.Info("aegis: serving downstream client over stdio")
		srv := pep.NewStdioServer(proxy, pep.RequestMeta{Agent: "stdio-client"})
		if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
			log.Fatalf("aegis: stdio server: %v", err)
		}
		return
	}

	httpServer := pep.NewHTTPServer(proxy, []byte(cfg.JWTSecret)).WithMetrics(metricsProvider.Handler())
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("aegis: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("aegis: server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("aegis: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("aegis: graceful shutdown failed", "error", err)
	}
	_ = metricsProvider.Shutdown(shutdownCtx)
}

// sampleCacheMetrics periodically republishes the decision cache's
// occupancy and hit ratio as gauges; both are point-in-time snapshots
// rather than counters, so they're sampled on a ticker instead of
// recorded per-request.
func sampleCacheMetrics(ctx context.Context, c *cache.Cache, m *metrics.Provider) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CacheHitRatio.Record(ctx, c.HitRatio())
			m.CacheSize.Record(ctx, int64(c.Len()))
		case <-ctx.Done():
			return
		}
	}
}

func setupAuditStore(cfg *config.Config) (audit.Store, func(), error) {
	switch cfg.AuditBackend {
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.AuditDBPath)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open sqlite: %w", err)
		}
		store, err := audit.NewSQLiteStore(db)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		store, err := audit.NewFileStore(cfg.AuditDir, 100, 5*time.Second)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func setupPolicyStore(cfg *config.Config) (pap.Store, error) {
	switch cfg.PolicyStoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return pap.NewPostgresStore(db, nil), nil
	default:
		return pap.NewFileStore(cfg.PolicyStorePath, pap.OSFileIO{}, nil)
	}
}
