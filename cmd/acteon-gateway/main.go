// Command acteon-gateway wires and runs the Acteon action gateway's core:
// the Rule Evaluator, Executor, Orchestrator, Group Batcher, Event
// State-Machine Runtime, Chain Runner, Audit Recorder, and Background
// Scheduler, behind the pkg/gateway.Gateway composition root.
//
// There is no HTTP server here: spec.md §1 lists the inbound transport as
// an external collaborator out of scope for this core, so this binary's
// job ends at bringing the core up, keeping it running, and shutting it
// down cleanly — mirroring the teacher's cmd/appserver's flag-parse,
// construct, Start, wait-for-signal, Stop shape, minus the HTTP listener.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/acteon/gateway/internal/eventbus"
	"github.com/acteon/gateway/internal/logging"
	"github.com/acteon/gateway/pkg/audit"
	"github.com/acteon/gateway/pkg/chains"
	"github.com/acteon/gateway/pkg/config"
	"github.com/acteon/gateway/pkg/eventsm"
	"github.com/acteon/gateway/pkg/executor"
	"github.com/acteon/gateway/pkg/gateway"
	"github.com/acteon/gateway/pkg/groups"
	"github.com/acteon/gateway/pkg/orchestrator"
	"github.com/acteon/gateway/pkg/providers"
	"github.com/acteon/gateway/pkg/resilience"
	"github.com/acteon/gateway/pkg/rules"
	"github.com/acteon/gateway/pkg/scheduler"
	"github.com/acteon/gateway/pkg/state"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file (overrides CONFIG_FILE)")
	namespacesFlag := flag.String("namespaces", "default", "comma-separated namespaces the Background Scheduler drives")
	rulesDirFlag := flag.String("rules-dir", "", "directory of declarative rule files to load at startup (overrides config)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log0 := logging.New("acteon-gateway", cfg.Logging.Level, cfg.Logging.Format)

	store, closeStore := buildStore(cfg, log0)
	defer closeStore()

	bus := eventbus.New()

	registry := rules.NewRegistry(func() (*rules.Evaluator, error) {
		return rules.NewEvaluator(store, log0)
	})
	if dir := firstNonEmpty(*rulesDirFlag, cfg.Rules.Directory); cfg.Rules.Source == "directory" && dir != "" {
		for _, ns := range splitNamespaces(*namespacesFlag) {
			rs, err := rules.LoadDirectory(ns, dir)
			if err != nil {
				log0.WithFields(map[string]interface{}{"namespace": ns, "dir": dir, "error": err}).
					Warn("no rule directory loaded at startup; namespace starts with an empty RuleSet")
				continue
			}
			if err := registry.Reload(ns, rs); err != nil {
				log.Fatalf("load rules for namespace %s: %v", ns, err)
			}
		}
	}

	providerRegistry := providers.NewRegistry(resilience.DefaultCircuitConfig())
	// Concrete provider adapters (email/Slack/PagerDuty/webhook) are
	// registered by the deployment embedding this binary; none are wired
	// here since spec.md §3 treats ProviderAdapter as "rebuilt from config",
	// and no HTTP/SMTP/webhook transport is in scope for this core.

	exec := executor.New(toExecutorConfig(cfg.Executor), providerRegistry, store, log0)

	engine, err := rules.NewEngine(store, nil)
	if err != nil {
		log.Fatalf("build rule engine: %v", err)
	}
	batcher := groups.New(store, engine, exec, log0)
	events := eventsm.New(store, engine, log0)
	runner := chains.New(store, exec, engine, log0, cfg.Chains.MaxConcurrentAdvances)

	auditCfg := audit.DefaultConfig()
	auditCfg.HashChain = cfg.Audit.HashChain
	auditor := audit.New(store, auditCfg)

	orch := orchestrator.New(orchestrator.DefaultConfig(), store, registry, exec, batcher, events, runner, auditor, bus, log0)

	schedCfg := scheduler.DefaultConfig(splitNamespaces(*namespacesFlag)...)
	sched := scheduler.New(schedCfg, store, batcher, events, orchestrator.AsSchedulerDispatcher{O: orch}, log0)

	gw := gateway.New(store, registry, orch, batcher, events, runner, auditor, sched, bus, log0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("start gateway: %v", err)
	}
	log0.Info("acteon gateway started")

	<-ctx.Done()
	log0.Info("shutting down")

	if err := gw.Stop(); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func buildStore(cfg *config.Config, log0 *logging.Logger) (state.Store, func()) {
	switch cfg.State.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.State.RedisAddr,
			DB:       cfg.State.RedisDB,
			Password: cfg.State.RedisPassword,
		})
		return state.NewRedisStore(client, "acteon"), func() { _ = client.Close() }
	default:
		if cfg.State.Backend != "memory" && cfg.State.Backend != "" {
			log0.WithFields(map[string]interface{}{"backend": cfg.State.Backend}).
				Warn("unsupported state backend requested, falling back to memory")
		}
		return state.NewMemoryStore(time.Now), func() {}
	}
}

func toExecutorConfig(c config.ExecutorConfig) executor.Config {
	cfg := executor.DefaultConfig()
	if c.MaxConcurrent > 0 {
		cfg.MaxConcurrent = c.MaxConcurrent
	}
	if c.TimeoutSeconds > 0 {
		cfg.PerCallTimeout = time.Duration(c.TimeoutSeconds) * time.Second
	}
	if c.MaxRetries > 0 {
		cfg.Retry.MaxRetries = c.MaxRetries
	}
	cfg.DLQEnabled = c.DLQEnabled
	return cfg
}

func splitNamespaces(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if seg := raw[start:i]; seg != "" {
				out = append(out, seg)
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return []string{"default"}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
