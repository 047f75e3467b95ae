// Copyright 2025 The Corral Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command corral runs the agent orchestration server.
//
// Usage:
//
//	corral serve --config corral.yaml
//	corral validate --config corral.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corralhq/corral/pkg/agent"
	"github.com/corralhq/corral/pkg/cancel"
	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/config"
	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/lifecycle"
	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/model"
	"github.com/corralhq/corral/pkg/observability"
	"github.com/corralhq/corral/pkg/orchestrator"
	"github.com/corralhq/corral/pkg/server"
	"github.com/corralhq/corral/pkg/session"
	"github.com/corralhq/corral/pkg/team"
	"github.com/corralhq/corral/pkg/toolclient"
	"github.com/corralhq/corral/pkg/trigger"
	"github.com/corralhq/corral/pkg/workflow"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestration server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("corral version %s\n", buildVersion())
	return nil
}

func buildVersion() string {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	return version
}

// ValidateCmd loads a config file and reports what it defines.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	cfg, err := config.LoadFile(cli.Config)
	if err != nil {
		return fmt.Errorf("config is invalid: %w", err)
	}
	fmt.Printf("Config OK: %d agents, %d teams, %d workflows, %d triggers, %d model providers\n",
		len(cfg.Agents), len(cfg.Teams), len(cfg.Workflows), len(cfg.Triggers), len(cfg.Models))
	return nil
}

// ServeCmd starts the orchestration server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for serve")
	}

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.GetLogger().Info("Shutting down")
		cancelCtx()
	}()

	loader, err := config.NewLoader(cli.Config, config.WithOnChange(func(*config.Config) {
		// Definitions are captured at boot; a reload takes effect on restart.
		logger.GetLogger().Info("Config file changed; restart to apply")
	}))
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.GetLogger().Error("Config watch failed", "error", err)
			}
		}()
	}

	log := logger.GetLogger()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Model gateway.
	gateway := model.NewGateway()
	for name, mp := range cfg.Models {
		providerType := mp.Type
		if providerType == "" {
			providerType = name
		}
		var llm model.LLM
		switch providerType {
		case model.ProviderAnthropic:
			llm, err = model.NewAnthropicClient(model.AnthropicConfig{
				APIKey:  mp.APIKey,
				BaseURL: mp.BaseURL,
				Timeout: cfg.Timeouts.PerLLMCall,
			})
		case model.ProviderOpenAI:
			llm, err = model.NewOpenAIClient(model.OpenAIConfig{
				APIKey:  mp.APIKey,
				BaseURL: mp.BaseURL,
				Timeout: cfg.Timeouts.PerLLMCall,
			})
		}
		if err != nil {
			return fmt.Errorf("model provider %s: %w", name, err)
		}
		if err := gateway.Register(llm); err != nil {
			return fmt.Errorf("model provider %s: %w", name, err)
		}
	}
	log.Info("Model gateway ready", "providers", gateway.Providers())

	// Session store.
	var sessions session.Service
	switch cfg.Session.Backend {
	case "sqlite":
		svc, err := session.OpenSQLService(cfg.Session.Path)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer svc.Close()
		sessions = svc
	default:
		sessions = session.NewInMemoryService()
	}

	// Tool catalog with background health probing.
	cat := catalog.New()
	prober := catalog.NewProber(cat)
	go prober.Run(ctx)

	tools := toolclient.New()
	defer tools.Close()
	dispatcher := agent.NewCatalogDispatcher(cat, tools)

	bus := eventbus.NewBus()
	cancels := cancel.NewRegistry()

	defs := orchestrator.Definitions{
		Agents:    cfg.Agents,
		Teams:     cfg.Teams,
		Workflows: cfg.Workflows,
		Triggers:  cfg.Triggers,
	}

	runtime := agent.NewRuntime(gateway, dispatcher, bus, sessions,
		agent.WithTimeouts(cfg.Timeouts))
	coordinator := team.NewCoordinator(runtime, defs, bus,
		team.WithMaxConcurrentAgents(cfg.MaxConcurrentAgents))
	engine := workflow.NewEngine(dispatcher, bus,
		workflow.WithTimeouts(cfg.Timeouts))

	// Observability.
	reg := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(reg)

	tracer, err := observability.NewTracer(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRatio: cfg.Observability.Tracing.SampleRatio,
		Stdout:      cfg.Observability.Tracing.Stdout,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		Version:     buildVersion(),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	orch := orchestrator.New(defs, runtime, coordinator, engine, bus, cancels,
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tracer))

	// Provider lifecycle over docker. The server still runs without docker;
	// installed tool providers just become unavailable.
	var serverOpts []server.Option
	serverOpts = append(serverOpts, server.WithMetricsHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	var lm *lifecycle.Manager
	if runtimeDocker, err := lifecycle.NewDockerRuntime(); err != nil {
		log.Warn("Docker unavailable, provider management disabled", "error", err)
	} else {
		defer runtimeDocker.Close()
		manifest, err := lifecycle.OpenManifest(cfg.Lifecycle.ManifestDir, "manifest.json")
		if err != nil {
			return fmt.Errorf("open manifest: %w", err)
		}
		lm = lifecycle.NewManager(runtimeDocker,
			lifecycle.NewRegistryClient(cfg.Lifecycle.RegistryURL),
			cat, tools, manifest)
		serverOpts = append(serverOpts, server.WithProviders(lm))

		// Reconcile desired packages in the background; boot does not wait
		// for image pulls.
		desired := installRequests(cfg.Lifecycle.AutoInstall)
		if len(desired) > 0 {
			go lm.Reconcile(ctx, desired)
		}
	}

	// Triggers: container-backed ones sync through the lifecycle manager,
	// schedule triggers run in-process.
	if lm != nil {
		tm := trigger.NewManager(lm, trigger.WithCallbackURL("http://"+addr))
		go tm.Sync(ctx, triggerList(cfg.Triggers))
	}
	sched := trigger.NewScheduler(orch)
	for id, def := range cfg.Triggers {
		if err := sched.Register(def); err != nil {
			return fmt.Errorf("trigger %s: %w", id, err)
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(addr, orch, cat, bus, serverOpts...)
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown failed", "error", err)
		}
	}()

	fmt.Printf("\nCorral server ready\n")
	fmt.Printf("   API:      http://%s/api\n", addr)
	fmt.Printf("   Events:   ws://%s/ws\n", addr)
	fmt.Printf("   Metrics:  http://%s/metrics\n", addr)
	fmt.Printf("   Health:   http://%s/health\n", addr)
	fmt.Printf("   Agents: %d, teams: %d, workflows: %d, triggers: %d\n",
		len(cfg.Agents), len(cfg.Teams), len(cfg.Workflows), len(cfg.Triggers))
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start()
}

// installRequests flattens the auto-install config into lifecycle requests.
func installRequests(ai config.AutoInstallConfig) []lifecycle.InstallRequest {
	out := make([]lifecycle.InstallRequest, 0, len(ai.Providers)+len(ai.Triggers))
	for _, spec := range ai.Providers {
		out = append(out, lifecycle.InstallRequest{
			Name:     spec.Name,
			Package:  spec.Package,
			Version:  spec.Version,
			Registry: spec.Registry,
			Kind:     "provider",
		})
	}
	for _, spec := range ai.Triggers {
		out = append(out, lifecycle.InstallRequest{
			Name:     spec.Name,
			Package:  spec.Package,
			Version:  spec.Version,
			Registry: spec.Registry,
			Kind:     "trigger",
		})
	}
	return out
}

func triggerList(defs map[string]*trigger.Definition) []*trigger.Definition {
	out := make([]*trigger.Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def)
	}
	return out
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("corral"),
		kong.Description("Corral - config-driven AI agent orchestration"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = f
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
