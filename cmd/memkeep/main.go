package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dotsetgreg/memkeep/pkg/bus"
	"github.com/dotsetgreg/memkeep/pkg/config"
	"github.com/dotsetgreg/memkeep/pkg/llm"
	"github.com/dotsetgreg/memkeep/pkg/logger"
	"github.com/dotsetgreg/memkeep/pkg/memory"
)

const appName = "memkeep"

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("%s %s (commit %s, built %s)\n", appName, version, commit, buildDate)
}

type runtime struct {
	cfg    *config.Config
	engine *memory.Engine
	events *bus.EventBus
	log    *zap.Logger
}

func openRuntime(configPath string) (*runtime, error) {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	model := llm.NewClient(llm.Config{
		APIKey:     cfg.GetAPIKey(),
		APIBase:    cfg.GetAPIBase(),
		ChatModel:  cfg.Provider.ChatModel,
		EmbedModel: cfg.Provider.EmbedModel,
		Proxy:      cfg.Provider.Proxy,
		MaxRetries: cfg.Provider.MaxRetries,
	})

	events := bus.NewEventBus()
	engine, err := memory.NewEngine(memory.Config{
		DBPath:             cfg.DBPath(),
		MaxResults:         cfg.Memory.MaxResults,
		EmbedCacheSize:     cfg.Memory.EmbedCacheSize,
		SweepSchedule:      cfg.Memory.SweepSchedule,
		CompactionSchedule: cfg.Memory.CompactionSchedule,
	}, model, events, log)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open memory engine: %w", err)
	}

	return &runtime{cfg: cfg, engine: engine, events: events, log: log}, nil
}

func (rt *runtime) Close() {
	if err := rt.engine.Close(); err != nil {
		rt.log.Warn("engine close", zap.Error(err))
	}
	rt.events.Close()
	_ = rt.log.Sync()
}

// watchProgress prints pipeline events for a project until cancel is called.
func (rt *runtime) watchProgress(projectID string) func() {
	ch, cancel := rt.events.Subscribe(projectID, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range ch {
			if event.Message != "" {
				fmt.Printf("  [%s] %s\n", event.Kind, event.Message)
			} else {
				fmt.Printf("  [%s]\n", event.Kind)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
