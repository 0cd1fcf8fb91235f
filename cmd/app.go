package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"Xinyu/server/internal/config"
	"Xinyu/server/internal/detector"
	"Xinyu/server/internal/engine"
	"Xinyu/server/internal/events"
	"Xinyu/server/internal/infra"
	"Xinyu/server/internal/logging"
	"Xinyu/server/internal/prompts"
	"Xinyu/server/internal/relationship"
	"Xinyu/server/internal/snapshot"
	"Xinyu/server/internal/storage"
	"Xinyu/server/internal/synchronizer"
	"Xinyu/server/internal/web"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	kv       storage.KV
	mysql    *storage.MySQLStore
	bus      *events.Bus
	relay    *events.RedisRelay
	queue    *infra.TaskQueue
	services web.Services
}

// loadConfig reads path, falling back to defaults when the file does not
// exist.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func openKV(cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Backend {
	case "redis":
		return storage.NewRedisKV(cfg.Redis)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return storage.NewSQLiteKV(cfg.SQLite.Path)
	default:
		return storage.NewMemoryKV(), nil
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	kv, err := openKV(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}
	a.kv = kv
	logger.Info("storage ready", "backend", cfg.Storage.Backend)

	var requests storage.RequestStore = storage.NewKVRequestStore(kv)
	if cfg.Engine.RequestStore == "mysql" {
		a.mysql, err = storage.NewMySQLStore(cfg.Storage.MySQL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to mysql: %w", err)
		}
		requests = a.mysql.Requests()
		logger.Info("request store ready", "backend", "mysql")
	}

	a.bus = events.NewBus(logger, 256)
	if redisKV, ok := kv.(*storage.RedisKV); ok {
		a.relay = events.NewRedisRelay(redisKV.Client(), cfg.Storage.Redis.EventChannel, logger)
		a.relay.Attach(a.bus)
	}

	a.queue = infra.NewTaskQueue(cfg.Queue.MaxWorkers, cfg.Queue.MaxQueueSize, logger)
	a.queue.Start(ctx)

	gen := engine.NewGenerationClient(cfg.AI.Generation, logger)
	if cfg.AI.Generation.APIKey == "" {
		logger.Warn("no generation api key configured; generation calls will fail")
	}

	templates := prompts.NewTemplateEngine()
	characters := storage.NewCharacterStore(kv)
	players := storage.NewPlayerStore(kv)
	turns := storage.NewTurnStore(kv)

	rel := relationship.NewEngine(gen, storage.NewFavorStore(kv), templates,
		relationship.WithPublisher(a.bus),
		relationship.WithLogger(logger),
		relationship.WithHistoryLimit(cfg.Engine.FavorHistoryLimit))
	det := detector.New(requests,
		detector.WithPublisher(a.bus),
		detector.WithLogger(logger))
	snaps := snapshot.NewCache(gen, turns, storage.NewSnapshotStore(kv), characters, players,
		snapshot.WithTemplates(templates),
		snapshot.WithContextTurns(cfg.Engine.ContextTurns),
		snapshot.WithLogger(logger))
	syncer := synchronizer.New(det, turns, storage.NewMessageStore(kv), storage.NewContactStore(kv), requests,
		synchronizer.WithLookback(cfg.Engine.SyncLookback),
		synchronizer.WithLogger(logger))
	syncer.Start(a.bus)

	eng := engine.NewNarrativeEngine(engine.Deps{
		Generator:    gen,
		Assembler:    prompts.NewAssembler(templates),
		Characters:   characters,
		Players:      players,
		Turns:        turns,
		Requests:     requests,
		Relationship: rel,
		Detector:     det,
		Snapshots:    snaps,
		Sync:         syncer,
		Publisher:    a.bus,
		Queue:        a.queue,
		Logger:       logger,
	}, engine.Options{
		ContextTurns:   cfg.Engine.ContextTurns,
		RejectWhenBusy: cfg.Engine.RejectWhenBusy,
	})

	a.services = web.Services{
		Engine:     eng,
		Characters: characters,
		Players:    players,
		Requests:   requests,
		Snapshots:  snaps,
		Sync:       syncer,
		Bus:        a.bus,
		Queue:      a.queue,
	}
	return a, nil
}

// Close lets background work finish and releases storage.
func (a *app) Close() {
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.services.Sync != nil {
		a.services.Sync.Stop()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.mysql != nil {
		if err := a.mysql.Close(); err != nil {
			a.logger.Warn("mysql close failed", "error", err)
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("storage close failed", "error", err)
		}
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Logging)
}
