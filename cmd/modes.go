package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/amirphl/orderbook-replay/internal/book"
	"github.com/amirphl/orderbook-replay/internal/config"
	"github.com/amirphl/orderbook-replay/internal/db"
	"github.com/amirphl/orderbook-replay/internal/exchange"
	"github.com/amirphl/orderbook-replay/internal/ingest"
	"github.com/amirphl/orderbook-replay/internal/journal"
	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/amirphl/orderbook-replay/internal/notifier"
	"github.com/amirphl/orderbook-replay/internal/replay"
	"github.com/amirphl/orderbook-replay/internal/utils"
	"github.com/google/uuid"
)

func tickSource(cfg config.Config, storage db.TickStorage) ingest.Source {
	if cfg.Source == config.SourceStore {
		return ingest.StoreSource{Storage: storage, Symbol: cfg.Symbol, From: cfg.From, To: cfg.To}
	}
	return ingest.CSVSource{Path: cfg.Input}
}

// runReplay loads the tick log, replays it and writes the feature rows to the configured sinks.
func runReplay(ctx context.Context, cfg config.Config, storage db.Storage, n notifier.Notifier) (replay.Summary, error) {
	logger := utils.Component("replay")

	src := tickSource(cfg, storage)
	ticks, err := src.Load(ctx)
	if err != nil {
		return replay.Summary{}, fmt.Errorf("load %s: %w", src.Name(), err)
	}
	if !ingest.IsOrdered(ticks) {
		return replay.Summary{}, fmt.Errorf("%s: ticks are not ordered by timestamp", src.Name())
	}
	logger.Info().Str("source", src.Name()).Int("ticks", len(ticks)).Msg("Loaded ticks")

	policy, err := book.ParseLevelPolicy(cfg.LevelPolicy)
	if err != nil {
		return replay.Summary{}, err
	}
	engine := book.NewEngine(ticks, book.WithLevelPolicy(policy), book.WithTradeTolerance(cfg.TradeTolerance))

	runID := uuid.NewString()
	sinks := []replay.Sink{replay.MetricsSink{}}
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return replay.Summary{}, fmt.Errorf("create feature output: %w", err)
		}
		sinks = append(sinks, replay.NewCSVSink(f))
	}
	if cfg.SaveFeatures {
		sinks = append(sinks, replay.NewStoreSink(storage, runID, cfg.Symbol, replay.DefaultStoreBatch))
	}

	sum, err := replay.Run(ctx, engine, replay.Options{
		RunID:         runID,
		Symbol:        cfg.Symbol,
		Source:        src.Name(),
		ProgressEvery: cfg.ProgressEvery,
		DumpBook:      cfg.DumpBook,
		Journal:       storage,
		Logger:        &logger,
	}, sinks...)

	msg := "Replay finished: " + sum.String()
	if err != nil {
		msg = fmt.Sprintf("Replay failed: %s: %v", sum.String(), err)
	}
	if nerr := n.SendWithRetry(context.WithoutCancel(ctx), msg); nerr != nil {
		logger.Warn().Err(nerr).Msg("Failed to send notification")
	}
	return sum, err
}

// runImport persists a tick log file to storage under the configured symbol.
func runImport(ctx context.Context, cfg config.Config, storage db.Storage) error {
	logger := utils.Component("import")

	ticks, err := ingest.LoadCSV(cfg.Input)
	if err != nil {
		return err
	}
	if err := storage.SaveTicks(ctx, cfg.Symbol, ticks); err != nil {
		return fmt.Errorf("save ticks: %w", err)
	}

	logJournal(ctx, storage, journal.TypeImport, "ticks_imported", map[string]any{
		"symbol": cfg.Symbol,
		"input":  cfg.Input,
		"ticks":  len(ticks),
	})
	logger.Info().Str("input", cfg.Input).Str("symbol", cfg.Symbol).Int("ticks", len(ticks)).Msg("Imported ticks")
	return nil
}

// runCapture samples Wallex depth and writes the resulting tick log to a CSV file, the store or both.
func runCapture(ctx context.Context, cfg config.Config, storage db.Storage) error {
	var client exchange.DepthClient
	if cfg.CaptureStream {
		stream := exchange.NewStreamDepthClient(cfg.Symbol, "")
		stream.Start(ctx)
		defer stream.Close()
		client = stream
	} else {
		client = exchange.NewWallexDepthClient(cfg.WallexAPIKey)
	}

	var writer *ingest.Writer
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return fmt.Errorf("create tick output: %w", err)
		}
		defer f.Close()
		writer = ingest.NewWriter(f)
	}
	persist := cfg.Store == config.StorePostgres

	emit := func(ctx context.Context, ticks []market.Tick) error {
		if writer != nil {
			if err := writer.Write(ticks...); err != nil {
				return err
			}
			if err := writer.Flush(); err != nil {
				return err
			}
		}
		if persist {
			return storage.SaveTicks(ctx, cfg.Symbol, ticks)
		}
		return nil
	}

	start := time.Now()
	stats, err := exchange.NewCapturer(client, cfg.Symbol, cfg.CapturePolls, cfg.CaptureInterval).Run(ctx, emit)
	data := map[string]any{
		"symbol":      cfg.Symbol,
		"exchange":    client.Name(),
		"polls":       stats.Polls,
		"failed":      stats.Failed,
		"level_ticks": stats.LevelTicks,
		"trade_ticks": stats.TradeTicks,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		logJournal(context.WithoutCancel(ctx), storage, journal.TypeError, "capture_failed", data)
		return err
	}
	logJournal(ctx, storage, journal.TypeCapture, "capture_completed", data)
	return nil
}

func logJournal(ctx context.Context, j journal.Journaler, typ, desc string, data map[string]any) {
	err := j.LogEvent(ctx, journal.Event{Time: time.Now().UTC(), Type: typ, Description: desc, Data: data})
	if err != nil {
		utils.GetLogger().Warn().Err(err).Str("event", desc).Msg("Failed to journal event")
	}
}
