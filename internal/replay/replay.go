// Package replay drives a book engine over its input and hands every post-batch feature vector
// to a set of sinks.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/orderbook-replay/internal/book"
	"github.com/amirphl/orderbook-replay/internal/feature"
	"github.com/amirphl/orderbook-replay/internal/journal"
	"github.com/amirphl/orderbook-replay/internal/metrics"
	"github.com/amirphl/orderbook-replay/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Options struct {
	// RunID tags rows and journal events; a random id is used when empty.
	RunID         string
	Symbol        string
	Source        string
	ProgressEvery int
	DumpBook      bool
	Journal       journal.Journaler
	Logger        *zerolog.Logger
}

// Summary describes a finished (or interrupted) replay.
type Summary struct {
	RunID          string
	Symbol         string
	Source         string
	Batches        int
	Ticks          int
	Trades         int
	TradeMisses    int
	InvalidTicks   int
	Rows           int
	FirstTimestamp int64
	LastTimestamp  int64
	Duration       time.Duration
	Last           feature.Vector
	Completed      bool
}

func (s Summary) String() string {
	return fmt.Sprintf("run %s %s: %d batches, %d ticks (%d trades, %d unmatched), %d invalid, %d rows in %s",
		s.RunID, s.Symbol, s.Batches, s.Ticks, s.Trades, s.TradeMisses, s.InvalidTicks, s.Rows, s.Duration.Round(time.Millisecond))
}

// Run advances the engine batch by batch until the input is exhausted or ctx is done. After each
// batch the feature vector is written to every sink in order; a sink failure stops the run.
// Invalid ticks rejected by the engine are logged and counted but do not stop the run.
// Sinks are always closed before Run returns.
func Run(ctx context.Context, e *book.Engine, opts Options, sinks ...Sink) (sum Summary, err error) {
	start := time.Now()
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := utils.Component("replay")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("run_id", opts.RunID).Str("symbol", opts.Symbol).Logger()

	sum = Summary{RunID: opts.RunID, Symbol: opts.Symbol, Source: opts.Source}
	logEvent(ctx, opts.Journal, logger, journal.TypeReplay, "replay_started", map[string]any{
		"run_id": opts.RunID,
		"symbol": opts.Symbol,
		"source": opts.Source,
		"ticks":  e.Size(),
	})
	logger.Info().Int("ticks", e.Size()).Str("source", opts.Source).Msg("Replay started")

	defer func() {
		var closeErrs []error
		closeCtx := context.WithoutCancel(ctx)
		for _, s := range sinks {
			if cerr := s.Close(closeCtx); cerr != nil {
				metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
				closeErrs = append(closeErrs, fmt.Errorf("close sink %s: %w", s.Name(), cerr))
			}
		}
		err = errors.Join(append([]error{err}, closeErrs...)...)

		st := e.Stats()
		sum.Batches = st.Batches
		sum.Ticks = st.Ticks
		sum.Trades = st.Trades
		sum.TradeMisses = st.TradeMisses
		sum.InvalidTicks = st.InvalidTicks
		sum.Duration = time.Since(start)
		sum.Completed = err == nil && !e.HasNext()
		metrics.ReplayDurationSecs.Set(sum.Duration.Seconds())

		if opts.DumpBook {
			logger.Info().Msg("Final book\n" + e.Book().String())
		}

		data := map[string]any{
			"run_id":        sum.RunID,
			"batches":       sum.Batches,
			"ticks":         sum.Ticks,
			"trade_misses":  sum.TradeMisses,
			"invalid_ticks": sum.InvalidTicks,
			"rows":          sum.Rows,
			"duration_ms":   sum.Duration.Milliseconds(),
		}
		if err != nil {
			data["error"] = err.Error()
			logEvent(closeCtx, opts.Journal, logger, journal.TypeError, "replay_failed", data)
			logger.Error().Err(err).Int("batches", sum.Batches).Msg("Replay stopped")
			return
		}
		logEvent(ctx, opts.Journal, logger, journal.TypeReplay, "replay_completed", data)
		logger.Info().
			Int("batches", sum.Batches).
			Int("ticks", sum.Ticks).
			Int("trade_misses", sum.TradeMisses).
			Int("invalid_ticks", sum.InvalidTicks).
			Dur("duration", sum.Duration).
			Msg("Replay completed")
	}()

	prev := e.Stats()
	step := 0
	for e.HasNext() {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("replay interrupted at tick %d: %w", e.Index(), err)
		}

		batchStart := time.Now()
		applied, advErr := e.Advance()
		if advErr != nil {
			logger.Warn().Err(advErr).Int("step", step).Msg("Skipped invalid ticks")
		}
		metrics.BatchDurationMs.Observe(float64(time.Since(batchStart).Microseconds()) / 1000)

		cur := e.Stats()
		recordStats(prev, cur)
		prev = cur

		// Nothing reached the book, so there is no new state to emit.
		if !applied {
			continue
		}

		row := Row{
			Step:      step,
			Index:     e.Index(),
			Timestamp: e.Timestamp(),
			Features:  e.Features(),
		}
		if step == 0 {
			sum.FirstTimestamp = row.Timestamp
		}
		sum.LastTimestamp = row.Timestamp
		sum.Last = row.Features

		for _, s := range sinks {
			if err := s.Write(ctx, row); err != nil {
				metrics.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
				return sum, fmt.Errorf("sink %s at step %d: %w", s.Name(), step, err)
			}
			metrics.RowsWrittenTotal.WithLabelValues(s.Name()).Inc()
		}
		sum.Rows++

		if opts.ProgressEvery > 0 && (step+1)%opts.ProgressEvery == 0 {
			logger.Info().
				Int("batches", step+1).
				Int("index", e.Index()).
				Int("size", e.Size()).
				Int64("timestamp", row.Timestamp).
				Msg("Replay progress")
		}
		step++
	}
	return sum, nil
}

func recordStats(prev, cur book.Stats) {
	metrics.BatchesTotal.Add(float64(cur.Batches - prev.Batches))
	metrics.TicksAppliedTotal.WithLabelValues("bid").Add(float64(cur.BidTicks - prev.BidTicks))
	metrics.TicksAppliedTotal.WithLabelValues("offer").Add(float64(cur.OfferTicks - prev.OfferTicks))
	metrics.TicksAppliedTotal.WithLabelValues("trade").Add(float64(cur.Trades - prev.Trades))
	metrics.TradeMissesTotal.Add(float64(cur.TradeMisses - prev.TradeMisses))
	metrics.InvalidTicksTotal.Add(float64(cur.InvalidTicks - prev.InvalidTicks))
}

func logEvent(ctx context.Context, j journal.Journaler, logger zerolog.Logger, typ, desc string, data map[string]any) {
	if j == nil {
		return
	}
	err := j.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        typ,
		Description: desc,
		Data:        data,
	})
	if err != nil {
		logger.Warn().Err(err).Str("event", desc).Msg("Failed to journal event")
	}
}
