// Package metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	TicksAppliedTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "replay_ticks_applied_total", Help: "Ticks applied by side"}, []string{"side"})
	BatchesTotal       = prometheus.NewCounter(prometheus.CounterOpts{Name: "replay_batches_total", Help: "Batches settled"})
	TradeMissesTotal   = prometheus.NewCounter(prometheus.CounterOpts{Name: "replay_trade_misses_total", Help: "Trades whose price matched no resting level"})
	InvalidTicksTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "replay_invalid_ticks_total", Help: "Ticks skipped for an out-of-range level"})
	RowsWrittenTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "replay_rows_written_total", Help: "Feature rows written by sink"}, []string{"sink"})
	SinkErrorsTotal    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "replay_sink_errors_total", Help: "Feature row write failures by sink"}, []string{"sink"})
	CapturedTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "capture_ticks_total", Help: "Ticks produced by depth capture"}, []string{"side"})
	APIErrorsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "api_errors_total", Help: "API errors by exchange and endpoint"}, []string{"exchange", "endpoint"})
	BatchDurationMs    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "replay_batch_duration_ms", Help: "Time to apply and settle one batch", Buckets: prometheus.ExponentialBuckets(0.001, 4, 12)})
	ReplayDurationSecs = prometheus.NewGauge(prometheus.GaugeOpts{Name: "replay_duration_seconds", Help: "Wall time of the last replay"})
	MidPrice           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "replay_mid_price", Help: "Mid price after the last batch"})
	Spread             = prometheus.NewGauge(prometheus.GaugeOpts{Name: "replay_spread", Help: "Spread after the last batch"})
	LastBatchTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{Name: "replay_last_batch_timestamp_ns", Help: "Timestamp of the last settled batch"})
)

// Collectors lists every replay collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TicksAppliedTotal, BatchesTotal, TradeMissesTotal, InvalidTicksTotal,
		RowsWrittenTotal, SinkErrorsTotal, CapturedTicksTotal, APIErrorsTotal,
		BatchDurationMs, ReplayDurationSecs, MidPrice, Spread, LastBatchTimestamp,
	}
}

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := append(Collectors(),
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range toRegister {
		if err := reg.Register(c); err != nil {
			logger.Warn().Err(err).Msg("Failed to register collector")
		}
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
