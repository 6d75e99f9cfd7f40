package replay

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/amirphl/orderbook-replay/internal/db"
	"github.com/amirphl/orderbook-replay/internal/feature"
	"github.com/amirphl/orderbook-replay/internal/metrics"
)

// Row is the feature vector observed after one batch.
type Row struct {
	Step      int
	Index     int
	Timestamp int64
	Features  feature.Vector
}

// Sink consumes feature rows. Close is called once after the last row, also on failure.
type Sink interface {
	Name() string
	Write(ctx context.Context, row Row) error
	Close(ctx context.Context) error
}

// CSVHeader is the column layout written by CSVSink.
func CSVHeader() []string {
	return append([]string{"step", "index", "timestamp"}, feature.Names[:]...)
}

// CSVSink writes one feature row per line.
type CSVSink struct {
	w           *csv.Writer
	closer      io.Closer
	wroteHeader bool
}

// NewCSVSink writes to w. If w is an io.Closer it is closed with the sink.
func NewCSVSink(w io.Writer) *CSVSink {
	s := &CSVSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Write(ctx context.Context, row Row) error {
	if !s.wroteHeader {
		if err := s.w.Write(CSVHeader()); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		s.wroteHeader = true
	}

	record := make([]string, 0, 3+feature.Count)
	record = append(record,
		strconv.Itoa(row.Step),
		strconv.Itoa(row.Index),
		strconv.FormatInt(row.Timestamp, 10),
	)
	for _, v := range row.Features {
		record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return s.w.Write(record)
}

func (s *CSVSink) Close(ctx context.Context) error {
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// DefaultStoreBatch is the number of rows StoreSink buffers before writing.
const DefaultStoreBatch = 500

// StoreSink persists rows to feature storage in batches.
type StoreSink struct {
	storage   db.FeatureStorage
	runID     string
	symbol    string
	batchSize int
	pending   []db.FeatureRow
}

func NewStoreSink(storage db.FeatureStorage, runID, symbol string, batchSize int) *StoreSink {
	if batchSize <= 0 {
		batchSize = DefaultStoreBatch
	}
	return &StoreSink{
		storage:   storage,
		runID:     runID,
		symbol:    symbol,
		batchSize: batchSize,
		pending:   make([]db.FeatureRow, 0, batchSize),
	}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(ctx context.Context, row Row) error {
	s.pending = append(s.pending, db.FeatureRow{
		RunID:     s.runID,
		Symbol:    s.symbol,
		Step:      row.Step,
		Index:     row.Index,
		Timestamp: row.Timestamp,
		Values:    row.Features,
	})
	if len(s.pending) >= s.batchSize {
		return s.flush(ctx)
	}
	return nil
}

func (s *StoreSink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.storage.SaveFeatureRows(ctx, s.pending); err != nil {
		return fmt.Errorf("save %d feature rows: %w", len(s.pending), err)
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *StoreSink) Close(ctx context.Context) error {
	return s.flush(ctx)
}

// MetricsSink exports the latest book state as gauges.
type MetricsSink struct{}

func (MetricsSink) Name() string { return "metrics" }

func (MetricsSink) Write(ctx context.Context, row Row) error {
	metrics.MidPrice.Set(row.Features[feature.MidPrice])
	metrics.Spread.Set(row.Features[feature.Spread])
	metrics.LastBatchTimestamp.Set(float64(row.Timestamp))
	return nil
}

func (MetricsSink) Close(ctx context.Context) error { return nil }
