// Package ingest
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/shopspring/decimal"
)

var (
	ErrSourceUnavailable = errors.New("tick source unavailable")
	ErrMalformedRow      = errors.New("malformed tick row")
	ErrEmptySource       = errors.New("tick source is empty")
)

// PricePlaces is the number of decimals prices are rounded to on read.
const PricePlaces = 6

// Header column names of a headered tick log.
const (
	ColumnSide      = "side"
	ColumnLevel     = "position"
	ColumnPrice     = "price"
	ColumnSize      = "quantity"
	ColumnTimestamp = "fecha_nano"
)

// headerlessSkip is the number of leading columns ignored in a headerless tick log.
const headerlessSkip = 3

type columnMap struct {
	side, level, price, size, timestamp int
}

func (c columnMap) width() int {
	return max(c.side, c.level, c.price, c.size, c.timestamp) + 1
}

var positionalColumns = columnMap{
	side:      headerlessSkip,
	level:     headerlessSkip + 1,
	price:     headerlessSkip + 2,
	size:      headerlessSkip + 3,
	timestamp: headerlessSkip + 4,
}

// ReadCSV parses a tick log. A first row naming the side column is treated as a header and
// columns are resolved by name; otherwise rows are read positionally after three ignored columns.
func ReadCSV(r io.Reader) ([]market.Tick, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var (
		ticks []market.Tick
		cols  = positionalColumns
		line  int
	)
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRow, line, err)
		}
		if isBlank(record) {
			continue
		}
		if line == 1 {
			if hdr, ok := parseHeader(record); ok {
				cols = hdr
				continue
			}
		}

		t, err := parseRow(record, cols)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedRow, line, err)
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

// LoadCSV reads a tick log file. Failures to open or read the file wrap ErrSourceUnavailable.
func LoadCSV(path string) ([]market.Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	ticks, err := ReadCSV(f)
	if err != nil {
		if errors.Is(err, ErrMalformedRow) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	return ticks, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func parseHeader(record []string) (columnMap, bool) {
	cols := columnMap{side: -1, level: -1, price: -1, size: -1, timestamp: -1}
	for i, name := range record {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case ColumnSide:
			cols.side = i
		case ColumnLevel, "level":
			cols.level = i
		case ColumnPrice:
			cols.price = i
		case ColumnSize, "size":
			cols.size = i
		case ColumnTimestamp, "timestamp":
			cols.timestamp = i
		}
	}
	if cols.side < 0 || cols.level < 0 || cols.price < 0 || cols.size < 0 || cols.timestamp < 0 {
		return columnMap{}, false
	}
	return cols, true
}

func parseRow(record []string, cols columnMap) (market.Tick, error) {
	if len(record) < cols.width() {
		return market.Tick{}, fmt.Errorf("expected at least %d fields, got %d", cols.width(), len(record))
	}

	side, err := market.ParseSide(record[cols.side])
	if err != nil {
		return market.Tick{}, err
	}

	var level int
	if raw := strings.TrimSpace(record[cols.level]); raw != "" {
		// some exports write the level as a float ("1.0")
		lf, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return market.Tick{}, fmt.Errorf("level %q: %w", raw, err)
		}
		level = int(lf)
	}

	price, err := decimal.NewFromString(strings.TrimSpace(record[cols.price]))
	if err != nil {
		return market.Tick{}, fmt.Errorf("price %q: %w", record[cols.price], err)
	}

	size, err := strconv.ParseFloat(strings.TrimSpace(record[cols.size]), 64)
	if err != nil {
		return market.Tick{}, fmt.Errorf("size %q: %w", record[cols.size], err)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(record[cols.timestamp]), 10, 64)
	if err != nil {
		return market.Tick{}, fmt.Errorf("timestamp %q: %w", record[cols.timestamp], err)
	}

	return market.Tick{
		Side:      side,
		Level:     level,
		Price:     price.Round(PricePlaces).InexactFloat64(),
		Size:      size,
		Timestamp: ts,
	}, nil
}

// Writer writes ticks in the headered tick log format.
type Writer struct {
	w           *csv.Writer
	wroteHeader bool
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: csv.NewWriter(w)}
}

// Write appends ticks, emitting the header before the first row.
func (w *Writer) Write(ticks ...market.Tick) error {
	if !w.wroteHeader {
		if err := w.w.Write([]string{ColumnSide, ColumnLevel, ColumnPrice, ColumnSize, ColumnTimestamp}); err != nil {
			return err
		}
		w.wroteHeader = true
	}
	for _, t := range ticks {
		row := []string{
			t.Side.String(),
			strconv.Itoa(t.Level),
			strconv.FormatFloat(t.Price, 'f', -1, 64),
			strconv.FormatFloat(t.Size, 'f', -1, 64),
			strconv.FormatInt(t.Timestamp, 10),
		}
		if err := w.w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes buffered rows and reports any write error.
func (w *Writer) Flush() error {
	w.w.Flush()
	return w.w.Error()
}

// SaveCSV writes ticks to path, creating or truncating it.
func SaveCSV(path string, ticks []market.Tick) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := NewWriter(f)
	if err := w.Write(ticks...); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return nil
}
