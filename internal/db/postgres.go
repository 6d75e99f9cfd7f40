package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/orderbook-replay/internal/db/conf"
	"github.com/amirphl/orderbook-replay/internal/feature"
	"github.com/amirphl/orderbook-replay/internal/journal"
	"github.com/amirphl/orderbook-replay/internal/market"
	"github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction executes a function with proper transaction management
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, fmt.Errorf("db config has no connection")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// SaveTicks appends ticks for a symbol, numbering them after the last stored tick so that
// replay order survives equal timestamps.
func (p *Default) SaveTicks(ctx context.Context, symbol string, ticks []market.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	for i, t := range ticks {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("invalid tick at index %d for %s: %w", i, symbol, err)
		}
	}

	symbol = strings.ToUpper(symbol)
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var lastSeq int64
		err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) FROM ticks WHERE symbol=$1`, symbol).Scan(&lastSeq)
		if err != nil {
			return fmt.Errorf("failed to read last tick sequence for %s: %w", symbol, err)
		}

		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("ticks", "symbol", "seq", "side", "level", "price", "size", "ts"))
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}

		for i, t := range ticks {
			_, err := stmt.ExecContext(ctx, symbol, lastSeq+1+int64(i), t.Side.String(), t.Level, t.Price, t.Size, t.Timestamp)
			if err != nil {
				stmt.Close()
				return fmt.Errorf("failed to save tick %d for %s: %w", i, symbol, err)
			}
		}

		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to flush ticks for %s: %w", symbol, err)
		}
		return stmt.Close()
	})
}

func (p *Default) GetTicks(ctx context.Context, symbol string, from, to int64) ([]market.Tick, error) {
	query := `SELECT side, level, price, size, ts FROM ticks WHERE symbol=$1 AND ts >= $2`
	args := []any{strings.ToUpper(symbol), from}
	if to > 0 {
		query += ` AND ts < $3`
		args = append(args, to)
	}
	query += ` ORDER BY ts ASC, seq ASC`

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ticks: %w", err)
	}
	defer rows.Close()

	var ticks []market.Tick
	for rows.Next() {
		var (
			t    market.Tick
			side string
		)
		if err := rows.Scan(&side, &t.Level, &t.Price, &t.Size, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		if t.Side, err = market.ParseSide(side); err != nil {
			return nil, fmt.Errorf("stored tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ticks: %w", err)
	}
	return ticks, nil
}

func (p *Default) DeleteTicks(ctx context.Context, symbol string, before int64) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM ticks WHERE symbol=$1 AND ts < $2`, strings.ToUpper(symbol), before)
		if err != nil {
			return fmt.Errorf("failed to delete ticks: %w", err)
		}
		return nil
	})
}

func (p *Default) SaveFeatureRows(ctx context.Context, rows []FeatureRow) error {
	if len(rows) == 0 {
		return nil
	}

	for i, r := range rows {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid feature row at index %d: %w", i, err)
		}
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO feature_rows (run_id, symbol, step, tick_index, ts, features, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (run_id, step) DO UPDATE SET
			tick_index=EXCLUDED.tick_index, ts=EXCLUDED.ts, features=EXCLUDED.features`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			createdAt := r.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			values := r.Values
			_, err := stmt.ExecContext(ctx, r.RunID, r.Symbol, r.Step, r.Index, r.Timestamp, pq.Array(values[:]), createdAt)
			if err != nil {
				return fmt.Errorf("failed to save feature row %s/%d: %w", r.RunID, r.Step, err)
			}
		}
		return nil
	})
}

func (p *Default) GetFeatureRows(ctx context.Context, runID string) ([]FeatureRow, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT run_id, symbol, step, tick_index, ts, features, created_at FROM feature_rows WHERE run_id=$1 ORDER BY step ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature rows: %w", err)
	}
	defer rows.Close()

	var out []FeatureRow
	for rows.Next() {
		var (
			r      FeatureRow
			values []float64
		)
		if err := rows.Scan(&r.RunID, &r.Symbol, &r.Step, &r.Index, &r.Timestamp, pq.Array(&values), &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feature row: %w", err)
		}
		if len(values) != feature.Count {
			return nil, fmt.Errorf("feature row %s/%d has %d values, want %d", r.RunID, r.Step, len(values), feature.Count)
		}
		copy(r.Values[:], values)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feature rows: %w", err)
	}
	return out, nil
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time < $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}
