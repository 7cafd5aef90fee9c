// Package repository implements the per-(symbol, timeframe) durable candle
// store on SQLite.
//
// Each pair gets its own table, named deterministically from the pair, created
// on first write. Inserts are idempotent on open_time_utc; ordering is always
// produced by the read queries, never assumed from insertion order. The
// database runs in WAL mode so readers are not blocked by the per-pair
// serialised writers.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/marianogappa/upbit-candles/candles/common"
)

// Repository is the storage tier for candles.
type Repository struct {
	db          *sqlx.DB
	timeNowFunc func() time.Time
	debug       bool

	mu     sync.Mutex
	tables map[string]bool
	locks  map[string]*sync.Mutex
}

// Open opens (creating if needed) a SQLite database at path and returns a
// Repository on it. Applies WAL mode and a busy timeout.
func Open(path string) (*Repository, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite open: %v", common.ErrStorageUnavailable, err)
	}
	return New(db), nil
}

// New wraps an existing database handle.
func New(db *sqlx.DB) *Repository {
	return &Repository{
		db:          db,
		timeNowFunc: time.Now,
		tables:      map[string]bool{},
		locks:       map[string]*sync.Mutex{},
	}
}

// Close closes the underlying database.
func (r *Repository) Close() error { return r.db.Close() }

// SetDebug enables verbose logging of writes.
func (r *Repository) SetDebug(debug bool) { r.debug = debug }

// SetTimeNowFunc injects the clock used for the no-future-write guard.
func (r *Repository) SetTimeNowFunc(fn func() time.Time) { r.timeNowFunc = fn }

// TableName derives the deterministic table name for a pair: the symbol with
// punctuation replaced by underscores, concatenated with the timeframe,
// prefixed by "candles_". The monthly timeframe maps to "1mo" because SQLite
// identifiers are case-insensitive and "1M" would collide with "1m".
func TableName(symbol string, tf common.Timeframe) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, symbol)
	suffix := string(tf)
	if tf == common.Timeframe1Mo {
		suffix = "1mo"
	}
	return fmt.Sprintf("candles_%v_%v", sanitized, suffix)
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]v (
	open_time_utc           TEXT PRIMARY KEY,
	market                  TEXT NOT NULL,
	open_time_kst           TEXT NOT NULL,
	opening_price           REAL NOT NULL,
	high_price              REAL NOT NULL,
	low_price               REAL NOT NULL,
	trade_price             REAL NOT NULL,
	source_timestamp        INTEGER NOT NULL,
	candle_acc_trade_price  REAL NOT NULL,
	candle_acc_trade_volume REAL NOT NULL,
	is_synthetic            INTEGER NOT NULL DEFAULT 0,
	created_at              TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]v_source_timestamp ON %[1]v (source_timestamp DESC);
`

const readColumns = `open_time_utc, market, open_time_kst, opening_price, high_price, low_price, trade_price, source_timestamp, candle_acc_trade_price, candle_acc_trade_volume, is_synthetic`

func (r *Repository) pairLock(table string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[table]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[table] = lock
	}
	return lock
}

func (r *Repository) ensureTable(ctx context.Context, table string) error {
	r.mu.Lock()
	created := r.tables[table]
	r.mu.Unlock()
	if created {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf(schemaTemplate, table)); err != nil {
		return fmt.Errorf("%w: creating table %v: %v", common.ErrStorageUnavailable, table, err)
	}
	r.mu.Lock()
	r.tables[table] = true
	r.mu.Unlock()
	return nil
}

// tableExists reports whether the pair's table has been materialised yet.
// Read predicates against a pair that was never written must behave as
// queries over an empty table rather than fail.
func (r *Repository) tableExists(ctx context.Context, table string) (bool, error) {
	r.mu.Lock()
	created := r.tables[table]
	r.mu.Unlock()
	if created {
		return true, nil
	}
	var name string
	err := r.db.GetContext(ctx, &name, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: checking table %v: %v", common.ErrStorageUnavailable, table, err)
	}
	r.mu.Lock()
	r.tables[table] = true
	r.mu.Unlock()
	return true, nil
}

// Save idempotently bulk-inserts candles for a pair, materialising the table
// on first write. Candles already present by open_time_utc are ignored, never
// overwritten. Returns the number of newly inserted rows.
//
// * Fails with ErrUnalignedTimestamp if any candle is off the pair's grid.
//
// * Fails with ErrStorageUnavailable on underlying I/O errors.
func (r *Repository) Save(ctx context.Context, symbol string, tf common.Timeframe, candles []common.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	table := TableName(symbol, tf)

	nowAligned, err := common.AlignDown(r.timeNowFunc(), tf)
	if err != nil {
		return 0, err
	}
	for _, c := range candles {
		openTime, err := c.OpenTime()
		if err != nil {
			return 0, err
		}
		if !common.IsAligned(openTime, tf) {
			return 0, fmt.Errorf("%w: candle %v for %v", common.ErrUnalignedTimestamp, c.CandleDateTimeUTC, tf)
		}
		if openTime.After(nowAligned) {
			return 0, fmt.Errorf("%w: refusing to store future candle %v", common.ErrStorageUnavailable, c.CandleDateTimeUTC)
		}
	}

	lock := r.pairLock(table)
	lock.Lock()
	defer lock.Unlock()

	if err := r.ensureTable(ctx, table); err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin tx: %v", common.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %v (open_time_utc, market, open_time_kst, opening_price, high_price, low_price, trade_price, source_timestamp, candle_acc_trade_price, candle_acc_trade_volume, is_synthetic, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		return 0, fmt.Errorf("%w: prepare insert: %v", common.ErrStorageUnavailable, err)
	}
	defer stmt.Close()

	createdAt := r.timeNowFunc().UTC().Format(time.RFC3339)
	inserted := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx,
			c.CandleDateTimeUTC, c.Market, c.CandleDateTimeKST,
			float64(c.OpeningPrice), float64(c.HighPrice), float64(c.LowPrice), float64(c.TradePrice),
			c.Timestamp, float64(c.CandleAccTradePrice), float64(c.CandleAccTradeVolume),
			c.IsSynthetic, createdAt)
		if err != nil {
			return 0, fmt.Errorf("%w: insert into %v: %v", common.ErrStorageUnavailable, table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("%w: rows affected: %v", common.ErrStorageUnavailable, err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", common.ErrStorageUnavailable, err)
	}

	if r.debug {
		log.Info().Str("table", table).Int("candles", len(candles)).Int("inserted", inserted).Msg("saved candle chunk")
	}
	return inserted, nil
}

// ReadRange returns the candles in the closed interval [start, end], ascending
// by open time. limit <= 0 means no limit.
func (r *Repository) ReadRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time, limit int) ([]common.Candle, error) {
	table := TableName(symbol, tf)
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %v FROM %v WHERE open_time_utc >= ? AND open_time_utc <= ? ORDER BY open_time_utc ASC`, readColumns, table)
	args := []interface{}{common.FormatUTC(start), common.FormatUTC(end)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var candles []common.Candle
	if err := r.db.SelectContext(ctx, &candles, query, args...); err != nil {
		return nil, fmt.Errorf("%w: reading range from %v: %v", common.ErrStorageUnavailable, table, err)
	}
	return candles, nil
}

// ReadLastN returns the last n candles with open time <= end, ascending.
func (r *Repository) ReadLastN(ctx context.Context, symbol string, tf common.Timeframe, end time.Time, n int) ([]common.Candle, error) {
	table := TableName(symbol, tf)
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %v FROM %v WHERE open_time_utc <= ? ORDER BY open_time_utc DESC LIMIT ?`, readColumns, table)
	var candles []common.Candle
	if err := r.db.SelectContext(ctx, &candles, query, common.FormatUTC(end), n); err != nil {
		return nil, fmt.Errorf("%w: reading last %d from %v: %v", common.ErrStorageUnavailable, n, table, err)
	}
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// HasDataAt reports whether a candle exists at exactly this grid boundary.
func (r *Repository) HasDataAt(ctx context.Context, symbol string, tf common.Timeframe, t time.Time) (bool, error) {
	count, err := r.countWhere(ctx, symbol, tf, `open_time_utc = ?`, common.FormatUTC(t))
	return count > 0, err
}

// HasAnyInRange reports whether any candle exists in [start, end].
func (r *Repository) HasAnyInRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (bool, error) {
	count, err := r.countWhere(ctx, symbol, tf, `open_time_utc >= ? AND open_time_utc <= ?`, common.FormatUTC(start), common.FormatUTC(end))
	return count > 0, err
}

// CountInRange returns the number of candles in [start, end].
func (r *Repository) CountInRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (int, error) {
	return r.countWhere(ctx, symbol, tf, `open_time_utc >= ? AND open_time_utc <= ?`, common.FormatUTC(start), common.FormatUTC(end))
}

// IsRangeComplete reports whether the number of candles in [start, end] equals
// expectedCount, without reading any rows.
func (r *Repository) IsRangeComplete(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time, expectedCount int) (bool, error) {
	count, err := r.CountInRange(ctx, symbol, tf, start, end)
	if err != nil {
		return false, err
	}
	return count == expectedCount, nil
}

func (r *Repository) countWhere(ctx context.Context, symbol string, tf common.Timeframe, where string, args ...interface{}) (int, error) {
	table := TableName(symbol, tf)
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return 0, err
	}
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %v WHERE %v`, table, where)
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("%w: counting in %v: %v", common.ErrStorageUnavailable, table, err)
	}
	return count, nil
}

// FindLastContinuousTimeFrom walks the grid forward from start, bounded above
// by end, and returns the largest boundary t in [start, end] such that every
// boundary in [start, t] is present. Returns false if start itself is absent.
// Synthetic rows count as present; a gap the detector's cap policy left
// unfilled terminates the walk. The bound keeps the scan to the probed range
// instead of the whole tail of the table.
func (r *Repository) FindLastContinuousTimeFrom(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (time.Time, bool, error) {
	table := TableName(symbol, tf)
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	query := fmt.Sprintf(`SELECT open_time_utc FROM %v WHERE open_time_utc >= ? AND open_time_utc <= ? ORDER BY open_time_utc ASC`, table)
	var openTimes []string
	if err := r.db.SelectContext(ctx, &openTimes, query, common.FormatUTC(start), common.FormatUTC(end)); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: continuity walk on %v: %v", common.ErrStorageUnavailable, table, err)
	}
	if len(openTimes) == 0 || openTimes[0] != common.FormatUTC(start) {
		return time.Time{}, false, nil
	}
	last := start.UTC()
	for _, raw := range openTimes[1:] {
		next, err := common.Advance(last, tf, 1)
		if err != nil {
			return time.Time{}, false, err
		}
		if raw != common.FormatUTC(next) {
			break
		}
		last = next
	}
	return last, true, nil
}

// FindDataStartInRange returns the smallest present boundary in [start, end].
func (r *Repository) FindDataStartInRange(ctx context.Context, symbol string, tf common.Timeframe, start, end time.Time) (time.Time, bool, error) {
	table := TableName(symbol, tf)
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	var raw string
	query := fmt.Sprintf(`SELECT open_time_utc FROM %v WHERE open_time_utc >= ? AND open_time_utc <= ? ORDER BY open_time_utc ASC LIMIT 1`, table)
	err = r.db.GetContext(ctx, &raw, query, common.FormatUTC(start), common.FormatUTC(end))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: finding data start in %v: %v", common.ErrStorageUnavailable, table, err)
	}
	t, err := time.ParseInLocation(common.TimeLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: corrupt open_time_utc %q in %v", common.ErrStorageUnavailable, raw, table)
	}
	return t, true, nil
}

// LastCloseBefore returns the close of the most recent real (non-synthetic)
// candle strictly before t. Feeds the empty candle detector's previous-close.
func (r *Repository) LastCloseBefore(ctx context.Context, symbol string, tf common.Timeframe, t time.Time) (common.JSONFloat64, bool, error) {
	table := TableName(symbol, tf)
	ok, err := r.tableExists(ctx, table)
	if err != nil || !ok {
		return 0, false, err
	}
	var close float64
	query := fmt.Sprintf(`SELECT trade_price FROM %v WHERE open_time_utc < ? AND is_synthetic = 0 ORDER BY open_time_utc DESC LIMIT 1`, table)
	err = r.db.GetContext(ctx, &close, query, common.FormatUTC(t))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: last close before on %v: %v", common.ErrStorageUnavailable, table, err)
	}
	return common.JSONFloat64(close), true, nil
}
