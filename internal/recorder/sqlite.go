package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"GapSentinel/internal/model"
)

// SQLiteRecorder persists the audit trail to a SQLite database.
type SQLiteRecorder struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLiteRecorder opens (or creates) the SQLite database and runs migrations.
func NewSQLiteRecorder(dbPath string, log zerolog.Logger) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLiteRecorder{db: db, log: log.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("path", dbPath).Msg("sqlite recorder opened")
	return r, nil
}

func (r *SQLiteRecorder) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			scan_number    INTEGER NOT NULL,
			started_at     INTEGER NOT NULL,
			completed_at   INTEGER NOT NULL,
			duration_ms    INTEGER,
			success_count  INTEGER,
			failure_count  INTEGER,
			alerts_emitted INTEGER,
			cache_hits     INTEGER,
			active_gaps    INTEGER,
			failures       TEXT,
			payload        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scans_ts ON scans(started_at)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id           TEXT PRIMARY KEY,
			emitted_at   INTEGER NOT NULL,
			symbol       TEXT NOT NULL,
			timeframe    TEXT NOT NULL,
			kind         TEXT NOT NULL,
			direction    TEXT NOT NULL,
			size         REAL,
			percentage   REAL,
			price        REAL,
			strength     TEXT,
			pattern_time INTEGER,
			cooldown_key TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(emitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts(symbol, timeframe)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLiteRecorder) RecordScan(res *model.ScanResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal scan: %w", err)
	}
	failures, err := json.Marshal(res.Stats.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	sum := res.Summarize()

	_, err = r.db.Exec(`INSERT INTO scans
		(scan_number, started_at, completed_at, duration_ms, success_count, failure_count,
		 alerts_emitted, cache_hits, active_gaps, failures, payload)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		res.ScanNumber, res.StartedAt.UnixMilli(), res.CompletedAt.UnixMilli(),
		res.Stats.DurationMs, res.Stats.SuccessCount, res.Stats.FailureCount,
		res.Stats.AlertsEmitted, res.Stats.CacheHits, sum.TotalActiveGaps,
		string(failures), string(payload),
	)
	return err
}

func (r *SQLiteRecorder) RecordAlert(rec *model.AlertRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO alerts
		(id, emitted_at, symbol, timeframe, kind, direction, size, percentage, price,
		 strength, pattern_time, cooldown_key)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.EmittedAt.UnixMilli(), rec.Symbol, string(rec.Timeframe),
		string(rec.Kind), string(rec.Direction), rec.Size, rec.Percentage, rec.Price,
		string(rec.Strength), rec.PatternTime.Unix(), rec.CooldownKey,
	)
	return err
}

func (r *SQLiteRecorder) Close() error {
	r.log.Info().Msg("closing sqlite recorder")
	return r.db.Close()
}
