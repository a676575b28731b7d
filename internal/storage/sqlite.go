package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/asinwatch/harvester/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	asin            TEXT    NOT NULL,
	captured_at     INTEGER NOT NULL,
	channel         TEXT    NOT NULL,
	region          TEXT    NOT NULL,
	title           TEXT    NOT NULL DEFAULT '',
	url             TEXT    NOT NULL DEFAULT '',
	image_url       TEXT    NOT NULL DEFAULT '',
	category_path   TEXT    NOT NULL DEFAULT '[]',
	price           REAL    NOT NULL DEFAULT 0,
	currency        TEXT    NOT NULL DEFAULT '',
	rating          REAL    NOT NULL DEFAULT 0,
	review_count    INTEGER NOT NULL DEFAULT 0,
	rank            INTEGER NOT NULL DEFAULT 0,
	discount_pct    REAL,
	condition       TEXT,
	weight_grams    REAL,
	rank_change_pct REAL,
	PRIMARY KEY (asin, captured_at)
);

CREATE TABLE IF NOT EXISTS verdicts (
	asin            TEXT    NOT NULL,
	captured_at     INTEGER NOT NULL,
	ruleset_version TEXT    NOT NULL,
	run_id          TEXT    NOT NULL,
	verdict         TEXT    NOT NULL,
	matched_rule    TEXT    NOT NULL DEFAULT '',
	classified_at   INTEGER NOT NULL,
	PRIMARY KEY (asin, captured_at, ruleset_version)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id            TEXT PRIMARY KEY,
	channel           TEXT    NOT NULL,
	region            TEXT    NOT NULL,
	state             TEXT    NOT NULL,
	started_at        INTEGER NOT NULL,
	finished_at       INTEGER,
	pages_visited     INTEGER NOT NULL DEFAULT 0,
	records_harvested INTEGER NOT NULL DEFAULT 0,
	safe_count        INTEGER NOT NULL DEFAULT 0,
	review_count      INTEGER NOT NULL DEFAULT 0,
	banned_count      INTEGER NOT NULL DEFAULT 0,
	ruleset_version   TEXT    NOT NULL DEFAULT '',
	failure_cause     TEXT    NOT NULL DEFAULT '',
	errors            TEXT    NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_records_channel ON records (channel, captured_at);
CREATE INDEX IF NOT EXISTS idx_verdicts_run ON verdicts (run_id);
`

// SQLiteBackend persists runs in a single SQLite database. Records and
// verdicts are upserted on their natural keys, so re-saving a batch is
// a no-op rather than a duplication.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens (and migrates) the database at path.
func NewSQLiteBackend(path string, logger *slog.Logger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, &types.StorageError{Backend: "sqlite", Err: err}
	}
	// SQLite handles one writer at a time; serialize at the pool level
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &types.StorageError{Backend: "sqlite", Err: fmt.Errorf("migrate: %w", err)}
	}
	return &SQLiteBackend{
		db:     db,
		logger: logger.With("component", "sqlite_storage"),
	}, nil
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) SaveRecords(ctx context.Context, run *types.ChannelRunResult, recs []*types.ClassifiedRecord, p Partition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.StorageError{Backend: "sqlite", Err: err}
	}
	defer tx.Rollback()

	recStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (
			asin, captured_at, channel, region, title, url, image_url,
			category_path, price, currency, rating, review_count, rank,
			discount_pct, condition, weight_grams, rank_change_pct
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asin, captured_at) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			price = excluded.price,
			rating = excluded.rating,
			review_count = excluded.review_count,
			rank = excluded.rank`)
	if err != nil {
		return &types.StorageError{Backend: "sqlite", Err: err}
	}
	defer recStmt.Close()

	verdictStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verdicts (
			asin, captured_at, ruleset_version, run_id, verdict,
			matched_rule, classified_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asin, captured_at, ruleset_version) DO UPDATE SET
			verdict = excluded.verdict,
			matched_rule = excluded.matched_rule,
			classified_at = excluded.classified_at`)
	if err != nil {
		return &types.StorageError{Backend: "sqlite", Err: err}
	}
	defer verdictStmt.Close()

	for _, cr := range recs {
		r := cr.Record
		path, err := json.Marshal(r.CategoryPath)
		if err != nil {
			return &types.StorageError{Backend: "sqlite", Err: err}
		}
		var cond *string
		if r.Condition != nil {
			c := string(*r.Condition)
			cond = &c
		}
		if _, err := recStmt.ExecContext(ctx,
			r.ASIN, r.CapturedAt.UTC().Unix(), string(r.Channel), r.Region,
			r.Title, r.URL, r.ImageURL, string(path), r.Price, r.Currency,
			r.Rating, r.ReviewCount, r.Rank,
			r.DiscountPct, cond, r.WeightGrams, r.RankChangePct,
		); err != nil {
			return &types.StorageError{Backend: "sqlite", Err: err}
		}

		// The raw partition carries every record; verdict rows only
		// exist for classified partitions.
		if p == PartitionRaw {
			continue
		}
		cl := cr.Classification
		if _, err := verdictStmt.ExecContext(ctx,
			r.ASIN, r.CapturedAt.UTC().Unix(), cl.RuleSetVersion, run.RunID,
			string(cl.Verdict), cl.MatchedRule, cl.ClassifiedAt.UTC().Unix(),
		); err != nil {
			return &types.StorageError{Backend: "sqlite", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.StorageError{Backend: "sqlite", Err: err}
	}
	s.logger.Debug("records saved", "run_id", run.RunID, "partition", string(p), "count", len(recs))
	return nil
}

func (s *SQLiteBackend) SaveRunSummary(ctx context.Context, run *types.ChannelRunResult) error {
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return &types.StorageError{Backend: "sqlite", Err: err}
	}
	var finished *int64
	if !run.FinishedAt.IsZero() {
		v := run.FinishedAt.UTC().Unix()
		finished = &v
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, channel, region, state, started_at, finished_at,
			pages_visited, records_harvested, safe_count, review_count,
			banned_count, ruleset_version, failure_cause, errors
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			pages_visited = excluded.pages_visited,
			records_harvested = excluded.records_harvested,
			safe_count = excluded.safe_count,
			review_count = excluded.review_count,
			banned_count = excluded.banned_count,
			failure_cause = excluded.failure_cause,
			errors = excluded.errors`,
		run.RunID, string(run.Channel), run.Region, string(run.State),
		run.StartedAt.UTC().Unix(), finished,
		run.PagesVisited, run.RecordsHarvested, run.SafeCount,
		run.ReviewCount, run.BannedCount, run.RuleSetVersion,
		run.FailureCause, string(errs),
	)
	if err != nil {
		return &types.StorageError{Backend: "sqlite", Err: err}
	}
	s.logger.Info("run summary saved", "run_id", run.RunID, "state", string(run.State))
	return nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// CountRecords returns the number of stored records for a channel since
// the given time. Used by the CLI's stats output.
func (s *SQLiteBackend) CountRecords(ctx context.Context, ch types.Channel, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE channel = ? AND captured_at >= ?`,
		string(ch), since.UTC().Unix(),
	).Scan(&n)
	if err != nil {
		return 0, &types.StorageError{Backend: "sqlite", Err: err}
	}
	return n, nil
}
