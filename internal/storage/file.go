package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/asinwatch/harvester/internal/types"
)

var csvHeader = []string{
	"asin", "captured_at", "channel", "region", "title", "url",
	"price", "currency", "rating", "review_count", "rank",
	"discount_pct", "condition", "weight_grams", "rank_change_pct",
	"verdict", "matched_rule", "ruleset_version",
}

// FileBackend writes runs to a directory tree:
//
//	data/<channel>/<run_id>_<partition>.json    full batch, rewritten whole
//	reports/<run_date>/<partition>.csv          appended across runs
//	runs/<run_id>.json                          run summary
//
// The JSON batches are idempotent by construction (same run and
// partition rewrite the same file); the CSV reports carry a key index
// loaded from the existing file so re-saves don't duplicate rows.
type FileBackend struct {
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]map[string]bool // csv path -> record key set
}

// NewFileBackend creates the directory layout under root.
func NewFileBackend(root string, logger *slog.Logger) (*FileBackend, error) {
	for _, dir := range []string{"data", "reports", "runs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, &types.StorageError{Backend: "file", Err: err}
		}
	}
	return &FileBackend{
		root:   root,
		logger: logger.With("component", "file_storage"),
		seen:   make(map[string]map[string]bool),
	}, nil
}

func (s *FileBackend) Name() string { return "file" }

func (s *FileBackend) SaveRecords(ctx context.Context, run *types.ChannelRunResult, recs []*types.ClassifiedRecord, p Partition) error {
	if err := s.writeJSON(run, recs, p); err != nil {
		return err
	}
	if err := s.appendCSV(run, recs, p); err != nil {
		return err
	}
	s.logger.Debug("records saved",
		"run_id", run.RunID,
		"partition", string(p),
		"count", len(recs),
	)
	return nil
}

func (s *FileBackend) SaveRunSummary(ctx context.Context, run *types.ChannelRunResult) error {
	path := filepath.Join(s.root, "runs", run.RunID+".json")
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	// Mid-run checkpoint saves are routine; only the final state is
	// worth an info line.
	if run.State.Terminal() {
		s.logger.Info("run summary saved", "run_id", run.RunID, "state", string(run.State), "path", path)
	} else {
		s.logger.Debug("run summary saved", "run_id", run.RunID, "state", string(run.State), "path", path)
	}
	return nil
}

func (s *FileBackend) Close() error { return nil }

func (s *FileBackend) writeJSON(run *types.ChannelRunResult, recs []*types.ClassifiedRecord, p Partition) error {
	dir := filepath.Join(s.root, "data", string(run.Channel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.json", run.RunID, p))
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	return nil
}

func (s *FileBackend) appendCSV(run *types.ChannelRunResult, recs []*types.ClassifiedRecord, p Partition) error {
	dir := filepath.Join(s.root, "reports", run.RunDate())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	path := filepath.Join(dir, string(p)+".csv")

	s.mu.Lock()
	defer s.mu.Unlock()
	seen, err := s.loadIndex(path)
	if err != nil {
		return err
	}

	newFile := false
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		newFile = true
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(csvHeader); err != nil {
			return &types.StorageError{Backend: "file", Err: err}
		}
	}
	for _, cr := range recs {
		key := cr.Record.Key()
		if seen[key] {
			continue
		}
		if err := w.Write(csvRow(run, cr)); err != nil {
			return &types.StorageError{Backend: "file", Err: err}
		}
		seen[key] = true
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return &types.StorageError{Backend: "file", Err: err}
	}
	return nil
}

// loadIndex reads the (asin, captured_at) keys already present in a
// report file. Loaded once per path and kept in memory after.
func (s *FileBackend) loadIndex(path string) (map[string]bool, error) {
	if idx, ok := s.seen[path]; ok {
		return idx, nil
	}
	idx := make(map[string]bool)
	s.seen[path] = idx

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, &types.StorageError{Backend: "file", Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, &types.StorageError{Backend: "file", Err: err}
	}
	for i, row := range rows {
		if i == 0 || len(row) < 2 {
			continue
		}
		idx[row[0]+"@"+row[1]] = true
	}
	return idx, nil
}

func csvRow(run *types.ChannelRunResult, cr *types.ClassifiedRecord) []string {
	r := cr.Record
	return []string{
		r.ASIN,
		strconv.FormatInt(r.CapturedAt.UTC().Unix(), 10),
		string(r.Channel),
		run.Region,
		r.Title,
		r.URL,
		strconv.FormatFloat(r.Price, 'f', 2, 64),
		r.Currency,
		strconv.FormatFloat(r.Rating, 'f', 1, 64),
		strconv.Itoa(r.ReviewCount),
		strconv.Itoa(r.Rank),
		floatPtr(r.DiscountPct),
		condPtr(r.Condition),
		floatPtr(r.WeightGrams),
		floatPtr(r.RankChangePct),
		string(cr.Classification.Verdict),
		cr.Classification.MatchedRule,
		cr.Classification.RuleSetVersion,
	}
}

func floatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func condPtr(c *types.Condition) string {
	if c == nil {
		return ""
	}
	return string(*c)
}
