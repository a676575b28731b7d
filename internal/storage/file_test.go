package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asinwatch/harvester/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

var captured = time.Date(2025, 8, 20, 9, 30, 0, 0, time.UTC)

func testRun() *types.ChannelRunResult {
	run := types.NewRunResult(types.ChannelBestSellers, "us", captured)
	run.State = types.RunStateDone
	return run
}

func classified(asin string, verdict types.Verdict, rule string) *types.ClassifiedRecord {
	return &types.ClassifiedRecord{
		Record: &types.ProductRecord{
			ASIN:       asin,
			Title:      "Widget " + asin,
			Channel:    types.ChannelBestSellers,
			Region:     "us",
			Price:      19.99,
			Currency:   "USD",
			Rating:     4.5,
			CapturedAt: captured,
		},
		Classification: types.Classification{
			Verdict:        verdict,
			MatchedRule:    rule,
			RuleSetVersion: "2025.08",
			ClassifiedAt:   captured,
		},
	}
}

func TestFileBackendWritesPartitions(t *testing.T) {
	root := t.TempDir()
	b, err := NewFileBackend(root, testLogger)
	require.NoError(t, err)
	defer b.Close()

	run := testRun()
	recs := []*types.ClassifiedRecord{
		classified("B0AAAAAAA1", types.VerdictSafe, ""),
		classified("B0AAAAAAA2", types.VerdictBanned, "banned-keyword:fda"),
	}
	ctx := context.Background()
	require.NoError(t, b.SaveRecords(ctx, run, recs, PartitionRaw))
	require.NoError(t, b.SaveRecords(ctx, run, recs[:1], PartitionSafe))
	require.NoError(t, b.SaveRecords(ctx, run, recs[1:], PartitionBanned))
	require.NoError(t, b.SaveRunSummary(ctx, run))

	// JSON batch
	data, err := os.ReadFile(filepath.Join(root, "data", "best_sellers", run.RunID+"_raw.json"))
	require.NoError(t, err)
	var batch []*types.ClassifiedRecord
	require.NoError(t, json.Unmarshal(data, &batch))
	assert.Len(t, batch, 2)

	// CSV report
	f, err := os.Open(filepath.Join(root, "reports", run.RunDate(), "safe.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2) // header + one row
	assert.Equal(t, "asin", rows[0][0])
	assert.Equal(t, "B0AAAAAAA1", rows[1][0])

	// Run summary
	var stored types.ChannelRunResult
	data, err = os.ReadFile(filepath.Join(root, "runs", run.RunID+".json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &stored))
	assert.Equal(t, run.RunID, stored.RunID)
	assert.Equal(t, types.RunStateDone, stored.State)
}

func TestFileBackendIdempotentOnResave(t *testing.T) {
	root := t.TempDir()
	b, err := NewFileBackend(root, testLogger)
	require.NoError(t, err)
	defer b.Close()

	run := testRun()
	recs := []*types.ClassifiedRecord{classified("B0AAAAAAA1", types.VerdictSafe, "")}
	ctx := context.Background()

	require.NoError(t, b.SaveRecords(ctx, run, recs, PartitionSafe))
	require.NoError(t, b.SaveRecords(ctx, run, recs, PartitionSafe))

	f, err := os.Open(filepath.Join(root, "reports", run.RunDate(), "safe.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2, "re-saving the same batch must not duplicate rows")
}

func TestFileBackendIdempotentAcrossReopen(t *testing.T) {
	root := t.TempDir()
	run := testRun()
	recs := []*types.ClassifiedRecord{classified("B0AAAAAAA1", types.VerdictSafe, "")}
	ctx := context.Background()

	b1, err := NewFileBackend(root, testLogger)
	require.NoError(t, err)
	require.NoError(t, b1.SaveRecords(ctx, run, recs, PartitionSafe))
	require.NoError(t, b1.Close())

	// A fresh process re-saving the same run reloads the key index
	// from the existing report.
	b2, err := NewFileBackend(root, testLogger)
	require.NoError(t, err)
	require.NoError(t, b2.SaveRecords(ctx, run, recs, PartitionSafe))
	require.NoError(t, b2.Close())

	f, err := os.Open(filepath.Join(root, "reports", run.RunDate(), "safe.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPartitionFor(t *testing.T) {
	assert.Equal(t, PartitionSafe, PartitionFor(types.VerdictSafe))
	assert.Equal(t, PartitionReview, PartitionFor(types.VerdictNeedsReview))
	assert.Equal(t, PartitionBanned, PartitionFor(types.VerdictBanned))
}

func TestWithRetry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = WithRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 2, calls)
}
