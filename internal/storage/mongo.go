package storage

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/asinwatch/harvester/internal/types"
)

// MongoBackend persists runs in MongoDB. Records are upserted on
// (asin, captured_at) and verdicts on that pair plus the rule-set
// version, matching the relational backends' keys.
type MongoBackend struct {
	client   *mongo.Client
	records  *mongo.Collection
	verdicts *mongo.Collection
	runs     *mongo.Collection
	logger   *slog.Logger
}

// NewMongoBackend connects and pings the server.
func NewMongoBackend(uri, database string, logger *slog.Logger) (*MongoBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, &types.StorageError{Backend: "mongo", Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, &types.StorageError{Backend: "mongo", Err: err}
	}

	db := client.Database(database)
	return &MongoBackend{
		client:   client,
		records:  db.Collection("records"),
		verdicts: db.Collection("verdicts"),
		runs:     db.Collection("runs"),
		logger:   logger.With("component", "mongo_storage"),
	}, nil
}

func (s *MongoBackend) Name() string { return "mongo" }

func (s *MongoBackend) SaveRecords(ctx context.Context, run *types.ChannelRunResult, recs []*types.ClassifiedRecord, p Partition) error {
	upsert := options.Replace().SetUpsert(true)
	for _, cr := range recs {
		r := cr.Record
		capturedAt := r.CapturedAt.UTC().Unix()

		recFilter := bson.M{"asin": r.ASIN, "captured_at": capturedAt}
		doc := bson.M{
			"asin":          r.ASIN,
			"captured_at":   capturedAt,
			"channel":       string(r.Channel),
			"region":        r.Region,
			"title":         r.Title,
			"url":           r.URL,
			"image_url":     r.ImageURL,
			"category_path": r.CategoryPath,
			"price":         r.Price,
			"currency":      r.Currency,
			"rating":        r.Rating,
			"review_count":  r.ReviewCount,
			"rank":          r.Rank,
		}
		if r.DiscountPct != nil {
			doc["discount_pct"] = *r.DiscountPct
		}
		if r.Condition != nil {
			doc["condition"] = string(*r.Condition)
		}
		if r.WeightGrams != nil {
			doc["weight_grams"] = *r.WeightGrams
		}
		if r.RankChangePct != nil {
			doc["rank_change_pct"] = *r.RankChangePct
		}
		if _, err := s.records.ReplaceOne(ctx, recFilter, doc, upsert); err != nil {
			return &types.StorageError{Backend: "mongo", Err: err}
		}

		if p == PartitionRaw {
			continue
		}
		cl := cr.Classification
		verdictFilter := bson.M{
			"asin":            r.ASIN,
			"captured_at":     capturedAt,
			"ruleset_version": cl.RuleSetVersion,
		}
		verdictDoc := bson.M{
			"asin":            r.ASIN,
			"captured_at":     capturedAt,
			"ruleset_version": cl.RuleSetVersion,
			"run_id":          run.RunID,
			"verdict":         string(cl.Verdict),
			"matched_rule":    cl.MatchedRule,
			"classified_at":   cl.ClassifiedAt.UTC().Unix(),
		}
		if _, err := s.verdicts.ReplaceOne(ctx, verdictFilter, verdictDoc, upsert); err != nil {
			return &types.StorageError{Backend: "mongo", Err: err}
		}
	}
	s.logger.Debug("records saved", "run_id", run.RunID, "partition", string(p), "count", len(recs))
	return nil
}

func (s *MongoBackend) SaveRunSummary(ctx context.Context, run *types.ChannelRunResult) error {
	filter := bson.M{"run_id": run.RunID}
	doc := bson.M{
		"run_id":            run.RunID,
		"channel":           string(run.Channel),
		"region":            run.Region,
		"state":             string(run.State),
		"started_at":        run.StartedAt.UTC(),
		"finished_at":       run.FinishedAt.UTC(),
		"pages_visited":     run.PagesVisited,
		"records_harvested": run.RecordsHarvested,
		"safe_count":        run.SafeCount,
		"review_count":      run.ReviewCount,
		"banned_count":      run.BannedCount,
		"ruleset_version":   run.RuleSetVersion,
		"failure_cause":     run.FailureCause,
		"errors":            run.Errors,
	}
	if _, err := s.runs.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true)); err != nil {
		return &types.StorageError{Backend: "mongo", Err: err}
	}
	s.logger.Info("run summary saved", "run_id", run.RunID, "state", string(run.State))
	return nil
}

func (s *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
