package services

import (
	"context"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

const (
	ModerationCollection = "moderation_log"
	maxRecentRecords     = 200
)

// MongoModerationLog writes records with InsertOne only; nothing updates them.
type MongoModerationLog struct {
	col *mongo.Collection
}

func NewMongoModerationLog(db *mongo.Database) *MongoModerationLog {
	return &MongoModerationLog{col: db.Collection(ModerationCollection)}
}

// EnsureIndexes configures the history and review-queue indexes.
// Called on startup from main after Mongo has connected.
func (l *MongoModerationLog) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "submission_id", Value: 1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("idx_submission_created"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_status_created"),
		},
	}
	_, err := l.col.Indexes().CreateMany(ctx, indexes)
	return err
}

func (l *MongoModerationLog) Append(ctx context.Context, record models.ModerationRecord) error {
	_, err := l.col.InsertOne(ctx, record)
	return err
}

func (l *MongoModerationLog) History(ctx context.Context, submissionID string) ([]models.ModerationRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := l.col.Find(ctx, bson.M{"submission_id": submissionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	records := []models.ModerationRecord{}
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (l *MongoModerationLog) Recent(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ModerationRecord, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit, maxRecentRecords)))

	cur, err := l.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	records := []models.ModerationRecord{}
	if err := cur.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// MemModerationLog keeps records in insertion order.
type MemModerationLog struct {
	mu      sync.RWMutex
	records []models.ModerationRecord
}

func NewMemModerationLog() *MemModerationLog {
	return &MemModerationLog{}
}

func (l *MemModerationLog) Append(ctx context.Context, record models.ModerationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *MemModerationLog) History(ctx context.Context, submissionID string) ([]models.ModerationRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []models.ModerationRecord{}
	for _, r := range l.records {
		if r.SubmissionID == submissionID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *MemModerationLog) Recent(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ModerationRecord, error) {
	limit = clampLimit(limit, maxRecentRecords)
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []models.ModerationRecord{}
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		if status == "" || l.records[i].Status == status {
			out = append(out, l.records[i])
		}
	}
	return out, nil
}

func (l *MemModerationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
