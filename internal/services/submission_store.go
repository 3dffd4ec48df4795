package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/AnshRaj112/whisper-trust/internal/models"
)

const (
	SubmissionCollection = "submissions"
	ReactionCollection   = "reactions"
	DefaultFeedLimit     = 20
	maxFeedLimit         = 100
)

// SubmissionStore holds submissions and their current visibility status.
type SubmissionStore interface {
	Create(ctx context.Context, sub models.Submission) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (models.Submission, error)
	SetStatus(ctx context.Context, id string, status models.ModerationStatus) error
	// ListVisible pages clean submissions newest first and reports the total.
	ListVisible(ctx context.Context, limit, skip int) ([]models.Submission, int64, error)
	// AddReaction records reactor's reaction and reports false when the
	// reactor had already reacted to the submission.
	AddReaction(ctx context.Context, submissionID, reactor string) (bool, error)
	// RemoveReaction forgets a reaction whose rewards could not be paid.
	RemoveReaction(ctx context.Context, submissionID, reactor string) error
}

type MongoSubmissionStore struct {
	col       *mongo.Collection
	reactions *mongo.Collection
	clock     Clock
}

func NewMongoSubmissionStore(db *mongo.Database) *MongoSubmissionStore {
	return &MongoSubmissionStore{
		col:       db.Collection(SubmissionCollection),
		reactions: db.Collection(ReactionCollection),
		clock:     SystemClock,
	}
}

func (s *MongoSubmissionStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "status", Value: 1},
			{Key: "created_at", Value: -1},
		},
		Options: options.Index().SetName("idx_status_created"),
	})
	if err != nil {
		return err
	}
	_, err = s.reactions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "submission_id", Value: 1},
			{Key: "reactor", Value: 1},
		},
		Options: options.Index().SetName("idx_submission_reactor").SetUnique(true),
	})
	return err
}

func (s *MongoSubmissionStore) Create(ctx context.Context, sub models.Submission) error {
	_, err := s.col.InsertOne(ctx, sub)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *MongoSubmissionStore) Get(ctx context.Context, id string) (models.Submission, error) {
	var sub models.Submission
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Submission{}, ErrNotFound
	}
	return sub, err
}

func (s *MongoSubmissionStore) SetStatus(ctx context.Context, id string, status models.ModerationStatus) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "updated_at": s.clock.Now()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoSubmissionStore) ListVisible(ctx context.Context, limit, skip int) ([]models.Submission, int64, error) {
	limit = clampLimit(limit, maxFeedLimit)
	if skip < 0 {
		skip = 0
	}
	filter := bson.M{"status": models.ModerationClean}

	total, err := s.col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(skip))
	cur, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	subs := []models.Submission{}
	if err := cur.All(ctx, &subs); err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

func (s *MongoSubmissionStore) AddReaction(ctx context.Context, submissionID, reactor string) (bool, error) {
	_, err := s.reactions.InsertOne(ctx, models.Reaction{
		ID:           models.ReactionID(submissionID, reactor),
		SubmissionID: submissionID,
		Reactor:      reactor,
		CreatedAt:    s.clock.Now(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *MongoSubmissionStore) RemoveReaction(ctx context.Context, submissionID, reactor string) error {
	_, err := s.reactions.DeleteOne(ctx, bson.M{"_id": models.ReactionID(submissionID, reactor)})
	return err
}

type MemSubmissionStore struct {
	mu        sync.RWMutex
	subs      map[string]models.Submission
	reactions map[string]struct{}
	clock     Clock
}

func NewMemSubmissionStore() *MemSubmissionStore {
	return &MemSubmissionStore{
		subs:      make(map[string]models.Submission),
		reactions: make(map[string]struct{}),
		clock:     SystemClock,
	}
}

func (s *MemSubmissionStore) Create(ctx context.Context, sub models.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return ErrConflict
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *MemSubmissionStore) Get(ctx context.Context, id string) (models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return models.Submission{}, ErrNotFound
	}
	return sub, nil
}

func (s *MemSubmissionStore) SetStatus(ctx context.Context, id string, status models.ModerationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = s.clock.Now()
	s.subs[id] = sub
	return nil
}

func (s *MemSubmissionStore) ListVisible(ctx context.Context, limit, skip int) ([]models.Submission, int64, error) {
	limit = clampLimit(limit, maxFeedLimit)
	s.mu.RLock()
	visible := make([]models.Submission, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.Visible() {
			visible = append(visible, sub)
		}
	}
	s.mu.RUnlock()

	sort.Slice(visible, func(i, j int) bool {
		if visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].ID > visible[j].ID
		}
		return visible[i].CreatedAt.After(visible[j].CreatedAt)
	})

	total := int64(len(visible))
	if skip < 0 {
		skip = 0
	}
	if skip >= len(visible) {
		return []models.Submission{}, total, nil
	}
	end := skip + limit
	if end > len(visible) {
		end = len(visible)
	}
	return visible[skip:end], total, nil
}


func (s *MemSubmissionStore) AddReaction(ctx context.Context, submissionID, reactor string) (bool, error) {
	id := models.ReactionID(submissionID, reactor)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reactions[id]; ok {
		return false, nil
	}
	s.reactions[id] = struct{}{}
	return true, nil
}

func (s *MemSubmissionStore) RemoveReaction(ctx context.Context, submissionID, reactor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reactions, models.ReactionID(submissionID, reactor))
	return nil
}
