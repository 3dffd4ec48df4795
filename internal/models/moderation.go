package models

import "time"

type ModerationStatus string

const (
	ModerationPending   ModerationStatus = "pending"
	ModerationClean     ModerationStatus = "clean"
	ModerationFlagged   ModerationStatus = "flagged"
	ModerationEscalated ModerationStatus = "escalated"
)

// ModerationRecord is an append-only fact about one moderation pass.
// A submission can have many records; none of them is ever updated.
type ModerationRecord struct {
	ID                string             `bson:"_id" json:"id"`
	SubmissionID      string             `bson:"submission_id" json:"submission_id"`
	Identity          string             `bson:"identity" json:"-"`
	Status            ModerationStatus   `bson:"status" json:"status"`
	Score             float64            `bson:"score" json:"score"`
	Reason            string             `bson:"reason" json:"reason"`
	FlaggedCategories []string           `bson:"flagged_categories" json:"flagged_categories"`
	CategoryScores    map[string]float64 `bson:"category_scores" json:"category_scores"`
	CreatedAt         time.Time          `bson:"created_at" json:"created_at"`
}
