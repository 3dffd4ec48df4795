package models

import "time"

// Submission is a user post in the feed. It stays hidden until moderation
// marks it clean.
type Submission struct {
	ID        string    `bson:"_id" json:"id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`

	// Identity is the hashed author token, never exposed in responses
	Identity string `bson:"identity" json:"-"`

	Content string           `bson:"content" json:"content"`
	URLs    []string         `bson:"urls,omitempty" json:"urls,omitempty"`
	Status  ModerationStatus `bson:"status" json:"status"`
}

// Visible reports whether the submission may appear in the public feed.
func (s Submission) Visible() bool {
	return s.Status == ModerationClean
}

// Reaction is one identity's reaction to a submission. Each pair is stored
// once; ID is derived from both so the store enforces it.
type Reaction struct {
	ID           string    `bson:"_id" json:"-"`
	SubmissionID string    `bson:"submission_id" json:"submission_id"`
	Reactor      string    `bson:"reactor" json:"-"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
}

// ReactionID is the storage key of reactor's reaction to submissionID.
func ReactionID(submissionID, reactor string) string {
	return submissionID + "/" + reactor
}
