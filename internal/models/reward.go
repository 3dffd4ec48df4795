package models

import "time"

type EventKind string

const (
	EventPost             EventKind = "post"
	EventReactionGiven    EventKind = "reaction_given"
	EventReactionReceived EventKind = "reaction_received"
	EventEarlyUser        EventKind = "early_user"
	EventSpend            EventKind = "spend"
)

// RewardTransaction is one row of the append-only reward ledger.
// Amount is negative for spends.
type RewardTransaction struct {
	ID        int64     `json:"id"`
	Identity  string    `json:"-"`
	EventKind EventKind `json:"event_kind"`
	Amount    int64     `json:"amount"`
	OneTime   bool      `json:"one_time"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// UserProgression is the balance projection derived from the ledger.
type UserProgression struct {
	Identity          string    `json:"-"`
	Points            int64     `json:"points"`
	TotalEarned       int64     `json:"total_earned"`
	TotalSpent        int64     `json:"total_spent"`
	PostsCount        int64     `json:"posts_count"`
	ReactionsGiven    int64     `json:"reactions_given"`
	ReactionsReceived int64     `json:"reactions_received"`
	Level             int       `json:"level"`
	UpdatedAt         time.Time `json:"updated_at"`
}
