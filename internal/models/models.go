package models

import "time"

// Account is a linked Instagram Business account. Exactly one row exists per
// (user_id, ig_user_id); the access token is written by the account linkage
// flow and is read-only here. The token must never be logged or serialized.
type Account struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"userId"`
	IGUserID    string    `json:"igUserId"`
	DisplayName string    `json:"displayName"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Publication is the durable record of one Reel publish attempt.
// Status moves scheduled -> publishing -> published|failed; immediate
// publishes may be inserted directly with a terminal status.
type Publication struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"userId"`
	IGUserID     string     `json:"igUserId"`
	Video        string     `json:"video"`
	Caption      string     `json:"caption"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
	Status       string     `json:"status"`
	Error        *string    `json:"error,omitempty"`
	MediaID      *string    `json:"mediaId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

const (
	StatusScheduled  = "scheduled"
	StatusPublishing = "publishing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)
