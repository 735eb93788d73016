package coursejobs

import "time"

// Status is the lifecycle state of a job. Cancellation is not a status of
// its own: a cancelled job terminates as StatusFailed with the Cancelled
// flag set, so the flag survives independently of the retry machinery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatusRecord is the durable row tracking one job's lifecycle. It is the
// source of truth that survives process restarts; the queue backends only
// carry job ids. Exactly one record exists per job id, created at enqueue,
// and it only ever moves forward: pending -> active -> completed|failed,
// with active -> pending allowed solely for a retry attempt.
type StatusRecord struct {
	ID   string  `gorm:"primaryKey;size:36" json:"id"`
	Type JobType `gorm:"index;size:64;not null" json:"type"`

	// Ownership, for cancellation authorization.
	OrgID    string `gorm:"index;size:64" json:"orgId"`
	CourseID string `gorm:"index;size:64" json:"courseId,omitempty"`
	UserID   string `gorm:"index;size:64" json:"userId"`
	Locale   string `gorm:"size:16" json:"locale,omitempty"`

	Status      Status     `gorm:"index;size:16;default:'pending'" json:"status"`
	Cancelled   bool       `gorm:"index;default:false" json:"cancelled"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy string     `gorm:"size:64" json:"cancelledBy,omitempty"`

	ErrorMessage string `gorm:"type:text" json:"errorMessage,omitempty"`

	Payload []byte `gorm:"type:bytes" json:"-"`
	Result  []byte `gorm:"type:bytes" json:"-"`

	Priority    int `gorm:"index;default:1" json:"priority"`
	Attempt     int `gorm:"default:0" json:"attempt"`
	MaxAttempts int `gorm:"default:3" json:"maxAttempts"`

	// RunAt delays delivery (enqueue delay or retry backoff).
	RunAt *time.Time `gorm:"index" json:"runAt,omitempty"`

	// Claim lease, held while a worker owns the attempt.
	ClaimedBy    string     `gorm:"size:64" json:"-"`
	ClaimedUntil *time.Time `gorm:"index" json:"-"`

	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName keeps the gorm table name stable across model renames.
func (StatusRecord) TableName() string { return "job_status_records" }

// OwnedBy reports whether userID is the record's owner.
func (r *StatusRecord) OwnedBy(userID string) bool {
	return userID != "" && r.UserID == userID
}
