package models

import "time"

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Video upload statuses.
const (
	VideoUploading = "uploading"
	VideoReady     = "ready"
	VideoFailed    = "failed"
)

type Video struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	StorageKey   string    `json:"storageKey"`
	Container    string    `json:"container"`
	Codec        string    `json:"codec"`
	DurationMS   int64     `json:"durationMs"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	SizeBytes    int64     `json:"sizeBytes"`
	UploadStatus string    `json:"uploadStatus"`
	Caption      string    `json:"caption"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type PlatformConnection struct {
	ID             string  `json:"id"`
	UserID         string  `json:"userId"`
	Platform       string  `json:"platform"`
	PlatformUserID string  `json:"platformUserId"`
	DisplayName    *string `json:"displayName,omitempty"`
	Scopes         []string `json:"scopes"`
	// AccessTokenEnc and RefreshTokenEnc hold sealed blobs only; plaintext
	// tokens never leave the tokens manager.
	AccessTokenEnc  []byte    `json:"-"`
	RefreshTokenEnc []byte    `json:"-"`
	ExpiresAt       time.Time `json:"expiresAt"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type MultiPost struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	VideoID   string    `json:"videoId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Post states. Exactly one terminal transition per post.
const (
	PostPending    = "PENDING"
	PostProcessing = "PROCESSING"
	PostPosted     = "POSTED"
	PostFailed     = "FAILED"
	PostCanceled   = "CANCELED"
)

type Post struct {
	ID             string            `json:"id"`
	MultiPostID    string            `json:"multiPostId"`
	UserID         string            `json:"userId"`
	VideoID        string            `json:"videoId"`
	Platform       string            `json:"platform"`
	Status         string            `json:"status"`
	Caption        string            `json:"caption"`
	Hashtags       []string          `json:"hashtags"`
	Extras         map[string]string `json:"extras,omitempty"`
	AttemptCount   int               `json:"attemptCount"`
	LastErrorKind  *string           `json:"lastErrorKind,omitempty"`
	LastErrorMsg   *string           `json:"lastErrorMessage,omitempty"`
	PlatformPostID *string           `json:"platformPostId,omitempty"`
	PlatformURL    *string           `json:"platformUrl,omitempty"`
	PostedAt       *time.Time        `json:"postedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Schedule states.
const (
	SchedulePending  = "PENDING"
	ScheduleFired    = "FIRED"
	ScheduleCanceled = "CANCELED"
)

// PlatformConfig is the per-platform caption/tag payload stored on schedules.
type PlatformConfig struct {
	Caption  string            `json:"caption"`
	Hashtags []string          `json:"hashtags,omitempty"`
	Extras   map[string]string `json:"extras,omitempty"`
}

type Schedule struct {
	ID          string                    `json:"id"`
	UserID      string                    `json:"userId"`
	VideoID     string                    `json:"videoId"`
	Platforms   []string                  `json:"platforms"`
	PostConfig  map[string]PlatformConfig `json:"postConfig"`
	ScheduledAt time.Time                 `json:"scheduledAt"`
	State       string                    `json:"state"`
	CreatedAt   time.Time                 `json:"createdAt"`
	UpdatedAt   time.Time                 `json:"updatedAt"`
}

// RecurringSchedule states.
const (
	RecurringActive   = "ACTIVE"
	RecurringPaused   = "PAUSED"
	RecurringCanceled = "CANCELED"
)

// Cadence kinds. Cron is the raw-expression form; the structured forms carry
// an HH:MM anchor in UTC plus weekday/day-of-month where applicable.
const (
	CadenceDaily   = "daily"
	CadenceWeekly  = "weekly"
	CadenceMonthly = "monthly"
	CadenceCron    = "cron"
)

type Cadence struct {
	Kind string `json:"kind"`
	// MinuteOfDay is HH*60+MM in UTC for daily/weekly/monthly.
	MinuteOfDay int `json:"minuteOfDay,omitempty"`
	// Weekday is 0=Sunday..6=Saturday for weekly.
	Weekday int `json:"weekday,omitempty"`
	// DayOfMonth is 1..31 for monthly; clamped to the month's last day.
	DayOfMonth int `json:"dayOfMonth,omitempty"`
	// Expr is a standard 5-field cron expression for kind=cron.
	Expr string `json:"expr,omitempty"`
}

type RecurringSchedule struct {
	ID              string                    `json:"id"`
	UserID          string                    `json:"userId"`
	VideoID         string                    `json:"videoId"`
	Platforms       []string                  `json:"platforms"`
	PostConfig      map[string]PlatformConfig `json:"postConfig"`
	Cadence         Cadence                   `json:"cadence"`
	CaptionVariants []string                  `json:"captionVariants"`
	VariantCursor   int                       `json:"variantCursor"`
	State           string                    `json:"state"`
	NextOccurrence  time.Time                 `json:"nextOccurrence"`
	CreatedAt       time.Time                 `json:"createdAt"`
	UpdatedAt       time.Time                 `json:"updatedAt"`
}

// PostOutcome kinds.
const (
	OutcomeSuccess       = "SUCCESS"
	OutcomeTransientFail = "TRANSIENT_FAIL"
	OutcomePermanentFail = "PERMANENT_FAIL"
)

// PostOutcome is the append-only audit record, one row per publish attempt.
type PostOutcome struct {
	ID         string    `json:"id"`
	PostID     string    `json:"postId"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Outcome    string    `json:"outcome"`
	ErrorKind  *string   `json:"errorKind,omitempty"`
	Excerpt    *string   `json:"excerpt,omitempty"`
}
