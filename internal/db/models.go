package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is wrapped by every repository lookup that matches no row.
var ErrNotFound = errors.New("not found")

// TokenStatus is the lifecycle state of a device token.
type TokenStatus int16

const (
	TokenDisabled TokenStatus = 0
	TokenEnabled  TokenStatus = 1
)

func (s TokenStatus) String() string {
	if s == TokenEnabled {
		return "enabled"
	}
	return "disabled"
}

// DeviceToken is one push-capable endpoint owned by a user.
type DeviceToken struct {
	ID              uuid.UUID   `json:"id"`
	UserID          uuid.UUID   `json:"user_id"`
	Token           string      `json:"device_token"`
	Platform        string      `json:"platform"`
	DeviceInfo      string      `json:"device_info,omitempty"`
	AppVersion      string      `json:"app_version,omitempty"`
	PushEnabled     bool        `json:"push_enabled"`
	Status          TokenStatus `json:"status"`
	FailedCount     int         `json:"failed_count"`
	LastActiveTime  *time.Time  `json:"last_active_time,omitempty"`
	LastFailedTime  *time.Time  `json:"last_failed_time,omitempty"`
	LastSuccessTime *time.Time  `json:"last_success_time,omitempty"`
	InactiveReason  *string     `json:"inactive_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PushStatus is the delivery state of a push record.
type PushStatus int16

const (
	PushPending PushStatus = 0
	PushSuccess PushStatus = 1
	PushFailed  PushStatus = 2
)

func (s PushStatus) String() string {
	switch s {
	case PushPending:
		return "pending"
	case PushSuccess:
		return "success"
	case PushFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Notification types
const (
	TypeSystem = 1
	TypeUser   = 2
	TypeUrgent = 3
)

// Priorities
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
)

// PushRecord tracks one delivery attempt of a notification to one device.
type PushRecord struct {
	ID            uuid.UUID       `json:"id"`
	TemplateID    *uuid.UUID      `json:"template_id,omitempty"`
	Title         string          `json:"title"`
	Content       string          `json:"content"`
	Icon          string          `json:"icon,omitempty"`
	SenderID      uuid.UUID       `json:"sender_id"`
	ReceiverID    uuid.UUID       `json:"receiver_id"`
	FamilyID      uuid.UUID       `json:"family_id"`
	Type          int             `json:"type"`
	Priority      int             `json:"priority"`
	IsOneClick    bool            `json:"is_one_click"`
	SentTime      *time.Time      `json:"sent_time,omitempty"`
	DeviceTokenID uuid.UUID       `json:"device_token_id"`
	DeviceToken   string          `json:"-"`
	Platform      string          `json:"platform"`
	PushStatus    PushStatus      `json:"push_status"`
	PushTime      *time.Time      `json:"push_time,omitempty"`
	PushResponse  json.RawMessage `json:"push_response,omitempty"`
	ErrorCode     *string         `json:"error_code,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	IsRead        bool            `json:"is_read"`
	ReadTime      *time.Time      `json:"read_time,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// StatusUpdate is the outcome written back onto a push record.
type StatusUpdate struct {
	Status       PushStatus
	Response     json.RawMessage
	ErrorCode    *string
	ErrorMessage *string
}

// Template is a reusable family notification.
type Template struct {
	ID              uuid.UUID   `json:"id"`
	FamilyID        uuid.UUID   `json:"family_id"`
	CreatorID       uuid.UUID   `json:"creator_id"`
	Title           string      `json:"title"`
	Content         string      `json:"content"`
	Icon            string      `json:"icon,omitempty"`
	Type            int         `json:"type"`
	Category        string      `json:"category"`
	ReceiverUserIDs []uuid.UUID `json:"receiver_user_ids"`
	UsageCount      int         `json:"usage_count"`
	IsActive        bool        `json:"is_active"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Member status values
const (
	MemberLeft   = 0
	MemberActive = 1
)

// RecordQuery filters the paged push-record listing. Nil fields are ignored.
type RecordQuery struct {
	TemplateID    *uuid.UUID
	SenderID      *uuid.UUID
	ReceiverID    *uuid.UUID
	FamilyID      *uuid.UUID
	PushStatus    *PushStatus
	IsRead        *bool
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// TemplateCounts aggregates push records sent from one template.
type TemplateCounts struct {
	Total   int64
	Read    int64
	Success int64
}
