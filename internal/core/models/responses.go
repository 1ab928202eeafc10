package models

import "time"

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Message string `json:"message"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// DestinationDTO is one row of the overview, as rendered to HTML and JSON.
type DestinationDTO struct {
	Destination
	QueueStats
	DLQ string `json:"dlq,omitempty"`
}

type OverviewDTO struct {
	CapturedAt    time.Time        `json:"captured_at"`
	Stale         bool             `json:"stale"`
	LastError     string           `json:"last_error,omitempty"`
	TotalDLQ      int              `json:"total_dlq"`
	DLQGrowthRate float64          `json:"dlq_growth_rate"`
	Destinations  []DestinationDTO `json:"destinations"`
}

type BrowseDTO struct {
	Destination string           `json:"destination"`
	Messages    []BrowsedMessage `json:"messages"`
	Limited     bool             `json:"limited"`
	Error       string           `json:"error,omitempty"`
	CanReissue  bool             `json:"can_reissue"`
	CanDelete   bool             `json:"can_delete"`
}

type AuditEntryDTO struct {
	ID          int64        `json:"id"`
	At          time.Time    `json:"at"`
	Actor       string       `json:"actor"`
	Kind        ActionKind   `json:"action"`
	Destination string       `json:"destination"`
	MessageID   string       `json:"message_id"`
	Status      ActionStatus `json:"status"`
	Detail      string       `json:"detail"`
}

type ExamineDTO struct {
	Destination string          `json:"destination"`
	Message     *BrowsedMessage `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	CanReissue  bool            `json:"can_reissue"`
	CanDelete   bool            `json:"can_delete"`
}

type AuditDTO struct {
	Entries []AuditEntryDTO `json:"entries"`
	Error   string          `json:"error,omitempty"`
}
