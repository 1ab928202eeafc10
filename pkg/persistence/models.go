package persistence

// ActionRecord is one management action as stored by every implementation.
type ActionRecord struct {
	ID          int64  `json:"id"`
	At          int64  `json:"at"` // unix milliseconds
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	Destination string `json:"destination"`
	MessageID   string `json:"message_id"`
	Status      string `json:"status"`
	Detail      string `json:"detail,omitempty"`
}
