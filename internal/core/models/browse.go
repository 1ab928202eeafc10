package models

import (
	"time"
	"unicode/utf8"
)

// BrowsedMessage is one DLQ entry as seen through a non-destructive browse.
type BrowsedMessage struct {
	MessageID           string            `json:"message_id"`
	Destination         string            `json:"destination"`
	OriginalDestination string            `json:"original_destination"`
	EnqueuedAt          time.Time         `json:"enqueued_at"`
	RedeliveryCount     int               `json:"redelivery_count"`
	Headers             map[string]string `json:"headers"`
	BodyPreview         string            `json:"body_preview"`
	BodySize            int               `json:"body_size"`
	Truncated           bool              `json:"truncated"`
}

// Preview cuts body to at most limit bytes without splitting a UTF-8 rune.
// A limit <= 0 keeps the whole body.
func Preview(body []byte, limit int) (string, bool) {
	if limit <= 0 || len(body) <= limit {
		return string(body), false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]), true
}
