package models

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ottermq/ottermon/internal/broker"
)

type ActionKind string

const (
	ActionReissue ActionKind = "REISSUE"
	ActionDelete  ActionKind = "DELETE"
)

// ParseActionKind accepts the kind case-insensitively.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionReissue:
		return ActionReissue, nil
	case ActionDelete:
		return ActionDelete, nil
	}
	return "", fmt.Errorf("unknown action '%s'", s)
}

// ManagementAction is a requested mutation against one specific DLQ message.
type ManagementAction struct {
	Kind        ActionKind `json:"action"`
	Destination string     `json:"destination"`
	MessageID   string     `json:"message_id"`
}

var ErrInvalidAction = errors.New("invalid management action")

func (a ManagementAction) Validate() error {
	if a.Kind != ActionReissue && a.Kind != ActionDelete {
		return fmt.Errorf("%w: unknown kind '%s'", ErrInvalidAction, a.Kind)
	}
	if a.Destination == "" {
		return fmt.Errorf("%w: destination is required", ErrInvalidAction)
	}
	if a.MessageID == "" {
		return fmt.Errorf("%w: message id is required", ErrInvalidAction)
	}
	return nil
}

type ActionStatus string

const (
	StatusSuccess     ActionStatus = "SUCCESS"
	StatusNotFound    ActionStatus = "NOT_FOUND"
	StatusDenied      ActionStatus = "DENIED"
	StatusBrokerError ActionStatus = "BROKER_ERROR"
)

// ActionResult is the outcome of one ManagementAction.
type ActionResult struct {
	Status  ActionStatus `json:"status"`
	Message string       `json:"message"`
}

func Success(format string, args ...any) ActionResult {
	return ActionResult{Status: StatusSuccess, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) ActionResult {
	return ActionResult{Status: StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func Denied(format string, args ...any) ActionResult {
	return ActionResult{Status: StatusDenied, Message: fmt.Sprintf(format, args...)}
}

func BrokerError(err error) ActionResult {
	return ActionResult{Status: StatusBrokerError, Message: err.Error()}
}

// ResultFromError maps a broker error to the matching result status.
func ResultFromError(err error) ActionResult {
	switch {
	case err == nil:
		return ActionResult{Status: StatusSuccess}
	case errors.Is(err, broker.ErrMessageNotFound), errors.Is(err, broker.ErrQueueNotFound):
		return ActionResult{Status: StatusNotFound, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return ActionResult{Status: StatusBrokerError, Message: "broker did not answer in time: " + err.Error()}
	default:
		return BrokerError(err)
	}
}
