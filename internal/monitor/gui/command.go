package gui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/rs/zerolog/log"
)

// ParseAction reads a management action from a JSON body, or from the
// parameters "action", "destination" and "id" when the body is empty.
// fallback is used when neither names a kind, so a DELETE request only needs
// the destination and id.
func ParseAction(params url.Values, body []byte, fallback models.ActionKind) (models.ManagementAction, error) {
	var raw struct {
		Action      string `json:"action"`
		Destination string `json:"destination"`
		MessageID   string `json:"message_id"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return models.ManagementAction{}, fmt.Errorf("%w: %v", models.ErrInvalidAction, err)
		}
	} else {
		raw.Action = params.Get("action")
		raw.Destination = params.Get("destination")
		raw.MessageID = params.Get("id")
	}

	action := models.ManagementAction{Destination: raw.Destination, MessageID: raw.MessageID, Kind: fallback}
	if raw.Action != "" {
		kind, err := models.ParseActionKind(raw.Action)
		if err != nil {
			return models.ManagementAction{}, fmt.Errorf("%w: %v", models.ErrInvalidAction, err)
		}
		action.Kind = kind
	}
	if err := action.Validate(); err != nil {
		return models.ManagementAction{}, err
	}
	return action, nil
}

// HandleCommand runs one action after the policy allowed it. A denied action
// never reaches the broker.
func (g *GUI) HandleCommand(ctx context.Context, actor string, action models.ManagementAction, policy AccessPolicy) models.ActionResult {
	var res models.ActionResult
	if !policy.allows(action) {
		res = models.Denied("%s of '%s' on '%s' is not permitted", action.Kind, action.MessageID, action.Destination)
	} else {
		res = g.dispatch(ctx, action)
	}
	g.record(ctx, actor, action, res)
	return res
}

func (g *GUI) dispatch(ctx context.Context, action models.ManagementAction) models.ActionResult {
	switch action.Kind {
	case models.ActionReissue:
		return g.actions.Reissue(ctx, action.Destination, action.MessageID)
	case models.ActionDelete:
		return g.actions.Delete(ctx, action.Destination, action.MessageID)
	}
	return models.BrokerError(fmt.Errorf("%w: unknown kind '%s'", models.ErrInvalidAction, action.Kind))
}

// JSON parses the command from params and body, runs it and writes the
// result as JSON. Malformed commands return an error and write nothing.
func (g *GUI) JSON(ctx context.Context, w io.Writer, actor string, params url.Values, body []byte, fallback models.ActionKind, policy AccessPolicy) (models.ActionResult, error) {
	action, err := ParseAction(params, body, fallback)
	if err != nil {
		return models.ActionResult{}, err
	}
	res := g.HandleCommand(ctx, actor, action, policy)
	return res, json.NewEncoder(w).Encode(res)
}

func (g *GUI) record(ctx context.Context, actor string, action models.ManagementAction, res models.ActionResult) {
	log.Info().
		Str("actor", actor).
		Str("action", string(action.Kind)).
		Str("destination", action.Destination).
		Str("message_id", action.MessageID).
		Str("status", string(res.Status)).
		Msg("Management action handled")
	if g.opts.OnAction != nil {
		g.opts.OnAction(action, res)
	}
	if g.opts.Audit == nil {
		return
	}
	entry := models.AuditEntryDTO{
		At:          time.Now().UTC(),
		Actor:       actor,
		Kind:        action.Kind,
		Destination: action.Destination,
		MessageID:   action.MessageID,
		Status:      res.Status,
		Detail:      res.Message,
	}
	if err := g.opts.Audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Msg("Failed to write audit entry")
	}
}
