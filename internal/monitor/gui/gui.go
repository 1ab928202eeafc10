// Package gui renders the broker monitor as an embeddable HTML fragment or
// JSON, and turns PUT/DELETE commands into management actions.
package gui

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/url"
	"time"

	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/internal/monitor/stats"
	"github.com/rs/zerolog/log"
)

//go:embed assets/monitor.css
var styleSheet []byte

//go:embed assets/monitor.js
var javaScript []byte

//go:embed templates/*.html
var templateFS embed.FS

var views = template.Must(template.New("views").Funcs(template.FuncMap{
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return time.Since(t).Truncate(time.Second).String() + " ago"
	},
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format(time.RFC3339)
	},
}).ParseFS(templateFS, "templates/*.html"))

// StatsSource serves snapshots without touching the broker.
type StatsSource interface {
	CurrentSnapshot() *models.StatsSnapshot
	Health() stats.Health
}

// MessageActions browses destinations and runs management actions.
type MessageActions interface {
	BrowsePage(ctx context.Context, destination string) ([]models.BrowsedMessage, bool, error)
	Examine(ctx context.Context, destination, messageID string) (models.BrowsedMessage, error)
	Reissue(ctx context.Context, destination, messageID string) models.ActionResult
	Delete(ctx context.Context, destination, messageID string) models.ActionResult
}

// AuditLog persists executed actions.
type AuditLog interface {
	Record(ctx context.Context, entry models.AuditEntryDTO) error
	Recent(ctx context.Context, limit int) ([]models.AuditEntryDTO, error)
}

type Options struct {
	Naming models.NamingConvention
	// GrowthRate reports DLQ growth in messages per second, if known.
	GrowthRate func() float64
	Audit      AuditLog
	AuditLimit int
	// OnAction is called with every executed action and its result.
	OnAction func(models.ManagementAction, models.ActionResult)
}

type GUI struct {
	stats   StatsSource
	actions MessageActions
	opts    Options
}

func New(stats StatsSource, actions MessageActions, opts Options) *GUI {
	if opts.AuditLimit <= 0 {
		opts.AuditLimit = 50
	}
	return &GUI{stats: stats, actions: actions, opts: opts}
}

func (g *GUI) OutputStyleSheet(w io.Writer) error {
	_, err := w.Write(styleSheet)
	return err
}

func (g *GUI) OutputJavaScript(w io.Writer) error {
	_, err := w.Write(javaScript)
	return err
}

// View names selected by request parameters.
const (
	ViewOverview = "overview"
	ViewBrowse   = "browse"
	ViewExamine  = "examine"
	ViewAudit    = "audit"
)

// SelectView picks the view requested by params.
func SelectView(params url.Values) string {
	switch {
	case params.Get("examine") != "":
		return ViewExamine
	case params.Get("browse") != "":
		return ViewBrowse
	case params.Has("audit"):
		return ViewAudit
	}
	return ViewOverview
}

// HTML writes the view selected by params as an HTML fragment. The style
// sheet and script are written separately.
func (g *GUI) HTML(ctx context.Context, w io.Writer, params url.Values, policy AccessPolicy) error {
	name := SelectView(params)
	data := g.model(ctx, name, params, policy)
	if err := views.ExecuteTemplate(w, name, data); err != nil {
		return fmt.Errorf("failed to render %s view: %w", name, err)
	}
	return nil
}

// RenderJSON writes the same view model HTML renders, as JSON.
func (g *GUI) RenderJSON(ctx context.Context, w io.Writer, params url.Values, policy AccessPolicy) error {
	data := g.model(ctx, SelectView(params), params, policy)
	return json.NewEncoder(w).Encode(data)
}

func (g *GUI) model(ctx context.Context, view string, params url.Values, policy AccessPolicy) any {
	switch view {
	case ViewBrowse:
		return g.Browse(ctx, params.Get("browse"), policy)
	case ViewExamine:
		return g.Examine(ctx, params.Get("examine"), params.Get("id"), policy)
	case ViewAudit:
		return g.Audit(ctx)
	}
	return g.Overview()
}

// Overview builds the destination table from the current snapshot.
func (g *GUI) Overview() models.OverviewDTO {
	snap := g.stats.CurrentSnapshot()
	health := g.stats.Health()
	dto := models.OverviewDTO{
		CapturedAt:   snap.CapturedAt(),
		Stale:        health.Stale,
		LastError:    health.LastError,
		TotalDLQ:     snap.TotalDLQ(),
		Destinations: make([]models.DestinationDTO, 0, snap.Len()),
	}
	if g.opts.GrowthRate != nil {
		dto.DLQGrowthRate = g.opts.GrowthRate()
	}
	for _, d := range snap.Destinations() {
		qs, _ := snap.Stats(d)
		row := models.DestinationDTO{Destination: d, QueueStats: qs}
		if !d.IsDLQ() {
			if dlq, _, ok := snap.Lookup(g.opts.Naming.DLQName(d.RelatedEndpointID)); ok {
				row.DLQ = dlq.Name
			}
		}
		dto.Destinations = append(dto.Destinations, row)
	}
	return dto
}

// Browse lists up to BrowseLimit messages of destination without consuming them.
func (g *GUI) Browse(ctx context.Context, destination string, policy AccessPolicy) models.BrowseDTO {
	dto := models.BrowseDTO{
		Destination: destination,
		Messages:    []models.BrowsedMessage{},
		CanReissue:  policy.allows(models.ManagementAction{Kind: models.ActionReissue, Destination: destination}),
		CanDelete:   policy.allows(models.ManagementAction{Kind: models.ActionDelete, Destination: destination}),
	}
	msgs, more, err := g.actions.BrowsePage(ctx, destination)
	dto.Messages = append(dto.Messages, msgs...)
	dto.Limited = more
	if err != nil {
		dto.Error = err.Error()
	}
	return dto
}

func (g *GUI) Examine(ctx context.Context, destination, messageID string, policy AccessPolicy) models.ExamineDTO {
	dto := models.ExamineDTO{
		Destination: destination,
		CanReissue:  policy.allows(models.ManagementAction{Kind: models.ActionReissue, Destination: destination, MessageID: messageID}),
		CanDelete:   policy.allows(models.ManagementAction{Kind: models.ActionDelete, Destination: destination, MessageID: messageID}),
	}
	m, err := g.actions.Examine(ctx, destination, messageID)
	if err != nil {
		dto.Error = err.Error()
		return dto
	}
	dto.Message = &m
	return dto
}

func (g *GUI) Audit(ctx context.Context) models.AuditDTO {
	dto := models.AuditDTO{Entries: []models.AuditEntryDTO{}}
	if g.opts.Audit == nil {
		return dto
	}
	entries, err := g.opts.Audit.Recent(ctx, g.opts.AuditLimit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read audit log")
		dto.Error = err.Error()
		return dto
	}
	dto.Entries = entries
	return dto
}
