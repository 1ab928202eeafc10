package gui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	"github.com/ottermq/ottermon/internal/broker/memory"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/internal/monitor/actions"
	"github.com/ottermq/ottermon/internal/monitor/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var naming = models.NamingConvention{QueuePrefix: "mats.", DLQPrefix: "DLQ."}

type fakeStats struct {
	snap   *models.StatsSnapshot
	health stats.Health
}

func (f fakeStats) CurrentSnapshot() *models.StatsSnapshot { return f.snap }
func (f fakeStats) Health() stats.Health                   { return f.health }

// spyActions records every call that would reach the broker.
type spyActions struct {
	mu       sync.Mutex
	calls    []string
	messages []models.BrowsedMessage
	limit    int
	result   models.ActionResult
}

func (s *spyActions) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *spyActions) BrowsePage(_ context.Context, dest string) ([]models.BrowsedMessage, bool, error) {
	s.record("browse " + dest)
	limit := s.limit
	if limit == 0 {
		limit = 100
	}
	if len(s.messages) > limit {
		return s.messages[:limit], true, nil
	}
	return s.messages, false, nil
}

func (s *spyActions) Examine(_ context.Context, dest, id string) (models.BrowsedMessage, error) {
	s.record("examine " + dest + " " + id)
	for _, m := range s.messages {
		if m.MessageID == id {
			return m, nil
		}
	}
	return models.BrowsedMessage{}, broker.ErrMessageNotFound
}

func (s *spyActions) Reissue(_ context.Context, dest, id string) models.ActionResult {
	s.record("reissue " + dest + " " + id)
	return s.result
}

func (s *spyActions) Delete(_ context.Context, dest, id string) models.ActionResult {
	s.record("delete " + dest + " " + id)
	return s.result
}

type memAudit struct {
	entries []models.AuditEntryDTO
}

func (m *memAudit) Record(_ context.Context, e models.AuditEntryDTO) error {
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) Recent(_ context.Context, limit int) ([]models.AuditEntryDTO, error) {
	return m.entries, nil
}

func sampleSnapshot() *models.StatsSnapshot {
	q, _ := naming.Classify("mats.SimpleService.simple")
	d, _ := naming.Classify("DLQ.mats.SimpleService.simple")
	return models.NewStatsSnapshot(time.Now(), map[models.Destination]models.QueueStats{
		q: {QueueSize: 5, InFlightCount: 1},
		d: {QueueSize: 2, DLQSize: 2},
	})
}

func TestSelectView(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"", ViewOverview},
		{"browse=DLQ.mats.a", ViewBrowse},
		{"examine=DLQ.mats.a&id=1", ViewExamine},
		{"audit", ViewAudit},
		{"browse=", ViewOverview},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			params, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, SelectView(params))
		})
	}
}

func TestOverview_LinksQueuesToTheirDLQ(t *testing.T) {
	g := New(fakeStats{snap: sampleSnapshot()}, &spyActions{}, Options{Naming: naming, GrowthRate: func() float64 { return 0.5 }})

	dto := g.Overview()
	require.Len(t, dto.Destinations, 2)
	assert.Equal(t, 2, dto.TotalDLQ)
	assert.Equal(t, 0.5, dto.DLQGrowthRate)
	for _, row := range dto.Destinations {
		if row.Kind == models.KindQueue {
			assert.Equal(t, "DLQ.mats.SimpleService.simple", row.DLQ)
		}
	}
}

func TestHTML_OverviewRendersRowsAndStaleness(t *testing.T) {
	g := New(fakeStats{snap: sampleSnapshot(), health: stats.Health{Stale: true, LastError: "broker unavailable"}}, &spyActions{}, Options{Naming: naming})

	var buf bytes.Buffer
	require.NoError(t, g.HTML(context.Background(), &buf, url.Values{}, AllowAll))
	out := buf.String()
	assert.Contains(t, out, "mats.SimpleService.simple")
	assert.Contains(t, out, "?browse=DLQ.mats.SimpleService.simple")
	assert.Contains(t, out, "stale")
	assert.Contains(t, out, "Last poll failed: broker unavailable")
}

func TestHTML_BrowseEscapesContentAndHonoursPolicy(t *testing.T) {
	spy := &spyActions{messages: []models.BrowsedMessage{{MessageID: "m1", BodyPreview: "<script>alert(1)</script>"}}}
	g := New(fakeStats{snap: models.EmptySnapshot()}, spy, Options{Naming: naming})
	params := url.Values{"browse": {"DLQ.mats.a"}}

	var buf bytes.Buffer
	require.NoError(t, g.HTML(context.Background(), &buf, params, DenyKinds(models.ActionDelete)))
	out := buf.String()
	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.Contains(t, out, "&lt;script&gt;")
	assert.Contains(t, out, `data-action="REISSUE"`)
	assert.NotContains(t, out, `data-action="DELETE"`)
	assert.Equal(t, []string{"browse DLQ.mats.a"}, spy.calls)
}

func TestRenderJSON_Examine(t *testing.T) {
	spy := &spyActions{messages: []models.BrowsedMessage{{MessageID: "m1", Destination: "DLQ.mats.a"}}}
	g := New(fakeStats{snap: models.EmptySnapshot()}, spy, Options{Naming: naming})

	var buf bytes.Buffer
	params := url.Values{"examine": {"DLQ.mats.a"}, "id": {"m1"}}
	require.NoError(t, g.RenderJSON(context.Background(), &buf, params, DenyAll))

	var dto models.ExamineDTO
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dto))
	require.NotNil(t, dto.Message)
	assert.Equal(t, "m1", dto.Message.MessageID)
	assert.False(t, dto.CanDelete)
	assert.False(t, dto.CanReissue)

	buf.Reset()
	params.Set("id", "gone")
	require.NoError(t, g.RenderJSON(context.Background(), &buf, params, AllowAll))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &dto))
	assert.Contains(t, dto.Error, "message not found")
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name     string
		params   url.Values
		body     string
		fallback models.ActionKind
		want     models.ManagementAction
		wantErr  bool
	}{
		{
			name: "json body",
			body: `{"action":"reissue","destination":"DLQ.mats.a","message_id":"m1"}`,
			want: models.ManagementAction{Kind: models.ActionReissue, Destination: "DLQ.mats.a", MessageID: "m1"},
		},
		{
			name:     "params with method fallback",
			params:   url.Values{"destination": {"DLQ.mats.a"}, "id": {"m2"}},
			fallback: models.ActionDelete,
			want:     models.ManagementAction{Kind: models.ActionDelete, Destination: "DLQ.mats.a", MessageID: "m2"},
		},
		{name: "broken json", body: `{"action":`, wantErr: true},
		{name: "unknown kind", body: `{"action":"purge","destination":"d","message_id":"m"}`, wantErr: true},
		{name: "missing id", body: `{"action":"DELETE","destination":"d"}`, wantErr: true},
		{name: "no kind at all", params: url.Values{"destination": {"d"}, "id": {"m"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction(tt.params, []byte(tt.body), tt.fallback)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidAction)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleCommand_DeniedNeverReachesBroker(t *testing.T) {
	spy := &spyActions{result: models.Success("ok")}
	audit := &memAudit{}
	g := New(fakeStats{snap: models.EmptySnapshot()}, spy, Options{Naming: naming, Audit: audit})
	action := models.ManagementAction{Kind: models.ActionDelete, Destination: "DLQ.mats.a", MessageID: "m1"}

	for _, policy := range []AccessPolicy{DenyAll, DenyKinds(models.ActionDelete), nil} {
		res := g.HandleCommand(context.Background(), "viewer", action, policy)
		assert.Equal(t, models.StatusDenied, res.Status)
	}
	assert.Empty(t, spy.calls)
	require.Len(t, audit.entries, 3)
	assert.Equal(t, models.StatusDenied, audit.entries[0].Status)
	assert.Equal(t, "viewer", audit.entries[0].Actor)
}

func TestHandleCommand_DispatchesByKind(t *testing.T) {
	spy := &spyActions{result: models.Success("done")}
	var seen []models.ActionKind
	g := New(fakeStats{snap: models.EmptySnapshot()}, spy, Options{
		Naming:   naming,
		OnAction: func(a models.ManagementAction, _ models.ActionResult) { seen = append(seen, a.Kind) },
	})

	g.HandleCommand(context.Background(), "admin", models.ManagementAction{Kind: models.ActionReissue, Destination: "d", MessageID: "1"}, AllowAll)
	g.HandleCommand(context.Background(), "admin", models.ManagementAction{Kind: models.ActionDelete, Destination: "d", MessageID: "2"}, AllowAll)

	assert.Equal(t, []string{"reissue d 1", "delete d 2"}, spy.calls)
	assert.Equal(t, []models.ActionKind{models.ActionReissue, models.ActionDelete}, seen)
}

func TestJSON_WritesResultOrRejects(t *testing.T) {
	spy := &spyActions{result: models.NotFound("gone")}
	g := New(fakeStats{snap: models.EmptySnapshot()}, spy, Options{Naming: naming})

	var buf bytes.Buffer
	res, err := g.JSON(context.Background(), &buf, "admin", nil, []byte(`{"action":"REISSUE","destination":"d","message_id":"m"}`), "", AllowAll)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotFound, res.Status)
	assert.JSONEq(t, `{"status":"NOT_FOUND","message":"gone"}`, buf.String())

	buf.Reset()
	_, err = g.JSON(context.Background(), &buf, "admin", nil, []byte(`nope`), "", AllowAll)
	assert.ErrorIs(t, err, models.ErrInvalidAction)
	assert.Zero(t, buf.Len())
}

func TestAssets(t *testing.T) {
	g := New(fakeStats{snap: models.EmptySnapshot()}, &spyActions{}, Options{})
	var css, js strings.Builder
	require.NoError(t, g.OutputStyleSheet(&css))
	require.NoError(t, g.OutputJavaScript(&js))
	assert.Contains(t, css.String(), ".ottermon-table")
	assert.Contains(t, js.String(), "ottermon-action")
	// ids are arbitrary broker strings; the row lookup must not break on quotes
	assert.Contains(t, js.String(), "CSS.escape(id)")
}

func TestHTML_BrowseEscapesQuotedMessageIDs(t *testing.T) {
	spy := &spyActions{messages: []models.BrowsedMessage{{MessageID: `id"with'quotes`}}}
	g := New(fakeStats{snap: models.EmptySnapshot()}, spy, Options{Naming: naming})

	var buf bytes.Buffer
	require.NoError(t, g.HTML(context.Background(), &buf, url.Values{"browse": {"DLQ.mats.a"}}, AllowAll))
	assert.NotContains(t, buf.String(), `data-id="id"with`)
	assert.Contains(t, buf.String(), `data-id="id&#34;with&#39;quotes"`)
}

func TestAuditView(t *testing.T) {
	audit := &memAudit{}
	g := New(fakeStats{snap: models.EmptySnapshot()}, &spyActions{result: models.Success("ok")}, Options{Audit: audit})
	g.HandleCommand(context.Background(), "admin", models.ManagementAction{Kind: models.ActionDelete, Destination: "d", MessageID: "m"}, AllowAll)

	var buf bytes.Buffer
	require.NoError(t, g.HTML(context.Background(), &buf, url.Values{"audit": {""}}, AllowAll))
	assert.Contains(t, buf.String(), "ottermon-status-SUCCESS")
	assert.Contains(t, buf.String(), "admin")
}

func TestEndToEnd_ReissueThroughMemoryBroker(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "DLQ.mats.SimpleService.simple", broker.Message{ID: "dead-1", Body: []byte("{}")}))

	collector := stats.New(b.Admin(), stats.Config{Naming: naming, PollInterval: time.Hour})
	defer collector.Close()
	_, err := collector.ForceUpdate(ctx)
	require.NoError(t, err)

	svc := actions.New(b.Connector(), actions.Config{Naming: naming})
	defer svc.Close()
	g := New(collector, svc, Options{Naming: naming})

	var buf bytes.Buffer
	require.NoError(t, g.HTML(ctx, &buf, url.Values{"browse": {"DLQ.mats.SimpleService.simple"}}, AllowAll))
	assert.Contains(t, buf.String(), "dead-1")

	res := g.HandleCommand(ctx, "admin", models.ManagementAction{Kind: models.ActionReissue, Destination: "DLQ.mats.SimpleService.simple", MessageID: "dead-1"}, AllowAll)
	require.Equal(t, models.StatusSuccess, res.Status, res.Message)
	ready, _ := b.Depth("mats.SimpleService.simple")
	assert.Equal(t, 1, ready)
}

func TestBrowse_LimitedFlagsOnlyHiddenMessages(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()
	ctx := context.Background()
	const dest = "DLQ.mats.SimpleService.simple"
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, b.Publish(ctx, dest, broker.Message{ID: id, Body: []byte("{}")}))
	}

	svc := actions.New(b.Connector(), actions.Config{Naming: naming, BrowseLimit: 3})
	defer svc.Close()
	g := New(fakeStats{snap: models.EmptySnapshot()}, svc, Options{Naming: naming})

	dto := g.Browse(ctx, dest, AllowAll)
	assert.Len(t, dto.Messages, 3)
	assert.False(t, dto.Limited)

	require.NoError(t, b.Publish(ctx, dest, broker.Message{ID: "m4", Body: []byte("{}")}))
	dto = g.Browse(ctx, dest, AllowAll)
	assert.Len(t, dto.Messages, 3)
	assert.True(t, dto.Limited)

	var buf bytes.Buffer
	require.NoError(t, g.HTML(ctx, &buf, url.Values{"browse": {dest}}, AllowAll))
	assert.Contains(t, buf.String(), "showing the first 3 messages")
}
