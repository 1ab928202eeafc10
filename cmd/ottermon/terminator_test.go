package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ottermq/ottermon/config"
	"github.com/ottermq/ottermon/internal/coordinator"
	"github.com/ottermq/ottermon/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const terminatorID = "SimpleServiceMainTerminator.private.terminator"

func embeddedRuntime(t *testing.T, drainWindow time.Duration) *runtime {
	t.Helper()
	rt := openRuntime(&config.Config{
		AppName:            "test",
		Embedded:           true,
		QueuePrefix:        "mats.",
		DLQPrefix:          "DLQ.",
		MaxRedeliveries:    1,
		CoordinatorTimeout: 5 * time.Second,
		DrainWindow:        drainWindow,
		TerminatorID:       terminatorID,
		TargetEndpoint:     "SimpleService.simple",
	})
	t.Cleanup(func() { rt.Close() })
	_, err := startDemoService(rt.factory, rt.cfg.TargetEndpoint)
	require.NoError(t, err)
	return rt
}

func TestTerminate_DrainsAfterCompletion(t *testing.T) {
	rt := embeddedRuntime(t, 300*time.Millisecond)

	start := time.Now()
	out, total, err := terminate(context.Background(), rt, &terminatorFlags{count: 10, drain: true}, metrics.Noop{})
	require.NoError(t, err)

	assert.Equal(t, coordinator.Completed, out.Phase)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond, "drain runs after the stop reply")
	assert.Equal(t, int64(11), total)
}

func TestTerminate_RecordsRepliesOnExporter(t *testing.T) {
	rt := embeddedRuntime(t, 300*time.Millisecond)
	exporter := metrics.NewExporter()

	// requests 3 and 6 fail and are dead-lettered instead of answered
	_, total, err := terminate(context.Background(), rt, &terminatorFlags{count: 9, failEvery: 3, drain: true}, exporter)
	require.NoError(t, err)
	assert.Equal(t, int64(8), total)

	expected := `
# HELP ottermon_coordinator_replies_total Replies received by terminators
# TYPE ottermon_coordinator_replies_total counter
ottermon_coordinator_replies_total{stop="false",terminator="` + terminatorID + `"} 7
ottermon_coordinator_replies_total{stop="true",terminator="` + terminatorID + `"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(exporter.Registry(), strings.NewReader(expected), "ottermon_coordinator_replies_total"))
}

func TestTerminate_WithoutDrainReturnsAtCompletion(t *testing.T) {
	rt := embeddedRuntime(t, time.Minute)

	start := time.Now()
	out, _, err := terminate(context.Background(), rt, &terminatorFlags{count: 3}, metrics.Noop{})
	require.NoError(t, err)
	assert.Equal(t, coordinator.Completed, out.Phase)
	assert.Less(t, time.Since(start), 5*time.Second)
}
