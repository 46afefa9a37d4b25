package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FramePresented(1, 0, 1, time.Millisecond)
	m.FrameDropped()
	m.SetSessions(1, 1)
}

func TestHandlerExposesFrameCounters(t *testing.T) {
	m := New()
	m.FramePresented(2, 1, 7, 16*time.Millisecond)
	m.FramePresented(2, 0, 8, 16*time.Millisecond)
	m.FrameDropped()
	m.SetSessions(3, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	for _, line := range []string{
		"surfacecomposer_frames_presented_total 2",
		"surfacecomposer_frames_dropped_total 1",
		"surfacecomposer_layer_blits_total 4",
		"surfacecomposer_layer_skips_total 1",
		"surfacecomposer_fence_value 8",
		"surfacecomposer_layers 3",
		"surfacecomposer_connections 2",
		"surfacecomposer_frame_duration_seconds_count 2",
	} {
		require.Contains(t, string(body), line)
	}
}
