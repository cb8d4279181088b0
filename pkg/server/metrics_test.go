package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scrape renders m the way Prometheus would fetch it.
func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.RecordConnection("tcp")
	m.RecordFrame("group_message")
	m.RecordFrame("group_message")
	m.RecordSend(nil)
	m.RecordSend(errors.New("broken pipe"))
	m.RecordGroupCreated()
	m.RecordStored("direct")

	out := scrape(t, m)
	assert.Contains(t, out, "huddle_active_sessions 1")
	assert.Contains(t, out, `huddle_connections_total{transport="tcp"} 1`)
	assert.Contains(t, out, `huddle_frames_received_total{kind="group_message"} 2`)
	assert.Contains(t, out, "huddle_frames_sent_total 1")
	assert.Contains(t, out, "huddle_send_failures_total 1")
	assert.Contains(t, out, "huddle_groups_created_total 1")
	assert.Contains(t, out, `huddle_messages_stored_total{kind="direct"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed()
		m.RecordConnection("ws")
		m.RecordFrame("rename")
		m.RecordSend(nil)
		m.RecordAuth("sign_in", "ok")
		m.RecordGroupCreated()
		m.RecordStored("group")
	})
}

func TestSeparateMetricsDoNotCollide(t *testing.T) {
	// Each server owns a private registry.
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}
