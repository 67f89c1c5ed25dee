package stats

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var samples []time.Duration
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}

	d := Summarize(samples)
	require.Equal(t, 100, d.N)
	require.Equal(t, 51*time.Millisecond, d.P50)
	require.Equal(t, 95*time.Millisecond, d.P95)
	require.Equal(t, 99*time.Millisecond, d.P99)
	require.Equal(t, 100*time.Millisecond, d.Max)
	require.Equal(t, 50500*time.Microsecond, d.Avg)
	require.Equal(t, 100*time.Millisecond, samples[0], "input must not be reordered")

	require.Equal(t, Distribution{}, Summarize(nil))
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"groupchat_online_users 7", "groupchat_online_users", 7, true},
		{`groupchat_messages_total{outcome="posted"} 12`, "groupchat_messages_total", 12, true},
		{`groupchat_store_latency_seconds_sum{op="submit"} 0.25`, "groupchat_store_latency_seconds_sum", 0.25, true},
		{`broken{label="x" 1`, "", 0, false},
		{"lonely", "", 0, false},
		{"name NaNx", "", 0, false},
	}
	for _, tt := range tests {
		name, v, ok := parseMetricLine(tt.line)
		require.Equal(t, tt.ok, ok, tt.line)
		require.Equal(t, tt.name, name, tt.line)
		require.Equal(t, tt.value, v, tt.line)
	}
}

func TestParseSnapshotSumsLabels(t *testing.T) {
	body := strings.Join([]string{
		"# HELP groupchat_messages_total Messages by outcome.",
		`groupchat_messages_total{outcome="posted"} 10`,
		`groupchat_messages_total{outcome="rejected"} 2`,
		"groupchat_connections_total 4",
		`groupchat_store_latency_seconds_count{op="submit"} 3`,
		`groupchat_store_latency_seconds_count{op="recent"} 1`,
	}, "\n")

	snap, err := parseSnapshot(strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 12.0, snap.messages)
	require.Equal(t, 4.0, snap.connections)
	require.Equal(t, 4.0, snap.storeCount)
}

func TestCollectorReport(t *testing.T) {
	c := NewCollector()
	c.AddConnect(time.Millisecond)
	c.AddConnect(3 * time.Millisecond)
	c.AddFanout(2 * time.Millisecond)
	c.AddPosted()
	c.AddRejected()
	c.AddError()

	require.Equal(t, 2, c.ConnectionCount())
	require.Equal(t, 1, c.ErrorCount())

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	require.Contains(t, out, "Connections:  2")
	require.Contains(t, out, "Posted:       1 (rejected 1)")
	require.Contains(t, out, "Broadcast Latency")
}
