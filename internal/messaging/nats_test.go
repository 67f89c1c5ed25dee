package messaging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/moderation"
)

func testClient(t *testing.T) *NATSClient {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Skipf("nats unavailable: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestReportRoundTrip(t *testing.T) {
	c := testClient(t)

	got := make(chan moderation.ReportEvent, 1)
	require.NoError(t, c.SubscribeReports(func(ev moderation.ReportEvent) { got <- ev }))
	require.NoError(t, c.Flush(time.Second))

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, c.PublishReport(context.Background(), moderation.ReportEvent{
		MessageID:  "m1",
		Reporter:   "Fox #12",
		LedgerSize: 1,
		Flagged:    true,
		At:         at,
	}))

	select {
	case ev := <-got:
		require.Equal(t, "m1", ev.MessageID)
		require.Equal(t, "Fox #12", ev.Reporter)
		require.True(t, ev.Flagged)
		require.True(t, at.Equal(ev.At))
	case <-time.After(2 * time.Second):
		t.Fatal("report event not delivered")
	}
}

func TestRemovalRoundTrip(t *testing.T) {
	c := testClient(t)

	got := make(chan moderation.RemovalEvent, 1)
	require.NoError(t, c.SubscribeRemovals(func(ev moderation.RemovalEvent) { got <- ev }))
	require.NoError(t, c.Flush(time.Second))

	require.NoError(t, c.PublishRemoval(context.Background(), moderation.RemovalEvent{
		MessageID: "m2",
		Author:    "Owl #3",
		Reports:   2,
	}))

	select {
	case ev := <-got:
		require.Equal(t, "m2", ev.MessageID)
		require.Equal(t, 2, ev.Reports)
	case <-time.After(2 * time.Second):
		t.Fatal("removal event not delivered")
	}

	require.NoError(t, c.Unsubscribe(SubjectRemoval))
	require.Error(t, c.Unsubscribe(SubjectRemoval))
}
