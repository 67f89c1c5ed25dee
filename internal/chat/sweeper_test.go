package chat

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_NewSweeper_Rejects_Bad_Cron(t *testing.T) {
	_, err := NewSweeper(nil, "every tuesday", slog.Default())
	require.Error(t, err)
}

func Test_Sweeper_RunOnce(t *testing.T) {
	req := require.New(t)
	clk := &clock{now: time.Now().UTC()}
	s, err := OpenBadgerStore("", Options{Now: clk.Now})
	req.NoError(err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.Submit(ctx, "a", "old news", clk.Now().Add(-30*time.Hour).Format(time.RFC3339))
	req.NoError(err)
	_, err = s.Submit(ctx, "a", "fresh", "")
	req.NoError(err)

	sw, err := NewSweeper(s, "", slog.Default())
	req.NoError(err)
	req.Equal(1, sw.RunOnce(ctx))
	req.Equal(0, sw.RunOnce(ctx))
}

func Test_Sweeper_Run_Stops_On_Cancel(t *testing.T) {
	s, err := OpenBadgerStore("", Options{})
	require.NoError(t, err)
	defer s.Close()

	sw, err := NewSweeper(s, "* * * * *", slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
