package moderation

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/groupchat/internal/chat"
)

type recordingPublisher struct {
	mu       sync.Mutex
	reports  []ReportEvent
	removals []RemovalEvent
}

func (p *recordingPublisher) PublishReport(_ context.Context, ev ReportEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, ev)
	return nil
}

func (p *recordingPublisher) PublishRemoval(_ context.Context, ev RemovalEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removals = append(p.removals, ev)
	return nil
}

type fixture struct {
	store   chat.Store
	mod     *Moderator
	pub     *recordingPublisher
	removed chan string
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	store, err := chat.OpenBadgerStore("", chat.Options{})
	require.NoError(t, err)

	f := &fixture{store: store, pub: &recordingPublisher{}, removed: make(chan string, 10)}
	f.mod = NewModerator(store, policy, f.pub, slog.Default())
	f.mod.OnRemoved(func(id string) { f.removed <- id })
	t.Cleanup(func() {
		f.mod.Close()
		_ = store.Close()
	})
	return f
}

func Test_First_Report_Flags_And_Removes_After_Delay(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Policy{Threshold: 1, Delay: 50 * time.Millisecond})
	ctx := context.Background()
	msg, err := f.store.Submit(ctx, "Fox #12", "spammy", "")
	req.NoError(err)

	out, err := f.mod.Report(ctx, msg.ID, "Owl #3")
	req.NoError(err)
	req.Equal(Outcome{Found: true, LedgerSize: 1, Flagged: true}, out)
	req.Equal(1, f.mod.Pending())

	got, err := f.store.Get(ctx, msg.ID)
	req.NoError(err)
	req.True(got.Reported, "message must be flagged before removal")

	select {
	case id := <-f.removed:
		req.Equal(msg.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not removed")
	}

	_, err = f.store.Get(ctx, msg.ID)
	req.ErrorIs(err, chat.ErrNotFound)

	f.pub.mu.Lock()
	defer f.pub.mu.Unlock()
	req.Len(f.pub.reports, 1)
	req.Equal("spammy", f.pub.reports[0].Excerpt)
	req.Len(f.pub.removals, 1)
	req.Equal(1, f.pub.removals[0].Reports)
}

func Test_Many_Reports_Arm_A_Single_Removal(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Policy{Threshold: 1, Delay: 50 * time.Millisecond})
	ctx := context.Background()
	msg, err := f.store.Submit(ctx, "a", "target", "")
	req.NoError(err)

	flagged := 0
	for i, reporter := range []string{"r1", "r2", "r3", "r1"} {
		out, err := f.mod.Report(ctx, msg.ID, reporter)
		req.NoError(err)
		req.Equal(i+1, out.LedgerSize)
		if out.Flagged {
			flagged++
		}
	}
	req.Equal(1, flagged)
	req.Equal(1, f.mod.Pending())

	select {
	case <-f.removed:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not removed")
	}
	select {
	case id := <-f.removed:
		t.Fatalf("message %s removed twice", id)
	case <-time.After(150 * time.Millisecond):
	}
}

func Test_Report_On_Missing_Message_Is_A_NoOp(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	out, err := f.mod.Report(context.Background(), "does-not-exist", "r1")
	require.NoError(t, err)
	require.False(t, out.Found)
	require.Zero(t, f.mod.Pending())
}

func Test_Removal_Skips_Message_Deleted_Meanwhile(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Policy{Threshold: 1, Delay: 30 * time.Millisecond})
	ctx := context.Background()
	msg, err := f.store.Submit(ctx, "a", "gone soon", "")
	req.NoError(err)

	_, err = f.mod.Report(ctx, msg.ID, "r1")
	req.NoError(err)
	_, err = f.store.Delete(ctx, msg.ID)
	req.NoError(err)

	select {
	case id := <-f.removed:
		t.Fatalf("removal fired for already deleted message %s", id)
	case <-time.After(200 * time.Millisecond):
	}
	req.Zero(f.mod.Pending())
}

func Test_Threshold_Above_One_Waits_For_More_Reports(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Policy{Threshold: 2, Delay: 20 * time.Millisecond})
	ctx := context.Background()
	msg, err := f.store.Submit(ctx, "a", "meh", "")
	req.NoError(err)

	out, err := f.mod.Report(ctx, msg.ID, "r1")
	req.NoError(err)
	req.False(out.Flagged)
	req.Zero(f.mod.Pending())

	out, err = f.mod.Report(ctx, msg.ID, "r2")
	req.NoError(err)
	req.True(out.Flagged)

	select {
	case <-f.removed:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not removed")
	}
}

func Test_Excerpt(t *testing.T) {
	short := "hello"
	if excerpt(short) != short {
		t.Errorf("excerpt(%q) = %q", short, excerpt(short))
	}
	long := string(make([]rune, 200))
	if got := []rune(excerpt(long)); len(got) != excerptRunes+1 {
		t.Errorf("excerpt of 200 runes has %d runes", len(got))
	}
}

func Test_Removal_Skips_Message_Expired_Meanwhile(t *testing.T) {
	req := require.New(t)
	var mu sync.Mutex
	now := time.Now().UTC()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store, err := chat.OpenBadgerStore("", chat.Options{Now: clock})
	req.NoError(err)

	pub := &recordingPublisher{}
	removed := make(chan string, 1)
	mod := NewModerator(store, Policy{Threshold: 1, Delay: 200 * time.Millisecond}, pub, slog.Default())
	mod.OnRemoved(func(id string) { removed <- id })
	t.Cleanup(func() {
		mod.Close()
		_ = store.Close()
	})

	ctx := context.Background()
	msg, err := store.Submit(ctx, "a", "outlived by its report", "")
	req.NoError(err)
	out, err := mod.Report(ctx, msg.ID, "r1")
	req.NoError(err)
	req.True(out.Flagged)

	// Retention runs out before the removal delay does.
	mu.Lock()
	now = now.Add(chat.Retention + time.Minute)
	mu.Unlock()
	_, err = store.Sweep(ctx)
	req.NoError(err)
	_, err = store.Get(ctx, msg.ID)
	req.ErrorIs(err, chat.ErrNotFound)

	req.Eventually(func() bool { return mod.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	select {
	case id := <-removed:
		t.Fatalf("removal announced for expired message %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	req.Empty(pub.removals)
	req.Len(pub.reports, 1)
}
