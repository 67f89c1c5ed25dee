package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"time"

	"github.com/whisper/groupchat/loadtest/client"
)

type reactionFrame struct {
	MessageID string   `json:"message_id"`
	Reaction  string   `json:"reaction"`
	Count     int      `json:"count"`
	Users     []string `json:"users"`
}

// runSmoke drives two participants through one full message lifecycle:
// post, react, switch reaction, report, and wait for the delayed removal.
func runSmoke(args []string) error {
	fs := flag.NewFlagSet("smoke", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	removalWait := fs.Duration("removal-wait", 45*time.Second, "How long to wait for message_removed after reporting")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *removalWait+30*time.Second)
	defer cancel()

	alice, err := dialJoined(ctx, *url, "Smoke Alice")
	if err != nil {
		return err
	}
	defer alice.Close()
	bob, err := dialJoined(ctx, *url, "Smoke Bob")
	if err != nil {
		return err
	}
	defer bob.Close()

	posted := make(chan string, 4)
	bob.On(client.TypeMessagePosted, func(raw json.RawMessage) {
		var ev struct {
			Message struct {
				ID   string `json:"id"`
				User string `json:"user"`
			} `json:"message"`
		}
		if json.Unmarshal(raw, &ev) == nil && ev.Message.User == "Smoke Alice" {
			posted <- ev.Message.ID
		}
	})
	reactions := make(chan reactionFrame, 8)
	alice.On(client.TypeReactionUpdated, func(raw json.RawMessage) {
		var f reactionFrame
		if json.Unmarshal(raw, &f) == nil {
			reactions <- f
		}
	})
	acked := make(chan struct{}, 1)
	bob.On(client.TypeReportAcknowledged, func(json.RawMessage) { acked <- struct{}{} })
	removed := make(chan string, 1)
	alice.On(client.TypeMessageRemoved, func(raw json.RawMessage) {
		var ev struct {
			MessageID string `json:"message_id"`
		}
		if json.Unmarshal(raw, &ev) == nil {
			removed <- ev.MessageID
		}
	})

	step := func(name string) { fmt.Printf("  ok  %s\n", name) }

	if err := alice.Post("Smoke Alice", "smoke test message"); err != nil {
		return err
	}
	id, err := recv(ctx, posted, "message_posted")
	if err != nil {
		return err
	}
	step("post broadcast to other participant")

	if err := bob.React(id, "Smoke Bob", "like", true); err != nil {
		return err
	}
	if err := expectCounts(ctx, reactions, 1, 0); err != nil {
		return err
	}
	step("like counted")

	if err := bob.React(id, "Smoke Bob", "heart", true); err != nil {
		return err
	}
	if err := expectCounts(ctx, reactions, 0, 1); err != nil {
		return err
	}
	step("heart replaces like")

	if err := bob.Report(id, "Smoke Bob"); err != nil {
		return err
	}
	if _, err := recv(ctx, acked, "report_acknowledged"); err != nil {
		return err
	}
	step("report acknowledged")

	waitCtx, waitCancel := context.WithTimeout(ctx, *removalWait)
	defer waitCancel()
	got, err := recv(waitCtx, removed, "message_removed")
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("message_removed for %s, want %s", got, id)
	}
	step("reported message removed")

	fmt.Println("PASS")
	return nil
}

func dialJoined(ctx context.Context, url, name string) (*client.Client, error) {
	c, err := client.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.WaitForHistory(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Join(name); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func recv[T any](ctx context.Context, ch <-chan T, what string) (T, error) {
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("timed out waiting for %s", what)
	}
}

// expectCounts reads the like and heart frames of one reaction update.
func expectCounts(ctx context.Context, ch <-chan reactionFrame, like, heart int) error {
	want := map[string]int{"like": like, "heart": heart}
	for range 2 {
		f, err := recv(ctx, ch, "reaction_updated")
		if err != nil {
			return err
		}
		if f.Count != want[f.Reaction] {
			return fmt.Errorf("%s count = %d, want %d", f.Reaction, f.Count, want[f.Reaction])
		}
		delete(want, f.Reaction)
	}
	if len(want) != 0 {
		return fmt.Errorf("missing reaction_updated for %v", want)
	}
	return nil
}
