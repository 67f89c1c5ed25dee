package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

const filler = "the quick brown fox jumps over the lazy dog "

// runChat connects N participants, joins them all, and has each one post on
// a fixed interval. Every participant receives every message_posted frame,
// so each post yields up to N broadcast latency samples.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	users := fs.Int("users", 100, "Number of participants")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	duration := fs.Duration("duration", 30*time.Second, "How long participants keep posting")
	msgInterval := fs.Duration("msg-interval", 3*time.Second, "Interval between posts per participant")
	msgSize := fs.Int("msg-size", 128, "Approximate message length in characters (max 500)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d participants to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*users, *url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect ---")
	clients, interrupted := rampConnect(ctx, *url, *users, *rampUp, *concurrency, collector, "connect")
	if interrupted {
		fmt.Println("\nInterrupted during connection phase.")
	}

	// sent maps message text to the time it was posted.
	var sent sync.Map
	for i, c := range clients {
		name := fmt.Sprintf("Load %d", i)
		c.On(client.TypeMessagePosted, func(raw json.RawMessage) {
			var ev struct {
				Message struct {
					User string `json:"user"`
					Text string `json:"text"`
				} `json:"message"`
			}
			if err := json.Unmarshal(raw, &ev); err != nil {
				return
			}
			if v, ok := sent.Load(ev.Message.Text); ok {
				collector.AddFanout(time.Since(v.(time.Time)))
			}
			if ev.Message.User == name {
				collector.AddPosted()
			}
		})
		c.On(client.TypeSubmissionRejected, func(json.RawMessage) { collector.AddRejected() })
		c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddRejected() })
		if err := c.Join(name); err != nil {
			collector.AddError()
		}
	}

	if !interrupted {
		fmt.Println("\n--- Phase 2: Post ---")
		postCtx, cancel := context.WithTimeout(ctx, *duration)
		var wg sync.WaitGroup
		for i, c := range clients {
			wg.Add(1)
			go func() {
				defer wg.Done()
				postLoop(postCtx, c, i, *msgInterval, *msgSize, &sent, collector)
			}()
		}
		wg.Wait()
		cancel()

		// Let in-flight broadcasts land before closing.
		time.Sleep(time.Second)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}

func postLoop(ctx context.Context, c *client.Client, idx int, interval time.Duration, size int,
	sent *sync.Map, collector *stats.Collector) {

	name := fmt.Sprintf("Load %d", idx)
	// Stagger the first post so participants do not fire in lockstep.
	stagger := time.Duration(idx) * interval / 100
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	select {
	case <-ctx.Done():
		return
	case <-time.After(stagger % interval):
	}

	for seq := 0; ; seq++ {
		text := messageText(name, seq, size)
		sent.Store(text, time.Now())
		if err := c.Post(name, text); err != nil {
			collector.AddError()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// messageText builds a unique text of about size characters that passes the
// server's spam screen.
func messageText(name string, seq, size int) string {
	head := fmt.Sprintf("%s says hello #%d ", name, seq)
	size = min(max(size, len(head)), 500)
	var b strings.Builder
	b.WriteString(head)
	for b.Len() < size {
		b.WriteString(filler)
	}
	return strings.TrimSpace(b.String()[:size])
}
