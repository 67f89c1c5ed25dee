package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

const connectTimeout = 10 * time.Second

// rampConnect opens n connections spread evenly over ramp, with at most
// concurrency dials in flight. Each connection is returned once its history
// snapshot has arrived. The result is shorter than n when dials fail or ctx
// is cancelled; interrupted reports the latter.
func rampConnect(ctx context.Context, url string, n int, ramp time.Duration, concurrency int,
	collector *stats.Collector, label string) (clients []*client.Client, interrupted bool) {

	var mu sync.Mutex
	clients = make([]*client.Client, 0, n)

	interval := ramp / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount, lastTime := 0, time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					label, conns, n, collector.ErrorCount(), rate)
				lastCount, lastTime = conns, now
			case <-progressStop:
				return
			}
		}
	}()

	sem := make(chan struct{}, max(concurrency, 1))
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

launch:
	for launched := 0; launched < n; launched++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()

			c, err := client.New(connCtx, url)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.WaitForHistory(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()
	return clients, interrupted
}

func closeAll(clients []*client.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
