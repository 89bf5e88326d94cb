// Command loadtest drives synthetic job-creation traffic against a
// running control-plane server: N worker goroutines each POSTing tally
// requests at a target rate for a fixed duration, followed by one summary
// of request count, error rate and average latency. It issues no
// decrypt or combine requests and does not poll job progress.
//
// Adapted from the gateway's concurrent-worker load generator (same
// flag set shape, same QPS-per-worker throttling), repointed at the
// scheduler's HTTP API instead of S3 object PUT/GET traffic.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

type result struct {
	ok       bool
	duration time.Duration
}

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8080", "control-plane base URL")
		workers    = flag.Int("workers", 5, "number of worker goroutines")
		qps        = flag.Int("qps", 10, "requests per second, per worker")
		duration   = flag.Duration("duration", 30*time.Second, "test duration")
		itemCount  = flag.Int("items", 500, "item ids per synthetic tally request")
		electionID = flag.String("election-prefix", "loadtest", "election id prefix; each worker appends its index")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signalContext()
	defer cancel()

	results := make(chan result, *workers**qps*int(duration.Seconds()+1))
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			runWorker(ctx, *baseURL, fmt.Sprintf("%s-%d", *electionID, worker), *qps, *duration, *itemCount, results, log)
		}(i)
	}

	wg.Wait()
	close(results)
	summarize(results, log)
}

func signalContext() (<-chan struct{}, func()) {
	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		close(stop)
	}()
	return stop, func() { signal.Stop(sig) }
}

func runWorker(stop <-chan struct{}, baseURL, electionID string, qps int, duration time.Duration, itemCount int, out chan<- result, log *logrus.Logger) {
	if qps < 1 {
		qps = 1
	}
	ticker := time.NewTicker(time.Second / time.Duration(qps))
	defer ticker.Stop()
	deadline := time.After(duration)
	client := &http.Client{Timeout: 10 * time.Second}

	items := make([]string, itemCount)
	for i := range items {
		items[i] = fmt.Sprintf("ballot-%d", i)
	}

	for {
		select {
		case <-stop:
			return
		case <-deadline:
			return
		case <-ticker.C:
			start := time.Now()
			ok := postTally(client, baseURL, electionID, items, log)
			out <- result{ok: ok, duration: time.Since(start)}
		}
	}
}

func postTally(client *http.Client, baseURL, electionID string, items []string, log *logrus.Logger) bool {
	body, _ := json.Marshal(map[string]any{
		"createdBy":      "loadtest",
		"jointPublicKey": "synthetic-joint-key",
		"itemIds":        items,
	})
	url := fmt.Sprintf("%s/elections/%s/tally", baseURL, electionID)
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Debug("loadtest: request failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK
}

func summarize(results <-chan result, log *logrus.Logger) {
	var total, ok int64
	var sum time.Duration
	for r := range results {
		total++
		sum += r.duration
		if r.ok {
			atomic.AddInt64(&ok, 1)
		}
	}
	if total == 0 {
		log.Warn("loadtest: no requests issued")
		return
	}
	log.WithFields(logrus.Fields{
		"total":       total,
		"successful":  ok,
		"error_rate":  float64(total-ok) / float64(total),
		"avg_latency": sum / time.Duration(total),
	}).Info("loadtest: run complete")
}
