package main

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/callscope/callscope/internal/track"
)

// The demo workload exercises the instrumentation the way a small web
// service would: nested handler calls across several goroutines, outbound
// API calls, and a sprinkling of failures.

var errSimulated = errors.New("simulated failure")

type workloadOptions struct {
	rounds int
}

func runWorkloadLoop(ctx context.Context, tracker *track.Tracker) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		runWorkload(ctx, tracker, workloadOptions{rounds: 5})
		time.Sleep(200 * time.Millisecond)
	}
}

func runWorkload(ctx context.Context, tracker *track.Tracker, opts workloadOptions) {
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < opts.rounds; i++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				_ = handleRequest(tracker, rng)
			}
		}(int64(worker) + 1)
	}
	wg.Wait()
}

func handleRequest(tracker *track.Tracker, rng *rand.Rand) error {
	return tracker.Do("handleRequest", func() error {
		if err := parseRequest(tracker, rng); err != nil {
			return err
		}
		if err := fetchData(tracker, rng); err != nil {
			return err
		}
		return renderResponse(tracker, rng)
	})
}

func parseRequest(tracker *track.Tracker, rng *rand.Rand) error {
	return tracker.Do("parseRequest", func() error {
		busyFor(rng, 2*time.Millisecond)
		return nil
	})
}

func fetchData(tracker *track.Tracker, rng *rand.Rand) error {
	return tracker.Do("fetchData", func() error {
		done := tracker.TrackAPI("backend", "query")
		busyFor(rng, 10*time.Millisecond)

		var err error
		if rng.Intn(20) == 0 {
			err = errSimulated
		}
		done(err)
		return err
	})
}

func renderResponse(tracker *track.Tracker, rng *rand.Rand) error {
	return tracker.Do("renderResponse", func() error {
		busyFor(rng, 3*time.Millisecond)
		if rng.Intn(50) == 0 {
			return errSimulated
		}
		return nil
	})
}

func busyFor(rng *rand.Rand, max time.Duration) {
	time.Sleep(time.Duration(rng.Int63n(int64(max))) + time.Millisecond)
}
