package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/pkg/worker"
)

const partialSuffix = ".part"

type segmentJob struct {
	url  string
	path string
}

// progressTracker counts completed segments across every track of an
// attempt and forwards progress to the observer in increasing order.
type progressTracker struct {
	mu         sync.Mutex
	total      int
	downloaded int
	observer   Observer
}

func (t *progressTracker) segmentDone() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.downloaded++
	t.observer.OnProgress(Progress{
		Fraction:           float64(t.downloaded) / float64(t.total),
		SegmentsDownloaded: t.downloaded,
		SegmentsTotal:      t.total,
	})
}

// fetchSegments downloads every job using a bounded pool of workers. The first
// failure cancels all other in-flight fetches and is returned.
func (f *Fetcher) fetchSegments(ctx context.Context, id uuid.UUID, jobs []segmentJob, domain string, onDone func()) error {
	if len(jobs) == 0 {
		return nil
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		next      int
		remaining = len(jobs)
		firstErr  error
		done      = make(chan struct{})
		finish    = sync.OnceFunc(func() { close(done) })
	)

	task := func(w worker.Worker) (bool, error) {
		mu.Lock()
		if next >= len(jobs) || firstErr != nil {
			mu.Unlock()
			return false, nil
		}
		job := jobs[next]
		next++
		mu.Unlock()

		if err := f.fetchSegment(fetchCtx, job, domain); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()

			cancel()
			finish()
			return false, err
		}

		onDone()

		mu.Lock()
		remaining--
		if remaining == 0 {
			finish()
		}
		mu.Unlock()

		return true, nil
	}

	workers := min(f.config.SegmentParallelism, len(jobs))
	pool := worker.NewWorkerPool()
	for i := 0; i < workers; i++ {
		if err := pool.PushWorker(worker.NewWorker(fmt.Sprintf("%s:segment:%d", id, i), task)); err != nil {
			return err
		}
	}

	if err := pool.Start(fetchCtx); err != nil {
		return err
	}

	select {
	case <-done:
	case <-fetchCtx.Done():
	}

	cancel()
	pool.Close()

	if ctx.Err() != nil {
		return newError(Cancelled, ctx.Err())
	}

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// fetchSegment downloads a single segment. The content is written to a
// partial file which is renamed in to place only once complete.
func (f *Fetcher) fetchSegment(ctx context.Context, job segmentJob, domain string) error {
	if err := ctx.Err(); err != nil {
		return newError(Cancelled, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.SegmentTimeout)
	defer cancel()

	started := time.Now()
	resp, err := f.get(ctx, job.url, domain)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	partial := job.path + partialSuffix
	out, err := os.Create(partial)
	if err != nil {
		return f.classifyWriteError(err)
	}

	written, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partial)
		if isNoSpace(err) {
			return newError(StorageInsufficient, err)
		}

		var fetchErr *Error
		if errors.As(err, &fetchErr) {
			return err
		}

		return newError(NetworkFailure, fmt.Errorf("failed to read segment %s: %w", job.url, err))
	}

	if err := os.Rename(partial, job.path); err != nil {
		return f.classifyWriteError(err)
	}

	if f.metrics != nil {
		f.metrics.SegmentsFetched.Inc()
		f.metrics.BytesDownloaded.Add(float64(written))
		f.metrics.FetchDuration.Observe(time.Since(started).Seconds())
	}

	return nil
}
