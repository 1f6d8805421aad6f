package download

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/event"
	"github.com/hbomb79/Siphon/internal/fetch"
	"github.com/hbomb79/Siphon/internal/library"
	"github.com/hbomb79/Siphon/internal/manifest"
	"github.com/hbomb79/Siphon/internal/muxer"
	"github.com/hbomb79/Siphon/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

// memoryStore is an in-memory DataStore which hands out copies of its
// records, in the same way a database would.
type memoryStore struct {
	mu          sync.Mutex
	downloads   map[uuid.UUID]*Download
	videos      []*library.Video
	folders     map[string]uuid.UUID
	completeErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{downloads: make(map[uuid.UUID]*Download), folders: make(map[string]uuid.UUID)}
}

func (s *memoryStore) seed(title string, status Status, createdAt time.Time) *Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Download{
		ID:          uuid.New(),
		VideoURL:    "https://cdn.example.com/" + title + "/master.m3u8",
		ManifestURL: "https://cdn.example.com/" + title + "/master.m3u8",
		StreamType:  StreamTypeHLS,
		PageTitle:   &title,
		Status:      status,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	s.downloads[d.ID] = d

	c := *d
	return &c
}

func (s *memoryStore) get(id uuid.UUID) *Download {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.downloads[id]; ok {
		c := *d
		return &c
	}

	return nil
}

func (s *memoryStore) videoCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.videos)
}

func (s *memoryStore) SaveDownload(d *Download) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *d
	s.downloads[d.ID] = &c
	return nil
}

func (s *memoryStore) GetDownload(id uuid.UUID) (*Download, error) {
	if d := s.get(id); d != nil {
		return d, nil
	}

	return nil, ErrDownloadNotFound
}

func (s *memoryStore) GetAllDownloads() ([]*Download, error) {
	return s.GetDownloadsByStatus(Pending, Downloading, Paused, Muxing, Completed, Failed)
}

func (s *memoryStore) GetDownloadsByStatus(statuses ...Status) ([]*Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Download, 0)
	for _, d := range s.downloads {
		for _, st := range statuses {
			if d.Status == st {
				c := *d
				out = append(out, &c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

func (s *memoryStore) NextPendingDownload() (*Download, error) {
	pending, _ := s.GetDownloadsByStatus(Pending)
	if len(pending) == 0 {
		return nil, nil
	}

	return pending[0], nil
}

func (s *memoryStore) DeleteDownload(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.downloads, id)
	return nil
}

func (s *memoryStore) ResetActiveDownloads() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.downloads {
		if d.Status.IsActive() {
			d.Status = Pending
			count++
		}
	}

	return count, nil
}

func (s *memoryStore) CompleteDownload(id uuid.UUID, video *library.Video, folderName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}

	if folderName != "" {
		folderID, ok := s.folders[folderName]
		if !ok {
			folderID = uuid.New()
			s.folders[folderName] = folderID
		}
		video.FolderID = &folderID
	}

	s.videos = append(s.videos, video)
	delete(s.downloads, id)
	return nil
}

// fetchCall is a single in-flight attempt made against the mockFetcher. The
// attempt blocks until the test resolves it, or its context is cancelled.
type fetchCall struct {
	ctx     context.Context
	req     fetch.Request
	outcome chan func(fetch.Observer)
}

func (c *fetchCall) succeed(outputPath string) {
	c.outcome <- func(o fetch.Observer) {
		o.OnProgress(fetch.Progress{Fraction: 0.5, SegmentsDownloaded: 1, SegmentsTotal: 2})
		o.OnProgress(fetch.Progress{Fraction: 1, SegmentsDownloaded: 2, SegmentsTotal: 2})

		duration := 12.5
		o.OnSuccess(&fetch.Result{
			Manifest: &manifest.ParsedManifest{Format: manifest.FormatHLS, TotalDuration: &duration},
			Output:   &muxer.Output{Path: outputPath, Container: muxer.MP4, Size: 2048},
		})
	}
}

func (c *fetchCall) fail(err error) {
	c.outcome <- func(o fetch.Observer) {
		o.OnProgress(fetch.Progress{Fraction: 0.25, SegmentsDownloaded: 1, SegmentsTotal: 4})
		o.OnFailure(err)
	}
}

type mockFetcher struct {
	mock.Mock
	tempDir string
	calls   chan *fetchCall
}

func newMockFetcher(t *testing.T) *mockFetcher {
	f := &mockFetcher{tempDir: t.TempDir(), calls: make(chan *fetchCall, 16)}
	f.On("Cleanup", mock.Anything).Return(nil)
	return f
}

func (f *mockFetcher) Fetch(ctx context.Context, req fetch.Request, observer fetch.Observer) {
	call := &fetchCall{ctx: ctx, req: req, outcome: make(chan func(fetch.Observer), 1)}
	f.calls <- call

	select {
	case fn := <-call.outcome:
		fn(observer)
	case <-ctx.Done():
		observer.OnFailure(&fetch.Error{Kind: fetch.Cancelled, Err: ctx.Err()})
	}
}

func (f *mockFetcher) Cleanup(id uuid.UUID) error {
	args := f.Called(id)
	os.RemoveAll(filepath.Join(f.tempDir, id.String()))
	return args.Error(0)
}

func (f *mockFetcher) workDir(id uuid.UUID) string {
	return filepath.Join(f.tempDir, id.String())
}

func awaitFetch(t *testing.T, f *mockFetcher) *fetchCall {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(waitFor):
		t.Fatal("expected a fetch to be started")
		return nil
	}
}

func assertNoFetch(t *testing.T, f *mockFetcher) {
	t.Helper()
	select {
	case call := <-f.calls:
		t.Fatalf("unexpected fetch started for %s", call.req.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func startService(t *testing.T, store DataStore, fetcher Fetcher, bus event.EventCoordinator, configure ...func(*Service)) *Service {
	t.Helper()
	if bus == nil {
		bus = event.New()
	}

	service := New(Config{AutoRetry: true, AutoFolders: true}, store, fetcher, bus, nil, nil)
	for _, fn := range configure {
		fn(service)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, service.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(waitFor):
			t.Error("service did not stop after context cancellation")
		}
	})

	return service
}

func Test_QueueIsFIFOWithSingleActiveDownload(t *testing.T) {
	store := newMemoryStore()
	first := store.seed("First", Pending, baseTime)
	second := store.seed("Second", Pending, baseTime.Add(time.Second))
	fetcher := newMockFetcher(t)

	startService(t, store, fetcher, nil)

	call := awaitFetch(t, fetcher)
	assert.Equal(t, first.ID, call.req.ID, "the oldest pending download must be dequeued first")
	assertNoFetch(t, fetcher)
	assert.Equal(t, Downloading, store.get(first.ID).Status, "downloading must be persisted before the fetch starts")
	assert.Equal(t, Pending, store.get(second.ID).Status)

	call.succeed(filepath.Join(t.TempDir(), "first.mp4"))

	next := awaitFetch(t, fetcher)
	assert.Equal(t, second.ID, next.req.ID, "second download starts only once the first is terminal")
	assert.Nil(t, store.get(first.ID))
}

func Test_FailureMarksDownloadFailedAndFreesSlot(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Broken", Pending, baseTime)
	fetcher := newMockFetcher(t)
	service := startService(t, store, fetcher, nil)

	call := awaitFetch(t, fetcher)
	call.fail(muxer.ErrNoSegments)

	assert.Eventually(t, func() bool { return store.get(d.ID).Status == Failed }, waitFor, tick)
	failed := store.get(d.ID)
	assert.Equal(t, 1, failed.RetryCount, "retry count is incremented by exactly one")
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "no segments")
	assert.False(t, failed.Retryable)

	assert.Eventually(t, func() bool { _, active := service.ActiveDownloadID(); return !active }, waitFor, tick)
	assertNoFetch(t, fetcher)
	assert.Equal(t, Failed, store.get(d.ID).Status, "non-network failures are not retried automatically")
}

func Test_SuccessProducesOneVideoAndRemovesDownload(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Holiday", Pending, baseTime)
	fetcher := newMockFetcher(t)

	bus := event.New()
	events := make(event.HandlerChannel, 64)
	bus.RegisterHandlerChannel(events, event.DOWNLOAD_COMPLETE, event.VIDEO_NEW)

	service := startService(t, store, fetcher, bus, func(s *Service) {
		s.probe = func(string) (*muxer.Metadata, error) {
			return &muxer.Metadata{DurationSeconds: 13.04, SizeBytes: 4096}, nil
		}
	})

	call := awaitFetch(t, fetcher)
	require.NoError(t, os.MkdirAll(filepath.Join(fetcher.workDir(d.ID), "segments"), 0o755))
	assert.Contains(t, call.req.OutputName, "holiday-")
	assert.Equal(t, "cdn.example.com", call.req.SourceDomain)

	call.succeed(filepath.Join(t.TempDir(), "holiday.mp4"))

	assert.Eventually(t, func() bool { return store.videoCount() == 1 }, waitFor, tick)
	assert.Nil(t, store.get(d.ID), "the download is deleted once its video exists")
	assert.NoDirExists(t, fetcher.workDir(d.ID), "temporary storage is removed")
	fetcher.AssertCalled(t, "Cleanup", d.ID)

	video := store.videos[0]
	assert.Equal(t, "Holiday", video.Title)
	assert.Equal(t, "cdn.example.com", video.SourceDomain)
	assert.Equal(t, int64(4096), video.FileSize)
	require.NotNil(t, video.DurationSeconds)
	assert.InDelta(t, 13.04, *video.DurationSeconds, 0.001)
	require.NotNil(t, video.FolderID, "the video is placed in the domain's folder")

	assert.Eventually(t, func() bool { _, active := service.ActiveDownloadID(); return !active }, waitFor, tick)
	assert.ElementsMatch(t,
		[]event.HandlerEvent{{Event: event.DOWNLOAD_COMPLETE, Payload: d.ID}, {Event: event.VIDEO_NEW, Payload: video.ID}},
		[]event.HandlerEvent{<-events, <-events})
}

func Test_SecondSuccessForDomainReusesFolder(t *testing.T) {
	store := newMemoryStore()
	store.seed("One", Pending, baseTime)
	store.seed("Two", Pending, baseTime.Add(time.Second))
	fetcher := newMockFetcher(t)
	startService(t, store, fetcher, nil)

	awaitFetch(t, fetcher).succeed(filepath.Join(t.TempDir(), "one.mp4"))
	awaitFetch(t, fetcher).succeed(filepath.Join(t.TempDir(), "two.mp4"))

	assert.Eventually(t, func() bool { return store.videoCount() == 2 }, waitFor, tick)
	assert.Len(t, store.folders, 1)
	assert.Equal(t, *store.videos[0].FolderID, *store.videos[1].FolderID)
}

func Test_FinaliseFailureMarksDownloadFailed(t *testing.T) {
	store := newMemoryStore()
	store.completeErr = errors.New("disk full")
	d := store.seed("Clip", Pending, baseTime)
	fetcher := newMockFetcher(t)
	startService(t, store, fetcher, nil)

	output := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(output, []byte("data"), 0o644))
	awaitFetch(t, fetcher).succeed(output)

	assert.Eventually(t, func() bool { return store.get(d.ID).Status == Failed }, waitFor, tick)
	assert.Equal(t, 0, store.videoCount())
	assert.NoFileExists(t, output, "an unrecorded output must not be left behind")
}

func Test_StartupRecoveryReturnsActiveDownloadsToPending(t *testing.T) {
	store := newMemoryStore()
	oldest := store.seed("Oldest", Pending, baseTime)
	interrupted := store.seed("Interrupted", Downloading, baseTime.Add(time.Second))
	muxing := store.seed("Muxing", Muxing, baseTime.Add(2*time.Second))
	fetcher := newMockFetcher(t)

	startService(t, store, fetcher, nil)

	call := awaitFetch(t, fetcher)
	assert.Equal(t, oldest.ID, call.req.ID)
	assert.Equal(t, Pending, store.get(interrupted.ID).Status)
	assert.Equal(t, Pending, store.get(muxing.ID).Status)

	active, _ := store.GetDownloadsByStatus(Downloading, Muxing)
	assert.Len(t, active, 1, "at most one download may be active")
}

func Test_ProgressIsPersistedAndMovesToMuxing(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Progress", Pending, baseTime)
	fetcher := newMockFetcher(t)
	startService(t, store, fetcher, nil)

	call := awaitFetch(t, fetcher)
	release := make(chan struct{})
	call.outcome <- func(o fetch.Observer) {
		o.OnProgress(fetch.Progress{Fraction: 0.5, SegmentsDownloaded: 1, SegmentsTotal: 2})
		o.OnProgress(fetch.Progress{Fraction: 1, SegmentsDownloaded: 2, SegmentsTotal: 2})
		<-release
		o.OnFailure(muxer.ErrOutputNotCreated)
	}

	assert.Eventually(t, func() bool { return store.get(d.ID).Status == Muxing }, waitFor, tick)
	muxing := store.get(d.ID)
	assert.Equal(t, 2, muxing.SegmentsDownloaded)
	assert.Equal(t, 2, muxing.SegmentsTotal)
	assert.InDelta(t, 1.0, muxing.Progress, 0.0001)

	close(release)
	assert.Eventually(t, func() bool { return store.get(d.ID).Status == Failed }, waitFor, tick)
}

func Test_CancelActiveDownload(t *testing.T) {
	store := newMemoryStore()
	first := store.seed("First", Pending, baseTime)
	second := store.seed("Second", Pending, baseTime.Add(time.Second))
	fetcher := newMockFetcher(t)
	service := startService(t, store, fetcher, nil)

	call := awaitFetch(t, fetcher)
	require.NoError(t, service.Cancel(first.ID))

	select {
	case <-call.ctx.Done():
	case <-time.After(waitFor):
		t.Fatal("active fetch was not cancelled")
	}

	next := awaitFetch(t, fetcher)
	assert.Equal(t, second.ID, next.req.ID)
	assert.Nil(t, store.get(first.ID))
	fetcher.AssertCalled(t, "Cleanup", first.ID)
	assert.ErrorIs(t, service.Cancel(first.ID), ErrDownloadNotFound)
}

func Test_CancelQueuedDownload(t *testing.T) {
	store := newMemoryStore()
	store.seed("First", Pending, baseTime)
	queued := store.seed("Queued", Pending, baseTime.Add(time.Second))
	fetcher := newMockFetcher(t)
	service := startService(t, store, fetcher, nil)

	awaitFetch(t, fetcher)
	require.NoError(t, service.Cancel(queued.ID))
	assert.Nil(t, store.get(queued.ID))
	fetcher.AssertCalled(t, "Cleanup", queued.ID)
}

func Test_PauseAndResume(t *testing.T) {
	store := newMemoryStore()
	first := store.seed("First", Pending, baseTime)
	second := store.seed("Second", Pending, baseTime.Add(time.Second))
	fetcher := newMockFetcher(t)
	service := startService(t, store, fetcher, nil)

	awaitFetch(t, fetcher)
	require.NoError(t, service.Pause(first.ID))
	assert.Equal(t, Paused, store.get(first.ID).Status)

	next := awaitFetch(t, fetcher)
	assert.Equal(t, second.ID, next.req.ID, "pausing the active download frees the slot")
	assert.Equal(t, Paused, store.get(first.ID).Status, "a paused download is not failed by its cancelled fetch")

	require.NoError(t, service.Resume(first.ID))
	assert.Equal(t, Pending, store.get(first.ID).Status)
	assertNoFetch(t, fetcher)

	next.succeed(filepath.Join(t.TempDir(), "second.mp4"))
	resumed := awaitFetch(t, fetcher)
	assert.Equal(t, first.ID, resumed.req.ID)
}

// completingFetcher ignores cancellation, reporting success once released.
type completingFetcher struct {
	*mockFetcher
	started chan fetch.Request
	release chan string
}

func (f *completingFetcher) Fetch(_ context.Context, req fetch.Request, observer fetch.Observer) {
	f.started <- req
	outputPath := <-f.release

	duration := 10.0
	observer.OnSuccess(&fetch.Result{
		Manifest: &manifest.ParsedManifest{Format: manifest.FormatHLS, TotalDuration: &duration},
		Output:   &muxer.Output{Path: outputPath, Container: muxer.MP4, Size: 8},
	})
}

func Test_SuccessAfterPauseIsDiscarded(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Racing", Pending, baseTime)
	fetcher := &completingFetcher{
		mockFetcher: newMockFetcher(t),
		started:     make(chan fetch.Request, 1),
		release:     make(chan string, 1),
	}
	service := startService(t, store, fetcher, nil)

	select {
	case <-fetcher.started:
	case <-time.After(waitFor):
		t.Fatal("expected a fetch to be started")
	}
	require.NoError(t, service.Pause(d.ID))

	output := filepath.Join(t.TempDir(), "racing.mp4")
	require.NoError(t, os.WriteFile(output, []byte("complete"), 0o644))
	fetcher.release <- output

	assert.Eventually(t, func() bool { _, active := service.ActiveDownloadID(); return !active }, waitFor, tick)
	require.NotNil(t, store.get(d.ID), "a paused download must not be completed")
	assert.Equal(t, Paused, store.get(d.ID).Status)
	assert.Zero(t, store.videoCount())
	assert.NoFileExists(t, output, "the discarded output is removed")
}

func Test_IllegalTransitions(t *testing.T) {
	store := newMemoryStore()
	store.seed("Active", Pending, baseTime)
	pending := store.seed("Pending", Pending, baseTime.Add(time.Second))
	failed := store.seed("Failed", Failed, baseTime.Add(2*time.Second))
	fetcher := newMockFetcher(t)
	service := startService(t, store, fetcher, nil)
	awaitFetch(t, fetcher)

	assert.ErrorIs(t, service.Resume(pending.ID), ErrIllegalTransition)
	assert.ErrorIs(t, service.Retry(pending.ID), ErrIllegalTransition)
	assert.ErrorIs(t, service.Pause(failed.ID), ErrIllegalTransition)
	assert.ErrorIs(t, service.Retry(uuid.New()), ErrDownloadNotFound)
	assert.ErrorIs(t, service.Pause(uuid.New()), ErrDownloadNotFound)
}

func Test_ManualRetryClearsErrorAndPreservesCount(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Exhausted", Failed, baseTime)
	store.mu.Lock()
	message := "previous failure"
	store.downloads[d.ID].RetryCount = 5
	store.downloads[d.ID].ErrorMessage = &message
	store.mu.Unlock()

	fetcher := newMockFetcher(t)
	service := startService(t, store, fetcher, nil)
	assertNoFetch(t, fetcher)

	require.NoError(t, service.Retry(d.ID))
	call := awaitFetch(t, fetcher)
	assert.Equal(t, d.ID, call.req.ID)

	retried := store.get(d.ID)
	assert.Equal(t, 5, retried.RetryCount)
	assert.Nil(t, retried.ErrorMessage)
}

func Test_NetworkFailureIsRetriedAutomatically(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Flaky", Pending, baseTime)
	fetcher := newMockFetcher(t)

	var delays []int
	var mu sync.Mutex
	startService(t, store, fetcher, nil, func(s *Service) {
		s.retryDelay = func(r int) time.Duration {
			mu.Lock()
			defer mu.Unlock()
			delays = append(delays, r)
			return 10 * time.Millisecond
		}
	})

	awaitFetch(t, fetcher).fail(&fetch.Error{Kind: fetch.NetworkFailure, Err: errors.New("connection reset")})

	retried := awaitFetch(t, fetcher)
	assert.Equal(t, d.ID, retried.req.ID)
	assert.Equal(t, 1, store.get(d.ID).RetryCount)

	mu.Lock()
	assert.Equal(t, []int{0}, delays)
	mu.Unlock()
}

func Test_AutomaticRetryStopsAtPolicyLimit(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Flaky", Pending, baseTime)
	store.mu.Lock()
	store.downloads[d.ID].RetryCount = 4
	store.mu.Unlock()

	fetcher := newMockFetcher(t)
	startService(t, store, fetcher, nil, func(s *Service) {
		s.retryDelay = func(int) time.Duration { return time.Millisecond }
	})

	awaitFetch(t, fetcher).fail(&fetch.Error{Kind: fetch.NetworkFailure, Err: errors.New("timeout")})

	assert.Eventually(t, func() bool { return store.get(d.ID).Status == Failed }, waitFor, tick)
	assert.Equal(t, 5, store.get(d.ID).RetryCount)
	assert.True(t, store.get(d.ID).Retryable)
	assertNoFetch(t, fetcher)
}

func Test_Policy(t *testing.T) {
	service := New(Config{}, newMemoryStore(), nil, event.New(), nil, nil)

	assert.NoError(t, service.policy(&manifest.ParsedManifest{}))
	assert.ErrorIs(t, service.policy(&manifest.ParsedManifest{IsLive: true}), ErrPolicyRejected)
	assert.ErrorIs(t, service.policy(&manifest.ParsedManifest{IsDRMProtected: true}), ErrPolicyRejected)

	service.config.AllowLive = true
	assert.NoError(t, service.policy(&manifest.ParsedManifest{IsLive: true}))
	assert.ErrorIs(t, service.policy(&manifest.ParsedManifest{IsLive: true, IsDRMProtected: true}), ErrPolicyRejected)
}

func Test_PolicyRejectionIsNotRetried(t *testing.T) {
	store := newMemoryStore()
	d := store.seed("Live", Pending, baseTime)
	fetcher := newMockFetcher(t)
	startService(t, store, fetcher, nil)

	call := awaitFetch(t, fetcher)
	require.NotNil(t, call.req.Policy)
	call.fail(call.req.Policy(&manifest.ParsedManifest{IsLive: true}))

	assert.Eventually(t, func() bool { return store.get(d.ID).Status == Failed }, waitFor, tick)
	assert.False(t, store.get(d.ID).Retryable)
	assertNoFetch(t, fetcher)
}

func Test_Enqueue(t *testing.T) {
	store := newMemoryStore()
	service := New(Config{}, store, newMockFetcher(t), event.New(), nil, nil)

	title := "Launch"
	d, err := service.Enqueue(EnqueueRequest{
		Candidate: StreamCandidate{URL: "https://media.example.org/live/stream.mpd"},
		PageTitle: &title,
		PageURL:   ptr("https://www.example.org/watch?v=1"),
		Quality:   manifest.StreamQuality{ID: "v1080", Height: 1080, Bandwidth: 5_000_000},
	})
	require.NoError(t, err)

	stored := store.get(d.ID)
	require.NotNil(t, stored)
	assert.Equal(t, Pending, stored.Status)
	assert.Equal(t, StreamTypeDASH, stored.StreamType)
	assert.Equal(t, "example.org", stored.Domain())
	assert.Equal(t, "1080p", stored.Quality.Label())

	_, err = service.Enqueue(EnqueueRequest{Candidate: StreamCandidate{URL: "/relative.m3u8"}})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	_, err = service.Enqueue(EnqueueRequest{Candidate: StreamCandidate{URL: "ftp://example.com/a.m3u8"}})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	_, err = service.Enqueue(EnqueueRequest{Candidate: StreamCandidate{URL: "https://example.com/a", Type: "smooth"}})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
}

func Test_DownloadHelpers(t *testing.T) {
	d := &Download{ID: uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016d3cca427"), VideoURL: "https://video.example.net/a.m3u8"}
	assert.Equal(t, DefaultVideoTitle, d.Title())
	assert.Equal(t, "video.example.net", d.Domain())
	assert.Equal(t, "untitled-video-1b4e28ba", outputName(d))

	d.PageTitle = ptr("  Holiday in Rome!  ")
	assert.Equal(t, "Holiday in Rome!", d.Title())
	assert.Equal(t, "holiday-in-rome-1b4e28ba", outputName(d))

	d.SourceDomain = ptr("override.com")
	assert.Equal(t, "override.com", d.Domain())

	assert.True(t, Pending.CanTransitionTo(Downloading))
	assert.False(t, Pending.CanTransitionTo(Completed))
	assert.False(t, Completed.CanTransitionTo(Pending))
	assert.Equal(t, "MUXING[3]", Muxing.String())
}

func ptr[T any](v T) *T { return &v }
