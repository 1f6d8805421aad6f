// Package download implements the download manager: a persistent FIFO queue of
// downloads, driven through a small state machine by a single control loop which
// runs at most one fetch at a time.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/hbomb79/Siphon/internal/event"
	"github.com/hbomb79/Siphon/internal/fetch"
	"github.com/hbomb79/Siphon/internal/library"
	"github.com/hbomb79/Siphon/internal/manifest"
	"github.com/hbomb79/Siphon/internal/metrics"
	"github.com/hbomb79/Siphon/internal/muxer"
	"github.com/hbomb79/Siphon/internal/retry"
	"github.com/hbomb79/Siphon/pkg/logger"
)

var log = logger.Get("DownloadServ")

const maxOutputNameLength = 80

type (
	Config struct {
		AutoRetry   bool `yaml:"auto_retry" env:"DOWNLOAD_AUTO_RETRY" env-default:"true"`
		AllowLive   bool `yaml:"allow_live" env:"DOWNLOAD_ALLOW_LIVE" env-default:"false"`
		AutoFolders bool `yaml:"auto_folders" env:"DOWNLOAD_AUTO_FOLDERS" env-default:"true"`
	}

	DataStore interface {
		SaveDownload(*Download) error
		GetDownload(uuid.UUID) (*Download, error)
		GetAllDownloads() ([]*Download, error)
		GetDownloadsByStatus(...Status) ([]*Download, error)
		NextPendingDownload() (*Download, error)
		DeleteDownload(uuid.UUID) error
		ResetActiveDownloads() (int, error)

		// CompleteDownload persists the video, placing it in the folder named (created
		// if missing, unless folderName is empty), and deletes the download with the ID
		// given, all inside of a single transaction.
		CompleteDownload(downloadID uuid.UUID, video *library.Video, folderName string) error
	}

	Fetcher interface {
		Fetch(context.Context, fetch.Request, fetch.Observer)
		Cleanup(uuid.UUID) error
	}

	// ProbeFunc inspects the muxed output file at the path provided.
	ProbeFunc func(path string) (*muxer.Metadata, error)

	// activeTask is the download currently occupying the single active slot.
	activeTask struct {
		id      uuid.UUID
		cancel  context.CancelFunc
		removed bool
		paused  bool
	}

	// taskEvent is emitted by a task observer and consumed by the control loop.
	taskEvent struct {
		task     *activeTask
		progress *fetch.Progress
		result   *fetch.Result
		err      error
	}

	// Service is the download manager. All state transitions are persisted
	// before being announced, and are serialised via the service mutex.
	Service struct {
		*sync.Mutex
		config    Config
		dataStore DataStore
		fetcher   Fetcher
		eventBus  event.EventDispatcher
		probe     ProbeFunc
		metrics   *metrics.Metrics

		active      *activeTask
		taskWg      *sync.WaitGroup
		retryTimers map[uuid.UUID]*time.Timer
		retryDelay  func(int) time.Duration

		queueChange chan struct{}
		taskEvents  chan taskEvent
		done        chan struct{}
	}
)

// New constructs the download service. probe and metrics are optional.
func New(config Config, dataStore DataStore, fetcher Fetcher, eventBus event.EventDispatcher, probe ProbeFunc, m *metrics.Metrics) *Service {
	return &Service{
		Mutex:       &sync.Mutex{},
		config:      config,
		dataStore:   dataStore,
		fetcher:     fetcher,
		eventBus:    eventBus,
		probe:       probe,
		metrics:     m,
		taskWg:      &sync.WaitGroup{},
		retryTimers: make(map[uuid.UUID]*time.Timer),
		retryDelay:  retry.DelayWithJitter,
		queueChange: make(chan struct{}, 1),
		taskEvents:  make(chan taskEvent, 128),
		done:        make(chan struct{}),
	}
}

// Run is the main entry point for this service, and will block until the provided
// context is cancelled. Before the queue is started, any download left in an active
// state by a previous process is returned to pending.
//
// Note: when the context is cancelled this method will not return until the
// active fetch (if any) has been cancelled.
func (service *Service) Run(ctx context.Context) error {
	if err := service.recover(); err != nil {
		return fmt.Errorf("failed to recover download queue: %w", err)
	}

	service.notifyQueueChange()
	for {
		select {
		case <-service.queueChange:
			service.startNext(ctx)
		case ev := <-service.taskEvents:
			service.handleTaskEvent(ev)
		case <-ctx.Done():
			log.Emit(logger.STOP, "Shutting down (context cancelled). Waiting for active download to cancel.\n")
			close(service.done)
			service.shutdown()
			return nil
		}
	}
}

// Enqueue creates a new pending download for the stream candidate and quality
// provided.
func (service *Service) Enqueue(req EnqueueRequest) (*Download, error) {
	download, err := newDownload(req)
	if err != nil {
		return nil, err
	}

	service.Lock()
	defer service.Unlock()
	if err := service.dataStore.SaveDownload(download); err != nil {
		return nil, err
	}

	log.Emit(logger.NEW, "Enqueued %s (%s)\n", download, download.Quality.Label())
	service.announce(download)
	service.notifyQueueChange()
	return download, nil
}

func (service *Service) GetDownload(id uuid.UUID) (*Download, error) {
	return service.dataStore.GetDownload(id)
}

func (service *Service) GetAllDownloads() ([]*Download, error) {
	return service.dataStore.GetAllDownloads()
}

// ActiveDownloadID returns the ID of the download occupying the active slot, if any.
func (service *Service) ActiveDownloadID() (uuid.UUID, bool) {
	service.Lock()
	defer service.Unlock()
	if service.active == nil {
		return uuid.Nil, false
	}

	return service.active.id, true
}

// Cancel removes the download, and any temporary files belonging to it, regardless
// of its state. If the download is active, its fetch is cancelled and the slot is
// released once the fetch has stopped.
func (service *Service) Cancel(id uuid.UUID) error {
	service.Lock()
	defer service.Unlock()

	if _, err := service.dataStore.GetDownload(id); err != nil {
		return err
	}
	if err := service.dataStore.DeleteDownload(id); err != nil {
		return err
	}

	service.stopRetryTimer(id)
	if service.active != nil && service.active.id == id {
		service.active.removed = true
		service.active.cancel()
	} else if err := service.fetcher.Cleanup(id); err != nil {
		log.Warnf("Failed to remove temporary files for cancelled download %s: %v\n", id, err)
	}

	log.Emit(logger.REMOVE, "Cancelled download %s\n", id)
	service.eventBus.Dispatch(event.DOWNLOAD_REMOVED, id)
	return nil
}

// Pause moves a pending or downloading download to paused. Pausing the active
// download cancels its fetch; progress is discarded.
func (service *Service) Pause(id uuid.UUID) error {
	service.Lock()
	defer service.Unlock()

	download, err := service.dataStore.GetDownload(id)
	if err != nil {
		return err
	}
	if err := service.transition(download, Paused); err != nil {
		return err
	}

	if service.active != nil && service.active.id == id {
		service.active.paused = true
		service.active.cancel()
	}

	log.Emit(logger.STOP, "Paused %s\n", download)
	return nil
}

// Resume returns a paused download to the queue.
func (service *Service) Resume(id uuid.UUID) error {
	return service.requeue(id, Paused)
}

// Retry returns a failed download to the queue. The retry count is preserved,
// and a manual retry is permitted even once automatic retries are exhausted.
func (service *Service) Retry(id uuid.UUID) error {
	return service.requeue(id, Failed)
}

func (service *Service) requeue(id uuid.UUID, from Status) error {
	service.Lock()
	defer service.Unlock()

	download, err := service.dataStore.GetDownload(id)
	if err != nil {
		return err
	}
	if download.Status != from {
		return fmt.Errorf("%w: %s is not %s", ErrIllegalTransition, download, from)
	}

	service.stopRetryTimer(id)
	if err := service.transition(download, Pending); err != nil {
		return err
	}

	service.notifyQueueChange()
	return nil
}

// recover normalises any download left in an active state back to pending, and
// re-arms automatic retries for failed downloads which remain eligible.
func (service *Service) recover() error {
	service.Lock()
	defer service.Unlock()

	count, err := service.dataStore.ResetActiveDownloads()
	if err != nil {
		return err
	}
	if count > 0 {
		log.Emit(logger.WARNING, "Recovered %d interrupted download(s) back to pending\n", count)
	}

	failed, err := service.dataStore.GetDownloadsByStatus(Failed)
	if err != nil {
		return err
	}
	for _, d := range failed {
		service.scheduleAutoRetry(d)
	}

	return nil
}

// startNext dequeues the oldest pending download if the active slot is free.
// The download is persisted as downloading before the fetch begins.
func (service *Service) startNext(ctx context.Context) {
	service.Lock()
	defer service.Unlock()
	if service.active != nil || ctx.Err() != nil {
		return
	}

	download, err := service.dataStore.NextPendingDownload()
	if err != nil {
		log.Emit(logger.ERROR, "Failed to dequeue next download: %v\n", err)
		return
	}
	if download == nil {
		return
	}

	if err := service.transition(download, Downloading); err != nil {
		log.Emit(logger.ERROR, "Failed to start %s: %v\n", download, err)
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := &activeTask{id: download.ID, cancel: cancel}
	service.active = task
	if service.metrics != nil {
		service.metrics.ActiveDownloads.Set(1)
	}

	req := fetch.Request{
		ID:           download.ID,
		ManifestURL:  download.ManifestURL,
		Quality:      download.Quality,
		SourceDomain: download.Domain(),
		OutputName:   outputName(download),
		Policy:       service.policy,
	}

	log.Emit(logger.INFO, "Starting %s\n", download)
	service.taskWg.Add(1)
	go func() {
		defer service.taskWg.Done()
		defer cancel()
		service.fetcher.Fetch(taskCtx, req, &taskObserver{service: service, task: task})
	}()
}

func (service *Service) handleTaskEvent(ev taskEvent) {
	service.Lock()
	defer service.Unlock()
	if ev.task != service.active {
		log.Warnf("Ignoring event from stale task %s\n", ev.task.id)
		return
	}

	switch {
	case ev.progress != nil:
		service.handleProgress(ev.task, *ev.progress)
	case ev.result != nil:
		service.handleSuccess(ev.task, ev.result)
		service.releaseSlot()
	default:
		service.handleFailure(ev.task, ev.err)
		service.releaseSlot()
	}
}

func (service *Service) handleProgress(task *activeTask, progress fetch.Progress) {
	if task.removed || task.paused {
		return
	}

	download, err := service.dataStore.GetDownload(task.id)
	if err != nil {
		log.Emit(logger.ERROR, "Failed to record progress for %s: %v\n", task.id, err)
		return
	}

	download.Progress = min(max(progress.Fraction, 0), 1)
	download.SegmentsTotal = progress.SegmentsTotal
	download.SegmentsDownloaded = min(progress.SegmentsDownloaded, progress.SegmentsTotal)
	download.UpdatedAt = time.Now()

	// Muxing begins as soon as the final segment has been fetched
	if download.SegmentsDownloaded == download.SegmentsTotal && download.Status == Downloading {
		if err := service.transition(download, Muxing); err != nil {
			log.Emit(logger.ERROR, "Failed to move %s to muxing: %v\n", download, err)
		}
		return
	}

	if err := service.dataStore.SaveDownload(download); err != nil {
		log.Emit(logger.ERROR, "Failed to persist progress for %s: %v\n", download, err)
		return
	}

	service.eventBus.Dispatch(event.DOWNLOAD_PROGRESS, download.ID)
}

func (service *Service) handleSuccess(task *activeTask, result *fetch.Result) {
	defer service.cleanup(task.id)
	if task.removed {
		log.Emit(logger.REMOVE, "Discarding output of cancelled download %s\n", task.id)
		os.Remove(result.Output.Path)
		return
	}
	if task.paused {
		// Pausing discards progress, even when the fetch raced to completion
		log.Emit(logger.DEBUG, "Discarding output of download %s which completed after being paused\n", task.id)
		os.Remove(result.Output.Path)
		return
	}

	download, err := service.dataStore.GetDownload(task.id)
	if err != nil {
		log.Emit(logger.ERROR, "Download %s completed but could not be loaded: %v\n", task.id, err)
		os.Remove(result.Output.Path)
		return
	}

	video := service.buildVideo(download, result)
	folderName := ""
	if service.config.AutoFolders {
		folderName = download.Domain()
	}

	if err := service.dataStore.CompleteDownload(download.ID, video, folderName); err != nil {
		log.Emit(logger.ERROR, "Failed to finalise %s: %v\n", download, err)
		os.Remove(result.Output.Path)
		service.fail(download, fmt.Errorf("failed to save video: %w", err), false)
		return
	}

	log.Emit(logger.SUCCESS, "Completed %s -> %s\n", download, video.FilePath)
	if service.metrics != nil {
		service.metrics.DownloadsByState.WithLabelValues(Completed.Name()).Inc()
	}
	service.eventBus.Dispatch(event.DOWNLOAD_COMPLETE, download.ID)
	service.eventBus.Dispatch(event.VIDEO_NEW, video.ID)
}

func (service *Service) handleFailure(task *activeTask, cause error) {
	if task.removed {
		service.cleanup(task.id)
		return
	}
	if task.paused {
		log.Emit(logger.DEBUG, "Active download %s stopped after pause: %v\n", task.id, cause)
		return
	}

	download, err := service.dataStore.GetDownload(task.id)
	if err != nil {
		log.Emit(logger.ERROR, "Download %s failed but could not be loaded: %v\n", task.id, err)
		return
	}

	if cause == nil {
		cause = errors.New("fetch failed without reporting a cause")
	}
	if errors.Is(cause, fetch.ErrCancelled) {
		// Not requested by the user, so the attempt is not counted
		log.Emit(logger.WARNING, "Fetch for %s was interrupted, returning it to the queue\n", download)
		if err := service.transition(download, Pending); err != nil {
			log.Emit(logger.ERROR, "Failed to requeue %s: %v\n", download, err)
		}
		return
	}

	service.fail(download, cause, isRetryable(cause))
}

// fail records the failure against the download, incrementing its retry count,
// and schedules an automatic retry if the failure is eligible for one.
func (service *Service) fail(download *Download, cause error, retryable bool) {
	if err := download.transition(Failed); err != nil {
		log.Emit(logger.ERROR, "Failed to mark %s as failed: %v\n", download, err)
		return
	}

	message := cause.Error()
	download.ErrorMessage = &message
	download.Retryable = retryable
	download.RetryCount++
	if err := service.dataStore.SaveDownload(download); err != nil {
		log.Emit(logger.ERROR, "Failed to persist failure of %s: %v\n", download, err)
		return
	}

	log.Emit(logger.ERROR, "%s failed (attempt %d): %v\n", download, download.RetryCount, cause)
	if service.metrics != nil {
		service.metrics.DownloadsByState.WithLabelValues(Failed.Name()).Inc()
	}
	service.announce(download)
	service.scheduleAutoRetry(download)
}

// scheduleAutoRetry arms a timer which returns the failed download to the queue
// after the retry policy's backoff, provided the failure is retryable and the
// retry budget has not been exhausted.
func (service *Service) scheduleAutoRetry(download *Download) {
	if !service.config.AutoRetry || !download.Retryable || !retry.ShouldRetry(download.RetryCount) {
		return
	}

	id := download.ID
	delay := service.retryDelay(max(download.RetryCount-1, 0))
	service.stopRetryTimer(id)
	service.retryTimers[id] = time.AfterFunc(delay, func() { service.autoRetry(id) })
	log.Emit(logger.INFO, "Scheduled automatic retry of %s in %s\n", download, delay)
}

func (service *Service) autoRetry(id uuid.UUID) {
	select {
	case <-service.done:
		return
	default:
	}

	service.Lock()
	defer service.Unlock()
	delete(service.retryTimers, id)

	download, err := service.dataStore.GetDownload(id)
	if err != nil || download.Status != Failed {
		return
	}
	if err := service.transition(download, Pending); err != nil {
		log.Emit(logger.ERROR, "Automatic retry of %s failed: %v\n", download, err)
		return
	}

	log.Emit(logger.INFO, "Automatically retrying %s (attempt %d)\n", download, download.RetryCount+1)
	service.notifyQueueChange()
}

// policy rejects manifests which cannot be acquired: DRM protected content is
// never downloaded, and live streams are rejected unless explicitly allowed.
func (service *Service) policy(m *manifest.ParsedManifest) error {
	if m.IsDRMProtected {
		return fmt.Errorf("%w: content is DRM protected", ErrPolicyRejected)
	}
	if m.IsLive && !service.config.AllowLive {
		return fmt.Errorf("%w: live streams are not supported", ErrPolicyRejected)
	}

	return nil
}

// transition applies the state change to the download and persists it.
func (service *Service) transition(download *Download, next Status) error {
	if err := download.transition(next); err != nil {
		return err
	}
	if err := service.dataStore.SaveDownload(download); err != nil {
		return err
	}

	if service.metrics != nil {
		service.metrics.DownloadsByState.WithLabelValues(next.Name()).Inc()
	}
	service.announce(download)
	return nil
}

func (service *Service) buildVideo(download *Download, result *fetch.Result) *library.Video {
	video := &library.Video{
		ID:           uuid.New(),
		Title:        download.Title(),
		SourceURL:    download.VideoURL,
		SourceDomain: download.Domain(),
		FilePath:     result.Output.Path,
		FileSize:     result.Output.Size,
		QualityLabel: download.Quality.Label(),
		CreatedAt:    time.Now(),
	}
	if result.Manifest != nil && len(result.Manifest.Qualities) == 1 && download.Quality == (manifest.StreamQuality{}) {
		video.QualityLabel = result.Manifest.Qualities[0].Label()
	}
	if result.Manifest != nil && result.Manifest.TotalDuration != nil {
		duration := *result.Manifest.TotalDuration
		video.DurationSeconds = &duration
	}

	if service.probe == nil {
		return video
	}

	meta, err := service.probe(result.Output.Path)
	if err != nil {
		log.Warnf("Unable to probe %s, using manifest values: %v\n", result.Output.Path, err)
		return video
	}
	if meta.DurationSeconds > 0 {
		duration := meta.DurationSeconds
		video.DurationSeconds = &duration
	}
	if meta.SizeBytes > 0 {
		video.FileSize = meta.SizeBytes
	}

	return video
}

func (service *Service) releaseSlot() {
	service.active = nil
	if service.metrics != nil {
		service.metrics.ActiveDownloads.Set(0)
	}
	service.notifyQueueChange()
}

func (service *Service) cleanup(id uuid.UUID) {
	if err := service.fetcher.Cleanup(id); err != nil {
		log.Warnf("Failed to remove temporary files for download %s: %v\n", id, err)
	}
}

func (service *Service) announce(download *Download) {
	service.eventBus.Dispatch(event.DOWNLOAD_UPDATE, download.ID)
}

func (service *Service) notifyQueueChange() {
	select {
	case service.queueChange <- struct{}{}:
	default:
	}
}

func (service *Service) stopRetryTimer(id uuid.UUID) {
	if t, ok := service.retryTimers[id]; ok {
		t.Stop()
		delete(service.retryTimers, id)
	}
}

func (service *Service) shutdown() {
	service.Lock()
	for id := range service.retryTimers {
		service.stopRetryTimer(id)
	}
	if service.active != nil {
		service.active.cancel()
	}
	service.Unlock()

	service.taskWg.Wait()
}

// isRetryable returns true for transport failures, which are retried
// automatically. Parse, policy and mux failures are not.
func isRetryable(err error) bool {
	return errors.Is(err, fetch.ErrNetworkFailure) || errors.Is(err, manifest.ErrNetwork)
}

// outputName returns the file name (without extension) for the download's
// muxed output: a slug of its title suffixed with part of its ID.
func outputName(download *Download) string {
	name := slug.Make(download.Title())
	if len(name) > maxOutputNameLength {
		name = name[:maxOutputNameLength]
	}
	if name == "" {
		name = "video"
	}

	return fmt.Sprintf("%s-%s", name, download.ID.String()[:8])
}

// taskObserver forwards the events of a fetch attempt to the control loop.
type taskObserver struct {
	service *Service
	task    *activeTask
}

func (o *taskObserver) OnProgress(p fetch.Progress) { o.send(taskEvent{task: o.task, progress: &p}) }
func (o *taskObserver) OnSuccess(r *fetch.Result)   { o.send(taskEvent{task: o.task, result: r}) }
func (o *taskObserver) OnFailure(err error)         { o.send(taskEvent{task: o.task, err: err}) }

func (o *taskObserver) send(ev taskEvent) {
	select {
	case o.service.taskEvents <- ev:
	case <-o.service.done:
	}
}
