// Package fetch implements the per-download segment fetcher: it resolves the
// manifest for the chosen quality, downloads every segment in to a temporary
// working area using a small bounded pool of workers, and hands the result to
// the muxer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/manifest"
	"github.com/hbomb79/Siphon/internal/metrics"
	"github.com/hbomb79/Siphon/internal/muxer"
	"github.com/hbomb79/Siphon/pkg/logger"
)

var log = logger.Get("Fetcher")

const (
	SegmentsDirName = "segments"
	AudioDirName    = "audio"

	maxKeySize = 1024

	defaultRequestTimeout = 30 * time.Second
	defaultSegmentTimeout = 2 * time.Minute
)

type (
	Config struct {
		TempDir            string        `yaml:"temp_dir" env:"FETCH_TEMP_DIR"`
		OutputDir          string        `yaml:"output_dir" env:"FETCH_OUTPUT_DIR"`
		SegmentParallelism int           `yaml:"segment_parallelism" env:"FETCH_SEGMENT_PARALLELISM" env-default:"3"`
		RequestTimeout     time.Duration `yaml:"request_timeout" env:"FETCH_REQUEST_TIMEOUT" env-default:"30s"`
		SegmentTimeout     time.Duration `yaml:"segment_timeout" env:"FETCH_SEGMENT_TIMEOUT" env-default:"2m"`
		MinFreeBytes       uint64        `yaml:"min_free_bytes" env:"FETCH_MIN_FREE_BYTES" env-default:"524288000"`
		UserAgent          string        `yaml:"user_agent" env:"FETCH_USER_AGENT" env-default:"Siphon/1.0"`
	}

	// ManifestPolicy is consulted once the manifest for an attempt has been
	// resolved, and before any segment is fetched. A non-nil error rejects
	// the manifest and fails the attempt.
	ManifestPolicy func(*manifest.ParsedManifest) error

	Muxer interface {
		Mux(ctx context.Context, input muxer.Input) (*muxer.Output, error)
	}

	// Observer receives the events of a single fetch attempt: zero or more
	// progress events followed by exactly one of OnSuccess or OnFailure.
	Observer interface {
		OnProgress(Progress)
		OnSuccess(*Result)
		OnFailure(error)
	}

	Progress struct {
		Fraction           float64
		SegmentsDownloaded int
		SegmentsTotal      int
	}

	Request struct {
		ID           uuid.UUID
		ManifestURL  string
		Quality      manifest.StreamQuality
		SourceDomain string
		OutputName   string
		Policy       ManifestPolicy
	}

	Result struct {
		Manifest *manifest.ParsedManifest
		Output   *muxer.Output
		WorkDir  string
	}

	Fetcher struct {
		config    Config
		client    *http.Client
		muxer     Muxer
		cookies   CookieSource
		metrics   *metrics.Metrics
		freeSpace func(string) (uint64, error)
	}
)

// New constructs a Fetcher. cookies and metrics are optional.
func New(config Config, mux Muxer, cookies CookieSource, m *metrics.Metrics) *Fetcher {
	if config.SegmentParallelism <= 0 {
		config.SegmentParallelism = 1
	}
	if config.TempDir == "" {
		config.TempDir = filepath.Join(os.TempDir(), "siphon")
	}
	if config.OutputDir == "" {
		config.OutputDir = filepath.Join(config.TempDir, "output")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.SegmentTimeout <= 0 {
		config.SegmentTimeout = defaultSegmentTimeout
	}

	// No single request may outlive the longest per-request deadline
	client := &http.Client{Timeout: max(config.RequestTimeout, config.SegmentTimeout)}

	return &Fetcher{
		config:    config,
		client:    client,
		muxer:     mux,
		cookies:   cookies,
		metrics:   m,
		freeSpace: freeBytes,
	}
}

// WorkDir returns the temporary working directory used for the download.
func (f *Fetcher) WorkDir(id uuid.UUID) string {
	return filepath.Join(f.config.TempDir, id.String())
}

// Cleanup removes the temporary working directory of the download.
func (f *Fetcher) Cleanup(id uuid.UUID) error {
	return os.RemoveAll(f.WorkDir(id))
}

// Probe fetches and parses the manifest at the URL provided using the same
// request decoration (user agent, cookies) as a download attempt would.
func (f *Fetcher) Probe(ctx context.Context, manifestURL string, domain string) (*manifest.ParsedManifest, error) {
	parser := manifest.NewParser(f.client, f.config.RequestTimeout, func(r *http.Request) {
		f.decorate(r, domain)
	})

	return parser.Parse(ctx, manifestURL)
}

// Fetch performs a single download attempt, blocking until it has finished. The
// outcome is reported via the observer, never both OnSuccess and OnFailure. On
// failure, all partial output for the download is removed.
func (f *Fetcher) Fetch(ctx context.Context, req Request, observer Observer) {
	result, err := f.fetch(ctx, req, observer)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = newError(Cancelled, err)
		}

		if cleanupErr := f.Cleanup(req.ID); cleanupErr != nil {
			log.Warnf("Failed to remove partial output for download %s: %v\n", req.ID, cleanupErr)
		}

		observer.OnFailure(err)
		return
	}

	observer.OnSuccess(result)
}

func (f *Fetcher) fetch(ctx context.Context, req Request, observer Observer) (*Result, error) {
	if err := f.ensureStorage(); err != nil {
		return nil, err
	}

	domain := req.SourceDomain
	parser := manifest.NewParser(f.client, f.config.RequestTimeout, func(r *http.Request) {
		f.decorate(r, domain)
	})

	media, err := parser.ResolveMedia(ctx, req.ManifestURL, req.Quality)
	if f.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		format := "unknown"
		if media != nil {
			format = media.Format.String()
		}
		f.metrics.ManifestsParsed.WithLabelValues(format, outcome).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest: %w", err)
	}

	if req.Policy != nil {
		if err := req.Policy(media); err != nil {
			return nil, err
		}
	}

	workDir := f.WorkDir(req.ID)
	if err := os.RemoveAll(workDir); err != nil {
		return nil, fmt.Errorf("failed to reset working directory: %w", err)
	}

	total := media.TotalSegments()
	if total == 0 {
		return nil, newError(NetworkFailure, errors.New("manifest resolved to zero segments"))
	}

	log.Emit(logger.INFO, "Fetching %d segments for download %s (%s)\n", total, req.ID, req.Quality.Label())
	tracker := &progressTracker{total: total, observer: observer}

	video := media.VideoTrack()
	videoInput, err := f.fetchTrack(ctx, req, video, filepath.Join(workDir, SegmentsDirName), tracker)
	if err != nil {
		return nil, err
	}

	input := muxer.Input{
		SegmentDir: videoInput.dir,
		Fragmented: video.IsFragmentedMP4,
		Key:        videoInput.key,
		OutputDir:  f.config.OutputDir,
		OutputName: req.OutputName,
	}
	if media.Audio != nil {
		audioInput, err := f.fetchTrack(ctx, req, *media.Audio, filepath.Join(workDir, AudioDirName), tracker)
		if err != nil {
			return nil, err
		}

		input.AudioDir = audioInput.dir
		input.AudioFragmented = media.Audio.IsFragmentedMP4
		input.AudioKey = audioInput.key
	}

	if err := ctx.Err(); err != nil {
		return nil, newError(Cancelled, err)
	}

	started := time.Now()
	output, err := f.muxer.Mux(ctx, input)
	if err != nil {
		return nil, err
	}

	if f.metrics != nil {
		f.metrics.MuxDuration.WithLabelValues(output.Container.String()).Observe(time.Since(started).Seconds())
		f.metrics.OutputSizeBytes.Observe(float64(output.Size))
	}

	log.Emit(logger.SUCCESS, "Download %s muxed to %s\n", req.ID, output.Path)
	return &Result{Manifest: media, Output: output, WorkDir: workDir}, nil
}

type trackInput struct {
	dir string
	key *muxer.DecryptionKey
}

// fetchTrack downloads the key, init segment and media segments of the track
// in to the directory provided.
func (f *Fetcher) fetchTrack(ctx context.Context, req Request, track manifest.Track, dir string, tracker *progressTracker) (*trackInput, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, f.classifyWriteError(err)
	}

	out := &trackInput{dir: dir}
	if track.EncryptionKeyURL != "" {
		key, err := f.fetchKey(ctx, track.EncryptionKeyURL, req.SourceDomain)
		if err != nil {
			return nil, err
		}

		iv, err := muxer.ParseIV(track.EncryptionIV)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption IV: %w", err)
		}
		out.key = &muxer.DecryptionKey{Key: key, IV: iv, MediaSequence: track.MediaSequence}
	}

	if track.InitSegmentURL != "" {
		job := segmentJob{url: track.InitSegmentURL, path: filepath.Join(dir, muxer.InitSegmentName)}
		if err := f.fetchSegment(ctx, job, req.SourceDomain); err != nil {
			return nil, err
		}
	}

	jobs := make([]segmentJob, len(track.Segments))
	for i, s := range track.Segments {
		jobs[i] = segmentJob{
			url:  s.URL,
			path: filepath.Join(dir, muxer.SegmentFileName(s.Index, segmentExtension(s.URL, track.IsFragmentedMP4))),
		}
	}

	if err := f.fetchSegments(ctx, req.ID, jobs, req.SourceDomain, tracker.segmentDone); err != nil {
		return nil, err
	}

	return out, nil
}

func (f *Fetcher) fetchKey(ctx context.Context, keyURL string, domain string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.RequestTimeout)
	defer cancel()

	resp, err := f.get(ctx, keyURL, domain)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	key, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySize))
	if err != nil {
		return nil, newError(NetworkFailure, fmt.Errorf("failed to read encryption key: %w", err))
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("encryption key from %s is %d bytes, expected 16", keyURL, len(key))
	}

	return key, nil
}

// get performs a GET request, returning a NetworkFailure error for
// transport failures and non-2xx responses.
func (f *Fetcher) get(ctx context.Context, target string, domain string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, newError(NetworkFailure, fmt.Errorf("invalid URL %q: %w", target, err))
	}
	f.decorate(req, domain)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newError(NetworkFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, newError(NetworkFailure, fmt.Errorf("unexpected response %s fetching %s", resp.Status, target))
	}

	return resp, nil
}

func (f *Fetcher) decorate(req *http.Request, domain string) {
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	attachCookies(req, f.cookies, domain, req.URL.Hostname())
}

func (f *Fetcher) ensureStorage() error {
	if err := os.MkdirAll(f.config.TempDir, 0o755); err != nil {
		return f.classifyWriteError(err)
	}

	if f.config.MinFreeBytes == 0 {
		return nil
	}

	free, err := f.freeSpace(f.config.TempDir)
	if err != nil {
		log.Warnf("Unable to determine free space for %s, continuing: %v\n", f.config.TempDir, err)
		return nil
	}

	if free < f.config.MinFreeBytes {
		return newError(StorageInsufficient, fmt.Errorf("%d bytes free in %s, at least %d required", free, f.config.TempDir, f.config.MinFreeBytes))
	}

	return nil
}

func (f *Fetcher) classifyWriteError(err error) error {
	if isNoSpace(err) {
		return newError(StorageInsufficient, err)
	}

	return err
}

// segmentExtension returns the file extension to use for the segment,
// derived from its URL where possible.
func segmentExtension(segmentURL string, fragmented bool) string {
	if u, err := url.Parse(segmentURL); err == nil {
		ext := filepath.Ext(u.Path)
		if l := len(ext); l > 1 && l <= 6 && isAlphanumeric(ext[1:]) {
			return ext
		}
	}

	if fragmented {
		return ".m4s"
	}

	return ".ts"
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}

	return true
}
