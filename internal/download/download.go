package download

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/manifest"
)

const DefaultVideoTitle = "Untitled video"

var (
	ErrDownloadNotFound  = errors.New("download does not exist")
	ErrIllegalTransition = errors.New("illegal download state transition")
	ErrPolicyRejected    = errors.New("manifest rejected by download policy")
	ErrInvalidCandidate  = errors.New("invalid stream candidate")
)

type (
	Status     int
	StreamType string

	// StreamCandidate is a stream observed by the external sniffing
	// collaborator, and is the input to the download pipeline.
	StreamCandidate struct {
		URL  string     `json:"url" validate:"required,http_url"`
		Type StreamType `json:"type" validate:"omitempty,oneof=hls dash"`
	}

	EnqueueRequest struct {
		Candidate    StreamCandidate
		Quality      manifest.StreamQuality
		VideoURL     string
		PageTitle    *string
		PageURL      *string
		SourceDomain *string
	}

	Download struct {
		ID                 uuid.UUID              `db:"id"`
		VideoURL           string                 `db:"video_url"`
		ManifestURL        string                 `db:"manifest_url"`
		StreamType         StreamType             `db:"stream_type"`
		PageTitle          *string                `db:"page_title"`
		PageURL            *string                `db:"page_url"`
		SourceDomain       *string                `db:"source_domain"`
		Status             Status                 `db:"status"`
		Progress           float64                `db:"progress"`
		SegmentsDownloaded int                    `db:"segments_downloaded"`
		SegmentsTotal      int                    `db:"segments_total"`
		RetryCount         int                    `db:"retry_count"`
		ErrorMessage       *string                `db:"error_message"`
		Retryable          bool                   `db:"retryable"`
		Quality            manifest.StreamQuality `db:"-"`
		EncryptionKeyURL   *string                `db:"encryption_key_url"`
		CreatedAt          time.Time              `db:"created_at"`
		UpdatedAt          time.Time              `db:"updated_at"`
	}
)

const (
	Pending Status = iota
	Downloading
	Paused
	Muxing
	Completed
	Failed
)

const (
	StreamTypeHLS  StreamType = "hls"
	StreamTypeDASH StreamType = "dash"
)

// transitions lists, for each status, the statuses it may move to. Removal
// (cancellation) is legal from every state and is not listed.
var transitions = map[Status][]Status{
	Pending:     {Downloading, Paused},
	Downloading: {Muxing, Failed, Paused, Pending},
	Muxing:      {Completed, Failed, Pending},
	Paused:      {Pending},
	Failed:      {Pending},
	Completed:   {},
}

func (s Status) String() string {
	switch s {
	case Pending:
		return fmt.Sprintf("PENDING[%d]", s)
	case Downloading:
		return fmt.Sprintf("DOWNLOADING[%d]", s)
	case Paused:
		return fmt.Sprintf("PAUSED[%d]", s)
	case Muxing:
		return fmt.Sprintf("MUXING[%d]", s)
	case Completed:
		return fmt.Sprintf("COMPLETED[%d]", s)
	case Failed:
		return fmt.Sprintf("FAILED[%d]", s)
	}

	return fmt.Sprintf("UNKNOWN[%d]", s)
}

// Name returns the lower-case name of the status, as used in API responses
// and metric labels.
func (s Status) Name() string {
	switch s {
	case Pending:
		return "pending"
	case Downloading:
		return "downloading"
	case Paused:
		return "paused"
	case Muxing:
		return "muxing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}

	return "unknown"
}

// IsActive returns true for the states which occupy the single active slot.
func (s Status) IsActive() bool {
	return s == Downloading || s == Muxing
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

func (d *Download) String() string {
	return fmt.Sprintf("Download{ID=%s Status=%s URL=%s}", d.ID, d.Status, d.ManifestURL)
}

// transition moves the download to the status provided, returning ErrIllegalTransition
// if the state machine does not allow it.
func (d *Download) transition(next Status) error {
	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, d.Status, next)
	}

	d.Status = next
	if next != Failed {
		d.ErrorMessage = nil
		d.Retryable = false
	}
	if next == Pending {
		d.Progress = 0
		d.SegmentsDownloaded = 0
	}
	d.UpdatedAt = time.Now()

	return nil
}

// Title returns the title to use for the video produced by this download.
func (d *Download) Title() string {
	if d.PageTitle != nil && strings.TrimSpace(*d.PageTitle) != "" {
		return strings.TrimSpace(*d.PageTitle)
	}

	return DefaultVideoTitle
}

// Domain returns the domain the download is sourced from. An explicit source
// domain wins, followed by the host of the page URL and then the video URL.
func (d *Download) Domain() string {
	if d.SourceDomain != nil && *d.SourceDomain != "" {
		return *d.SourceDomain
	}
	if d.PageURL != nil {
		if host := hostOf(*d.PageURL); host != "" {
			return host
		}
	}
	if host := hostOf(d.VideoURL); host != "" {
		return host
	}

	return hostOf(d.ManifestURL)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// newDownload constructs a pending download from the enqueue request provided.
func newDownload(req EnqueueRequest) (*Download, error) {
	candidate, err := url.Parse(strings.TrimSpace(req.Candidate.URL))
	if err != nil || candidate.Host == "" || (candidate.Scheme != "http" && candidate.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) URL", ErrInvalidCandidate, req.Candidate.URL)
	}

	streamType := req.Candidate.Type
	switch streamType {
	case StreamTypeHLS, StreamTypeDASH:
	case "":
		streamType = guessStreamType(candidate)
	default:
		return nil, fmt.Errorf("%w: unknown stream type %q", ErrInvalidCandidate, streamType)
	}

	videoURL := req.VideoURL
	if videoURL == "" {
		videoURL = candidate.String()
	}

	now := time.Now()
	return &Download{
		ID:           uuid.New(),
		VideoURL:     videoURL,
		ManifestURL:  candidate.String(),
		StreamType:   streamType,
		PageTitle:    req.PageTitle,
		PageURL:      req.PageURL,
		SourceDomain: req.SourceDomain,
		Status:       Pending,
		Quality:      req.Quality,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func guessStreamType(u *url.URL) StreamType {
	if strings.HasSuffix(strings.ToLower(u.Path), ".mpd") {
		return StreamTypeDASH
	}

	return StreamTypeHLS
}
