package downloads

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/api/gen"
	"github.com/hbomb79/Siphon/internal/api/util"
	"github.com/hbomb79/Siphon/internal/download"
	"github.com/hbomb79/Siphon/internal/manifest"
	"github.com/labstack/echo/v4"
)

type (
	QualityDto struct {
		ID         string `json:"id,omitempty"`
		Label      string `json:"label"`
		Resolution string `json:"resolution,omitempty"`
		Width      int    `json:"width,omitempty"`
		Height     int    `json:"height,omitempty"`
		Bandwidth  int64  `json:"bandwidth"`
		URL        string `json:"url,omitempty"`
		Codecs     string `json:"codecs,omitempty"`
		AudioGroup string `json:"audio_group,omitempty"`
	}

	// Dto is the response used by endpoints which return downloads
	Dto struct {
		ID                 uuid.UUID           `json:"id"`
		Title              string              `json:"title"`
		VideoURL           string              `json:"video_url"`
		ManifestURL        string              `json:"manifest_url"`
		StreamType         download.StreamType `json:"stream_type"`
		PageURL            *string             `json:"page_url"`
		SourceDomain       string              `json:"source_domain"`
		Status             string              `json:"status"`
		Progress           float64             `json:"progress"`
		SegmentsDownloaded int                 `json:"segments_downloaded"`
		SegmentsTotal      int                 `json:"segments_total"`
		RetryCount         int                 `json:"retry_count"`
		ErrorMessage       *string             `json:"error_message"`
		Retryable          bool                `json:"retryable"`
		Quality            QualityDto          `json:"quality"`
		Active             bool                `json:"active"`
		CreatedAt          time.Time           `json:"created_at"`
		UpdatedAt          time.Time           `json:"updated_at"`
	}

	CreateRequest struct {
		Candidate    download.StreamCandidate `json:"candidate"`
		Quality      *QualityDto              `json:"quality"`
		VideoURL     string                   `json:"video_url" validate:"omitempty,url"`
		PageTitle    *string                  `json:"page_title" validate:"omitempty,max=512"`
		PageURL      *string                  `json:"page_url" validate:"omitempty,url"`
		SourceDomain *string                  `json:"source_domain" validate:"omitempty,hostname"`
	}

	Service interface {
		Enqueue(download.EnqueueRequest) (*download.Download, error)
		GetDownload(uuid.UUID) (*download.Download, error)
		GetAllDownloads() ([]*download.Download, error)
		ActiveDownloadID() (uuid.UUID, bool)
		Cancel(uuid.UUID) error
		Pause(uuid.UUID) error
		Resume(uuid.UUID) error
		Retry(uuid.UUID) error
	}

	// Controller is the struct which is responsible for defining the
	// routes for this controller. Additionally, it holds the reference to
	// the service used to manage the download queue.
	Controller struct {
		validate *validator.Validate
		service  Service
	}
)

func New(validate *validator.Validate, service Service) *Controller {
	return &Controller{validate: validate, service: service}
}

// SetRoutes accepts the Echo group for the download endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.POST("/", controller.create)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.delete)
	eg.POST("/:id/pause/", controller.pause)
	eg.POST("/:id/resume/", controller.resume)
	eg.POST("/:id/retry/", controller.retry)
}

func (controller *Controller) list(ec echo.Context) error {
	downloads, err := controller.service.GetAllDownloads()
	if err != nil {
		return gen.FromError(err)
	}

	activeID, _ := controller.service.ActiveDownloadID()
	return ec.JSON(http.StatusOK, util.ApplyConversion(downloads, func(d *download.Download) *Dto { return NewDto(d, activeID) }))
}

func (controller *Controller) create(ec echo.Context) error {
	var request CreateRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body failed validation: %v", err))
	}

	created, err := controller.service.Enqueue(download.EnqueueRequest{
		Candidate:    request.Candidate,
		Quality:      util.NotNilOrDefault(util.ApplyOptional(request.Quality, qualityDtoToModel), manifest.StreamQuality{}),
		VideoURL:     request.VideoURL,
		PageTitle:    request.PageTitle,
		PageURL:      request.PageURL,
		SourceDomain: request.SourceDomain,
	})
	if err != nil {
		return gen.FromError(err)
	}

	return ec.JSON(http.StatusCreated, NewDto(created, uuid.Nil))
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	d, err := controller.service.GetDownload(id)
	if err != nil {
		return gen.FromError(err)
	}

	activeID, _ := controller.service.ActiveDownloadID()
	return ec.JSON(http.StatusOK, NewDto(d, activeID))
}

// delete cancels the download, removing it and any temporary files
// regardless of its current state.
func (controller *Controller) delete(ec echo.Context) error {
	return controller.withID(ec, controller.service.Cancel)
}

func (controller *Controller) pause(ec echo.Context) error {
	return controller.withID(ec, controller.service.Pause)
}

func (controller *Controller) resume(ec echo.Context) error {
	return controller.withID(ec, controller.service.Resume)
}

func (controller *Controller) retry(ec echo.Context) error {
	return controller.withID(ec, controller.service.Retry)
}

func (controller *Controller) withID(ec echo.Context, action func(uuid.UUID) error) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Download ID is not a valid UUID")
	}

	if err := action(id); err != nil {
		return gen.FromError(err)
	}

	return ec.NoContent(http.StatusOK)
}


// NewDto creates a Dto using the Download model. activeID is the ID of the
// download currently occupying the active slot, if any.
func NewDto(d *download.Download, activeID uuid.UUID) *Dto {
	return &Dto{
		ID:                 d.ID,
		Title:              d.Title(),
		VideoURL:           d.VideoURL,
		ManifestURL:        d.ManifestURL,
		StreamType:         d.StreamType,
		PageURL:            d.PageURL,
		SourceDomain:       d.Domain(),
		Status:             d.Status.Name(),
		Progress:           d.Progress,
		SegmentsDownloaded: d.SegmentsDownloaded,
		SegmentsTotal:      d.SegmentsTotal,
		RetryCount:         d.RetryCount,
		ErrorMessage:       d.ErrorMessage,
		Retryable:          d.Retryable,
		Quality:            NewQualityDto(d.Quality),
		Active:             activeID != uuid.Nil && activeID == d.ID,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func NewQualityDto(q manifest.StreamQuality) QualityDto {
	return QualityDto{
		ID:         q.ID,
		Label:      q.Label(),
		Resolution: q.Resolution,
		Width:      q.Width,
		Height:     q.Height,
		Bandwidth:  q.Bandwidth,
		URL:        q.URL,
		Codecs:     q.Codecs,
		AudioGroup: q.AudioGroup,
	}
}

func qualityDtoToModel(q QualityDto) manifest.StreamQuality {
	return manifest.StreamQuality{
		ID:         q.ID,
		Resolution: q.Resolution,
		Width:      q.Width,
		Height:     q.Height,
		Bandwidth:  q.Bandwidth,
		URL:        q.URL,
		Codecs:     q.Codecs,
		AudioGroup: q.AudioGroup,
	}
}
