package manifests

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Siphon/internal/api/downloads"
	"github.com/hbomb79/Siphon/internal/api/gen"
	"github.com/hbomb79/Siphon/internal/api/util"
	"github.com/hbomb79/Siphon/internal/manifest"
	"github.com/labstack/echo/v4"
)

type (
	ProbeRequest struct {
		URL          string `json:"url" validate:"required,http_url"`
		SourceDomain string `json:"source_domain" validate:"omitempty,hostname"`
	}

	// ProbeDto describes a parsed manifest, allowing a client to choose a
	// quality before a download is enqueued.
	ProbeDto struct {
		Format         string                 `json:"format"`
		IsMaster       bool                   `json:"is_master"`
		IsLive         bool                   `json:"is_live"`
		IsDRMProtected bool                   `json:"is_drm_protected"`
		HasSubtitles   bool                   `json:"has_subtitles"`
		TotalDuration  *float64               `json:"total_duration"`
		SegmentCount   int                    `json:"segment_count"`
		Encrypted      bool                   `json:"encrypted"`
		Qualities      []downloads.QualityDto `json:"qualities"`
		AudioTracks    []manifest.AudioTrack  `json:"audio_tracks"`
	}

	Prober interface {
		Probe(ctx context.Context, manifestURL string, domain string) (*manifest.ParsedManifest, error)
	}

	Controller struct {
		validate *validator.Validate
		prober   Prober
	}
)

func New(validate *validator.Validate, prober Prober) *Controller {
	return &Controller{validate: validate, prober: prober}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/probe/", controller.probe)
}

// probe fetches and parses the manifest provided, returning the qualities
// and characteristics found.
func (controller *Controller) probe(ec echo.Context) error {
	var request ProbeRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body failed validation: %v", err))
	}

	parsed, err := controller.prober.Probe(ec.Request().Context(), request.URL, request.SourceDomain)
	if err != nil {
		return gen.FromError(err)
	}

	return ec.JSON(http.StatusOK, NewProbeDto(parsed))
}

func NewProbeDto(parsed *manifest.ParsedManifest) *ProbeDto {
	format := "hls"
	if parsed.Format == manifest.FormatDASH {
		format = "dash"
	}

	audio := parsed.AudioTracks
	if audio == nil {
		audio = []manifest.AudioTrack{}
	}

	return &ProbeDto{
		Format:         format,
		IsMaster:       parsed.IsMaster,
		IsLive:         parsed.IsLive,
		IsDRMProtected: parsed.IsDRMProtected,
		HasSubtitles:   parsed.HasSubtitles,
		TotalDuration:  parsed.TotalDuration,
		SegmentCount:   len(parsed.Segments),
		Encrypted:      parsed.EncryptionKeyURL != "",
		Qualities:      util.ApplyConversion(parsed.Qualities, downloads.NewQualityDto),
		AudioTracks:    audio,
	}
}
