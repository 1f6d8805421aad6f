package gen

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hbomb79/Siphon/internal/download"
	"github.com/hbomb79/Siphon/internal/library"
	"github.com/hbomb79/Siphon/internal/manifest"
	"github.com/hbomb79/Siphon/pkg/logger"
	"github.com/labstack/echo/v4"
)

// APIError is the JSON error body returned by every route. Routes return
// one (usually via FromError) and the error handler renders it.
type APIError struct {
	// Human readable error display message
	Message string `json:"message"`

	// A machine readable and stable identifier for the error case, e.g. DOWNLOAD_NOT_FOUND
	Code string `json:"code"`

	// HTTP response status, defaulting to 500
	Status int `json:"-"`

	// Logged by the error handler, never sent to the client
	InternalMessage string `json:"-"`
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// errorMappings lists the domain errors which are safe to expose to clients.
// An empty message means the error's own text is used.
var errorMappings = []errorMapping{
	{target: download.ErrDownloadNotFound, status: http.StatusNotFound, code: "DOWNLOAD_NOT_FOUND", message: "Download not found"},
	{target: download.ErrIllegalTransition, status: http.StatusConflict, code: "ILLEGAL_TRANSITION"},
	{target: download.ErrInvalidCandidate, status: http.StatusBadRequest, code: "INVALID_CANDIDATE"},
	{target: library.ErrVideoNotFound, status: http.StatusNotFound, code: "VIDEO_NOT_FOUND", message: "Video not found"},
	{target: manifest.ErrNetwork, status: http.StatusBadGateway, code: "MANIFEST_UNREACHABLE"},
	{target: manifest.ErrMalformed, status: http.StatusUnprocessableEntity, code: "MANIFEST_INVALID"},
	{target: manifest.ErrUnsupported, status: http.StatusUnprocessableEntity, code: "MANIFEST_INVALID"},
}

// Error satisifies the Go error interface and simply exposes the
// message contained by this APIError.
func (err APIError) Error() string {
	return fmt.Sprintf("api error: %s", err.Message)
}

// FromError converts an error returned by one of the services in to an
// APIError. Errors which are not recognised become an opaque 500, with
// the original error retained for logging only.
func FromError(err error) APIError {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	for _, mapping := range errorMappings {
		if !errors.Is(err, mapping.target) {
			continue
		}

		message := mapping.message
		if message == "" {
			message = err.Error()
		}
		return APIError{Status: mapping.status, Code: mapping.code, Message: message}
	}

	return APIError{Status: http.StatusInternalServerError, InternalMessage: err.Error()}
}

// GetHTTPErrorHandler returns an echo HTTP error handler
// which understands how to interpret APIError. If an error is
// provided which is not recognized, it will be passed off to the
// fallback HTTP handler provided.
func GetHTTPErrorHandler(fallbackHandler echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	logger := logger.Get("API")
	return func(err error, ctx echo.Context) {
		var apiErr APIError
		if ok := errors.As(err, &apiErr); ok {
			if apiErr.Status == 0 {
				apiErr.Status = http.StatusInternalServerError
			}
			if len(apiErr.Message) == 0 {
				apiErr.Message = http.StatusText(apiErr.Status)
			}
			if len(apiErr.Code) == 0 {
				apiErr.Code = http.StatusText(apiErr.Status)
			}
			if len(apiErr.InternalMessage) > 0 {
				logger.Errorf("Request failure, internal error: %s\n", apiErr.InternalMessage)
			}

			if err := ctx.JSON(apiErr.Status, apiErr); err == nil {
				return
			}
		}

		// Echo's own errors (bad bindings, unknown routes) are not APIErrors
		logger.Debugf(
			"%s request to %s failed with a non-API error, using default HTTP error handling\n",
			ctx.Request().Method, ctx.Request().RequestURI,
		)
		fallbackHandler(err, ctx)
	}
}
