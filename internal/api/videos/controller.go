package videos

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/api/gen"
	"github.com/hbomb79/Siphon/internal/api/util"
	"github.com/hbomb79/Siphon/internal/library"
	"github.com/hbomb79/Siphon/pkg/logger"
	"github.com/labstack/echo/v4"
)

var log = logger.Get("VideosController")

type (
	Dto struct {
		ID              uuid.UUID  `json:"id"`
		Title           string     `json:"title"`
		SourceURL       string     `json:"source_url"`
		SourceDomain    string     `json:"source_domain"`
		FilePath        string     `json:"file_path"`
		DurationSeconds *float64   `json:"duration_seconds"`
		FileSize        int64      `json:"file_size"`
		QualityLabel    string     `json:"quality_label"`
		FolderID        *uuid.UUID `json:"folder_id"`
		CreatedAt       time.Time  `json:"created_at"`
	}

	FolderDto struct {
		ID            uuid.UUID `json:"id"`
		Name          string    `json:"name"`
		AutoGenerated bool      `json:"auto_generated"`
		CreatedAt     time.Time `json:"created_at"`
	}

	Store interface {
		GetVideo(uuid.UUID) (*library.Video, error)
		ListVideos(folderID *uuid.UUID) ([]*library.Video, error)
		DeleteVideo(uuid.UUID) error
		ListFolders() ([]*library.Folder, error)
	}

	// Controller exposes the videos which have been acquired by Siphon.
	Controller struct{ store Store }

	// FolderController exposes the folders used to organise videos.
	FolderController struct{ store Store }
)

func New(store Store) *Controller { return &Controller{store: store} }

func NewFolderController(store Store) *FolderController { return &FolderController{store: store} }

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.DELETE("/:id/", controller.delete)
}

func (controller *FolderController) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/videos/", controller.listVideos)
}

// list returns all videos, optionally filtered to a single folder using the
// 'folder_id' query param.
func (controller *Controller) list(ec echo.Context) error {
	var folderID *uuid.UUID
	if raw := ec.QueryParam("folder_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "folder_id is not a valid UUID")
		}
		folderID = &id
	}

	return respondWithVideos(ec, controller.store, folderID)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Video ID is not a valid UUID")
	}

	video, err := controller.store.GetVideo(id)
	if err != nil {
		return gen.FromError(err)
	}

	return ec.JSON(http.StatusOK, NewDto(video))
}

// delete removes the video record, as well as the file on disk. A file
// which has already been removed is not considered an error.
func (controller *Controller) delete(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Video ID is not a valid UUID")
	}

	video, err := controller.store.GetVideo(id)
	if err != nil {
		return gen.FromError(err)
	}

	if err := os.Remove(video.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return gen.FromError(err)
	}
	if err := controller.store.DeleteVideo(id); err != nil {
		return gen.FromError(err)
	}

	log.Emit(logger.REMOVE, "Deleted video %s (%s)\n", video.ID, video.FilePath)
	return ec.NoContent(http.StatusOK)
}

func (controller *FolderController) list(ec echo.Context) error {
	folders, err := controller.store.ListFolders()
	if err != nil {
		return gen.FromError(err)
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(folders, NewFolderDto))
}

func (controller *FolderController) listVideos(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Folder ID is not a valid UUID")
	}

	return respondWithVideos(ec, controller.store, &id)
}

func respondWithVideos(ec echo.Context, store Store, folderID *uuid.UUID) error {
	videos, err := store.ListVideos(folderID)
	if err != nil {
		return gen.FromError(err)
	}

	return ec.JSON(http.StatusOK, util.ApplyConversion(videos, NewDto))
}


func NewDto(video *library.Video) *Dto {
	return &Dto{
		ID:              video.ID,
		Title:           video.Title,
		SourceURL:       video.SourceURL,
		SourceDomain:    video.SourceDomain,
		FilePath:        video.FilePath,
		DurationSeconds: video.DurationSeconds,
		FileSize:        video.FileSize,
		QualityLabel:    video.QualityLabel,
		FolderID:        video.FolderID,
		CreatedAt:       video.CreatedAt,
	}
}

func NewFolderDto(folder *library.Folder) *FolderDto {
	return &FolderDto{ID: folder.ID, Name: folder.Name, AutoGenerated: folder.AutoGenerated, CreatedAt: folder.CreatedAt}
}
