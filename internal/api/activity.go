package api

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/api/downloads"
	"github.com/hbomb79/Siphon/internal/api/util"
	"github.com/hbomb79/Siphon/internal/api/videos"
	"github.com/hbomb79/Siphon/internal/download"
	"github.com/hbomb79/Siphon/internal/http/websocket"
)

const (
	TITLE_DOWNLOAD_UPDATE   = "DOWNLOAD_UPDATE"
	TITLE_DOWNLOAD_PROGRESS = "DOWNLOAD_PROGRESS"
	TITLE_DOWNLOAD_REMOVED  = "DOWNLOAD_REMOVED"
	TITLE_VIDEO_NEW         = "VIDEO_NEW"
)

type (
	DownloadUpdate struct {
		DownloadID uuid.UUID      `json:"download_id"`
		Download   *downloads.Dto `json:"download"`
	}

	DownloadProgressUpdate struct {
		DownloadID         uuid.UUID `json:"download_id"`
		Progress           float64   `json:"progress"`
		SegmentsDownloaded int       `json:"segments_downloaded"`
		SegmentsTotal      int       `json:"segments_total"`
	}

	VideoUpdate struct {
		VideoID uuid.UUID   `json:"video_id"`
		Video   *videos.Dto `json:"video"`
	}

	socketSender interface {
		Send(*websocket.SocketMessage)
	}

	// broadcaster pushes updates about resources to all connected websocket
	// clients. Each broadcast looks up the latest state of the resource.
	broadcaster struct {
		socketHub       socketSender
		downloadService downloads.Service
		videoStore      videos.Store
	}
)

func newBroadcaster(socketHub socketSender, downloadService downloads.Service, videoStore videos.Store) *broadcaster {
	return &broadcaster{socketHub, downloadService, videoStore}
}

// BroadcastDownloadUpdate sends the full state of the download. If the
// download no longer exists then a removal is broadcast instead.
func (hub *broadcaster) BroadcastDownloadUpdate(id uuid.UUID) error {
	d, err := hub.downloadService.GetDownload(id)
	if err != nil {
		if errors.Is(err, download.ErrDownloadNotFound) {
			return hub.BroadcastDownloadRemoved(id)
		}

		return fmt.Errorf("failed to broadcast update for download %s: %w", id, err)
	}

	activeID, _ := hub.downloadService.ActiveDownloadID()
	hub.broadcast(TITLE_DOWNLOAD_UPDATE, DownloadUpdate{DownloadID: id, Download: downloads.NewDto(d, activeID)})
	return nil
}

func (hub *broadcaster) BroadcastDownloadProgressUpdate(id uuid.UUID) error {
	d, err := hub.downloadService.GetDownload(id)
	if err != nil {
		if errors.Is(err, download.ErrDownloadNotFound) {
			return nil
		}

		return fmt.Errorf("failed to broadcast progress for download %s: %w", id, err)
	}

	hub.broadcast(TITLE_DOWNLOAD_PROGRESS, DownloadProgressUpdate{
		DownloadID:         id,
		Progress:           d.Progress,
		SegmentsDownloaded: d.SegmentsDownloaded,
		SegmentsTotal:      d.SegmentsTotal,
	})
	return nil
}

func (hub *broadcaster) BroadcastDownloadRemoved(id uuid.UUID) error {
	hub.broadcast(TITLE_DOWNLOAD_REMOVED, DownloadUpdate{DownloadID: id})
	return nil
}

func (hub *broadcaster) BroadcastVideoNew(id uuid.UUID) error {
	video, err := hub.videoStore.GetVideo(id)
	if err != nil {
		return fmt.Errorf("failed to broadcast new video %s: %w", id, err)
	}

	hub.broadcast(TITLE_VIDEO_NEW, VideoUpdate{VideoID: id, Video: videos.NewDto(video)})
	return nil
}

// connectionPayload is sent to each newly connected client, and describes
// the current state of the download queue.
func (hub *broadcaster) connectionPayload() map[string]any {
	all, err := hub.downloadService.GetAllDownloads()
	if err != nil {
		log.Errorf("Failed to build websocket connection payload: %v\n", err)
		return map[string]any{"downloads": []*downloads.Dto{}}
	}

	activeID, _ := hub.downloadService.ActiveDownloadID()
	return map[string]any{
		"downloads": util.ApplyConversion(all, func(d *download.Download) *downloads.Dto { return downloads.NewDto(d, activeID) }),
	}
}

func (hub *broadcaster) broadcast(title string, update any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  map[string]any{"update": update},
		Type:  websocket.Update,
	})
}
