package api

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/download"
	"github.com/hbomb79/Siphon/internal/http/websocket"
	"github.com/hbomb79/Siphon/internal/library"
	"github.com/hbomb79/Siphon/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

type recordingSender struct {
	mu       sync.Mutex
	messages []*websocket.SocketMessage
}

func (s *recordingSender) Send(m *websocket.SocketMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

type stubService struct {
	downloads map[uuid.UUID]*download.Download
	activeID  uuid.UUID
}

func (s *stubService) Enqueue(download.EnqueueRequest) (*download.Download, error) {
	return nil, errors.New("unsupported")
}

func (s *stubService) GetDownload(id uuid.UUID) (*download.Download, error) {
	if d, ok := s.downloads[id]; ok {
		return d, nil
	}

	return nil, download.ErrDownloadNotFound
}

func (s *stubService) GetAllDownloads() ([]*download.Download, error) {
	out := make([]*download.Download, 0, len(s.downloads))
	for _, d := range s.downloads {
		out = append(out, d)
	}

	return out, nil
}

func (s *stubService) ActiveDownloadID() (uuid.UUID, bool) { return s.activeID, s.activeID != uuid.Nil }
func (s *stubService) Cancel(uuid.UUID) error             { return nil }
func (s *stubService) Pause(uuid.UUID) error              { return nil }
func (s *stubService) Resume(uuid.UUID) error             { return nil }
func (s *stubService) Retry(uuid.UUID) error              { return nil }

type stubVideoStore struct{ videos map[uuid.UUID]*library.Video }

func (s *stubVideoStore) GetVideo(id uuid.UUID) (*library.Video, error) {
	if v, ok := s.videos[id]; ok {
		return v, nil
	}

	return nil, library.ErrVideoNotFound
}

func (s *stubVideoStore) ListVideos(*uuid.UUID) ([]*library.Video, error) { return nil, nil }
func (s *stubVideoStore) DeleteVideo(uuid.UUID) error                     { return nil }
func (s *stubVideoStore) ListFolders() ([]*library.Folder, error)         { return nil, nil }

func Test_Broadcaster(t *testing.T) {
	d := &download.Download{ID: uuid.New(), VideoURL: "https://example.com/a.m3u8", Status: download.Downloading, Progress: 0.5, SegmentsDownloaded: 5, SegmentsTotal: 10}
	v := &library.Video{ID: uuid.New(), Title: "Clip"}
	sender := &recordingSender{}
	b := newBroadcaster(sender,
		&stubService{downloads: map[uuid.UUID]*download.Download{d.ID: d}, activeID: d.ID},
		&stubVideoStore{videos: map[uuid.UUID]*library.Video{v.ID: v}})

	require.NoError(t, b.BroadcastDownloadUpdate(d.ID))
	require.NoError(t, b.BroadcastDownloadProgressUpdate(d.ID))
	require.NoError(t, b.BroadcastVideoNew(v.ID))

	removed := uuid.New()
	require.NoError(t, b.BroadcastDownloadUpdate(removed), "updates for removed downloads become removals")
	assert.Error(t, b.BroadcastVideoNew(uuid.New()))

	require.Len(t, sender.messages, 4)
	assert.Equal(t, TITLE_DOWNLOAD_UPDATE, sender.messages[0].Title)
	update := sender.messages[0].Body["update"].(DownloadUpdate)
	assert.True(t, update.Download.Active)
	assert.Equal(t, "downloading", update.Download.Status)

	assert.Equal(t, TITLE_DOWNLOAD_PROGRESS, sender.messages[1].Title)
	progress := sender.messages[1].Body["update"].(DownloadProgressUpdate)
	assert.Equal(t, 5, progress.SegmentsDownloaded)
	assert.InDelta(t, 0.5, progress.Progress, 0.0001)

	assert.Equal(t, TITLE_VIDEO_NEW, sender.messages[2].Title)
	assert.Equal(t, TITLE_DOWNLOAD_REMOVED, sender.messages[3].Title)
	assert.Equal(t, removed, sender.messages[3].Body["update"].(DownloadUpdate).DownloadID)

	for _, m := range sender.messages {
		assert.Equal(t, websocket.Update, m.Type)
	}

	payload := b.connectionPayload()
	assert.Len(t, payload["downloads"], 1)
}
