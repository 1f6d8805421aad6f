package internal

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/database"
	"github.com/hbomb79/Siphon/internal/download"
	"github.com/hbomb79/Siphon/internal/library"
	"github.com/jmoiron/sqlx"
)

type (
	// storeOrchestrator is responsible for managing all of Siphon's resources,
	// especially where an operation spans more than one store. The stores below
	// this layer are 'dumb', and this store links them together and provides
	// the database instance.
	//
	// Consumers are welcome to access the stores directly, however stores have
	// no obligation to take care of relational data (which is the orchestrator's job).
	storeOrchestrator struct {
		db            database.Manager
		DownloadStore *download.Store
		LibraryStore  *library.Store
	}
)

func newStoreOrchestrator(db database.Manager) *storeOrchestrator {
	return &storeOrchestrator{
		db:            db,
		DownloadStore: &download.Store{},
		LibraryStore:  &library.Store{},
	}
}

func (orchestrator *storeOrchestrator) SaveDownload(d *download.Download) error {
	return orchestrator.DownloadStore.Save(orchestrator.db.GetSqlxDb(), d)
}

func (orchestrator *storeOrchestrator) GetDownload(id uuid.UUID) (*download.Download, error) {
	return orchestrator.DownloadStore.Get(orchestrator.db.GetSqlxDb(), id)
}

func (orchestrator *storeOrchestrator) GetAllDownloads() ([]*download.Download, error) {
	return orchestrator.DownloadStore.List(orchestrator.db.GetSqlxDb())
}

func (orchestrator *storeOrchestrator) GetDownloadsByStatus(statuses ...download.Status) ([]*download.Download, error) {
	return orchestrator.DownloadStore.ListByStatus(orchestrator.db.GetSqlxDb(), statuses...)
}

func (orchestrator *storeOrchestrator) NextPendingDownload() (*download.Download, error) {
	return orchestrator.DownloadStore.NextPending(orchestrator.db.GetSqlxDb())
}

func (orchestrator *storeOrchestrator) DeleteDownload(id uuid.UUID) error {
	return orchestrator.DownloadStore.Delete(orchestrator.db.GetSqlxDb(), id)
}

func (orchestrator *storeOrchestrator) ResetActiveDownloads() (int, error) {
	return orchestrator.DownloadStore.ResetActive(orchestrator.db.GetSqlxDb())
}

// CompleteDownload transactionally records the video produced by a download,
// placing it inside the named folder (created if needed) when a folder name
// is provided, and removes the download itself. Either all of these changes
// are applied, or none are.
func (orchestrator *storeOrchestrator) CompleteDownload(downloadID uuid.UUID, video *library.Video, folderName string) error {
	videoID := video.ID
	folderID := video.FolderID

	if err := orchestrator.db.WrapTx(func(tx *sqlx.Tx) error {
		if folderName != "" {
			folder, err := orchestrator.LibraryStore.GetOrCreateFolder(tx, folderName, true)
			if err != nil {
				return err
			}
			video.FolderID = &folder.ID
		}

		if err := orchestrator.LibraryStore.SaveVideo(tx, video); err != nil {
			return err
		}

		return orchestrator.DownloadStore.Delete(tx, downloadID)
	}); err != nil {
		video.ID = videoID
		video.FolderID = folderID
		return fmt.Errorf("failed to complete download %s: %w", downloadID, err)
	}

	return nil
}

func (orchestrator *storeOrchestrator) GetVideo(id uuid.UUID) (*library.Video, error) {
	return orchestrator.LibraryStore.GetVideo(orchestrator.db.GetSqlxDb(), id)
}

func (orchestrator *storeOrchestrator) ListVideos(folderID *uuid.UUID) ([]*library.Video, error) {
	return orchestrator.LibraryStore.ListVideos(orchestrator.db.GetSqlxDb(), folderID)
}

func (orchestrator *storeOrchestrator) DeleteVideo(id uuid.UUID) error {
	return orchestrator.LibraryStore.DeleteVideo(orchestrator.db.GetSqlxDb(), id)
}

func (orchestrator *storeOrchestrator) ListFolders() ([]*library.Folder, error) {
	return orchestrator.LibraryStore.ListFolders(orchestrator.db.GetSqlxDb())
}
