// Package library holds the terminal artifacts of the download pipeline: the
// videos which have been acquired, and the folders used to organise them.
package library

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrVideoNotFound  = errors.New("video does not exist")
	ErrFolderNotFound = errors.New("folder does not exist")
)

type (
	Video struct {
		ID              uuid.UUID  `db:"id"`
		Title           string     `db:"title"`
		SourceURL       string     `db:"source_url"`
		SourceDomain    string     `db:"source_domain"`
		FilePath        string     `db:"file_path"`
		DurationSeconds *float64   `db:"duration_seconds"`
		FileSize        int64      `db:"file_size"`
		QualityLabel    string     `db:"quality_label"`
		FolderID        *uuid.UUID `db:"folder_id"`
		CreatedAt       time.Time  `db:"created_at"`
	}

	// Folder groups videos. Auto-generated folders are created by the
	// download pipeline, one per source domain.
	Folder struct {
		ID            uuid.UUID `db:"id"`
		Name          string    `db:"name"`
		AutoGenerated bool      `db:"auto_generated"`
		CreatedAt     time.Time `db:"created_at"`
	}
)
