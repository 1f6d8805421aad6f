package library

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/database"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type Store struct{}

func (store *Store) SaveVideo(db database.Queryable, video *Video) error {
	if video.ID == uuid.Nil {
		video.ID = uuid.New()
	}
	if video.CreatedAt.IsZero() {
		video.CreatedAt = time.Now()
	}

	_, err := db.NamedExec(`
		INSERT INTO videos(id, title, source_url, source_domain, file_path, duration_seconds, file_size, quality_label, folder_id, created_at)
		VALUES (:id, :title, :source_url, :source_domain, :file_path, :duration_seconds, :file_size, :quality_label, :folder_id, :created_at)
		ON CONFLICT(id) DO UPDATE SET
			title=EXCLUDED.title,
			file_path=EXCLUDED.file_path,
			folder_id=EXCLUDED.folder_id
	`, video)
	if err != nil {
		return fmt.Errorf("failed to save video %s: %w", video.ID, err)
	}

	return nil
}

func (store *Store) GetVideo(db database.Queryable, id uuid.UUID) (*Video, error) {
	query, args, err := psql.Select("*").From("videos").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select video query: %w", err)
	}

	var video Video
	if err := db.Get(&video, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVideoNotFound
		}

		return nil, err
	}

	return &video, nil
}

// ListVideos returns all videos, newest first. If folderID is non-nil,
// only the videos in that folder are returned.
func (store *Store) ListVideos(db database.Queryable, folderID *uuid.UUID) ([]*Video, error) {
	builder := psql.Select("*").From("videos").OrderBy("created_at DESC")
	if folderID != nil {
		builder = builder.Where(squirrel.Eq{"folder_id": *folderID})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list videos query: %w", err)
	}

	var videos []*Video
	if err := db.Select(&videos, query, args...); err != nil {
		return nil, err
	}

	return videos, nil
}

func (store *Store) DeleteVideo(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM videos WHERE id=$1`, id)
	return err
}

// GetOrCreateFolder returns the folder with the name provided, creating it if
// it does not already exist. Calling this repeatedly with the same name always
// yields the same folder.
func (store *Store) GetOrCreateFolder(db database.Queryable, name string, autoGenerated bool) (*Folder, error) {
	if name == "" {
		return nil, errors.New("folder name must not be empty")
	}

	var folder Folder
	err := db.Get(&folder, `
		INSERT INTO folders(id, name, auto_generated, created_at)
		VALUES ($1, $2, $3, current_timestamp)
		ON CONFLICT(name) DO UPDATE SET name=EXCLUDED.name
		RETURNING *
	`, uuid.New(), name, autoGenerated)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create folder %q: %w", name, err)
	}

	return &folder, nil
}

func (store *Store) ListFolders(db database.Queryable) ([]*Folder, error) {
	query, args, err := psql.Select("*").From("folders").OrderBy("name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list folders query: %w", err)
	}

	var folders []*Folder
	if err := db.Select(&folders, query, args...); err != nil {
		return nil, err
	}

	return folders, nil
}
