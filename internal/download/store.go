package download

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Siphon/internal/database"
	"github.com/hbomb79/Siphon/internal/manifest"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type (
	// downloadModel is the row representation of a Download. The chosen
	// quality is stored as a JSONB column.
	downloadModel struct {
		Download
		Quality database.JsonColumn[manifest.StreamQuality] `db:"quality"`
	}

	Store struct{}
)

// Save inserts the download, or updates every mutable column if a
// download with the same ID already exists.
func (store *Store) Save(db database.Queryable, download *Download) error {
	model := downloadModel{Download: *download, Quality: database.NewJsonColumn(download.Quality)}
	_, err := db.NamedExec(`
		INSERT INTO downloads(
			id, video_url, manifest_url, stream_type, page_title, page_url, source_domain,
			status, progress, segments_downloaded, segments_total, retry_count, error_message,
			retryable, quality, encryption_key_url, created_at, updated_at
		) VALUES (
			:id, :video_url, :manifest_url, :stream_type, :page_title, :page_url, :source_domain,
			:status, :progress, :segments_downloaded, :segments_total, :retry_count, :error_message,
			:retryable, :quality, :encryption_key_url, :created_at, :updated_at
		)
		ON CONFLICT(id) DO UPDATE SET
			status=EXCLUDED.status,
			progress=EXCLUDED.progress,
			segments_downloaded=EXCLUDED.segments_downloaded,
			segments_total=EXCLUDED.segments_total,
			retry_count=EXCLUDED.retry_count,
			error_message=EXCLUDED.error_message,
			retryable=EXCLUDED.retryable,
			quality=EXCLUDED.quality,
			encryption_key_url=EXCLUDED.encryption_key_url,
			updated_at=EXCLUDED.updated_at
	`, model)
	if err != nil {
		return fmt.Errorf("failed to save download %s: %w", download.ID, err)
	}

	return nil
}

func (store *Store) Get(db database.Queryable, id uuid.UUID) (*Download, error) {
	query, args, err := selectDownloadBuilder().Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select download query: %w", err)
	}

	var model downloadModel
	if err := db.Get(&model, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadNotFound
		}

		return nil, err
	}

	return modelToDownload(&model), nil
}

// List returns every download in creation order.
func (store *Store) List(db database.Queryable) ([]*Download, error) {
	return store.selectMany(db, selectDownloadBuilder())
}

// ListByStatus returns all downloads with one of the statuses provided, in
// creation order.
func (store *Store) ListByStatus(db database.Queryable, statuses ...Status) ([]*Download, error) {
	return store.selectMany(db, selectDownloadBuilder().Where(squirrel.Eq{"status": statuses}))
}

// NextPending returns the oldest pending download, or nil if there are none.
func (store *Store) NextPending(db database.Queryable) (*Download, error) {
	query, args, err := selectDownloadBuilder().Where(squirrel.Eq{"status": Pending}).Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct next pending query: %w", err)
	}

	var model downloadModel
	if err := db.Get(&model, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return modelToDownload(&model), nil
}

// ResetActive moves every download in an active state back to pending, returning
// the number of downloads affected.
func (store *Store) ResetActive(db database.Queryable) (int, error) {
	query, args, err := psql.Update("downloads").
		Set("status", Pending).
		Set("progress", 0).
		Set("segments_downloaded", 0).
		Set("updated_at", squirrel.Expr("current_timestamp")).
		Where(squirrel.Eq{"status": []Status{Downloading, Muxing}}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to construct reset query: %w", err)
	}

	result, err := db.Exec(query, args...)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	return int(affected), err
}

func (store *Store) Delete(db database.Queryable, id uuid.UUID) error {
	_, err := db.Exec(`DELETE FROM downloads WHERE id=$1`, id)
	return err
}

func (store *Store) selectMany(db database.Queryable, builder squirrel.SelectBuilder) ([]*Download, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select downloads query: %w", err)
	}

	var models []downloadModel
	if err := db.Select(&models, query, args...); err != nil {
		return nil, err
	}

	output := make([]*Download, len(models))
	for k := range models {
		output[k] = modelToDownload(&models[k])
	}

	return output, nil
}

func selectDownloadBuilder() squirrel.SelectBuilder {
	return psql.Select("*").From("downloads").OrderBy("created_at ASC", "id ASC")
}

func modelToDownload(model *downloadModel) *Download {
	d := model.Download
	d.Quality = *model.Quality.Get()
	return &d
}
