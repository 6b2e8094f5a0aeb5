package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/vmops/ovfdeploy/pkg/errors"
)

// Repository provides database operations for deployments and downloads
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Hooks may record state from several goroutines.
	db.SetMaxOpenConns(1)

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const deploymentColumns = `id, vm_name, template, status, lease, error_kind, error_message,
		       total_bytes, transferred_bytes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (*Deployment, error) {
	var d Deployment
	var lease, errorKind, errorMessage sql.NullString

	err := s.Scan(
		&d.ID, &d.VMName, &d.Template, &d.Status, &lease, &errorKind, &errorMessage,
		&d.TotalBytes, &d.TransferredBytes, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d.Lease = lease.String
	d.ErrorKind = errorKind.String
	d.ErrorMessage = errorMessage.String
	return &d, nil
}

// Create inserts a new deployment record
func (r *Repository) Create(d *Deployment) error {
	slog.Info("database_create_deployment", "id", d.ID, "vm_name", d.VMName, "status", d.Status)

	query := `
		INSERT INTO deployments (id, vm_name, template, status, lease, error_kind, error_message, total_bytes, transferred_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		d.ID, d.VMName, d.Template, d.Status,
		d.Lease, d.ErrorKind, d.ErrorMessage, d.TotalBytes, d.TransferredBytes)
	if err != nil {
		slog.Error("database_insert_failed", "id", d.ID, "error", err)
		return errors.Wrap(err, "failed to insert deployment")
	}

	slog.Info("database_deployment_created", "id", d.ID, "status", d.Status)
	return nil
}

// Get retrieves a deployment by ID
func (r *Repository) Get(id string) (*Deployment, error) {
	slog.Debug("database_query_deployment", "id", id)

	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`
	d, err := scanDeployment(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		slog.Info("database_deployment_not_found", "id", id)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query deployment")
	}

	return d, nil
}

// UpdateStatus updates the status and error fields
func (r *Repository) UpdateStatus(id, status, errorKind, errorMessage string) error {
	slog.Info("database_update_status", "id", id, "status", status)

	query := `UPDATE deployments SET status = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	result, err := r.db.Exec(query, status, errorKind, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_deployment_not_found_for_update", "id", id)
		return fmt.Errorf("deployment not found: id=%s", id)
	}

	return nil
}

// UpdateLease records the lease of a deployment
func (r *Repository) UpdateLease(id, lease string) error {
	query := `UPDATE deployments SET lease = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, lease, id); err != nil {
		slog.Error("database_lease_update_failed", "id", id, "error", err)
		return errors.Wrap(err, "failed to update lease")
	}
	return nil
}

// UpdateProgress records byte counts of a deployment
func (r *Repository) UpdateProgress(id string, total, transferred int64) error {
	query := `UPDATE deployments SET total_bytes = ?, transferred_bytes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, total, transferred, id); err != nil {
		slog.Error("database_progress_update_failed", "id", id, "error", err)
		return errors.Wrap(err, "failed to update progress")
	}
	return nil
}

// List retrieves all deployments, newest first
func (r *Repository) List() ([]*Deployment, error) {
	slog.Debug("database_list_deployments")

	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY created_at DESC, id`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list deployments")
	}
	defer rows.Close()

	var deployments []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "deployment_count", len(deployments))
	return deployments, nil
}

// Delete deletes a deployment by ID
func (r *Repository) Delete(id string) error {
	slog.Info("database_delete_deployment", "id", id)

	if _, err := r.db.Exec(`DELETE FROM deployments WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "id", id, "error", err)
		return errors.Wrap(err, "failed to delete deployment")
	}
	return nil
}

// GetDownload retrieves a cached download by URI
func (r *Repository) GetDownload(uri string) (*Download, error) {
	query := `SELECT id, uri, local_path, sha256, etag, size, created_at FROM downloads WHERE uri = ?`

	var d Download
	var etag sql.NullString
	err := r.db.QueryRow(query, uri).Scan(&d.ID, &d.URI, &d.LocalPath, &d.SHA256, &etag, &d.Size, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_download_failed", "uri", uri, "error", err)
		return nil, errors.Wrap(err, "failed to query download")
	}
	d.ETag = etag.String
	return &d, nil
}

// SaveDownload inserts or replaces the cached download for d.URI
func (r *Repository) SaveDownload(d *Download) error {
	slog.Info("database_save_download", "uri", d.URI, "local_path", d.LocalPath, "size", d.Size)

	query := `
		INSERT INTO downloads (uri, local_path, sha256, etag, size) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uri) DO UPDATE SET local_path = excluded.local_path, sha256 = excluded.sha256,
		    etag = excluded.etag, size = excluded.size, created_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Exec(query, d.URI, d.LocalPath, d.SHA256, d.ETag, d.Size); err != nil {
		slog.Error("database_save_download_failed", "uri", d.URI, "error", err)
		return errors.Wrap(err, "failed to save download")
	}

	saved, err := r.GetDownload(d.URI)
	if err != nil {
		return err
	}
	if saved != nil {
		d.ID = saved.ID
		d.CreatedAt = saved.CreatedAt
	}
	return nil
}

// ListDownloads retrieves all cached downloads
func (r *Repository) ListDownloads() ([]*Download, error) {
	rows, err := r.db.Query(`SELECT id, uri, local_path, sha256, etag, size, created_at FROM downloads ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list downloads")
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		var d Download
		var etag sql.NullString
		if err := rows.Scan(&d.ID, &d.URI, &d.LocalPath, &d.SHA256, &etag, &d.Size, &d.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		d.ETag = etag.String
		downloads = append(downloads, &d)
	}
	return downloads, errors.Wrap(rows.Err(), "rows error")
}

// DeleteDownload deletes a cached download record by ID
func (r *Repository) DeleteDownload(id int64) error {
	if _, err := r.db.Exec(`DELETE FROM downloads WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_download_failed", "id", id, "error", err)
		return errors.Wrap(err, "failed to delete download")
	}
	return nil
}
