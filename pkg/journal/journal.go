// Package journal persists recovery-run records to SQLite. The tool holds
// no state between invocations; the journal exists purely for operator
// follow-up, most importantly after a run aborts mid-sequence.
package journal

import (
	"database/sql"
	"log/slog"

	"github.com/opsstack/reconstitute/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for recovery runs.
type Repository struct {
	db *sql.DB
}

// NewRepository opens the journal database and ensures its schema.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("journal_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("journal_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open journal database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("journal_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create journal schema")
	}

	slog.Info("journal_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateRun inserts a new run record and fills in its id.
func (r *Repository) CreateRun(run *Run) error {
	slog.Info("journal_create_run", "search_tag", run.SearchTag, "search_value", run.SearchValue)

	query := `
		INSERT INTO runs (search_tag, search_value, build_zone, instance_id, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		run.SearchTag, run.SearchValue, run.BuildZone,
		run.InstanceID, run.Status, run.ErrorMessage)
	if err != nil {
		slog.Error("journal_insert_failed", "search_value", run.SearchValue, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	run.ID = id

	slog.Info("journal_run_created", "run_id", run.ID, "search_value", run.SearchValue)
	return nil
}

// UpdateRun updates a run's mutable fields (instance id, zone, status, error).
func (r *Repository) UpdateRun(run *Run) error {
	slog.Info("journal_update_run", "run_id", run.ID, "status", run.Status)

	query := `
		UPDATE runs
		SET build_zone = ?, instance_id = ?, status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	_, err := r.db.Exec(query, run.BuildZone, run.InstanceID, run.Status, run.ErrorMessage, run.ID)
	if err != nil {
		slog.Error("journal_update_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update run")
	}
	return nil
}

// AddVolume records one volume created during a run.
func (r *Repository) AddVolume(vol *RunVolume) error {
	query := `
		INSERT INTO run_volumes (run_id, volume_id, snapshot_id, device)
		VALUES (?, ?, ?, ?)
	`
	result, err := r.db.Exec(query, vol.RunID, vol.VolumeID, vol.SnapshotID, vol.Device)
	if err != nil {
		slog.Error("journal_volume_insert_failed", "run_id", vol.RunID, "volume_id", vol.VolumeID, "error", err)
		return errors.Wrap(err, "failed to insert run volume")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	vol.ID = id

	slog.Info("journal_volume_recorded", "run_id", vol.RunID, "volume_id", vol.VolumeID, "device", vol.Device)
	return nil
}

// ListRuns retrieves all runs, newest first.
func (r *Repository) ListRuns() ([]*Run, error) {
	query := `
		SELECT id, search_tag, search_value, build_zone, instance_id, status, error_message, created_at, updated_at
		FROM runs ORDER BY created_at DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("journal_list_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var run Run
		var buildZone, instanceID, errorMessage sql.NullString

		err := rows.Scan(
			&run.ID, &run.SearchTag, &run.SearchValue,
			&buildZone, &instanceID, &run.Status, &errorMessage,
			&run.CreatedAt, &run.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run row")
		}

		run.BuildZone = buildZone.String
		run.InstanceID = instanceID.String
		run.ErrorMessage = errorMessage.String
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("journal_list_complete", "run_count", len(runs))
	return runs, nil
}

// VolumesForRun retrieves the volumes recorded for one run.
func (r *Repository) VolumesForRun(runID int64) ([]*RunVolume, error) {
	query := `
		SELECT id, run_id, volume_id, snapshot_id, device, created_at
		FROM run_volumes WHERE run_id = ? ORDER BY id
	`
	rows, err := r.db.Query(query, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query run volumes")
	}
	defer rows.Close()

	var volumes []*RunVolume
	for rows.Next() {
		var vol RunVolume
		if err := rows.Scan(&vol.ID, &vol.RunID, &vol.VolumeID, &vol.SnapshotID, &vol.Device, &vol.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan volume row")
		}
		volumes = append(volumes, &vol)
	}

	return volumes, rows.Err()
}
