package journal

// Schema defines the SQLite schema for the recovery-run journal. Every run
// and every volume it creates are recorded so operators can locate
// partially-provisioned resources after an aborted run.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    search_tag TEXT NOT NULL,
    search_value TEXT NOT NULL,
    build_zone TEXT,
    instance_id TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'recovering', 'recovered', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_search_value ON runs(search_value);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS run_volumes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES runs(id),
    volume_id TEXT NOT NULL,
    snapshot_id TEXT NOT NULL,
    device TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_run_volumes_run_id ON run_volumes(run_id);
`

// Run status constants
const (
	StatusPending    = "pending"
	StatusRecovering = "recovering"
	StatusRecovered  = "recovered"
	StatusFailed     = "failed"
)

// Run represents one recovery invocation.
type Run struct {
	ID           int64
	SearchTag    string
	SearchValue  string
	BuildZone    string
	InstanceID   string
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// RunVolume records one volume created during a run.
type RunVolume struct {
	ID         int64
	RunID      int64
	VolumeID   string
	SnapshotID string
	Device     string
	CreatedAt  string
}
