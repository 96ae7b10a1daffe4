// Package store persists download state durably in SQLite, per spec.md
// section 4.5: resumable progress, completed chunk records, and a
// verified-file index all survive a process restart.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coldforge/vaultcore/internal/vaulterr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps a single SQLite connection. SQLite only tolerates one
// writer at a time, so all access is serialized through mu rather than
// relying on the driver's own locking, matching the connection-mutex
// shape the teacher uses for its JSON store.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and brings
// its schema up to the latest migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, "store.Open", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.migrateUp", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.migrateUp", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.migrateUp", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return vaulterr.New(vaulterr.Fatal, "store.migrateUp", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DownloadState is the durable snapshot of one in-progress or completed
// download, keyed by download ID.
type DownloadState struct {
	ID               string
	GameID           string
	Slug             string
	Status           string
	InstallDir       string
	ManifestJSON     string
	CheckpointValid  bool
	UpdatedAt        int64
}

// SaveDownloadState upserts a download's state snapshot.
func (s *Store) SaveDownloadState(state DownloadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO download_states (id, game_id, slug, status, install_dir, manifest_json, checkpoint_valid, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   game_id=excluded.game_id, slug=excluded.slug, status=excluded.status,
		   install_dir=excluded.install_dir, manifest_json=excluded.manifest_json,
		   checkpoint_valid=excluded.checkpoint_valid, updated_at=excluded.updated_at`,
		state.ID, state.GameID, state.Slug, state.Status, state.InstallDir,
		state.ManifestJSON, boolToInt(state.CheckpointValid), state.UpdatedAt,
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.SaveDownloadState", err)
	}
	return nil
}

// GetDownloadState returns the saved state for downloadID, if any.
func (s *Store) GetDownloadState(downloadID string) (DownloadState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st DownloadState
	var checkpointValid int
	err := s.db.QueryRow(
		`SELECT id, game_id, slug, status, install_dir, manifest_json, checkpoint_valid, updated_at
		 FROM download_states WHERE id = ?`, downloadID,
	).Scan(&st.ID, &st.GameID, &st.Slug, &st.Status, &st.InstallDir, &st.ManifestJSON, &checkpointValid, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return DownloadState{}, false, nil
	}
	if err != nil {
		return DownloadState{}, false, vaulterr.New(vaulterr.Fatal, "store.GetDownloadState", err)
	}
	st.CheckpointValid = checkpointValid != 0
	return st, true, nil
}

// UpdateDownloadStatus transitions a download's recorded status without
// rewriting its full state.
func (s *Store) UpdateDownloadStatus(downloadID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE download_states SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().Unix(), downloadID,
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.UpdateDownloadStatus", err)
	}
	return nil
}

// InvalidateCheckpoint clears a download's checkpoint_valid flag. The
// session does not read this flag: its preflight scan uses the file
// index regardless, and each run saves the state with the flag set
// back to true.
func (s *Store) InvalidateCheckpoint(downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE download_states SET checkpoint_valid = 0, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), downloadID,
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.InvalidateCheckpoint", err)
	}
	return nil
}

// ClearDownloadState removes a download's state entirely (used once a
// download is finalized and no longer needs resumption).
func (s *Store) ClearDownloadState(downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM download_states WHERE id = ?`, downloadID)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.ClearDownloadState", err)
	}
	_, err = s.db.Exec(`DELETE FROM downloads WHERE id = ?`, downloadID)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.ClearDownloadState", err)
	}
	return nil
}

// DownloadChunk records one chunk's completion state for a download.
type DownloadChunk struct {
	DownloadID string
	FileID     string
	ChunkIndex int
	Hash       string
	Size       int64
	Status     string
	UpdatedAt  int64
}

// DownloadProgress is a point-in-time snapshot of a download's transfer
// rate and completion, persisted so a progress UI or `status` query can
// read it back without the session process running, per spec.md section
// 4.10 step 9.
type DownloadProgress struct {
	ID              string
	GameID          string
	Status          string
	Progress        float64
	DownloadedBytes int64
	TotalBytes      int64
	NetworkBPS      int64
	DiskWriteBPS    int64
	ETASeconds      int64
	UpdatedAt       int64
}

// UpsertDownloadProgress records the latest progress snapshot for a
// download, creating its row on first report.
func (s *Store) UpsertDownloadProgress(p DownloadProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO downloads (id, game_id, status, progress, downloaded_bytes, total_bytes, network_bps, disk_write_bps, eta_seconds, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   game_id=excluded.game_id, status=excluded.status, progress=excluded.progress,
		   downloaded_bytes=excluded.downloaded_bytes, total_bytes=excluded.total_bytes,
		   network_bps=excluded.network_bps, disk_write_bps=excluded.disk_write_bps,
		   eta_seconds=excluded.eta_seconds, updated_at=excluded.updated_at`,
		p.ID, p.GameID, p.Status, p.Progress, p.DownloadedBytes, p.TotalBytes,
		p.NetworkBPS, p.DiskWriteBPS, p.ETASeconds, p.UpdatedAt,
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.UpsertDownloadProgress", err)
	}
	return nil
}

// GetDownloadProgress returns the last persisted progress snapshot for a
// download, if any.
func (s *Store) GetDownloadProgress(downloadID string) (DownloadProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var p DownloadProgress
	err := s.db.QueryRow(
		`SELECT id, game_id, status, progress, downloaded_bytes, total_bytes, network_bps, disk_write_bps, eta_seconds, updated_at
		 FROM downloads WHERE id = ?`, downloadID,
	).Scan(&p.ID, &p.GameID, &p.Status, &p.Progress, &p.DownloadedBytes, &p.TotalBytes,
		&p.NetworkBPS, &p.DiskWriteBPS, &p.ETASeconds, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return DownloadProgress{}, false, nil
	}
	if err != nil {
		return DownloadProgress{}, false, vaulterr.New(vaulterr.Fatal, "store.GetDownloadProgress", err)
	}
	return p, true, nil
}

// UpsertDownloadChunk records or updates one chunk's status. It is the
// basis for the resume idempotence property: re-running a download must
// skip chunks already marked "completed" here.
func (s *Store) UpsertDownloadChunk(c DownloadChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO download_chunks (download_id, file_id, chunk_index, hash, size, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(download_id, file_id, chunk_index) DO UPDATE SET
		   hash=excluded.hash, size=excluded.size, status=excluded.status, updated_at=excluded.updated_at`,
		c.DownloadID, c.FileID, c.ChunkIndex, c.Hash, c.Size, c.Status, c.UpdatedAt,
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.UpsertDownloadChunk", err)
	}
	return nil
}

// ListCompletedChunks returns every chunk marked "completed" for a
// download, used to precompute DownloadPlan.precompleted_chunks.
func (s *Store) ListCompletedChunks(downloadID string) ([]DownloadChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT download_id, file_id, chunk_index, hash, size, status, updated_at
		 FROM download_chunks WHERE download_id = ? AND status = 'completed'`, downloadID,
	)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, "store.ListCompletedChunks", err)
	}
	defer rows.Close()

	var chunks []DownloadChunk
	for rows.Next() {
		var c DownloadChunk
		if err := rows.Scan(&c.DownloadID, &c.FileID, &c.ChunkIndex, &c.Hash, &c.Size, &c.Status, &c.UpdatedAt); err != nil {
			return nil, vaulterr.New(vaulterr.Fatal, "store.ListCompletedChunks", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ClearDownloadChunks deletes all chunk records for a download, used
// once a download completes and its records are no longer needed for
// resumption.
func (s *Store) ClearDownloadChunks(downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM download_chunks WHERE download_id = ?`, downloadID)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.ClearDownloadChunks", err)
	}
	return nil
}

// ClearFileChunks deletes chunk records for a single file within a
// download, used by verify --fix to force specific corrupt or missing
// files to be refetched without discarding progress on the rest.
func (s *Store) ClearFileChunks(downloadID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM download_chunks WHERE download_id = ? AND file_id = ?`, downloadID, fileID)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.ClearFileChunks", err)
	}
	return nil
}

// FileIndexEntry is one verified-file record, used to accelerate
// rescans per spec.md section 4.7.
type FileIndexEntry struct {
	DownloadID string
	Path       string
	Size       int64
	Hash       string
	MtimeNS    int64
	VerifiedAt int64
}

// UpsertFileIndexEntry records a file's last-verified state.
func (s *Store) UpsertFileIndexEntry(e FileIndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO file_index_v2 (download_id, path, size, hash, mtime_ns, verified_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(download_id, path) DO UPDATE SET
		   size=excluded.size, hash=excluded.hash, mtime_ns=excluded.mtime_ns, verified_at=excluded.verified_at`,
		e.DownloadID, e.Path, e.Size, e.Hash, e.MtimeNS, e.VerifiedAt,
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.UpsertFileIndexEntry", err)
	}
	return nil
}

// FileIndexSnapshot returns every known verified-file record for a
// download, keyed by path.
func (s *Store) FileIndexSnapshot(downloadID string) (map[string]FileIndexEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT download_id, path, size, hash, mtime_ns, verified_at FROM file_index_v2 WHERE download_id = ?`,
		downloadID,
	)
	if err != nil {
		return nil, vaulterr.New(vaulterr.Fatal, "store.FileIndexSnapshot", err)
	}
	defer rows.Close()

	out := make(map[string]FileIndexEntry)
	for rows.Next() {
		var e FileIndexEntry
		if err := rows.Scan(&e.DownloadID, &e.Path, &e.Size, &e.Hash, &e.MtimeNS, &e.VerifiedAt); err != nil {
			return nil, vaulterr.New(vaulterr.Fatal, "store.FileIndexSnapshot", err)
		}
		out[e.Path] = e
	}
	return out, rows.Err()
}

// SetSetting stores an arbitrary key/value pair, JSON-encoding v.
func (s *Store) SetSetting(key string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal setting %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, string(buf), time.Now().Unix(),
	)
	if err != nil {
		return vaulterr.New(vaulterr.Fatal, "store.SetSetting", err)
	}
	return nil
}

// GetSetting decodes a setting previously stored with SetSetting into v.
// Reports ok=false if the key is absent.
func (s *Store) GetSetting(key string, v any) (ok bool, err error) {
	s.mu.Lock()
	var raw string
	scanErr := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&raw)
	s.mu.Unlock()
	if scanErr == sql.ErrNoRows {
		return false, nil
	}
	if scanErr != nil {
		return false, vaulterr.New(vaulterr.Fatal, "store.GetSetting", scanErr)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("store: unmarshal setting %q: %w", key, err)
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
