package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit bounds the WAL file before a checkpoint is forced.
const walJournalSizeLimit = 67108864 // 64 MiB

// SQLiteStore implements the Store interface using an embedded SQLite
// database in WAL mode. It persists the job queue, the processing guard,
// node-path mappings, change tokens, and control-plane flags.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	jobStmts     jobStatements
	mappingStmts mappingStatements
	tokenStmts   tokenStatements
	controlStmts controlStatements
}

type jobStatements struct {
	upsert, selectNextPending, markSynced, markBlocked, scheduleRetry, retryAllNow,
	getByPaths, gcSynced *sql.Stmt
}

type mappingStatements struct {
	get, upsert, delete, deletePrefix *sql.Stmt
}

type tokenStatements struct {
	get, set, delete, deletePrefix *sql.Stmt
}

type controlStatements struct {
	getPaused, setPaused *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, configures
// pragmas, and prepares all repeated statements. Use ":memory:" for tests.
func NewStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening sync state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sync: open sqlite: %w", err)
	}

	// One connection: a single writer, per-connection pragmas that hold for
	// every query, and a ":memory:" database that every caller shares.
	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sync: prepare statements: %w", err)
	}

	logger.Info("sync state database ready", slog.String("path", dbPath))

	return s, nil
}

// setPragmas configures SQLite for WAL mode and crash safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("sync: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// --- SQL query constants ---

const sqlJobColumns = `id, event_type, local_path, remote_path, old_local_path, old_remote_path,
	status, n_retries, retry_at, change_token, last_error, created_at, updated_at`

const (
	sqlUpsertJob = `INSERT INTO sync_jobs
		(event_type, local_path, remote_path, old_local_path, old_remote_path,
		 status, n_retries, retry_at, change_token, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_path, remote_path) DO UPDATE SET
			event_type      = excluded.event_type,
			old_local_path  = excluded.old_local_path,
			old_remote_path = excluded.old_remote_path,
			status          = excluded.status,
			n_retries       = excluded.n_retries,
			retry_at        = excluded.retry_at,
			change_token    = excluded.change_token,
			last_error      = excluded.last_error,
			updated_at      = excluded.updated_at
		RETURNING id`

	sqlSelectNextPending = `SELECT ` + sqlJobColumns + `
		FROM sync_jobs
		WHERE status = 'PENDING' AND retry_at <= ?
		  AND local_path NOT IN (SELECT local_path FROM processing_queue)
		ORDER BY retry_at ASC, id ASC
		LIMIT 1`

	sqlMarkSynced = `UPDATE sync_jobs SET status = 'SYNCED', last_error = '', updated_at = ?
		WHERE id = ?`

	sqlMarkBlocked = `UPDATE sync_jobs SET status = 'BLOCKED', last_error = ?, updated_at = ?
		WHERE id = ?`

	sqlScheduleRetry = `UPDATE sync_jobs
		SET status = 'PENDING', n_retries = ?, retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`

	// retry_all_now only pulls forward still-PENDING jobs; BLOCKED jobs are
	// deliberately left untouched — a BLOCKED job needs explicit operator
	// re-enqueue, not a blanket retry.
	sqlRetryAllNow = `UPDATE sync_jobs
		SET retry_at = ?, updated_at = ?
		WHERE status = 'PENDING' AND retry_at > ?`

	sqlGetJobByPaths = `SELECT ` + sqlJobColumns + `
		FROM sync_jobs WHERE local_path = ? AND remote_path = ?`

	sqlGCSynced = `DELETE FROM sync_jobs WHERE status = 'SYNCED' AND updated_at < ?`
)

const (
	sqlGetMapping = `SELECT local_path, remote_path, node_uid, parent_node_uid, is_directory
		FROM node_mappings WHERE local_path = ?`

	sqlUpsertMapping = `INSERT INTO node_mappings
		(local_path, remote_path, node_uid, parent_node_uid, is_directory)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(local_path) DO UPDATE SET
			remote_path     = excluded.remote_path,
			node_uid        = excluded.node_uid,
			parent_node_uid = excluded.parent_node_uid,
			is_directory    = excluded.is_directory`

	sqlDeleteMapping = `DELETE FROM node_mappings WHERE local_path = ?`

	sqlDeleteMappingPrefix = `DELETE FROM node_mappings WHERE local_path = ? OR local_path LIKE ?`
)

const (
	sqlGetToken = `SELECT token FROM change_tokens WHERE local_path = ?`

	sqlSetToken = `INSERT INTO change_tokens (local_path, token) VALUES (?, ?)
		ON CONFLICT(local_path) DO UPDATE SET token = excluded.token`

	sqlDeleteToken = `DELETE FROM change_tokens WHERE local_path = ?`

	sqlDeleteTokenPrefix = `DELETE FROM change_tokens WHERE local_path = ? OR local_path LIKE ?`
)

const (
	sqlGetPaused = `SELECT value FROM control WHERE key = 'paused'`
	sqlGetUntil  = `SELECT value FROM control WHERE key = 'paused_until'`

	sqlSetControl = `INSERT INTO control (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// stmtDef maps a SQL string to the prepared statement pointer it populates.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("sync: prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.jobStmts.upsert, sqlUpsertJob, "upsertJob"},
		{&s.jobStmts.selectNextPending, sqlSelectNextPending, "selectNextPending"},
		{&s.jobStmts.markSynced, sqlMarkSynced, "markSynced"},
		{&s.jobStmts.markBlocked, sqlMarkBlocked, "markBlocked"},
		{&s.jobStmts.scheduleRetry, sqlScheduleRetry, "scheduleRetry"},
		{&s.jobStmts.retryAllNow, sqlRetryAllNow, "retryAllNow"},
		{&s.jobStmts.getByPaths, sqlGetJobByPaths, "getJobByPaths"},
		{&s.jobStmts.gcSynced, sqlGCSynced, "gcSynced"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.mappingStmts.get, sqlGetMapping, "getMapping"},
		{&s.mappingStmts.upsert, sqlUpsertMapping, "upsertMapping"},
		{&s.mappingStmts.delete, sqlDeleteMapping, "deleteMapping"},
		{&s.mappingStmts.deletePrefix, sqlDeleteMappingPrefix, "deleteMappingPrefix"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.tokenStmts.get, sqlGetToken, "getToken"},
		{&s.tokenStmts.set, sqlSetToken, "setToken"},
		{&s.tokenStmts.delete, sqlDeleteToken, "deleteToken"},
		{&s.tokenStmts.deletePrefix, sqlDeleteTokenPrefix, "deleteTokenPrefix"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.controlStmts.getPaused, sqlGetPaused, "getPaused"},
		{&s.controlStmts.setPaused, sqlSetControl, "setControl"},
	})
}

// scanJob scans a full sync_jobs row.
func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}

	err := row.Scan(
		&j.ID, &j.EventType, &j.LocalPath, &j.RemotePath, &j.OldLocalPath, &j.OldRemotePath,
		&j.Status, &j.NRetries, &j.RetryAt, &j.ChangeToken, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return j, nil
}

// --- Job methods ---

// UpsertJob inserts a new job or updates the existing job sharing the same
// (local_path, remote_path) pair, returning its row ID.
func (s *SQLiteStore) UpsertJob(ctx context.Context, j *Job) (int64, error) {
	now := NowNano()
	j.CreatedAt = now
	j.UpdatedAt = now

	var id int64

	err := s.jobStmts.upsert.QueryRowContext(ctx,
		j.EventType, j.LocalPath, j.RemotePath, j.OldLocalPath, j.OldRemotePath,
		j.Status, j.NRetries, j.RetryAt, j.ChangeToken, j.LastError, j.CreatedAt, j.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sync: upsert job %s %s: %w", j.LocalPath, j.RemotePath, err)
	}

	return id, nil
}

// NextPending sweeps stale processing-guard rows back to PENDING, then
// selects, claims, and marks PROCESSING the oldest eligible PENDING job —
// all inside one transaction. Returns (nil, nil) if no eligible job exists.
func (s *SQLiteStore) NextPending(ctx context.Context, now time.Time, guardTimeout time.Duration) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sync: begin next pending: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback no-op after commit

	nowNano := ToUnixNano(now)
	staleCutoff := nowNano - guardTimeout.Nanoseconds()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'PENDING', updated_at = ?
		 WHERE status = 'PROCESSING' AND id IN (
		   SELECT job_id FROM processing_queue WHERE started_at < ?
		 )`, nowNano, staleCutoff); err != nil {
		return nil, fmt.Errorf("sync: sweep stale guards: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM processing_queue WHERE started_at < ?`, staleCutoff); err != nil {
		return nil, fmt.Errorf("sync: truncate stale guards: %w", err)
	}

	j, err := scanJob(tx.StmtContext(ctx, s.jobStmts.selectNextPending).QueryRowContext(ctx, nowNano))
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sync: commit guard sweep: %w", err)
		}

		return nil, nil //nolint:nilnil // nil job means "queue empty"
	}

	if err != nil {
		return nil, fmt.Errorf("sync: select next pending: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processing_queue (local_path, job_id, started_at) VALUES (?, ?, ?)`,
		j.LocalPath, j.ID, nowNano); err != nil {
		return nil, fmt.Errorf("sync: claim guard %q: %w", j.LocalPath, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'PROCESSING', updated_at = ? WHERE id = ?`,
		nowNano, j.ID); err != nil {
		return nil, fmt.Errorf("sync: mark processing job %d: %w", j.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sync: commit next pending: %w", err)
	}

	j.Status = StatusProcessing

	return j, nil
}

// MarkSynced transitions a job to SYNCED and releases its processing guard.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id int64, localPath string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: begin mark synced: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback no-op after commit

	if _, err := tx.StmtContext(ctx, s.jobStmts.markSynced).ExecContext(ctx, NowNano(), id); err != nil {
		return fmt.Errorf("sync: mark synced job %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM processing_queue WHERE local_path = ?`, localPath); err != nil {
		return fmt.Errorf("sync: release guard %q: %w", localPath, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: commit mark synced: %w", err)
	}

	return nil
}

// MarkBlocked transitions a job to BLOCKED and releases its processing guard.
func (s *SQLiteStore) MarkBlocked(ctx context.Context, id int64, localPath, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: begin mark blocked: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback no-op after commit

	if _, err := tx.StmtContext(ctx, s.jobStmts.markBlocked).ExecContext(ctx, errMsg, NowNano(), id); err != nil {
		return fmt.Errorf("sync: mark blocked job %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM processing_queue WHERE local_path = ?`, localPath); err != nil {
		return fmt.Errorf("sync: release guard %q: %w", localPath, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: commit mark blocked: %w", err)
	}

	return nil
}

// ScheduleRetry transitions a job back to PENDING with a future retry_at and
// releases its processing guard so the path can be claimed again.
func (s *SQLiteStore) ScheduleRetry(ctx context.Context, id int64, localPath string, nRetries int, retryAt time.Time, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: begin schedule retry: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback no-op after commit

	_, err = tx.StmtContext(ctx, s.jobStmts.scheduleRetry).ExecContext(ctx,
		nRetries, ToUnixNano(retryAt), errMsg, NowNano(), id)
	if err != nil {
		return fmt.Errorf("sync: schedule retry job %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM processing_queue WHERE local_path = ?`, localPath); err != nil {
		return fmt.Errorf("sync: release guard %q: %w", localPath, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: commit schedule retry: %w", err)
	}

	return nil
}

// RetryAllNow pulls forward every still-PENDING job whose retryAt is in the
// future to now. BLOCKED jobs are deliberately left untouched — the
// operator's "retry all" only unblocks future-scheduled PENDING work;
// BLOCKED jobs require explicit re-enqueue. Returns the count affected.
func (s *SQLiteStore) RetryAllNow(ctx context.Context, now time.Time) (int64, error) {
	nowNano := ToUnixNano(now)

	result, err := s.jobStmts.retryAllNow.ExecContext(ctx, nowNano, nowNano, nowNano)
	if err != nil {
		return 0, fmt.Errorf("sync: retry all now: %w", err)
	}

	n, _ := result.RowsAffected()

	return n, nil
}

// CleanupOrphans resets in-flight PROCESSING jobs to PENDING, truncates the
// processing guard, deletes PENDING jobs whose localPath no longer falls
// under any configured watch root, and (to bound table growth) removes
// NodeMapping/ChangeToken rows for paths no longer watched.
func (s *SQLiteStore) CleanupOrphans(ctx context.Context, isUnderWatchRoot func(localPath string) bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sync: begin cleanup orphans: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback no-op after commit

	now := NowNano()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_jobs SET status = 'PENDING', updated_at = ? WHERE status = 'PROCESSING'`,
		now); err != nil {
		return 0, fmt.Errorf("sync: reset processing jobs: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM processing_queue`); err != nil {
		return 0, fmt.Errorf("sync: truncate processing guard: %w", err)
	}

	paths, err := collectPaths(ctx, tx, `SELECT DISTINCT local_path FROM sync_jobs WHERE status = 'PENDING'`)
	if err != nil {
		return 0, err
	}

	var removed int64

	for _, p := range paths {
		if isUnderWatchRoot(p) {
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_jobs WHERE status = 'PENDING' AND local_path = ?`, p); err != nil {
			return 0, fmt.Errorf("sync: delete orphan job %q: %w", p, err)
		}

		removed++
	}

	mappingPaths, err := collectPaths(ctx, tx, `SELECT local_path FROM node_mappings`)
	if err != nil {
		return 0, err
	}

	for _, p := range mappingPaths {
		if isUnderWatchRoot(p) {
			continue
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM node_mappings WHERE local_path = ?`, p); err != nil {
			return 0, fmt.Errorf("sync: delete orphan mapping %q: %w", p, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM change_tokens WHERE local_path = ?`, p); err != nil {
			return 0, fmt.Errorf("sync: delete orphan token %q: %w", p, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sync: commit cleanup orphans: %w", err)
	}

	s.logger.Info("orphan cleanup complete", slog.Int64("jobs_removed", removed))

	return removed, nil
}

// collectPaths runs a single-column local_path query and returns the results.
func collectPaths(ctx context.Context, tx *sql.Tx, query string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sync: query paths: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("sync: scan path: %w", err)
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterate paths: %w", err)
	}

	return paths, nil
}

// GetJobByPaths looks up a job by its unique (local_path, remote_path) key.
// Returns (nil, nil) if no job exists.
func (s *SQLiteStore) GetJobByPaths(ctx context.Context, localPath, remotePath string) (*Job, error) {
	j, err := scanJob(s.jobStmts.getByPaths.QueryRowContext(ctx, localPath, remotePath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil job means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("sync: get job by paths %s/%s: %w", localPath, remotePath, err)
	}

	return j, nil
}

// CountJobsByStatus returns the number of jobs in each status, for the
// read-only status query path — it never mutates state and takes no locks
// beyond the implicit read transaction.
func (s *SQLiteStore) CountJobsByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sync: count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int64)

	for rows.Next() {
		var (
			status JobStatus
			n      int64
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sync: scan job status count: %w", err)
		}

		counts[status] = n
	}

	return counts, rows.Err()
}

// ListBlockedJobs returns every BLOCKED job, most recently updated first, up
// to limit rows — the read-only query path a status command surfaces to an
// operator deciding what needs manual attention.
func (s *SQLiteStore) ListBlockedJobs(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, local_path, remote_path, old_local_path, old_remote_path,
		        status, n_retries, retry_at, change_token, last_error, created_at, updated_at
		 FROM sync_jobs WHERE status = 'BLOCKED' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: list blocked jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sync: scan blocked job: %w", err)
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// GCSynced removes SYNCED jobs older than the given cutoff, bounding table growth.
func (s *SQLiteStore) GCSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.jobStmts.gcSynced.ExecContext(ctx, ToUnixNano(olderThan))
	if err != nil {
		return 0, fmt.Errorf("sync: gc synced jobs: %w", err)
	}

	n, _ := result.RowsAffected()

	return n, nil
}

// --- Node mapping methods ---

// GetNodeMapping returns the mapping for localPath, or (nil, nil) if absent.
func (s *SQLiteStore) GetNodeMapping(ctx context.Context, localPath string) (*NodeMapping, error) {
	m := &NodeMapping{}

	var isDir int

	err := s.mappingStmts.get.QueryRowContext(ctx, localPath).Scan(
		&m.LocalPath, &m.RemotePath, &m.NodeUID, &m.ParentNodeUID, &isDir)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil mapping means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("sync: get node mapping %q: %w", localPath, err)
	}

	m.IsDirectory = isDir == 1

	return m, nil
}

// UpsertNodeMapping inserts or updates a local-path-to-remote-node mapping.
func (s *SQLiteStore) UpsertNodeMapping(ctx context.Context, m *NodeMapping) error {
	isDir := 0
	if m.IsDirectory {
		isDir = 1
	}

	_, err := s.mappingStmts.upsert.ExecContext(ctx,
		m.LocalPath, m.RemotePath, m.NodeUID, m.ParentNodeUID, isDir)
	if err != nil {
		return fmt.Errorf("sync: upsert node mapping %q: %w", m.LocalPath, err)
	}

	return nil
}

// DeleteNodeMapping removes the mapping for localPath.
func (s *SQLiteStore) DeleteNodeMapping(ctx context.Context, localPath string) error {
	if _, err := s.mappingStmts.delete.ExecContext(ctx, localPath); err != nil {
		return fmt.Errorf("sync: delete node mapping %q: %w", localPath, err)
	}

	return nil
}

// DeleteNodeMappingsUnderPrefix removes the mapping at prefix and all
// mappings whose local_path falls strictly under it.
func (s *SQLiteStore) DeleteNodeMappingsUnderPrefix(ctx context.Context, prefix string) error {
	if _, err := s.mappingStmts.deletePrefix.ExecContext(ctx, prefix, prefix+string('/')+"%"); err != nil {
		return fmt.Errorf("sync: delete node mappings under %q: %w", prefix, err)
	}

	return nil
}

// RewriteNodeMappingPrefix rewrites the local_path prefix of every mapping
// under oldPrefix to newPrefix, used after a directory RENAME/MOVE job lands.
func (s *SQLiteStore) RewriteNodeMappingPrefix(ctx context.Context, oldPrefix, newPrefix string) error {
	return s.rewritePrefix(ctx, "node_mappings", "local_path", oldPrefix, newPrefix)
}

// RewriteChangeTokenPrefix rewrites the local_path prefix of every change
// token under oldPrefix to newPrefix.
func (s *SQLiteStore) RewriteChangeTokenPrefix(ctx context.Context, oldPrefix, newPrefix string) error {
	return s.rewritePrefix(ctx, "change_tokens", "local_path", oldPrefix, newPrefix)
}

// rewritePrefix updates rows whose key column equals oldPrefix or starts
// with oldPrefix + "/", substituting newPrefix for the matched prefix.
func (s *SQLiteStore) rewritePrefix(ctx context.Context, table, column, oldPrefix, newPrefix string) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = ? || SUBSTR(%s, ?) WHERE %s = ? OR %s LIKE ?`,
		table, column, column, column, column)

	oldLen := len(oldPrefix) + 1
	exact := oldPrefix
	pattern := oldPrefix + "/%"

	if _, err := s.db.ExecContext(ctx, query, newPrefix, oldLen, exact, pattern); err != nil {
		return fmt.Errorf("sync: rewrite prefix %q -> %q in %s: %w", oldPrefix, newPrefix, table, err)
	}

	return nil
}

// --- Change token methods ---

// GetChangeToken returns the stored change token for localPath and whether one exists.
func (s *SQLiteStore) GetChangeToken(ctx context.Context, localPath string) (string, bool, error) {
	var token string

	err := s.tokenStmts.get.QueryRowContext(ctx, localPath).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("sync: get change token %q: %w", localPath, err)
	}

	return token, true, nil
}

// SetChangeToken persists the change token for localPath (insert or update).
func (s *SQLiteStore) SetChangeToken(ctx context.Context, localPath, token string) error {
	if _, err := s.tokenStmts.set.ExecContext(ctx, localPath, token); err != nil {
		return fmt.Errorf("sync: set change token %q: %w", localPath, err)
	}

	return nil
}

// DeleteChangeToken removes the change token for localPath.
func (s *SQLiteStore) DeleteChangeToken(ctx context.Context, localPath string) error {
	if _, err := s.tokenStmts.delete.ExecContext(ctx, localPath); err != nil {
		return fmt.Errorf("sync: delete change token %q: %w", localPath, err)
	}

	return nil
}

// DeleteChangeTokensUnderPrefix removes the token at prefix and all tokens
// whose local_path falls strictly under it.
func (s *SQLiteStore) DeleteChangeTokensUnderPrefix(ctx context.Context, prefix string) error {
	if _, err := s.tokenStmts.deletePrefix.ExecContext(ctx, prefix, prefix+"/%"); err != nil {
		return fmt.Errorf("sync: delete change tokens under %q: %w", prefix, err)
	}

	return nil
}

// --- Control plane methods ---

// GetPaused returns whether the engine is paused and, if so, the Unix-nanosecond
// timestamp after which it should auto-resume (0 means indefinitely).
func (s *SQLiteStore) GetPaused(ctx context.Context) (bool, int64, error) {
	var val string

	err := s.controlStmts.getPaused.QueryRowContext(ctx).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return false, 0, nil
	}

	if err != nil {
		return false, 0, fmt.Errorf("sync: get paused: %w", err)
	}

	if val != "1" {
		return false, 0, nil
	}

	var until int64

	err = s.db.QueryRowContext(ctx, sqlGetUntil).Scan(&until)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, 0, fmt.Errorf("sync: get paused_until: %w", err)
	}

	return true, until, nil
}

// SetPaused persists the paused flag and optional auto-resume deadline.
func (s *SQLiteStore) SetPaused(ctx context.Context, paused bool, until int64) error {
	val := "0"
	if paused {
		val = "1"
	}

	if _, err := s.controlStmts.setPaused.ExecContext(ctx, "paused", val); err != nil {
		return fmt.Errorf("sync: set paused: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, sqlSetControl, "paused_until", fmt.Sprintf("%d", until)); err != nil {
		return fmt.Errorf("sync: set paused_until: %w", err)
	}

	return nil
}

// ApplyClassifierEvent commits ev.Job via the same upsert logic as UpsertJob,
// plus whatever node-mapping/change-token mutation the Classifier attached to
// it, inside one transaction.
func (s *SQLiteStore) ApplyClassifierEvent(ctx context.Context, ev ClassifierEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sync: begin classifier event: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback no-op after commit

	now := NowNano()
	j := ev.Job
	j.CreatedAt = now
	j.UpdatedAt = now

	var id int64

	err = tx.StmtContext(ctx, s.jobStmts.upsert).QueryRowContext(ctx,
		j.EventType, j.LocalPath, j.RemotePath, j.OldLocalPath, j.OldRemotePath,
		j.Status, j.NRetries, j.RetryAt, j.ChangeToken, j.LastError, j.CreatedAt, j.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sync: classifier event upsert job %s: %w", j.LocalPath, err)
	}

	if m := ev.UpsertMapping; m != nil {
		isDir := 0
		if m.IsDirectory {
			isDir = 1
		}

		if _, err := tx.StmtContext(ctx, s.mappingStmts.upsert).ExecContext(ctx,
			m.LocalPath, m.RemotePath, m.NodeUID, m.ParentNodeUID, isDir); err != nil {
			return 0, fmt.Errorf("sync: classifier event upsert mapping %q: %w", m.LocalPath, err)
		}
	}

	if prefix := ev.DeleteMappingPrefix; prefix != "" {
		if _, err := tx.StmtContext(ctx, s.mappingStmts.deletePrefix).ExecContext(ctx,
			prefix, prefix+"/%"); err != nil {
			return 0, fmt.Errorf("sync: classifier event delete mappings under %q: %w", prefix, err)
		}
	}

	if r := ev.RewriteMappingPrefix; r != nil {
		if err := rewritePrefixTx(ctx, tx, "node_mappings", "local_path", r.Old, r.New); err != nil {
			return 0, fmt.Errorf("sync: classifier event rewrite mappings %q -> %q: %w", r.Old, r.New, err)
		}
	}

	if t := ev.SetToken; t != nil {
		if _, err := tx.StmtContext(ctx, s.tokenStmts.set).ExecContext(ctx, t.LocalPath, t.Token); err != nil {
			return 0, fmt.Errorf("sync: classifier event set token %q: %w", t.LocalPath, err)
		}
	}

	if prefix := ev.DeleteTokenPrefix; prefix != "" {
		if _, err := tx.StmtContext(ctx, s.tokenStmts.deletePrefix).ExecContext(ctx,
			prefix, prefix+"/%"); err != nil {
			return 0, fmt.Errorf("sync: classifier event delete tokens under %q: %w", prefix, err)
		}
	}

	if r := ev.RewriteTokenPrefix; r != nil {
		if err := rewritePrefixTx(ctx, tx, "change_tokens", "local_path", r.Old, r.New); err != nil {
			return 0, fmt.Errorf("sync: classifier event rewrite tokens %q -> %q: %w", r.Old, r.New, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sync: commit classifier event: %w", err)
	}

	return id, nil
}

// rewritePrefixTx is rewritePrefix's transaction-scoped twin, used by
// ApplyClassifierEvent to keep the rewrite inside the caller's transaction.
func rewritePrefixTx(ctx context.Context, tx *sql.Tx, table, column, oldPrefix, newPrefix string) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = ? || SUBSTR(%s, ?) WHERE %s = ? OR %s LIKE ?`,
		table, column, column, column, column)

	oldLen := len(oldPrefix) + 1
	exact := oldPrefix
	pattern := oldPrefix + "/%"

	if _, err := tx.ExecContext(ctx, query, newPrefix, oldLen, exact, pattern); err != nil {
		return err
	}

	return nil
}

// --- Maintenance ---

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into the
// main database file.
func (s *SQLiteStore) Checkpoint() error {
	_, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("sync: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sync state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", slog.Any("error", err))
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sync: close database: %w", err)
	}

	return nil
}

func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.jobStmts.upsert, s.jobStmts.selectNextPending, s.jobStmts.markSynced,
		s.jobStmts.markBlocked, s.jobStmts.scheduleRetry, s.jobStmts.retryAllNow,
		s.jobStmts.getByPaths, s.jobStmts.gcSynced,
		s.mappingStmts.get, s.mappingStmts.upsert, s.mappingStmts.delete, s.mappingStmts.deletePrefix,
		s.tokenStmts.get, s.tokenStmts.set, s.tokenStmts.delete, s.tokenStmts.deletePrefix,
		s.controlStmts.getPaused, s.controlStmts.setPaused,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
