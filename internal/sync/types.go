// Package sync implements the durable sync engine: a filesystem observer,
// a rename/move classifier, a persistent job queue, and a bounded-concurrency
// executor that drives jobs to completion against a Remote Driver.
package sync

import (
	"context"
	"io"
	"time"
)

// EventType is the kind of durable operation a Job represents.
type EventType string

// Job event types, per the sync job state machine.
const (
	EventCreateFile      EventType = "CREATE_FILE"
	EventCreateDir       EventType = "CREATE_DIR"
	EventUpdate          EventType = "UPDATE"
	EventDelete          EventType = "DELETE"
	EventRename          EventType = "RENAME"
	EventMove            EventType = "MOVE"
	EventDeleteAndCreate EventType = "DELETE_AND_CREATE"
)

// JobStatus is a Job's position in the queue state machine.
type JobStatus string

// Job status values.
const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusSynced     JobStatus = "SYNCED"
	StatusBlocked    JobStatus = "BLOCKED"
)

// Job is the fundamental durable record processed by the Queue and Executor.
type Job struct {
	ID            int64
	EventType     EventType
	LocalPath     string
	RemotePath    string
	OldLocalPath  string // set only for RENAME / MOVE / DELETE_AND_CREATE
	OldRemotePath string
	Status        JobStatus
	NRetries      int
	RetryAt       int64  // Unix nanoseconds; job not eligible until now >= RetryAt
	ChangeToken   string // "<mtime_ms>:<size>", empty for directories and deletes
	LastError     string
	CreatedAt     int64
	UpdatedAt     int64
}

// NodeMapping identifies the remote object bound to a localPath.
type NodeMapping struct {
	LocalPath     string
	RemotePath    string
	NodeUID       string
	ParentNodeUID string
	IsDirectory   bool
}

// EntryType distinguishes files from directories throughout the pipeline.
type EntryType string

// Entry types for change records.
const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// ChangeEvent is a single raw filesystem mutation produced by the Observer,
// relative to the last persisted snapshot for its watch root.
type ChangeEvent struct {
	RelPath string
	Size    int64
	MtimeMs int64
	Ino     uint64
	Type    EntryType
	Exists  bool
	New     bool
}

// ChangeBatch is the exact set of mutations from a single coalesced
// notification for one watch root. The Classifier relies on a batch never
// splitting a delete/create pair produced by the same underlying rename.
type ChangeBatch struct {
	WatchRoot string
	Events    []ChangeEvent
}

// WatchRoot binds a local source tree to a remote subtree.
type WatchRoot struct {
	SourcePath string
	RemoteRoot string
}

// Session is an opaque authenticated handle returned by a CredentialProvider.
// The core never inspects its contents.
type Session struct {
	ID string
}

// CredentialProvider supplies an authenticated session on demand. Its
// implementation (SRP handshake, OpenPGP session keys) is an external
// collaborator. The core never calls Session: the sync command discards the
// provider newRemoteDriver returns, and AUTH failures are recognized from
// error text alone (see retry.go).
type CredentialProvider interface {
	Session(ctx context.Context) (Session, error)
}

// DeleteResult reports the outcome of an idempotent remote delete.
type DeleteResult struct {
	Existed bool
	Trashed bool
}

// RemoteDriver is the external encrypted-transport client. The core invokes
// these methods and classifies any returned error by its text (see retry.go);
// it never inspects the wire format.
type RemoteDriver interface {
	EnsurePathFolders(ctx context.Context, remotePath string) (parentNodeUID string, err error)
	CreateFile(ctx context.Context, parentNodeUID, name string, content io.Reader, size int64, mtimeMs int64) (nodeUID string, err error)
	CreateFolder(ctx context.Context, parentNodeUID, name string) (nodeUID string, err error)
	UploadRevision(ctx context.Context, nodeUID string, content io.Reader, size int64, mtimeMs int64) error
	Delete(ctx context.Context, remotePath string, trashOnly bool) (DeleteResult, error)
	Rename(ctx context.Context, nodeUID, newName string) error
	Move(ctx context.Context, nodeUID, newParentNodeUID, newName string) error
	ListChildren(ctx context.Context, nodeUID string) ([]RemoteChild, error)
}

// RemoteChild is a minimal listing entry, used internally by drivers for
// name lookups. The core does not iterate remote trees itself.
type RemoteChild struct {
	NodeUID string
	Name    string
	IsDir   bool
}

// Store is the persistence interface for all sync state: jobs, the
// processing guard, node mappings, change tokens, and control-plane flags.
// Sync components depend on this interface, never on the concrete SQLite
// type, so tests can substitute an in-memory fake.
type Store interface {
	// Jobs
	UpsertJob(ctx context.Context, j *Job) (int64, error)
	// NextPending atomically sweeps stale processing-guard rows back to
	// PENDING, then selects, claims (processing-guard insert), and marks
	// PROCESSING the oldest eligible PENDING job, all in one transaction.
	// Returns (nil, nil) if no eligible job exists.
	NextPending(ctx context.Context, now time.Time, guardTimeout time.Duration) (*Job, error)
	MarkSynced(ctx context.Context, id int64, localPath string) error
	MarkBlocked(ctx context.Context, id int64, localPath, errMsg string) error
	ScheduleRetry(ctx context.Context, id int64, localPath string, nRetries int, retryAt time.Time, errMsg string) error
	RetryAllNow(ctx context.Context, now time.Time) (int64, error)
	// CleanupOrphans resets in-flight PROCESSING jobs to PENDING, truncates
	// the processing guard, deletes PENDING jobs whose localPath is no
	// longer under any configured watch root, and (ambient extension)
	// removes NodeMapping/ChangeToken rows for paths no longer watched.
	CleanupOrphans(ctx context.Context, isUnderWatchRoot func(localPath string) bool) (int64, error)
	GetJobByPaths(ctx context.Context, localPath, remotePath string) (*Job, error)
	GCSynced(ctx context.Context, olderThan time.Time) (int64, error)
	// CountJobsByStatus and ListBlockedJobs back the read-only status query
	// path; neither is used by the Classifier/Executor/Queue themselves.
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int64, error)
	ListBlockedJobs(ctx context.Context, limit int) ([]*Job, error)

	// Node mappings
	GetNodeMapping(ctx context.Context, localPath string) (*NodeMapping, error)
	UpsertNodeMapping(ctx context.Context, m *NodeMapping) error
	DeleteNodeMapping(ctx context.Context, localPath string) error
	DeleteNodeMappingsUnderPrefix(ctx context.Context, prefix string) error
	RewriteNodeMappingPrefix(ctx context.Context, oldPrefix, newPrefix string) error

	// Change tokens
	GetChangeToken(ctx context.Context, localPath string) (string, bool, error)
	SetChangeToken(ctx context.Context, localPath, token string) error
	DeleteChangeToken(ctx context.Context, localPath string) error
	DeleteChangeTokensUnderPrefix(ctx context.Context, prefix string) error
	RewriteChangeTokenPrefix(ctx context.Context, oldPrefix, newPrefix string) error

	// Control plane
	GetPaused(ctx context.Context) (paused bool, until int64, err error)
	SetPaused(ctx context.Context, paused bool, until int64) error

	// ApplyClassifierEvent durably commits one Classifier decision — the
	// resulting job plus whatever node-mapping/change-token bookkeeping that
	// decision implies — inside a single transaction, so a crash between the
	// job write and its mapping/token write can never happen.
	ApplyClassifierEvent(ctx context.Context, ev ClassifierEvent) (jobID int64, err error)

	Checkpoint() error
	Close() error
}

// PrefixRewrite renames every node-mapping or change-token row whose
// local_path falls under Old (inclusive) so it instead falls under New,
// applied atomically alongside a directory RENAME/MOVE job.
type PrefixRewrite struct {
	Old, New string
}

// ClassifierEvent bundles a single durable job together with the node-mapping
// and change-token bookkeeping the Classifier's decision for that job
// implies. At most one mapping field and at most one token field are set per
// event, matching the job's EventType (a DELETE sets both delete prefixes; a
// RENAME/MOVE sets both rewrite prefixes).
type ClassifierEvent struct {
	Job *Job

	UpsertMapping        *NodeMapping
	DeleteMappingPrefix  string
	RewriteMappingPrefix *PrefixRewrite

	SetToken           *struct{ LocalPath, Token string }
	DeleteTokenPrefix  string
	RewriteTokenPrefix *PrefixRewrite
}

// --- Timestamp helpers ---
// All internal code uses int64 Unix nanoseconds exclusively.
// Conversion happens at system boundaries only.

// NowNano returns the current time as Unix nanoseconds.
func NowNano() int64 {
	return time.Now().UnixNano()
}

// ToUnixNano converts a time.Time to Unix nanoseconds.
// Returns 0 for the zero time.
func ToUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

// Int64Ptr returns a pointer to the given int64 value.
// Used for nullable database columns.
func Int64Ptr(v int64) *int64 {
	return &v
}
