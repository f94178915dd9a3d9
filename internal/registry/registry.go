// Package registry persists which process currently owns each library root.
//
// The registry is a single sqlite database in the user's config directory,
// shared by every process on the machine that embeds this module. Sqlite's
// own locking is the cross-process mutual exclusion: writes run in IMMEDIATE
// transactions under a busy timeout, so two processes racing to register the
// same library serialize inside the engine rather than through any
// application-level protocol.
//
// The registry records who claimed ownership, not who is alive. Nothing here
// refreshes rows or expires them; a row for a crashed process stays until a
// successor supersedes it, and liveness is established by the caller probing
// the recorded address.
package registry

import (
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// libraryNamespace is the fixed UUIDv5 namespace for deriving library ids
// from canonical paths. Changing it would orphan every existing registry row.
var libraryNamespace = uuid.MustParse("8f1c2a40-61cf-4d27-9b1a-cf2d6f1a9e55")

const schema = `
CREATE TABLE IF NOT EXISTS libraries (
  library_id TEXT PRIMARY KEY,  -- UUIDv5 of the canonical path
  path       TEXT NOT NULL,     -- canonical absolute path, symlinks resolved
  created_at INTEGER NOT NULL   -- unix seconds, immutable after insert
);

CREATE TABLE IF NOT EXISTS instances (
  library_id TEXT PRIMARY KEY REFERENCES libraries(library_id),
  pid        INTEGER NOT NULL,
  port       INTEGER NOT NULL,
  started_at INTEGER NOT NULL   -- unix seconds
);
`

// ErrAlreadyOwned is returned by TryRegister when another process holds the
// instance row. Use errors.As with *AlreadyOwnedError to recover the owner.
var ErrAlreadyOwned = errors.New("library is owned by another instance")

// AlreadyOwnedError carries the current owner of a library alongside
// ErrAlreadyOwned.
type AlreadyOwnedError struct {
	Owner InstanceEntry
}

func (e *AlreadyOwnedError) Error() string {
	return "library is owned by pid " + strconv.Itoa(e.Owner.PID) + " on port " + strconv.Itoa(e.Owner.Port)
}

func (e *AlreadyOwnedError) Is(target error) bool { return target == ErrAlreadyOwned }

// InstanceEntry is the recorded owner of one library root.
type InstanceEntry struct {
	LibraryID uuid.UUID
	PID       int
	Port      int
	StartedAt time.Time
}

// LibraryID derives the stable identifier for a canonical path.
func LibraryID(canonicalPath string) uuid.UUID {
	return uuid.NewSHA1(libraryNamespace, []byte(canonicalPath))
}

// CanonicalPath resolves path to the absolute, symlink-free form stored in
// the registry. Two references to the same directory through different
// symlinks derive the same library id only because of this step.
func CanonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %q", path)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", errors.Wrapf(err, "canonicalizing %q", abs)
	}
	return canon, nil
}

// Store is a handle on the shared registry database. The mutex serializes
// this process's use of the connection; cross-process serialization is the
// database's job.
type Store struct {
	mu sync.Mutex
	db *sql.DB
	l  log15.Logger
}

// Open opens (creating if needed) the registry database at path. busyTimeout
// bounds how long a write waits on a lock held by another process before
// giving up.
//
// Open failures are returned, not absorbed: the caller decides whether to
// degrade to uncoordinated operation.
func Open(path string, busyTimeout time.Duration, l log15.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating registry directory")
	}
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(" + strconv.FormatInt(busyTimeout.Milliseconds(), 10) + ")" +
		"&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening registry database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying registry schema")
	}
	return &Store{db: db, l: l}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// FindInstance reports the recorded owner of path, if any. Registry failures
// are logged and reported as "no owner": a broken registry must degrade to
// uncoordinated operation, never block the caller from running.
func (s *Store) FindInstance(path string) (InstanceEntry, bool) {
	canon, err := CanonicalPath(path)
	if err != nil {
		s.l.Warn("cannot canonicalize library path", "path", path, "err", err)
		return InstanceEntry{}, false
	}
	id := LibraryID(canon)

	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		ent     InstanceEntry
		started int64
	)
	row := s.db.QueryRow(
		`SELECT pid, port, started_at FROM instances WHERE library_id = ?`, id.String())
	switch err := row.Scan(&ent.PID, &ent.Port, &started); err {
	case nil:
	case sql.ErrNoRows:
		return InstanceEntry{}, false
	default:
		s.l.Warn("registry lookup failed, proceeding uncoordinated", "library", id, "err", err)
		return InstanceEntry{}, false
	}
	ent.LibraryID = id
	ent.StartedAt = time.Unix(started, 0)
	return ent, true
}

// TryRegister claims ownership of path for (pid, port).
//
// supersede carries the entry the caller just probed and found dead, or nil
// when the caller observed no entry at all. The claim succeeds only if the
// table still matches that observation: no current row, a row left by a
// previous incarnation of this same pid, or exactly the row being
// superseded. Anything else means another process won the election in the
// interim, and the attempt fails with ErrAlreadyOwned carrying the winner.
// The replace is a single upsert inside one IMMEDIATE transaction; there is
// never a moment with zero or two owners.
func (s *Store) TryRegister(path string, pid, port int, supersede *InstanceEntry) (InstanceEntry, error) {
	canon, err := CanonicalPath(path)
	if err != nil {
		return InstanceEntry{}, err
	}
	id := LibraryID(canon)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return InstanceEntry{}, errors.Wrap(err, "beginning registration transaction")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO libraries (library_id, path, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(library_id) DO NOTHING`,
		id.String(), canon, now.Unix()); err != nil {
		return InstanceEntry{}, errors.Wrap(err, "recording library")
	}

	var (
		curPID, curPort int
		curStarted      int64
	)
	row := tx.QueryRow(`SELECT pid, port, started_at FROM instances WHERE library_id = ?`, id.String())
	err = row.Scan(&curPID, &curPort, &curStarted)
	switch {
	case err == sql.ErrNoRows:
		// No owner on record; claim is unconditional.
	case err != nil:
		return InstanceEntry{}, errors.Wrap(err, "reading current instance")
	case curPID == pid:
		// A previous incarnation of ourselves; always safe to replace.
	case supersede != nil && curPID == supersede.PID && curPort == supersede.Port:
		// Exactly the dead owner we probed; supersede it.
	default:
		return InstanceEntry{}, &AlreadyOwnedError{Owner: InstanceEntry{
			LibraryID: id,
			PID:       curPID,
			Port:      curPort,
			StartedAt: time.Unix(curStarted, 0),
		}}
	}

	if _, err := tx.Exec(
		`INSERT INTO instances (library_id, pid, port, started_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(library_id) DO UPDATE SET pid = excluded.pid, port = excluded.port, started_at = excluded.started_at`,
		id.String(), pid, port, now.Unix()); err != nil {
		return InstanceEntry{}, errors.Wrap(err, "recording instance")
	}
	if err := tx.Commit(); err != nil {
		return InstanceEntry{}, errors.Wrap(err, "committing registration")
	}

	s.l.Info("registered as library owner", "library", id, "path", canon, "pid", pid, "port", port)
	return InstanceEntry{LibraryID: id, PID: pid, Port: port, StartedAt: now}, nil
}

// ClearInstanceIf removes the instance row for path if and only if it still
// records pid. Best effort: it is called on graceful shutdown, and a process
// that crashes instead is detected lazily by the next prober, so failures
// here are logged and dropped.
func (s *Store) ClearInstanceIf(path string, pid int) {
	canon, err := CanonicalPath(path)
	if err != nil {
		s.l.Warn("cannot canonicalize library path for cleanup", "path", path, "err", err)
		return
	}
	id := LibraryID(canon)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(
		`DELETE FROM instances WHERE library_id = ? AND pid = ?`, id.String(), pid); err != nil {
		s.l.Warn("registry cleanup failed", "library", id, "pid", pid, "err", err)
		return
	}
	s.l.Info("cleared instance registration", "library", id, "pid", pid)
}

// LockPath returns the sidecar flock path used to serialize election rounds
// against a given registry database.
func LockPath(registryPath string) string {
	return registryPath + ".lock"
}
