// Package journal keeps a SQLite record of the traffic between the bridge
// and the arm controller: every command with its outcome, and every inbound
// frame. It is a diagnostic aid; recording failures never affect the link.
package journal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sixar-robotics/armbridge/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// QueueSize is the number of records buffered before new ones are dropped.
const QueueSize = 1024

// Journal implements firmware.Recorder.
type Journal struct {
	db      *sql.DB
	path    string
	session string
	logf    func(format string, v ...interface{})
	now     func() time.Time

	queue   chan func(*sql.DB) error
	done    chan struct{}
	closeMu sync.RWMutex
	closed  bool

	dropped atomic.Uint64
}

// Open opens (creating if needed) the journal database at path, applies
// migrations, and starts a new session.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// one connection: a single writer, and ":memory:" stays one database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal pragmas: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{
		db:      db,
		path:    path,
		session: uuid.NewString(),
		logf:    monitoring.Prefixed("journal"),
		now:     time.Now,
		queue:   make(chan func(*sql.DB) error, QueueSize),
		done:    make(chan struct{}),
	}
	if _, err := db.Exec(`INSERT INTO sessions (session_id, started_ms) VALUES (?, ?)`,
		j.session, j.now().UnixMilli()); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal session: %w", err)
	}
	go j.writer()
	return j, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal migrations source: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("journal migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	m.Log = migrateLogger{}
	// m is not closed: that would close db
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Session is the id of this process's session.
func (j *Journal) Session() string { return j.session }

// DB exposes the underlying database for admin tooling.
func (j *Journal) DB() *sql.DB { return j.db }

// Dropped is the number of records lost to a full queue.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

func (j *Journal) writer() {
	defer close(j.done)
	for op := range j.queue {
		if err := op(j.db); err != nil {
			j.logf("write failed: %v", err)
		}
	}
}

// enqueue never blocks the caller.
func (j *Journal) enqueue(op func(*sql.DB) error) {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- op:
	default:
		if j.dropped.Add(1)%100 == 1 {
			j.logf("queue full, dropping records (%d so far)", j.dropped.Load())
		}
	}
}

// Flush blocks until every record queued so far has been written.
func (j *Journal) Flush() {
	flushed := make(chan struct{})
	j.closeMu.RLock()
	if j.closed {
		j.closeMu.RUnlock()
		return
	}
	j.queue <- func(*sql.DB) error { close(flushed); return nil }
	j.closeMu.RUnlock()
	<-flushed
}

// Close writes what is queued and closes the database.
func (j *Journal) Close() error {
	j.closeMu.Lock()
	if j.closed {
		j.closeMu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.closeMu.Unlock()

	<-j.done
	return j.db.Close()
}

// RecordCommand stores an outbound command.
func (j *Journal) RecordCommand(id uint64, verb string, line []byte) {
	payload, at := string(line), j.now().UnixMilli()
	j.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT OR REPLACE INTO commands
			(session_id, command_id, verb, payload, issued_ms) VALUES (?, ?, ?, ?, ?)`,
			j.session, int64(id), verb, payload, at)
		return err
	})
}

// RecordOutcome settles a stored command.
func (j *Journal) RecordOutcome(id uint64, outcome, detail string) {
	at := j.now().UnixMilli()
	j.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE commands SET outcome = ?, detail = ?, settled_ms = ?
			WHERE session_id = ? AND command_id = ?`,
			outcome, nullable(detail), at, j.session, int64(id))
		return err
	})
}

// RecordInbound stores an inbound frame.
func (j *Journal) RecordInbound(kind string, line []byte) {
	payload, at := string(line), j.now().UnixMilli()
	j.enqueue(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO frames (session_id, kind, payload, received_ms) VALUES (?, ?, ?, ?)`,
			j.session, kind, payload, at)
		return err
	})
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
