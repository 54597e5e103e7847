package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relayboard/internal/model"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	relay INTEGER NOT NULL,
	state TEXT NOT NULL,
	seq INTEGER NOT NULL,
	error TEXT DEFAULT NULL
);
CREATE TABLE IF NOT EXISTS state_changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at TEXT NOT NULL,
	relay INTEGER NOT NULL,
	state TEXT NOT NULL,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_state_changes_relay ON state_changes (relay, id);
`

// queueSize bounds the writes waiting for the writer goroutine.
const queueSize = 256

// Journal keeps a sqlite history of relay commands and confirmed state
// changes. It is diagnostic only; nothing is restored from it on startup.
// Writes are queued for a single writer goroutine so recording never waits
// on the disk; when the queue is full the entry is dropped with a warning.
type Journal struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
	queue  chan func()
	done   chan struct{}
}

func Open(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// a single connection keeps :memory: journals on one database
	conn.SetMaxOpenConns(1)

	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("Relay journal opened")

	j := &Journal{
		db:    conn,
		queue: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
	go j.writer()
	return j, nil
}

func (j *Journal) writer() {
	defer close(j.done)
	for write := range j.queue {
		write()
	}
}

func (j *Journal) enqueue(write func()) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	select {
	case j.queue <- write:
		return true
	default:
		log.Warn().Int("queued", queueSize).Msg("Relay journal queue full, dropping entry")
		return false
	}
}

// Flush waits until every write queued before the call has run.
func (j *Journal) Flush() {
	written := make(chan struct{})
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.queue <- func() { close(written) }
	j.mu.Unlock()
	<-written
}

func migrate(conn *sql.DB) error {
	tx, err := StartTransaction(conn)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(schema); err != nil {
		RollbackTransaction(tx)
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return CommitTransaction(tx)
}

// Close runs the queued writes and closes the database. Entries recorded
// afterwards are discarded.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

func (j *Journal) RecordCommand(at time.Time, relay int, state model.RelayState, seq byte, cmdErr error) {
	var errText sql.NullString
	if cmdErr != nil {
		errText = sql.NullString{String: cmdErr.Error(), Valid: true}
	}
	ts := at.UTC().Format(timeLayout)
	j.enqueue(func() {
		_, err := j.db.Exec(`INSERT INTO commands (at, relay, state, seq, error) VALUES (?, ?, ?, ?, ?)`,
			ts, relay, string(state), int(seq), errText)
		if err != nil {
			log.Warn().Err(err).Int("relay", relay).Msg("Failed to journal relay command")
		}
	})
}

func (j *Journal) RecordStateChange(at time.Time, relay int, state model.RelayState, source string) {
	ts := at.UTC().Format(timeLayout)
	j.enqueue(func() {
		_, err := j.db.Exec(`INSERT INTO state_changes (at, relay, state, source) VALUES (?, ?, ?, ?)`,
			ts, relay, string(state), source)
		if err != nil {
			log.Warn().Err(err).Int("relay", relay).Msg("Failed to journal relay state change")
		}
	})
}

// Prune deletes journal rows older than cutoff from both tables.
func (j *Journal) Prune(cutoff time.Time) (int64, error) {
	j.Flush()
	tx, err := StartTransaction(j.db)
	if err != nil {
		return 0, err
	}
	ts := cutoff.UTC().Format(timeLayout)

	var total int64
	for _, table := range []string{"commands", "state_changes"} {
		res, err := tx.Exec(`DELETE FROM `+table+` WHERE at < ?`, ts)
		if err != nil {
			RollbackTransaction(tx)
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := CommitTransaction(tx); err != nil {
		return 0, err
	}
	return total, nil
}
