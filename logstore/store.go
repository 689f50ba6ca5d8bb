// Package logstore is the durable write path for event records: one sqlite
// append store per (network, target), a per-path retry buffer absorbing
// transient lock contention, and a line-delimited JSON fallback when a store
// cannot be opened at all. Callers never observe a storage error.
package logstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/onnwee/ircbridge/irc"
)

// Schema applied on first use of each store.
const schema = `CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT,
	from_server INTEGER,
	nick TEXT,
	ident TEXT,
	hostname TEXT,
	target TEXT,
	message TEXT,
	network TEXT,
	rx_ts DATETIME,
	persist_ts DATETIME,
	tags TEXT,
	extra TEXT
)`

const insertEvent = `INSERT INTO events
	(kind, from_server, nick, ident, hostname, target, message, network, rx_ts, persist_ts, tags, extra)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// appender is the raw store write. The sqlite implementation is swapped for a
// scripted one in tests.
type appender interface {
	append(path string, rec irc.EventRecord) error
}

// sqliteAppender opens and closes its own handle on every call. That trades
// per-write overhead for freedom from cross-event locking: a contended write
// to one path never holds a handle that serializes writes to another.
type sqliteAppender struct{}

func (sqliteAppender) append(path string, rec irc.EventRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("init store %s: %w", path, err)
	}

	tags := ""
	if len(rec.Tags) > 0 {
		if raw, err := json.Marshal(rec.Tags); err == nil {
			tags = string(raw)
		}
	}
	persistTS := nowUTC()
	if _, err := db.Exec(insertEvent,
		string(rec.Kind), rec.FromServer, rec.Nick, rec.Ident, rec.Host,
		rec.Target, rec.Message, rec.Network, rec.RxTime, persistTS,
		tags, rec.Extra,
	); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// isTransient reports whether err is the recoverable "store busy" class:
// SQLITE_BUSY or SQLITE_LOCKED. Everything else is permanent for the record
// at hand.
func isTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// PathFor builds the store path for a (network, target) pair under dir.
// Target names pass through canonicalization before they reach here, so the
// file name is stable across casing variants.
func PathFor(dir, network, target string) string {
	return filepath.Join(dir, sanitize(network), sanitize(target)+".db")
}

// fallbackPath shares the store's path stem with a .log extension.
func fallbackPath(storePath string) string {
	return strings.TrimSuffix(storePath, filepath.Ext(storePath)) + ".log"
}

func nowUTC() time.Time { return time.Now().UTC() }

// marshalRecord serializes rec for the fallback log, stamping the persist
// time the sqlite schema would have recorded.
func marshalRecord(rec irc.EventRecord) ([]byte, error) {
	return json.Marshal(struct {
		irc.EventRecord
		PersistTime time.Time `json:"persist_ts"`
	}{EventRecord: rec, PersistTime: nowUTC()})
}

func dirOf(path string) string { return filepath.Dir(path) }

func sanitize(name string) string {
	r := strings.NewReplacer("/", "_", string(filepath.Separator), "_", "..", "_")
	s := r.Replace(name)
	if s == "" {
		s = "_"
	}
	return s
}
