// Package audit keeps a tamper-evident log of security-relevant
// operations.
//
// Entries form an HMAC chain: each entry's MAC covers its fields plus
// the previous entry's MAC, keyed by a secret created on first use.
// Truncating, editing, or reordering the log breaks the chain, which
// Verify detects. The log records operations and alias digests only,
// never key material or plaintext.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vaultd/internal/security"
)

// Operations recorded in the log.
const (
	OpKeyGenerated         = "key_generated"
	OpKeyDeleted           = "key_deleted"
	OpKeyVerifyFailed      = "key_verify_failed"
	OpDecryptDenied        = "decrypt_denied"
	OpDecryptCancelled     = "decrypt_cancelled"
	OpBackupPromoted       = "backup_promoted"
	OpSchemePinned         = "scheme_pinned"
	OpExternalModification = "external_modification"
)

// Package errors.
var (
	ErrChainBroken = errors.New("audit: hmac chain broken")
	ErrClosed      = errors.New("audit: log closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns  INTEGER NOT NULL,
    op            TEXT NOT NULL,
    alias         TEXT NOT NULL,
    detail        TEXT,
    prev_hmac     BLOB NOT NULL,
    hmac          BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_op ON entries(op, timestamp_ns);
`

// Entry is one audit record.
type Entry struct {
	ID          int64
	TimestampNs int64
	Op          string
	Alias       string
	Detail      string
	PrevHMAC    []byte
	HMAC        []byte
}

// Log is the append-only audit log.
type Log struct {
	mu       sync.Mutex
	db       *sql.DB
	secret   []byte
	lastHMAC []byte
	closed   bool
}

// Open opens or creates the audit log at dbPath, with the chain secret
// at secretPath.
func Open(dbPath, secretPath string) (*Log, error) {
	dir := filepath.Dir(dbPath)
	if err := security.EnsureSecureDir(dir); err != nil {
		return nil, fmt.Errorf("audit: prepare directory: %w", err)
	}

	secret, err := loadOrCreateSecret(secretPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}

	l := &Log{db: db, secret: secret}
	if err := l.loadTail(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func loadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != sha256.Size {
			return nil, errors.New("audit: chain secret corrupt")
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: read chain secret: %w", err)
	}

	secret := make([]byte, sha256.Size)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("audit: generate chain secret: %w", err)
	}
	if err := security.WriteSecretFile(path, secret); err != nil {
		return nil, fmt.Errorf("audit: persist chain secret: %w", err)
	}
	return secret, nil
}

// loadTail fetches the newest entry's MAC so appends continue the
// chain across restarts.
func (l *Log) loadTail() error {
	var mac []byte
	err := l.db.QueryRow(`SELECT hmac FROM entries ORDER BY id DESC LIMIT 1`).Scan(&mac)
	if errors.Is(err, sql.ErrNoRows) {
		l.lastHMAC = make([]byte, sha256.Size)
		return nil
	}
	if err != nil {
		return fmt.Errorf("audit: load chain tail: %w", err)
	}
	l.lastHMAC = mac
	return nil
}

// Append records an operation. Detail must not contain secrets.
func (l *Log) Append(op, alias, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	e := Entry{
		TimestampNs: time.Now().UnixNano(),
		Op:          op,
		Alias:       alias,
		Detail:      detail,
		PrevHMAC:    l.lastHMAC,
	}
	e.HMAC = l.mac(&e)

	_, err := l.db.Exec(`
		INSERT INTO entries (timestamp_ns, op, alias, detail, prev_hmac, hmac)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TimestampNs, e.Op, e.Alias, e.Detail, e.PrevHMAC, e.HMAC,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}

	l.lastHMAC = e.HMAC
	return nil
}

// Verify walks the whole log and checks the HMAC chain.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	rows, err := l.db.Query(`
		SELECT id, timestamp_ns, op, alias, detail, prev_hmac, hmac
		FROM entries ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	prev := make([]byte, sha256.Size)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TimestampNs, &e.Op, &e.Alias, &e.Detail, &e.PrevHMAC, &e.HMAC); err != nil {
			return fmt.Errorf("audit: scan entry: %w", err)
		}
		if !hmac.Equal(e.PrevHMAC, prev) {
			return fmt.Errorf("%w: entry %d prev link", ErrChainBroken, e.ID)
		}
		if !hmac.Equal(e.HMAC, l.mac(&e)) {
			return fmt.Errorf("%w: entry %d", ErrChainBroken, e.ID)
		}
		prev = e.HMAC
	}
	return rows.Err()
}

// Recent returns the newest n entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.Query(`
		SELECT id, timestamp_ns, op, alias, detail, prev_hmac, hmac
		FROM entries ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TimestampNs, &e.Op, &e.Alias, &e.Detail, &e.PrevHMAC, &e.HMAC); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func (l *Log) mac(e *Entry) []byte {
	h := hmac.New(sha256.New, l.secret)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(e.TimestampNs))
	h.Write(buf[:])
	h.Write([]byte(e.Op))
	h.Write([]byte{0})
	h.Write([]byte(e.Alias))
	h.Write([]byte{0})
	h.Write([]byte(e.Detail))
	h.Write([]byte{0})
	h.Write(e.PrevHMAC)
	return h.Sum(nil)
}
