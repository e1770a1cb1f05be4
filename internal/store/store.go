// Package store persists hosts in SQLite and publishes lifecycle events
// to subscribers. Writes are serialised; readers see committed snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/lanwake/lanwake/internal/netscan"
)

// Error kinds callers dispatch on.
var (
	// ErrConflict marks a uniqueness violation on name, MAC, or IP.
	ErrConflict = errors.New("uniqueness conflict")
	// ErrNotFound marks a missing host.
	ErrNotFound = errors.New("host not found")
	// ErrInvalid marks a rejected field value.
	ErrInvalid = errors.New("invalid host field")
)

// Field limits.
const (
	maxNameLen  = 255
	maxNotesLen = 2000
	maxTags     = 32
	maxTagLen   = 64
)

// Status is a host power state.
type Status string

const (
	StatusAwake  Status = "awake"
	StatusAsleep Status = "asleep"
)

// Host is the central entity, keyed by name. MAC and IP are also unique.
type Host struct {
	Name           string
	MAC            string
	IP             string
	Status         Status
	LastSeen       *time.Time
	Discovered     bool
	PingResponsive *bool
	Notes          string
	Tags           []string
}

// EventType identifies a lifecycle event.
type EventType string

const (
	EventHostDiscovered EventType = "host-discovered"
	EventHostUpdated    EventType = "host-updated"
	EventHostRemoved    EventType = "host-removed"
	EventScanComplete   EventType = "scan-complete"
)

// Event is a lifecycle notification. Host is set for discovered/updated,
// Name for removed, HostCount for scan-complete.
type Event struct {
	Type      EventType
	Host      *Host
	Name      string
	HostCount int
}

// Store owns all host records.
type Store struct {
	log zerolog.Logger
	db  *sql.DB

	writeMu sync.Mutex

	subMu sync.RWMutex
	subs  []chan Event
}

// Open opens the SQLite database at path and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers during writes.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		name            TEXT PRIMARY KEY,
		mac             TEXT NOT NULL UNIQUE,
		ip              TEXT NOT NULL UNIQUE,
		status          TEXT NOT NULL DEFAULT 'asleep',
		last_seen       DATETIME,
		discovered      INTEGER NOT NULL DEFAULT 0,
		ping_responsive INTEGER,
		notes           TEXT NOT NULL DEFAULT '',
		tags            TEXT NOT NULL DEFAULT '[]',
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_hosts_mac ON hosts(mac);
	`
	_, err := db.Exec(schema)
	return err
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Subscribe registers a lifecycle event channel with the given buffer.
// Events that would block are dropped with a warning.
func (s *Store) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) publish(ev Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn().Str("event", string(ev.Type)).Msg("subscriber full, dropping lifecycle event")
		}
	}
}

// EmitHostDiscovered publishes a host-discovered event. Used by the scan
// orchestrator after an add with lifecycle suppressed.
func (s *Store) EmitHostDiscovered(h *Host) {
	s.publish(Event{Type: EventHostDiscovered, Host: h, Name: h.Name})
}

// NotifyScanComplete publishes a scan-complete event with the current
// host count.
func (s *Store) NotifyScanComplete(count int) {
	s.publish(Event{Type: EventScanComplete, HostCount: count})
}

// GetAll returns all hosts ordered by name.
func (s *Store) GetAll(ctx context.Context) ([]Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, mac, ip, status, last_seen, discovered, ping_responsive, notes, tags
		 FROM hosts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// GetByName returns the host with the given name, or ErrNotFound.
func (s *Store) GetByName(ctx context.Context, name string) (*Host, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, mac, ip, status, last_seen, discovered, ping_responsive, notes, tags
		 FROM hosts WHERE name = ?`, name)
	return scanHostRow(row, name)
}

// GetByMAC returns the host with the given (canonicalised) MAC, or
// ErrNotFound.
func (s *Store) GetByMAC(ctx context.Context, mac string) (*Host, error) {
	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT name, mac, ip, status, last_seen, discovered, ping_responsive, notes, tags
		 FROM hosts WHERE mac = ?`, canonical)
	return scanHostRow(row, canonical)
}

// AddOptions carries the optional fields of Add.
type AddOptions struct {
	Notes      string
	Tags       []string
	Discovered bool
	// EmitEvent controls the host-discovered lifecycle event. Agent- and
	// scan-driven adds suppress it and re-emit explicitly.
	EmitEvent bool
}

// Add inserts a host. The MAC is canonicalised before storage.
func (s *Store) Add(ctx context.Context, name, mac, ip string, opts AddOptions) (*Host, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validateIP(ip); err != nil {
		return nil, err
	}
	if err := validateNotes(opts.Notes); err != nil {
		return nil, err
	}
	if err := validateTags(opts.Tags); err != nil {
		return nil, err
	}

	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hosts (name, mac, ip, status, discovered, notes, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, canonical, ip, string(StatusAsleep), boolToInt(opts.Discovered), opts.Notes, string(tagsJSON))
	if err != nil {
		return nil, wrapConstraint(err)
	}

	h := &Host{
		Name:       name,
		MAC:        canonical,
		IP:         ip,
		Status:     StatusAsleep,
		Discovered: opts.Discovered,
		Notes:      opts.Notes,
		Tags:       tags,
	}

	s.log.Info().Str("name", name).Str("mac", canonical).Str("ip", ip).Msg("host added")
	if opts.EmitEvent {
		s.publish(Event{Type: EventHostDiscovered, Host: h, Name: name})
	}
	return h, nil
}

// Patch lists the fields Update may change. Nil fields are untouched.
type Patch struct {
	Name   *string // rename
	MAC    *string
	IP     *string
	Status *Status
	Notes  *string
	Tags   *[]string
}

// Update applies a patch to the host with the given name and returns the
// updated record. emitEvent=false suppresses the host-updated lifecycle
// event (agent-driven mutations re-emit explicitly to avoid echo loops).
func (s *Store) Update(ctx context.Context, name string, patch Patch, emitEvent bool) (*Host, error) {
	var sets []string
	var args []any

	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return nil, err
		}
		sets, args = append(sets, "name = ?"), append(args, *patch.Name)
	}
	if patch.MAC != nil {
		canonical, err := netscan.FormatMAC(*patch.MAC)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		sets, args = append(sets, "mac = ?"), append(args, canonical)
	}
	if patch.IP != nil {
		if err := validateIP(*patch.IP); err != nil {
			return nil, err
		}
		sets, args = append(sets, "ip = ?"), append(args, *patch.IP)
	}
	if patch.Status != nil {
		if *patch.Status != StatusAwake && *patch.Status != StatusAsleep {
			return nil, fmt.Errorf("%w: status %q", ErrInvalid, *patch.Status)
		}
		sets, args = append(sets, "status = ?"), append(args, string(*patch.Status))
	}
	if patch.Notes != nil {
		if err := validateNotes(*patch.Notes); err != nil {
			return nil, err
		}
		sets, args = append(sets, "notes = ?"), append(args, *patch.Notes)
	}
	if patch.Tags != nil {
		if err := validateTags(*patch.Tags); err != nil {
			return nil, err
		}
		tagsJSON, err := json.Marshal(*patch.Tags)
		if err != nil {
			return nil, err
		}
		sets, args = append(sets, "tags = ?"), append(args, string(tagsJSON))
	}

	if len(sets) == 0 {
		// Empty patch: report current state, still a success.
		return s.GetByName(ctx, name)
	}

	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET `+strings.Join(sets, ", ")+` WHERE name = ?`,
		append(args, name)...)
	s.writeMu.Unlock()
	if err != nil {
		return nil, wrapConstraint(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	finalName := name
	if patch.Name != nil {
		finalName = *patch.Name
	}
	h, err := s.GetByName(ctx, finalName)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("name", finalName).Msg("host updated")
	if emitEvent {
		s.publish(Event{Type: EventHostUpdated, Host: h, Name: finalName})
	}
	return h, nil
}

// Delete removes the host with the given name. emitEvent=false
// suppresses the host-removed lifecycle event.
func (s *Store) Delete(ctx context.Context, name string, emitEvent bool) error {
	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE name = ?`, name)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s.log.Info().Str("name", name).Msg("host removed")
	if emitEvent {
		s.publish(Event{Type: EventHostRemoved, Name: name})
	}
	return nil
}

// UpdateStatus sets the power state of the named host.
func (s *Store) UpdateStatus(ctx context.Context, name string, status Status) error {
	if status != StatusAwake && status != StatusAsleep {
		return fmt.Errorf("%w: status %q", ErrInvalid, status)
	}
	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = ? WHERE name = ?`, string(status), name)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// UpdateSeen atomically records a sighting for the host with the given
// MAC: status, ping responsiveness, and last-seen timestamp move
// together. Fails with ErrNotFound when no row matches.
func (s *Store) UpdateSeen(ctx context.Context, mac string, status Status, pingResponsive bool) error {
	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE hosts SET status = ?, ping_responsive = ?, last_seen = ? WHERE mac = ?`,
		string(status), boolToInt(pingResponsive), time.Now().UTC(), canonical)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: mac %s", ErrNotFound, canonical)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(r rowScanner) (*Host, error) {
	var h Host
	var status string
	var lastSeen sql.NullTime
	var discovered int
	var pingResponsive sql.NullInt64
	var tagsJSON string

	if err := r.Scan(&h.Name, &h.MAC, &h.IP, &status, &lastSeen,
		&discovered, &pingResponsive, &h.Notes, &tagsJSON); err != nil {
		return nil, err
	}

	h.Status = Status(status)
	if lastSeen.Valid {
		t := lastSeen.Time
		h.LastSeen = &t
	}
	h.Discovered = discovered != 0
	if pingResponsive.Valid {
		v := pingResponsive.Int64 != 0
		h.PingResponsive = &v
	}
	if err := json.Unmarshal([]byte(tagsJSON), &h.Tags); err != nil {
		h.Tags = nil
	}
	return &h, nil
}

func scanHostRow(row *sql.Row, key string) (*Host, error) {
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// wrapConstraint maps SQLite uniqueness violations onto ErrConflict so
// callers can tell them apart from generic failures.
func wrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func validateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalid, maxNameLen)
	}
	return nil
}

func validateIP(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("%w: %q is not a valid IPv4 address", ErrInvalid, ip)
	}
	return nil
}

func validateNotes(notes string) error {
	if len(notes) > maxNotesLen {
		return fmt.Errorf("%w: notes exceed %d characters", ErrInvalid, maxNotesLen)
	}
	return nil
}

func validateTags(tags []string) error {
	if len(tags) > maxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalid, maxTags)
	}
	for _, t := range tags {
		if t == "" || len(t) > maxTagLen {
			return fmt.Errorf("%w: tag must be 1-%d characters", ErrInvalid, maxTagLen)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
