// Package journal records the nodes seen on a bus and every change they
// reported in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/robotalks/rrbus/pkg/framework"
	"github.com/robotalks/rrbus/pkg/hal"
	"github.com/robotalks/rrbus/pkg/master"
)

// Entry kinds.
const (
	KindNode    = "node"
	KindSensor  = "sensor"
	KindTurnout = "turnout"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Entry is a recorded change. For a node Value is its new state, else
// the device value as 0 or 1.
type Entry struct {
	ID         int64
	Address    byte
	Kind       string
	Subaddress byte
	Value      string
	CreatedAt  time.Time
}

// NodeRecord is the last known state of a node.
type NodeRecord struct {
	Address   byte
	Version   byte
	State     string
	UpdatedAt time.Time
}

// Journal implements master.Listener. Changes are buffered and written
// by Flush, which runs as a loop controller.
type Journal struct {
	Clock hal.Clock

	db      *sql.DB
	lock    sync.Mutex
	pending []Entry
	nodes   []NodeRecord
}

// Open opens or creates the journal at path, ":memory:" keeps it in
// memory.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// a single connection keeps an in-memory database alive
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure journal: %w", err)
	}
	j := &Journal{Clock: hal.SystemClock{}, db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS nodes (
		address INTEGER PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address INTEGER NOT NULL,
		kind TEXT NOT NULL,
		subaddress INTEGER NOT NULL DEFAULT 0,
		value TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_changes_address ON changes(address, created_at);
	`)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// NodeChanged implements master.Listener.
func (j *Journal) NodeChanged(n *master.NodeInfo, old master.State) {
	now := j.Clock.Now()
	j.lock.Lock()
	j.nodes = append(j.nodes, NodeRecord{Address: n.Address, Version: n.Version, State: n.State.String(), UpdatedAt: now})
	j.pending = append(j.pending, Entry{Address: n.Address, Kind: KindNode, Value: n.State.String(), CreatedAt: now})
	j.lock.Unlock()
}

// SensorChanged implements master.Listener.
func (j *Journal) SensorChanged(addr, sub byte, value bool) {
	j.record(addr, KindSensor, sub, value)
}

// TurnoutChanged implements master.Listener.
func (j *Journal) TurnoutChanged(addr, sub byte, thrown bool) {
	j.record(addr, KindTurnout, sub, thrown)
}

func (j *Journal) record(addr byte, kind string, sub byte, value bool) {
	v := "0"
	if value {
		v = "1"
	}
	e := Entry{Address: addr, Kind: kind, Subaddress: sub, Value: v, CreatedAt: j.Clock.Now()}
	j.lock.Lock()
	j.pending = append(j.pending, e)
	j.lock.Unlock()
}

// Control implements framework.Controller.
func (j *Journal) Control(cc framework.ControlContext) error {
	return j.Flush(cc.Context())
}

// Flush writes the buffered changes in one transaction. On failure they
// stay buffered.
func (j *Journal) Flush(ctx context.Context) error {
	j.lock.Lock()
	entries, nodes := j.pending, j.nodes
	j.pending, j.nodes = nil, nil
	j.lock.Unlock()
	if len(entries) == 0 && len(nodes) == 0 {
		return nil
	}
	if err := j.write(ctx, entries, nodes); err != nil {
		j.lock.Lock()
		j.pending = append(entries, j.pending...)
		j.nodes = append(nodes, j.nodes...)
		j.lock.Unlock()
		return err
	}
	glog.V(4).Infof("journal: %d changes written", len(entries))
	return nil
}

func (j *Journal) write(ctx context.Context, entries []Entry, nodes []NodeRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal: %w", err)
	}
	for _, n := range nodes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (address, version, state, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(address) DO UPDATE SET version = excluded.version, state = excluded.state, updated_at = excluded.updated_at`,
			n.Address, n.Version, n.State, n.UpdatedAt.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("updating node %d: %w", n.Address, err)
		}
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO changes (address, kind, subaddress, value, created_at) VALUES (?, ?, ?, ?, ?)",
			e.Address, e.Kind, e.Subaddress, e.Value, e.CreatedAt.UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting change: %w", err)
		}
	}
	return tx.Commit()
}

// Nodes returns the last known state of all nodes.
func (j *Journal) Nodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := j.db.QueryContext(ctx, "SELECT address, version, state, updated_at FROM nodes ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()
	var nodes []NodeRecord
	for rows.Next() {
		var (
			n         NodeRecord
			updatedAt int64
		)
		if err := rows.Scan(&n.Address, &n.Version, &n.State, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		n.UpdatedAt = time.Unix(0, updatedAt)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// History returns the changes of a node, newest first.
func (j *Journal) History(ctx context.Context, addr byte, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, address, kind, subaddress, value, created_at
		 FROM changes
		 WHERE address = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()
	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Address, &e.Kind, &e.Subaddress, &e.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}
		e.CreatedAt = time.Unix(0, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes changes older than the given age and returns how many
// were deleted.
func (j *Journal) Prune(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := j.Clock.Now().Add(-age).UnixNano()
	res, err := j.db.ExecContext(ctx, "DELETE FROM changes WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning changes: %w", err)
	}
	return res.RowsAffected()
}
