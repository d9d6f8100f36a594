package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

// Entry is one command the node has claimed
type Entry struct {
	CommandID   string            `json:"command_id"`
	Type        api.CommandType   `json:"command_type"`
	Status      api.CommandStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Ledger remembers which commands ran so duplicates are skipped
type Ledger interface {
	// Claim records id and reports true only the first time it is seen
	Claim(ctx context.Context, cmd api.Command) (bool, error)
	Complete(ctx context.Context, rep api.CommandReport) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS executed_commands(
	command_id   TEXT PRIMARY KEY,
	command_type TEXT NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	result       TEXT NOT NULL DEFAULT '',
	received_at  INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executed_received ON executed_commands(received_at);`

// SQLiteLedger persists the ledger so a restart does not re-run commands
// redelivered by the controller or the mesh.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLiteLedger opens or creates the ledger database at path
func OpenSQLiteLedger(ctx context.Context, path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Claim(ctx context.Context, cmd api.Command) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO executed_commands(command_id, command_type, status, received_at) VALUES(?,?,?,?)`,
		cmd.ID, string(cmd.Type), string(api.CommandAcknowledged), time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim command %s: %w", cmd.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *SQLiteLedger) Complete(ctx context.Context, rep api.CommandReport) error {
	var result string
	if rep.Result != nil {
		data, err := json.Marshal(rep.Result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		result = string(data)
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE executed_commands SET status=?, error=?, result=?, completed_at=? WHERE command_id=?`,
		string(rep.Status), rep.Error, result, rep.ReportedAt.UnixMilli(), rep.CommandID)
	if err != nil {
		return fmt.Errorf("failed to record result for %s: %w", rep.CommandID, err)
	}
	return nil
}

func (l *SQLiteLedger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT command_id, command_type, status, error, result, received_at, completed_at
		 FROM executed_commands ORDER BY received_at DESC, command_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			typ, st    string
			result     string
			receivedMs int64
			doneMs     sql.NullInt64
		)
		if err := rows.Scan(&e.CommandID, &typ, &st, &e.Error, &result, &receivedMs, &doneMs); err != nil {
			return nil, err
		}
		e.Type = api.CommandType(typ)
		e.Status = api.CommandStatus(st)
		e.ReceivedAt = time.UnixMilli(receivedMs).UTC()
		if doneMs.Valid {
			t := time.UnixMilli(doneMs.Int64).UTC()
			e.CompletedAt = &t
		}
		if result != "" {
			_ = json.Unmarshal([]byte(result), &e.Result)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM executed_commands WHERE completed_at IS NOT NULL AND received_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// MemoryLedger is a process-local ledger used when no data directory is
// available.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*Entry)}
}

func (l *MemoryLedger) Claim(_ context.Context, cmd api.Command) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[cmd.ID]; ok {
		return false, nil
	}
	l.entries[cmd.ID] = &Entry{
		CommandID:  cmd.ID,
		Type:       cmd.Type,
		Status:     api.CommandAcknowledged,
		ReceivedAt: time.Now().UTC(),
	}
	return true, nil
}

func (l *MemoryLedger) Complete(_ context.Context, rep api.CommandReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[rep.CommandID]
	if !ok {
		return nil
	}
	done := rep.ReportedAt.UTC()
	e.Status = rep.Status
	e.Error = rep.Error
	e.Result = rep.Result
	e.CompletedAt = &done
	return nil
}

func (l *MemoryLedger) Recent(_ context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].CommandID < out[j].CommandID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) Prune(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.entries {
		if e.CompletedAt != nil && e.ReceivedAt.Before(before) {
			delete(l.entries, id)
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) Close() error { return nil }
