package cascade

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// BudgetStore persists budget ledger snapshots in SQLite. The core stays
// process-local; hosts that want budgets to survive restarts wire this to
// Snapshot/Restore around their own lifecycle.
type BudgetStore struct {
	db *sql.DB
}

// NewBudgetStore creates a store over an open database handle and ensures
// the schema exists.
func NewBudgetStore(db *sql.DB) (*BudgetStore, error) {
	bs := &BudgetStore{db: db}
	if err := bs.initSchema(); err != nil {
		return nil, err
	}
	return bs, nil
}

// OpenBudgetStore opens (or creates) a SQLite database at path.
func OpenBudgetStore(path string) (*BudgetStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open budget database: %w", err)
	}
	bs, err := NewBudgetStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return bs, nil
}

// Close closes the underlying database handle.
func (bs *BudgetStore) Close() error {
	return bs.db.Close()
}

func (bs *BudgetStore) initSchema() error {
	_, err := bs.db.Exec(`
		CREATE TABLE IF NOT EXISTS budget_windows (
			user_id      TEXT NOT NULL,
			window       TEXT NOT NULL,
			consumed     REAL NOT NULL,
			cap          REAL NOT NULL,
			warn         REAL NOT NULL,
			block        REAL NOT NULL,
			window_start TEXT NOT NULL,
			PRIMARY KEY (user_id, window)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create budget schema: %w", err)
	}
	return nil
}

// Save replaces the stored state with the given snapshot.
func (bs *BudgetStore) Save(snap BudgetSnapshot) error {
	tx, err := bs.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin budget save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM budget_windows`); err != nil {
		return fmt.Errorf("failed to clear budget windows: %w", err)
	}
	for userID, windows := range snap {
		for window, ws := range windows {
			_, err := tx.Exec(`
				INSERT INTO budget_windows
				(user_id, window, consumed, cap, warn, block, window_start)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, userID, string(window), ws.Consumed, ws.Cap, ws.Warn, ws.Block, ws.WindowStart.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return fmt.Errorf("failed to store budget window %s/%s: %w", userID, window, err)
			}
		}
	}
	return tx.Commit()
}

// Load reads the stored state back into a snapshot.
func (bs *BudgetStore) Load() (BudgetSnapshot, error) {
	rows, err := bs.db.Query(`
		SELECT user_id, window, consumed, cap, warn, block, window_start
		FROM budget_windows
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget windows: %w", err)
	}
	defer rows.Close()

	snap := make(BudgetSnapshot)
	for rows.Next() {
		var userID, window, start string
		var ws WindowSnapshot
		if err := rows.Scan(&userID, &window, &ws.Consumed, &ws.Cap, &ws.Warn, &ws.Block, &start); err != nil {
			return nil, fmt.Errorf("failed to scan budget window: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, start); err == nil {
			ws.WindowStart = ts.UTC()
		}
		if snap[userID] == nil {
			snap[userID] = make(map[BudgetWindow]WindowSnapshot)
		}
		snap[userID][BudgetWindow(window)] = ws
	}
	return snap, rows.Err()
}
