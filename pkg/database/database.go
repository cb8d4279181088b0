package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is the SQLite-backed Store.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var _ Store = (*DB)(nil)

var pragmas = []struct {
	stmt string
	what string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path, creating and migrating the schema
// if needed. Writes go through a single connection so SQLite never sees two
// concurrent writers; reads use a pool.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{conn: conn, writeConn: writeConn}

	if err := db.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	if err := db.initIndexes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return db, nil
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// Ping checks the read pool is usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates all tables if they don't exist
func (db *DB) initSchema() error {
	_, err := db.writeConn.Exec(`
CREATE TABLE IF NOT EXISTS accounts (
	name TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS direct_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	body TEXT NOT NULL,
	ts INTEGER NOT NULL DEFAULT 0,
	delivered_at INTEGER
);

CREATE TABLE IF NOT EXISTS chat_groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	admin TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id INTEGER NOT NULL,
	member TEXT NOT NULL,
	joined_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (group_id, member),
	FOREIGN KEY (group_id) REFERENCES chat_groups(id)
);

CREATE TABLE IF NOT EXISTS group_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id INTEGER NOT NULL,
	sender TEXT NOT NULL,
	body TEXT NOT NULL,
	ts INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (group_id) REFERENCES chat_groups(id)
);
`)
	return err
}

// migrate brings tables created by older releases up to date. Older message
// tables had no timestamp column; their rows get ts = id so insertion order
// is preserved.
func (db *DB) migrate() error {
	for _, table := range []string{"direct_messages", "group_messages"} {
		if db.columnExists(table, "ts") {
			continue
		}
		if _, err := db.writeConn.Exec("ALTER TABLE " + table + " ADD COLUMN ts INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("add ts to %s: %w", table, err)
		}
		if _, err := db.writeConn.Exec("UPDATE " + table + " SET ts = id WHERE ts = 0"); err != nil {
			return fmt.Errorf("backfill ts on %s: %w", table, err)
		}
	}

	if !db.columnExists("direct_messages", "delivered_at") {
		if _, err := db.writeConn.Exec("ALTER TABLE direct_messages ADD COLUMN delivered_at INTEGER"); err != nil {
			return fmt.Errorf("add delivered_at: %w", err)
		}
	}

	return nil
}

func (db *DB) initIndexes() error {
	_, err := db.writeConn.Exec(`
CREATE INDEX IF NOT EXISTS idx_direct_messages_recipient ON direct_messages(recipient, ts, id);
CREATE INDEX IF NOT EXISTS idx_group_messages_group ON group_messages(group_id, ts, id);
CREATE INDEX IF NOT EXISTS idx_group_members_member ON group_members(member);
`)
	return err
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	var count int
	err := db.writeConn.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// CreateAccount inserts a new account. Returns ErrConflict if name is taken.
func (db *DB) CreateAccount(ctx context.Context, name, password, email string) error {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO accounts (name, password, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`, name, password, email, nowMillis())
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// GetAccount retrieves an account by name
func (db *DB) GetAccount(ctx context.Context, name string) (*Account, error) {
	var acc Account
	err := db.conn.QueryRowContext(ctx, `
		SELECT name, password, email, created_at FROM accounts WHERE name = ?
	`, name).Scan(&acc.Name, &acc.Password, &acc.Email, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

// VerifyCredentials compares password with the stored one.
func (db *DB) VerifyCredentials(ctx context.Context, name, password string) (*Account, error) {
	acc, err := db.GetAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	if acc.Password != password {
		return nil, ErrMismatch
	}
	return acc, nil
}

// ListAccountNames returns every account name in creation order.
func (db *DB) ListAccountNames(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name FROM accounts ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (db *DB) RecordDirectMessage(ctx context.Context, sender, recipient, text string, ts int64) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO direct_messages (sender, recipient, body, ts) VALUES (?, ?, ?, ?)
	`, sender, recipient, text, ts)
	if err != nil {
		return 0, fmt.Errorf("record direct message: %w", err)
	}
	return result.LastInsertId()
}

func (db *DB) FetchUndeliveredDirectMessages(ctx context.Context, recipient string) ([]DirectMessage, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, sender, recipient, body, ts
		FROM direct_messages
		WHERE recipient = ? AND delivered_at IS NULL
		ORDER BY ts ASC, id ASC
	`, recipient)
	if err != nil {
		return nil, fmt.Errorf("fetch backlog: %w", err)
	}
	defer rows.Close()

	var msgs []DirectMessage
	for rows.Next() {
		var m DirectMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan direct message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (db *DB) MarkDirectMessagesDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE direct_messages SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL
		`, now, id); err != nil {
			return fmt.Errorf("mark delivered %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// CreateGroup inserts the group row and its members in one transaction.
func (db *DB) CreateGroup(ctx context.Context, admin string, members []string) (int64, error) {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := nowMillis()
	result, err := tx.ExecContext(ctx, `INSERT INTO chat_groups (admin, created_at) VALUES (?, ?)`, admin, now)
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	groupID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	if _, err := insertMembers(ctx, tx, groupID, members, now); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return groupID, nil
}

func (db *DB) AddGroupMembers(ctx context.Context, groupID int64, names []string) ([]string, error) {
	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_groups WHERE id = ?`, groupID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup group: %w", err)
	}
	if exists == 0 {
		return nil, ErrGroupNotFound
	}

	added, err := insertMembers(ctx, tx, groupID, names, nowMillis())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return added, nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, groupID int64, names []string, now int64) ([]string, error) {
	added := make([]string, 0, len(names))
	for _, name := range uniqueNames(names) {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO group_members (group_id, member, joined_at) VALUES (?, ?, ?)
			ON CONFLICT (group_id, member) DO NOTHING
		`, groupID, name, now)
		if err != nil {
			return nil, fmt.Errorf("add member %s: %w", name, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			added = append(added, name)
		}
	}
	return added, nil
}

func (db *DB) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	g := &Group{ID: groupID}
	err := db.conn.QueryRowContext(ctx, `SELECT admin, created_at FROM chat_groups WHERE id = ?`, groupID).
		Scan(&g.Admin, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT member FROM group_members WHERE group_id = ? ORDER BY joined_at, rowid
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	g.Members = make([]string, 0)
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		g.Members = append(g.Members, m)
	}
	return g, rows.Err()
}

func (db *DB) RecordGroupMessage(ctx context.Context, groupID int64, sender, text string, ts int64) (int64, error) {
	result, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO group_messages (group_id, sender, body, ts) VALUES (?, ?, ?, ?)
	`, groupID, sender, text, ts)
	if err != nil {
		return 0, fmt.Errorf("record group message: %w", err)
	}
	return result.LastInsertId()
}

func (db *DB) FetchGroupHistory(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT sender || ': ' || body
		FROM group_messages
		WHERE group_id = ?
		ORDER BY ts ASC, id ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()

	lines := make([]string, 0)
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// RenameAccountEverywhere renames the account row and every reference to it.
// A group that already lists newName as a member keeps that row and drops
// the old one, so the (group, member) key stays unique.
func (db *DB) RenameAccountEverywhere(ctx context.Context, oldName, newName string) error {
	if oldName == newName {
		return nil
	}

	tx, err := db.writeConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE name = ?`, newName).Scan(&taken); err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if taken > 0 {
		return ErrConflict
	}

	result, err := tx.ExecContext(ctx, `UPDATE accounts SET name = ? WHERE name = ?`, newName, oldName)
	if err != nil {
		return fmt.Errorf("rename account: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	for _, stmt := range renameStatements("?", "?") {
		if _, err := tx.ExecContext(ctx, stmt, newName, oldName); err != nil {
			return fmt.Errorf("rename references: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM group_members
		WHERE member = ? AND group_id IN (SELECT group_id FROM group_members WHERE member = ?)
	`, oldName, newName); err != nil {
		return fmt.Errorf("dedupe members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE group_members SET member = ? WHERE member = ?`, newName, oldName); err != nil {
		return fmt.Errorf("rename members: %w", err)
	}

	return tx.Commit()
}

// renameStatements lists the reference updates shared by both backends. Each
// statement takes (newName, oldName) using the given placeholders.
func renameStatements(newPH, oldPH string) []string {
	return []string{
		"UPDATE direct_messages SET sender = " + newPH + " WHERE sender = " + oldPH,
		"UPDATE direct_messages SET recipient = " + newPH + " WHERE recipient = " + oldPH,
		"UPDATE chat_groups SET admin = " + newPH + " WHERE admin = " + oldPH,
		"UPDATE group_messages SET sender = " + newPH + " WHERE sender = " + oldPH,
	}
}
