package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresDB is the Store used when the server is given a database URL.
type PostgresDB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*PostgresDB)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	name TEXT PRIMARY KEY,
	password TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS direct_messages (
	id BIGSERIAL PRIMARY KEY,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_groups (
	id BIGSERIAL PRIMARY KEY,
	admin TEXT NOT NULL,
	created_at BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id BIGINT NOT NULL REFERENCES chat_groups(id),
	member TEXT NOT NULL,
	joined_at BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (group_id, member)
);

CREATE TABLE IF NOT EXISTS group_messages (
	id BIGSERIAL PRIMARY KEY,
	group_id BIGINT NOT NULL REFERENCES chat_groups(id),
	sender TEXT NOT NULL,
	body TEXT NOT NULL
);

ALTER TABLE direct_messages ADD COLUMN IF NOT EXISTS ts BIGINT NOT NULL DEFAULT 0;
ALTER TABLE direct_messages ADD COLUMN IF NOT EXISTS delivered_at BIGINT;
ALTER TABLE group_messages ADD COLUMN IF NOT EXISTS ts BIGINT NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_direct_messages_recipient ON direct_messages(recipient, ts, id);
CREATE INDEX IF NOT EXISTS idx_group_messages_group ON group_messages(group_id, ts, id);
CREATE INDEX IF NOT EXISTS idx_group_members_member ON group_members(member);
`

// OpenPostgres connects to databaseURL and makes sure the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 20 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info("postgres store ready", zap.Int32("max_conns", poolConfig.MaxConns))
	return &PostgresDB{pool: pool, logger: logger}, nil
}

func (p *PostgresDB) Close() error {
	p.logger.Info("closing database connection pool")
	p.pool.Close()
	return nil
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresDB) CreateAccount(ctx context.Context, name, password, email string) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO accounts (name, password, email, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING`, name, password, email, nowMillis())
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresDB) GetAccount(ctx context.Context, name string) (*Account, error) {
	var acc Account
	err := p.pool.QueryRow(ctx, `
		SELECT name, password, email, created_at FROM accounts WHERE name = $1`, name).
		Scan(&acc.Name, &acc.Password, &acc.Email, &acc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

func (p *PostgresDB) VerifyCredentials(ctx context.Context, name, password string) (*Account, error) {
	acc, err := p.GetAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	if acc.Password != password {
		return nil, ErrMismatch
	}
	return acc, nil
}

func (p *PostgresDB) ListAccountNames(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM accounts ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan accounts: %w", err)
	}
	return names, nil
}

func (p *PostgresDB) RecordDirectMessage(ctx context.Context, sender, recipient, text string, ts int64) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO direct_messages (sender, recipient, body, ts)
		VALUES ($1, $2, $3, $4) RETURNING id`, sender, recipient, text, ts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record direct message: %w", err)
	}
	return id, nil
}

func (p *PostgresDB) FetchUndeliveredDirectMessages(ctx context.Context, recipient string) ([]DirectMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, sender, recipient, body, ts
		FROM direct_messages
		WHERE recipient = $1 AND delivered_at IS NULL
		ORDER BY ts ASC, id ASC`, recipient)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog: %w", err)
	}
	return msgs, nil
}

func (p *PostgresDB) MarkDirectMessagesDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE direct_messages SET delivered_at = $1
		WHERE id = ANY($2) AND delivered_at IS NULL`, nowMillis(), ids)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (p *PostgresDB) CreateGroup(ctx context.Context, admin string, members []string) (int64, error) {
	var groupID int64
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		now := nowMillis()
		if err := tx.QueryRow(ctx, `
			INSERT INTO chat_groups (admin, created_at) VALUES ($1, $2) RETURNING id`, admin, now).Scan(&groupID); err != nil {
			return fmt.Errorf("create group: %w", err)
		}
		_, err := pgInsertMembers(ctx, tx, groupID, members, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return groupID, nil
}

func (p *PostgresDB) AddGroupMembers(ctx context.Context, groupID int64, names []string) ([]string, error) {
	var added []string
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_groups WHERE id = $1)`, groupID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup group: %w", err)
		}
		if !exists {
			return ErrGroupNotFound
		}
		var err error
		added, err = pgInsertMembers(ctx, tx, groupID, names, nowMillis())
		return err
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

func pgInsertMembers(ctx context.Context, tx pgx.Tx, groupID int64, names []string, now int64) ([]string, error) {
	added := make([]string, 0, len(names))
	for _, name := range uniqueNames(names) {
		tag, err := tx.Exec(ctx, `
			INSERT INTO group_members (group_id, member, joined_at) VALUES ($1, $2, $3)
			ON CONFLICT (group_id, member) DO NOTHING`, groupID, name, now)
		if err != nil {
			return nil, fmt.Errorf("add member %s: %w", name, err)
		}
		if tag.RowsAffected() > 0 {
			added = append(added, name)
		}
	}
	return added, nil
}

func (p *PostgresDB) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	g := &Group{ID: groupID}
	err := p.pool.QueryRow(ctx, `SELECT admin, created_at FROM chat_groups WHERE id = $1`, groupID).
		Scan(&g.Admin, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT member FROM group_members WHERE group_id = $1 ORDER BY joined_at, member`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	g.Members, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan members: %w", err)
	}
	return g, nil
}

func (p *PostgresDB) RecordGroupMessage(ctx context.Context, groupID int64, sender, text string, ts int64) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO group_messages (group_id, sender, body, ts)
		VALUES ($1, $2, $3, $4) RETURNING id`, groupID, sender, text, ts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("record group message: %w", err)
	}
	return id, nil
}

func (p *PostgresDB) FetchGroupHistory(ctx context.Context, groupID int64) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT sender || ': ' || body
		FROM group_messages
		WHERE group_id = $1
		ORDER BY ts ASC, id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	lines, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return lines, nil
}

func (p *PostgresDB) RenameAccountEverywhere(ctx context.Context, oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var taken bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE name = $1)`, newName).Scan(&taken); err != nil {
			return fmt.Errorf("check name: %w", err)
		}
		if taken {
			return ErrConflict
		}

		tag, err := tx.Exec(ctx, `UPDATE accounts SET name = $1 WHERE name = $2`, newName, oldName)
		if err != nil {
			return fmt.Errorf("rename account: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		for _, stmt := range renameStatements("$1", "$2") {
			if _, err := tx.Exec(ctx, stmt, newName, oldName); err != nil {
				return fmt.Errorf("rename references: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM group_members
			WHERE member = $1 AND group_id IN (SELECT group_id FROM group_members WHERE member = $2)`,
			oldName, newName); err != nil {
			return fmt.Errorf("dedupe members: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE group_members SET member = $1 WHERE member = $2`, newName, oldName); err != nil {
			return fmt.Errorf("rename members: %w", err)
		}
		return nil
	})
}
