package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict indicates the account name is already taken.
	ErrConflict = errors.New("account already exists")
	// ErrNotFound indicates the account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrMismatch indicates the password did not match the stored one.
	ErrMismatch = errors.New("password mismatch")
	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = errors.New("group not found")
)

// Account is a registered identity.
type Account struct {
	Name      string
	Password  string
	Email     string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// DirectMessage is a stored one-to-one message.
type DirectMessage struct {
	ID          int64
	Sender      string
	Recipient   string
	Text        string
	Timestamp   int64 // Unix timestamp in milliseconds
}

// Group is a durable group row with its member list.
type Group struct {
	ID        int64
	Admin     string
	Members   []string
	CreatedAt int64
}

// Store is the durable record of accounts, messages and groups. Every
// method is safe for concurrent use.
type Store interface {
	CreateAccount(ctx context.Context, name, password, email string) error
	GetAccount(ctx context.Context, name string) (*Account, error)
	VerifyCredentials(ctx context.Context, name, password string) (*Account, error)
	ListAccountNames(ctx context.Context) ([]string, error)

	RecordDirectMessage(ctx context.Context, sender, recipient, text string, ts int64) (int64, error)
	// FetchUndeliveredDirectMessages returns the recipient's backlog ordered
	// by timestamp, ties broken by insertion order.
	FetchUndeliveredDirectMessages(ctx context.Context, recipient string) ([]DirectMessage, error)
	MarkDirectMessagesDelivered(ctx context.Context, ids []int64) error

	// CreateGroup inserts a group and its initial members. Duplicate member
	// names are stored once.
	CreateGroup(ctx context.Context, admin string, members []string) (int64, error)
	// AddGroupMembers inserts the names not already members and returns
	// exactly those, in input order.
	AddGroupMembers(ctx context.Context, groupID int64, names []string) ([]string, error)
	GetGroup(ctx context.Context, groupID int64) (*Group, error)

	RecordGroupMessage(ctx context.Context, groupID int64, sender, text string, ts int64) (int64, error)
	// FetchGroupHistory returns "sender: text" lines ordered by timestamp,
	// ties broken by insertion order.
	FetchGroupHistory(ctx context.Context, groupID int64) ([]string, error)

	// RenameAccountEverywhere renames the account and every row referencing
	// it in one transaction. ErrConflict if newName exists, ErrNotFound if
	// oldName does not.
	RenameAccountEverywhere(ctx context.Context, oldName, newName string) error

	Ping(ctx context.Context) error
	Close() error
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// uniqueNames drops empty and repeated names, keeping first-seen order.
func uniqueNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
