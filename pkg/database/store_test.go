package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// storeSuite runs the behaviour every Store must share.
func storeSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("accounts", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateAccount(ctx, "alice", "pw", "a@example.com"))
		assert.ErrorIs(t, s.CreateAccount(ctx, "alice", "other", "x@example.com"), ErrConflict)

		acc, err := s.VerifyCredentials(ctx, "alice", "pw")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", acc.Email)

		_, err = s.VerifyCredentials(ctx, "alice", "wrong")
		assert.ErrorIs(t, err, ErrMismatch)
		_, err = s.VerifyCredentials(ctx, "nobody", "pw")
		assert.ErrorIs(t, err, ErrNotFound)

		acc, err = s.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "pw", acc.Password)

		require.NoError(t, s.CreateAccount(ctx, "bob", "pw", ""))
		names, err := s.ListAccountNames(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, names)
	})

	t.Run("backlog ordered and replayed once", func(t *testing.T) {
		s := open(t)
		// Equal timestamps fall back to insertion order.
		id1, err := s.RecordDirectMessage(ctx, "alice", "bob", "first", 100)
		require.NoError(t, err)
		id2, err := s.RecordDirectMessage(ctx, "carol", "bob", "second", 100)
		require.NoError(t, err)
		_, err = s.RecordDirectMessage(ctx, "alice", "bob", "zeroth", 50)
		require.NoError(t, err)
		_, err = s.RecordDirectMessage(ctx, "alice", "dave", "other", 10)
		require.NoError(t, err)

		msgs, err := s.FetchUndeliveredDirectMessages(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "zeroth", msgs[0].Text)
		assert.Equal(t, id1, msgs[1].ID)
		assert.Equal(t, id2, msgs[2].ID)
		assert.Equal(t, "carol", msgs[2].Sender)

		require.NoError(t, s.MarkDirectMessagesDelivered(ctx, []int64{msgs[0].ID, msgs[1].ID, msgs[2].ID}))
		msgs, err = s.FetchUndeliveredDirectMessages(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, msgs)

		require.NoError(t, s.MarkDirectMessagesDelivered(ctx, nil))
	})

	t.Run("groups", func(t *testing.T) {
		s := open(t)
		gid, err := s.CreateGroup(ctx, "alice", []string{"alice", "bob", "carol", "bob"})
		require.NoError(t, err)

		g, err := s.GetGroup(ctx, gid)
		require.NoError(t, err)
		assert.Equal(t, "alice", g.Admin)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, g.Members)

		added, err := s.AddGroupMembers(ctx, gid, []string{"dave", "bob", "dave"})
		require.NoError(t, err)
		assert.Equal(t, []string{"dave"}, added)

		added, err = s.AddGroupMembers(ctx, gid, []string{"bob"})
		require.NoError(t, err)
		assert.Empty(t, added)

		g, err = s.GetGroup(ctx, gid)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol", "dave"}, g.Members)

		_, err = s.AddGroupMembers(ctx, gid+1000, []string{"x"})
		assert.ErrorIs(t, err, ErrGroupNotFound)
		_, err = s.GetGroup(ctx, gid+1000)
		assert.ErrorIs(t, err, ErrGroupNotFound)

		gid2, err := s.CreateGroup(ctx, "bob", []string{"bob"})
		require.NoError(t, err)
		assert.Greater(t, gid2, gid)
	})

	t.Run("group history", func(t *testing.T) {
		s := open(t)
		gid, err := s.CreateGroup(ctx, "alice", []string{"alice", "bob"})
		require.NoError(t, err)

		lines, err := s.FetchGroupHistory(ctx, gid)
		require.NoError(t, err)
		assert.Empty(t, lines)

		_, err = s.RecordGroupMessage(ctx, gid, "alice", "hi", 5)
		require.NoError(t, err)
		_, err = s.RecordGroupMessage(ctx, gid, "bob", "hello", 5)
		require.NoError(t, err)

		lines, err = s.FetchGroupHistory(ctx, gid)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice: hi", "bob: hello"}, lines)
	})

	t.Run("rename everywhere", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.CreateAccount(ctx, "alice", "pw", ""))
		require.NoError(t, s.CreateAccount(ctx, "bob", "pw", ""))
		_, err := s.RecordDirectMessage(ctx, "alice", "bob", "to bob", 1)
		require.NoError(t, err)
		_, err = s.RecordDirectMessage(ctx, "bob", "alice", "to alice", 2)
		require.NoError(t, err)

		gid, err := s.CreateGroup(ctx, "alice", []string{"alice", "bob", "zed"})
		require.NoError(t, err)
		_, err = s.RecordGroupMessage(ctx, gid, "alice", "hey", 3)
		require.NoError(t, err)

		assert.ErrorIs(t, s.RenameAccountEverywhere(ctx, "alice", "bob"), ErrConflict)
		assert.ErrorIs(t, s.RenameAccountEverywhere(ctx, "ghost", "spirit"), ErrNotFound)

		require.NoError(t, s.RenameAccountEverywhere(ctx, "alice", "zed"))

		_, err = s.GetAccount(ctx, "alice")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.VerifyCredentials(ctx, "zed", "pw")
		require.NoError(t, err)

		toBob, err := s.FetchUndeliveredDirectMessages(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, toBob, 1)
		assert.Equal(t, "zed", toBob[0].Sender)

		toZed, err := s.FetchUndeliveredDirectMessages(ctx, "zed")
		require.NoError(t, err)
		require.Len(t, toZed, 1)
		assert.Equal(t, "to alice", toZed[0].Text)

		g, err := s.GetGroup(ctx, gid)
		require.NoError(t, err)
		assert.Equal(t, "zed", g.Admin)
		assert.ElementsMatch(t, []string{"zed", "bob"}, g.Members)

		lines, err := s.FetchGroupHistory(ctx, gid)
		require.NoError(t, err)
		assert.Equal(t, []string{"zed: hey"}, lines)
	})

	t.Run("concurrent group creation", func(t *testing.T) {
		s := open(t)
		const workers = 8
		ids := make([]int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				admin := fmt.Sprintf("admin%d", i)
				id, err := s.CreateGroup(ctx, admin, []string{admin, fmt.Sprintf("member%d", i)})
				assert.NoError(t, err)
				ids[i] = id
			}(i)
		}
		wg.Wait()

		seen := make(map[int64]bool)
		for i, id := range ids {
			assert.False(t, seen[id], "duplicate group id %d", id)
			seen[id] = true

			g, err := s.GetGroup(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("admin%d", i), g.Admin)
			assert.ElementsMatch(t, []string{fmt.Sprintf("admin%d", i), fmt.Sprintf("member%d", i)}, g.Members)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return openTestDB(t) })
}

func TestSQLitePing(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Ping(context.Background()))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.CreateAccount(ctx, "alice", "pw", ""))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	acc, err := db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", acc.Name)
}
