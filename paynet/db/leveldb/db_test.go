package leveldb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmarket/paynet/paynet/db"
	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*db.DB, *DB) {
	t.Helper()

	ldb, isNew, err := NewDB(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	require.True(t, isNew)
	t.Cleanup(ldb.Close)

	return db.NewDB(ldb), ldb
}

func testRecord(id, recipient string, created time.Time, amounts ...uint64) payments.ChannelRecord {
	rec := payments.ChannelRecord{
		ID:        id,
		Sender:    "0xsender",
		Recipient: recipient,
		Network:   "base-sepolia",
		Token:     "USDC",
		State:     payments.StateOpen,
		Deposit:   1_000_000,
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
		OpenTxID:  "0xopen-" + id,
	}
	for _, a := range amounts {
		rec.Sequence++
		rec.Spent += a
		rec.Payments = append(rec.Payments, payments.Payment{
			ID:               payments.PaymentID(id, rec.Sequence),
			ChannelID:        id,
			Sequence:         rec.Sequence,
			Amount:           a,
			CumulativeAmount: rec.Spent,
			Resource:         "tool",
			Recipient:        recipient,
			Timestamp:        created.Add(time.Duration(rec.Sequence) * time.Second),
			Signature:        []byte{byte(rec.Sequence)},
		})
	}
	return rec
}

func TestTransaction_AtomicOnError(t *testing.T) {
	_, ldb := newTestDB(t)
	ctx := context.Background()

	err := ldb.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, ldb.GetExecutor(ctx).Put([]byte("k"), []byte("v")))
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = ldb.GetExecutor(ctx).Get([]byte("k"))
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, ldb.Transaction(ctx, func(ctx context.Context) error {
		return ldb.GetExecutor(ctx).Put([]byte("k"), []byte("v"))
	}))

	v, err := ldb.GetExecutor(ctx).Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestIterator_Reverse(t *testing.T) {
	_, ldb := newTestDB(t)
	ctx := context.Background()

	ex := ldb.GetExecutor(ctx)
	for _, k := range []string{"p:1", "p:2", "p:3", "q:1"} {
		require.NoError(t, ex.Put([]byte(k), []byte(k)))
	}

	collect := func(forward bool) []string {
		it := ex.NewIterator([]byte("p:"), forward)
		defer it.Release()

		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		require.NoError(t, it.Error())
		return keys
	}

	assert.Equal(t, []string{"p:1", "p:2", "p:3"}, collect(true))
	assert.Equal(t, []string{"p:3", "p:2", "p:1"}, collect(false))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	d, _ := newTestDB(t)
	ctx := context.Background()

	_, err := d.LoadSnapshot(ctx)
	require.ErrorIs(t, err, db.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	closing := testRecord("b", "bob", now.Add(time.Second), 5)
	closing.State = payments.StateClosing
	claim := closing.Payments[0]
	closing.ClosingClaim = &claim
	deadline := now.Add(24 * time.Hour)
	closing.DisputeDeadline = &deadline

	s := db.NewSnapshot()
	s.Channels["a"] = testRecord("a", "alice", now, 10, 20, 30)
	s.Channels["b"] = closing
	s.Channels["c"] = testRecord("c", "alice", now.Add(2*time.Second))
	s.Recipients = db.RecipientIndex(s.Channels)
	s.SavedAt = now

	require.NoError(t, d.SaveSnapshot(ctx, s))

	loaded, err := d.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
	assert.Equal(t, []string{"a", "c"}, loaded.Recipients["alice"])

	for _, rec := range loaded.Channels {
		require.NoError(t, rec.Validate())
	}

	// removed channels and recipients disappear
	delete(s.Channels, "b")
	s.Recipients = db.RecipientIndex(s.Channels)
	require.NoError(t, d.SaveSnapshot(ctx, s))

	loaded, err = d.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Channels, 2)
	assert.NotContains(t, loaded.Recipients, "bob")

	_, err = d.GetChannelRecord(ctx, "b")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestArchive_Replay(t *testing.T) {
	d, _ := newTestDB(t)
	ctx := context.Background()

	rec := testRecord("a", "alice", time.Now().UTC().Truncate(time.Millisecond), 1, 2, 3, 4, 5)

	require.Error(t, d.ArchivePayments(ctx, "a", rec.Payments[2:4]))
	require.NoError(t, d.ArchivePayments(ctx, "a", rec.Payments[:2]))
	require.NoError(t, d.ArchivePayments(ctx, "a", rec.Payments[2:4]))
	// repeated archive after crash is fine
	require.NoError(t, d.ArchivePayments(ctx, "a", rec.Payments[2:4]))

	list, err := d.GetArchivedPayments(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, rec.Payments[:4], list)
	require.NoError(t, payments.ValidateHistory("a", list))

	list, err = d.GetArchivedPayments(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMigrations_RebuildIndexWithBackup(t *testing.T) {
	d, ldb := newTestDB(t)
	ctx := context.Background()

	s := db.NewSnapshot()
	now := time.Now().UTC().Truncate(time.Millisecond)
	s.Channels["a"] = testRecord("a", "alice", now, 1)
	s.Channels["b"] = testRecord("b", "alice", now.Add(time.Second), 1)
	s.Recipients = map[string][]string{"ghost": {"x"}}
	require.NoError(t, d.SaveSnapshot(ctx, s))

	require.NoError(t, db.RunMigrations(ctx, d))

	v, err := d.GetMigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(db.Migrations), v)

	loaded, err := d.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"alice": {"a", "b"}}, loaded.Recipients)

	backups, err := filepath.Glob(ldb.path + "_backup_*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	// second run does nothing
	require.NoError(t, db.RunMigrations(ctx, d))
	backups, err = filepath.Glob(ldb.path + "_backup_*")
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestPersister_LoadSave(t *testing.T) {
	d, _ := newTestDB(t)
	ctx := context.Background()

	p := db.NewPersister(d, time.Hour)
	require.NoError(t, p.Initialize(ctx))

	s, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	snap := db.NewSnapshot()
	snap.Channels["a"] = testRecord("a", "alice", time.Now().UTC().Truncate(time.Millisecond), 7)
	snap.Recipients = db.RecipientIndex(snap.Channels)
	snap.SavedAt = time.Now().UTC().Truncate(time.Millisecond)

	p.StartAutoSave(func() *db.Snapshot { return snap })
	p.MarkDirty()
	require.NoError(t, p.StopAutoSave(ctx))
	assert.False(t, p.IsDirty())

	s, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap, s)
}
