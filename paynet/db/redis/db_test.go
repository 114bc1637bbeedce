package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/agentmarket/paynet/paynet/db"
	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `paynet:ch:a\*b\?\[c\]`, escapeGlob("paynet:ch:a*b?[c]"))
	assert.Equal(t, `x\\y`, escapeGlob(`x\y`))
}

// requires running redis, address is taken from PAYNET_TEST_REDIS
func newTestDB(t *testing.T) *DB {
	t.Helper()

	addr := os.Getenv("PAYNET_TEST_REDIS")
	if addr == "" {
		t.Skip("PAYNET_TEST_REDIS is not set")
	}

	d, err := NewDB(context.Background(), Config{
		Address:   addr,
		Namespace: "paynet-test:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d
}

func TestDB_Transaction(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	err := d.Transaction(ctx, func(ctx context.Context) error {
		ex := d.GetExecutor(ctx)
		require.NoError(t, ex.Put([]byte("k"), []byte("v")))

		// own writes are visible
		v, err := ex.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = d.GetExecutor(ctx).Get([]byte("k"))
	require.ErrorIs(t, err, db.ErrNotFound)

	require.NoError(t, d.Transaction(ctx, func(ctx context.Context) error {
		ex := d.GetExecutor(ctx)
		if err := ex.Put([]byte("p:1"), []byte("1")); err != nil {
			return err
		}
		return ex.Put([]byte("p:2"), []byte("2"))
	}))

	require.NoError(t, d.Transaction(ctx, func(ctx context.Context) error {
		ex := d.GetExecutor(ctx)
		if err := ex.Delete([]byte("p:1")); err != nil {
			return err
		}
		if err := ex.Put([]byte("p:3"), []byte("3")); err != nil {
			return err
		}

		it := ex.NewIterator([]byte("p:"), false)
		defer it.Release()

		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		assert.Equal(t, []string{"p:3", "p:2"}, keys)
		return it.Error()
	}))

	has, err := d.GetExecutor(ctx).Has([]byte("p:1"))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDB_SnapshotRoundTrip(t *testing.T) {
	d := db.NewDB(newTestDB(t))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	s := db.NewSnapshot()
	s.Channels["a"] = payments.ChannelRecord{
		ID:        "a",
		Sender:    "0xsender",
		Recipient: "alice",
		Network:   "base-sepolia",
		State:     payments.StateOpening,
		Deposit:   100,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	s.Recipients = db.RecipientIndex(s.Channels)
	s.SavedAt = now

	require.NoError(t, d.SaveSnapshot(ctx, s))

	loaded, err := d.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}
