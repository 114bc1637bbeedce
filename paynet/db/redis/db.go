package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentmarket/paynet/paynet/db"
	"github.com/redis/go-redis/v9"
)

var _ db.Storage = (*DB)(nil)

type Config struct {
	Address  string
	Password string
	DB       int
	// Namespace is prepended to every key.
	Namespace string
}

// DB keeps state in redis, shared between node restarts on different hosts.
// Writes of a transaction are buffered and applied with MULTI/EXEC.
type DB struct {
	client redis.UniversalClient
	ns     string

	mx sync.Mutex
}

func NewDB(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.Namespace), nil
}

func NewWithClient(client redis.UniversalClient, namespace string) *DB {
	if namespace == "" {
		namespace = "paynet:"
	}
	return &DB{
		client: client,
		ns:     namespace,
	}
}

func (d *DB) Close() {
	_ = d.client.Close()
}

type tx struct {
	writes map[string][]byte
	// nil value in writes means delete
}

type txKeyType struct{}

var txKey = txKeyType{}

func (d *DB) Transaction(ctx context.Context, f func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*tx); ok {
		// already inside tx
		return f(ctx)
	}

	d.mx.Lock()
	defer d.mx.Unlock()

	t := &tx{writes: map[string][]byte{}}
	if err := f(context.WithValue(ctx, txKey, t)); err != nil {
		return err
	}
	if len(t.writes) == 0 {
		return nil
	}

	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range t.writes {
			if v == nil {
				pipe.Del(ctx, k)
				continue
			}
			pipe.Set(ctx, k, v, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to exec redis transaction: %w", err)
	}
	return nil
}

func (d *DB) GetExecutor(ctx context.Context) db.Executor {
	t, _ := ctx.Value(txKey).(*tx)
	return &exec{d: d, ctx: ctx, tx: t}
}

// Backup asks redis to persist its dataset on disk.
func (d *DB) Backup() error {
	err := d.client.BgSave(context.Background()).Err()
	if err != nil && !strings.Contains(err.Error(), "already in progress") {
		return fmt.Errorf("failed to start redis bgsave: %w", err)
	}
	return nil
}

type exec struct {
	d   *DB
	ctx context.Context
	tx  *tx
}

func (e *exec) key(k []byte) string {
	return e.d.ns + string(k)
}

func (e *exec) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	if e.tx != nil {
		e.tx.writes[e.key(key)] = append([]byte{}, value...)
		return nil
	}
	return e.d.client.Set(e.ctx, e.key(key), value, 0).Err()
}

func (e *exec) Delete(key []byte) error {
	if e.tx != nil {
		e.tx.writes[e.key(key)] = nil
		return nil
	}
	return e.d.client.Del(e.ctx, e.key(key)).Err()
}

func (e *exec) Get(key []byte) ([]byte, error) {
	if e.tx != nil {
		if v, ok := e.tx.writes[e.key(key)]; ok {
			if v == nil {
				return nil, db.ErrNotFound
			}
			return v, nil
		}
	}

	v, err := e.d.client.Get(e.ctx, e.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (e *exec) Has(key []byte) (bool, error) {
	if e.tx != nil {
		if v, ok := e.tx.writes[e.key(key)]; ok {
			return v != nil, nil
		}
	}

	n, err := e.d.client.Exists(e.ctx, e.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const scanBatch = 512

func (e *exec) NewIterator(p []byte, forward bool) db.Iterator {
	it := &iter{}

	values := map[string][]byte{}
	prefix := e.key(p)

	sc := e.d.client.Scan(e.ctx, 0, escapeGlob(prefix)+"*", scanBatch).Iterator()
	var keys []string
	for sc.Next(e.ctx) {
		keys = append(keys, sc.Val())
	}
	if err := sc.Err(); err != nil {
		it.err = fmt.Errorf("failed to scan keys: %w", err)
		return it
	}

	for i := 0; i < len(keys); i += scanBatch {
		batch := keys[i:min(i+scanBatch, len(keys))]
		res, err := e.d.client.MGet(e.ctx, batch...).Result()
		if err != nil {
			it.err = fmt.Errorf("failed to get values: %w", err)
			return it
		}
		for j, v := range res {
			// removed between scan and get
			if s, ok := v.(string); ok {
				values[batch[j]] = []byte(s)
			}
		}
	}

	if e.tx != nil {
		for k, v := range e.tx.writes {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if v == nil {
				delete(values, k)
				continue
			}
			values[k] = v
		}
	}

	for k, v := range values {
		it.keys = append(it.keys, []byte(k[len(e.d.ns):]))
		it.values = append(it.values, v)
	}
	sort.Sort(it)
	if !forward {
		for i, j := 0, len(it.keys)-1; i < j; i, j = i+1, j-1 {
			it.Swap(i, j)
		}
	}
	it.pos = -1
	return it
}

func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

type iter struct {
	keys   [][]byte
	values [][]byte
	pos    int
	err    error
}

func (it *iter) Len() int           { return len(it.keys) }
func (it *iter) Less(i, j int) bool { return string(it.keys[i]) < string(it.keys[j]) }
func (it *iter) Swap(i, j int) {
	it.keys[i], it.keys[j] = it.keys[j], it.keys[i]
	it.values[i], it.values[j] = it.values[j], it.values[i]
}

func (it *iter) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	return it.pos < len(it.keys)
}

func (it *iter) Key() []byte   { return it.keys[it.pos] }
func (it *iter) Value() []byte { return it.values[it.pos] }
func (it *iter) Release()      {}
func (it *iter) Error() error  { return it.err }
