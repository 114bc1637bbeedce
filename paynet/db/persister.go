package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmarket/paynet/paynet/metrics"
	"github.com/agentmarket/paynet/pkg/log"
)

// Persister saves manager snapshots to DB, periodically when marked dirty.
// Failed saves are logged and retried on the next tick.
type Persister struct {
	db       *DB
	interval time.Duration

	dirty    atomic.Bool
	snapshot func() *Snapshot
	stop     chan struct{}
	done     chan struct{}
	mx       sync.Mutex
}

func NewPersister(db *DB, interval time.Duration) *Persister {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Persister{
		db:       db,
		interval: interval,
	}
}

// Initialize runs pending migrations.
func (p *Persister) Initialize(ctx context.Context) error {
	return RunMigrations(ctx, p.db)
}

// Load returns nil snapshot when nothing was saved yet.
func (p *Persister) Load(ctx context.Context) (*Snapshot, error) {
	s, err := p.db.LoadSnapshot(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

func (p *Persister) Save(ctx context.Context, s *Snapshot) error {
	if err := p.db.SaveSnapshot(ctx, s); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (p *Persister) MarkDirty() {
	p.dirty.Store(true)
}

func (p *Persister) IsDirty() bool {
	return p.dirty.Load()
}

func (p *Persister) StartAutoSave(snapshot func() *Snapshot) {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.stop != nil {
		return
	}

	p.snapshot = snapshot
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.autoSave(p.stop, p.done)
}

func (p *Persister) autoSave(stop, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-time.After(p.interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_ = p.Flush(ctx)
		cancel()
	}
}

// StopAutoSave stops background saves and flushes pending changes.
func (p *Persister) StopAutoSave(ctx context.Context) error {
	p.mx.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mx.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return p.Flush(ctx)
}

// Flush saves snapshot if there are unsaved changes.
func (p *Persister) Flush(ctx context.Context) error {
	p.mx.Lock()
	snapshot := p.snapshot
	p.mx.Unlock()

	if snapshot == nil || !p.dirty.Swap(false) {
		return nil
	}

	if err := p.Save(ctx, snapshot()); err != nil {
		p.dirty.Store(true)
		if metrics.Registered {
			metrics.PersistenceFailures.Inc()
		}
		log.Warn().Err(err).Msg("failed to persist channels, will retry")
		return err
	}
	return nil
}
