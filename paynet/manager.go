package paynet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/agentmarket/paynet/paynet/db"
	"github.com/agentmarket/paynet/paynet/metrics"
	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
)

var ErrChannelNotFound = errors.New("channel not found")

const DefaultDepositMultiplier = 100

// Persistence stores manager snapshots, db.Persister implements it.
type Persistence interface {
	Initialize(ctx context.Context) error
	Load(ctx context.Context) (*db.Snapshot, error)
	Save(ctx context.Context, s *db.Snapshot) error
	StartAutoSave(snapshot func() *db.Snapshot)
	StopAutoSave(ctx context.Context) error
	MarkDirty()
}

var _ Persistence = (*db.Persister)(nil)

type Dependencies struct {
	Signer     payments.Signer
	Settlement payments.Settlement
	// Persistence is optional, without it channels live only in memory.
	Persistence Persistence
	// Archive is optional, without it full history stays hot.
	Archive payments.Archive
}

type ManagerConfig struct {
	Network string
	Token   string

	DepositMultiplier uint64
	MinDeposit        uint64
	ChannelDuration   time.Duration

	// ArchiveKeep is the number of newest payments kept hot per channel,
	// archival is disabled when zero.
	ArchiveKeep    int
	WorkerInterval time.Duration

	UseMetrics bool
}

type Capacity struct {
	Deposit   uint64 `json:"deposit"`
	Spent     uint64 `json:"spent"`
	Remaining uint64 `json:"remaining"`
	Channels  int    `json:"channels"`
}

type CloseResult struct {
	ChannelID string
	Amount    uint64
	Err       error
}

// Manager owns sender side channels, at most one active channel per recipient is used for payments.
type Manager struct {
	signer      payments.Signer
	settlement  payments.Settlement
	persistence Persistence
	archive     payments.Archive
	cfg         ManagerConfig

	channels    map[string]*payments.Channel
	byRecipient map[string][]string
	mx          sync.RWMutex

	recipientLocks map[string]*sync.Mutex
	recipientMx    sync.Mutex

	subscribers []func(payments.Event)
	subMx       sync.RWMutex

	clock   func() time.Time
	clockMx sync.RWMutex

	globalCtx  context.Context
	stop       context.CancelFunc
	workerDone chan struct{}
	startOnce  sync.Once
}

func NewManager(deps Dependencies, cfg ManagerConfig) (*Manager, error) {
	if deps.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if deps.Settlement == nil {
		return nil, fmt.Errorf("settlement is required")
	}

	if cfg.DepositMultiplier == 0 {
		cfg.DepositMultiplier = DefaultDepositMultiplier
	}
	if cfg.ChannelDuration <= 0 {
		cfg.ChannelDuration = 24 * time.Hour
	}
	if cfg.WorkerInterval <= 0 {
		cfg.WorkerInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		signer:         deps.Signer,
		settlement:     deps.Settlement,
		persistence:    deps.Persistence,
		archive:        deps.Archive,
		cfg:            cfg,
		channels:       map[string]*payments.Channel{},
		byRecipient:    map[string][]string{},
		recipientLocks: map[string]*sync.Mutex{},
		clock:          time.Now,
		globalCtx:      ctx,
		stop:           cancel,
	}, nil
}

// SetClock replaces time source for manager and all of its channels.
func (m *Manager) SetClock(f func() time.Time) {
	m.clockMx.Lock()
	defer m.clockMx.Unlock()
	m.clock = f
}

func (m *Manager) now() time.Time {
	m.clockMx.RLock()
	defer m.clockMx.RUnlock()
	return m.clock()
}

// Initialize restores channels from persistence and starts autosave.
// Corrupted channel records are skipped with error log.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.persistence == nil {
		return nil
	}

	if err := m.persistence.Initialize(ctx); err != nil {
		return fmt.Errorf("%w: failed to prepare storage: %w", payments.ErrPersistence, err)
	}

	snap, err := m.persistence.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to load snapshot: %w", payments.ErrPersistence, err)
	}

	if snap != nil {
		restored := map[string]payments.ChannelRecord{}
		m.mx.Lock()
		for id, rec := range snap.Channels {
			ch, err := payments.RestoreChannel(rec, m.signer, m.settlement)
			if err != nil {
				log.Error().Err(err).Str("channel", id).Msg("failed to restore channel, skipping")
				continue
			}
			m.attach(ch)
			m.channels[ch.ID()] = ch
			restored[ch.ID()] = rec
		}
		m.byRecipient = db.RecipientIndex(restored)
		m.mx.Unlock()

		log.Info().Int("channels", len(restored)).Time("saved_at", snap.SavedAt).Msg("channels restored")
	}

	m.persistence.StartAutoSave(m.Snapshot)
	return nil
}

func (m *Manager) attach(ch *payments.Channel) {
	ch.SetClock(m.now)
	ch.SetOnEvent(m.onEvent)
}

// Snapshot captures all channel records.
func (m *Manager) Snapshot() *db.Snapshot {
	s := db.NewSnapshot()

	m.mx.RLock()
	list := m.channelList()
	for r, ids := range m.byRecipient {
		s.Recipients[r] = append([]string(nil), ids...)
	}
	m.mx.RUnlock()

	// records are taken outside of table lock, channel can be busy in settlement
	for _, ch := range list {
		s.Channels[ch.ID()] = ch.Record()
	}
	s.SavedAt = m.now().UTC()
	return s
}

func (m *Manager) recipientLock(recipient string) *sync.Mutex {
	m.recipientMx.Lock()
	defer m.recipientMx.Unlock()

	lk := m.recipientLocks[recipient]
	if lk == nil {
		lk = &sync.Mutex{}
		m.recipientLocks[recipient] = lk
	}
	return lk
}

// activeChannelTo returns the newest active channel to recipient.
func (m *Manager) activeChannelTo(recipient string) *payments.Channel {
	now := m.now()

	list := m.GetChannelsTo(recipient)
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].IsActive(now) {
			return list[i]
		}
	}
	return nil
}

// channelList copies channel pointers, m.mx should be held.
func (m *Manager) channelList() []*payments.Channel {
	list := make([]*payments.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		list = append(list, ch)
	}
	return list
}

// GetOrCreateChannel returns active channel to recipient, or opens a new one with deposit.
// Existing channel is returned even if its remaining capacity is lower than deposit.
func (m *Manager) GetOrCreateChannel(ctx context.Context, recipient string, deposit uint64) (*payments.Channel, error) {
	if recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}

	lk := m.recipientLock(recipient)
	lk.Lock()
	defer lk.Unlock()

	if ch := m.activeChannelTo(recipient); ch != nil {
		return ch, nil
	}

	ch, err := payments.NewChannel(payments.ChannelConfig{
		Recipient: recipient,
		Network:   m.cfg.Network,
		Token:     m.cfg.Token,
		Deposit:   deposit,
		Duration:  m.cfg.ChannelDuration,
	}, m.signer, m.settlement)
	if err != nil {
		return nil, err
	}
	m.attach(ch)

	if err = ch.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open channel to %s: %w", recipient, err)
	}

	m.mx.Lock()
	m.channels[ch.ID()] = ch
	m.byRecipient[recipient] = append(m.byRecipient[recipient], ch.ID())
	m.mx.Unlock()

	m.markDirty()
	return ch, nil
}

func (m *Manager) Pay(ctx context.Context, recipient string, amount uint64, resource string) (*payments.Payment, error) {
	return m.PayWithDeposit(ctx, recipient, amount, resource, 0)
}

// PayWithDeposit pays recipient, opening channel with deposit when there is no active one.
// Zero deposit means amount multiplied by configured multiplier.
func (m *Manager) PayWithDeposit(ctx context.Context, recipient string, amount uint64, resource string, deposit uint64) (*payments.Payment, error) {
	if amount == 0 {
		return nil, payments.ErrInvalidAmount
	}

	if deposit == 0 {
		var err error
		if deposit, err = m.defaultDeposit(amount); err != nil {
			return nil, err
		}
	}

	ch, err := m.GetOrCreateChannel(ctx, recipient, deposit)
	if err != nil {
		return nil, err
	}
	return ch.Pay(ctx, amount, resource)
}

func (m *Manager) defaultDeposit(amount uint64) (uint64, error) {
	if amount > math.MaxUint64/m.cfg.DepositMultiplier {
		return 0, fmt.Errorf("%w: default deposit for %d overflows", payments.ErrInvalidAmount, amount)
	}
	return max(amount*m.cfg.DepositMultiplier, m.cfg.MinDeposit), nil
}

func (m *Manager) Close(ctx context.Context, channelID string) (uint64, error) {
	ch, err := m.GetChannel(channelID)
	if err != nil {
		return 0, err
	}
	return ch.Close(ctx)
}

func (m *Manager) ForceClose(ctx context.Context, channelID string) (uint64, error) {
	ch, err := m.GetChannel(channelID)
	if err != nil {
		return 0, err
	}
	return ch.ForceClose(ctx)
}

func (m *Manager) Dispute(_ context.Context, channelID string, newer payments.Payment) error {
	ch, err := m.GetChannel(channelID)
	if err != nil {
		return err
	}
	return ch.Dispute(newer)
}

// CloseAll cooperatively closes every open channel, failure of one does not stop others.
func (m *Manager) CloseAll(ctx context.Context) []CloseResult {
	var list []*payments.Channel
	for _, ch := range m.sortedChannels() {
		if ch.State() == payments.StateOpen {
			list = append(list, ch)
		}
	}

	res := make([]CloseResult, len(list))
	var wg sync.WaitGroup
	for i, ch := range list {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amt, err := ch.Close(ctx)
			res[i] = CloseResult{ChannelID: ch.ID(), Amount: amt, Err: err}
			if err != nil {
				log.Warn().Err(err).Str("channel", ch.ID()).Msg("failed to close channel")
			}
		}()
	}
	wg.Wait()
	return res
}

func (m *Manager) GetChannel(channelID string) (*payments.Channel, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	ch := m.channels[channelID]
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return ch, nil
}

// GetChannelsTo returns all channels to recipient, oldest first.
func (m *Manager) GetChannelsTo(recipient string) []*payments.Channel {
	m.mx.RLock()
	defer m.mx.RUnlock()

	ids := m.byRecipient[recipient]
	res := make([]*payments.Channel, 0, len(ids))
	for _, id := range ids {
		if ch := m.channels[id]; ch != nil {
			res = append(res, ch)
		}
	}
	return res
}

func (m *Manager) GetActiveChannels() []*payments.Channel {
	now := m.now()

	var res []*payments.Channel
	for _, ch := range m.sortedChannels() {
		if ch.IsActive(now) {
			res = append(res, ch)
		}
	}
	return res
}

func (m *Manager) ListChannels() []payments.ChannelInfo {
	list := m.sortedChannels()
	res := make([]payments.ChannelInfo, 0, len(list))
	for _, ch := range list {
		res = append(res, ch.Info())
	}
	return res
}

// sortedChannels returns channels ordered by creation time.
func (m *Manager) sortedChannels() []*payments.Channel {
	m.mx.RLock()
	list := m.channelList()
	m.mx.RUnlock()

	type item struct {
		ch      *payments.Channel
		created time.Time
	}
	items := make([]item, 0, len(list))
	for _, ch := range list {
		items = append(items, item{ch: ch, created: ch.Info().CreatedAt})
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].created.Equal(items[j].created) {
			return items[i].ch.ID() < items[j].ch.ID()
		}
		return items[i].created.Before(items[j].created)
	})

	res := make([]*payments.Channel, len(items))
	for i, it := range items {
		res[i] = it.ch
	}
	return res
}

// GetTotalCapacity sums channels which still hold deposit, closed and disputed are excluded.
func (m *Manager) GetTotalCapacity() Capacity {
	m.mx.RLock()
	list := m.channelList()
	m.mx.RUnlock()

	var c Capacity
	for _, ch := range list {
		info := ch.Info()
		if info.State.Terminal() {
			continue
		}
		c.Deposit += info.Deposit
		c.Spent += info.Spent
		c.Remaining += info.Remaining
		c.Channels++
	}
	return c
}

// PaymentHistory returns full channel history, archived part goes first.
func (m *Manager) PaymentHistory(ctx context.Context, channelID string) ([]payments.Payment, error) {
	ch, err := m.GetChannel(channelID)
	if err != nil {
		return nil, err
	}

	// hot list is taken before archive read, so trim between them cannot lose payments
	hot := ch.Payments()
	total := ch.Sequence()

	var list []payments.Payment
	if m.archive != nil {
		if list, err = m.archive.GetArchivedPayments(ctx, channelID); err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
	}

	var last uint64
	if len(list) > 0 {
		last = list[len(list)-1].Sequence
	}
	for _, p := range hot {
		if p.Sequence > last {
			list = append(list, p)
		}
	}

	if err = payments.ValidateHistory(channelID, list); err != nil {
		return nil, err
	}
	if uint64(len(list)) < total {
		return nil, fmt.Errorf("%w: history of %s has %d of %d payments", payments.ErrInvalidRecord, channelID, len(list), total)
	}
	return list, nil
}

// Subscribe registers listener for all channel events, it is called synchronously.
func (m *Manager) Subscribe(f func(payments.Event)) {
	m.subMx.Lock()
	defer m.subMx.Unlock()
	m.subscribers = append(m.subscribers, f)
}

func (m *Manager) onEvent(e payments.Event) {
	m.markDirty()

	if m.cfg.UseMetrics && metrics.Registered {
		switch e.Type {
		case payments.EventPaymentMade:
			metrics.Payments.WithLabelValues(e.Channel.Network).Inc()
			if e.Payment != nil {
				metrics.PaymentsVolume.WithLabelValues(e.Channel.Network).Add(float64(e.Payment.Amount))
			}
		}
	}

	if e.Type == payments.EventError {
		log.Warn().Str("channel", e.Channel.ID).Str("error", e.Error).Msg("channel operation failed")
	}

	m.subMx.RLock()
	subs := slices.Clone(m.subscribers)
	m.subMx.RUnlock()

	for _, f := range subs {
		f(e)
	}
}

func (m *Manager) markDirty() {
	if m.persistence != nil {
		m.persistence.MarkDirty()
	}
}

// Shutdown stops worker and flushes pending state.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()

	// no worker can be started after this point
	m.startOnce.Do(func() {})
	if m.workerDone != nil {
		select {
		case <-m.workerDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if m.persistence == nil {
		return nil
	}
	if err := m.persistence.StopAutoSave(ctx); err != nil {
		return fmt.Errorf("%w: %w", payments.ErrPersistence, err)
	}
	return nil
}
