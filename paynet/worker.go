package paynet

import (
	"context"
	"errors"
	"time"

	"github.com/agentmarket/paynet/paynet/metrics"
	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
)

// Start runs background maintenance until Shutdown.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.workerDone = make(chan struct{})
		go m.worker()
	})
}

func (m *Manager) worker() {
	defer close(m.workerDone)

	for {
		select {
		case <-m.globalCtx.Done():
			return
		case <-time.After(m.cfg.WorkerInterval):
		}

		ctx, cancel := context.WithTimeout(m.globalCtx, 60*time.Second)
		m.Maintain(ctx)
		cancel()
	}
}

// Maintain finalizes forced closes with elapsed dispute window, moves old payments to archive
// and refreshes gauges.
func (m *Manager) Maintain(ctx context.Context) {
	m.finalizeCloses()

	if m.archive != nil && m.cfg.ArchiveKeep > 0 {
		m.archivePayments(ctx)
	}

	if m.cfg.UseMetrics && metrics.Registered {
		m.updateMetrics()
	}
}

func (m *Manager) finalizeCloses() {
	now := m.now()
	for _, ch := range m.sortedChannels() {
		if ch.State() != payments.StateClosing {
			continue
		}

		done, err := ch.FinalizeClose(now)
		if err != nil {
			// state could be changed by dispute in between
			if !errors.Is(err, payments.ErrInvalidState) {
				log.Warn().Err(err).Str("channel", ch.ID()).Msg("failed to finalize close")
			}
			continue
		}
		if done {
			log.Info().Str("channel", ch.ID()).Msg("dispute window elapsed, channel closed")
		}
	}
}

func (m *Manager) archivePayments(ctx context.Context) {
	for _, ch := range m.sortedChannels() {
		list := ch.ArchivablePayments(m.cfg.ArchiveKeep)
		if len(list) == 0 {
			continue
		}

		if err := m.archive.ArchivePayments(ctx, ch.ID(), list); err != nil {
			log.Warn().Err(err).Str("channel", ch.ID()).Msg("failed to archive payments")
			continue
		}

		last := list[len(list)-1].Sequence
		if err := ch.TrimArchived(last); err != nil {
			log.Error().Err(err).Str("channel", ch.ID()).Uint64("seqno", last).Msg("failed to trim archived payments")
			continue
		}
		m.markDirty()

		if m.cfg.UseMetrics && metrics.Registered {
			metrics.ArchivedPayments.Add(float64(len(list)))
		}
		log.Debug().Str("channel", ch.ID()).Int("num", len(list)).Uint64("till", last).Msg("payments archived")
	}
}
