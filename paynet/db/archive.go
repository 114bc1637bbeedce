package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/agentmarket/paynet/pkg/payments"
)

var _ payments.Archive = (*DB)(nil)

func archiveKey(channelID string, seq uint64) []byte {
	key := append([]byte(archivePrefix+channelID+":"), make([]byte, 8)...)
	binary.BigEndian.PutUint64(key[len(key)-8:], seq)
	return key
}

// ArchivePayments stores settled history prefix, list should continue already archived sequence.
// Writing the same payments again is allowed.
func (d *DB) ArchivePayments(ctx context.Context, channelID string, list []payments.Payment) error {
	if len(list) == 0 {
		return nil
	}

	for i, p := range list {
		if p.ChannelID != channelID {
			return fmt.Errorf("payment %s belongs to another channel", p.ID)
		}
		if i > 0 && p.Sequence != list[i-1].Sequence+1 {
			return fmt.Errorf("payments are not contiguous at sequence %d", p.Sequence)
		}
	}

	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		if first := list[0].Sequence; first > 1 {
			has, err := tx.Has(archiveKey(channelID, first-1))
			if err != nil {
				return fmt.Errorf("failed to check existence: %w", err)
			}
			if !has {
				return fmt.Errorf("archive of %s has no sequence %d", channelID, first-1)
			}
		}

		for _, p := range list {
			data, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("failed to encode json: %w", err)
			}

			if err = tx.Put(archiveKey(channelID, p.Sequence), data); err != nil {
				return fmt.Errorf("failed to put: %w", err)
			}
		}
		return nil
	})
}

func (d *DB) GetArchivedPayments(ctx context.Context, channelID string) ([]payments.Payment, error) {
	tx := d.storage.GetExecutor(ctx)

	iter := tx.NewIterator([]byte(archivePrefix+channelID+":"), true)
	defer iter.Release()

	var list []payments.Payment
	for iter.Next() {
		var p payments.Payment
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("failed to decode json data: %w", err)
		}
		list = append(list, p)
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate archive: %w", err)
	}
	return list, nil
}
