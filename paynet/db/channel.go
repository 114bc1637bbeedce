package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agentmarket/paynet/pkg/payments"
)

// SaveSnapshot replaces stored channels and recipient index with snapshot content, atomically.
func (d *DB) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		tx := d.storage.GetExecutor(ctx)

		for _, prefix := range []string{channelPrefix, recipientPrefix} {
			if err := d.deleteStale(tx, prefix, func(key string) bool {
				if prefix == channelPrefix {
					_, ok := s.Channels[key]
					return !ok
				}
				_, ok := s.Recipients[key]
				return !ok
			}); err != nil {
				return err
			}
		}

		for id, rec := range s.Channels {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode json: %w", err)
			}

			if err = tx.Put([]byte(channelPrefix+id), data); err != nil {
				return fmt.Errorf("failed to put channel %s: %w", id, err)
			}
		}

		for recipient, ids := range s.Recipients {
			data, err := json.Marshal(ids)
			if err != nil {
				return fmt.Errorf("failed to encode json: %w", err)
			}

			if err = tx.Put([]byte(recipientPrefix+recipient), data); err != nil {
				return fmt.Errorf("failed to put recipient index: %w", err)
			}
		}

		savedAt := s.SavedAt
		if savedAt.IsZero() {
			savedAt = time.Now()
		}
		data, err := savedAt.UTC().MarshalText()
		if err != nil {
			return fmt.Errorf("failed to encode time: %w", err)
		}
		if err = tx.Put([]byte(savedAtKey), data); err != nil {
			return fmt.Errorf("failed to put save time: %w", err)
		}
		return nil
	})
}

func (d *DB) deleteStale(tx Executor, prefix string, stale func(key string) bool) error {
	var keys [][]byte

	iter := tx.NewIterator([]byte(prefix), true)
	for iter.Next() {
		if stale(string(iter.Key()[len(prefix):])) {
			keys = append(keys, append([]byte{}, iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("failed to iterate %s: %w", prefix, err)
	}

	for _, k := range keys {
		if err := tx.Delete(k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", string(k), err)
		}
	}
	return nil
}

// LoadSnapshot returns ErrNotFound when nothing was saved yet.
func (d *DB) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	tx := d.storage.GetExecutor(ctx)

	savedAt, err := tx.Get([]byte(savedAtKey))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from db: %w", err)
	}

	s := NewSnapshot()
	if err = s.SavedAt.UnmarshalText(savedAt); err != nil {
		return nil, fmt.Errorf("failed to decode save time: %w", err)
	}

	list, err := d.GetChannelRecords(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range list {
		s.Channels[rec.ID] = rec
	}

	iter := tx.NewIterator([]byte(recipientPrefix), true)
	defer iter.Release()

	for iter.Next() {
		var ids []string
		if err = json.Unmarshal(iter.Value(), &ids); err != nil {
			return nil, fmt.Errorf("failed to decode json data: %w", err)
		}
		s.Recipients[string(iter.Key()[len(recipientPrefix):])] = ids
	}
	if err = iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate recipients: %w", err)
	}

	return s, nil
}

func (d *DB) GetChannelRecord(ctx context.Context, id string) (*payments.ChannelRecord, error) {
	tx := d.storage.GetExecutor(ctx)

	data, err := tx.Get([]byte(channelPrefix + id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from db: %w", err)
	}

	var rec payments.ChannelRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode json data: %w", err)
	}
	return &rec, nil
}

func (d *DB) GetChannelRecords(ctx context.Context) ([]payments.ChannelRecord, error) {
	tx := d.storage.GetExecutor(ctx)

	iter := tx.NewIterator([]byte(channelPrefix), true)
	defer iter.Release()

	var list []payments.ChannelRecord
	for iter.Next() {
		var rec payments.ChannelRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode json data: %w", err)
		}
		list = append(list, rec)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return list, nil
}

// RecipientIndex builds recipient to channel ids mapping, ids are ordered by creation time.
func RecipientIndex(records map[string]payments.ChannelRecord) map[string][]string {
	list := make([]payments.ChannelRecord, 0, len(records))
	for _, rec := range records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	idx := map[string][]string{}
	for _, rec := range list {
		idx[rec.Recipient] = append(idx[rec.Recipient], rec.ID)
	}
	return idx
}
