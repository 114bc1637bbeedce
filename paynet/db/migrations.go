package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
)

type Migration func(ctx context.Context, db *DB) error

var Migrations = []Migration{migrationRebuildRecipientIndex}

// recipient index was not stored by early versions
func migrationRebuildRecipientIndex(ctx context.Context, db *DB) error {
	list, err := db.GetChannelRecords(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channels: %w", err)
	}
	if len(list) == 0 {
		return nil
	}

	records := make(map[string]payments.ChannelRecord, len(list))
	for _, rec := range list {
		records[rec.ID] = rec
	}

	all := map[string]bool{}
	tx := db.storage.GetExecutor(ctx)
	for recipient, ids := range RecipientIndex(records) {
		data, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		if err = tx.Put([]byte(recipientPrefix+recipient), data); err != nil {
			return fmt.Errorf("failed to put recipient index: %w", err)
		}
		all[recipient] = true
	}

	if err = db.deleteStale(tx, recipientPrefix, func(key string) bool {
		return !all[key]
	}); err != nil {
		return err
	}

	log.Warn().Msgf("[migration] rebuilt recipient index for %d channels", len(list))
	return nil
}

func RunMigrations(ctx context.Context, db *DB) error {
	version, err := db.GetMigrationVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if version < len(Migrations) {
		log.Info().Msgf("required migrations from %d to %d, backuping database...", version, len(Migrations))
		if err = db.storage.Backup(); err != nil {
			return fmt.Errorf("failed to backup db: %w", err)
		}
		log.Info().Msg("backup completed, starting migrations")
	}

	for i := version; i < len(Migrations); i++ {
		log.Info().Msgf("running migration %d", i+1)
		err := db.Transaction(ctx, func(ctx context.Context) error {
			if err := Migrations[i](ctx, db); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", i, err)
			}

			err := db.SetMigrationVersion(ctx, i+1)
			if err != nil {
				return fmt.Errorf("failed to set migration version: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info().Msgf("migration %d done", i+1)
	}

	return nil
}
