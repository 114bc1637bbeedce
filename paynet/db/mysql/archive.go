package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/go-sql-driver/mysql"
)

var _ payments.Archive = (*Archive)(nil)

// Archive is a cold storage of settled payment history in MySQL.
type Archive struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS archived_payments (
        channel_id VARCHAR(64) NOT NULL,
        sequence BIGINT UNSIGNED NOT NULL,
        amount BIGINT UNSIGNED NOT NULL,
        cumulative_amount BIGINT UNSIGNED NOT NULL,
        resource VARCHAR(255) NOT NULL DEFAULT '',
        recipient VARCHAR(128) NOT NULL,
        ts BIGINT NOT NULL,
        signature VARBINARY(256) NOT NULL,
        PRIMARY KEY (channel_id, sequence)
)`,
	`CREATE INDEX idx_archived_recipient ON archived_payments (recipient, ts)`,
}

func NewArchive(ctx context.Context, dsn string) (*Archive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("mysql dsn is empty")
	}

	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to mysql at %s: %w", cfg.Addr, err)
	}

	a := &Archive{db: db}
	if err = a.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) migrate(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version INT NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	if err := a.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := a.db.ExecContext(ctx, migrations[i]); err != nil {
			var mysqlErr *mysql.MySQLError
			// 1061 duplicate key name, index was created manually
			if !(errors.As(err, &mysqlErr) && mysqlErr.Number == 1061) {
				return fmt.Errorf("failed to run migration %d: %w", i+1, err)
			}
		}

		if _, err := a.db.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, time.Now().Unix()); err != nil {
			return fmt.Errorf("failed to set migration version: %w", err)
		}
		log.Info().Msgf("archive migration %d done", i+1)
	}
	return nil
}

func (a *Archive) ArchivePayments(ctx context.Context, channelID string, list []payments.Payment) error {
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

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if first := list[0].Sequence; first > 1 {
		var n int
		if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_payments WHERE channel_id = ? AND sequence = ?`,
			channelID, first-1).Scan(&n); err != nil {
			return fmt.Errorf("failed to check previous payment: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("archive of %s has no sequence %d", channelID, first-1)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO archived_payments
        (channel_id, sequence, amount, cumulative_amount, resource, recipient, ts, signature)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE sequence = sequence`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range list {
		if _, err = stmt.ExecContext(ctx, channelID, p.Sequence, p.Amount, p.CumulativeAmount,
			p.Resource, p.Recipient, p.Timestamp.UnixMilli(), p.Signature); err != nil {
			return fmt.Errorf("failed to insert payment %d: %w", p.Sequence, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func (a *Archive) GetArchivedPayments(ctx context.Context, channelID string) ([]payments.Payment, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT sequence, amount, cumulative_amount, resource, recipient, ts, signature
        FROM archived_payments WHERE channel_id = ? ORDER BY sequence`, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var list []payments.Payment
	for rows.Next() {
		var ts int64
		p := payments.Payment{ChannelID: channelID}
		if err = rows.Scan(&p.Sequence, &p.Amount, &p.CumulativeAmount, &p.Resource, &p.Recipient, &ts, &p.Signature); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.ID = payments.PaymentID(channelID, p.Sequence)
		p.Timestamp = time.UnixMilli(ts).UTC()
		list = append(list, p)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return list, nil
}
