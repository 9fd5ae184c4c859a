package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/tradeflow/types"
)

func (s *Store) Upsert(ctx context.Context, rec types.RateLimitRecord) error {
	var retryAfter *time.Time
	if rec.RetryAfter != nil {
		utc := rec.RetryAfter.UTC()
		retryAfter = &utc
	}

	now := s.stamp()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO rate_limits (account_id, api_system, hostname, kind, retry_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, api_system, hostname, kind)
		DO UPDATE SET retry_after = excluded.retry_after, updated_at = excluded.updated_at
	`), rec.AccountID, rec.APISystem, rec.Hostname, rec.Kind, retryAfter, now, now)
	if err != nil {
		return fmt.Errorf("upsert %s record for account %d on %s/%s: %w",
			rec.Kind, rec.AccountID, rec.APISystem, rec.Hostname, err)
	}
	return nil
}

func (s *Store) FindThrottle(ctx context.Context, accountID int64, apiSystem, hostname string) (*types.RateLimitRecord, error) {
	var rec types.RateLimitRecord
	err := s.db.GetContext(ctx, &rec, s.db.Rebind(`SELECT `+rateLimitColumns+` FROM rate_limits
		WHERE account_id = ? AND api_system = ? AND hostname = ? AND kind = ?
		LIMIT 1`), accountID, apiSystem, hostname, types.KindThrottle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find throttle for account %d: %w", accountID, err)
	}
	return &rec, nil
}

func (s *Store) ForbidExists(ctx context.Context, apiSystem, hostname string) (bool, error) {
	var count int
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT COUNT(*) FROM rate_limits
		WHERE api_system = ? AND hostname = ? AND kind = ?
	`), apiSystem, hostname, types.KindForbid).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check forbid for %s/%s: %w", apiSystem, hostname, err)
	}
	return count > 0, nil
}

func (s *Store) ListForbidden(ctx context.Context) ([]types.RateLimitRecord, error) {
	var records []types.RateLimitRecord
	err := s.db.SelectContext(ctx, &records, s.db.Rebind(`SELECT `+rateLimitColumns+` FROM rate_limits
		WHERE kind = ? ORDER BY id ASC`), types.KindForbid)
	if err != nil {
		return nil, fmt.Errorf("list forbid records: %w", err)
	}
	return records, nil
}

func (s *Store) ClearForbid(ctx context.Context, apiSystem, hostname string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM rate_limits WHERE api_system = ? AND hostname = ? AND kind = ?
	`), apiSystem, hostname, types.KindForbid)
	if err != nil {
		return 0, fmt.Errorf("clear forbid for %s/%s: %w", apiSystem, hostname, err)
	}
	return res.RowsAffected()
}

func (s *Store) PurgeExpiredThrottles(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM rate_limits WHERE kind = ? AND retry_after IS NOT NULL AND retry_after < ?
	`), types.KindThrottle, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired throttles: %w", err)
	}
	return res.RowsAffected()
}
