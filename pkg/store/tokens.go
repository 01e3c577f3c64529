package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mailharbor/mailharbor/pkg/types"
)

// GetToken returns the token row for a group, or nil when the group never
// logged in.
func (s *Store) GetToken(ctx context.Context, groupID string) (*types.TokenRecord, error) {
	var rec types.TokenRecord
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &rec,
			`SELECT group_id, access_token, refresh_token, id_token, at_expires_at,
			        rt_expires_at, scope, tenant_id, updated_at
			 FROM account_token WHERE group_id = ?`, groupID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token for group %s: %w", groupID, err)
	}
	return &rec, nil
}

// SaveToken upserts the token triple for a group atomically. An empty
// RefreshToken on an update keeps the existing one so the row never loses
// its refresh token.
func (s *Store) SaveToken(ctx context.Context, rec *types.TokenRecord) error {
	return s.withTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO account_token (group_id, access_token, refresh_token, id_token,
			                           at_expires_at, rt_expires_at, scope, tenant_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
				access_token  = excluded.access_token,
				refresh_token = CASE WHEN excluded.refresh_token = ''
				                     THEN account_token.refresh_token
				                     ELSE excluded.refresh_token END,
				id_token      = excluded.id_token,
				at_expires_at = excluded.at_expires_at,
				rt_expires_at = excluded.rt_expires_at,
				scope         = excluded.scope,
				tenant_id     = excluded.tenant_id,
				updated_at    = excluded.updated_at`,
			rec.GroupID, rec.AccessToken, rec.RefreshToken, rec.IDToken,
			rec.ATExpiresAt, rec.RTExpiresAt, rec.Scope, rec.TenantID, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save token for group %s: %w", rec.GroupID, err)
		}
		return nil
	})
}

// DeleteToken removes the token row. Subsequent operations fail with auth
// required until the group re-acquires a token.
func (s *Store) DeleteToken(ctx context.Context, groupID string) error {
	return s.withHandle(ctx, func(h *Handle) error {
		if _, err := h.db.ExecContext(ctx,
			`DELETE FROM account_token WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to delete token for group %s: %w", groupID, err)
		}
		return nil
	})
}
