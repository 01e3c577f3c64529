package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mailharbor/mailharbor/pkg/types"
)

const accountColumns = `id, group_id, email, password, username, birthday, status, version,
	is_deleted, created_at, updated_at`

// CreateAccount inserts a new alias account. The caller supplies the group
// id; groups are implicit collections of aliases sharing one token.
func (s *Store) CreateAccount(ctx context.Context, a *types.Account) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			INSERT INTO accounts (group_id, email, password, username, birthday, status, version,
			                      is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			a.GroupID, a.Email, a.Password, a.Username, a.Birthday, a.Status, a.Version,
			a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create account %s: %w", a.Email, err)
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

// GetAccount returns one account by id, or nil.
func (s *Store) GetAccount(ctx context.Context, id int64) (*types.Account, error) {
	var a types.Account
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &a,
			`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %d: %w", id, err)
	}
	return &a, nil
}

// ListGroupAccounts returns the non-deleted aliases of a group ordered by id.
func (s *Store) ListGroupAccounts(ctx context.Context, groupID string) ([]*types.Account, error) {
	var accounts []*types.Account
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &accounts,
			`SELECT `+accountColumns+` FROM accounts
			 WHERE group_id = ? AND is_deleted = 0 ORDER BY id`, groupID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts for group %s: %w", groupID, err)
	}
	return accounts, nil
}

// GroupIDsForAccounts maps account ids to their group ids.
func (s *Store) GroupIDsForAccounts(ctx context.Context, accountIDs []int64) (map[int64]string, error) {
	groups := make(map[int64]string, len(accountIDs))
	if len(accountIDs) == 0 {
		return groups, nil
	}
	err := s.withHandle(ctx, func(h *Handle) error {
		query, args := inQuery(`SELECT id, group_id FROM accounts WHERE id IN (%s)`, nil, accountIDs)
		rows, err := h.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var gid string
			if err := rows.Scan(&id, &gid); err != nil {
				return err
			}
			groups[id] = gid
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to map accounts to groups: %w", err)
	}
	return groups, nil
}

// UpdateAccountStatus records the outcome of a login attempt.
func (s *Store) UpdateAccountStatus(ctx context.Context, id int64, status types.AccountStatus) error {
	return s.withHandle(ctx, func(h *Handle) error {
		if _, err := h.db.ExecContext(ctx,
			`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
			status, types.UTCNow(), id); err != nil {
			return fmt.Errorf("failed to update status for account %d: %w", id, err)
		}
		return nil
	})
}

// SoftDeleteGroup tombstones every alias of a group. Groups are never
// destroyed.
func (s *Store) SoftDeleteGroup(ctx context.Context, groupID string) error {
	return s.withTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE accounts SET is_deleted = 1, updated_at = ? WHERE group_id = ?`,
			types.UTCNow(), groupID); err != nil {
			return fmt.Errorf("failed to soft delete group %s: %w", groupID, err)
		}
		return nil
	})
}

// RecoveryEmails returns a group's recovery email addresses sorted.
func (s *Store) RecoveryEmails(ctx context.Context, groupID string) ([]string, error) {
	var emails []string
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &emails,
			`SELECT email FROM account_recovery_email WHERE group_id = ? ORDER BY email`, groupID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery emails for group %s: %w", groupID, err)
	}
	return emails, nil
}

// RecoveryPhones returns a group's recovery phone numbers sorted.
func (s *Store) RecoveryPhones(ctx context.Context, groupID string) ([]string, error) {
	var phones []string
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &phones,
			`SELECT phone FROM account_recovery_phone WHERE group_id = ? ORDER BY phone`, groupID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery phones for group %s: %w", groupID, err)
	}
	return phones, nil
}

// ReplaceRecoveryData rewrites a group's recovery rows in one transaction.
func (s *Store) ReplaceRecoveryData(ctx context.Context, groupID string, emails, phones []string) error {
	return s.withTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`DELETE FROM account_recovery_email WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to clear recovery emails: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx,
			`DELETE FROM account_recovery_phone WHERE group_id = ?`, groupID); err != nil {
			return fmt.Errorf("failed to clear recovery phones: %w", err)
		}
		for _, e := range emails {
			if _, err := tx.tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO account_recovery_email (group_id, email) VALUES (?, ?)`,
				groupID, e); err != nil {
				return fmt.Errorf("failed to insert recovery email: %w", err)
			}
		}
		for _, p := range phones {
			if _, err := tx.tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO account_recovery_phone (group_id, phone) VALUES (?, ?)`,
				groupID, p); err != nil {
				return fmt.Errorf("failed to insert recovery phone: %w", err)
			}
		}
		return nil
	})
}

// InsertVersionSnapshot appends an immutable snapshot row.
func (s *Store) InsertVersionSnapshot(ctx context.Context, snap *types.VersionSnapshot) error {
	return s.withTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO account_version (group_id, version, emails_json, password, status, username,
			                             birthday, recovery_emails_json, recovery_phones_json,
			                             note, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.GroupID, snap.Version, snap.EmailsJSON, snap.Password, snap.Status,
			snap.Username, snap.Birthday, snap.RecEmailsJSON, snap.RecPhonesJSON,
			snap.Note, snap.CreatedBy, snap.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert version snapshot for group %s: %w", snap.GroupID, err)
		}
		return nil
	})
}

// ListVersionSnapshots returns a group's snapshots newest first.
func (s *Store) ListVersionSnapshots(ctx context.Context, groupID string) ([]*types.VersionSnapshot, error) {
	var snaps []*types.VersionSnapshot
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &snaps,
			`SELECT id, group_id, version, emails_json, password, status, username, birthday,
			        recovery_emails_json, recovery_phones_json, note, created_by, created_at
			 FROM account_version WHERE group_id = ? ORDER BY id DESC`, groupID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for group %s: %w", groupID, err)
	}
	return snaps, nil
}

// GetVersionSnapshot returns one snapshot of a group by version, or nil.
func (s *Store) GetVersionSnapshot(ctx context.Context, groupID string, version int64) (*types.VersionSnapshot, error) {
	var snap types.VersionSnapshot
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &snap,
			`SELECT id, group_id, version, emails_json, password, status, username, birthday,
			        recovery_emails_json, recovery_phones_json, note, created_by, created_at
			 FROM account_version WHERE group_id = ? AND version = ?
			 ORDER BY id DESC LIMIT 1`, groupID, version)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot v%d for group %s: %w", version, groupID, err)
	}
	return &snap, nil
}

// UpdateAccountFromSnapshot applies snapshot fields back onto an account and
// bumps its version.
func (s *Store) UpdateAccountFromSnapshot(ctx context.Context, accountID int64, snap *types.VersionSnapshot) error {
	return s.withTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE accounts
			SET password = ?, status = ?, username = ?, birthday = ?,
			    version = version + 1, updated_at = ?
			WHERE id = ?`,
			snap.Password, snap.Status, snap.Username, snap.Birthday,
			types.UTCNow(), accountID); err != nil {
			return fmt.Errorf("failed to restore account %d: %w", accountID, err)
		}
		return nil
	})
}
