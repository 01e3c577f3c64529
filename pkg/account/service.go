package account

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// Service manages account groups, aliases, recovery data and version
// snapshots. Groups are created on import and only ever soft-deleted.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewService builds an account service.
func NewService(st *store.Store) *Service {
	return &Service{store: st, logger: log.WithComponent("account")}
}

// ImportRequest describes one group import: a primary address, optional
// aliases sharing the credential, and recovery data.
type ImportRequest struct {
	Email          string   `json:"email"`
	Password       string   `json:"password"`
	Username       string   `json:"username"`
	Birthday       string   `json:"birthday"`
	Aliases        []string `json:"aliases,omitempty"`
	RecoveryEmails []string `json:"recovery_emails,omitempty"`
	RecoveryPhones []string `json:"recovery_phones,omitempty"`
}

// ImportResult reports a completed import.
type ImportResult struct {
	GroupID    string  `json:"group_id"`
	AccountIDs []int64 `json:"account_ids"`
}

// Import creates a new group with its aliases and recovery rows, then writes
// the initial version snapshot.
func (s *Service) Import(ctx context.Context, req ImportRequest, createdBy string) (*ImportResult, error) {
	email := normEmail(req.Email)
	if email == "" {
		return nil, fmt.Errorf("import requires a primary email")
	}

	groupID := uuid.New().String()
	now := types.UTCNow()

	emails := append([]string{email}, normEmailList(req.Aliases)...)
	emails = dedupe(emails)

	result := &ImportResult{GroupID: groupID}
	for _, addr := range emails {
		id, err := s.store.CreateAccount(ctx, &types.Account{
			GroupID:   groupID,
			Email:     addr,
			Password:  req.Password,
			Username:  strings.TrimSpace(req.Username),
			Birthday:  normBirthday(req.Birthday),
			Status:    types.AccountStatusNotLoggedIn,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		result.AccountIDs = append(result.AccountIDs, id)
	}

	if err := s.store.ReplaceRecoveryData(ctx, groupID,
		normEmailList(req.RecoveryEmails), normPhoneList(req.RecoveryPhones)); err != nil {
		return nil, err
	}

	if err := s.Snapshot(ctx, result.AccountIDs[0], "imported", createdBy); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("group_id", groupID).
		Int("aliases", len(result.AccountIDs)).
		Msg("Account group imported")
	return result, nil
}

// Snapshot appends a version snapshot of the account's group: every alias
// address, the credential state, and the recovery data. Snapshots are
// immutable once written.
func (s *Service) Snapshot(ctx context.Context, accountID int64, note, createdBy string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %d not found", accountID)
	}

	aliases, err := s.store.ListGroupAccounts(ctx, account.GroupID)
	if err != nil {
		return err
	}
	emails := make([]string, 0, len(aliases))
	for _, a := range aliases {
		emails = append(emails, a.Email)
	}

	recEmails, err := s.store.RecoveryEmails(ctx, account.GroupID)
	if err != nil {
		return err
	}
	recPhones, err := s.store.RecoveryPhones(ctx, account.GroupID)
	if err != nil {
		return err
	}

	emailsJSON, _ := json.Marshal(emails)
	recEmailsJSON, _ := json.Marshal(recEmails)
	recPhonesJSON, _ := json.Marshal(recPhones)

	return s.store.InsertVersionSnapshot(ctx, &types.VersionSnapshot{
		GroupID:       account.GroupID,
		Version:       account.Version,
		EmailsJSON:    string(emailsJSON),
		Password:      account.Password,
		Status:        string(account.Status),
		Username:      account.Username,
		Birthday:      account.Birthday,
		RecEmailsJSON: string(recEmailsJSON),
		RecPhonesJSON: string(recPhonesJSON),
		Note:          note,
		CreatedBy:     createdBy,
		CreatedAt:     types.UTCNow(),
	})
}

// ListSnapshots returns a group's audit log newest first.
func (s *Service) ListSnapshots(ctx context.Context, groupID string) ([]*types.VersionSnapshot, error) {
	return s.store.ListVersionSnapshots(ctx, groupID)
}

// Restore applies a snapshot's credential and recovery state back onto an
// account, bumping its version and recording the restore as a new snapshot.
func (s *Service) Restore(ctx context.Context, accountID, version int64, restoredBy string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %d not found", accountID)
	}

	snap, err := s.store.GetVersionSnapshot(ctx, account.GroupID, version)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("group %s has no snapshot for version %d", account.GroupID, version)
	}

	if err := s.store.UpdateAccountFromSnapshot(ctx, accountID, snap); err != nil {
		return err
	}

	var recEmails, recPhones []string
	if err := json.Unmarshal([]byte(snap.RecEmailsJSON), &recEmails); err != nil {
		return fmt.Errorf("snapshot %d has malformed recovery emails: %w", snap.ID, err)
	}
	if err := json.Unmarshal([]byte(snap.RecPhonesJSON), &recPhones); err != nil {
		return fmt.Errorf("snapshot %d has malformed recovery phones: %w", snap.ID, err)
	}
	if err := s.store.ReplaceRecoveryData(ctx, account.GroupID, recEmails, recPhones); err != nil {
		return err
	}

	if err := s.Snapshot(ctx, accountID,
		fmt.Sprintf("restored from version %d", version), restoredBy); err != nil {
		return err
	}

	s.logger.Info().
		Int64("account_id", accountID).
		Int64("version", version).
		Msg("Account restored from snapshot")
	return nil
}

// SoftDelete tombstones a group. The group id and its rows remain for audit.
func (s *Service) SoftDelete(ctx context.Context, groupID string) error {
	return s.store.SoftDeleteGroup(ctx, groupID)
}
