package mail

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// Service exposes the search/read/flag operations over synchronized mail.
// Non-admin callers only see messages whose account appears in their
// assignment set.
type Service struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewService builds a mail service.
func NewService(st *store.Store) *Service {
	return &Service{store: st, logger: log.WithComponent("mail")}
}

// Detail is a message with its body and attachment metadata.
type Detail struct {
	*types.MailMessage
	Body        *types.MailBody         `json:"body,omitempty"`
	Attachments []*types.MailAttachment `json:"attachments"`
}

// SearchGroup searches one group's messages. Non-admin users need an
// assignment into the group.
func (s *Service) SearchGroup(ctx context.Context, groupID string, req *types.MailSearchRequest, user *types.User) (*types.MailSearchResult, error) {
	if user != nil && user.Role != types.RoleAdmin {
		ok, err := s.store.HasGroupPermission(ctx, groupID, user.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return emptyResult(req), nil
		}
	}
	return s.store.SearchMessages(ctx, []string{"group_id = ?"}, []any{groupID}, req)
}

// SearchAll searches across groups under the role/project visibility matrix:
// admins see everything (optionally narrowed to a project), other users see
// only their assigned accounts.
func (s *Service) SearchAll(ctx context.Context, req *types.MailSearchRequest, user *types.User, projectID int64) (*types.MailSearchResult, error) {
	conditions, params := store.AssignedAccountConditions(user, projectID)
	return s.store.SearchMessages(ctx, conditions, params, req)
}

// GetDetail returns a message with body and attachments. The body is nil
// until a download task fetched it.
func (s *Service) GetDetail(ctx context.Context, messageID int64) (*Detail, error) {
	msg, err := s.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	body, err := s.store.GetBody(ctx, messageID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, messageID)
	if err != nil {
		return nil, err
	}

	return &Detail{MailMessage: msg, Body: body, Attachments: attachments}, nil
}

// Flag actions.
const (
	FlagActionAdd    = "add"
	FlagActionRemove = "remove"
)

// BatchUpdateFlags adds or removes one flag across messages. Flags are a
// semicolon-separated set stored sorted; only rows whose set actually changes
// are written. Returns the number of updated rows.
func (s *Service) BatchUpdateFlags(ctx context.Context, groupID string, messageIDs []int64, action, flag string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	if action != FlagActionAdd && action != FlagActionRemove {
		return 0, fmt.Errorf("invalid flag action %q", action)
	}

	current, err := s.store.MessageFlags(ctx, groupID, messageIDs)
	if err != nil {
		return 0, err
	}

	updates := make(map[int64]string)
	for id, raw := range current {
		flagSet := splitFlags(raw)

		before := len(flagSet)
		if action == FlagActionAdd {
			flagSet[flag] = true
		} else {
			delete(flagSet, flag)
		}
		if len(flagSet) == before {
			continue
		}

		updates[id] = joinFlagSet(flagSet)
	}

	if err := s.store.UpdateMessageFlags(ctx, updates); err != nil {
		return 0, err
	}
	return len(updates), nil
}

// Delete removes one message inside a group.
func (s *Service) Delete(ctx context.Context, groupID string, messageID int64) (bool, error) {
	n, err := s.store.DeleteMessages(ctx, groupID, []int64{messageID})
	return n > 0, err
}

// BatchDelete removes messages inside a group, returning the removed count.
func (s *Service) BatchDelete(ctx context.Context, groupID string, messageIDs []int64) (int64, error) {
	return s.store.DeleteMessages(ctx, groupID, messageIDs)
}

// UpdateBody writes a message body directly, bypassing the write queue. Used
// by the API boundary for manual body edits.
func (s *Service) UpdateBody(ctx context.Context, body *types.MailBody) error {
	return s.store.UpsertBody(ctx, body)
}

func splitFlags(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Split(raw, ";") {
		if f != "" && f != types.FlagsUnread {
			set[f] = true
		}
	}
	return set
}

// joinFlagSet renders a flag set sorted so storage is deterministic.
func joinFlagSet(set map[string]bool) string {
	if len(set) == 0 {
		return types.FlagsUnread
	}
	flags := make([]string, 0, len(set))
	for f := range set {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return strings.Join(flags, ";")
}

func emptyResult(req *types.MailSearchRequest) *types.MailSearchResult {
	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.Size
	if size < 1 {
		size = 50
	}
	return &types.MailSearchResult{Items: []*types.MailMessage{}, Page: page, Size: size}
}
