package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailharbor/mailharbor/pkg/types"
)

// SearchMessages runs a filtered, paginated search. baseConditions and
// baseParams scope the query (group, assignment set); the request adds the
// user-facing filters on top.
func (s *Store) SearchMessages(ctx context.Context, baseConditions []string, baseParams []any, req *types.MailSearchRequest) (*types.MailSearchResult, error) {
	conditions := append([]string{}, baseConditions...)
	params := append([]any{}, baseParams...)

	if req.Query != "" {
		term := "%" + req.Query + "%"
		conditions = append(conditions, "(subject LIKE ? OR from_addr LIKE ? OR to_joined LIKE ?)")
		params = append(params, term, term, term)
	}
	if req.Subject != "" {
		conditions = append(conditions, "subject LIKE ?")
		params = append(params, "%"+req.Subject+"%")
	}
	if req.FromAddr != "" {
		conditions = append(conditions, "from_addr LIKE ?")
		params = append(params, "%"+req.FromAddr+"%")
	}
	if req.ToAddr != "" {
		conditions = append(conditions, "to_joined LIKE ?")
		params = append(params, "%"+req.ToAddr+"%")
	}
	if req.FolderID != "" {
		conditions = append(conditions, "folder_id = ?")
		params = append(params, req.FolderID)
	}
	if req.HasAttachments != nil {
		if *req.HasAttachments {
			conditions = append(conditions, "has_attachments > 0")
		} else {
			conditions = append(conditions, "has_attachments = 0")
		}
	}
	if req.IsUnread != nil {
		if *req.IsUnread {
			conditions = append(conditions, "flags NOT GLOB '*Read*'")
		} else {
			conditions = append(conditions, "flags GLOB '*Read*'")
		}
	}
	if req.IsFlagged != nil {
		if *req.IsFlagged {
			conditions = append(conditions, "flags LIKE '%Flagged%'")
		} else {
			conditions = append(conditions, "flags NOT LIKE '%Flagged%'")
		}
	}
	if req.DateFrom != "" {
		conditions = append(conditions, "received_at >= ?")
		params = append(params, req.DateFrom)
	}
	if req.DateTo != "" {
		conditions = append(conditions, "received_at <= ?")
		params = append(params, req.DateTo)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.Size
	if size < 1 {
		size = 50
	}

	result := &types.MailSearchResult{Page: page, Size: size}

	err := s.withHandle(ctx, func(h *Handle) error {
		if err := h.db.GetContext(ctx, &result.Total,
			"SELECT COUNT(*) FROM mail_message"+where, params...); err != nil {
			return err
		}

		listQuery := `SELECT ` + messageColumns + ` FROM mail_message` + where +
			` ORDER BY received_at DESC LIMIT ? OFFSET ?`
		listParams := append(append([]any{}, params...), size, (page-1)*size)
		return h.db.SelectContext(ctx, &result.Items, listQuery, listParams...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	result.Pages = (result.Total + int64(size) - 1) / int64(size)
	return result, nil
}
