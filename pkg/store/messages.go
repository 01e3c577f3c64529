package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mailharbor/mailharbor/pkg/types"
)

const messageColumns = `id, group_id, account_id, msg_uid, msg_id, subject, from_addr, from_name,
	to_joined, folder_id, sent_at, received_at, size_bytes, has_attachments, flags, snippet,
	created_at, updated_at`

// GetMessage returns one message scoped to its group, or nil.
func (s *Store) GetMessage(ctx context.Context, groupID string, messageID int64) (*types.MailMessage, error) {
	var m types.MailMessage
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &m,
			`SELECT `+messageColumns+` FROM mail_message WHERE group_id = ? AND id = ?`,
			groupID, messageID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", messageID, err)
	}
	return &m, nil
}

// GetMessageByID returns a message by primary key regardless of group.
func (s *Store) GetMessageByID(ctx context.Context, messageID int64) (*types.MailMessage, error) {
	var m types.MailMessage
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &m,
			`SELECT `+messageColumns+` FROM mail_message WHERE id = ?`, messageID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", messageID, err)
	}
	return &m, nil
}

// GetBody returns the downloaded body for a message, or nil when only the
// summary row exists.
func (s *Store) GetBody(ctx context.Context, messageID int64) (*types.MailBody, error) {
	var b types.MailBody
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &b,
			`SELECT message_id, headers, body_plain, body_html FROM mail_body WHERE message_id = ?`,
			messageID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get body for message %d: %w", messageID, err)
	}
	return &b, nil
}

// UpsertBody writes or replaces a message body.
func (s *Store) UpsertBody(ctx context.Context, b *types.MailBody) error {
	return s.withTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO mail_body (message_id, headers, body_plain, body_html)
			 VALUES (?, ?, ?, ?)`,
			b.MessageID, b.Headers, b.BodyPlain, b.BodyHTML)
		if err != nil {
			return fmt.Errorf("failed to upsert body for message %d: %w", b.MessageID, err)
		}
		return nil
	})
}

// ListAttachments returns attachment metadata for a message.
func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]*types.MailAttachment, error) {
	var atts []*types.MailAttachment
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.SelectContext(ctx, &atts,
			`SELECT id, message_id, attachment_id, filename, content_type, size, is_inline,
			        content_id, download_status
			 FROM mail_attachment WHERE message_id = ? ORDER BY id`, messageID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments for message %d: %w", messageID, err)
	}
	return atts, nil
}

// DeleteMessages removes messages by id inside a group. The group scope
// prevents cross-group deletion. Returns the number of rows removed.
func (s *Store) DeleteMessages(ctx context.Context, groupID string, messageIDs []int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.withTx(ctx, func(tx *Tx) error {
		query, args := inQuery(
			`DELETE FROM mail_message WHERE group_id = ? AND id IN (%s)`,
			[]any{groupID}, messageIDs)
		res, err := tx.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// MessageFlags returns id -> flags for a set of messages inside a group.
func (s *Store) MessageFlags(ctx context.Context, groupID string, messageIDs []int64) (map[int64]string, error) {
	flags := make(map[int64]string, len(messageIDs))
	if len(messageIDs) == 0 {
		return flags, nil
	}
	err := s.withHandle(ctx, func(h *Handle) error {
		query, args := inQuery(
			`SELECT id, flags FROM mail_message WHERE group_id = ? AND id IN (%s)`,
			[]any{groupID}, messageIDs)
		rows, err := h.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var f string
			if err := rows.Scan(&id, &f); err != nil {
				return err
			}
			flags[id] = f
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read message flags: %w", err)
	}
	return flags, nil
}

// UpdateMessageFlags rewrites the flags column for the given messages in one
// transaction.
func (s *Store) UpdateMessageFlags(ctx context.Context, updates map[int64]string) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *Tx) error {
		for id, f := range updates {
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE mail_message SET flags = ?, updated_at = ? WHERE id = ?`,
				f, types.UTCNow(), id); err != nil {
				return fmt.Errorf("failed to update flags for message %d: %w", id, err)
			}
		}
		return nil
	})
}

// DownloadCandidate pairs a message with its owning group for the batch
// download worker. Only messages without a stored body qualify.
type DownloadCandidate struct {
	MessageID int64  `db:"message_id"`
	MsgUID    string `db:"msg_uid"`
	GroupID   string `db:"group_id"`
}

// DownloadCandidates resolves metadata for the requested ids and filters out
// messages whose body already exists.
func (s *Store) DownloadCandidates(ctx context.Context, messageIDs []int64) ([]DownloadCandidate, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var cands []DownloadCandidate
	err := s.withHandle(ctx, func(h *Handle) error {
		query, args := inQuery(`
			SELECT m.id AS message_id, m.msg_uid, m.group_id
			FROM mail_message m
			LEFT JOIN mail_body b ON m.id = b.message_id
			WHERE m.id IN (%s) AND b.message_id IS NULL`,
			nil, messageIDs)
		return h.db.SelectContext(ctx, &cands, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve download candidates: %w", err)
	}
	return cands, nil
}

// CountMessages returns the number of summary rows in a group, used by sync
// idempotence checks and stats.
func (s *Store) CountMessages(ctx context.Context, groupID string) (int64, error) {
	var n int64
	err := s.withHandle(ctx, func(h *Handle) error {
		return h.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM mail_message WHERE group_id = ?`, groupID)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count messages for group %s: %w", groupID, err)
	}
	return n, nil
}

// inQuery expands an IN (%s) placeholder for int64 ids, prepending any fixed
// args.
func inQuery(format string, fixed []any, ids []int64) (string, []any) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(fixed)+len(ids))
	args = append(args, fixed...)
	for _, id := range ids {
		args = append(args, id)
	}
	return fmt.Sprintf(format, marks), args
}
