package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailharbor/mailharbor/pkg/types"
)

// FlushWriteOps persists one Writer Daemon batch. All tables commit in a
// single transaction: either every row lands or none do. Message and
// attachment rows use INSERT OR IGNORE so redelivery produces no duplicates;
// bodies use INSERT OR REPLACE so a re-download wins.
func (s *Store) FlushWriteOps(ctx context.Context,
	messages []*types.MailMessage,
	bodies []*types.MailBody,
	attachments []*types.MailAttachment,
	folders []*types.MailFolder,
) error {
	if len(messages) == 0 && len(bodies) == 0 && len(attachments) == 0 && len(folders) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *Tx) error {
		if err := bulkInsertMessages(ctx, tx, messages); err != nil {
			return err
		}
		if err := bulkUpsertBodies(ctx, tx, bodies); err != nil {
			return err
		}
		if err := bulkInsertAttachments(ctx, tx, attachments); err != nil {
			return err
		}
		if err := bulkInsertFolders(ctx, tx, folders); err != nil {
			return err
		}
		return nil
	})
}

// maxBulkRows keeps a single statement under SQLite's bind variable limit.
const maxBulkRows = 400

func bulkInsertMessages(ctx context.Context, tx *Tx, rows []*types.MailMessage) error {
	for start := 0; start < len(rows); start += maxBulkRows {
		chunk := rows[start:min(start+maxBulkRows, len(rows))]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*17)
		for _, m := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				m.GroupID, m.AccountID, m.MsgUID, m.MsgID, m.Subject, m.FromAddr, m.FromName,
				m.ToJoined, m.FolderID, m.SentAt, m.ReceivedAt, m.SizeBytes, m.HasAttachments,
				m.Flags, m.Snippet, m.CreatedAt, m.UpdatedAt)
		}

		query := `INSERT OR IGNORE INTO mail_message
			(group_id, account_id, msg_uid, msg_id, subject, from_addr, from_name, to_joined,
			 folder_id, sent_at, received_at, size_bytes, has_attachments, flags, snippet,
			 created_at, updated_at)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk insert messages: %w", err)
		}
	}
	return nil
}

func bulkUpsertBodies(ctx context.Context, tx *Tx, rows []*types.MailBody) error {
	for start := 0; start < len(rows); start += maxBulkRows {
		chunk := rows[start:min(start+maxBulkRows, len(rows))]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*4)
		for _, b := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?)")
			args = append(args, b.MessageID, b.Headers, b.BodyPlain, b.BodyHTML)
		}

		query := `INSERT OR REPLACE INTO mail_body (message_id, headers, body_plain, body_html)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk upsert bodies: %w", err)
		}
	}
	return nil
}

func bulkInsertAttachments(ctx context.Context, tx *Tx, rows []*types.MailAttachment) error {
	for start := 0; start < len(rows); start += maxBulkRows {
		chunk := rows[start:min(start+maxBulkRows, len(rows))]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*8)
		for _, a := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				a.MessageID, a.AttachmentID, a.Filename, a.ContentType,
				a.Size, a.IsInline, a.ContentID, a.DownloadStatus)
		}

		query := `INSERT OR IGNORE INTO mail_attachment
			(message_id, attachment_id, filename, content_type, size, is_inline, content_id, download_status)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk insert attachments: %w", err)
		}
	}
	return nil
}

func bulkInsertFolders(ctx context.Context, tx *Tx, rows []*types.MailFolder) error {
	for start := 0; start < len(rows); start += maxBulkRows {
		chunk := rows[start:min(start+maxBulkRows, len(rows))]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*8)
		for _, f := range chunk {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				f.FolderID, f.GroupID, f.DisplayName, f.WellKnownName,
				f.ParentFolderID, f.TotalCount, f.UnreadCount, f.UpdatedAt)
		}

		query := `INSERT OR IGNORE INTO mail_folders
			(folder_id, group_id, display_name, well_known_name, parent_folder_id,
			 total_count, unread_count, updated_at)
			VALUES ` + strings.Join(placeholders, ", ")
		if _, err := tx.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to bulk insert folders: %w", err)
		}
	}
	return nil
}
