package queue

import (
	"encoding/json"
	"fmt"

	"github.com/mailharbor/mailharbor/pkg/types"
)

// Write-queue table names. The wire envelope is {"table": ..., "data": ...}
// so the Writer Daemon can group items without inspecting variant payloads.
const (
	TableMessage    = "mail_message"
	TableBody       = "mail_body"
	TableAttachment = "mail_attachment"
	TableFolder     = "mail_folders"
)

// WriteOp is a closed sum of the record shapes that flow through the write
// queue. Exactly one variant field is set, selected by Table.
type WriteOp struct {
	Table      string
	Message    *types.MailMessage
	Body       *types.MailBody
	Attachment *types.MailAttachment
	Folder     *types.MailFolder
}

// NewMessageOp wraps a message summary row.
func NewMessageOp(m *types.MailMessage) WriteOp {
	return WriteOp{Table: TableMessage, Message: m}
}

// NewBodyOp wraps a message body row.
func NewBodyOp(b *types.MailBody) WriteOp {
	return WriteOp{Table: TableBody, Body: b}
}

// NewAttachmentOp wraps an attachment metadata row.
func NewAttachmentOp(a *types.MailAttachment) WriteOp {
	return WriteOp{Table: TableAttachment, Attachment: a}
}

// NewFolderOp wraps a folder row.
func NewFolderOp(f *types.MailFolder) WriteOp {
	return WriteOp{Table: TableFolder, Folder: f}
}

type opEnvelope struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`
}

// MarshalJSON encodes the envelope form.
func (op WriteOp) MarshalJSON() ([]byte, error) {
	var data any
	switch op.Table {
	case TableMessage:
		data = op.Message
	case TableBody:
		data = op.Body
	case TableAttachment:
		data = op.Attachment
	case TableFolder:
		data = op.Folder
	default:
		return nil, fmt.Errorf("unknown write op table %q", op.Table)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(opEnvelope{Table: op.Table, Data: raw})
}

// UnmarshalJSON decodes the envelope form, rejecting unknown tables and
// missing payloads so malformed queue items are discarded early.
func (op *WriteOp) UnmarshalJSON(data []byte) error {
	var env opEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("write op for table %q has no data", env.Table)
	}

	op.Table = env.Table
	switch env.Table {
	case TableMessage:
		op.Message = &types.MailMessage{}
		return json.Unmarshal(env.Data, op.Message)
	case TableBody:
		op.Body = &types.MailBody{}
		return json.Unmarshal(env.Data, op.Body)
	case TableAttachment:
		op.Attachment = &types.MailAttachment{}
		return json.Unmarshal(env.Data, op.Attachment)
	case TableFolder:
		op.Folder = &types.MailFolder{}
		return json.Unmarshal(env.Data, op.Folder)
	default:
		return fmt.Errorf("unknown write op table %q", env.Table)
	}
}

// EncodeOps serializes ops for the write queue.
func EncodeOps(ops []WriteOp) ([]string, error) {
	encoded := make([]string, 0, len(ops))
	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("failed to encode write op: %w", err)
		}
		encoded = append(encoded, string(raw))
	}
	return encoded, nil
}
