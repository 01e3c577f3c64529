package types

import (
	"time"
)

// TimeFormat is the canonical UTC timestamp layout stored in the database
// and sent to the provider in $filter expressions.
const TimeFormat = "2006-01-02T15:04:05Z"

// UTCNow returns the current UTC time in the canonical layout.
func UTCNow() string {
	return time.Now().UTC().Format(TimeFormat)
}

// UTCDaysAgo returns the UTC time n days in the past in the canonical layout.
func UTCDaysAgo(days int) string {
	return time.Now().UTC().AddDate(0, 0, -days).Format(TimeFormat)
}

// AccountStatus tracks the login state of an alias account
type AccountStatus string

const (
	AccountStatusNotLoggedIn   AccountStatus = "not-logged-in"
	AccountStatusSuccess       AccountStatus = "success"
	AccountStatusFailure       AccountStatus = "failure"
	AccountStatusPasswordError AccountStatus = "password-error"
	AccountStatusPhoneVerify   AccountStatus = "phone-verify"
)

// Account is a single alias inside an account group. All aliases in a group
// share one refresh token.
type Account struct {
	ID        int64         `db:"id" json:"id"`
	GroupID   string        `db:"group_id" json:"group_id"`
	Email     string        `db:"email" json:"email"`
	Password  string        `db:"password" json:"-"`
	Username  string        `db:"username" json:"username"`
	Birthday  string        `db:"birthday" json:"birthday"`
	Status    AccountStatus `db:"status" json:"status"`
	Version   int64         `db:"version" json:"version"`
	IsDeleted bool          `db:"is_deleted" json:"is_deleted"`
	CreatedAt string        `db:"created_at" json:"created_at"`
	UpdatedAt string        `db:"updated_at" json:"updated_at"`
}

// TokenRecord holds the OAuth triple for a group. Exactly one row per group.
// RefreshToken is never null once a row exists: a refresh response that omits
// a new refresh token keeps the previous one.
type TokenRecord struct {
	GroupID      string `db:"group_id" json:"group_id"`
	AccessToken  string `db:"access_token" json:"-"`
	RefreshToken string `db:"refresh_token" json:"-"`
	IDToken      string `db:"id_token" json:"-"`
	ATExpiresAt  int64  `db:"at_expires_at" json:"at_expires_at"`
	RTExpiresAt  int64  `db:"rt_expires_at" json:"rt_expires_at"`
	Scope        string `db:"scope" json:"scope"`
	TenantID     string `db:"tenant_id" json:"tenant_id"`
	UpdatedAt    string `db:"updated_at" json:"updated_at"`
}

// MailFolder is one provider folder. DeltaLink is only replaced after a sync
// round that consumed it completed successfully.
type MailFolder struct {
	FolderID       string `db:"folder_id" json:"folder_id"`
	GroupID        string `db:"group_id" json:"group_id"`
	DisplayName    string `db:"display_name" json:"display_name"`
	WellKnownName  string `db:"well_known_name" json:"well_known_name"`
	ParentFolderID string `db:"parent_folder_id" json:"parent_folder_id"`
	TotalCount     int64  `db:"total_count" json:"total_count"`
	UnreadCount    int64  `db:"unread_count" json:"unread_count"`
	DeltaLink      string `db:"delta_link" json:"-"`
	LastSyncAt     string `db:"last_sync_at" json:"last_sync_at"`
	SyncedCount    int64  `db:"synced_count" json:"synced_count"`
	UpdatedAt      string `db:"updated_at" json:"updated_at"`
}

// Message flags stored as a semicolon-separated set in MailMessage.Flags.
const (
	FlagRead    = "Read"
	FlagFlagged = "Flagged"
	FlagsUnread = "UNREAD"
)

// MailMessage is a normalized message summary. Unique on (group_id, msg_uid).
type MailMessage struct {
	ID             int64  `db:"id" json:"id"`
	GroupID        string `db:"group_id" json:"group_id"`
	AccountID      int64  `db:"account_id" json:"account_id"`
	MsgUID         string `db:"msg_uid" json:"msg_uid"`
	MsgID          string `db:"msg_id" json:"msg_id"`
	Subject        string `db:"subject" json:"subject"`
	FromAddr       string `db:"from_addr" json:"from_addr"`
	FromName       string `db:"from_name" json:"from_name"`
	ToJoined       string `db:"to_joined" json:"to_joined"`
	FolderID       string `db:"folder_id" json:"folder_id"`
	SentAt         string `db:"sent_at" json:"sent_at"`
	ReceivedAt     string `db:"received_at" json:"received_at"`
	SizeBytes      int64  `db:"size_bytes" json:"size_bytes"`
	HasAttachments int    `db:"has_attachments" json:"has_attachments"`
	Flags          string `db:"flags" json:"flags"`
	Snippet        string `db:"snippet" json:"snippet"`
	CreatedAt      string `db:"created_at" json:"created_at"`
	UpdatedAt      string `db:"updated_at" json:"updated_at"`
}

// MailBody holds the lazily downloaded message content, keyed by message id.
type MailBody struct {
	MessageID int64  `db:"message_id" json:"message_id"`
	Headers   string `db:"headers" json:"headers"`
	BodyPlain string `db:"body_plain" json:"body_plain"`
	BodyHTML  string `db:"body_html" json:"body_html"`
}

// MailAttachment is attachment metadata only; bytes are never stored here.
type MailAttachment struct {
	ID             int64  `db:"id" json:"id"`
	MessageID      int64  `db:"message_id" json:"message_id"`
	AttachmentID   string `db:"attachment_id" json:"attachment_id"`
	Filename       string `db:"filename" json:"filename"`
	ContentType    string `db:"content_type" json:"content_type"`
	Size           int64  `db:"size" json:"size"`
	IsInline       int    `db:"is_inline" json:"is_inline"`
	ContentID      string `db:"content_id" json:"content_id"`
	DownloadStatus string `db:"download_status" json:"download_status"`
}

// VersionSnapshot is an append-only audit record of a group's account state.
type VersionSnapshot struct {
	ID             int64  `db:"id" json:"id"`
	GroupID        string `db:"group_id" json:"group_id"`
	Version        int64  `db:"version" json:"version"`
	EmailsJSON     string `db:"emails_json" json:"emails_json"`
	Password       string `db:"password" json:"-"`
	Status         string `db:"status" json:"status"`
	Username       string `db:"username" json:"username"`
	Birthday       string `db:"birthday" json:"birthday"`
	RecEmailsJSON  string `db:"recovery_emails_json" json:"recovery_emails_json"`
	RecPhonesJSON  string `db:"recovery_phones_json" json:"recovery_phones_json"`
	Note           string `db:"note" json:"note"`
	CreatedBy      string `db:"created_by" json:"created_by"`
	CreatedAt      string `db:"created_at" json:"created_at"`
}

// ProjectAssignment links an account to a user inside a project. Non-admin
// users only see messages whose account appears in their assignment set.
type ProjectAssignment struct {
	ID        int64 `db:"id" json:"id"`
	ProjectID int64 `db:"project_id" json:"project_id"`
	AccountID int64 `db:"account_id" json:"account_id"`
	UserID    int64 `db:"user_id" json:"user_id"`
}

// Project groups account assignments.
type Project struct {
	ID        int64  `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// User is an operator of the service, not a mailbox owner.
type User struct {
	ID        int64  `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Password  string `db:"password" json:"-"`
	Role      string `db:"role" json:"role"`
	CreatedAt string `db:"created_at" json:"created_at"`
}

// RoleAdmin users bypass assignment checks and get the larger concurrency cap.
const RoleAdmin = "admin"

// TaskState is the lifecycle state of a runtime task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSuccess   TaskState = "success"
	TaskFailure   TaskState = "failure"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state can no longer transition.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskCancelled:
		return true
	}
	return false
}

// Task types dispatched by the runtime.
const (
	TaskTypeLogin       = "login"
	TaskTypeSync        = "sync"
	TaskTypeSyncFolders = "sync_folders"
	TaskTypeDownload    = "download"
	TaskTypeSend        = "send"
)

// TaskStatus is the record stored under the broker status key for a
// (user, task type, group) triple. Last write wins.
type TaskStatus struct {
	TaskID    string    `json:"task_id"`
	TaskKey   string    `json:"task_key"`
	TaskType  string    `json:"task_type"`
	UserID    int64     `json:"user_id"`
	GroupID   string    `json:"group_id"`
	State     TaskState `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt string    `json:"updated_at"`
}
