package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/types"
)

// DefaultBaseURL is the provider's v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Per-call timeouts.
const (
	listTimeout    = 10 * time.Second
	defaultTimeout = 15 * time.Second
	sendTimeout    = 30 * time.Second
)

// ErrDeltaExpired is returned when the provider answers a delta walk with
// HTTP 410 Gone: the cursor aged out and the folder needs a window resync.
var ErrDeltaExpired = errors.New("delta link expired")

// skipTokenRe extracts the opaque pagination cursor from a nextLink URL.
var skipTokenRe = regexp.MustCompile(`\$skiptoken=([^&]+)`)

// ExtractSkipToken pulls the skiptoken out of a nextLink. Returns "" when
// the link carries none.
func ExtractSkipToken(nextLink string) string {
	m := skipTokenRe.FindStringSubmatch(nextLink)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// TokenFunc supplies a bearer token for each request. The token manager
// binds one per group.
type TokenFunc func(ctx context.Context) (string, error)

// Client calls the provider's JSON-over-HTTPS API for a single group.
type Client struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient builds a provider client. httpClient may be nil.
func NewClient(baseURL string, token TokenFunc, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  log.WithComponent("graph"),
	}
}

// Recipient is one address on a message.
type Recipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

// Folder is one mail folder as listed by the provider.
type Folder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	WellKnownName    string `json:"wellKnownName"`
	ParentFolderID   string `json:"parentFolderId"`
	ChildFolderCount int64  `json:"childFolderCount"`
	TotalItemCount   int64  `json:"totalItemCount"`
	UnreadItemCount  int64  `json:"unreadItemCount"`
	IsHidden         bool   `json:"isHidden"`
}

// FolderPage is one page of a folder listing.
type FolderPage struct {
	Value    []Folder `json:"value"`
	NextLink string   `json:"@odata.nextLink"`
}

// Message is one message summary from a listing or delta page.
type Message struct {
	ID                string      `json:"id"`
	InternetMessageID string      `json:"internetMessageId"`
	Subject           string      `json:"subject"`
	BodyPreview       string      `json:"bodyPreview"`
	From              *Recipient  `json:"from"`
	ToRecipients      []Recipient `json:"toRecipients"`
	ReceivedDateTime  string      `json:"receivedDateTime"`
	SentDateTime      string      `json:"sentDateTime"`
	IsRead            bool        `json:"isRead"`
	HasAttachments    bool        `json:"hasAttachments"`
	ParentFolderID    string      `json:"parentFolderId"`
	Size              int64       `json:"size"`
	Flag              *struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

// MessagePage is one page of a message listing or delta walk.
type MessagePage struct {
	Value     []Message `json:"value"`
	NextLink  string    `json:"@odata.nextLink"`
	DeltaLink string    `json:"@odata.deltaLink"`
}

// Header is one internet message header on a full message.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FullMessage is the detailed form returned by a message GET.
type FullMessage struct {
	Message
	InternetMessageHeaders []Header `json:"internetMessageHeaders"`
	Body                   struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is provider attachment metadata; content bytes are not fetched.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
	ContentID   string `json:"contentId"`
}

// request performs one provider call. endpoint may be a relative path or a
// complete URL (nextLink / deltaLink). HTTP 204 decodes as an empty result.
func (c *Client) request(ctx context.Context, method, endpoint string, params url.Values, body any, timeout time.Duration, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(endpoint, "http") {
		endpoint = c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + params.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusGone:
		return ErrDeltaExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := resp.Header.Get("Retry-After")
		return fmt.Errorf("%w: retry after %s", types.ErrRateLimited, retryAfter)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: %s %s returned HTTP %d: %s",
			types.ErrProvider, method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}

// ListMailFolders lists root folders with a top limit. Hidden folders are
// not returned by the provider's default view.
func (c *Client) ListMailFolders(ctx context.Context, top int) (*FolderPage, error) {
	params := url.Values{"$top": {strconv.Itoa(top)}}
	var page FolderPage
	if err := c.request(ctx, http.MethodGet, "me/mailFolders", params, nil, listTimeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListChildFolders lists the children of one folder.
func (c *Client) ListChildFolders(ctx context.Context, folderID string, top int) (*FolderPage, error) {
	params := url.Values{"$top": {strconv.Itoa(top)}}
	var page FolderPage
	endpoint := fmt.Sprintf("me/mailFolders/%s/childFolders", folderID)
	if err := c.request(ctx, http.MethodGet, endpoint, params, nil, listTimeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListMessagesOptions are the OData knobs for a folder-scoped listing.
type ListMessagesOptions struct {
	FolderID  string
	Top       int
	Select    []string
	Filter    string
	OrderBy   string
	SkipToken string
}

// ListMessages lists messages with paging. A SkipToken continues a previous
// page chain.
func (c *Client) ListMessages(ctx context.Context, opts ListMessagesOptions) (*MessagePage, error) {
	var endpoint string
	params := url.Values{}

	if opts.SkipToken != "" {
		endpoint = fmt.Sprintf("me/messages?$skiptoken=%s", opts.SkipToken)
	} else {
		if opts.FolderID != "" {
			endpoint = fmt.Sprintf("me/mailFolders/%s/messages", opts.FolderID)
		} else {
			endpoint = "me/messages"
		}
		if opts.Top > 0 {
			params.Set("$top", strconv.Itoa(opts.Top))
		}
		if len(opts.Select) > 0 {
			params.Set("$select", strings.Join(opts.Select, ","))
		}
		if opts.Filter != "" {
			params.Set("$filter", opts.Filter)
		}
		if opts.OrderBy != "" {
			params.Set("$orderby", opts.OrderBy)
		}
	}

	var page MessagePage
	if err := c.request(ctx, http.MethodGet, endpoint, params, nil, listTimeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetMessage fetches one message with headers, body and attachment metadata.
func (c *Client) GetMessage(ctx context.Context, msgUID string) (*FullMessage, error) {
	params := url.Values{"$select": {"internetMessageHeaders,body,subject"}, "$expand": {"attachments($select=id,name,contentType,size,isInline)"}}
	var msg FullMessage
	endpoint := fmt.Sprintf("me/messages/%s", msgUID)
	if err := c.request(ctx, http.MethodGet, endpoint, params, nil, defaultTimeout, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Delta walks the change-tracking endpoint. With a deltaLink it continues the
// chain at the default timeout; starting a fresh sequence gets the long one,
// since the provider may materialize the whole folder's initial state.
func (c *Client) Delta(ctx context.Context, deltaLink, folderID string) (*MessagePage, error) {
	var page MessagePage
	if deltaLink != "" {
		if err := c.request(ctx, http.MethodGet, deltaLink, nil, nil, defaultTimeout, &page); err != nil {
			return nil, err
		}
		return &page, nil
	}

	params := url.Values{"$select": {"subject,from,toRecipients,receivedDateTime,sentDateTime,isRead,hasAttachments,bodyPreview,internetMessageId,parentFolderId"}}
	endpoint := "me/messages/delta"
	if folderID != "" {
		endpoint = fmt.Sprintf("me/mailFolders/%s/messages/delta", folderID)
	}
	if err := c.request(ctx, http.MethodGet, endpoint, params, nil, sendTimeout, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMailRequest describes an outgoing message.
type SendMailRequest struct {
	Subject  string
	Body     string
	BodyType string // "HTML" or "Text"
	To       []string
	Cc       []string
}

// SendMail submits a message through the provider. A 202/204 response is
// success with no content.
func (c *Client) SendMail(ctx context.Context, req SendMailRequest) error {
	bodyType := req.BodyType
	if bodyType == "" {
		bodyType = "HTML"
	}

	toRecipients := make([]map[string]map[string]string, 0, len(req.To))
	for _, addr := range req.To {
		toRecipients = append(toRecipients, map[string]map[string]string{
			"emailAddress": {"address": addr},
		})
	}

	payload := map[string]any{
		"message": map[string]any{
			"subject":      req.Subject,
			"body":         map[string]string{"contentType": bodyType, "content": req.Body},
			"toRecipients": toRecipients,
		},
		"saveToSentItems": "true",
	}

	if len(req.Cc) > 0 {
		ccRecipients := make([]map[string]map[string]string, 0, len(req.Cc))
		for _, addr := range req.Cc {
			ccRecipients = append(ccRecipients, map[string]map[string]string{
				"emailAddress": {"address": addr},
			})
		}
		payload["message"].(map[string]any)["ccRecipients"] = ccRecipients
	}

	return c.request(ctx, http.MethodPost, "me/sendMail", nil, payload, sendTimeout, nil)
}
