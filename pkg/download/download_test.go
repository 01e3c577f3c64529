package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailharbor/mailharbor/pkg/graph"
	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/queue"
	"github.com/mailharbor/mailharbor/pkg/store"
	"github.com/mailharbor/mailharbor/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background(), ""))
	return s
}

func newTestBroker(t *testing.T) *queue.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	b := queue.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })
	return b
}

// seedMessages inserts n summary rows for a group and returns their ids.
func seedMessages(t *testing.T, s *store.Store, group string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	now := types.UTCNow()

	var msgs []*types.MailMessage
	for i := 0; i < n; i++ {
		msgs = append(msgs, &types.MailMessage{
			GroupID: group, MsgUID: fmt.Sprintf("%s-uid-%d", group, i),
			Flags: types.FlagsUnread, CreatedAt: now, UpdatedAt: now,
		})
	}
	require.NoError(t, s.FlushWriteOps(ctx, msgs, nil, nil, nil))

	res, err := s.SearchMessages(ctx, []string{"group_id = ?"}, []any{group},
		&types.MailSearchRequest{Size: 100})
	require.NoError(t, err)
	require.Len(t, res.Items, n)

	ids := make([]int64, 0, n)
	for _, m := range res.Items {
		ids = append(ids, m.ID)
	}
	return ids
}

func drainOps(t *testing.T, b *queue.Broker) []queue.WriteOp {
	t.Helper()
	var ops []queue.WriteOp
	for {
		raw, ok, err := b.RPop(context.Background(), queue.WriteQueueKey)
		require.NoError(t, err)
		if !ok {
			return ops
		}
		var op queue.WriteOp
		require.NoError(t, json.Unmarshal([]byte(raw), &op))
		ops = append(ops, op)
	}
}

func messageFixture() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "whatever",
			"subject": "detail",
			"body":    map[string]string{"contentType": "html", "content": "<p>body</p>"},
			"internetMessageHeaders": []map[string]string{
				{"name": "Message-ID", "value": "<x@example.com>"},
			},
			"attachments": []map[string]any{
				{"id": "att-1", "name": "doc.pdf", "contentType": "application/pdf", "size": 10, "isInline": false},
			},
		})
	})
}

func newTestDownloader(t *testing.T, s *store.Store, b *queue.Broker, handler http.Handler, badGroups map[string]bool) *Downloader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokenFn := func(ctx context.Context, groupID string) (string, error) {
		if badGroups[groupID] {
			return "", fmt.Errorf("%w: refresh token expired", types.ErrAuthRequired)
		}
		return "tok-" + groupID, nil
	}
	clientFn := func(tok string) *graph.Client {
		return graph.NewClient(srv.URL,
			func(context.Context) (string, error) { return tok, nil }, nil)
	}
	return New(s, b, tokenFn, clientFn, 4)
}

func TestBatchDownloadPartialAuthFailure(t *testing.T) {
	// Ids span three groups; group B's refresh token is dead. Peers finish,
	// B's ids land in auth_errors, and the run itself succeeds.
	s := newTestStore(t)
	b := newTestBroker(t)

	idsA := seedMessages(t, s, "group-a", 3)
	idsB := seedMessages(t, s, "group-b", 3)
	idsC := seedMessages(t, s, "group-c", 4)

	all := append(append(append([]int64{}, idsA...), idsB...), idsC...)

	d := newTestDownloader(t, s, b, messageFixture(), map[string]bool{"group-b": true})
	result, err := d.Run(context.Background(), all, nil)
	require.NoError(t, err)

	assert.Equal(t, 10, result.Requested)
	assert.Equal(t, 7, result.Downloaded)
	assert.Equal(t, 0, result.Skipped)
	assert.Empty(t, result.DownloadErrors)
	require.Contains(t, result.AuthErrors, "group-b")
	assert.ElementsMatch(t, idsB, result.AuthErrors["group-b"])

	// Bodies were buffered for A and C only: one body and one attachment op
	// per downloaded message.
	ops := drainOps(t, b)
	var bodyIDs []int64
	for _, op := range ops {
		if op.Table == queue.TableBody {
			bodyIDs = append(bodyIDs, op.Body.MessageID)
		}
	}
	assert.Len(t, bodyIDs, 7)
	for _, id := range idsB {
		assert.NotContains(t, bodyIDs, id)
	}
}

func TestBatchDownloadSkipsExistingBodies(t *testing.T) {
	s := newTestStore(t)
	b := newTestBroker(t)

	ids := seedMessages(t, s, "group-a", 3)
	require.NoError(t, s.UpsertBody(context.Background(),
		&types.MailBody{MessageID: ids[0], BodyHTML: "<p>cached</p>"}))

	d := newTestDownloader(t, s, b, messageFixture(), nil)
	result, err := d.Run(context.Background(), ids, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Requested)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, result.Downloaded)
}

func TestBatchDownloadProgress(t *testing.T) {
	s := newTestStore(t)
	b := newTestBroker(t)

	ids := seedMessages(t, s, "group-a", 5)

	var final int
	d := newTestDownloader(t, s, b, messageFixture(), nil)
	_, err := d.Run(context.Background(), ids, func(done, total int) {
		final = done
		assert.Equal(t, 5, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 5, final, "progress reports every completion")
}

func TestBatchDownloadPerItemErrors(t *testing.T) {
	s := newTestStore(t)
	b := newTestBroker(t)

	ids := seedMessages(t, s, "group-a", 3)

	// One message 404s; the rest download.
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		messageFixture().ServeHTTP(w, r)
	})

	d := newTestDownloader(t, s, b, handler, nil)
	// Serialize so exactly the first call fails.
	d.fanOut = 1

	result, err := d.Run(context.Background(), ids, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Downloaded)
	assert.Len(t, result.DownloadErrors, 1)
}

func TestBatchDownloadEmptyInput(t *testing.T) {
	s := newTestStore(t)
	b := newTestBroker(t)
	d := newTestDownloader(t, s, b, messageFixture(), nil)

	result, err := d.Run(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, result.Requested)
	assert.Zero(t, result.Downloaded)
}

func TestBatchDownloadAllCached(t *testing.T) {
	s := newTestStore(t)
	b := newTestBroker(t)

	ids := seedMessages(t, s, "group-a", 2)
	for _, id := range ids {
		require.NoError(t, s.UpsertBody(context.Background(),
			&types.MailBody{MessageID: id, BodyHTML: "<p>cached</p>"}))
	}

	var reported bool
	d := newTestDownloader(t, s, b, messageFixture(), nil)
	result, err := d.Run(context.Background(), ids, func(done, total int) {
		reported = true
		assert.Equal(t, done, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, result.Downloaded)
	assert.True(t, reported, "a fully cached batch still reports completion")
}
