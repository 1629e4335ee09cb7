package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
)

func TestHTTP_Call(t *testing.T) {
	var got map[string]interface{}
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		header = r.Header.Get("X-Token")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewHTTP(time.Second, nil)
	err := h.Call(context.Background(), action.WebhookRequest{
		URL:     srv.URL,
		Method:  http.MethodPut,
		Headers: map[string]string{"X-Token": "abc"},
		Payload: map[string]string{"rule_id": "r-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", header)
	assert.Equal(t, "r-1", got["rule_id"])
}

func TestHTTP_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		wantErr   bool
		permanent bool
	}{
		{http.StatusOK, false, false},
		{http.StatusAccepted, false, false},
		{http.StatusTooManyRequests, true, false},
		{http.StatusBadGateway, true, false},
		{http.StatusNotFound, true, true},
		{http.StatusUnprocessableEntity, true, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			err := NewHTTP(time.Second, nil).Call(context.Background(), action.WebhookRequest{URL: srv.URL, Payload: struct{}{}})
			if !tc.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tc.permanent, action.IsPermanent(err))
		})
	}
}

func TestHTTP_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewHTTP(0, nil).Call(ctx, action.WebhookRequest{URL: srv.URL})
	require.Error(t, err)
	assert.False(t, action.IsPermanent(err))
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(context.Context, action.Notification) error {
	c.n.Add(1)
	return nil
}

func TestRouter(t *testing.T) {
	fallback := &countingNotifier{}
	slack := &countingNotifier{}
	r := NewRouter(fallback)
	r.Handle("Slack", slack)
	r.Handle("email", Log{})

	ctx := context.Background()
	require.NoError(t, r.Notify(ctx, action.Notification{Channel: "slack"}))
	require.NoError(t, r.Notify(ctx, action.Notification{}))
	require.NoError(t, r.Notify(ctx, action.Notification{Channel: "EMAIL", Body: "hi"}))

	err := r.Notify(ctx, action.Notification{Channel: "pager"})
	require.Error(t, err)
	assert.True(t, action.IsPermanent(err))

	assert.Equal(t, int32(1), slack.n.Load())
	assert.Equal(t, int32(1), fallback.n.Load())
	assert.Equal(t, []string{"email", "slack"}, r.Channels())
}

func TestWebhookChannel(t *testing.T) {
	var got action.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	w := &Webhook{URL: srv.URL, Caller: NewHTTP(time.Second, nil)}
	require.NoError(t, w.Notify(context.Background(), action.Notification{Channel: "ops", Body: "approved", RecordID: "t-1"}))
	assert.Equal(t, "approved", got.Body)
	assert.Equal(t, "t-1", got.RecordID)
}
