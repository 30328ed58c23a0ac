package telegram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const getMeResponse = `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Watcher","username":"watcher_bot"}}`

// newTestClient serves getMe itself and hands every other method to handle.
func newTestClient(t *testing.T, token string, handle http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bot"+token+"/getMe" {
			_, _ = io.WriteString(w, getMeResponse)
			return
		}
		handle(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.Client(), token, srv.URL+"/", testLogger)
	require.NoError(t, err)
	return c
}

func TestSendMessage(t *testing.T) {
	c := newTestClient(t, "secret-token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/botsecret-token/sendMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "-100123", r.PostForm.Get("chat_id"))
		assert.Equal(t, "<b>hi</b>", r.PostForm.Get("text"))
		assert.Equal(t, "HTML", r.PostForm.Get("parse_mode"))
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":1700000000,"chat":{"id":-100123,"type":"group"}}}`)
	})

	err := c.SendMessage(context.Background(), OutgoingMessage{ChatID: "-100123", Text: "<b>hi</b>", ParseMode: ParseModeHTML})
	require.NoError(t, err)
}

func TestSendMessageRejectsBadChatID(t *testing.T) {
	c := newTestClient(t, "t", func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	})

	err := c.SendMessage(context.Background(), OutgoingMessage{ChatID: "alice", Text: "x"})
	require.Error(t, err)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, "t", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
	})

	err := c.SendMessage(context.Background(), OutgoingMessage{ChatID: "1", Text: "x"})
	require.Error(t, err)
	assert.True(t, IsAPIError(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.Code)
	assert.Equal(t, 7, apiErr.RetryAfter)
	assert.Contains(t, err.Error(), "Too Many Requests")
}

func TestNonJSONErrorResponse(t *testing.T) {
	c := newTestClient(t, "t", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	err := c.SendMessage(context.Background(), OutgoingMessage{ChatID: "1", Text: "x"})
	require.Error(t, err)
	assert.False(t, IsAPIError(err))
}

func TestGetUpdates(t *testing.T) {
	c := newTestClient(t, "t", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bott/getUpdates", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "10", r.PostForm.Get("offset"))
		assert.Equal(t, "25", r.PostForm.Get("timeout"))

		var allowed []string
		require.NoError(t, json.Unmarshal([]byte(r.PostForm.Get("allowed_updates")), &allowed))
		assert.Equal(t, []string{"message"}, allowed)

		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":5,"date":1700000000,"text":"/add elektron","chat":{"id":-100123,"type":"group","username":"synths"}}},
			{"update_id":11,"edited_message":{"message_id":6,"date":1700000000,"chat":{"id":1,"type":"private"}}}
		]}`)
	})

	updates, err := c.GetUpdates(context.Background(), 10, 25*time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	assert.Equal(t, 10, updates[0].UpdateID)
	require.NotNil(t, updates[0].Message)
	assert.Equal(t, "/add elektron", updates[0].Message.Text)
	require.NotNil(t, updates[0].Message.Chat)
	assert.Equal(t, int64(-100123), updates[0].Message.Chat.ID)
	assert.Equal(t, "synths", updates[0].Message.Chat.UserName)
	assert.Nil(t, updates[1].Message)
}

func TestGetUpdatesReturnsOnCancel(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, "t", func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = io.WriteString(w, `{"ok":true,"result":[]}`)
	})
	// Runs before the server's own cleanup, which waits for this handler.
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.GetUpdates(ctx, 0, 30*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTransportErrorHidesToken(t *testing.T) {
	c := newTestClient(t, "very-secret", func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	})

	err := c.SendMessage(context.Background(), OutgoingMessage{ChatID: "1", Text: "x"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "very-secret")
}

func TestNewFailsOnBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	_, err := New(srv.Client(), "nope", srv.URL, testLogger)
	require.Error(t, err)
	assert.True(t, IsAPIError(err))
}
