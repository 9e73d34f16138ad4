package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Post(context.Context, Message) error { return f.err }

func TestMulti(t *testing.T) {
	rec := &Recorder{}
	failure := errors.New("smtp down")
	m := Multi{failingNotifier{err: failure}, rec}

	msg := Message{Kind: KindSiteMessage, Plugin: "nodeseek", Title: "sign-in", Text: "ok"}
	err := m.Post(context.Background(), msg)
	require.ErrorIs(t, err, failure)
	require.Equal(t, []Message{msg}, rec.Messages())
}

func TestWebhookNotifier(t *testing.T) {
	received := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("X-Token"))
		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- msg
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{
		Url:     srv.URL,
		Headers: map[string]string{"X-Token": "secret"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	msg := Message{Kind: KindPlugin, Plugin: "noip", Title: "No-IP", Text: "good 1.2.3.4"}
	require.NoError(t, n.Post(ctx, msg))
	require.Equal(t, msg, <-received)
}

func TestWebhookNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(WebhookConfig{Url: srv.URL})
	err := n.Post(context.Background(), Message{Title: "x"})
	require.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	n := FromConfig(Config{})
	require.Len(t, n.(Multi), 1)

	n = FromConfig(Config{
		Log:     true,
		Webhook: &WebhookConfig{Url: "http://localhost"},
		Smtp:    &SmtpConfig{},
	})
	require.Len(t, n.(Multi), 2)
}
