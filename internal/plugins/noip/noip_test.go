package noip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
	"signin-bots/internal/plugin/plugintest"

	"github.com/stretchr/testify/require"
)

func newFakeNoIP(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /nic/update", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "me@example.com" || pass != "hunter2" {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"msg": "badauth"}`))
			return
		}
		if r.URL.Query().Get("hostname") != "home.ddns.net" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("nohost"))
			return
		}
		w.Write([]byte("good 203.0.113.7\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setup(t *testing.T, srv *httptest.Server, password, hostname string) (*Plugin, *plugintest.Harness) {
	h := plugintest.New(t, ID)
	p := New()
	raw := fmt.Sprintf(`{
		"enabled": true,
		"notify": true,
		"cron": "*/30 * * * *",
		"base_url": %q,
		"username": "me@example.com",
		"password": %q,
		"hostname": %q
	}`, srv.URL, password, hostname)
	require.NoError(t, p.Init(context.Background(), h.Env, json.RawMessage(raw)))
	return p, h
}

func TestUpdate(t *testing.T) {
	srv := newFakeNoIP(t)
	p, h := setup(t, srv, "hunter2", "home.ddns.net")
	ctx := context.Background()

	require.Len(t, p.Services(), 1)
	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, history.StatusSuccess, records[0].Status)
	require.Equal(t, "good 203.0.113.7", records[0].Message)
	require.Equal(t, []string{"No-IP update succeeded"}, h.Titles())
	require.Equal(t, "good 203.0.113.7\n2024-05-01 09:00:00", h.Notify.Messages()[0].Text)
}

func TestUpdateFailures(t *testing.T) {
	srv := newFakeNoIP(t)
	ctx := context.Background()

	p, h := setup(t, srv, "wrong", "home.ddns.net")
	err := p.Run(ctx, plugin.TriggerManual)
	require.EqualError(t, err, "update failed with status 401: badauth")
	require.Equal(t, []string{"No-IP update failed"}, h.Titles())

	p, _ = setup(t, srv, "hunter2", "other.ddns.net")
	err = p.Run(ctx, plugin.TriggerManual)
	require.EqualError(t, err, "update failed with status 400: unknown error")

	p, h = setup(t, srv, "", "home.ddns.net")
	err = p.Run(ctx, plugin.TriggerManual)
	require.ErrorIs(t, err, plugin.ErrMissingCredential)
	require.Empty(t, h.Titles())

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Equal(t, history.StatusFailed, records[0].Status)
}
