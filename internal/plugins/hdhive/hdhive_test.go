package hdhive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
	"signin-bots/internal/plugin/plugintest"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t testing.TB, claims jwt.MapClaims) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not the site key"))
	require.NoError(t, err)
	return token
}

func TestParseSession(t *testing.T) {
	_, err := ParseSession("csrf_access_token=x")
	require.ErrorIs(t, err, plugin.ErrMissingCredential)

	token := signToken(t, jwt.MapClaims{"sub": "1234"})
	session, err := ParseSession(fmt.Sprintf("token=%s; csrf_access_token=csrf", token))
	require.NoError(t, err)
	require.Equal(t, Session{Token: token, CSRF: "csrf", Subject: "1234"}, session)

	session, err = ParseSession("token=" + signToken(t, jwt.MapClaims{"sub": 77}))
	require.NoError(t, err)
	require.Equal(t, "77", session.Subject)

	session, err = ParseSession("token=garbage")
	require.NoError(t, err)
	require.Empty(t, session.Subject)
}

func TestClassify(t *testing.T) {
	result, err := classify(200, []byte(`{"success":true,"message":"签到成功，获得 10 积分"}`))
	require.NoError(t, err)
	require.Equal(t, SignResult{Message: "签到成功，获得 10 积分", Points: 10}, result)

	result, err = classify(400, []byte(`{"success":false,"message":"你今天已经签到过了"}`))
	require.NoError(t, err)
	require.True(t, result.Already)
	require.Zero(t, result.Points)

	_, err = classify(500, []byte(`{"success":false,"message":"服务器错误"}`))
	require.EqualError(t, err, "check-in rejected (status 500): 服务器错误")

	_, err = classify(502, []byte(`<html>bad gateway</html>`))
	require.EqualError(t, err, "unexpected response format (status 502)")
}

type fakeSite struct {
	server   *httptest.Server
	checkins atomic.Int32
	response atomic.Value
	status   atomic.Int32
}

func newFakeSite(t *testing.T, token string) *fakeSite {
	site := &fakeSite{}
	site.response.Store(`{"success":true,"message":"签到成功，获得 10 积分"}`)
	site.status.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/customer/user/checkin", func(w http.ResponseWriter, r *http.Request) {
		site.checkins.Add(1)
		if r.Header.Get("authorization") != "Bearer "+token ||
			r.Header.Get("x-csrf-token") != "csrf" ||
			r.Header.Get("referer") != site.server.URL+"/user/1234" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"message":"unauthorized"}`))
			return
		}
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(int(site.status.Load()))
		w.Write([]byte(site.response.Load().(string)))
	})
	site.server = httptest.NewServer(mux)
	t.Cleanup(site.server.Close)
	return site
}

func setup(t *testing.T, extra string) (*Plugin, *plugintest.Harness, *fakeSite) {
	token := signToken(t, jwt.MapClaims{"sub": "1234"})
	site := newFakeSite(t, token)
	h := plugintest.New(t, ID)
	p := New()
	raw := fmt.Sprintf(`{
		"enabled": true,
		"notify": true,
		"cron": "0 8 * * *",
		"cookie": "token=%s; csrf_access_token=csrf",
		"base_url": "%s/",
		"retry_interval": 0
		%s
	}`, token, site.server.URL, extra)
	require.NoError(t, p.Init(context.Background(), h.Env, json.RawMessage(raw)))
	return p, h, site
}

func TestCheckinAndStreak(t *testing.T) {
	p, h, site := setup(t, "")
	ctx := context.Background()

	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, history.StatusSuccess, records[0].Status)
	require.Equal(t, float64(10), records[0].Extra["points"])
	require.Equal(t, float64(1), records[0].Extra["days"])
	require.Equal(t, "HDHive check-in succeeded", h.Titles()[0])

	// scheduled runs are skipped once signed
	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	require.EqualValues(t, 1, site.checkins.Load())
	require.Equal(t, "HDHive already checked in", h.Titles()[1])

	// manual runs always ask the site
	site.response.Store(`{"success":false,"message":"你今天已经签到过了"}`)
	h.Time.Advance(time.Minute)
	require.NoError(t, p.Run(ctx, plugin.TriggerManual))
	require.EqualValues(t, 2, site.checkins.Load())
	records, err = p.log.List(ctx)
	require.NoError(t, err)
	require.Equal(t, history.StatusAlready, records[0].Status)

	// the next day continues the streak
	h.Time.Advance(24 * time.Hour)
	site.response.Store(`{"success":true,"message":"签到成功，获得 8 积分"}`)
	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	days, err := p.streak.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, days)

	page, err := p.Page(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"time", "status", "message", "points", "days"}, page.Columns)
	require.Equal(t, []string{"8", "2"}, page.Rows[0][3:])
	require.Equal(t, []string{"streak: 2 days", "last check-in: 2024-05-02 09:01:00"}, page.Summary)
}

func TestInlineAndExtendedRetries(t *testing.T) {
	p, h, site := setup(t, `, "max_retries": 1, "extended_retries": 1, "extended_delay": 10`)
	site.response.Store(`{"success":false,"message":"服务器错误"}`)
	site.status.Store(http.StatusInternalServerError)
	ctx := context.Background()

	err := p.Run(ctx, plugin.TriggerScheduled)
	require.Error(t, err)
	require.EqualValues(t, 2, site.checkins.Load())
	require.True(t, p.extended.Pending())
	require.Equal(t, []string{"HDHive check-in retry", "HDHive check-in failed"}, h.Titles())
	require.Contains(t, h.Notify.Messages()[1].Text, "Extended retry 1/1")

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// scheduled runs wait for the extended retry
	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	require.EqualValues(t, 2, site.checkins.Load())

	err = p.Run(ctx, plugin.TriggerRetry)
	require.Error(t, err)
	require.EqualValues(t, 4, site.checkins.Load())
	require.Contains(t, h.Notify.Messages()[len(h.Notify.Messages())-1].Text, "All retries failed")
}

func TestMissingToken(t *testing.T) {
	h := plugintest.New(t, ID)
	p := New()
	require.NoError(t, p.Init(context.Background(), h.Env, json.RawMessage(`{"enabled": true, "cookie": "a=1"}`)))

	err := p.Run(context.Background(), plugin.TriggerManual)
	require.ErrorIs(t, err, plugin.ErrMissingCredential)
	records, err := p.log.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, history.StatusFailed, records[0].Status)
}
