package qianmoju

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
	"signin-bots/internal/retry"

	"github.com/stretchr/testify/require"
)

const indexPage = `<html><body>
<div id="um"><a href="home.php?mod=space">用户名</a> <a href="member.php?mod=logging&action=logout">退出</a></div>
<form id="scbar_form"><input type="hidden" name="formhash" value="9f3a1c2b" /></form>
</body></html>`

const guestPage = `<html><body><a href="member.php?mod=register">立即注册</a></body></html>`

func popup(message string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<root><![CDATA[<div class="f_c"><div class="c">%s</div></div>]]></root>`, message)
}

func TestClassify(t *testing.T) {
	result, err := classify(popup("恭喜你签到成功!获得随机奖励 金钱 3 "))
	require.NoError(t, err)
	require.Equal(t, SignResult{Message: "恭喜你签到成功!获得随机奖励 金钱 3", Points: 3}, result)

	// already signed wins over the generic success words
	result, err = classify(popup("您今日已经签到，请明天再来！"))
	require.NoError(t, err)
	require.True(t, result.Already)

	_, err = classify(popup("验证失败"))
	require.Error(t, err)
	require.True(t, retry.IsPermanent(err))

	_, err = classify("<html></html>")
	require.ErrorIs(t, err, errNoMessage)
	require.False(t, retry.IsPermanent(err))
}

func TestIndexParsing(t *testing.T) {
	require.True(t, LoggedIn(indexPage))
	require.False(t, LoggedIn(guestPage))

	hash, ok := Formhash(indexPage)
	require.True(t, ok)
	require.Equal(t, "9f3a1c2b", hash)
	_, ok = Formhash(guestPage)
	require.False(t, ok)
}

type fakeSite struct {
	server  *httptest.Server
	index   atomic.Value
	popup   atomic.Value
	indexes atomic.Int32
	signs   atomic.Int32
}

func newFakeSite(t *testing.T) *fakeSite {
	site := &fakeSite{}
	site.index.Store(indexPage)
	site.popup.Store(popup("恭喜你签到成功!获得随机奖励 金钱 3 "))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		site.indexes.Add(1)
		if cookie, err := r.Cookie("auth"); err != nil || cookie.Value != "xyz" {
			w.Write([]byte(guestPage))
			return
		}
		w.Write([]byte(site.index.Load().(string)))
	})
	mux.HandleFunc("POST /plugin.php", func(w http.ResponseWriter, r *http.Request) {
		site.signs.Add(1)
		query := r.URL.Query()
		if query.Get("id") != "dsu_paulsign:sign" || query.Get("operation") != "qiandao" || query.Get("inajax") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("formhash") != "9f3a1c2b" || r.FormValue("qdxq") != "yl" {
			w.Write([]byte(popup("验证失败")))
			return
		}
		w.Write([]byte(site.popup.Load().(string)))
	})
	site.server = httptest.NewServer(mux)
	t.Cleanup(site.server.Close)
	return site
}

func setup(t *testing.T, site *fakeSite, cookie, extra string) (*Plugin, *plugintest.Harness) {
	h := plugintest.New(t, ID)
	p := New()
	raw := fmt.Sprintf(`{
		"enabled": true,
		"notify": true,
		"cookie": %q,
		"base_url": %q,
		"retry_interval": 0,
		"max_retries": 1
		%s
	}`, cookie, site.server.URL, extra)
	require.NoError(t, p.Init(context.Background(), h.Env, json.RawMessage(raw)))
	return p, h
}

func TestSignIn(t *testing.T) {
	site := newFakeSite(t)
	p, h := setup(t, site, "auth=xyz", "")
	ctx := context.Background()

	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	require.EqualValues(t, 1, site.signs.Load())

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, history.StatusSuccess, records[0].Status)
	require.Equal(t, float64(3), records[0].Extra["points"])
	require.Equal(t, []string{"Qianmoju sign-in succeeded"}, h.Titles())

	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	require.EqualValues(t, 1, site.signs.Load())

	site.popup.Store(popup("您今日已经签到，请明天再来！"))
	h.Time.Advance(time.Minute)
	require.NoError(t, p.Run(ctx, plugin.TriggerManual))
	records, err = p.log.List(ctx)
	require.NoError(t, err)
	require.Equal(t, history.StatusAlready, records[0].Status)
}

func TestExpiredCookieIsNotRetried(t *testing.T) {
	site := newFakeSite(t)
	p, h := setup(t, site, "auth=old", `, "extended_retries": 2`)
	ctx := context.Background()

	err := p.Run(ctx, plugin.TriggerScheduled)
	require.ErrorIs(t, err, plugin.ErrCookieExpired)
	require.EqualValues(t, 1, site.indexes.Load())
	require.EqualValues(t, 0, site.signs.Load())
	require.False(t, p.extended.Pending())
	require.Equal(t, []string{"Qianmoju sign-in failed"}, h.Titles())
}

func TestMissingFormhashRetries(t *testing.T) {
	site := newFakeSite(t)
	site.index.Store(`<html><a>退出</a></html>`)
	p, h := setup(t, site, "auth=xyz", `, "extended_retries": 1, "extended_delay": 5`)
	ctx := context.Background()

	err := p.Run(ctx, plugin.TriggerScheduled)
	require.ErrorIs(t, err, errNoFormhash)
	require.EqualValues(t, 2, site.indexes.Load())
	require.True(t, p.extended.Pending())
	require.Equal(t, []string{"Qianmoju sign-in retry", "Qianmoju sign-in failed"}, h.Titles())

	page, err := p.Page(ctx)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	require.Equal(t, []string{"extended retry pending"}, page.Summary)
}
