package jkju

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/htmlutil"
	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
	"signin-bots/internal/plugin/plugintest"

	"github.com/stretchr/testify/require"
)

const loginPage = `<html><body>
<form method="post" name="login" id="loginform_LxYz1" action="member.php?mod=logging&amp;action=login&amp;loginsubmit=yes&amp;loginhash=LxYz1">
<input type="hidden" name="formhash" value="abc123" />
<input type="text" name="username" />
</form></body></html>`

func signPage(signed bool) string {
	button := "点击打卡"
	if signed {
		button = "今日已打卡"
	}
	var items strings.Builder
	for i := 1; i <= 7; i++ {
		fmt.Fprintf(&items, "<li> 第%d名 tester </li>", i)
	}
	return fmt.Sprintf(`<html><body>
<form id="scbar_form"><input type="hidden" name="formhash" value="sgn789" /></form>
<div id="wp"><div class="ct2 cl">
  <div class="mn"><div class="bm signbtn cl"><a href="#">%s</a></div></div>
  <div class="sd">
    <div class="bm">calendar</div>
    <div class="bm">rules</div>
    <div class="bm"><div class="bm_c"><ul>%s</ul></div></div>
  </div>
</div></div>
</body></html>`, button, items.String())
}

func TestLoginForm(t *testing.T) {
	doc, err := htmlutil.Parse([]byte(loginPage))
	require.NoError(t, err)
	formhash, loginhash, err := LoginForm(doc)
	require.NoError(t, err)
	require.Equal(t, "abc123", formhash)
	require.Equal(t, "LxYz1", loginhash)

	doc, err = htmlutil.Parse([]byte("<html></html>"))
	require.NoError(t, err)
	_, _, err = LoginForm(doc)
	require.ErrorIs(t, err, ErrNoLoginForm)
}

func TestParseSignPage(t *testing.T) {
	doc, err := htmlutil.Parse([]byte(signPage(false)))
	require.NoError(t, err)
	state := ParseSignPage(doc)
	require.False(t, state.Signed)
	require.Equal(t, "sgn789", state.Hash)
	require.Equal(t, []string{"第1名 tester", "第2名 tester", "第3名 tester", "第4名 tester", "第5名 tester"}, state.Trend)

	doc, err = htmlutil.Parse([]byte(signPage(true)))
	require.NoError(t, err)
	require.True(t, ParseSignPage(doc).Signed)
}

type fakeForum struct {
	server *httptest.Server

	mutex      sync.Mutex
	loginPages int
	signed     bool
	reply      string
}

func (f *fakeForum) state() (loginPages int, signed bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.loginPages, f.signed
}

func newFakeForum(t *testing.T) *fakeForum {
	forum := &fakeForum{reply: "欢迎您回来，tester"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /member.php", func(w http.ResponseWriter, r *http.Request) {
		forum.mutex.Lock()
		forum.loginPages++
		first := forum.loginPages == 1
		forum.mutex.Unlock()
		if first {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(loginPage))
	})
	mux.HandleFunc("POST /member.php", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("loginhash") != "LxYz1" || r.FormValue("formhash") != "abc123" ||
			r.FormValue("loginfield") != "username" || r.FormValue("cookietime") != "2592000" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("username") != "tester" || r.FormValue("password") != "hunter2" {
			w.Write([]byte("登录失败，您还可以尝试 4 次"))
			return
		}
		forum.mutex.Lock()
		reply := forum.reply
		forum.mutex.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "auth", Value: "ok", Path: "/"})
		w.Write([]byte(reply))
	})
	mux.HandleFunc("GET /plugin.php", func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie("auth"); err != nil || cookie.Value != "ok" {
			w.Write([]byte("<html>请先登录</html>"))
			return
		}
		forum.mutex.Lock()
		defer forum.mutex.Unlock()

		hash := r.URL.Query().Get("sign")
		switch {
		case hash == "":
			w.Write([]byte(signPage(forum.signed)))
		case hash != "sgn789":
			w.Write([]byte("非法请求"))
		case forum.signed:
			w.Write([]byte("您今天已经打过卡了，请勿重复操作！"))
		default:
			forum.signed = true
			w.Write([]byte("恭喜您，打卡成功！"))
		}
	})
	forum.server = httptest.NewServer(mux)
	t.Cleanup(forum.server.Close)
	return forum
}

func setup(t *testing.T, forum *fakeForum, password string) (*Plugin, *plugintest.Harness) {
	h := plugintest.New(t, ID)
	p := New()
	raw := fmt.Sprintf(`{
		"enabled": true,
		"notify": true,
		"username": "tester",
		"password": %q,
		"base_url": %q,
		"retry_count": 2,
		"retry_interval": 1
	}`, password, forum.server.URL)
	require.NoError(t, p.Init(context.Background(), h.Env, json.RawMessage(raw)))
	return p, h
}

func TestSignIn(t *testing.T) {
	forum := newFakeForum(t)
	p, h := setup(t, forum, "hunter2")
	ctx := context.Background()

	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	loginPages, signed := forum.state()
	require.True(t, signed)
	// the first login page answer was a 403
	require.Equal(t, 2, loginPages)

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, history.StatusSuccess, records[0].Status)
	require.True(t, strings.HasPrefix(records[0].Extra["trend"].(string), "第1名 tester\n"))
	require.Equal(t, "JingKeJu sign-in succeeded", h.Titles()[0])

	h.Time.Advance(time.Minute)
	require.NoError(t, p.Run(ctx, plugin.TriggerManual))
	records, err = p.log.List(ctx)
	require.NoError(t, err)
	require.Equal(t, history.StatusAlready, records[0].Status)
}

func TestLoginFailureSchedulesRetry(t *testing.T) {
	forum := newFakeForum(t)
	p, h := setup(t, forum, "wrong")
	ctx := context.Background()

	err := p.Run(ctx, plugin.TriggerScheduled)
	require.ErrorIs(t, err, ErrLoginFailed)
	require.True(t, chrono.HasJob(h.Env.Cron, retryJobName))

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Equal(t, history.StatusFailed, records[0].Status)
	require.Equal(t, &history.RetryInfo{Enabled: true, Current: 1, Max: 2, Interval: "1h"}, records[0].Retry)
	require.Contains(t, h.Notify.Messages()[0].Text, "next retry (1/2)")

	h.Time.Advance(time.Hour)
	require.Error(t, p.Run(ctx, plugin.TriggerRetry))
	h.Time.Advance(2 * time.Hour)
	require.Error(t, p.Run(ctx, plugin.TriggerRetry))
	records, err = p.log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 2, records[0].Retry.Current)
	require.NotContains(t, h.Notify.Messages()[2].Text, "next retry")

	page, err := p.Page(ctx)
	require.NoError(t, err)
	require.Equal(t, "retry", page.Columns[len(page.Columns)-1])
	require.Equal(t, "2/2 every 1h", page.Rows[0][len(page.Rows[0])-1])
}

func TestCaptcha(t *testing.T) {
	forum := newFakeForum(t)
	forum.reply = "请输入验证码继续登录"
	p, _ := setup(t, forum, "hunter2")

	err := p.Run(context.Background(), plugin.TriggerManual)
	require.ErrorIs(t, err, ErrCaptcha)
	_, signed := forum.state()
	require.False(t, signed)
}

func TestGuards(t *testing.T) {
	forum := newFakeForum(t)
	p, h := setup(t, forum, "")

	err := p.Run(context.Background(), plugin.TriggerManual)
	require.ErrorIs(t, err, plugin.ErrMissingCredential)
	require.Equal(t, []string{"JingKeJu sign-in failed"}, h.Titles())

	p.running.Store(true)
	err = p.Run(context.Background(), plugin.TriggerManual)
	require.ErrorIs(t, err, ErrRunning)
}

func TestRateLimitPacesRequests(t *testing.T) {
	forum := newFakeForum(t)
	h := plugintest.New(t, ID)
	p := New()
	raw := fmt.Sprintf(`{
		"enabled": true,
		"username": "tester",
		"password": "hunter2",
		"base_url": %q,
		"rate_limit": 2
	}`, forum.server.URL)
	require.NoError(t, p.Init(context.Background(), h.Env, json.RawMessage(raw)))

	started := time.Now()
	require.NoError(t, p.Run(context.Background(), plugin.TriggerManual))
	// five requests: two in the burst, three paced at 500ms
	require.GreaterOrEqual(t, time.Since(started), 1400*time.Millisecond)
	_, signed := forum.state()
	require.True(t, signed)
}
