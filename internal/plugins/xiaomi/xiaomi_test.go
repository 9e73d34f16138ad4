package xiaomi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"signin-bots/internal/history"
	"signin-bots/internal/plugin"
	"signin-bots/internal/plugin/plugintest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const loginKey = "a2ffa5c9be07488bbb04a3a47d3c5f6a"

func TestHashPassword(t *testing.T) {
	nonce := "0_aabbcc_1714525200_42"
	require.Equal(t,
		"8e93d0a34531ee17b1033f29454a97327e855f6f3155660a314707b6d10bcbe0",
		HashPassword("admin123", nonce, loginKey, true))
	require.Equal(t,
		"c514afb1bc847346a18c438249d41f20c0c679c1",
		HashPassword("admin123", nonce, loginKey, false))
}

func TestNonce(t *testing.T) {
	nonce := Nonce("aabbcc", plugintest.Start)
	require.Regexp(t, regexp.MustCompile(`^0_aabbcc_1714525200_\d{1,4}$`), nonce)
}

func TestScrapeKey(t *testing.T) {
	cases := []struct {
		text string
		key  string
	}{
		{text: `var a = {key: "abc123"};`, key: "abc123"},
		{text: `key='def456'`, key: "def456"},
		{text: `Encrypt(pwd, "0fa9e1")`, key: "0fa9e1"},
		{text: `<script>var nothing = true;</script>`},
	}
	for _, c := range cases {
		key, ok := ScrapeKey(c.text)
		require.Equal(t, c.key != "", ok, c.text)
		require.Equal(t, c.key, key, c.text)
	}
}

func TestInitInfo(t *testing.T) {
	var info InitInfo
	require.NoError(t, json.Unmarshal([]byte(`{"newEncryptMode": 1, "salt": "s", "mac": "AA:BB:CC"}`), &info))
	require.True(t, info.NewEncrypt())
	require.Equal(t, "s", info.LoginKey())
	require.Equal(t, "AABBCC", info.DeviceID())

	info = InitInfo{"newEncryptMode": false, "routerId": "r1", "key": ""}
	require.False(t, info.NewEncrypt())
	require.Equal(t, "", info.LoginKey())
	require.Equal(t, "r1", info.DeviceID())
}

func TestParseStatus(t *testing.T) {
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"wan": {"upspeed": "2048", "downspeed": 3145728, "upload": "1099511627776", "download": 5368709120},
		"cpu": {"load": 0.237},
		"mem": {"usage": 0.4567},
		"temperature": 0,
		"upTime": "183600",
		"count": {"online": "7"},
		"displayName": "Home AX3000",
		"hardware": {"platform": "RA80", "version": "1.0.0"}
	}`), &data))

	status := ParseStatus(data)
	expected := Status{
		RouterName:  "Home AX3000",
		Hardware:    "RA80 1.0.0",
		OnlineCount: 7,
		UpSpeed:     2048,
		DownSpeed:   3145728,
		Upload:      1099511627776,
		Download:    5368709120,
		CPULoad:     0.2,
		MemUsage:    0.46,
		Uptime:      51 * time.Hour,
	}
	if diff := cmp.Diff(expected, status); diff != "" {
		t.Fatal(diff)
	}
	require.Equal(t, []string{
		"router: Home AX3000/RA80 1.0.0",
		"online devices: 7",
		"download speed: 3.00 MB/s",
		"upload speed: 2.00 KB/s",
		"downloaded: 5.00 GB",
		"uploaded: 1.00 TB",
		"cpu: 0.2% / -",
		"memory: 0.46%",
		"uptime: 2d 3h",
	}, status.Lines())

	status = ParseStatus(map[string]any{"dev": []any{map[string]any{}, map[string]any{}}})
	require.Equal(t, 2, status.OnlineCount)
	require.Equal(t, "Xiaomi Router", status.RouterName)
	require.Equal(t, "-", status.Hardware)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "512.00 B/s", FormatSpeed(512))
	require.Equal(t, "2048.00 GB/s", FormatSpeed(2*1024*1024*1024*1024))
	require.Equal(t, "2.00 TB", FormatSize(2*1024*1024*1024*1024))
	require.Equal(t, "0d 5h", FormatUptime(5*time.Hour+59*time.Minute))
}

func TestParseProto(t *testing.T) {
	require.Equal(t, ProtoTCP, ParseProto("TCP"))
	require.Equal(t, ProtoUDP, ParseProto("2"))
	require.Equal(t, ProtoBoth, ParseProto("both"))
	require.Equal(t, ProtoBoth, ParseProto(""))
	require.Equal(t, "udp", ProtoUDP.String())
}

type fakeRouter struct {
	server   *httptest.Server
	password string
	// keyInPage moves the login key from init_info to a linked script.
	keyInPage bool

	mutex    sync.Mutex
	logins   int
	token    string
	forwards []map[string]any
	// expireAfterAdd drops the session right after the next added rule.
	expireAfterAdd bool
}

func newFakeRouter(t *testing.T, keyInPage bool) *fakeRouter {
	router := &fakeRouter{
		password:  "admin123",
		keyInPage: keyInPage,
		forwards: []map[string]any{
			{"name": "ssh", "proto": 1, "srcport": 22, "destip": "192.168.31.2", "destport": 22},
			{"name": "dns", "proto": "2", "srcport": "8053", "destip": "192.168.31.3", "destport": "53"},
		},
	}

	writeJSON := func(w http.ResponseWriter, value any) {
		w.Header().Set("content-type", "application/json")
		json.NewEncoder(w).Encode(value)
	}
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		router.mutex.Lock()
		defer router.mutex.Unlock()
		if router.token == "" || r.PathValue("stok") != ";stok="+router.token {
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cgi-bin/luci/api/xqsystem/init_info", func(w http.ResponseWriter, r *http.Request) {
		info := map[string]any{"newEncryptMode": 1, "routerId": "aa:bb:cc", "routername": "AX3000"}
		if !router.keyInPage {
			info["key"] = loginKey
		}
		writeJSON(w, info)
	})
	mux.HandleFunc("GET /cgi-bin/luci/web", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><script src="/js/missing.js"></script><script src="/js/app.js"></script></html>`))
	})
	mux.HandleFunc("GET /js/app.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `var Encrypt = {key: "%s", iv: "0"};`, loginKey)
	})
	mux.HandleFunc("POST /cgi-bin/luci/api/xqsystem/login", func(w http.ResponseWriter, r *http.Request) {
		nonce := r.FormValue("nonce")
		if !strings.HasPrefix(nonce, "0_aabbcc_") || r.FormValue("username") != "admin" || r.FormValue("logtype") != "2" {
			writeJSON(w, map[string]any{"code": 400, "msg": "bad request"})
			return
		}
		if r.FormValue("password") != HashPassword(router.password, nonce, loginKey, true) {
			writeJSON(w, map[string]any{"code": 401, "msg": "wrong password"})
			return
		}
		router.mutex.Lock()
		router.logins++
		router.token = fmt.Sprintf("tok%d", router.logins)
		token := router.token
		router.mutex.Unlock()
		writeJSON(w, map[string]any{"code": 0, "token": token})
	})
	mux.HandleFunc("GET /cgi-bin/luci/{stok}/api/misystem/status", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"wan":         map[string]any{"upspeed": 1024, "downspeed": 2048},
			"count":       map[string]any{"online": 3},
			"displayName": "AX3000",
			"upTime":      "7200",
		})
	})
	mux.HandleFunc("GET /cgi-bin/luci/{stok}/api/xqnetwork/portforward", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		if r.URL.Query().Get("ftype") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		router.mutex.Lock()
		list := append([]map[string]any(nil), router.forwards...)
		router.mutex.Unlock()
		writeJSON(w, map[string]any{"code": 0, "list": list})
	})
	mux.HandleFunc("POST /cgi-bin/luci/{stok}/api/xqnetwork/add_redirect", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		sport, _ := strconv.Atoi(r.FormValue("sport"))
		router.mutex.Lock()
		defer router.mutex.Unlock()
		for _, f := range router.forwards {
			if fmt.Sprint(f["srcport"]) == r.FormValue("sport") {
				writeJSON(w, map[string]any{"code": 1, "msg": "port in use"})
				return
			}
		}
		router.forwards = append(router.forwards, map[string]any{
			"name":     r.FormValue("name"),
			"proto":    r.FormValue("proto"),
			"srcport":  sport,
			"destip":   r.FormValue("ip"),
			"destport": r.FormValue("dport"),
		})
		if router.expireAfterAdd {
			router.token = ""
			router.expireAfterAdd = false
		}
		writeJSON(w, map[string]any{"code": 0})
	})
	mux.HandleFunc("POST /cgi-bin/luci/{stok}/api/xqnetwork/delete_redirect", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		router.mutex.Lock()
		defer router.mutex.Unlock()
		for i, f := range router.forwards {
			if fmt.Sprint(f["srcport"]) == r.FormValue("port") && fmt.Sprint(f["proto"]) == r.FormValue("proto") {
				router.forwards = append(router.forwards[:i], router.forwards[i+1:]...)
				writeJSON(w, map[string]any{"code": 0})
				return
			}
		}
		writeJSON(w, map[string]any{"code": 1, "msg": "no such rule"})
	})

	router.server = httptest.NewServer(mux)
	t.Cleanup(router.server.Close)
	return router
}

func (r *fakeRouter) ports() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []string
	for _, f := range r.forwards {
		out = append(out, fmt.Sprintf("%v/%v", f["srcport"], f["proto"]))
	}
	return out
}

func (r *fakeRouter) expire() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.token = ""
}

func (r *fakeRouter) loginCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.logins
}

func setup(t *testing.T, router *fakeRouter, extra string) (*Plugin, *plugintest.Harness) {
	h := plugintest.New(t, ID)
	p := New()
	raw := fmt.Sprintf(`{
		"enabled": true,
		"notify": true,
		"router_ip": %q,
		"password": "admin123",
		"quick": {"name": "web", "proto": "tcp", "sport": 8443, "ip": "192.168.31.5", "dport": 443}
		%s
	}`, router.server.URL, extra)
	require.NoError(t, p.Init(context.Background(), h.Env, json.RawMessage(raw)))
	return p, h
}

func TestRunReportsStatus(t *testing.T) {
	router := newFakeRouter(t, true)
	p, h := setup(t, router, "")
	ctx := context.Background()

	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, history.StatusSuccess, records[0].Status)
	require.Equal(t, "3 devices online", records[0].Message)

	msgs := h.Notify.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "Router status", msgs[0].Title)
	require.Contains(t, msgs[0].Text, "router: AX3000/-")
	require.Contains(t, msgs[0].Text, "tcp 22 -> 192.168.31.2:22")
	require.Contains(t, msgs[0].Text, "udp 8053 -> 192.168.31.3:53")

	page, err := p.Page(ctx)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	require.Contains(t, page.Summary, "online devices: 3")
	require.Contains(t, page.Summary, "tcp 22 -> 192.168.31.2:22")
}

func TestRunWrongPassword(t *testing.T) {
	router := newFakeRouter(t, false)
	router.password = "other"
	p, _ := setup(t, router, "")
	ctx := context.Background()

	err := p.Run(ctx, plugin.TriggerScheduled)
	require.ErrorContains(t, err, "wrong password")

	records, err := p.log.List(ctx)
	require.NoError(t, err)
	require.Equal(t, history.StatusFailed, records[0].Status)
}

func TestRunOnceAppliesChanges(t *testing.T) {
	router := newFakeRouter(t, false)
	p, h := setup(t, router, `,
		"pf_del_run": true, "pf_del_port": 8053,
		"pf_add_run": true, "pf_add": {"name": "nas", "proto": "both", "sport": 5000, "ip": "192.168.31.9", "dport": 5000}`)
	ctx := context.Background()

	// a scheduled run leaves the rules alone
	require.NoError(t, p.Run(ctx, plugin.TriggerScheduled))
	require.Equal(t, []string{"22/1", "8053/2"}, router.ports())

	require.NoError(t, p.Run(ctx, plugin.TriggerOnce))
	require.Equal(t, []string{"22/1", "5000/3"}, router.ports())

	msgs := h.Notify.Messages()
	require.Equal(t, "Router port forward changes", msgs[1].Title)
	require.Equal(t, "delete port 8053 (udp) succeeded\nadd nas both 5000 -> 192.168.31.9:5000 succeeded", msgs[1].Text)
}

func TestCommands(t *testing.T) {
	router := newFakeRouter(t, false)
	p, _ := setup(t, router, "")
	ctx := context.Background()

	out, err := p.Command(ctx, []string{"list"})
	require.NoError(t, err)
	require.Equal(t, "port forwards:\ntcp 22 -> 192.168.31.2:22\nudp 8053 -> 192.168.31.3:53", out)

	out, err = p.Command(ctx, []string{"add", "game", "udp", "27015", "192.168.31.7", "27015"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "add game udp 27015 -> 192.168.31.7:27015 succeeded"))
	require.Equal(t, []string{"22/1", "8053/2", "27015/2"}, router.ports())

	_, err = p.Command(ctx, []string{"add", "game", "udp", "27015", "192.168.31.7", "27015"})
	require.ErrorContains(t, err, "port in use")

	_, err = p.Command(ctx, []string{"del", "27015"})
	require.NoError(t, err)
	require.Equal(t, []string{"22/1", "8053/2"}, router.ports())

	out, err = p.Command(ctx, []string{"q"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "added tcp 8443 -> 192.168.31.5:443"))
	require.Equal(t, []string{"22/1", "8053/2", "8443/1"}, router.ports())

	out, err = p.Command(ctx, []string{"q"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "deleted port 8443"))
	require.Equal(t, []string{"22/1", "8053/2"}, router.ports())

	out, err = p.Command(ctx, []string{"help"})
	require.NoError(t, err)
	require.Equal(t, usage, out)

	for _, args := range [][]string{nil, {"reboot"}, {"del"}, {"del", "http"}, {"add", "x", "tcp", "1"}} {
		_, err = p.Command(ctx, args)
		require.ErrorIs(t, err, plugin.ErrBadCommand, args)
	}
	require.Equal(t, 1, router.loginCount())
}

func TestCommandLogsInAgain(t *testing.T) {
	router := newFakeRouter(t, false)
	p, _ := setup(t, router, "")
	ctx := context.Background()

	_, err := p.Command(ctx, []string{"list"})
	require.NoError(t, err)
	router.expire()

	_, err = p.Command(ctx, []string{"list"})
	require.NoError(t, err)
	require.Equal(t, 2, router.loginCount())
}

func TestAddIsNotRepeatedAfterLogin(t *testing.T) {
	router := newFakeRouter(t, false)
	p, _ := setup(t, router, "")
	ctx := context.Background()

	router.mutex.Lock()
	router.expireAfterAdd = true
	router.mutex.Unlock()

	out, err := p.Command(ctx, []string{"add", "game", "udp", "27015", "192.168.31.7", "27015"})
	require.NoError(t, err)
	require.Contains(t, out, "udp 27015 -> 192.168.31.7:27015")
	require.Equal(t, []string{"22/1", "8053/2", "27015/2"}, router.ports())
	require.Equal(t, 2, router.loginCount())
}

func TestRoutes(t *testing.T) {
	router := newFakeRouter(t, false)
	p, _ := setup(t, router, "")

	mux := http.NewServeMux()
	for _, route := range p.Routes() {
		mux.HandleFunc(route.Method+" "+route.Path, route.Handler)
	}

	res := httptest.NewRecorder()
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/pf/list", nil))
	require.Equal(t, http.StatusOK, res.Code)
	var forwards []PortForward
	require.NoError(t, json.NewDecoder(res.Body).Decode(&forwards))
	require.Len(t, forwards, 2)
	require.Equal(t, ProtoUDP, forwards[1].Proto)

	res = httptest.NewRecorder()
	body := `{"name": "ftp", "proto": "tcp", "sport": 21, "ip": "192.168.31.8", "dport": 21}`
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/pf/add", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, []string{"22/1", "8053/2", "21/1"}, router.ports())

	res = httptest.NewRecorder()
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/pf/del", strings.NewReader(`{"port": 21}`)))
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, []string{"22/1", "8053/2"}, router.ports())

	res = httptest.NewRecorder()
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/pf/del", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = httptest.NewRecorder()
	mux.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/pf/del", strings.NewReader(`{"port": 9999}`)))
	require.Equal(t, http.StatusBadGateway, res.Code)
}
