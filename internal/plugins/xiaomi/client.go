package xiaomi

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"signin-bots/internal/components/telemetry"
	"signin-bots/internal/components/webclient"

	"github.com/go-resty/resty/v2"
	random "github.com/mazen160/go-random"
)

var ErrNotLoggedIn = errors.New("not logged in to the router")

// Proto is the router's port forward protocol code.
type Proto int

const (
	ProtoTCP  Proto = 1
	ProtoUDP  Proto = 2
	ProtoBoth Proto = 3
)

// ParseProto accepts tcp, udp or the numeric codes, anything else is both.
func ParseProto(s string) Proto {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "tcp":
		return ProtoTCP
	case "2", "udp":
		return ProtoUDP
	default:
		return ProtoBoth
	}
}

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "both"
	}
}

// flexInt decodes numbers the firmware sends either bare or quoted.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("decode number %s: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

type PortForward struct {
	Name     string `json:"name"`
	Proto    Proto  `json:"proto"`
	SrcPort  int    `json:"srcport"`
	DestIP   string `json:"destip"`
	DestPort int    `json:"destport"`
}

func (p *PortForward) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name     string  `json:"name"`
		Proto    flexInt `json:"proto"`
		SrcPort  flexInt `json:"srcport"`
		DestIP   string  `json:"destip"`
		DestPort flexInt `json:"destport"`
	}
	err := json.Unmarshal(data, &raw)
	if err != nil {
		return err
	}
	*p = PortForward{
		Name:     raw.Name,
		Proto:    Proto(raw.Proto),
		SrcPort:  int(raw.SrcPort),
		DestIP:   raw.DestIP,
		DestPort: int(raw.DestPort),
	}
	if p.Proto == 0 {
		p.Proto = ProtoBoth
	}
	return nil
}

func (p PortForward) String() string {
	return fmt.Sprintf("%s %d -> %s:%d", p.Proto, p.SrcPort, p.DestIP, p.DestPort)
}

// Valid reports whether every field a new rule needs is set.
func (p PortForward) Valid() bool {
	return p.Name != "" && p.SrcPort > 0 && p.DestIP != "" && p.DestPort > 0
}

// InitInfo is the unauthenticated description the router hands the login page.
type InitInfo map[string]any

func (i InitInfo) first(keys ...string) string {
	for _, k := range keys {
		v, ok := i[k]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if s != "" {
			return s
		}
	}
	return ""
}

// NewEncrypt reports whether the router hashes passwords with sha256.
func (i InitInfo) NewEncrypt() bool {
	switch v := i["newEncryptMode"].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != "" && v != "0"
	}
	return false
}

func (i InitInfo) LoginKey() string {
	return i.first("key", "salt", "pwd")
}

func (i InitInfo) DeviceID() string {
	return strings.ReplaceAll(i.first("routerId", "id", "deviceId", "mac"), ":", "")
}

var (
	keyRegexes = []*regexp.Regexp{
		regexp.MustCompile(`key\s*[:=]\s*"([A-Za-z0-9]+)"`),
		regexp.MustCompile(`key\s*[:=]\s*'([A-Za-z0-9]+)'`),
		regexp.MustCompile(`Encrypt\([^)]*["']([A-Za-z0-9]+)["']`),
	}
	scriptRegex = regexp.MustCompile(`<script[^>]+src="([^"]+)"`)
)

// ScrapeKey finds the login key embedded in the web ui or one of its scripts.
func ScrapeKey(text string) (string, bool) {
	for _, re := range keyRegexes {
		match := re.FindStringSubmatch(text)
		if match != nil {
			return match[1], true
		}
	}
	return "", false
}

// Nonce builds the login nonce for device at now.
func Nonce(device string, now time.Time) string {
	n, err := random.IntRange(0, 10000)
	if err != nil {
		n = 0
	}
	return fmt.Sprintf("0_%s_%d_%d", device, now.Unix(), n)
}

func hexDigest(h hash.Hash, s string) string {
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// HashPassword is H(nonce + H(password + key)) with sha256 on new firmware
// and sha1 on old.
func HashPassword(password, nonce, key string, newEncrypt bool) string {
	h := func() hash.Hash { return sha1.New() }
	if newEncrypt {
		h = func() hash.Hash { return sha256.New() }
	}
	return hexDigest(h(), nonce+hexDigest(h(), password+key))
}

type apiResult struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	Token string `json:"token"`
}

func (r apiResult) err(action string) error {
	if r.Code == 0 {
		return nil
	}
	if r.Msg == "" {
		return fmt.Errorf("%s: router returned code %d", action, r.Code)
	}
	return fmt.Errorf("%s: %s (code %d)", action, r.Msg, r.Code)
}

// Client talks to the router's luci api, it holds the session token.
type Client struct {
	http *resty.Client
	base string

	token string
}

func NewClient(opts webclient.Options, tel telemetry.API) (*Client, error) {
	opts.Headers = map[string]string{
		"accept":           "application/json, text/javascript, */*; q=0.01",
		"x-requested-with": "XMLHttpRequest",
		"referer":          opts.BaseUrl + "/cgi-bin/luci/web",
	}
	client, err := webclient.New(opts, webclient.StrategyPlain, tel)
	if err != nil {
		return nil, err
	}
	return &Client{http: client, base: opts.BaseUrl}, nil
}

func (c *Client) InitInfo(ctx context.Context) (InitInfo, error) {
	var out InitInfo
	res, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/cgi-bin/luci/api/xqsystem/init_info")
	if err != nil {
		return nil, fmt.Errorf("init info: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("init info: status %d", res.StatusCode())
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, url string) (string, error) {
	res, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", err
	}
	if res.IsError() {
		return "", fmt.Errorf("%s: status %d", url, res.StatusCode())
	}
	return res.String(), nil
}

// WebKey scrapes the login key from the web ui and then its linked scripts.
func (c *Client) WebKey(ctx context.Context) (string, error) {
	page, err := c.get(ctx, "/cgi-bin/luci/web")
	if err != nil {
		return "", fmt.Errorf("web ui: %w", err)
	}
	if key, ok := ScrapeKey(page); ok {
		return key, nil
	}
	for _, match := range scriptRegex.FindAllStringSubmatch(page, -1) {
		src := match[1]
		if strings.HasPrefix(src, "//") {
			src = "http:" + src
		}
		script, err := c.get(ctx, src)
		if err != nil {
			continue
		}
		if key, ok := ScrapeKey(script); ok {
			return key, nil
		}
	}
	return "", errors.New("login key not found in the web ui")
}

// Login authenticates as admin and keeps the session token.
func (c *Client) Login(ctx context.Context, password string, now time.Time) error {
	info, err := c.InitInfo(ctx)
	if err != nil {
		return err
	}
	key := info.LoginKey()
	if key == "" {
		key, err = c.WebKey(ctx)
		if err != nil {
			return err
		}
	}

	nonce := Nonce(info.DeviceID(), now)
	var out apiResult
	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username": "admin",
			"password": HashPassword(password, nonce, key, info.NewEncrypt()),
			"logtype":  "2",
			"nonce":    nonce,
		}).
		SetResult(&out).
		Post("/cgi-bin/luci/api/xqsystem/login")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("login: status %d", res.StatusCode())
	}
	err = out.err("login")
	if err != nil {
		return err
	}
	if out.Token == "" {
		return errors.New("login: no token in response")
	}
	c.token = out.Token
	return nil
}

func (c *Client) LoggedIn() bool {
	return c.token != ""
}

func (c *Client) stok(path string) (string, error) {
	if c.token == "" {
		return "", ErrNotLoggedIn
	}
	return fmt.Sprintf("/cgi-bin/luci/;stok=%s%s", c.token, path), nil
}

func (c *Client) call(ctx context.Context, action, path string, send func(req *resty.Request, url string) (*resty.Response, error)) error {
	url, err := c.stok(path)
	if err != nil {
		return err
	}
	res, err := send(c.http.R().SetContext(ctx), url)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if res.StatusCode() == http.StatusUnauthorized {
		c.token = ""
		return fmt.Errorf("%s: %w", action, ErrNotLoggedIn)
	}
	if res.IsError() {
		return fmt.Errorf("%s: status %d", action, res.StatusCode())
	}
	return nil
}

func (c *Client) PortForwards(ctx context.Context) ([]PortForward, error) {
	var out struct {
		apiResult
		List []PortForward `json:"list"`
	}
	err := c.call(ctx, "list port forwards", "/api/xqnetwork/portforward?ftype=1", func(req *resty.Request, url string) (*resty.Response, error) {
		return req.SetResult(&out).Get(url)
	})
	if err != nil {
		return nil, err
	}
	err = out.err("list port forwards")
	if err != nil {
		return nil, err
	}
	return out.List, nil
}

func (c *Client) AddPortForward(ctx context.Context, pf PortForward) error {
	var out apiResult
	err := c.call(ctx, "add port forward", "/api/xqnetwork/add_redirect", func(req *resty.Request, url string) (*resty.Response, error) {
		return req.
			SetFormData(map[string]string{
				"name":  pf.Name,
				"proto": strconv.Itoa(int(pf.Proto)),
				"sport": strconv.Itoa(pf.SrcPort),
				"ip":    pf.DestIP,
				"dport": strconv.Itoa(pf.DestPort),
			}).
			SetResult(&out).
			Post(url)
	})
	if err != nil {
		return err
	}
	return out.err("add port forward")
}

func (c *Client) DeletePortForward(ctx context.Context, port int, proto Proto) error {
	var out apiResult
	err := c.call(ctx, "delete port forward", "/api/xqnetwork/delete_redirect", func(req *resty.Request, url string) (*resty.Response, error) {
		return req.
			SetFormData(map[string]string{
				"port":  strconv.Itoa(port),
				"proto": strconv.Itoa(int(proto)),
			}).
			SetResult(&out).
			Post(url)
	})
	if err != nil {
		return err
	}
	return out.err("delete port forward")
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out map[string]any
	err := c.call(ctx, "status", "/api/misystem/status", func(req *resty.Request, url string) (*resty.Response, error) {
		return req.SetResult(&out).Get(url)
	})
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(out), nil
}
