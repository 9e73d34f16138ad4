package qianmoju

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"signin-bots/internal/components/webclient"
	"signin-bots/internal/plugin"
	"signin-bots/internal/retry"

	"github.com/go-resty/resty/v2"
)

var (
	formhashRegex = regexp.MustCompile(`name="formhash" value="([^"]+)"`)
	messageRegex  = regexp.MustCompile(`<div class="c">([^>]+)<`)
	numberRegex   = regexp.MustCompile(`\d+`)
)

// loggedInMarkers are texts only a logged in forum index shows.
var loggedInMarkers = []string{"退出", "个人资料", "用户名"}

// probeTimeout caps the index request that checks the cookie.
const probeTimeout = 15 * time.Second

var (
	errNoFormhash = errors.New("formhash not found on index page")
	errNoMessage  = errors.New("sign-in response has no message")
)

type SignResult struct {
	Already bool
	Message string
	// Points is the first number in the message, 0 if there is none.
	Points int
}

// Formhash finds the discuz form token in an index page.
func Formhash(page string) (string, bool) {
	match := formhashRegex.FindStringSubmatch(page)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// LoggedIn reports whether page was rendered for a logged in user.
func LoggedIn(page string) bool {
	for _, marker := range loggedInMarkers {
		if strings.Contains(page, marker) {
			return true
		}
	}
	return false
}

// classify reads the sign-in popup. An explicit rejection is permanent, a
// response without a message may be retried.
func classify(body string) (SignResult, error) {
	match := messageRegex.FindStringSubmatch(body)
	if match == nil {
		return SignResult{}, errNoMessage
	}
	message := strings.TrimSpace(match[1])

	result := SignResult{Message: message}
	if number := numberRegex.FindString(message); number != "" {
		result.Points, _ = strconv.Atoi(number)
	}

	switch {
	case strings.Contains(message, "已经签到") || strings.Contains(message, "已签到"):
		result.Already = true
		return result, nil
	case strings.Contains(message, "成功") || strings.Contains(message, "签到"):
		return result, nil
	default:
		return SignResult{}, retry.Permanent(fmt.Errorf("sign-in rejected: %s", message))
	}
}

type Client struct {
	baseUrl string
	chain   *webclient.Chain
}

func NewClient(baseUrl string, chain *webclient.Chain) *Client {
	return &Client{baseUrl: baseUrl, chain: chain}
}

// Index loads the forum index, checks the session and returns the formhash.
func (c *Client) Index(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res, _, err := c.chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Get("/")
	})
	if err != nil {
		return "", fmt.Errorf("index: %w", err)
	}

	page := res.String()
	if !LoggedIn(page) {
		return "", retry.Permanent(plugin.ErrCookieExpired)
	}
	formhash, ok := Formhash(page)
	if !ok {
		return "", errNoFormhash
	}
	return formhash, nil
}

// Sign submits the daily sign-in with the "yl" mood.
func (c *Client) Sign(ctx context.Context, formhash string) (SignResult, error) {
	res, _, err := c.chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("origin", c.baseUrl).
			SetHeader("referer", c.baseUrl+"/plugin.php?id=dsu_paulsign:sign").
			SetQueryParams(map[string]string{
				"id":        "dsu_paulsign:sign",
				"operation": "qiandao",
				"infloat":   "1",
				"inajax":    "1",
			}).
			SetFormData(map[string]string{
				"formhash": formhash,
				"qdxq":     "yl",
			}).
			Post("/plugin.php")
	})
	if err != nil {
		return SignResult{}, fmt.Errorf("sign-in: %w", err)
	}
	return classify(res.String())
}
