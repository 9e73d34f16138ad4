package nodeseek

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"signin-bots/internal/components/webclient"
	"signin-bots/internal/plugin"

	"github.com/go-resty/resty/v2"
)

var browserHeaders = map[string]string{
	"accept":             "*/*",
	"accept-language":    "zh-CN,zh;q=0.9,en;q=0.8",
	"sec-ch-ua":          `"Chromium";v="136", "Not:A-Brand";v="24", "Google Chrome";v="136"`,
	"sec-ch-ua-mobile":   "?0",
	"sec-ch-ua-platform": `"Windows"`,
	"sec-fetch-dest":     "empty",
	"sec-fetch-mode":     "cors",
	"sec-fetch-site":     "same-origin",
}

// SignResult is a sign-in the site accepted.
type SignResult struct {
	Already bool
	Message string
}

type attendanceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Member is the public profile shown in notifications.
type Member struct {
	MemberName string      `json:"member_name"`
	Rank       json.Number `json:"rank"`
	Coin       json.Number `json:"coin"`
}

type memberResponse struct {
	Success bool    `json:"success"`
	Detail  *Member `json:"detail"`
}

// Client talks to the forum api. alternate, when set, is the same client
// with the proxy setting flipped.
type Client struct {
	baseUrl   string
	primary   *webclient.Chain
	alternate *webclient.Chain
}

func NewClient(baseUrl string, primary, alternate *webclient.Chain) *Client {
	return &Client{
		baseUrl:   strings.TrimSuffix(baseUrl, "/"),
		primary:   primary,
		alternate: alternate,
	}
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// classify turns an attendance response into a result. The body is judged
// by its message first, the status code is only used when nothing else fits.
func classify(status int, body []byte) (SignResult, error) {
	var parsed attendanceResponse
	err := json.Unmarshal(body, &parsed)
	if err != nil {
		if status == http.StatusOK {
			return SignResult{}, fmt.Errorf("parse response: %s", truncate(string(body), 100))
		}
		return SignResult{}, fmt.Errorf("request failed with status %d", status)
	}

	switch {
	case strings.Contains(parsed.Message, "鸡腿") || parsed.Success:
		return SignResult{Message: parsed.Message}, nil
	case strings.Contains(parsed.Message, "已完成签到"):
		return SignResult{Already: true, Message: parsed.Message}, nil
	case parsed.Message == "USER NOT FOUND" || parsed.Status == http.StatusNotFound:
		return SignResult{}, plugin.ErrCookieExpired
	case parsed.Message != "":
		return SignResult{}, fmt.Errorf("sign-in rejected: %s", parsed.Message)
	default:
		return SignResult{}, fmt.Errorf("request failed with status %d", status)
	}
}

func (c *Client) attend(ctx context.Context, chain *webclient.Chain, random bool) (int, SignResult, error) {
	res, _, err := chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeaders(browserHeaders).
			SetHeader("origin", c.baseUrl).
			SetHeader("referer", c.baseUrl+"/board").
			SetQueryParam("random", fmt.Sprint(random)).
			Post("/api/attendance")
	})
	if err != nil {
		return 0, SignResult{}, fmt.Errorf("attendance: %w", err)
	}
	result, err := classify(res.StatusCode(), res.Body())
	return res.StatusCode(), result, err
}

// Sign posts the daily attendance. A 403 or 404 that did not turn into a
// result is tried once more through the alternate client.
func (c *Client) Sign(ctx context.Context, random bool) (SignResult, error) {
	status, result, err := c.attend(ctx, c.primary, random)
	if err == nil {
		return result, nil
	}
	if c.alternate == nil || (status != http.StatusForbidden && status != http.StatusNotFound) {
		return SignResult{}, err
	}

	_, result, retryErr := c.attend(ctx, c.alternate, random)
	if retryErr != nil {
		return SignResult{}, fmt.Errorf("after fallback: %w", retryErr)
	}
	return result, nil
}

// Member fetches the profile of a member id.
func (c *Client) Member(ctx context.Context, id string) (Member, error) {
	res, _, err := c.primary.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeaders(browserHeaders).
			SetHeader("origin", c.baseUrl).
			SetHeader("referer", fmt.Sprintf("%s/space/%s", c.baseUrl, id)).
			SetPathParam("id", id).
			SetQueryParam("readme", "1").
			Get("/api/account/getInfo/{id}")
	})
	if err != nil {
		return Member{}, fmt.Errorf("member info: %w", err)
	}

	var parsed memberResponse
	err = json.Unmarshal(res.Body(), &parsed)
	if err != nil {
		return Member{}, fmt.Errorf("member info: %w", err)
	}
	if parsed.Detail == nil {
		return Member{}, fmt.Errorf("member info: no detail in response (status %d)", res.StatusCode())
	}
	return *parsed.Detail, nil
}
