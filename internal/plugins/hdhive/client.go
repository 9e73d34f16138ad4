package hdhive

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"signin-bots/internal/components/webclient"
	"signin-bots/internal/plugin"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

var pointsRegex = regexp.MustCompile(`获得 (\d+) 积分`)

// Session is what the check-in api needs out of the browser cookie.
type Session struct {
	Token string
	CSRF  string
	// Subject is the user id from the token, empty when the token could not
	// be decoded.
	Subject string
}

// ParseSession reads the token and csrf cookies. The token's signature is
// not checked, it is only decoded for the user id.
func ParseSession(cookie string) (Session, error) {
	cookies := webclient.ParseCookies(cookie)
	session := Session{
		Token: cookies["token"],
		CSRF:  cookies["csrf_access_token"],
	}
	if session.Token == "" {
		return Session{}, fmt.Errorf("%w: cookie has no token", plugin.ErrMissingCredential)
	}

	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(session.Token, claims)
	if err != nil {
		return session, nil
	}
	switch sub := claims["sub"].(type) {
	case string:
		session.Subject = sub
	case float64:
		session.Subject = strconv.FormatFloat(sub, 'f', -1, 64)
	}
	return session, nil
}

type SignResult struct {
	Already bool
	Message string
	// Points is 0 when the message does not mention a reward.
	Points int
}

type checkinResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func isAlready(message string) bool {
	return strings.Contains(message, "已经签到") || strings.Contains(message, "签到过")
}

func parsePoints(message string) int {
	match := pointsRegex.FindStringSubmatch(message)
	if match == nil {
		return 0
	}
	points, _ := strconv.Atoi(match[1])
	return points
}

func classify(status int, body []byte) (SignResult, error) {
	var parsed checkinResponse
	err := json.Unmarshal(body, &parsed)
	if err != nil {
		return SignResult{}, fmt.Errorf("unexpected response format (status %d)", status)
	}
	if parsed.Message == "" {
		parsed.Message = "no message"
	}
	if !parsed.Success && !isAlready(parsed.Message) {
		return SignResult{}, fmt.Errorf("check-in rejected (status %d): %s", status, parsed.Message)
	}
	return SignResult{
		Already: isAlready(parsed.Message),
		Message: parsed.Message,
		Points:  parsePoints(parsed.Message),
	}, nil
}

type Client struct {
	baseUrl string
	chain   *webclient.Chain
}

func NewClient(baseUrl string, chain *webclient.Chain) *Client {
	return &Client{baseUrl: baseUrl, chain: chain}
}

func (c *Client) referer(session Session) string {
	if session.Subject == "" {
		return c.baseUrl + "/"
	}
	return fmt.Sprintf("%s/user/%s", c.baseUrl, session.Subject)
}

// Checkin posts the daily check-in.
func (c *Client) Checkin(ctx context.Context, session Session) (SignResult, error) {
	res, _, err := c.chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		req.
			SetHeader("accept", "application/json, text/plain, */*").
			SetHeader("origin", c.baseUrl).
			SetHeader("referer", c.referer(session)).
			SetAuthToken(session.Token)
		if session.CSRF != "" {
			req.SetHeader("x-csrf-token", session.CSRF)
		}
		return req.Post("/api/customer/user/checkin")
	})
	if err != nil {
		return SignResult{}, fmt.Errorf("check-in: %w", err)
	}
	return classify(res.StatusCode(), res.Body())
}
