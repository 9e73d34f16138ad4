package zhuque

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"signin-bots/internal/components/webclient"

	"github.com/go-resty/resty/v2"
)

var csrfRegex = regexp.MustCompile(`<meta\s+name="x-csrf-token"\s+content="([^"]+)">`)

var ErrNoCharacters = errors.New("account has no characters with a level")

// CSRF finds the csrf token in the index page.
func CSRF(page string) (string, bool) {
	match := csrfRegex.FindStringSubmatch(page)
	if match == nil {
		return "", false
	}
	return match[1], true
}

type mainInfoResponse struct {
	Data struct {
		Username string `json:"username"`
	} `json:"data"`
}

type character struct {
	Info struct {
		Level    *int     `json:"level"`
		NextTime *float64 `json:"next_time"`
	} `json:"info"`
}

type charactersResponse struct {
	Data struct {
		Bonus      float64     `json:"bonus"`
		Characters []character `json:"characters"`
	} `json:"data"`
}

type fireResponse struct {
	Data struct {
		Bonus float64 `json:"bonus"`
	} `json:"data"`
}

// Summary is the account state the report is built from.
type Summary struct {
	Bonus    float64
	MinLevel int
	// NextRelease is the earliest skill release after now, zero if none.
	NextRelease time.Time
}

func summarize(res charactersResponse, now time.Time) (Summary, error) {
	summary := Summary{Bonus: res.Data.Bonus, MinLevel: -1}
	for _, c := range res.Data.Characters {
		if c.Info.Level != nil && (summary.MinLevel < 0 || *c.Info.Level < summary.MinLevel) {
			summary.MinLevel = *c.Info.Level
		}
		if c.Info.NextTime == nil {
			continue
		}
		next := time.Unix(int64(*c.Info.NextTime), 0).In(now.Location())
		if !next.After(now) {
			continue
		}
		if summary.NextRelease.IsZero() || next.Before(summary.NextRelease) {
			summary.NextRelease = next
		}
	}
	if summary.MinLevel < 0 {
		return Summary{}, ErrNoCharacters
	}
	return summary, nil
}

type Client struct {
	chain *webclient.Chain
	csrf  string
}

func NewClient(chain *webclient.Chain) *Client {
	return &Client{chain: chain}
}

func (c *Client) do(ctx context.Context, send func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	res, _, err := c.chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		if c.csrf != "" {
			req.SetHeader("x-csrf-token", c.csrf)
		}
		return send(req)
	})
	return res, err
}

// Start loads the index page for the csrf token the api calls need.
func (c *Client) Start(ctx context.Context) error {
	res, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.Get("/index")
	})
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if res.StatusCode() != http.StatusOK {
		return fmt.Errorf("index: status %d", res.StatusCode())
	}
	token, ok := CSRF(res.String())
	if !ok {
		return errors.New("index: csrf token not found")
	}
	c.csrf = token
	return nil
}

func (c *Client) Username(ctx context.Context) (string, error) {
	var out mainInfoResponse
	res, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).Get("/api/user/getMainInfo")
	})
	if err != nil {
		return "", fmt.Errorf("main info: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("main info: status %d", res.StatusCode())
	}
	if out.Data.Username == "" {
		return "", errors.New("main info: no username")
	}
	return out.Data.Username, nil
}

func (c *Client) Summary(ctx context.Context, now time.Time) (Summary, error) {
	var out charactersResponse
	res, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetResult(&out).Get("/api/gaming/listGenshinCharacter")
	})
	if err != nil {
		return Summary{}, fmt.Errorf("characters: %w", err)
	}
	if res.IsError() {
		return Summary{}, fmt.Errorf("characters: status %d", res.StatusCode())
	}
	return summarize(out, now)
}

// FireMagic releases every character's skill and returns the bonus earned.
func (c *Client) FireMagic(ctx context.Context) (float64, error) {
	var out fireResponse
	res, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetBody(map[string]any{"all": 1, "resetModal": true}).
			SetResult(&out).
			Post("/api/gaming/fireGenshinCharacterMagic")
	})
	if err != nil {
		return 0, fmt.Errorf("skill release: %w", err)
	}
	if res.IsError() {
		return 0, fmt.Errorf("skill release: status %d", res.StatusCode())
	}
	return out.Data.Bonus, nil
}

// Train levels every character up to level. limited is true when the site
// refused because the balance ran out.
func (c *Client) Train(ctx context.Context, level int) (limited bool, err error) {
	res, err := c.do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetBody(map[string]any{"resetModal": false, "level": level}).
			Post("/api/gaming/trainGenshinCharacter")
	})
	if err != nil {
		return false, fmt.Errorf("level up: %w", err)
	}
	switch {
	case res.StatusCode() == http.StatusBadRequest:
		return true, nil
	case res.IsError():
		return false, fmt.Errorf("level up: status %d", res.StatusCode())
	}
	return false, nil
}
