package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"signin-bots/internal/host"
	"signin-bots/internal/plugin"

	"github.com/go-resty/resty/v2"
)

type apiError struct {
	Error string `json:"error"`
}

// Client is a thin wrapper over the signind json api.
type Client struct {
	http *resty.Client
}

func NewClient(baseUrl, accessToken string) *Client {
	c := resty.New().
		SetBaseURL(baseUrl).
		SetTimeout(20 * time.Minute).
		SetError(&apiError{})
	if accessToken != "" {
		c.SetAuthToken(accessToken)
	}
	return &Client{http: c}
}

func check(res *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !res.IsError() {
		return nil
	}
	if e, ok := res.Error().(*apiError); ok && e.Error != "" {
		return fmt.Errorf("%s: %s", res.Status(), e.Error)
	}
	return fmt.Errorf("%s", res.Status())
}

func (c *Client) Plugins(ctx context.Context) ([]host.Info, error) {
	var out []host.Info
	res, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/plugins")
	return out, check(res, err)
}

func (c *Client) Run(ctx context.Context, id string) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		Post("/plugins/{id}/run")
	return check(res, err)
}

func (c *Client) Page(ctx context.Context, id string) (plugin.Page, error) {
	var out plugin.Page
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&out).
		Get("/plugins/{id}/page")
	return out, check(res, err)
}

func (c *Client) Runs(ctx context.Context, id string, limit int) ([]host.Run, error) {
	var out []host.Run
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		Get("/plugins/{id}/runs")
	return out, check(res, err)
}

func (c *Client) Command(ctx context.Context, id string, args []string) (string, error) {
	var out struct {
		Output string `json:"output"`
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetBody(map[string][]string{"args": args}).
		SetResult(&out).
		Post("/plugins/{id}/command")
	return out.Output, check(res, err)
}
