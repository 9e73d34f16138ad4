package jkju

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"signin-bots/internal/components/htmlutil"
	"signin-bots/internal/components/webclient"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
)

const (
	textCaptcha      = "请输入验证码继续登录"
	textWelcome      = "欢迎您回来"
	textSignedButton = "今日已打卡"
	textSignSuccess  = "恭喜您，打卡成功！"
	textSignRepeat   = "您今天已经打过卡了，请勿重复操作！"
)

const trendSelector = "#wp > div.ct2.cl > div.sd > div:nth-of-type(3) > div.bm_c > ul > li"

var (
	ErrCaptcha      = errors.New("login asks for a captcha, log in once by hand")
	ErrLoginFailed  = errors.New("login failed, the username or password may be wrong")
	ErrNoLoginForm  = errors.New("login form not found")
	ErrNoSignHash   = errors.New("sign form hash not found")
	ErrUnknownReply = errors.New("unrecognized sign-in response")
)

type Credentials struct {
	Username string
	Password string
	// Email logs in with the address instead of the username.
	Email bool
}

func (c Credentials) loginField() string {
	if c.Email {
		return "email"
	}
	return "username"
}

// LoginForm reads the hidden formhash and the loginhash from the action of
// the discuz login form.
func LoginForm(doc *goquery.Document) (formhash, loginhash string, err error) {
	form := doc.Find(`form[name="login"]`).First()
	if form.Length() == 0 {
		return "", "", ErrNoLoginForm
	}
	formhash, ok := form.Find(`input[name="formhash"][type="hidden"]`).Attr("value")
	if !ok {
		return "", "", fmt.Errorf("%w: no formhash", ErrNoLoginForm)
	}
	action, _ := form.Attr("action")
	parts := strings.Split(action, "&")
	last := parts[len(parts)-1]
	loginhash = last[strings.LastIndex(last, "=")+1:]
	return formhash, loginhash, nil
}

// SignState is what the sign page says about today.
type SignState struct {
	Signed bool
	// Hash is the formhash of the search form, the sign link needs it.
	Hash  string
	Trend []string
}

// ParseSignPage reads the sign button, the form hash and the trend list.
func ParseSignPage(doc *goquery.Document) SignState {
	state := SignState{
		Signed: strings.Contains(htmlutil.Text(doc.Find("div.bm.signbtn.cl a")), textSignedButton),
		Trend:  htmlutil.Texts(doc.Find(trendSelector)),
	}
	if len(state.Trend) > 5 {
		state.Trend = state.Trend[:5]
	}
	state.Hash, _ = doc.Find(`#scbar_form input[name="formhash"][type="hidden"]`).Attr("value")
	return state
}

type Client struct {
	baseUrl string
	chain   *webclient.Chain
}

func NewClient(baseUrl string, chain *webclient.Chain) *Client {
	return &Client{baseUrl: baseUrl, chain: chain}
}

// doRetry403 sends the request again once when the first answer is a 403.
func (c *Client) doRetry403(ctx context.Context, send func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	res, _, err := c.chain.Do(ctx, send)
	if err == nil && res.StatusCode() == http.StatusForbidden {
		res, _, err = c.chain.Do(ctx, send)
	}
	return res, err
}

func (c *Client) Login(ctx context.Context, creds Credentials) error {
	res, err := c.doRetry403(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetQueryParams(map[string]string{"mod": "logging", "action": "login"}).
			Get("/member.php")
	})
	if err != nil {
		return fmt.Errorf("login page: %w", err)
	}
	doc, err := htmlutil.Parse(res.Body())
	if err != nil {
		return fmt.Errorf("login page: %w", err)
	}
	formhash, loginhash, err := LoginForm(doc)
	if err != nil {
		return err
	}

	res, err = c.doRetry403(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("origin", c.baseUrl).
			SetHeader("referer", c.baseUrl+"/member.php?mod=logging&action=login").
			SetQueryParams(map[string]string{
				"mod":         "logging",
				"action":      "login",
				"loginsubmit": "yes",
				"inajax":      "1",
				"loginhash":   loginhash,
			}).
			SetFormData(map[string]string{
				"referer":    c.baseUrl + "/",
				"questionid": "0",
				"answer":     "",
				"cookietime": "2592000",
				"username":   creds.Username,
				"password":   creds.Password,
				"loginfield": creds.loginField(),
				"formhash":   formhash,
			}).
			Post("/member.php")
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	body := res.String()
	if strings.Contains(body, textCaptcha) {
		return ErrCaptcha
	}
	if !strings.Contains(body, textWelcome) {
		return ErrLoginFailed
	}
	return nil
}

func (c *Client) SignPage(ctx context.Context) (SignState, error) {
	res, _, err := c.chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetQueryParam("id", "zqlj_sign").Get("/plugin.php")
	})
	if err != nil {
		return SignState{}, fmt.Errorf("sign page: %w", err)
	}
	if len(res.Body()) == 0 {
		return SignState{}, errors.New("sign page is empty")
	}
	doc, err := htmlutil.Parse(res.Body())
	if err != nil {
		return SignState{}, fmt.Errorf("sign page: %w", err)
	}
	return ParseSignPage(doc), nil
}

// Sign clicks the sign link, already reports a repeat.
func (c *Client) Sign(ctx context.Context, hash string) (already bool, err error) {
	if hash == "" {
		return false, ErrNoSignHash
	}
	res, _, err := c.chain.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.
			SetHeader("referer", c.baseUrl+"/").
			SetQueryParams(map[string]string{"id": "zqlj_sign", "sign": hash}).
			Get("/plugin.php")
	})
	if err != nil {
		return false, fmt.Errorf("sign: %w", err)
	}

	body := res.String()
	switch {
	case strings.Contains(body, textSignSuccess):
		return false, nil
	case strings.Contains(body, textSignRepeat):
		return true, nil
	default:
		return false, ErrUnknownReply
	}
}
