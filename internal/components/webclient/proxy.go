package webclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Proxy holds per-scheme proxy urls. In config it may be written as a single
// url string (used for both schemes) or as {"http": ..., "https": ...}.
type Proxy struct {
	HTTP  string `json:"http"`
	HTTPS string `json:"https"`
}

func (p *Proxy) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		p.HTTP = single
		p.HTTPS = single
		return nil
	}
	type plain Proxy
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("proxy must be a url string or an object with http/https: %w", err)
	}
	*p = Proxy(out)
	return nil
}

// Normalize fills a missing scheme with the other one.
func (p Proxy) Normalize() Proxy {
	if p.HTTP == "" {
		p.HTTP = p.HTTPS
	}
	if p.HTTPS == "" {
		p.HTTPS = p.HTTP
	}
	return p
}

func (p Proxy) Empty() bool {
	return p.HTTP == "" && p.HTTPS == ""
}

// ProxyFunc returns an http.Transport proxy selector, nil when p is empty.
func (p Proxy) ProxyFunc() (func(*http.Request) (*url.URL, error), error) {
	p = p.Normalize()
	if p.Empty() {
		return nil, nil
	}
	httpUrl, err := url.Parse(p.HTTP)
	if err != nil {
		return nil, fmt.Errorf("parse http proxy: %w", err)
	}
	httpsUrl, err := url.Parse(p.HTTPS)
	if err != nil {
		return nil, fmt.Errorf("parse https proxy: %w", err)
	}
	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" {
			return httpsUrl, nil
		}
		return httpUrl, nil
	}, nil
}
