// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package remote talks to the downstream content API: it exchanges refresh
// tokens for session tokens and performs read operations with them.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Operation names a downstream read.
type Operation string

const (
	OpIllustDetail      Operation = "illust_detail"
	OpSearchIllust      Operation = "search_illust"
	OpIllustRanking     Operation = "illust_ranking"
	OpIllustRecommended Operation = "illust_recommended"
	OpDownload          Operation = "download"
	opAuth              Operation = "auth"
)

// maxBody bounds JSON responses; downloads are bounded separately.
const (
	maxBody     = 8 << 20
	maxDownload = 64 << 20
)

// RemoteError is returned for every downstream failure.
type RemoteError struct {
	Op     Operation
	Status int
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("downstream %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("downstream %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Result is the raw downstream response.
type Result struct {
	ContentType string
	Body        []byte
}

// Options configures a Client.
type Options struct {
	AuthURL       string
	APIURL        string
	ClientID      string
	ClientSecret  string
	UserAgent     string
	Referer       string
	Timeout       time.Duration
	DownloadHosts []string
	// ProxyHTTP and ProxyHTTPS are used when set.
	ProxyHTTP  string
	ProxyHTTPS string
}

// Client implements the downstream calls.
type Client struct {
	opts        Options
	http        *http.Client
	maxBody     int64
	maxDownload int64
}

type downloadKey struct{}

// maxRedirects matches the net/http default.
const maxRedirects = 10

// checkRedirect keeps download redirects on allowlisted hosts.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.Context().Value(downloadKey{}) != nil {
		if _, err := c.checkDownload(req.URL.String()); err != nil {
			return fmt.Errorf("redirect refused: %w", err)
		}
	}
	return nil
}

// New builds a client. Invalid proxy URLs are reported here.
func New(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyHTTP != "" || opts.ProxyHTTPS != "" {
		var httpProxy, httpsProxy *url.URL
		var err error
		if opts.ProxyHTTP != "" {
			if httpProxy, err = url.Parse(opts.ProxyHTTP); err != nil {
				return nil, fmt.Errorf("invalid http proxy: %w", err)
			}
		}
		if opts.ProxyHTTPS != "" {
			if httpsProxy, err = url.Parse(opts.ProxyHTTPS); err != nil {
				return nil, fmt.Errorf("invalid https proxy: %w", err)
			}
		}
		tr.Proxy = func(r *http.Request) (*url.URL, error) {
			if r.URL.Scheme == "https" && httpsProxy != nil {
				return httpsProxy, nil
			}
			if httpProxy != nil {
				return httpProxy, nil
			}
			return httpsProxy, nil
		}
	}
	c := &Client{opts: opts, maxBody: maxBody, maxDownload: maxDownload}
	c.http = &http.Client{Transport: tr, Timeout: opts.Timeout, CheckRedirect: c.checkRedirect}
	return c, nil
}

// NewWithHTTPClient is New with an explicit HTTP client, for tests. The
// client is copied so its redirect policy can be set.
func NewWithHTTPClient(opts Options, hc *http.Client) *Client {
	c := &Client{opts: opts, maxBody: maxBody, maxDownload: maxDownload}
	cp := *hc
	if cp.CheckRedirect == nil {
		cp.CheckRedirect = c.checkRedirect
	}
	c.http = &cp
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Response    *struct {
		AccessToken string `json:"access_token"`
	} `json:"response"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Authenticate performs a refresh-token grant and returns the access token.
func (c *Client) Authenticate(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":     {"refresh_token"},
		"refresh_token":  {refreshToken},
		"client_id":      {c.opts.ClientID},
		"client_secret":  {c.opts.ClientSecret},
		"get_secure_url": {"true"},
		"include_policy": {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &RemoteError{Op: opAuth, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.decorate(req)

	body, _, status, err := c.do(req, c.maxBody)
	if err != nil {
		return "", &RemoteError{Op: opAuth, Status: status, Err: err}
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &RemoteError{Op: opAuth, Status: status, Err: fmt.Errorf("decode token response: %w", err)}
	}
	token := tr.AccessToken
	if token == "" && tr.Response != nil {
		token = tr.Response.AccessToken
	}
	if token == "" {
		msg := tr.ErrorDescription
		if msg == "" {
			msg = "no access_token in response"
		}
		return "", &RemoteError{Op: opAuth, Status: status, Err: errors.New(msg)}
	}
	return token, nil
}

// Call runs op with the session token. args carries the operation
// parameters: id for illust_detail, word and offset for search_illust, mode
// and offset for illust_ranking, offset for illust_recommended and url for
// download.
func (c *Client) Call(ctx context.Context, token string, op Operation, args url.Values) (Result, error) {
	var target string
	limit := c.maxBody
	switch op {
	case OpIllustDetail:
		target = c.endpoint("/v1/illust/detail", url.Values{"illust_id": {args.Get("id")}, "filter": {"for_android"}})
	case OpSearchIllust:
		target = c.endpoint("/v1/search/illust", url.Values{
			"word":          {args.Get("word")},
			"search_target": {"partial_match_for_tags"},
			"sort":          {"date_desc"},
			"filter":        {"for_android"},
			"offset":        {defaultStr(args.Get("offset"), "0")},
		})
	case OpIllustRanking:
		target = c.endpoint("/v1/illust/ranking", url.Values{
			"mode":   {defaultStr(args.Get("mode"), "day")},
			"filter": {"for_android"},
			"offset": {defaultStr(args.Get("offset"), "0")},
		})
	case OpIllustRecommended:
		target = c.endpoint("/v1/illust/recommended", url.Values{
			"content_type":          {"illust"},
			"include_ranking_label": {"true"},
			"filter":                {"for_android"},
			"offset":                {defaultStr(args.Get("offset"), "0")},
		})
	case OpDownload:
		u, err := c.checkDownload(args.Get("url"))
		if err != nil {
			return Result{}, &RemoteError{Op: op, Err: err}
		}
		target = u
		limit = c.maxDownload
		ctx = context.WithValue(ctx, downloadKey{}, true)
	default:
		return Result{}, &RemoteError{Op: op, Err: errors.New("unknown operation")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, &RemoteError{Op: op, Err: err}
	}
	c.decorate(req)
	if op == OpDownload {
		req.Header.Set("Referer", c.opts.Referer)
	} else {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	body, ctype, status, err := c.do(req, limit)
	if err != nil {
		return Result{}, &RemoteError{Op: op, Status: status, Err: err}
	}
	return Result{ContentType: ctype, Body: body}, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	return strings.TrimRight(c.opts.APIURL, "/") + path + "?" + q.Encode()
}

// checkDownload only lets through http(s) URLs whose host is allowlisted.
func (c *Client) checkDownload(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	for _, h := range c.opts.DownloadHosts {
		if strings.EqualFold(host, h) {
			return u.String(), nil
		}
	}
	return "", fmt.Errorf("host %q is not allowed", host)
}

func (c *Client) decorate(req *http.Request) {
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	req.Header.Set("App-OS", "android")
	req.Header.Set("Accept-Language", "en-us")
}

// do executes req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request, limit int64) ([]byte, string, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", resp.StatusCode, fmt.Errorf("%s", summarize(body))
	}
	if int64(len(body)) > limit {
		return nil, "", resp.StatusCode, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

// summarizeLimit is the longest error body quoted, in bytes.
const summarizeLimit = 200

func summarize(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > summarizeLimit {
		cut := summarizeLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
