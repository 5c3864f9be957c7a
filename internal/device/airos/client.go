// Package airos drives the web interface of Ubiquiti airOS radios. All of
// the endpoint guessing and page scraping the firmware forces on a client
// lives here, behind device.Adapter.
package airos

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/bilal/freqswitch-agent/internal/device"
)

const maxBody = 4 << 20

var (
	// status sources in order of preference
	statusPaths = []string{"/status.cgi", "/iflist.cgi", "/main.cgi", "/link.cgi", "/"}

	// pages that may carry the frequency form
	configPaths = []string{"/link.cgi", "/main.cgi?id=9", "/wireless.cgi", "/advanced.cgi"}
)

type Config struct {
	Scheme             string
	InsecureSkipVerify bool
	Timeout            time.Duration
	UserAgent          string
}

// Client implements device.Adapter. Every call opens a fresh session so a
// radio rebooted by a frequency change never sees a stale cookie.
type Client struct {
	cfg       Config
	transport http.RoundTripper
}

var _ device.Adapter = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "freqswitch-agent/1.0"
	}
	return &Client{
		cfg: cfg,
		transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
		},
	}
}

type session struct {
	base   *url.URL
	client *http.Client
	ua     string
	token  string
}

func (c *Client) login(ctx context.Context, ep device.Endpoint) (*session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(c.cfg.Scheme + "://" + ep.Address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	s := &session{
		base:   base,
		client: &http.Client{Jar: jar, Timeout: c.cfg.Timeout, Transport: c.transport},
		ua:     c.cfg.UserAgent,
	}

	// landing page hands out the session cookie and, on newer firmware, a token
	if body, _, err := s.get(ctx, "/"); err == nil {
		if _, token, err := parseForms(bytes.NewReader(body)); err == nil {
			s.token = token
		}
	} else {
		log.Debug().Err(err).Str("address", ep.Address).Msg("landing page request failed")
	}

	form := url.Values{
		"username": {ep.Credentials.Username},
		"password": {ep.Credentials.Password},
		"uri":      {"/status.cgi"},
	}
	if s.token != "" {
		form.Set("csrf_token", s.token)
	}
	body, final, err := s.post(ctx, "/login.cgi", form, s.base.String()+"/")
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if strings.Contains(final.Path, "login") || looksLikeLogin(body) {
		return nil, device.ErrLoginFailed
	}
	return s, nil
}

func (s *session) resolve(ref string) string {
	u, err := s.base.Parse(ref)
	if err != nil {
		return s.base.String() + ref
	}
	return u.String()
}

func (s *session) do(req *http.Request) ([]byte, *url.URL, error) {
	req.Header.Set("User-Agent", s.ua)
	req.Header.Set("Accept", "application/json,text/html;q=0.9,*/*;q=0.8")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode >= 400 {
		return body, resp.Request.URL, fmt.Errorf("bad status: %d", resp.StatusCode)
	}
	return body, resp.Request.URL, nil
}

func (s *session) get(ctx context.Context, ref string) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.resolve(ref), nil)
	if err != nil {
		return nil, nil, err
	}
	return s.do(req)
}

func (s *session) post(ctx context.Context, ref string, form url.Values, referer string) ([]byte, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.resolve(ref), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return s.do(req)
}

// Status logs in and walks the status sources until one yields readings.
func (c *Client) Status(ctx context.Context, ep device.Endpoint) (device.LinkStatus, error) {
	s, err := c.login(ctx, ep)
	if err != nil {
		return device.LinkStatus{}, &device.AdapterError{Op: "status", Address: ep.Address, Err: err}
	}

	for _, path := range statusPaths {
		body, _, err := s.get(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return device.LinkStatus{}, &device.AdapterError{Op: "status", Address: ep.Address, Err: ctx.Err()}
			}
			log.Debug().Err(err).Str("address", ep.Address).Str("path", path).Msg("status source failed")
			continue
		}
		if looksLikeLogin(body) {
			log.Debug().Str("address", ep.Address).Str("path", path).Msg("status source redirected to login")
			continue
		}

		if st, err := parseStatusJSON(body); err == nil && st.HasData() {
			log.Debug().Str("address", ep.Address).Str("path", path).Msg("status parsed from json")
			return st, nil
		}
		if st := parseStatusHTML(body); st.HasData() {
			log.Debug().Str("address", ep.Address).Str("path", path).Msg("status scraped from html")
			return st, nil
		}
	}
	return device.LinkStatus{}, &device.AdapterError{Op: "status", Address: ep.Address, Err: device.ErrNoData}
}

// SetFrequency submits the first form exposing a frequency field, then any
// confirmation form the firmware answers with. Whether the radio really
// moved is left to the caller to verify.
func (c *Client) SetFrequency(ctx context.Context, ep device.Endpoint, mhz float64) error {
	wrap := func(err error) error {
		return &device.AdapterError{Op: "set_frequency", Address: ep.Address, Err: err}
	}

	s, err := c.login(ctx, ep)
	if err != nil {
		return wrap(err)
	}

	var (
		target  form
		token   string
		pageURL string
		found   bool
	)
	for _, path := range configPaths {
		body, final, err := s.get(ctx, path)
		if err != nil {
			log.Debug().Err(err).Str("address", ep.Address).Str("path", path).Msg("config page failed")
			continue
		}
		forms, tok, err := parseForms(bytes.NewReader(body))
		if err != nil {
			continue
		}
		if target, found = findFrequencyForm(forms); found {
			token, pageURL = tok, final.String()
			break
		}
	}
	if !found {
		return wrap(device.ErrFormNotFound)
	}

	values := url.Values{}
	for k, v := range target.Values {
		values[k] = append([]string(nil), v...)
	}
	value := strconv.FormatFloat(mhz, 'f', -1, 64)
	for _, name := range target.FreqFields {
		values.Set(name, value)
	}
	if token != "" && values.Get("token") == "" {
		values.Set("token", token)
	}
	if !target.HasSubmit {
		values.Set("change", "Apply")
	}

	action := pageURL
	if target.Action != "" {
		action = target.Action
	}
	log.Info().
		Str("address", ep.Address).
		Str("action", action).
		Strs("fields", target.FreqFields).
		Float64("frequency_mhz", mhz).
		Msg("submitting frequency form")

	body, _, err := s.post(ctx, action, values, pageURL)
	if err != nil {
		return wrap(fmt.Errorf("submit frequency form: %w", err))
	}
	if looksLikeLogin(body) {
		return wrap(device.ErrLoginFailed)
	}

	forms, _, err := parseForms(bytes.NewReader(body))
	if err == nil {
		if confirm, ok := findConfirmForm(forms); ok {
			log.Info().Str("address", ep.Address).Str("action", confirm.Action).Msg("confirming frequency change")
			if token != "" && confirm.Values.Get("token") == "" {
				confirm.Values.Set("token", token)
			}
			if _, _, err := s.post(ctx, confirm.Action, confirm.Values, pageURL); err != nil {
				return wrap(fmt.Errorf("confirm frequency change: %w", err))
			}
		}
	}

	if lower := bytes.ToLower(body); bytes.Contains(lower, []byte("restart")) || bytes.Contains(lower, []byte("reboot")) {
		c.restartWireless(ctx, s, ep, token, pageURL)
	}
	return nil
}

// restartWireless is best effort; some firmware only applies a channel after
// the wireless interface restarts.
func (c *Client) restartWireless(ctx context.Context, s *session, ep device.Endpoint, token, referer string) {
	values := url.Values{"interface": {"ath0"}, "restart": {"Restart"}}
	if token != "" {
		values.Set("token", token)
	}
	if _, _, err := s.post(ctx, "/restart.cgi", values, referer); err != nil {
		log.Warn().Err(err).Str("address", ep.Address).Msg("wireless restart request failed")
	}
}
