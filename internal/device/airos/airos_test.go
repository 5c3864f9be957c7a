package airos

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilal/freqswitch-agent/internal/device"
)

const statusJSON = `{
  "host": {"hostname": "PBE-Master", "uptime": 86400},
  "wireless": {
    "mode": "ap",
    "signal": -63,
    "ccq": 948,
    "frequency": "5780 MHz",
    "chanbw": 20,
    "noisef": -95,
    "distance": 1200,
    "txpower": 24
  },
  "airmax": {"quality": 88, "capacity": 71}
}`

const loginPage = `<html><body><form action="/login.cgi" method="post">
<input type="text" name="username"><input type="password" name="password">
<input type="hidden" name="csrf_token" value="tok-123">
</form></body></html>`

const linkPage = `<html><body>
<form action="/link.cgi" method="post">
  <input type="hidden" name="token" value="tok-123">
  <input type="hidden" name="mode" value="ap">
  <select name="chanbw"><option value="10">10</option><option value="20" selected>20</option></select>
  <select name="freq"><option value="0">auto</option><option value="5780" selected>5780</option></select>
  <input type="checkbox" name="dfs" value="on">
  <input type="submit" name="change" value="Change">
</form>
</body></html>`

func TestParseStatusJSON(t *testing.T) {
	s, err := parseStatusJSON([]byte(statusJSON))
	require.NoError(t, err)

	assert.Equal(t, "PBE-Master", s.DeviceName)
	assert.Equal(t, "ap", s.Mode)
	require.NotNil(t, s.SignalDBm)
	assert.Equal(t, -63.0, *s.SignalDBm)
	require.NotNil(t, s.CCQPercent)
	assert.InDelta(t, 94.8, *s.CCQPercent, 0.001)
	require.NotNil(t, s.FrequencyMHz)
	assert.Equal(t, 5780.0, *s.FrequencyMHz)
	require.NotNil(t, s.TxCapacityPercent)
	assert.Equal(t, 71.0, *s.TxCapacityPercent)
	require.NotNil(t, s.NoiseFloorDBm)
	assert.Equal(t, -95.0, *s.NoiseFloorDBm)
}

func TestParseStatusJSONAbsentStaysNil(t *testing.T) {
	s, err := parseStatusJSON([]byte(`{"wireless": {"signal": -70, "ccq": null, "frequency": ""}}`))
	require.NoError(t, err)
	require.NotNil(t, s.SignalDBm)
	assert.Nil(t, s.CCQPercent)
	assert.Nil(t, s.FrequencyMHz)
	assert.Nil(t, s.TxCapacityPercent)
}

func TestParseStatusJSONInterfaceFallback(t *testing.T) {
	body := `{"interfaces": [
	  {"ifname": "eth0"},
	  {"ifname": "ath0", "wireless": {"signal": "-68", "ccq": 91, "frequency": "5695"}}
	]}`
	s, err := parseStatusJSON([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, s.SignalDBm)
	assert.Equal(t, -68.0, *s.SignalDBm)
	require.NotNil(t, s.CCQPercent)
	assert.Equal(t, 91.0, *s.CCQPercent)
	require.NotNil(t, s.FrequencyMHz)
	assert.Equal(t, 5695.0, *s.FrequencyMHz)
}

func TestParseStatusHTML(t *testing.T) {
	body := `<table>
	<tr><td>Signal Strength:</td><td>-72 dBm</td></tr>
	<tr><td>CCQ:</td><td>65 %</td></tr>
	<tr><td>Frequency:</td><td>5760 MHz</td></tr>
	</table>`
	s := parseStatusHTML([]byte(body))
	require.NotNil(t, s.SignalDBm)
	assert.Equal(t, -72.0, *s.SignalDBm)
	require.NotNil(t, s.CCQPercent)
	assert.Equal(t, 65.0, *s.CCQPercent)
	require.NotNil(t, s.FrequencyMHz)
	assert.Equal(t, 5760.0, *s.FrequencyMHz)
	assert.Nil(t, s.TxCapacityPercent)
}

func TestParseFormsFindsFrequencyFields(t *testing.T) {
	forms, token, err := parseForms(strings.NewReader(linkPage))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)

	f, ok := findFrequencyForm(forms)
	require.True(t, ok)
	assert.Equal(t, "/link.cgi", f.Action)
	assert.Equal(t, []string{"freq"}, f.FreqFields)
	assert.Equal(t, "20", f.Values.Get("chanbw"))
	assert.Equal(t, "ap", f.Values.Get("mode"))
	assert.Equal(t, "Change", f.Values.Get("change"))
	assert.True(t, f.HasSubmit)
	assert.False(t, f.Values.Has("dfs"))

	_, ok = findConfirmForm(forms)
	assert.False(t, ok)
}

func TestLooksLikeLogin(t *testing.T) {
	assert.True(t, looksLikeLogin([]byte(loginPage)))
	assert.False(t, looksLikeLogin([]byte(statusJSON)))
}

// fakeRadio emulates the parts of the airOS web UI the client touches.
type fakeRadio struct {
	mu        sync.Mutex
	password  string
	frequency string
	confirm   bool
	posts     []url.Values
}

func (r *fakeRadio) handler() http.Handler {
	mux := http.NewServeMux()
	authed := func(req *http.Request) bool {
		c, err := req.Cookie("AIROS_SESSION")
		return err == nil && c.Value == "ok"
	}

	mux.HandleFunc("/login.cgi", func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodGet {
			w.Write([]byte(loginPage))
			return
		}
		req.ParseForm()
		if req.PostForm.Get("password") != r.password {
			http.Redirect(w, req, "/login.cgi", http.StatusFound)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "AIROS_SESSION", Value: "ok", Path: "/"})
		http.Redirect(w, req, req.PostForm.Get("uri"), http.StatusFound)
	})
	mux.HandleFunc("/status.cgi", func(w http.ResponseWriter, req *http.Request) {
		if !authed(req) {
			w.Write([]byte(loginPage))
			return
		}
		r.mu.Lock()
		freq := r.frequency
		r.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(strings.Replace(statusJSON, "5780 MHz", freq+" MHz", 1)))
	})
	mux.HandleFunc("/link.cgi", func(w http.ResponseWriter, req *http.Request) {
		if !authed(req) {
			w.Write([]byte(loginPage))
			return
		}
		if req.Method == http.MethodPost {
			req.ParseForm()
			r.mu.Lock()
			r.posts = append(r.posts, req.PostForm)
			r.frequency = req.PostForm.Get("freq")
			confirm := r.confirm
			r.mu.Unlock()
			if confirm {
				w.Write([]byte(`<form action="/apply.cgi"><input type="hidden" name="testmode" value="0"></form>`))
				return
			}
			w.Write([]byte("<p>Configuration saved</p>"))
			return
		}
		w.Write([]byte(linkPage))
	})
	mux.HandleFunc("/apply.cgi", func(w http.ResponseWriter, req *http.Request) {
		req.ParseForm()
		r.mu.Lock()
		r.posts = append(r.posts, req.PostForm)
		r.mu.Unlock()
		w.Write([]byte("<p>applied</p>"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		w.Write([]byte(loginPage))
	})
	return mux
}

func newTestClient(t *testing.T, radio *fakeRadio) (*Client, device.Endpoint) {
	t.Helper()
	srv := httptest.NewServer(radio.handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	c := New(Config{Scheme: "http", Timeout: 5 * time.Second})
	ep := device.Endpoint{
		Role:        device.Master,
		Address:     u.Host,
		Credentials: device.Credentials{Username: "ubnt", Password: "secret"},
	}
	return c, ep
}

func TestClientStatus(t *testing.T) {
	radio := &fakeRadio{password: "secret", frequency: "5780"}
	c, ep := newTestClient(t, radio)

	s, err := c.Status(context.Background(), ep)
	require.NoError(t, err)
	require.NotNil(t, s.FrequencyMHz)
	assert.Equal(t, 5780.0, *s.FrequencyMHz)
	assert.Equal(t, "PBE-Master", s.DeviceName)
}

func TestClientStatusLoginFailed(t *testing.T) {
	radio := &fakeRadio{password: "other", frequency: "5780"}
	c, ep := newTestClient(t, radio)

	_, err := c.Status(context.Background(), ep)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrLoginFailed)

	var ae *device.AdapterError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "status", ae.Op)
}

func TestClientSetFrequency(t *testing.T) {
	radio := &fakeRadio{password: "secret", frequency: "5780"}
	c, ep := newTestClient(t, radio)

	require.NoError(t, c.SetFrequency(context.Background(), ep, 5710))

	radio.mu.Lock()
	defer radio.mu.Unlock()
	require.Len(t, radio.posts, 1)
	post := radio.posts[0]
	assert.Equal(t, "5710", post.Get("freq"))
	assert.Equal(t, "20", post.Get("chanbw"))
	assert.Equal(t, "tok-123", post.Get("token"))
	assert.Equal(t, "Change", post.Get("change"))
	assert.Equal(t, "5710", radio.frequency)
}

func TestClientSetFrequencyFollowsConfirmation(t *testing.T) {
	radio := &fakeRadio{password: "secret", frequency: "5780", confirm: true}
	c, ep := newTestClient(t, radio)

	require.NoError(t, c.SetFrequency(context.Background(), ep, 5665))

	radio.mu.Lock()
	defer radio.mu.Unlock()
	require.Len(t, radio.posts, 2)
	assert.Equal(t, "0", radio.posts[1].Get("testmode"))
	assert.Equal(t, "tok-123", radio.posts[1].Get("token"))
}

func TestClientSetFrequencyFormNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/login.cgi" && req.Method == http.MethodPost {
			http.Redirect(w, req, "/status.cgi", http.StatusFound)
			return
		}
		w.Write(bytes.Repeat([]byte("<p>nothing here</p>"), 2))
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)

	c := New(Config{Scheme: "http", Timeout: 5 * time.Second})
	err := c.SetFrequency(context.Background(), device.Endpoint{Address: u.Host}, 5665)
	assert.ErrorIs(t, err, device.ErrFormNotFound)
}
