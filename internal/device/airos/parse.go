package airos

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/bilal/freqswitch-agent/internal/device"
)

// status.cgi payload. Numeric fields arrive as numbers or as strings with a
// unit suffix depending on firmware, so they are decoded lazily.
type statusDoc struct {
	Host struct {
		Hostname string          `json:"hostname"`
		Uptime   json.RawMessage `json:"uptime"`
	} `json:"host"`
	Wireless *wirelessDoc `json:"wireless"`
	Airmax   *struct {
		Capacity json.RawMessage `json:"capacity"`
		Quality  json.RawMessage `json:"quality"`
	} `json:"airmax"`
	Interfaces []struct {
		Ifname   string       `json:"ifname"`
		Wireless *wirelessDoc `json:"wireless"`
	} `json:"interfaces"`
}

type wirelessDoc struct {
	Mode      string          `json:"mode"`
	Signal    json.RawMessage `json:"signal"`
	CCQ       json.RawMessage `json:"ccq"`
	Frequency json.RawMessage `json:"frequency"`
	ChanBW    json.RawMessage `json:"chanbw"`
	NoiseF    json.RawMessage `json:"noisef"`
	Distance  json.RawMessage `json:"distance"`
	TxPower   json.RawMessage `json:"txpower"`
}

var numberRegex = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

func parseNumber(raw json.RawMessage) *float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		s = numberRegex.FindString(s)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// airOS reports ccq in tenths of a percent.
func normalizeCCQ(v *float64) *float64 {
	if v == nil || *v <= 100 {
		return v
	}
	return device.Float(*v / 10)
}

func parseStatusJSON(body []byte) (device.LinkStatus, error) {
	var doc statusDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return device.LinkStatus{}, err
	}

	var s device.LinkStatus
	s.DeviceName = doc.Host.Hostname
	s.UptimeSeconds = parseNumber(doc.Host.Uptime)

	if w := doc.Wireless; w != nil {
		s.Mode = w.Mode
		s.SignalDBm = parseNumber(w.Signal)
		s.CCQPercent = normalizeCCQ(parseNumber(w.CCQ))
		s.FrequencyMHz = parseNumber(w.Frequency)
		s.ChannelWidthMHz = parseNumber(w.ChanBW)
		s.NoiseFloorDBm = parseNumber(w.NoiseF)
		s.Distance = parseNumber(w.Distance)
		s.TxPowerDBm = parseNumber(w.TxPower)
	}
	if doc.Airmax != nil {
		s.TxCapacityPercent = parseNumber(doc.Airmax.Capacity)
	}

	// older firmware only fills the per-interface block
	for _, iface := range doc.Interfaces {
		if iface.Ifname != "ath0" || iface.Wireless == nil {
			continue
		}
		w := iface.Wireless
		if s.SignalDBm == nil {
			s.SignalDBm = parseNumber(w.Signal)
		}
		if s.CCQPercent == nil {
			s.CCQPercent = normalizeCCQ(parseNumber(w.CCQ))
		}
		if s.FrequencyMHz == nil {
			s.FrequencyMHz = parseNumber(w.Frequency)
		}
	}
	return s, nil
}

var (
	signalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)signal["\s:=]+(-?\d+\.?\d*)`),
		regexp.MustCompile(`(?i)signal.*?(-\d+\.?\d*)\s*dBm`),
		regexp.MustCompile(`(?i)sigLevel.*?(-\d+\.?\d*)`),
	}
	ccqPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ccq["\s:=]+(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)ccq.*?(\d+\.?\d*)%`),
	}
	capacityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)capacity["\s:=]+(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)airmax\s+capacity.*?(\d+\.?\d*)%`),
	}
	frequencyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)frequency["\s:=]+"?(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)freq.*?(\d+\.?\d*)\s*MHz`),
		regexp.MustCompile(`(?i)channel.*?(\d+\.?\d*)\s*MHz`),
	}
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)noisef["\s:=]+(-?\d+\.?\d*)`),
		regexp.MustCompile(`(?i)noise.*?(-\d+\.?\d*)\s*dBm`),
	}
	txPowerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)txpower["\s:=]+(\d+\.?\d*)`),
		regexp.MustCompile(`(?i)tx\s*power.*?(\d+\.?\d*)\s*dBm`),
	}
)

func firstMatch(text string, patterns []*regexp.Regexp) *float64 {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); len(m) == 2 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return &v
			}
		}
	}
	return nil
}

// parseStatusHTML scrapes readings out of pages that render the status
// instead of returning JSON. Tags are stripped first so labels and values
// in neighbouring cells read as one line.
func parseStatusHTML(body []byte) device.LinkStatus {
	text := visibleText(body)

	var s device.LinkStatus
	s.SignalDBm = firstMatch(text, signalPatterns)
	s.CCQPercent = normalizeCCQ(firstMatch(text, ccqPatterns))
	s.TxCapacityPercent = firstMatch(text, capacityPatterns)
	s.FrequencyMHz = firstMatch(text, frequencyPatterns)
	s.NoiseFloorDBm = firstMatch(text, noisePatterns)
	s.TxPowerDBm = firstMatch(text, txPowerPatterns)
	return s
}

func visibleText(body []byte) string {
	z := html.NewTokenizer(bytes.NewReader(body))
	var b strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			b.Write(bytes.TrimSpace(z.Text()))
			b.WriteByte(' ')
		}
	}
}

func looksLikeLogin(body []byte) bool {
	return bytes.Contains(body, []byte(`name="username"`)) && bytes.Contains(body, []byte(`name="password"`))
}

// form is an HTML form reduced to what a submission needs.
type form struct {
	Action     string
	FreqFields []string
	Values     url.Values
	HasSubmit  bool
}

var (
	freqFieldRegex  = regexp.MustCompile(`(?i)freq|channel|chan`)
	widthFieldRegex = regexp.MustCompile(`(?i)bw|width|shift`)
	confirmActionRe = regexp.MustCompile(`(?i)confirm|apply|commit`)
	tokenFieldNames = map[string]bool{"token": true, "csrf_token": true, "csrf": true, "_csrf": true}
)

func parseForms(r io.Reader) ([]form, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, "", err
	}

	var forms []form
	var token string
	var current *form

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "form":
				forms = append(forms, form{Action: attr(n, "action"), Values: url.Values{}})
				current = &forms[len(forms)-1]
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					walk(c)
				}
				current = nil
				return
			case "input":
				name := attr(n, "name")
				if name == "" {
					break
				}
				if tokenFieldNames[name] && token == "" {
					token = attr(n, "value")
				}
				if current != nil {
					current.addField(name, strings.ToLower(attr(n, "type")), attr(n, "value"))
				}
			case "select":
				name := attr(n, "name")
				if name != "" && current != nil {
					current.addField(name, "select", selectedOption(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return forms, token, nil
}

func (f *form) addField(name, typ, value string) {
	if freqFieldRegex.MatchString(name) && !widthFieldRegex.MatchString(name) &&
		typ != "hidden" && typ != "submit" {
		f.FreqFields = append(f.FreqFields, name)
		return
	}
	switch typ {
	case "checkbox", "radio", "button", "reset", "file", "image":
		return
	case "submit":
		f.HasSubmit = true
	}
	if f.Values.Get(name) == "" {
		f.Values.Set(name, value)
	}
}

func selectedOption(sel *html.Node) string {
	first := ""
	var found string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "option" {
			v := attr(n, "value")
			if first == "" {
				first = v
			}
			if hasAttr(n, "selected") && found == "" {
				found = v
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	if found != "" {
		return found
	}
	return first
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func findFrequencyForm(forms []form) (form, bool) {
	for _, f := range forms {
		if len(f.FreqFields) > 0 {
			return f, true
		}
	}
	return form{}, false
}

func findConfirmForm(forms []form) (form, bool) {
	for _, f := range forms {
		if confirmActionRe.MatchString(f.Action) {
			return f, true
		}
	}
	return form{}, false
}
