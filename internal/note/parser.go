package note

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNoNote = errors.New("note: empty public note")

// Text accepts a JSON string, number or bool and keeps its text form. Notes
// are hand written, so "amount": 10 and "amount": "10" both occur.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	switch string(b) {
	case "true":
		*t = "1"
		return nil
	case "false":
		*t = "0"
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("unexpected value %s", b)
	}
	*t = Text(b)
	return nil
}

func (t Text) String() string { return strings.TrimSpace(string(t)) }

type Billing struct {
	StartDate   Text `json:"startDate"`
	EndDate     Text `json:"endDate"`
	AutoRenewal Text `json:"autoRenewal"`
	Cycle       Text `json:"cycle"`
	Amount      Text `json:"amount"`
}

type Plan struct {
	Bandwidth    Text `json:"bandwidth"`
	TrafficVol   Text `json:"trafficVol"`
	TrafficType  Text `json:"trafficType"`
	IPv4         Text `json:"IPv4"`
	IPv6         Text `json:"IPv6"`
	NetworkRoute Text `json:"networkRoute"`
	Extra        Text `json:"extra"`
}

type PublicNote struct {
	Billing *Billing `json:"billingDataMod,omitempty"`
	Plan    *Plan    `json:"planDataMod,omitempty"`
}

func Parse(raw string) (PublicNote, error) {
	raw = sanitize(raw)
	if raw == "" {
		return PublicNote{}, ErrNoNote
	}
	var n PublicNote
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return PublicNote{}, fmt.Errorf("parse public note: %w", err)
	}
	return n, nil
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.TrimSpace(string(bytes.ToValidUTF8([]byte(s), []byte("?"))))
}
