package note

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

const expiringWindowDays = 7

var (
	trafficRe = regexp.MustCompile(`(?i)([\d.]+)\s*(TB|GB|MB|KB|T|G|M|K|B)?`)
	priceRe   = regexp.MustCompile(`[\d.]+`)

	dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}
)

// CycleDays maps a billing cycle label to its length in days. Unknown labels
// count as monthly.
func CycleDays(cycle string) int {
	switch strings.ToLower(strings.TrimSpace(cycle)) {
	case "年", "y", "yr", "year", "annual", "yearly":
		return 365
	case "季", "q", "qr", "quarterly":
		return 90
	case "半", "半年", "h", "half", "semi-annually":
		return 180
	default:
		return 30
	}
}

func cycleMonths(cycle string) int {
	switch CycleDays(cycle) {
	case 365:
		return 12
	case 180:
		return 6
	case 90:
		return 3
	default:
		return 1
	}
}

func (b Billing) NeverExpires() bool {
	return strings.HasPrefix(b.EndDate.String(), "0000-00-00")
}

func (b Billing) AutoRenews() bool {
	v := strings.ToLower(b.AutoRenewal.String())
	return v == "1" || v == "true" || v == "yes"
}

func (b Billing) End() (time.Time, error) {
	s := b.EndDate.String()
	if s == "" {
		return time.Time{}, errors.New("missing end date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized end date " + strconv.Quote(s))
}

// DaysUntilEnd is the whole number of days from now to the end date, negative
// once it has passed.
func (b Billing) DaysUntilEnd(now time.Time) (int, error) {
	end, err := b.End()
	if err != nil {
		return 0, err
	}
	return daysBetween(now, end), nil
}

// DaysLeft is DaysUntilEnd after rolling an auto-renewing plan forward by
// whole cycles until its end date is no longer in the past.
func (b Billing) DaysLeft(now time.Time) (int, error) {
	end, err := b.End()
	if err != nil {
		return 0, err
	}
	if b.AutoRenews() {
		months := cycleMonths(b.Cycle.String())
		for i := 0; end.Before(now) && i < 1200; i++ {
			end = end.AddDate(0, months, 0)
		}
	}
	return daysBetween(now, end), nil
}

func daysBetween(from, to time.Time) int {
	return int(math.Floor(to.Sub(from).Hours() / 24))
}

// Price extracts the numeric part of amounts such as "¥100" or "$4.99/mo".
func (b Billing) Price() (float64, bool) {
	m := priceRe.FindString(b.Amount.String())
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// PriceKind is "free" for amount 0, "usage" for -1, "fixed" for any other
// amount and "" when none is set.
func (b Billing) PriceKind() string {
	switch a := b.Amount.String(); a {
	case "":
		return ""
	case "0":
		return "free"
	case "-1":
		return "usage"
	default:
		return "fixed"
	}
}

// RemainingValue is the price per cycle day times the days left. It is 0 for
// any plan that has no positive price or no future end date.
func (b Billing) RemainingValue(now time.Time) float64 {
	if b.NeverExpires() {
		return 0
	}
	price, ok := b.Price()
	if !ok || price <= 0 {
		return 0
	}
	days, err := b.DaysUntilEnd(now)
	if err != nil || days < 0 {
		return 0
	}
	return price / float64(CycleDays(b.Cycle.String())) * float64(days)
}

var unitNames = map[string]string{
	"TB": "TiB", "T": "TiB",
	"GB": "GiB", "G": "GiB", "": "GiB",
	"MB": "MiB", "M": "MiB",
	"KB": "KiB", "K": "KiB",
	"B": "B",
}

// TrafficLimit parses trafficVol ("1TB", "550 GB", "2T", "500") with 1024
// based units; a bare number means gigabytes.
func (p Plan) TrafficLimit() (uint64, bool) {
	m := trafficRe.FindStringSubmatch(p.TrafficVol.String())
	if m == nil {
		return 0, false
	}
	unit := unitNames[strings.ToUpper(m[2])]
	n, err := humanize.ParseBytes(m[1] + " " + unit)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (p Plan) TrafficUsed(up, down uint64) uint64 {
	switch strings.ToLower(p.TrafficType.String()) {
	case "up":
		return up
	case "down":
		return down
	case "sum":
		return up + down
	case "min":
		return min(up, down)
	default:
		return max(up, down)
	}
}

func (p Plan) TrafficPercentage(up, down uint64) float64 {
	limit, ok := p.TrafficLimit()
	if !ok || limit == 0 {
		return 0
	}
	pct := float64(p.TrafficUsed(up, down)) / float64(limit) * 100
	return math.Min(math.Max(pct, 0), 100)
}

type Status struct {
	ServerID         string  `json:"server_id"`
	Name             string  `json:"name"`
	Price            string  `json:"price,omitempty"`
	PriceKind        string  `json:"price_kind,omitempty"`
	NeverExpires     bool    `json:"never_expires"`
	EndDate          string  `json:"end_date,omitempty"`
	DaysLeft         int     `json:"days_left"`
	Expired          bool    `json:"expired"`
	RemainingPercent float64 `json:"remaining_percent"`
	RemainingValue   float64 `json:"remaining_value"`
	TrafficLimit     uint64  `json:"traffic_limit,omitempty"`
	TrafficUsed      uint64  `json:"traffic_used,omitempty"`
	TrafficPercent   float64 `json:"traffic_percent,omitempty"`
	TrafficText      string  `json:"traffic_text,omitempty"`
	Plan             *Plan   `json:"plan,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// Evaluate reads the billing block of a server's public note. ok is false
// when the note is empty, not JSON or has no billing block.
func Evaluate(s models.ServerSnapshot, now time.Time) (Status, bool) {
	n, err := Parse(s.PublicNote)
	if err != nil || n.Billing == nil {
		return Status{}, false
	}
	b := *n.Billing
	st := Status{ServerID: s.ID, Name: s.Name, PriceKind: b.PriceKind(), Plan: n.Plan}
	if st.PriceKind == "fixed" {
		st.Price = b.Amount.String()
		if c := b.Cycle.String(); c != "" {
			st.Price += "/" + c
		}
	}
	switch {
	case b.NeverExpires():
		st.NeverExpires = true
	case b.EndDate.String() != "":
		st.EndDate = b.EndDate.String()
		days, err := b.DaysLeft(now)
		if err != nil {
			st.Error = err.Error()
			break
		}
		st.DaysLeft = days
		st.Expired = days < 0
		st.RemainingPercent = math.Min(math.Max(float64(days)/float64(CycleDays(b.Cycle.String()))*100, 0), 100)
		st.RemainingValue = b.RemainingValue(now)
	}
	if n.Plan != nil && n.Plan.TrafficVol.String() != "" {
		limit, ok := n.Plan.TrafficLimit()
		if ok && limit > 0 {
			st.TrafficLimit = limit
			st.TrafficUsed = n.Plan.TrafficUsed(s.NetOutTotal, s.NetInTotal)
			st.TrafficPercent = n.Plan.TrafficPercentage(s.NetOutTotal, s.NetInTotal)
			st.TrafficText = humanize.IBytes(st.TrafficUsed) + " / " + n.Plan.TrafficVol.String()
		}
	}
	return st, true
}

type Summary struct {
	RemainingValue       float64  `json:"remaining_value"`
	ExpiringSoon         int      `json:"expiring_soon"`
	TrafficRemaining     uint64   `json:"traffic_remaining"`
	TrafficRemainingText string   `json:"traffic_remaining_text"`
	Servers              []Status `json:"servers"`
}

// Summarize totals prepaid value and capped traffic left across the fleet and
// counts the plans that end within a week.
func Summarize(servers []models.ServerSnapshot, now time.Time) Summary {
	sum := Summary{Servers: []Status{}}
	for _, s := range servers {
		n, err := Parse(s.PublicNote)
		if err != nil {
			continue
		}
		if st, ok := Evaluate(s, now); ok {
			sum.Servers = append(sum.Servers, st)
		}
		if b := n.Billing; b != nil && !b.NeverExpires() {
			price, priced := b.Price()
			days, err := b.DaysUntilEnd(now)
			if priced && price > 0 && err == nil && days >= 0 {
				sum.RemainingValue += b.RemainingValue(now)
				if days <= expiringWindowDays {
					sum.ExpiringSoon++
				}
			}
		}
		if p := n.Plan; p != nil {
			if limit, ok := p.TrafficLimit(); ok {
				used := p.TrafficUsed(s.NetOutTotal, s.NetInTotal)
				if limit > used {
					sum.TrafficRemaining += limit - used
				}
			}
		}
	}
	sum.TrafficRemainingText = humanize.IBytes(sum.TrafficRemaining)
	return sum
}
