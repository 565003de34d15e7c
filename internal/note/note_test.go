package note

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

var now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	n, err := Parse(`{"billingDataMod":{"startDate":"2026-01-01","endDate":"2026-03-11T00:00:00Z","autoRenewal":1,"cycle":"Month","amount":"$5"},"planDataMod":{"trafficVol":"1TB","trafficType":"sum","IPv4":"1"}}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.Billing == nil || n.Plan == nil {
		t.Fatalf("missing blocks: %+v", n)
	}
	if n.Billing.AutoRenewal.String() != "1" || n.Billing.Amount.String() != "$5" || n.Plan.IPv4.String() != "1" {
		t.Fatalf("unexpected billing %+v plan %+v", n.Billing, n.Plan)
	}
	if _, err := Parse("  "); !errors.Is(err, ErrNoNote) {
		t.Fatalf("empty note err = %v", err)
	}
	if _, err := Parse("just a remark"); err == nil {
		t.Fatal("expected error for free text")
	}
}

func TestCycleDays(t *testing.T) {
	tests := map[string]int{"年": 365, "Year": 365, "q": 90, "半年": 180, "monthly": 30, "": 30, "weird": 30}
	for in, want := range tests {
		if got := CycleDays(in); got != want {
			t.Fatalf("CycleDays(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestDaysLeftRollsAutoRenewal(t *testing.T) {
	b := Billing{EndDate: "2026-01-15", Cycle: "month", AutoRenewal: "1"}
	days, err := b.DaysLeft(now)
	if err != nil {
		t.Fatalf("days left: %v", err)
	}
	if days != 14 {
		t.Fatalf("days left = %d, want 14 (rolled to 2026-03-15)", days)
	}
	b.AutoRenewal = "0"
	if days, _ := b.DaysLeft(now); days >= 0 {
		t.Fatalf("non renewing plan days = %d, want negative", days)
	}
	if _, err := (Billing{EndDate: "soon"}).DaysLeft(now); err == nil {
		t.Fatal("expected error for bad date")
	}
}

func TestTrafficLimit(t *testing.T) {
	tests := []struct {
		vol  string
		want uint64
		ok   bool
	}{
		{"1TB", 1 << 40, true},
		{"1.5 T", 3 << 39, true},
		{"550GB", 550 << 30, true},
		{"500", 500 << 30, true},
		{"100 mb", 100 << 20, true},
		{"unlimited", 0, false},
	}
	for _, tc := range tests {
		got, ok := Plan{TrafficVol: Text(tc.vol)}.TrafficLimit()
		if got != tc.want || ok != tc.ok {
			t.Fatalf("TrafficLimit(%q) = %d,%v want %d,%v", tc.vol, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTrafficUsedModes(t *testing.T) {
	tests := map[string]uint64{"up": 10, "down": 30, "sum": 40, "min": 10, "max": 30, "": 30}
	for mode, want := range tests {
		if got := (Plan{TrafficType: Text(mode)}).TrafficUsed(10, 30); got != want {
			t.Fatalf("mode %q used = %d, want %d", mode, got, want)
		}
	}
	p := Plan{TrafficVol: "1KB", TrafficType: "sum"}
	if pct := p.TrafficPercentage(1024, 1024); pct != 100 {
		t.Fatalf("percentage = %v, want capped 100", pct)
	}
}

func TestEvaluateAndSummarize(t *testing.T) {
	servers := []models.ServerSnapshot{
		{ID: "a", Name: "alpha", NetOutTotal: 1 << 30, NetInTotal: 2 << 30,
			PublicNote: `{"billingDataMod":{"endDate":"2026-03-06","cycle":"月","amount":"¥30"},"planDataMod":{"trafficVol":"10G"}}`},
		{ID: "b", Name: "beta",
			PublicNote: `{"billingDataMod":{"endDate":"0000-00-00","amount":"0"}}`},
		{ID: "c", Name: "gamma", PublicNote: "not json"},
		{ID: "d", Name: "delta",
			PublicNote: `{"billingDataMod":{"endDate":"2025-12-01","cycle":"y","amount":"100"}}`},
	}
	st, ok := Evaluate(servers[0], now)
	if !ok {
		t.Fatal("alpha should have billing")
	}
	if st.DaysLeft != 5 || st.Expired || st.Price != "¥30/月" || st.TrafficUsed != 2<<30 {
		t.Fatalf("alpha status = %+v", st)
	}
	if free, _ := Evaluate(servers[1], now); !free.NeverExpires || free.PriceKind != "free" {
		t.Fatalf("beta status = %+v", free)
	}
	if _, ok := Evaluate(servers[2], now); ok {
		t.Fatal("free text note should not evaluate")
	}
	if exp, _ := Evaluate(servers[3], now); !exp.Expired || exp.RemainingValue != 0 {
		t.Fatalf("delta status = %+v", exp)
	}

	sum := Summarize(servers, now)
	if math.Abs(sum.RemainingValue-5) > 1e-9 {
		t.Fatalf("remaining value = %v, want 5", sum.RemainingValue)
	}
	if sum.ExpiringSoon != 1 {
		t.Fatalf("expiring soon = %d, want 1", sum.ExpiringSoon)
	}
	if sum.TrafficRemaining != 8<<30 {
		t.Fatalf("traffic remaining = %d, want 8GiB", sum.TrafficRemaining)
	}
	if len(sum.Servers) != 3 {
		t.Fatalf("servers = %d, want 3", len(sum.Servers))
	}
}
