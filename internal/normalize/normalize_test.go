package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

var t0 = time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

func payload(at time.Time, nodes ...models.RawNode) models.RawPayload {
	return models.RawPayload{At: at, Nodes: nodes}
}

func node(key string, fields map[string]any) models.RawNode {
	return models.RawNode{Key: key, Fields: fields}
}

func TestCounterSchemaDerivesUploadRate(t *testing.T) {
	n := New(CounterSchema, nil)
	first, rep := n.Normalize(payload(t0, node("node-1", map[string]any{
		"cpu": 42.5, "mem_used": 2_000_000_000.0, "mem_total": 4_000_000_000.0, "net_out": 1000.0,
	})), nil)
	if !rep.Clean() {
		t.Fatalf("unexpected report %+v", rep)
	}
	second, _ := n.Normalize(payload(t0.Add(2*time.Second), node("node-1", map[string]any{
		"cpu": 50.0, "mem_used": 2_000_000_000.0, "mem_total": 4_000_000_000.0, "net_out": 2000.0,
	})), first)

	s, ok := second.Server("node-1")
	if !ok {
		t.Fatal("node-1 missing from second set")
	}
	if s.Mem != 50 {
		t.Fatalf("mem = %v, want 50", s.Mem)
	}
	if s.UploadRate != 500 {
		t.Fatalf("upload rate = %v, want 500", s.UploadRate)
	}
	if s.CPU != 50 || s.NetOutTotal != 2000 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
	if f, _ := first.Server("node-1"); f.UploadRate != 0 {
		t.Fatalf("first observation rate = %v, want 0", f.UploadRate)
	}
	if !second.Now().Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("now = %v, want acquisition time", second.Now())
	}
}

func TestCounterResetYieldsZeroRate(t *testing.T) {
	n := New(CounterSchema, nil)
	prev, _ := n.Normalize(payload(t0, node("a", map[string]any{"net_out": 5000.0, "net_in": 10.0})), nil)
	cur, _ := n.Normalize(payload(t0.Add(2*time.Second), node("a", map[string]any{"net_out": 100.0, "net_in": 30.0})), prev)
	s, _ := cur.Server("a")
	if s.UploadRate != 0 {
		t.Fatalf("upload rate after reset = %v, want 0", s.UploadRate)
	}
	if s.DownloadRate != 10 {
		t.Fatalf("download rate = %v, want 10", s.DownloadRate)
	}
}

func TestRateNeedsEarlierBaseline(t *testing.T) {
	n := New(CounterSchema, nil)
	prev, _ := n.Normalize(payload(t0, node("a", map[string]any{"net_out": 100.0})), nil)
	cur, _ := n.Normalize(payload(t0, node("a", map[string]any{"net_out": 300.0})), prev)
	if s, _ := cur.Server("a"); s.UploadRate != 0 {
		t.Fatalf("rate with equal timestamps = %v, want 0", s.UploadRate)
	}
}

func TestGaugesAreClamped(t *testing.T) {
	n := New(KomariSchema, nil)
	set, _ := n.Normalize(payload(t0, node("a", map[string]any{
		"cpu": 105.0, "mem_pct": -3.0, "swap": 10.0, "swap_total": 0.0, "disk": 9.0, "disk_total": 3.0,
	})), nil)
	s, _ := set.Server("a")
	if s.CPU != 100 || s.Mem != 0 || s.Swap != 0 || s.Disk != 100 {
		t.Fatalf("gauges not clamped: cpu=%v mem=%v swap=%v disk=%v", s.CPU, s.Mem, s.Swap, s.Disk)
	}
}

func TestKomariPassesRatesThrough(t *testing.T) {
	n := New(KomariSchema, nil)
	set, _ := n.Normalize(payload(t0, node("a", map[string]any{
		"cpu":            map[string]any{"usage": 12.5},
		"ram":            "1024",
		"ram_total":      4096.0,
		"net_in":         300.0,
		"net_out":        -4.0,
		"net_total_down": 9000.0,
		"net_total_up":   8000.0,
		"connections":    12.0,
		"process":        99.0,
		"uptime":         3600.0,
		"online":         false,
		"time":           "2026-02-21T11:59:58Z",
	})), nil)
	s, ok := set.Server("a")
	if !ok {
		t.Fatal("entry dropped")
	}
	if s.CPU != 12.5 || s.Mem != 25 || s.MemUsed != 1024 {
		t.Fatalf("cpu/mem = %v/%v/%v", s.CPU, s.Mem, s.MemUsed)
	}
	if s.DownloadRate != 300 || s.UploadRate != 0 {
		t.Fatalf("rates = %v/%v", s.DownloadRate, s.UploadRate)
	}
	if s.NetInTotal != 9000 || s.NetOutTotal != 8000 || s.TCPCount != 12 || s.ProcessCount != 99 || s.UptimeSeconds != 3600 {
		t.Fatalf("unexpected counters %+v", s)
	}
	if s.Online {
		t.Fatal("online should be false")
	}
	if !s.LastActiveAt.Equal(t0.Add(-2 * time.Second)) {
		t.Fatalf("last active = %v", s.LastActiveAt)
	}
}

func TestMalformedEntriesAreDroppedIndividually(t *testing.T) {
	n := New(KomariSchema, nil)
	set, rep := n.Normalize(payload(t0,
		node("good", map[string]any{"cpu": 1.0}),
		node("", map[string]any{"cpu": 2.0}),
		node("scalar", nil),
		node("bad-cpu", map[string]any{"cpu": "high"}),
		node("bad-counter", map[string]any{"net_total_up": true}),
		node("", map[string]any{"uuid": "from-field", "cpu": 3.0}),
	), nil)
	if set.Len() != 2 {
		t.Fatalf("servers = %d, want 2", set.Len())
	}
	if _, ok := set.Server("from-field"); !ok {
		t.Fatal("identity from uuid field not used")
	}
	if len(rep.Malformed) != 4 {
		t.Fatalf("malformed = %d, want 4: %v", len(rep.Malformed), rep.Malformed)
	}
	var me *MalformedError
	if !errors.As(error(rep.Malformed[2]), &me) || me.Field != "cpu" {
		t.Fatalf("third malformed = %+v", rep.Malformed[2])
	}
}

func TestDuplicateIDsLastWins(t *testing.T) {
	n := New(KomariSchema, nil)
	set, rep := n.Normalize(payload(t0,
		node("a", map[string]any{"cpu": 1.0}),
		node("a", map[string]any{"cpu": 2.0}),
	), nil)
	s, _ := set.Server("a")
	if set.Len() != 1 || s.CPU != 2 {
		t.Fatalf("len=%d cpu=%v, want 1 and 2", set.Len(), s.CPU)
	}
	if len(rep.Duplicates) != 1 || rep.Duplicates[0] != "a" {
		t.Fatalf("duplicates = %v", rep.Duplicates)
	}
}

func TestEmptyPayload(t *testing.T) {
	set, rep := New(KomariSchema, nil).Normalize(payload(t0), nil)
	if set == nil || set.Len() != 0 || !rep.Clean() {
		t.Fatalf("empty payload gave %v %+v", set, rep)
	}
	if !set.Now().Equal(t0) {
		t.Fatalf("now = %v", set.Now())
	}
}

func TestDefaultsAndEnrichment(t *testing.T) {
	cache := NewNodeCache(fetcherFunc(func(context.Context) ([]models.NodeInfo, error) {
		return []models.NodeInfo{
			{UUID: "a", Name: "Tokyo", Region: "🇯🇵", OS: "debian", PublicRemark: `{"billingDataMod":{}}`},
			{UUID: "h", Name: "hidden", Hidden: true},
		}, nil
	}), time.Minute)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	set, rep := New(KomariSchema, cache).Normalize(payload(t0,
		node("a", map[string]any{"ram": 5.0, "ram_total": 0.0}),
		node("h", map[string]any{}),
	), nil)
	if rep.Hidden != 1 || set.Len() != 1 {
		t.Fatalf("hidden=%d len=%d", rep.Hidden, set.Len())
	}
	s, _ := set.Server("a")
	if s.Name != "Tokyo" || s.CountryCode != "jp" || s.Platform != "debian" || s.PublicNote == "" {
		t.Fatalf("enrichment missing: %+v", s)
	}
	if !s.Online || !s.LastActiveAt.Equal(t0) || s.Mem != 0 {
		t.Fatalf("defaults wrong: online=%v last=%v mem=%v", s.Online, s.LastActiveAt, s.Mem)
	}
}

func TestCountryCode(t *testing.T) {
	tests := map[string]string{"🇺🇸": "us", "🇩🇪": "de", "GB": "gb", "": "", "Japan": "", "🇯": ""}
	for in, want := range tests {
		if got := countryCode(in); got != want {
			t.Fatalf("countryCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSchemaByName(t *testing.T) {
	if s, err := SchemaByName("Counters"); err != nil || s.Name != "counters" {
		t.Fatalf("counters: %v %v", s.Name, err)
	}
	if s, err := SchemaByName(""); err != nil || s.Name != "komari" {
		t.Fatalf("default: %v %v", s.Name, err)
	}
	if _, err := SchemaByName("prometheus"); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}
