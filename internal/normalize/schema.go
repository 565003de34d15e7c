package normalize

import (
	"fmt"
	"strings"
)

// Schema lists, per canonical field, the raw keys that may carry it. The
// first key present in an entry wins. Keys may be dotted paths into nested
// objects ("state.cpu").
type Schema struct {
	Name string

	NodeID   []string
	NodeName []string
	Online   []string
	Time     []string
	Region   []string
	Platform []string
	Note     []string

	CPU     []string
	MemPct  []string
	SwapPct []string
	DiskPct []string

	MemUsed   []string
	MemTotal  []string
	SwapUsed  []string
	SwapTotal []string
	DiskUsed  []string
	DiskTotal []string

	NetInTotal  []string
	NetOutTotal []string
	// Rate keys are optional. When an entry carries them the values are passed
	// through; otherwise rates are derived from the counters.
	DownloadRate []string
	UploadRate   []string

	TCP     []string
	UDP     []string
	Process []string
	Uptime  []string
	Load    []string
}

// KomariSchema matches common:getNodesLatestStatus on Komari: net_in/net_out
// are instantaneous rates and net_total_down/net_total_up the counters.
var KomariSchema = Schema{
	Name:     "komari",
	NodeID:   []string{"uuid", "client", "id"},
	NodeName: []string{"name"},
	Online:   []string{"online"},
	Time:     []string{"time", "updated_at"},
	Region:   []string{"region", "country_code"},
	Platform: []string{"os", "platform"},
	Note:     []string{"public_remark", "public_note"},

	CPU:     []string{"cpu", "cpu_usage"},
	MemPct:  []string{"mem_pct"},
	SwapPct: []string{"swap_pct"},
	DiskPct: []string{"disk_pct"},

	MemUsed:   []string{"ram", "mem_used"},
	MemTotal:  []string{"ram_total", "mem_total"},
	SwapUsed:  []string{"swap", "swap_used"},
	SwapTotal: []string{"swap_total"},
	DiskUsed:  []string{"disk", "disk_used"},
	DiskTotal: []string{"disk_total"},

	NetInTotal:   []string{"net_total_down", "net_in_transfer", "net_in_total"},
	NetOutTotal:  []string{"net_total_up", "net_out_transfer", "net_out_total"},
	DownloadRate: []string{"net_in", "net_in_speed"},
	UploadRate:   []string{"net_out", "net_out_speed"},

	TCP:     []string{"connections", "tcp_count", "tcp_conn_count"},
	UDP:     []string{"connections_udp", "udp_count", "udp_conn_count"},
	Process: []string{"process", "process_count"},
	Uptime:  []string{"uptime", "uptime_seconds"},
	Load:    []string{"load", "load1"},
}

// CounterSchema treats net_in/net_out as cumulative byte counters and always
// derives rates. It also reads the nested host/state layout of Nezha agents.
var CounterSchema = Schema{
	Name:     "counters",
	NodeID:   []string{"uuid", "client", "id"},
	NodeName: []string{"name"},
	Online:   []string{"online"},
	Time:     []string{"time", "last_active", "updated_at"},
	Region:   []string{"country_code", "region", "host.country_code"},
	Platform: []string{"platform", "os", "host.platform"},
	Note:     []string{"public_note", "public_remark"},

	CPU:     []string{"cpu", "state.cpu"},
	MemPct:  []string{"mem_pct"},
	SwapPct: []string{"swap_pct"},
	DiskPct: []string{"disk_pct"},

	MemUsed:   []string{"mem_used", "ram", "state.mem_used"},
	MemTotal:  []string{"mem_total", "ram_total", "host.mem_total"},
	SwapUsed:  []string{"swap_used", "state.swap_used"},
	SwapTotal: []string{"swap_total", "host.swap_total"},
	DiskUsed:  []string{"disk_used", "state.disk_used"},
	DiskTotal: []string{"disk_total", "host.disk_total"},

	NetInTotal:  []string{"net_in", "net_in_total", "net_in_transfer", "state.net_in_transfer"},
	NetOutTotal: []string{"net_out", "net_out_total", "net_out_transfer", "state.net_out_transfer"},

	TCP:     []string{"tcp_count", "connections", "state.tcp_conn_count"},
	UDP:     []string{"udp_count", "connections_udp", "state.udp_conn_count"},
	Process: []string{"process_count", "process", "state.process_count"},
	Uptime:  []string{"uptime_seconds", "uptime", "state.uptime"},
	Load:    []string{"load1", "load", "state.load_1"},
}

func SchemaByName(name string) (Schema, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "komari":
		return KomariSchema, nil
	case "counters", "nezha":
		return CounterSchema, nil
	default:
		return Schema{}, fmt.Errorf("unknown status schema %q", name)
	}
}

func (s Schema) PassthroughRates() bool {
	return len(s.DownloadRate) > 0 || len(s.UploadRate) > 0
}
