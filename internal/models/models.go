package models

import (
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type ServerSnapshot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CountryCode  string    `json:"country_code"`
	Online       bool      `json:"online"`
	LastActiveAt time.Time `json:"last_active"`

	CPU  float64 `json:"cpu"`
	Mem  float64 `json:"mem"`
	Swap float64 `json:"swap"`
	Disk float64 `json:"disk"`

	MemUsed   uint64 `json:"mem_used"`
	MemTotal  uint64 `json:"mem_total"`
	SwapUsed  uint64 `json:"swap_used"`
	SwapTotal uint64 `json:"swap_total"`
	DiskUsed  uint64 `json:"disk_used"`
	DiskTotal uint64 `json:"disk_total"`

	NetInTotal   uint64  `json:"net_in_total"`
	NetOutTotal  uint64  `json:"net_out_total"`
	UploadRate   float64 `json:"upload_rate"`
	DownloadRate float64 `json:"download_rate"`

	TCPCount      int64   `json:"tcp_count"`
	UDPCount      int64   `json:"udp_count"`
	ProcessCount  int64   `json:"process_count"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Load1         float64 `json:"load1"`

	Platform   string `json:"platform"`
	PublicNote string `json:"public_note"`
}

// SnapshotSet is the fleet view of one acquisition tick. It is immutable once
// built: accessors hand out copies, so a set can be shared between readers.
type SnapshotSet struct {
	now     time.Time
	servers []ServerSnapshot
	index   map[string]int
}

// NewSnapshotSet copies servers, orders them by id and indexes them. A later
// entry with an id already seen replaces the earlier one.
func NewSnapshotSet(now time.Time, servers []ServerSnapshot) *SnapshotSet {
	byID := make(map[string]ServerSnapshot, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}
	out := make([]ServerSnapshot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	index := make(map[string]int, len(out))
	for i, s := range out {
		index[s.ID] = i
	}
	return &SnapshotSet{now: now, servers: out, index: index}
}

func (s *SnapshotSet) Now() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.now
}

func (s *SnapshotSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.servers)
}

func (s *SnapshotSet) Servers() []ServerSnapshot {
	if s == nil {
		return nil
	}
	out := make([]ServerSnapshot, len(s.servers))
	copy(out, s.servers)
	return out
}

func (s *SnapshotSet) Server(id string) (ServerSnapshot, bool) {
	if s == nil {
		return ServerSnapshot{}, false
	}
	i, ok := s.index[id]
	if !ok {
		return ServerSnapshot{}, false
	}
	return s.servers[i], true
}

// Range calls fn for every server in id order until fn returns false.
func (s *SnapshotSet) Range(fn func(ServerSnapshot) bool) {
	if s == nil {
		return
	}
	for _, srv := range s.servers {
		if !fn(srv) {
			return
		}
	}
}

func (s *SnapshotSet) MarshalJSON() ([]byte, error) {
	servers := s.Servers()
	if servers == nil {
		servers = []ServerSnapshot{}
	}
	return json.Marshal(struct {
		Now     time.Time        `json:"now"`
		Servers []ServerSnapshot `json:"servers"`
	}{Now: s.Now(), Servers: servers})
}

// RawNode is one entry of the backend status object, kept in wire order.
// Fields is nil when the entry was not a JSON object.
type RawNode struct {
	Key    string
	Fields map[string]any
}

type RawPayload struct {
	At    time.Time
	Nodes []RawNode
}

type NodeInfo struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	Region       string `json:"region"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	CPUName      string `json:"cpu_name"`
	PublicRemark string `json:"public_remark"`
	Group        string `json:"group"`
	Weight       int    `json:"weight"`
	Hidden       bool   `json:"hidden"`
}

type Record struct {
	TS          time.Time `json:"ts"`
	ServerID    string    `json:"server_id"`
	Online      bool      `json:"online"`
	CPU         float64   `json:"cpu"`
	Mem         float64   `json:"mem"`
	Swap        float64   `json:"swap"`
	Disk        float64   `json:"disk"`
	MemUsed     uint64    `json:"ram"`
	MemTotal    uint64    `json:"ram_total"`
	SwapUsed    uint64    `json:"swap_used"`
	SwapTotal   uint64    `json:"swap_total"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	NetIn       float64   `json:"net_in"`
	NetOut      float64   `json:"net_out"`
	NetInTotal  uint64    `json:"net_total_down"`
	NetOutTotal uint64    `json:"net_total_up"`
	Connections int64     `json:"connections"`
	ConnUDP     int64     `json:"connections_udp"`
	Process     int64     `json:"process"`
	Load1       float64   `json:"load"`
}

func RecordFromSnapshot(ts time.Time, s ServerSnapshot) Record {
	return Record{
		TS:          ts,
		ServerID:    s.ID,
		Online:      s.Online,
		CPU:         s.CPU,
		Mem:         s.Mem,
		Swap:        s.Swap,
		Disk:        s.Disk,
		MemUsed:     s.MemUsed,
		MemTotal:    s.MemTotal,
		SwapUsed:    s.SwapUsed,
		SwapTotal:   s.SwapTotal,
		DiskUsed:    s.DiskUsed,
		DiskTotal:   s.DiskTotal,
		NetIn:       s.DownloadRate,
		NetOut:      s.UploadRate,
		NetInTotal:  s.NetInTotal,
		NetOutTotal: s.NetOutTotal,
		Connections: s.TCPCount,
		ConnUDP:     s.UDPCount,
		Process:     s.ProcessCount,
		Load1:       s.Load1,
	}
}

// ChartPoint prefers used/total ratios and falls back to the stored
// percentages when a total is unknown.
func (r Record) ChartPoint() ChartPoint {
	return ChartPoint{
		TS:       r.TS,
		CPU:      r.CPU,
		Mem:      ratio(r.MemUsed, r.MemTotal, r.Mem),
		Swap:     ratio(r.SwapUsed, r.SwapTotal, r.Swap),
		Disk:     ratio(r.DiskUsed, r.DiskTotal, r.Disk),
		Upload:   r.NetOut,
		Download: r.NetIn,
		TCP:      r.Connections,
		UDP:      r.ConnUDP,
		Process:  r.Process,
	}
}

func ratio(used, total uint64, fallback float64) float64 {
	if total == 0 {
		return fallback
	}
	return float64(used) / float64(total) * 100
}

func PointFromSnapshot(ts time.Time, s ServerSnapshot) ChartPoint {
	return ChartPoint{
		TS:       ts,
		CPU:      s.CPU,
		Mem:      s.Mem,
		Swap:     s.Swap,
		Disk:     s.Disk,
		Upload:   s.UploadRate,
		Download: s.DownloadRate,
		TCP:      s.TCPCount,
		UDP:      s.UDPCount,
		Process:  s.ProcessCount,
	}
}

// ChartPoint is one sample of the per-server charts. Rates are bytes/s.
type ChartPoint struct {
	TS       time.Time `json:"ts"`
	CPU      float64   `json:"cpu"`
	Mem      float64   `json:"mem"`
	Swap     float64   `json:"swap"`
	Disk     float64   `json:"disk"`
	Upload   float64   `json:"upload"`
	Download float64   `json:"download"`
	TCP      int64     `json:"tcp"`
	UDP      int64     `json:"udp"`
	Process  int64     `json:"process"`
}

type AlertRule struct {
	ID              int64
	Name            string
	TargetType      string
	TargetID        *string
	MetricKey       string
	Operator        string
	Threshold       float64
	ForSeconds      int
	CooldownSeconds int
	Enabled         bool
}
