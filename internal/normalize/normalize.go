package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"

	"github.com/gibaragibara/nezha-dash-v1/internal/models"
)

// NodeLookup supplies static node metadata that the status payload lacks.
type NodeLookup interface {
	Lookup(id string) (models.NodeInfo, bool)
}

type MalformedError struct {
	Key    string
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("malformed entry %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("malformed entry %q: %s %s", e.Key, e.Field, e.Reason)
}

// Report describes what a conversion dropped or overrode. It never makes the
// conversion fail.
type Report struct {
	Malformed  []*MalformedError
	Duplicates []string
	Hidden     int
}

func (r Report) Clean() bool {
	return len(r.Malformed) == 0 && len(r.Duplicates) == 0
}

type Normalizer struct {
	schema Schema
	nodes  NodeLookup
}

// New builds a Normalizer. nodes may be nil.
func New(schema Schema, nodes NodeLookup) *Normalizer {
	return &Normalizer{schema: schema, nodes: nodes}
}

func (n *Normalizer) Schema() Schema { return n.schema }

// Normalize converts raw into a snapshot set stamped with raw.At. prev is the
// set rates are derived against and may be nil.
func (n *Normalizer) Normalize(raw models.RawPayload, prev *models.SnapshotSet) (*models.SnapshotSet, Report) {
	var rep Report
	servers := make([]models.ServerSnapshot, 0, len(raw.Nodes))
	seen := make(map[string]struct{}, len(raw.Nodes))
	for _, node := range raw.Nodes {
		s, hidden, err := n.entry(node, raw.At, prev)
		if err != nil {
			rep.Malformed = append(rep.Malformed, err)
			continue
		}
		if hidden {
			rep.Hidden++
			continue
		}
		if _, dup := seen[s.ID]; dup {
			rep.Duplicates = append(rep.Duplicates, s.ID)
		}
		seen[s.ID] = struct{}{}
		servers = append(servers, s)
	}
	return models.NewSnapshotSet(raw.At, servers), rep
}

func (n *Normalizer) entry(node models.RawNode, at time.Time, prev *models.SnapshotSet) (s models.ServerSnapshot, hidden bool, merr *MalformedError) {
	defer func() {
		if r := recover(); r != nil {
			merr = &MalformedError{Key: node.Key, Reason: fmt.Sprint("unreadable: ", r)}
		}
	}()
	if node.Fields == nil {
		return s, false, &MalformedError{Key: node.Key, Reason: "not an object"}
	}
	f := fields{key: node.Key, m: node.Fields}
	sc := n.schema

	s.ID = strings.TrimSpace(node.Key)
	if s.ID == "" {
		s.ID = strings.TrimSpace(f.str(sc.NodeID))
	}
	if s.ID == "" {
		return s, false, &MalformedError{Key: node.Key, Reason: "missing identity"}
	}
	f.key = s.ID

	var info models.NodeInfo
	var known bool
	if n.nodes != nil {
		info, known = n.nodes.Lookup(s.ID)
	}
	if known && info.Hidden {
		return s, true, nil
	}

	s.Name = firstNonEmpty(f.str(sc.NodeName), info.Name, s.ID)
	s.CountryCode = countryCode(firstNonEmpty(f.str(sc.Region), info.Region))
	s.Platform = firstNonEmpty(f.str(sc.Platform), info.OS)
	s.PublicNote = firstNonEmpty(f.str(sc.Note), info.PublicRemark)
	s.Online = f.boolean(sc.Online, true)
	s.LastActiveAt = f.time(sc.Time, at)

	cpu, err := f.cpu(sc.CPU)
	if err != nil {
		return s, false, err
	}
	s.CPU = clamp(cpu)

	if s.Mem, s.MemUsed, s.MemTotal, err = f.gauge(sc.MemPct, sc.MemUsed, sc.MemTotal); err != nil {
		return s, false, err
	}
	if s.Swap, s.SwapUsed, s.SwapTotal, err = f.gauge(sc.SwapPct, sc.SwapUsed, sc.SwapTotal); err != nil {
		return s, false, err
	}
	if s.Disk, s.DiskUsed, s.DiskTotal, err = f.gauge(sc.DiskPct, sc.DiskUsed, sc.DiskTotal); err != nil {
		return s, false, err
	}

	if s.NetInTotal, err = f.counter(sc.NetInTotal); err != nil {
		return s, false, err
	}
	if s.NetOutTotal, err = f.counter(sc.NetOutTotal); err != nil {
		return s, false, err
	}

	for _, c := range []struct {
		dst     *int64
		aliases []string
	}{
		{&s.TCPCount, sc.TCP},
		{&s.UDPCount, sc.UDP},
		{&s.ProcessCount, sc.Process},
		{&s.UptimeSeconds, sc.Uptime},
	} {
		v, _, err := f.number(c.aliases)
		if err != nil {
			return s, false, err
		}
		*c.dst = int64(math.Max(v, 0))
	}
	if s.Load1, _, err = f.number(sc.Load); err != nil {
		return s, false, err
	}

	down, downOK, err := f.number(sc.DownloadRate)
	if err != nil {
		return s, false, err
	}
	up, upOK, err := f.number(sc.UploadRate)
	if err != nil {
		return s, false, err
	}
	var before models.ServerSnapshot
	var hasBefore bool
	if prev != nil && prev.Now().Before(at) {
		before, hasBefore = prev.Server(s.ID)
	}
	dt := at.Sub(prev.Now()).Seconds()
	if downOK {
		s.DownloadRate = math.Max(down, 0)
	} else if hasBefore {
		s.DownloadRate = rate(before.NetInTotal, s.NetInTotal, dt)
	}
	if upOK {
		s.UploadRate = math.Max(up, 0)
	} else if hasBefore {
		s.UploadRate = rate(before.NetOutTotal, s.NetOutTotal, dt)
	}
	return s, false, nil
}

// rate is zero when the counter went backwards, which means the node restarted.
func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev || seconds <= 0 {
		return 0
	}
	return float64(cur-prev) / seconds
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// countryCode accepts a flag emoji or a two letter code and returns the
// lowercase ISO 3166 code, or "" when neither matches.
func countryCode(region string) string {
	region = strings.TrimSpace(region)
	if region == "" {
		return ""
	}
	if utf8.RuneCountInString(region) == 2 {
		var b strings.Builder
		for _, r := range region {
			switch {
			case r >= 0x1F1E6 && r <= 0x1F1FF:
				b.WriteRune('a' + (r - 0x1F1E6))
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
				b.WriteRune(r | 0x20)
			default:
				return ""
			}
		}
		return b.String()
	}
	return ""
}

type fields struct {
	key string
	m   map[string]any
}

func (f fields) get(aliases []string) (string, any, bool) {
	for _, a := range aliases {
		v, ok := lookup(f.m, a)
		if ok && v != nil {
			return a, v, true
		}
	}
	return "", nil, false
}

func lookup(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return nil, false
	}
	sub, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(sub, rest)
}

func (f fields) str(aliases []string) string {
	_, v, ok := f.get(aliases)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case jsoniter.Number:
		return string(t)
	}
	return ""
}

func (f fields) number(aliases []string) (float64, bool, *MalformedError) {
	name, v, ok := f.get(aliases)
	if !ok {
		return 0, false, nil
	}
	n, good := toFloat(v)
	if !good {
		return 0, false, &MalformedError{Key: f.key, Field: name, Reason: "is not numeric"}
	}
	return n, true, nil
}

func (f fields) cpu(aliases []string) (float64, *MalformedError) {
	name, v, ok := f.get(aliases)
	if !ok {
		return 0, nil
	}
	if obj, isObj := v.(map[string]any); isObj {
		v = obj["usage"]
		if v == nil {
			return 0, nil
		}
	}
	n, good := toFloat(v)
	if !good {
		return 0, &MalformedError{Key: f.key, Field: name, Reason: "is not numeric"}
	}
	return n, nil
}

// gauge reads a percentage directly when present, else computes it from a
// used/total pair. A zero total yields 0.
func (f fields) gauge(pct, used, total []string) (float64, uint64, uint64, *MalformedError) {
	u, _, err := f.number(used)
	if err != nil {
		return 0, 0, 0, err
	}
	t, _, err := f.number(total)
	if err != nil {
		return 0, 0, 0, err
	}
	uu, tt := toUint(u), toUint(t)
	p, ok, err := f.number(pct)
	if err != nil {
		return 0, 0, 0, err
	}
	if ok {
		return clamp(p), uu, tt, nil
	}
	if tt == 0 {
		return 0, uu, tt, nil
	}
	return clamp(float64(uu) / float64(tt) * 100), uu, tt, nil
}

func (f fields) counter(aliases []string) (uint64, *MalformedError) {
	v, _, err := f.number(aliases)
	if err != nil {
		return 0, err
	}
	return toUint(v), nil
}

func (f fields) boolean(aliases []string, def bool) bool {
	_, v, ok := f.get(aliases)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
	default:
		if n, good := toFloat(v); good {
			return n != 0
		}
	}
	return def
}

func (f fields) time(aliases []string, def time.Time) time.Time {
	_, v, ok := f.get(aliases)
	if !ok {
		return def
	}
	if s, isStr := v.(string); isStr {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				if t.Year() <= 1 {
					return def
				}
				return t.UTC()
			}
		}
	}
	n, good := toFloat(v)
	if !good || n <= 0 {
		return def
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

func toFloat(v any) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case uint64:
		n = float64(t)
	case jsoniter.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}

func toUint(v float64) uint64 {
	if v <= 0 {
		return 0
	}
	if v >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(v)
}
