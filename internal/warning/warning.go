// Package warning carries the domain model for KMA special weather
// reports: the observed event, its human-readable code labels, and the
// stable fingerprint used for deduplication.
package warning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Event is one warning observation returned by the upstream API.
type Event struct {
	AreaCode string `json:"area_code"`
	AreaName string `json:"area_name"`

	KindCode   string `json:"kind_code"`   // warnVar: phenomenon (storm, heavy rain, ...)
	LevelCode  string `json:"level_code"`  // warnStress: advisory vs warning
	ActionCode string `json:"action_code"` // command: announce/continue/update/release
	Cancel     bool   `json:"cancel"`

	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
	AnnounceTime time.Time `json:"announce_time"`

	StationID   string `json:"station_id,omitempty"`
	AnnounceSeq string `json:"announce_seq,omitempty"`
}

// Code label tables. Unknown codes fall back to the raw code so a new
// upstream phenomenon still produces a readable message.
var kindLabels = map[string]string{
	"1":  "강풍",
	"2":  "풍랑",
	"3":  "호우",
	"4":  "대설",
	"5":  "건조",
	"6":  "폭풍해일",
	"7":  "한파",
	"8":  "태풍",
	"9":  "황사",
	"12": "폭염",
}

var levelLabels = map[string]string{
	"0": "주의보",
	"1": "경보",
}

var actionLabels = map[string]string{
	"announce": "발표",
	"continue": "계속",
	"update":   "변경",
	"release":  "해제",
}

// KindLabel resolves a warnVar code to its phenomenon name.
func KindLabel(code string) string {
	if l, ok := kindLabels[code]; ok {
		return l
	}
	return code
}

// LevelLabel resolves a warnStress code to 주의보/경보.
func LevelLabel(code string) string {
	if l, ok := levelLabels[code]; ok {
		return l
	}
	return code
}

// ActionLabel resolves an action code to its announcement verb.
func ActionLabel(code string) string {
	if l, ok := actionLabels[code]; ok {
		return l
	}
	return code
}

// Title renders the conventional short form, e.g. "서울 강풍주의보 발표".
func (e Event) Title() string {
	area := e.AreaName
	if area == "" {
		area = e.AreaCode
	}
	title := fmt.Sprintf("%s %s%s %s", area, KindLabel(e.KindCode), LevelLabel(e.LevelCode), ActionLabel(e.ActionCode))
	if e.Cancel {
		title += " (취소)"
	}
	return title
}

const timeKey = "200601021504"

// Fingerprint returns the dedup key for e. The primary form is the
// station/announcement tuple; when any component is missing it degrades to
// a content hash over the remaining identifying fields. Both forms are
// stable across restarts and across state-store backends.
func (e Event) Fingerprint() string {
	if e.StationID != "" && e.AnnounceSeq != "" && !e.AnnounceTime.IsZero() {
		return fmt.Sprintf("stn:%s|%s|%s|%s|%s",
			e.StationID,
			e.AnnounceTime.UTC().Format(timeKey),
			e.AnnounceSeq,
			e.ActionCode,
			boolKey(e.Cancel))
	}
	parts := []string{
		e.AreaCode,
		e.KindCode,
		e.LevelCode,
		e.ActionCode,
		boolKey(e.Cancel),
		canonTime(e.StartTime),
		canonTime(e.EndTime),
		canonTime(e.AnnounceTime),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "h:" + hex.EncodeToString(sum[:])
}

func boolKey(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func canonTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// reportBase is the public report page the attachment links to.
const reportBase = "https://www.weather.go.kr/w/weather/warning/report.do"

// ReportURL builds the link to the official report page. It returns false
// when the station id, announcement time, or sequence is missing, or when
// the assembled URL fails to parse back as an absolute HTTPS URL.
func (e Event) ReportURL() (string, bool) {
	if e.StationID == "" || e.AnnounceSeq == "" || e.AnnounceTime.IsZero() {
		return "", false
	}
	q := url.Values{}
	q.Set("stnId", e.StationID)
	q.Set("tmFc", e.AnnounceTime.UTC().Format(timeKey))
	q.Set("tmSeq", e.AnnounceSeq)
	raw := reportBase + "?" + q.Encode()
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", false
	}
	return raw, true
}

// ResolveAreaName applies the configured region-name mapping with the
// documented fallback chain: mapping, then the upstream-supplied name,
// then the raw code.
func ResolveAreaName(code, upstreamName string, mapping map[string]string) string {
	if name, ok := mapping[code]; ok && name != "" {
		return name
	}
	if upstreamName != "" {
		return upstreamName
	}
	return code
}
