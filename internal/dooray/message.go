// Package dooray delivers messages to a Dooray incoming webhook: payload
// rendering, retries, a global send rate limit, and a circuit breaker.
package dooray

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/health"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/warning"
)

// Message is the webhook payload.
type Message struct {
	BotName     string       `json:"botName"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is one linked block under the message.
type Attachment struct {
	Title     string `json:"title"`
	TitleLink string `json:"titleLink,omitempty"`
	Color     string `json:"color,omitempty"`
}

// Attachment colors by severity.
const (
	colorWarning  = "#e03131" // 경보
	colorAdvisory = "#f08c00" // 주의보
	colorOutage   = "#e03131"
	colorRecover  = "#2f9e44"
	colorInfo     = "#868e96"
)

// Builder renders warning events and health transitions into webhook
// messages.
type Builder struct {
	botName string
	log     *slog.Logger
}

// NewBuilder returns a builder stamping botName on every message.
func NewBuilder(botName string, log *slog.Logger) *Builder {
	return &Builder{botName: botName, log: log}
}

// Warning renders one warning event. The report-page attachment is added
// only when the event carries a complete, valid report reference;
// otherwise the message goes out without it and the omission is logged.
func (b *Builder) Warning(ev warning.Event) Message {
	announced := ""
	if !ev.AnnounceTime.IsZero() {
		announced = ev.AnnounceTime.Format("2006-01-02 15:04")
	}

	text := fmt.Sprintf("[기상특보] %s", ev.Title())
	if announced != "" {
		text += fmt.Sprintf("\n발표시각: %s", announced)
	}
	if !ev.StartTime.IsZero() {
		text += fmt.Sprintf("\n발효시각: %s", ev.StartTime.Format("2006-01-02 15:04"))
	}

	msg := Message{BotName: b.botName, Text: text}

	if link, ok := ev.ReportURL(); ok {
		msg.Attachments = append(msg.Attachments, Attachment{
			Title:     "통보문 보기",
			TitleLink: link,
			Color:     levelColor(ev.LevelCode),
		})
	} else {
		logging.Warn(b.log, "notification.url_attachment_blocked",
			"event_id", ev.Fingerprint(),
			"station_id", ev.StationID,
			"announce_seq", ev.AnnounceSeq,
		)
	}
	return msg
}

func levelColor(levelCode string) string {
	if levelCode == "1" {
		return colorWarning
	}
	return colorAdvisory
}

// Health renders an outage, heartbeat, or recovery notification.
func (b *Builder) Health(tr health.Transition, st health.State, now time.Time) Message {
	var (
		text  string
		color string
		title string
	)
	switch tr {
	case health.OutageDetected:
		text = fmt.Sprintf("[장애] 기상청 API 응답 이상이 감지되었습니다.\n감지시각: %s",
			now.Format("2006-01-02 15:04"))
		title = "기상청 API 장애 감지"
		color = colorOutage
	case health.OutageHeartbeat:
		dur := now.Sub(st.IncidentOpenedAt).Round(time.Minute)
		text = fmt.Sprintf("[장애 지속] 기상청 API 장애가 계속되고 있습니다.\n지속시간: %s", dur)
		title = "기상청 API 장애 지속"
		color = colorOutage
	case health.Recovered:
		dur := now.Sub(st.IncidentOpenedAt).Round(time.Minute)
		text = fmt.Sprintf("[복구] 기상청 API가 정상화되었습니다.\n장애시간: %s\n누락 구간을 재조회합니다.", dur)
		title = "기상청 API 복구"
		color = colorRecover
	default:
		text = fmt.Sprintf("[상태] %s", tr)
		title = string(tr)
		color = colorInfo
	}
	return Message{
		BotName:     b.botName,
		Text:        text,
		Attachments: []Attachment{{Title: title, Color: color}},
	}
}
