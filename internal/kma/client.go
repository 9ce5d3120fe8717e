// Package kma fetches special weather reports from the data.go.kr
// WthrWrnInfoService endpoint: paginated XML, result-code conventions
// (00 success, 03 NODATA, 22 rate limited), and exponential-backoff
// retries for transient failures.
package kma

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/logging"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/ratelimit"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/redact"
	"github.com/leeyeon3724/IDC-WeatherAlertBot/internal/warning"
)

// Failure kinds surfaced to the orchestrator's error histogram.
const (
	KindTimeout        = "timeout"
	KindConnection     = "connection"
	KindParseError     = "parse_error"
	KindAPIResultError = "api_result_error"
	KindUnknown        = "unknown_error"
	// KindMissingResult is synthesized by the orchestrator when a region
	// produced no fetch result at all, so dashboards can separate "not
	// attempted" from "attempted and failed".
	KindMissingResult = "missing_area_fetch_result"
)

// Upstream result codes.
const (
	resultOK     = "00"
	resultOKAlt  = "0"
	resultNoData = "03"
	resultLimit  = "22"
)

// FetchError carries the failure kind and the original upstream code.
type FetchError struct {
	Kind string
	Code string
	Err  error
}

func (e *FetchError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (code=%s): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrorKind classifies any error into a stable histogram key.
func ErrorKind(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Kind == KindAPIResultError && fe.Code != "" {
			return fmt.Sprintf("%s(code=%s)", fe.Kind, fe.Code)
		}
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// kst is the timezone of every timestamp the upstream returns.
var kst = loadKST()

func loadKST() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	ServiceKey string
	PageSize   int
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	AreaNames  map[string]string
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
	Redactor   *redact.Redactor
}

// Client fetches warnings for one region over one date window. Each Fetch
// builds its own http.Client so parallel workers never share connection
// pool state.
type Client struct {
	opts Options

	// newHTTPClient is a seam for tests.
	newHTTPClient func() *http.Client
}

// New builds a client.
func New(opts Options) *Client {
	if opts.PageSize < 1 {
		opts.PageSize = 100
	}
	c := &Client{opts: opts}
	c.newHTTPClient = func() *http.Client {
		return &http.Client{
			Timeout:   opts.Timeout,
			Transport: &http.Transport{},
		}
	}
	return c
}

// Close releases client-held resources. Per-fetch HTTP clients are closed
// at the end of each Fetch, so there is nothing long-lived to tear down;
// the method exists so the service loop can close every collaborator
// uniformly on shutdown.
func (c *Client) Close() {}

// Fetch returns every warning event announced for areaCode in [from, to].
func (c *Client) Fetch(ctx context.Context, areaCode string, from, to time.Time) ([]warning.Event, error) {
	httpClient := c.newHTTPClient()
	defer httpClient.CloseIdleConnections()

	var (
		events  []warning.Event
		retries int
		pages   int
	)

	page := 1
	for {
		body, err := c.fetchPage(ctx, httpClient, areaCode, from, to, page, &retries)
		if err != nil {
			return nil, err
		}
		if body == nil {
			// NODATA: empty result on page 1, clean end of pagination later.
			break
		}
		pages++
		for _, item := range body.Items.Item {
			events = append(events, c.toEvent(item, areaCode))
		}
		totalPages := (body.TotalCount + c.opts.PageSize - 1) / c.opts.PageSize
		if page >= totalPages {
			break
		}
		page++
	}

	logging.Info(c.opts.Logger, "area.fetch.summary",
		"area_code", areaCode,
		"events", len(events),
		"pages", pages,
		"retries", retries,
	)
	return events, nil
}

type apiResponse struct {
	XMLName xml.Name  `xml:"response"`
	Header  apiHeader `xml:"header"`
	Body    apiBody   `xml:"body"`
}

type apiHeader struct {
	ResultCode string `xml:"resultCode"`
	ResultMsg  string `xml:"resultMsg"`
}

type apiBody struct {
	TotalCount int      `xml:"totalCount"`
	PageNo     int      `xml:"pageNo"`
	NumOfRows  int      `xml:"numOfRows"`
	Items      apiItems `xml:"items"`
}

type apiItems struct {
	Item []apiItem `xml:"item"`
}

type apiItem struct {
	StnID      string `xml:"stnId"`
	TmFc       string `xml:"tmFc"`
	TmSeq      string `xml:"tmSeq"`
	AreaCode   string `xml:"areaCode"`
	AreaName   string `xml:"areaName"`
	WarnVar    string `xml:"warnVar"`
	WarnStress string `xml:"warnStress"`
	Command    string `xml:"command"`
	Cancel     string `xml:"cancel"`
	StartTime  string `xml:"startTime"`
	EndTime    string `xml:"endTime"`
}

// fetchPage requests one page with retry. A nil body with nil error means
// the upstream answered NODATA.
func (c *Client) fetchPage(ctx context.Context, httpClient *http.Client, areaCode string, from, to time.Time, page int, retries *int) (*apiBody, error) {
	var result *apiBody

	op := func() error {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return backoff.Permanent(classify(err))
		}
		body, err := c.requestPage(ctx, httpClient, areaCode, from, to, page)
		if err != nil {
			var fe *FetchError
			if errors.As(err, &fe) && !retriable(fe) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = body
		return nil
	}

	notify := func(err error, wait time.Duration) {
		*retries++
		logging.Warn(c.opts.Logger, "area.fetch.retry",
			"area_code", areaCode,
			"page", page,
			"attempt", *retries,
			"backoff_sec", wait.Seconds(),
			"error", c.opts.Redactor.Error(err),
		)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx),
		notify)
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// requestPage performs a single HTTP round trip and decodes the response.
func (c *Client) requestPage(ctx context.Context, httpClient *http.Client, areaCode string, from, to time.Time, page int) (*apiBody, error) {
	q := url.Values{}
	q.Set("serviceKey", c.opts.ServiceKey)
	q.Set("pageNo", strconv.Itoa(page))
	q.Set("numOfRows", strconv.Itoa(c.opts.PageSize))
	q.Set("dataType", "XML")
	q.Set("fromTmFc", from.In(kst).Format("20060102"))
	q.Set("toTmFc", to.In(kst).Format("20060102"))
	q.Set("areaCode", areaCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindUnknown, Err: err}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{
			Kind: fmt.Sprintf("http_%d", resp.StatusCode),
			Code: strconv.Itoa(resp.StatusCode),
			Err:  fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err)
	}

	var decoded apiResponse
	if err := xml.Unmarshal(raw, &decoded); err != nil {
		return nil, &FetchError{Kind: KindParseError, Err: err}
	}

	switch decoded.Header.ResultCode {
	case resultOK, resultOKAlt:
		return &decoded.Body, nil
	case resultNoData:
		return nil, nil
	default:
		return nil, &FetchError{
			Kind: KindAPIResultError,
			Code: decoded.Header.ResultCode,
			Err:  fmt.Errorf("upstream result %s: %s", decoded.Header.ResultCode, decoded.Header.ResultMsg),
		}
	}
}

// retriable reports whether a classified failure is worth another attempt:
// transport problems, 5xx, parse failures, and the upstream rate-limit
// code. 4xx and other application result codes are terminal.
func retriable(fe *FetchError) bool {
	switch fe.Kind {
	case KindTimeout, KindConnection, KindParseError:
		return true
	case KindAPIResultError:
		return fe.Code == resultLimit
	}
	if strings.HasPrefix(fe.Kind, "http_") {
		code, _ := strconv.Atoi(fe.Code)
		return code >= 500
	}
	return false
}

// classify wraps transport-level errors into FetchError kinds.
func classify(err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &FetchError{Kind: KindTimeout, Err: err}
		}
		return &FetchError{Kind: KindConnection, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &FetchError{Kind: KindConnection, Err: err}
	}
	return &FetchError{Kind: KindUnknown, Err: err}
}

// toEvent converts one upstream item into the domain event.
func (c *Client) toEvent(item apiItem, requestedArea string) warning.Event {
	areaCode := item.AreaCode
	if areaCode == "" {
		areaCode = requestedArea
	}
	ev := warning.Event{
		AreaCode:     areaCode,
		AreaName:     warning.ResolveAreaName(areaCode, item.AreaName, c.opts.AreaNames),
		KindCode:     item.WarnVar,
		LevelCode:    item.WarnStress,
		ActionCode:   actionCode(item.Command),
		Cancel:       item.Cancel == "1",
		StartTime:    parseKST(item.StartTime),
		EndTime:      parseKST(item.EndTime),
		AnnounceTime: parseKST(item.TmFc),
		StationID:    item.StnID,
		AnnounceSeq:  item.TmSeq,
	}
	return ev
}

func actionCode(command string) string {
	switch command {
	case "1":
		return "announce"
	case "2":
		return "continue"
	case "3":
		return "update"
	case "4":
		return "release"
	}
	return command
}

// parseKST accepts the two timestamp shapes the upstream emits.
func parseKST(raw string) time.Time {
	for _, layout := range []string{"200601021504", "20060102"} {
		if t, err := time.ParseInLocation(layout, raw, kst); err == nil {
			return t
		}
	}
	return time.Time{}
}
