package timesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beevik/ntp"

	"github.com/jasonlarkin/qr-live-protocol/internal/domain"
	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

const (
	KindNTP  = "ntp"
	KindHTTP = "http"
)

// NTPSource queries one NTP server.
type NTPSource struct {
	server  string
	timeout time.Duration
	query   func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

func NewNTPSource(server string, timeout time.Duration) *NTPSource {
	return &NTPSource{server: server, timeout: timeout, query: ntp.QueryWithOptions}
}

func (s *NTPSource) Name() string { return s.server }
func (s *NTPSource) Kind() string { return KindNTP }

func (s *NTPSource) Query(ctx context.Context) (time.Duration, time.Duration, error) {
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		return 0, 0, context.DeadlineExceeded
	}

	// the ntp client has no context support, so run it beside ctx
	type result struct {
		resp *ntp.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.query(s.server, ntp.QueryOptions{Timeout: timeout})
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return 0, 0, r.err
		}
		if err := r.resp.Validate(); err != nil {
			return 0, 0, fmt.Errorf("ntp %s: %w", s.server, err)
		}
		return r.resp.ClockOffset, r.resp.RTT, nil
	}
}

// HTTPSource derives the offset from a time API. JSON bodies carrying a
// datetime field are preferred; otherwise the Date header is used.
type HTTPSource struct {
	url    string
	client *http.Client
	now    func() time.Time
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	return &HTTPSource{url: url, client: client, now: time.Now}
}

func (s *HTTPSource) Name() string { return s.url }
func (s *HTTPSource) Kind() string { return KindHTTP }

var datetimeFields = []string{"utc_datetime", "datetime", "dateTime"}

func (s *HTTPSource) Query(ctx context.Context) (time.Duration, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Accept", "application/json")

	start := s.now()
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	end := s.now()
	if err != nil {
		return 0, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	server, err := serverTime(body, resp.Header.Get("Date"))
	if err != nil {
		return 0, 0, err
	}
	rtt := end.Sub(start)
	// assume the server stamped its reply halfway through the round trip
	offset := server.Add(rtt / 2).Sub(end)
	return offset, rtt, nil
}

func serverTime(body []byte, dateHeader string) (time.Time, error) {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			for _, key := range datetimeFields {
				if v, ok := fields[key].(string); ok && v != "" {
					return domain.ParseTimestamp(v)
				}
			}
		}
	}
	if dateHeader == "" {
		return time.Time{}, fmt.Errorf("no time in response")
	}
	return http.ParseTime(dateHeader)
}

var (
	_ ports.TimeSource = (*NTPSource)(nil)
	_ ports.TimeSource = (*HTTPSource)(nil)
)
