package announce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"grimm.is/v6tunnel/internal/brand"
)

// maxResponseBytes bounds the response text kept in the send log.
const maxResponseBytes = 1024

// ErrNoWebhookURL is returned when sending without a configured URL.
var ErrNoWebhookURL = errors.New("webhook URL not configured")

// failureMarkers are transport-level failure strings; a response body that
// contains one is treated as a failed delivery (proxies and captive
// portals echo them back with a 200).
var failureMarkers = []string{
	"curl:",
	"could not resolve",
	"connection refused",
	"connection timed out",
	"no such host",
	"i/o timeout",
}

// NotifyError reports a failed delivery. Response holds whatever text was
// received, or the transport error.
type NotifyError struct {
	URL      string
	Status   int
	Response string
	Err      error
}

func (e *NotifyError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("webhook %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("webhook %s: %v", e.URL, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// Header is one custom request header.
type Header struct {
	Name  string
	Value string
}

// ParseHeaders splits newline-separated "Name: Value" lines. Leading spaces
// and carriage returns are dropped and lines without a colon are ignored.
func ParseHeaders(block string) []Header {
	var headers []Header
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimLeft(line, " \r")
		if i := strings.IndexByte(line, '\r'); i >= 0 {
			line = line[:i]
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		headers = append(headers, Header{Name: name, Value: strings.TrimSpace(value)})
	}
	return headers
}

// Webhook posts rendered bodies.
type Webhook struct {
	client     *http.Client
	require2xx bool
}

// NewWebhook creates a client with the given per-request timeout. With
// require2xx unset any HTTP status counts as delivered.
func NewWebhook(timeout time.Duration, require2xx bool) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		client:     &http.Client{Timeout: timeout},
		require2xx: require2xx,
	}
}

// Delivery is the outcome of one POST.
type Delivery struct {
	Status   int
	Response string
}

// Post sends body to url. The returned Delivery is filled in even on
// failure so the attempt can be logged; err is a *NotifyError.
func (w *Webhook) Post(ctx context.Context, url, body, headerBlock string) (Delivery, error) {
	if url == "" {
		return Delivery{Response: ErrNoWebhookURL.Error()}, &NotifyError{Err: ErrNoWebhookURL}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return Delivery{Response: err.Error()}, &NotifyError{URL: url, Err: err}
	}

	headers := ParseHeaders(headerBlock)
	if !mentionsContentType(headers) {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", brand.UserAgent())
	// A custom header replaces a default of the same name; repeats append.
	seen := make(map[string]bool, len(headers))
	for _, h := range headers {
		key := http.CanonicalHeaderKey(h.Name)
		if seen[key] {
			req.Header.Add(h.Name, h.Value)
			continue
		}
		seen[key] = true
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Delivery{Response: err.Error()}, &NotifyError{URL: url, Response: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	d := Delivery{Status: resp.StatusCode, Response: string(raw)}
	if err != nil {
		return d, &NotifyError{URL: url, Status: resp.StatusCode, Response: d.Response, Err: fmt.Errorf("read response: %w", err)}
	}

	if err := w.classify(d); err != nil {
		return d, &NotifyError{URL: url, Status: resp.StatusCode, Response: d.Response, Err: err}
	}
	return d, nil
}

func (w *Webhook) classify(d Delivery) error {
	if w.require2xx && (d.Status < 200 || d.Status > 299) {
		return errors.New("non-2xx response")
	}
	if strings.TrimSpace(d.Response) == "" {
		return errors.New("empty response")
	}
	lower := strings.ToLower(d.Response)
	for _, m := range failureMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("response reports transport failure (%q)", m)
		}
	}
	return nil
}

func mentionsContentType(headers []Header) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Type") {
			return true
		}
	}
	return false
}
