package stepstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

// HTTPClient talks to the assessment store service. Requests that fail on
// the network, with 429 or with a 5xx status are retried with backoff.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type stepPayload struct {
	StepKey string          `json:"stepKey,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func (c *HTTPClient) CreateAssessment(ctx context.Context, evaluationType string) (Assessment, error) {
	var out Assessment
	body := map[string]string{"evaluationType": evaluationType}
	err := c.doJSON(ctx, http.MethodPost, "/v1/assessments", body, &out)
	return out, err
}

func (c *HTTPClient) GetAssessment(ctx context.Context, assessmentID string) (Assessment, error) {
	var out Assessment
	err := c.doJSON(ctx, http.MethodGet, "/v1/assessments/"+url.PathEscape(assessmentID), nil, &out)
	return out, err
}

func (c *HTTPClient) GetStepData(ctx context.Context, assessmentID, stepKey string) (json.RawMessage, error) {
	var out stepPayload
	if err := c.doJSON(ctx, http.MethodGet, stepPath(assessmentID, stepKey), nil, &out); err != nil {
		return nil, err
	}
	if isEmptyPayload(out.Data) {
		return nil, nil
	}
	return out.Data, nil
}

func (c *HTTPClient) SaveStep(ctx context.Context, assessmentID, stepKey string, data json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPut, stepPath(assessmentID, stepKey), stepPayload{Data: data}, nil)
}

func (c *HTTPClient) SetStatus(ctx context.Context, assessmentID string, status Status) error {
	path := "/v1/assessments/" + url.PathEscape(assessmentID) + "/status"
	return c.doJSON(ctx, http.MethodPut, path, map[string]string{"status": string(status)}, nil)
}

// Subscribe streams step events for one assessment until ctx is done or the
// server closes the feed.
func (c *HTTPClient) Subscribe(ctx context.Context, assessmentID string, fn func(Event)) error {
	wsURL, err := c.websocketURL("/v1/assessments/" + url.PathEscape(assessmentID) + "/events")
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-Correlation-Id", correlationID())
	// The websocket dialer refuses clients with a global timeout; ctx bounds
	// the handshake instead.
	dialClient := *c.httpClient
	dialClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: &dialClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &HTTPError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

func (c *HTTPClient) websocketURL(path string) (string, error) {
	parsed, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	return parsed.String(), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func stepPath(assessmentID, stepKey string) string {
	return "/v1/assessments/" + url.PathEscape(assessmentID) + "/steps/" + url.PathEscape(stepKey)
}

func correlationID() string {
	return "sync_" + uuid.NewString()
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
