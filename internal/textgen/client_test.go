package textgen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type scriptedProvider struct {
	mu      sync.Mutex
	errs    []error
	content string
	calls   int
	block   bool
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(ctx context.Context, _ Request) (string, error) {
	p.mu.Lock()
	i := p.calls
	p.calls++
	block := p.block
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return p.content, nil
}

func newTestClient(p Provider, sleeps *[]time.Duration) *Client {
	c := NewClient(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.Sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return c
}

func TestGenerateRetriesRateLimitWithExponentialBackoff(t *testing.T) {
	p := &scriptedProvider{
		errs: []error{
			&StatusError{StatusCode: http.StatusTooManyRequests},
			&StatusError{StatusCode: http.StatusTooManyRequests},
		},
		content: "Client demonstrates emerging mand repertoire.",
	}
	var sleeps []time.Duration
	result := newTestClient(p, &sleeps).Generate(context.Background(), Request{Section: "background", Prompt: "x"})

	if !result.Success || result.UsedFallback || result.Content == "" {
		t.Fatalf("expected generated success, got %+v", result)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", p.calls)
	}
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Fatalf("expected 1s then 2s backoff, got %v", sleeps)
	}
}

func TestGenerateUsesFallbackAfterExhaustingRetries(t *testing.T) {
	failure := errors.New("HTTP 429: rate limit exceeded")
	p := &scriptedProvider{errs: []error{failure, failure, failure, failure}}
	var sleeps []time.Duration
	fallback := "Section could not be generated; please complete manually."
	result := newTestClient(p, &sleeps).Generate(context.Background(), Request{Section: "goals", Fallback: &fallback})

	if !result.Success || !result.UsedFallback || result.Content != fallback {
		t.Fatalf("expected fallback result, got %+v", result)
	}
	if p.calls != DefaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxRetries+1, p.calls)
	}
	if len(sleeps) != DefaultMaxRetries {
		t.Fatalf("expected a backoff between each attempt, got %v", sleeps)
	}
}

func TestGenerateReportsErrorWithoutFallback(t *testing.T) {
	p := &scriptedProvider{errs: []error{
		&StatusError{StatusCode: 502}, &StatusError{StatusCode: 502},
		&StatusError{StatusCode: 502}, &StatusError{StatusCode: 502},
	}}
	var sleeps []time.Duration
	result := newTestClient(p, &sleeps).Generate(context.Background(), Request{Section: "crisisPlan"})

	if result.Success || result.Error == "" || result.Content != "" {
		t.Fatalf("expected explicit failure, got %+v", result)
	}
	if len(sleeps) != 0 {
		t.Fatalf("expected no backoff for non rate-limit failures, got %v", sleeps)
	}
}

func TestGenerateStopsOnAuthFailure(t *testing.T) {
	p := &scriptedProvider{errs: []error{&StatusError{StatusCode: http.StatusUnauthorized}}}
	var sleeps []time.Duration
	result := newTestClient(p, &sleeps).Generate(context.Background(), Request{Section: "goals"})
	if result.Success {
		t.Fatalf("expected failure, got %+v", result)
	}
	if p.calls != 1 {
		t.Fatalf("expected no retries after auth failure, got %d calls", p.calls)
	}
}

func TestGenerateNeverReturnsEmptySuccess(t *testing.T) {
	p := &scriptedProvider{content: "   "}
	var sleeps []time.Duration
	result := newTestClient(p, &sleeps).Generate(context.Background(), Request{Section: "fadePlan"})
	if result.Success {
		t.Fatalf("expected empty content to be a failure, got %+v", result)
	}
}

func TestGenerateEnforcesPerAttemptTimeout(t *testing.T) {
	p := &scriptedProvider{block: true}
	var sleeps []time.Duration
	c := newTestClient(p, &sleeps)
	c.Timeout = 20 * time.Millisecond
	c.MaxRetries = 1

	result := c.Generate(context.Background(), Request{Section: "coordination"})
	if result.Success {
		t.Fatalf("expected timeout failure, got %+v", result)
	}
	if p.calls != 2 {
		t.Fatalf("expected timed out attempt to be retried, got %d calls", p.calls)
	}
}

func TestTimeoutForLargeSections(t *testing.T) {
	c := NewClient(&scriptedProvider{}, nil)
	for _, section := range []string{"medicalNecessity", "goals", "interventions", "fullReport"} {
		if got := c.TimeoutFor(section); got != DefaultLargeTimeout {
			t.Fatalf("expected %s timeout %s, got %s", section, DefaultLargeTimeout, got)
		}
	}
	if got := c.TimeoutFor("background"); got != DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", got)
	}
}

func TestClassify(t *testing.T) {
	cases := map[error]ErrorClass{
		&StatusError{StatusCode: 429}:          ClassRateLimit,
		&StatusError{StatusCode: 403}:          ClassAuth,
		&StatusError{StatusCode: 400}:          ClassClient,
		&StatusError{StatusCode: 503}:          ClassTransient,
		errors.New("too many requests"):        ClassRateLimit,
		errors.New("invalid api key"):          ClassAuth,
		context.DeadlineExceeded:               ClassTimeout,
		errors.New("connection reset by peer"): ClassTransient,
	}
	for err, want := range cases {
		if got := Classify(err); got != want {
			t.Fatalf("Classify(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestHTTPProvider(t *testing.T) {
	var got httpGenerateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.Section == "busy" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(httpGenerateResponse{Content: "generated " + got.Section})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "tok", srv.Client())
	content, err := p.Generate(context.Background(), Request{Section: "goals", Prompt: "write goals", MaxTokens: 800})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if content != "generated goals" || got.Prompt != "write goals" || got.MaxTokens != 800 {
		t.Fatalf("unexpected exchange: content=%q request=%+v", content, got)
	}

	_, err = p.Generate(context.Background(), Request{Section: "busy"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status error, got %v", err)
	}
}
