package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, transport Transport, cfg Config) *Client {
	t.Helper()
	c := NewClient(transport, cfg, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestClient_Get_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>listings</body></html>"))
	}))
	defer srv.Close()

	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{})
	defer c.Close()

	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != "<html><body>listings</body></html>" {
		t.Errorf("Get() body = %q", body)
	}
}

func TestClient_Get_SendsBrowserHeaders(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{UserAgent: "test-agent"})
	defer c.Close()

	if _, err := c.Get(context.Background(), srv.URL); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if gotUA != "test-agent" {
		t.Errorf("User-Agent = %q, want test-agent", gotUA)
	}
	if gotLang == "" {
		t.Error("Accept-Language header not sent")
	}
}

func TestClient_Get_RetriesServerErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{RetryCount: 5})
	defer c.Close()

	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != "recovered" {
		t.Errorf("Get() body = %q, want recovered", body)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestClient_Get_TransientErrorAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{RetryCount: 3})
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL)
	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("Get() error = %v, want *TransientError", err)
	}
	if transient.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", transient.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestClient_Get_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{})
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL)
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("Get() error = %v, want *PermanentError", err)
	}
	if perm.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", perm.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestClient_Get_ChallengeBlockedAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><div class="g-recaptcha">Verify you are human</div></body></html>`))
	}))
	defer srv.Close()

	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{ChallengeRetries: 3})
	defer c.Close()

	_, err := c.Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrChallengeBlocked) {
		t.Fatalf("Get() error = %v, want ErrChallengeBlocked", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestClient_Get_ChallengeThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if calls.Add(1) == 1 {
			w.Write([]byte("<html>checking your browser</html>"))
			return
		}
		w.Write([]byte("<html>real page</html>"))
	}))
	defer srv.Close()

	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{ChallengeRetries: 3})
	defer c.Close()

	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != "<html>real page</html>" {
		t.Errorf("Get() body = %q", body)
	}
}

func TestClient_Get_ContextCancelled(t *testing.T) {
	c := testClient(t, NewStaticTransport("test-agent", 5*time.Second), Config{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Get(ctx, "http://127.0.0.1:1/never")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}
}

func TestClient_Pause_HonoursContext(t *testing.T) {
	c := NewClient(NewStaticTransport("test-agent", time.Second), Config{
		MinDelay: time.Hour,
		MaxDelay: time.Hour,
	}, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Pause(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Pause() error = %v, want context.Canceled", err)
	}
}
