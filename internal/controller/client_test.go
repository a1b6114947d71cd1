package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lvonguyen/netsentry/internal/config"
)

func testConfig(baseURL string) config.ControllerConfig {
	return config.ControllerConfig{
		BaseURL:   baseURL,
		Site:      "default",
		APIKeyEnv: "TEST_CONTROLLER_KEY",
		Timeout:   5 * time.Second,
		VerifySSL: true,
		PageSize:  2,
	}
}

func TestFetchAlarmsV2(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/api/site/default/alarms" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "sekrit" {
			t.Errorf("X-API-Key = %q", got)
		}
		q := r.URL.Query()
		if q.Get("page") != "3" {
			t.Errorf("page = %q, want 3", q.Get("page"))
		}
		if q.Get("limit") != "2" {
			t.Errorf("limit = %q, want 2", q.Get("limit"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"_id":"a1"},{"_id":"a2"}],"meta":{"more":true,"totalCount":10}}`))
	}))
	defer ts.Close()

	t.Setenv("TEST_CONTROLLER_KEY", "sekrit")
	client, err := NewClient(testConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	page, err := client.FetchAlarmsV2(context.Background(), time.Now().Add(-time.Hour), time.Now(), 3)
	if err != nil {
		t.Fatalf("FetchAlarmsV2: %v", err)
	}
	if len(page.Records) != 2 {
		t.Errorf("records = %d, want 2", len(page.Records))
	}
	if !page.More {
		t.Error("More should carry the upstream flag")
	}
}

func TestFetchAlarmsV1FullPageImpliesMore(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			// _start = page * PageSize
			if got := r.URL.Query().Get("_start"); got != "0" {
				t.Errorf("_start = %q, want 0", got)
			}
			w.Write([]byte(`{"data":[{"_id":"e1"},{"_id":"e2"}],"meta":{"rc":"ok"}}`))
			return
		}
		w.Write([]byte(`{"data":[{"_id":"e3"}],"meta":{"rc":"ok"}}`))
	}))
	defer ts.Close()

	client, err := NewClient(testConfig(ts.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	full, err := client.FetchAlarmsV1(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0)
	if err != nil {
		t.Fatalf("FetchAlarmsV1: %v", err)
	}
	if !full.More {
		t.Error("a full page must imply more data")
	}

	partial, err := client.FetchAlarmsV1(context.Background(), time.Now().Add(-time.Hour), time.Now(), 1)
	if err != nil {
		t.Fatalf("FetchAlarmsV1 page 1: %v", err)
	}
	if partial.More {
		t.Error("a short page must end pagination")
	}
}

func TestFetchAlarmsV1BadRC(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[],"meta":{"rc":"error"}}`))
	}))
	defer ts.Close()

	client, _ := NewClient(testConfig(ts.URL))
	if _, err := client.FetchAlarmsV1(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0); err == nil {
		t.Fatal("expected an error for rc=error")
	}
}

func TestFetchFlowsBlockedOnly(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("action"); got != "blocked" {
			t.Errorf("action = %q, want blocked", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"f1"}],"meta":{"more":false}}`))
	}))
	defer ts.Close()

	client, _ := NewClient(testConfig(ts.URL))
	page, err := client.FetchFlows(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0, true)
	if err != nil {
		t.Fatalf("FetchFlows: %v", err)
	}
	if len(page.Records) != 1 {
		t.Errorf("records = %d, want 1", len(page.Records))
	}
}

func TestClientErrorStatuses(t *testing.T) {
	status := http.StatusUnauthorized
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer ts.Close()

	client, _ := NewClient(testConfig(ts.URL))

	if _, err := client.FetchAlarmsV2(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0); err == nil {
		t.Fatal("expected authentication error")
	}

	status = http.StatusInternalServerError
	if _, err := client.FetchAlarmsV2(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0); err == nil {
		t.Fatal("expected server error")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	cfg := testConfig("")
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected an error without a base URL")
	}
}
