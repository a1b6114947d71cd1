package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/netsentry/internal/controller"
	"github.com/lvonguyen/netsentry/internal/model"
)

// fakeAPI scripts each endpoint independently. A nil handler yields an
// empty terminal page.
type fakeAPI struct {
	v2    func(page int) (controller.Page, error)
	v1    func(page int) (controller.Page, error)
	flows func(page int, blockedOnly bool) (controller.Page, error)

	v2Calls, v1Calls, flowCalls int
}

func (f *fakeAPI) FetchAlarmsV2(_ context.Context, _, _ time.Time, page int) (controller.Page, error) {
	f.v2Calls++
	if f.v2 == nil {
		return controller.Page{}, nil
	}
	return f.v2(page)
}

func (f *fakeAPI) FetchAlarmsV1(_ context.Context, _, _ time.Time, page int) (controller.Page, error) {
	f.v1Calls++
	if f.v1 == nil {
		return controller.Page{}, nil
	}
	return f.v1(page)
}

func (f *fakeAPI) FetchFlows(_ context.Context, _, _ time.Time, page int, blockedOnly bool) (controller.Page, error) {
	f.flowCalls++
	if f.flows == nil {
		return controller.Page{}, nil
	}
	return f.flows(page, blockedOnly)
}

func alarmRecord(id string) map[string]any {
	return map[string]any{"_id": id, "severity": float64(2), "src_ip": "203.0.113.9"}
}

func blockedFlowRecord(id string) map[string]any {
	return map[string]any{"id": id, "action": "blocked", "src_ip": "198.51.100.7"}
}

func newTestCollector(api controller.API) *Collector {
	return New(api, zap.NewNop(), nil)
}

func TestCollectFallsBackToV1OnError(t *testing.T) {
	api := &fakeAPI{
		v2: func(int) (controller.Page, error) {
			return controller.Page{}, errors.New("v2 not supported")
		},
		v1: func(int) (controller.Page, error) {
			return controller.Page{Records: []map[string]any{alarmRecord("a1")}}, nil
		},
	}

	events, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if api.v1Calls == 0 {
		t.Fatal("expected fallback to the v1 endpoint")
	}
	if len(events) != 1 || events[0].ID != "a1" {
		t.Fatalf("events = %+v, want single a1", events)
	}
}

func TestCollectFallsBackToV1OnEmptyV2(t *testing.T) {
	api := &fakeAPI{
		v1: func(int) (controller.Page, error) {
			return controller.Page{Records: []map[string]any{alarmRecord("a2")}}, nil
		},
	}

	events, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "a2" {
		t.Fatalf("empty v2 result should fall through to v1, got %+v", events)
	}
}

func TestCollectPrefersV2(t *testing.T) {
	api := &fakeAPI{
		v2: func(int) (controller.Page, error) {
			return controller.Page{Records: []map[string]any{alarmRecord("a3")}}, nil
		},
		v1: func(int) (controller.Page, error) {
			t.Fatal("v1 must not be queried when v2 succeeds")
			return controller.Page{}, nil
		},
	}

	events, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(events) != 1 || events[0].ID != "a3" {
		t.Fatalf("events = %+v, want single a3", events)
	}
}

func TestCollectFlowsTwoPassDedup(t *testing.T) {
	// Pass A sees one blocked flow; pass B returns the same flow plus one
	// that was buried beyond the unfiltered pages.
	api := &fakeAPI{
		flows: func(page int, blockedOnly bool) (controller.Page, error) {
			if blockedOnly {
				return controller.Page{Records: []map[string]any{
					blockedFlowRecord("f1"),
					blockedFlowRecord("f2"),
				}}, nil
			}
			return controller.Page{Records: []map[string]any{
				blockedFlowRecord("f1"),
				{"id": "f3", "action": "allow", "risk": "low"}, // uninteresting
			}}, nil
		},
	}

	events, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}

	ids := make(map[string]bool)
	for _, ev := range events {
		if ids[ev.ID] {
			t.Fatalf("duplicate event %s in result", ev.ID)
		}
		ids[ev.ID] = true
	}
	if !ids["f1"] || !ids["f2"] {
		t.Fatalf("expected f1 and f2, got %v", ids)
	}
	if ids["f3"] {
		t.Fatal("uninteresting allowed flow must be filtered out")
	}
}

func TestCollectCrossSourceDedup(t *testing.T) {
	api := &fakeAPI{
		v2: func(int) (controller.Page, error) {
			return controller.Page{Records: []map[string]any{alarmRecord("shared")}}, nil
		},
		flows: func(page int, blockedOnly bool) (controller.Page, error) {
			return controller.Page{Records: []map[string]any{blockedFlowRecord("shared")}}, nil
		},
	}

	events, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 after cross-source dedup", len(events))
	}
	if events[0].EventSource != model.SourceIPS {
		t.Errorf("first-seen source should win, got %q", events[0].EventSource)
	}
}

func TestCollectPartialFailureStillReturnsEvents(t *testing.T) {
	api := &fakeAPI{
		v2: func(int) (controller.Page, error) {
			return controller.Page{}, errors.New("boom")
		},
		v1: func(int) (controller.Page, error) {
			return controller.Page{}, errors.New("boom too")
		},
		flows: func(page int, blockedOnly bool) (controller.Page, error) {
			return controller.Page{Records: []map[string]any{blockedFlowRecord("f9")}}, nil
		},
	}

	events, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0)
	if err != nil {
		t.Fatalf("one healthy source should not error, got %v", err)
	}
	if len(events) != 1 || events[0].ID != "f9" {
		t.Fatalf("events = %+v, want single f9", events)
	}
}

func TestCollectBothSourcesFailed(t *testing.T) {
	api := &fakeAPI{
		v2:    func(int) (controller.Page, error) { return controller.Page{}, errors.New("down") },
		v1:    func(int) (controller.Page, error) { return controller.Page{}, errors.New("down") },
		flows: func(int, bool) (controller.Page, error) { return controller.Page{}, errors.New("down") },
	}

	if _, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 0); err == nil {
		t.Fatal("expected an error when every source fails")
	}
}

func TestCollectHonorsPageBudget(t *testing.T) {
	api := &fakeAPI{
		v2: func(page int) (controller.Page, error) {
			return controller.Page{
				Records: []map[string]any{alarmRecord("a" + string(rune('0'+page)))},
				More:    true,
			}, nil
		},
	}

	_, err := newTestCollector(api).Collect(context.Background(), time.Now().Add(-time.Hour), time.Now(), 3)
	if err != nil {
		t.Fatalf("Collect returned error: %v", err)
	}
	if api.v2Calls != 3 {
		t.Fatalf("v2 calls = %d, want exactly the page budget of 3", api.v2Calls)
	}
}
