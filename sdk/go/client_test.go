package phaselinesdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	phaselinesdk "phaseline/sdk/go"
)

// The API splits its list endpoints between bare arrays (gates, artifacts)
// and paginated envelopes (history, events); the client must decode each
// endpoint in the shape the server actually emits.

func TestGatesDecodesBareArray(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/projects/proj-1/gates", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"stack","approved":true,"approver":"alice"},{"name":"dependencies","approved":false}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := phaselinesdk.New(srv.URL, "proj-1")
	gates, err := c.Gates(context.Background())
	if err != nil {
		t.Fatalf("gates: %v", err)
	}
	if len(gates) != 2 || gates[0].Name != "stack" || !gates[0].Approved {
		t.Fatalf("unexpected gates %+v", gates)
	}
	if gates[1].Approved {
		t.Fatalf("dependencies gate must stay pending, got %+v", gates[1])
	}
}

func TestArtifactsDecodesBareArray(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/projects/proj-1/artifacts", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("phase"); got != "ANALYSIS" {
			t.Errorf("expected phase filter ANALYSIS, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"a-1","project_id":"proj-1","phase":"ANALYSIS","filename":"project-brief.md","version":2,"created_at":"2024-01-01T00:00:00Z"}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := phaselinesdk.New(srv.URL, "proj-1")
	items, err := c.Artifacts(context.Background(), "ANALYSIS")
	if err != nil {
		t.Fatalf("artifacts: %v", err)
	}
	if len(items) != 1 || items[0].Filename != "project-brief.md" || items[0].Version != 2 {
		t.Fatalf("unexpected artifacts %+v", items)
	}
}

func TestHistoryAndEventsDecodeEnvelopes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/projects/proj-1/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"h-1","phase":"ANALYSIS","status":"completed","started_at":"2024-01-01T00:00:00Z"}],"next_cursor":""}`))
	})
	mux.HandleFunc("/v1/projects/proj-1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":7,"type":"phase.advanced","actor_id":"alice","payload":{}}],"next_cursor":"7"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := phaselinesdk.New(srv.URL, "proj-1")
	entries, err := c.History(context.Background(), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != "completed" {
		t.Fatalf("unexpected history %+v", entries)
	}

	page, err := c.EventsPage(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "phase.advanced" || page.NextCursor != "7" {
		t.Fatalf("unexpected events %+v", page)
	}
}
