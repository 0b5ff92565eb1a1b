package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"

	promexp "github.com/utkarsh5026/stageflow/observability/prometheus"
	"github.com/utkarsh5026/stageflow/pipeline"
	"github.com/utkarsh5026/stageflow/stage"
)

func newTestAdmin(t *testing.T) (http.Handler, pipeline.StageID) {
	t.Helper()

	reg := prom.NewRegistry()
	exporter, err := promexp.NewMetricsExporter("stageflow", reg, promexp.ExporterOptions{})
	if err != nil {
		t.Fatal(err)
	}

	p := pipeline.New[int]()
	id, err := p.Add(stage.New[int](nil, stage.WithName("parse"), stage.WithMetrics(exporter)), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Push(id, 1, 2, 3); err != nil {
		t.Fatal(err)
	}

	return newAdminRouter(reg, p.OrderedStats), id
}

func TestAdminRouter_Stages(t *testing.T) {
	router, id := newTestAdmin(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []stageView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Name != "parse" || views[0].Queued != 3 || views[0].ID != id.String() {
		t.Errorf("views = %+v", views)
	}
}

func TestAdminRouter_StageByID(t *testing.T) {
	router, id := newTestAdmin(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"found", "/stages/" + id.String(), http.StatusOK},
		{"unknown", "/stages/00000000-0000-0000-0000-000000000000", http.StatusNotFound},
		{"malformed", "/stages/nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAdminRouter_Metrics(t *testing.T) {
	router, _ := newTestAdmin(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `stageflow_queue_depth{stage="parse"} 3`) {
		t.Errorf("metrics output missing queue depth:\n%s", body)
	}
}

func TestLostTasks_IgnoresRoot(t *testing.T) {
	stats := []pipeline.StageStats{
		{Stats: stage.Stats{Name: "root", Rejected: 100}},
		{Stats: stage.Stats{Name: "a", Rejected: 3}},
		{Stats: stage.Stats{Name: "b", Rejected: 4}},
	}
	if got := lostTasks(stats); got != 7 {
		t.Errorf("lostTasks = %d, want 7", got)
	}
}
