package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/scanreg/scanreg"
)

// loadedFixtureApp returns an App with the fixture data dir loaded.
func loadedFixtureApp(t *testing.T) *App {
	t.Helper()
	app := newFixtureApp(t, writeFixture(t))
	if err := app.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	return app
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	app := loadedFixtureApp(t)
	rr := doRequest(t, newHTTPServer(app), http.MethodGet, "/health", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var status struct {
		Status    string `json:"status"`
		Scans     int    `json:"scans"`
		LastAlign string `json:"lastAlign"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ok" || status.Scans != 3 {
		t.Errorf("unexpected health: %+v", status)
	}
	if status.LastAlign != "" {
		t.Errorf("lastAlign should be omitted before any alignment, got %q", status.LastAlign)
	}
}

func TestGroupsHandler(t *testing.T) {
	app := loadedFixtureApp(t)
	rr := doRequest(t, newHTTPServer(app), http.MethodGet, "/groups", "")

	var groups [][]string
	if err := json.Unmarshal(rr.Body.Bytes(), &groups); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(groups) != 1 || strings.Join(groups[0], ",") != "a,b,c" {
		t.Errorf("groups = %v, want [[a b c]]", groups)
	}
}

func TestPairsHandler(t *testing.T) {
	app := loadedFixtureApp(t)
	h := newHTTPServer(app)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantPairs  int
	}{
		{"all pairs", "/pairs", http.StatusOK, 2},
		{"one scan", "/pairs?scan=a", http.StatusOK, 1},
		{"unknown scan", "/pairs?scan=zzz", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, h, http.MethodGet, tt.target, "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var pairs []scanreg.PairInfo
			if err := json.Unmarshal(rr.Body.Bytes(), &pairs); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if len(pairs) != tt.wantPairs {
				t.Errorf("got %d pairs, want %d", len(pairs), tt.wantPairs)
			}
		})
	}
}

func TestSummaryHandler(t *testing.T) {
	app := loadedFixtureApp(t)
	rr := doRequest(t, newHTTPServer(app), http.MethodGet, "/summary", "")

	var sum struct {
		Pairs  int            `json:"pairs"`
		Manual int            `json:"manual"`
		Grades map[string]int `json:"grades"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Pairs != 2 || sum.Manual != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if sum.Grades["good"] != 1 || sum.Grades["unknown"] != 1 {
		t.Errorf("grades = %v", sum.Grades)
	}
}

func TestOverviewHandlers(t *testing.T) {
	app := loadedFixtureApp(t)
	h := newHTTPServer(app)

	for target, wantType := range map[string]string{
		"/overview.svg":  "image/svg+xml",
		"/overview.png":  "image/png",
		"/pairs.geojson": "application/geo+json",
	} {
		rr := doRequest(t, h, http.MethodGet, target, "")
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d", target, rr.Code)
			continue
		}
		if ct := rr.Header().Get("Content-Type"); ct != wantType {
			t.Errorf("%s: Content-Type = %q, want %q", target, ct, wantType)
		}
		if rr.Body.Len() == 0 {
			t.Errorf("%s: empty body", target)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	app := loadedFixtureApp(t)
	rr := doRequest(t, newHTTPServer(app), http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "scanreg_import_pairs_total") {
		t.Error("import counter missing from /metrics")
	}
}

func TestAlignHandler(t *testing.T) {
	app := loadedFixtureApp(t)
	app.NoSave = true
	h := newHTTPServer(app)

	t.Run("method not allowed", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodGet, "/align", "")
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", rr.Code)
		}
	})

	t.Run("bad body", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/align", "{not json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("unknown scan", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/align", `{"scan":"zzz"}`)
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("all groups", func(t *testing.T) {
		rr := doRequest(t, h, http.MethodPost, "/align", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
		}
		var outcome struct {
			Groups []scanreg.GroupResult        `json:"groups"`
			Poses  map[string]scanreg.Transform `json:"poses"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &outcome); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(outcome.Groups) != 1 || len(outcome.Poses) != 3 {
			t.Errorf("unexpected outcome: %d groups, %d poses", len(outcome.Groups), len(outcome.Poses))
		}
		if app.Workspace.LastAlign().IsZero() {
			t.Error("LastAlign not recorded")
		}
	})
}
