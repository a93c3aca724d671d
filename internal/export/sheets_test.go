package export

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	goption "google.golang.org/api/option"
)

// fakeSheetsAPI answers the handful of Sheets v4 calls the pusher makes.
type fakeSheetsAPI struct {
	mu       sync.Mutex
	titles   []string
	calls    []string
	lastBody map[string]any
}

func (f *fakeSheetsAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	w.Header().Set("Content-Type", "application/json")

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/spreadsheets/sheet-1"):
		sheets := make([]map[string]any, 0, len(f.titles))
		for i, title := range f.titles {
			sheets = append(sheets, map[string]any{"properties": map[string]any{"title": title, "sheetId": i}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"spreadsheetId": "sheet-1", "sheets": sheets})
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":batchUpdate"):
		var req struct {
			Requests []struct {
				AddSheet struct {
					Properties struct {
						Title string `json:"title"`
					} `json:"properties"`
				} `json:"addSheet"`
			} `json:"requests"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		for _, rq := range req.Requests {
			f.titles = append(f.titles, rq.AddSheet.Properties.Title)
		}
		_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-1"}`))
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":clear"):
		_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-1"}`))
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.lastBody = map[string]any{}
		_ = json.Unmarshal(body, &f.lastBody)
		_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-1","updatedRange":"'Grade 5 - Feb'!A1:G4","updatedRows":4}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestPusher(t *testing.T, api *fakeSheetsAPI) *SheetsPusher {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	p, err := NewSheetsPusher(context.Background(), SheetsConfig{SpreadsheetID: "sheet-1"},
		goption.WithEndpoint(srv.URL+"/"),
		goption.WithHTTPClient(srv.Client()),
		goption.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewSheetsPusher() error = %v", err)
	}
	return p
}

func TestPushClassSummaryCreatesSheet(t *testing.T) {
	api := &fakeSheetsAPI{titles: []string{"Sheet1"}}
	p := newTestPusher(t, api)

	rng, err := p.PushClassSummary(context.Background(), sampleSummary(t))
	if err != nil {
		t.Fatalf("PushClassSummary() error = %v", err)
	}
	if rng != "'Grade 5 - Feb'!A1:G4" {
		t.Errorf("range = %q", rng)
	}
	if len(api.titles) != 2 || api.titles[1] != "Grade 5 - Feb" {
		t.Errorf("titles = %v", api.titles)
	}
	values, _ := api.lastBody["values"].([]any)
	if len(values) != 4 {
		t.Fatalf("values rows = %d, want 4", len(values))
	}
	header, _ := values[0].([]any)
	if len(header) == 0 || header[1] != "Student" {
		t.Errorf("header = %v", header)
	}
}

func TestPushClassSummaryReusesSheet(t *testing.T) {
	api := &fakeSheetsAPI{titles: []string{"Grade 5 - Feb"}}
	p := newTestPusher(t, api)

	if _, err := p.PushClassSummary(context.Background(), sampleSummary(t)); err != nil {
		t.Fatalf("PushClassSummary() error = %v", err)
	}
	for _, call := range api.calls {
		if strings.HasSuffix(call, ":batchUpdate") {
			t.Errorf("unexpected sheet creation: %v", api.calls)
		}
	}
}

func TestNewSheetsPusherRequiresConfig(t *testing.T) {
	if _, err := NewSheetsPusher(context.Background(), SheetsConfig{}); err == nil {
		t.Error("expected error for missing spreadsheet id")
	}
	if _, err := NewSheetsPusher(context.Background(), SheetsConfig{SpreadsheetID: "x"}); err == nil {
		t.Error("expected error for missing credentials")
	}
}
