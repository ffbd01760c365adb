package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"studymap/api/internal/crdt"
	"studymap/api/internal/store"
)

const testSyncSecret = "shared-secret"

type fakeMapStore struct {
	ping           func(ctx context.Context) error
	getStudyDesign func(ctx context.Context, id string) (store.StudyDesign, error)
	loadGraph      func(ctx context.Context, id string) (crdt.Snapshot, error)
	saveGraph      func(ctx context.Context, id string, snapshot crdt.Snapshot) (store.SaveStats, error)
}

func (f *fakeMapStore) Ping(ctx context.Context) error {
	if f.ping == nil {
		return nil
	}
	return f.ping(ctx)
}

func (f *fakeMapStore) GetStudyDesign(ctx context.Context, id string) (store.StudyDesign, error) {
	return f.getStudyDesign(ctx, id)
}

func (f *fakeMapStore) LoadGraph(ctx context.Context, id string) (crdt.Snapshot, error) {
	return f.loadGraph(ctx, id)
}

func (f *fakeMapStore) SaveGraph(ctx context.Context, id string, snapshot crdt.Snapshot) (store.SaveStats, error) {
	return f.saveGraph(ctx, id, snapshot)
}

type staticLiveness bool

func (l staticLiveness) Live(string) bool { return bool(l) }

func knownDesign(_ context.Context, id string) (store.StudyDesign, error) {
	if id != "sd1" {
		return store.StudyDesign{}, store.ErrNotFound
	}
	return store.StudyDesign{ID: id, SiteID: "s1", Name: "Trial"}, nil
}

func newTestHTTPServer(mapStore *fakeMapStore, live bool) *HTTPServer {
	noopSync := func(http.ResponseWriter, *http.Request, string) {}
	return NewHTTPServer(mapStore, staticLiveness(live), noopSync, testSyncSecret, "*", zerolog.Nop())
}

func doRequest(t *testing.T, handler http.Handler, method, path, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set("X-Sync-Secret", secret)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid response JSON: %v (%s)", err, recorder.Body.String())
	}
	return payload
}

func TestHealth(t *testing.T) {
	handler := newTestHTTPServer(&fakeMapStore{}, false).Handler()
	recorder := doRequest(t, handler, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["ok"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestReadyReportsDatabaseFailure(t *testing.T) {
	mapStore := &fakeMapStore{
		ping: func(context.Context) error { return context.DeadlineExceeded },
	}
	handler := newTestHTTPServer(mapStore, false).Handler()
	recorder := doRequest(t, handler, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["status"] != "not_ready" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestGetMapRequiresSyncSecret(t *testing.T) {
	mapStore := &fakeMapStore{getStudyDesign: knownDesign}
	handler := newTestHTTPServer(mapStore, false).Handler()

	for _, secret := range []string{"", "wrong"} {
		recorder := doRequest(t, handler, http.MethodGet, "/api/study-designs/sd1/map", secret, "")
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("secret %q: status = %d, want 401", secret, recorder.Code)
		}
	}
}

func TestGetMapReturnsGraph(t *testing.T) {
	snapshot := crdt.NewSnapshot()
	snapshot.Nodes["n1"] = json.RawMessage(`{"type":"t1"}`)
	snapshot.Edges["e1"] = json.RawMessage(`{"source":"n1","target":"n2"}`)
	mapStore := &fakeMapStore{
		getStudyDesign: knownDesign,
		loadGraph: func(context.Context, string) (crdt.Snapshot, error) {
			return snapshot, nil
		},
	}
	handler := newTestHTTPServer(mapStore, false).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/study-designs/sd1/map", testSyncSecret, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	nodes, ok := payload["nodes"].(map[string]any)
	if !ok || len(nodes) != 1 {
		t.Fatalf("nodes = %v", payload["nodes"])
	}
	if payload["studyDesignId"] != "sd1" {
		t.Fatalf("studyDesignId = %v", payload["studyDesignId"])
	}
}

func TestGetMapUnknownDesign(t *testing.T) {
	mapStore := &fakeMapStore{getStudyDesign: knownDesign}
	handler := newTestHTTPServer(mapStore, false).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/study-designs/missing/map", testSyncSecret, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestPostMapConflictsWithLiveRoom(t *testing.T) {
	mapStore := &fakeMapStore{getStudyDesign: knownDesign}
	handler := newTestHTTPServer(mapStore, true).Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/study-designs/sd1/map", testSyncSecret, `{"nodes":{},"edges":{}}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "ROOM_LIVE" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestPostMapImportsGraph(t *testing.T) {
	var saved crdt.Snapshot
	mapStore := &fakeMapStore{
		getStudyDesign: knownDesign,
		saveGraph: func(_ context.Context, _ string, snapshot crdt.Snapshot) (store.SaveStats, error) {
			saved = snapshot
			return store.SaveStats{NodesCreated: 1, EdgesCreated: 1}, nil
		},
	}
	handler := newTestHTTPServer(mapStore, false).Handler()

	body := `{"nodes":{"n1":{"type":"t1"}},"edges":{"e1":{"source":"n1","target":"n1"}}}`
	recorder := doRequest(t, handler, http.MethodPost, "/api/study-designs/sd1/map", testSyncSecret, body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["nodesCreated"] != float64(1) || payload["edgesCreated"] != float64(1) {
		t.Fatalf("payload = %v", payload)
	}
	if _, ok := saved.Nodes["n1"]; !ok {
		t.Fatalf("saved snapshot missing posted node: %v", saved)
	}
}

func TestPostMapRejectsInvalidBody(t *testing.T) {
	mapStore := &fakeMapStore{getStudyDesign: knownDesign}
	handler := newTestHTTPServer(mapStore, false).Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/study-designs/sd1/map", testSyncSecret, `{"nodes":`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	handler := newTestHTTPServer(&fakeMapStore{}, false).Handler()
	recorder := doRequest(t, handler, http.MethodGet, "/api/unknown", "", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}
