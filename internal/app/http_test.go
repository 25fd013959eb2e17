package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"draftroom/collab/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore) *httptest.Server {
	t.Helper()
	service := newTestService(fs, &fakeBus{}, nil)
	server := httptest.NewServer(NewHTTPServer(service, "*").Handler())
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, newFakeStore())

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyEndpoint(t *testing.T) {
	server := newTestServer(t, newFakeStore())

	resp, err := http.Get(server.URL + "/api/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestCreateAndGetPage(t *testing.T) {
	server := newTestServer(t, newFakeStore())

	resp := postJSON(t, server.URL+"/api/pages", map[string]string{
		"path":   "/wiki/start",
		"body":   "# Start",
		"author": "alice",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var created PagePayload
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Page.Path != "/wiki/start" || created.Revision.Body != "# Start" {
		t.Fatalf("created = %+v", created)
	}

	getResp, err := http.Get(server.URL + "/api/pages/" + created.Page.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", getResp.StatusCode)
	}
}

func TestCreatePageInvalidPath(t *testing.T) {
	server := newTestServer(t, newFakeStore())

	resp := postJSON(t, server.URL+"/api/pages", map[string]string{
		"path":   "missing-slash",
		"author": "alice",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "INVALID_PATH" {
		t.Fatalf("code = %q", body.Code)
	}
}

func TestGetUnknownPageIs404(t *testing.T) {
	server := newTestServer(t, newFakeStore())

	resp, err := http.Get(server.URL + "/api/pages/page_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPostRevisionHappyPath(t *testing.T) {
	fs := newFakeStore()
	page, revision, _ := fs.CreatePage(context.Background(), "/wiki/a", "v1", "alice")
	server := newTestServer(t, fs)

	resp := postJSON(t, server.URL+"/api/pages/"+page.ID+"/revision", map[string]string{
		"baseRevisionId": revision.ID,
		"body":           "v2",
		"author":         "bob",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		RevisionID string    `json:"revisionId"`
		Body       string    `json:"body"`
		Author     string    `json:"author"`
		CreatedAt  time.Time `json:"createdAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RevisionID == "" || body.Body != "v2" || body.Author != "bob" {
		t.Fatalf("body = %+v", body)
	}
}

func TestPostRevisionConflict(t *testing.T) {
	fs := newFakeStore()
	page, _, _ := fs.CreatePage(context.Background(), "/wiki/a", "current body", "carol")
	server := newTestServer(t, fs)

	resp := postJSON(t, server.URL+"/api/pages/"+page.ID+"/revision", map[string]string{
		"baseRevisionId": "rev_stale",
		"body":           "mine",
		"author":         "bob",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Code    string `json:"code"`
		Details struct {
			RevisionID string    `json:"revisionId"`
			Body       string    `json:"body"`
			Author     string    `json:"author"`
			CreatedAt  time.Time `json:"createdAt"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "REVISION_CONFLICT" {
		t.Fatalf("code = %q", body.Code)
	}
	if body.Details.Body != "current body" || body.Details.Author != "carol" {
		t.Fatalf("details = %+v", body.Details)
	}
}

func TestGetCurrentRevision(t *testing.T) {
	fs := newFakeStore()
	page, revision, _ := fs.CreatePage(context.Background(), "/wiki/a", "v1", "alice")
	server := newTestServer(t, fs)

	resp, err := http.Get(server.URL + "/api/pages/" + page.ID + "/revision")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		RevisionID string `json:"revisionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RevisionID != revision.ID {
		t.Fatalf("revisionId = %q, want %q", body.RevisionID, revision.ID)
	}
}

func TestListRevisions(t *testing.T) {
	fs := newFakeStore()
	page, revision, _ := fs.CreatePage(context.Background(), "/wiki/a", "v1", "alice")
	if _, err := fs.UpdatePage(context.Background(), page.ID, revision.ID, "v2", "bob"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	server := newTestServer(t, fs)

	resp, err := http.Get(server.URL + "/api/pages/" + page.ID + "/revisions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Revisions []store.Revision `json:"revisions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Revisions) != 2 {
		t.Fatalf("revisions = %d", len(body.Revisions))
	}
}

func TestDocStateEndpoint(t *testing.T) {
	fs := newFakeStore()
	page, _, _ := fs.CreatePage(context.Background(), "/wiki/a", "body", "alice")
	server := newTestServer(t, fs)

	resp, err := http.Get(server.URL + "/api/pages/" + page.ID + "/doc-state")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload DocStatePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.PageID != page.ID || payload.HasDocNewerThanRevision {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestRevisionMethodNotAllowed(t *testing.T) {
	fs := newFakeStore()
	page, _, _ := fs.CreatePage(context.Background(), "/wiki/a", "body", "alice")
	server := newTestServer(t, fs)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/pages/"+page.ID+"/revision", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
