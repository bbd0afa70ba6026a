package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"scopedb/internal/config"
	"scopedb/internal/db"
	"scopedb/pkg/dberrors"
	"scopedb/pkg/kv"
	"scopedb/pkg/types"
)

// fakeDB records calls and serves canned data.
type fakeDB struct {
	data    map[string]string
	applied [][]db.Op
	err     error
}

func newFakeDB() *fakeDB {
	return &fakeDB{data: map[string]string{}}
}

func (f *fakeDB) Get(_ context.Context, key types.Key) (types.Value, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.data[string(key)]
	if !ok {
		return nil, dberrors.ErrNotFound
	}
	return types.Value(v), nil
}

func (f *fakeDB) Put(_ context.Context, key types.Key, value types.Value) error {
	if f.err != nil {
		return f.err
	}
	f.data[string(key)] = string(value)
	return nil
}

func (f *fakeDB) Delete(_ context.Context, key types.Key) error {
	if f.err != nil {
		return f.err
	}
	delete(f.data, string(key))
	return nil
}

func (f *fakeDB) Apply(_ context.Context, ops []db.Op) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, ops)
	return nil
}

func (f *fakeDB) Stats() map[string]int64 {
	return map[string]int64{"commits": 3}
}

func newTestServer(t *testing.T, d iDatabase) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(d, "").createRouter())
	t.Cleanup(srv.Close)
	return srv
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFakeDB())
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := decodeResponse(t, resp); got.Status != statusOK {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestKeyLifecycle(t *testing.T) {
	fake := newFakeDB()
	srv := newTestServer(t, fake)
	client := srv.Client()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/keys/user1", strings.NewReader("alice"))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	if got := decodeResponse(t, resp); got.Status != statusOK || got.Key != "user1" {
		t.Fatalf("PUT response = %+v", got)
	}

	resp, err = http.Get(srv.URL + "/v1/keys/user1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if got := decodeResponse(t, resp); got.Key != "user1" || got.Value != "alice" {
		t.Fatalf("GET response = %+v", got)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v1/keys/user1", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if got := decodeResponse(t, resp); got.Status != statusOK {
		t.Fatalf("DELETE status = %q", got.Status)
	}

	resp, err = http.Get(srv.URL + "/v1/keys/user1")
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBatchDecodesOps(t *testing.T) {
	fake := newFakeDB()
	srv := newTestServer(t, fake)

	body := `{"ops":[{"op":"put","key":"a","value":"1"},{"op":"delete","key":"b"}]}`
	resp, err := http.Post(srv.URL+"/v1/batch", contentTypeJSON, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/batch: %v", err)
	}
	if got := decodeResponse(t, resp); got.Status != statusOK || got.Applied != 2 {
		t.Fatalf("batch response = %+v", got)
	}
	if len(fake.applied) != 1 || len(fake.applied[0]) != 2 {
		t.Fatalf("applied = %+v", fake.applied)
	}
	if fake.applied[0][0].Kind != db.OpPut || string(fake.applied[0][1].Key) != "b" {
		t.Fatalf("ops decoded wrong: %+v", fake.applied[0])
	}
}

func TestBatchRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, newFakeDB())
	cases := map[string]string{
		"not json":   "nope",
		"empty ops":  `{"ops":[]}`,
		"unknown op": `{"ops":[{"op":"upsert","key":"a"}]}`,
		"no key":     `{"ops":[{"op":"put","value":"1"}]}`,
	}
	for name, body := range cases {
		resp, err := http.Post(srv.URL+"/v1/batch", contentTypeJSON, strings.NewReader(body))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, newFakeDB())
	resp, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()
	var stats map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["commits"] != 3 {
		t.Fatalf("stats = %v", stats)
	}
}

// Full stack: chi handlers over the real transactional store.
func TestBatchAtomicityThroughStack(t *testing.T) {
	store, err := db.OpenWith(context.Background(), kv.NewMemory(), config.Default().Scopes)
	if err != nil {
		t.Fatalf("OpenWith: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv := newTestServer(t, store)

	body := `{"ops":[{"op":"put","key":"x","value":"1"},{"op":"put","key":"y","value":"2"}]}`
	resp, err := http.Post(srv.URL+"/v1/batch", contentTypeJSON, strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/batch: %v", err)
	}
	if got := decodeResponse(t, resp); got.Status != statusOK {
		t.Fatalf("batch status = %q (%s)", got.Status, got.Error)
	}

	for key, want := range map[string]string{"x": "1", "y": "2"} {
		got, err := store.Get(context.Background(), types.Key(key))
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Fatalf("Get(%q) = %q, want %q", key, got, want)
		}
	}
}
