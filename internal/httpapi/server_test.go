package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/eventfamily/internal/readmodel"
)

type fakeStore struct {
	clusters   []readmodel.ClusterSummary
	details    map[string]readmodel.ClusterDetail
	vocabulary []readmodel.VocabularyEntry
	lastFilter readmodel.ClusterFilter
	lastVocab  readmodel.VocabularyFilter
	statsErr   error
	statsSince time.Time
	mergeLimit int
	listCalls  int
}

func (s *fakeStore) Stats(_ context.Context, since time.Time) (readmodel.Stats, error) {
	s.statsSince = since
	if s.statsErr != nil {
		return readmodel.Stats{}, s.statsErr
	}
	return readmodel.Stats{Records: 12, Clusters: map[string]int64{"final": 2}}, nil
}

func (s *fakeStore) ListClusters(_ context.Context, filter readmodel.ClusterFilter) (int64, []readmodel.ClusterSummary, error) {
	s.listCalls++
	s.lastFilter = filter
	return int64(len(s.clusters)), s.clusters, nil
}

func (s *fakeStore) ClusterDetail(_ context.Context, clusterUUID string) (readmodel.ClusterDetail, error) {
	detail, ok := s.details[clusterUUID]
	if !ok {
		return readmodel.ClusterDetail{}, readmodel.ErrClusterNotFound
	}
	return detail, nil
}

func (s *fakeStore) Vocabulary(_ context.Context, filter readmodel.VocabularyFilter) ([]readmodel.VocabularyEntry, error) {
	s.lastVocab = filter
	return s.vocabulary, nil
}

func (s *fakeStore) MergeCandidates(_ context.Context, limit int) ([]readmodel.MergeCandidate, error) {
	s.mergeLimit = limit
	return []readmodel.MergeCandidate{}, nil
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error {
	return p.err
}

func newTestServer(store *fakeStore, pinger Pinger) *Server {
	return NewServer(store, pinger, zerolog.Nop(), Options{ClusterWindow: 72 * time.Hour})
}

func serve(t *testing.T, server *Server, method, path, body string) (*httptest.ResponseRecorder, jsendResponse) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var resp jsendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	t.Parallel()

	rec, resp := serve(t, newTestServer(&fakeStore{}, fakePinger{}), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK || resp.Status != "success" {
		t.Fatalf("unexpected healthy response: %d %+v", rec.Code, resp)
	}

	rec, resp = serve(t, newTestServer(&fakeStore{}, fakePinger{err: errors.New("down")}), http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusServiceUnavailable || resp.Status != "error" {
		t.Fatalf("unexpected outage response: %d %+v", rec.Code, resp)
	}
}

func TestStatsUsesClusterWindowAndHidesErrors(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	rec, _ := serve(t, newTestServer(store, nil), http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if age := time.Since(store.statsSince); age < 71*time.Hour || age > 73*time.Hour {
		t.Fatalf("expected stats window of ~72h, got %s", age)
	}

	store.statsErr = errors.New("relation does not exist")
	rec, resp := serve(t, newTestServer(store, nil), http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusInternalServerError || resp.Message != "Failed to load stats" {
		t.Fatalf("unexpected error response: %d %+v", rec.Code, resp)
	}
}

func TestClustersValidatesQuery(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	server := newTestServer(store, nil)

	rec, resp := serve(t, server, http.MethodGet, "/api/v1/clusters?type=giant", "")
	if rec.Code != http.StatusBadRequest || resp.Status != "fail" {
		t.Fatalf("expected validation failure, got %d %+v", rec.Code, resp)
	}
	rec, _ = serve(t, server, http.MethodGet, "/api/v1/clusters?page_size=5000", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected validation failure for page_size, got %d", rec.Code)
	}
	if store.listCalls != 0 {
		t.Fatalf("store must not be queried for invalid input, got %d calls", store.listCalls)
	}

	store.clusters = []readmodel.ClusterSummary{{ClusterID: 1, ClusterUUID: "c-1", Type: "final", Size: 3}}
	rec, _ = serve(t, server, http.MethodGet, "/api/v1/clusters?type=FINAL&ef_key=768837DB9B09AF72&page=2&page_size=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if store.lastFilter.Type != "final" || store.lastFilter.EFKey != "768837db9b09af72" || store.lastFilter.Page != 2 || store.lastFilter.PageSize != 10 {
		t.Fatalf("unexpected filter: %+v", store.lastFilter)
	}
}

func TestClusterDetailNotFound(t *testing.T) {
	t.Parallel()

	store := &fakeStore{details: map[string]readmodel.ClusterDetail{
		"c-1": {Cluster: readmodel.ClusterSummary{ClusterUUID: "c-1"}, Members: []readmodel.Member{}},
	}}
	server := newTestServer(store, nil)

	rec, _ := serve(t, server, http.MethodGet, "/api/v1/clusters/c-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status for known cluster: %d", rec.Code)
	}
	rec, resp := serve(t, server, http.MethodGet, "/api/v1/clusters/missing", "")
	if rec.Code != http.StatusNotFound || resp.Message != "Cluster not found" {
		t.Fatalf("unexpected not-found response: %d %+v", rec.Code, resp)
	}
}

func TestVocabularyParsesHubsFlag(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	server := newTestServer(store, nil)

	rec, _ := serve(t, server, http.MethodGet, "/api/v1/vocabulary?hubs=true&prefix=tar&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !store.lastVocab.HubsOnly || store.lastVocab.Prefix != "tar" || store.lastVocab.Limit != 5 {
		t.Fatalf("unexpected vocabulary filter: %+v", store.lastVocab)
	}

	rec, _ = serve(t, server, http.MethodGet, "/api/v1/vocabulary?hubs=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected validation failure for hubs flag, got %d", rec.Code)
	}
}

func TestMergeCandidatesDefaultLimit(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	rec, _ := serve(t, newTestServer(store, nil), http.MethodGet, "/api/v1/merge-candidates", "")
	if rec.Code != http.StatusOK || store.mergeLimit != 100 {
		t.Fatalf("unexpected response: %d limit=%d", rec.Code, store.mergeLimit)
	}
}

func TestEFKeyEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeStore{}, nil)
	body := `{"theater":"UKRAINE","event_type":"Strategy/Tactics","actors":["Russia"," ukraine "],
		"compare_with":{"theater":"UKRAINE","event_type":"Strategy/Tactics","actors":["Russia","NATO"]}}`
	rec, resp := serve(t, server, http.MethodPost, "/api/v1/ef-key", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	var data efKeyResponse
	raw, _ := json.Marshal(resp.Data)
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.EFKey != "768837db9b09af72" {
		t.Fatalf("unexpected key: %q", data.EFKey)
	}
	if len(data.Actors) != 2 || data.Actors[0] != "russia" || data.Actors[1] != "ukraine" {
		t.Fatalf("unexpected normalized actors: %v", data.Actors)
	}
	if data.Comparison == nil || !data.Comparison.SameKey || !data.Comparison.MergeCandidate {
		t.Fatalf("expected same-key merge candidate, got %+v", data.Comparison)
	}
	if sim := data.Comparison.ActorSimilarity; sim < 0.33 || sim > 0.34 {
		t.Fatalf("expected actor similarity 1/3, got %f", sim)
	}
}

func TestEFKeyEndpointRejectsIncompleteFamily(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeStore{}, nil)
	rec, resp := serve(t, server, http.MethodPost, "/api/v1/ef-key", `{"theater":" ","event_type":"Diplomacy","actors":[""],"compare_with":{"theater":"X"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	data, _ := resp.Data.(map[string]any)
	fieldErrors, _ := data["validation_errors"].(map[string]any)
	for _, field := range []string{"theater", "actors", "compare_with.event_type", "compare_with.actors"} {
		if _, ok := fieldErrors[field]; !ok {
			t.Fatalf("expected validation error for %s, got %v", field, fieldErrors)
		}
	}
	if _, ok := fieldErrors["event_type"]; ok {
		t.Fatalf("event_type was provided and must not be flagged: %v", fieldErrors)
	}
}

func TestEFKeyEndpointRejectsSeparatorInFields(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeStore{}, nil)
	rec, resp := serve(t, server, http.MethodPost, "/api/v1/ef-key", `{"theater":"EUROPE|ASIA","event_type":"Diplomacy","actors":["EU"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	data, _ := resp.Data.(map[string]any)
	fieldErrors, _ := data["validation_errors"].(map[string]any)
	if msg, _ := fieldErrors["theater"].(string); msg != "must not contain '|'" {
		t.Fatalf("expected separator error for theater, got %v", fieldErrors)
	}
	if _, ok := fieldErrors["event_type"]; ok {
		t.Fatalf("event_type has no separator and must not be flagged: %v", fieldErrors)
	}
}
