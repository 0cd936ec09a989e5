package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dns-agent/pkg/blocklist"
	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
	"dns-agent/pkg/storage"
)

// stubStorage serves canned data so handlers can be tested without a
// database.
type stubStorage struct {
	queries []*storage.QueryLog
	stats   *storage.Statistics
	top     []*storage.DomainStats
	pingErr error
	failAll bool
}

var errStub = errors.New("storage unavailable")

func (s *stubStorage) LogQuery(context.Context, *storage.QueryLog) error { return nil }

func (s *stubStorage) GetRecentQueries(_ context.Context, limit, offset int) ([]*storage.QueryLog, error) {
	if s.failAll {
		return nil, errStub
	}
	if offset >= len(s.queries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.queries) {
		end = len(s.queries)
	}
	return s.queries[offset:end], nil
}

func (s *stubStorage) GetQueriesByDomain(_ context.Context, domain string, limit int) ([]*storage.QueryLog, error) {
	var out []*storage.QueryLog
	for _, q := range s.queries {
		if q.Domain == domain && len(out) < limit {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *stubStorage) GetQueriesByClientIP(_ context.Context, clientIP string, limit int) ([]*storage.QueryLog, error) {
	var out []*storage.QueryLog
	for _, q := range s.queries {
		if q.ClientIP == clientIP && len(out) < limit {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *stubStorage) GetStatistics(context.Context, time.Time) (*storage.Statistics, error) {
	if s.failAll {
		return nil, errStub
	}
	if s.stats == nil {
		return &storage.Statistics{}, nil
	}
	return s.stats, nil
}

func (s *stubStorage) GetTopDomains(context.Context, int, bool) ([]*storage.DomainStats, error) {
	return s.top, nil
}

func (s *stubStorage) GetQueryCount(context.Context, time.Time) (int64, error)   { return 0, nil }
func (s *stubStorage) GetBlockedCount(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *stubStorage) Cleanup(context.Context, time.Time) error                  { return nil }
func (s *stubStorage) Close() error                                              { return nil }
func (s *stubStorage) Ping(context.Context) error                                { return s.pingErr }

func testBlocklist(t *testing.T, block, allow []string) *blocklist.Manager {
	t.Helper()

	dir := t.TempDir()
	blockPath := filepath.Join(dir, "blocklist.txt")
	allowPath := filepath.Join(dir, "whitelist.txt")
	for path, lines := range map[string][]string{blockPath: block, allowPath: allow} {
		content := ""
		for _, l := range lines {
			content += l + "\n"
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	m := blocklist.NewManager(&config.BlocklistConfig{
		Path:          blockPath,
		WhitelistPath: allowPath,
	}, logging.NewDefault(), nil, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("blocklist load failed: %v", err)
	}
	return m
}

func newTestServer(t *testing.T, stor storage.Storage, bl *blocklist.Manager) *Server {
	t.Helper()

	return New(&Config{
		Dashboard: &config.DashboardConfig{
			ListenAddress: "127.0.0.1:0",
			RecentQueries: 100,
		},
		Storage:   stor,
		Blocklist: bl,
		Logger:    logging.NewDefault(),
		Version:   "test",
	})
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubStorage{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &stubStorage{}, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/health")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		storage    storage.Storage
		blocklist  bool
		wantStatus int
		wantState  string
	}{
		{"ready", &stubStorage{}, true, http.StatusOK, "ready"},
		{"storage down", &stubStorage{pingErr: errStub}, true, http.StatusServiceUnavailable, "not_ready"},
		{"no storage", nil, true, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var bl *blocklist.Manager
			if tt.blocklist {
				bl = testBlocklist(t, []string{"ads.example.com"}, nil)
			}
			s := newTestServer(t, tt.storage, bl)

			rec := doRequest(t, s, http.MethodGet, "/readyz")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var resp ReadinessResponse
			decodeBody(t, rec, &resp)
			if resp.Status != tt.wantState {
				t.Errorf("state = %q, want %q", resp.Status, tt.wantState)
			}
		})
	}
}

func TestStats(t *testing.T) {
	stor := &stubStorage{
		stats: &storage.Statistics{
			TotalQueries:      100,
			BlockedQueries:    25,
			CachedQueries:     40,
			UniqueDomains:     12,
			UniqueClients:     3,
			BlockRate:         25.0,
			CacheHitRate:      40.0,
			AvgResponseTimeMs: 1.5,
		},
	}
	s := newTestServer(t, stor, testBlocklist(t, []string{"ads.example.com"}, nil))

	rec := doRequest(t, s, http.MethodGet, "/api/stats?system=false")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatsResponse
	decodeBody(t, rec, &resp)
	if resp.TotalQueries != 100 || resp.BlockedQueries != 25 {
		t.Errorf("queries = %d/%d, want 100/25", resp.TotalQueries, resp.BlockedQueries)
	}
	if resp.BlockRate != 25.0 {
		t.Errorf("block rate = %f, want 25.0", resp.BlockRate)
	}
	if resp.Blocklist == nil || resp.Blocklist.TotalEntries != 1 {
		t.Errorf("blocklist info missing or wrong: %+v", resp.Blocklist)
	}
	if resp.System != nil {
		t.Error("system metrics included despite system=false")
	}
}

func TestStats_IncludesSystemMetrics(t *testing.T) {
	s := newTestServer(t, &stubStorage{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatsResponse
	decodeBody(t, rec, &resp)
	if resp.System == nil {
		t.Fatal("system metrics missing")
	}
	if resp.System.MemTotal == 0 {
		t.Error("mem_total_bytes = 0, expected host memory size")
	}
}

func TestStats_StorageError(t *testing.T) {
	s := newTestServer(t, &stubStorage{failAll: true}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/stats")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestQueries(t *testing.T) {
	now := time.Now()
	stor := &stubStorage{
		queries: []*storage.QueryLog{
			{ID: 3, Timestamp: now, Domain: "c.example.com", ClientIP: "10.0.0.2", QueryType: "A", Outcome: "resolved"},
			{ID: 2, Timestamp: now, Domain: "b.example.com", ClientIP: "10.0.0.1", QueryType: "AAAA", Outcome: "blocked", Blocked: true},
			{ID: 1, Timestamp: now, Domain: "b.example.com", ClientIP: "10.0.0.2", QueryType: "A", Outcome: "cache_hit", Cached: true},
		},
	}
	s := newTestServer(t, stor, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/queries")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp QueriesResponse
	decodeBody(t, rec, &resp)
	if resp.Total != 3 {
		t.Fatalf("total = %d, want 3", resp.Total)
	}
	if resp.Queries[0].Domain != "c.example.com" {
		t.Errorf("first domain = %q", resp.Queries[0].Domain)
	}
	if !resp.Queries[1].Blocked {
		t.Error("second entry should be blocked")
	}
}

func TestQueries_Pagination(t *testing.T) {
	stor := &stubStorage{
		queries: []*storage.QueryLog{
			{ID: 3, Domain: "c.example.com"},
			{ID: 2, Domain: "b.example.com"},
			{ID: 1, Domain: "a.example.com"},
		},
	}
	s := newTestServer(t, stor, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/queries?limit=1&offset=1")
	var resp QueriesResponse
	decodeBody(t, rec, &resp)

	if resp.Total != 1 || resp.Queries[0].Domain != "b.example.com" {
		t.Errorf("got %d entries, first %q, want 1 entry b.example.com",
			resp.Total, resp.Queries[0].Domain)
	}
	if resp.Limit != 1 || resp.Offset != 1 {
		t.Errorf("limit/offset = %d/%d, want 1/1", resp.Limit, resp.Offset)
	}
}

func TestQueries_FilterByDomain(t *testing.T) {
	stor := &stubStorage{
		queries: []*storage.QueryLog{
			{ID: 2, Domain: "b.example.com"},
			{ID: 1, Domain: "a.example.com"},
		},
	}
	s := newTestServer(t, stor, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/queries?domain=A.Example.Com.")
	var resp QueriesResponse
	decodeBody(t, rec, &resp)

	if resp.Total != 1 || resp.Queries[0].Domain != "a.example.com" {
		t.Errorf("domain filter returned %+v", resp.Queries)
	}
}

func TestQueries_NoStorage(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/queries")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestTopDomains(t *testing.T) {
	stor := &stubStorage{
		top: []*storage.DomainStats{
			{Domain: "popular.example.com", QueryCount: 50},
			{Domain: "second.example.com", QueryCount: 10},
		},
	}
	s := newTestServer(t, stor, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/top-domains?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp TopDomainsResponse
	decodeBody(t, rec, &resp)
	if len(resp.Domains) != 2 {
		t.Fatalf("got %d domains, want 2", len(resp.Domains))
	}
	if resp.Domains[0].Queries != 50 {
		t.Errorf("top count = %d, want 50", resp.Domains[0].Queries)
	}
}

func TestBlocklistCheck(t *testing.T) {
	bl := testBlocklist(t,
		[]string{"ads.example.com", "*.tracker.example"},
		[]string{"good.tracker.example"})
	s := newTestServer(t, &stubStorage{}, bl)

	tests := []struct {
		domain          string
		wantBlocked     bool
		wantWhitelisted bool
	}{
		{"ads.example.com", true, false},
		{"sub.tracker.example", true, false},
		{"good.tracker.example", false, true},
		{"unrelated.example", false, false},
	}

	for _, tt := range tests {
		rec := doRequest(t, s, http.MethodGet, "/api/blocklist/check?domain="+tt.domain)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", tt.domain, rec.Code)
		}

		var resp BlocklistCheckResponse
		decodeBody(t, rec, &resp)
		if resp.Blocked != tt.wantBlocked || resp.Whitelisted != tt.wantWhitelisted {
			t.Errorf("%s: blocked=%v whitelisted=%v, want %v/%v",
				tt.domain, resp.Blocked, resp.Whitelisted, tt.wantBlocked, tt.wantWhitelisted)
		}
	}
}

func TestBlocklistCheck_MissingDomain(t *testing.T) {
	s := newTestServer(t, &stubStorage{}, testBlocklist(t, nil, nil))

	rec := doRequest(t, s, http.MethodGet, "/api/blocklist/check")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestBlocklistReload(t *testing.T) {
	bl := testBlocklist(t, []string{"ads.example.com"}, nil)
	s := newTestServer(t, &stubStorage{}, bl)

	rec := doRequest(t, s, http.MethodPost, "/api/blocklist/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp BlocklistReloadResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "ok" || resp.Entries != 1 {
		t.Errorf("reload response = %+v", resp)
	}
}

func TestBlocklistReload_GetRejected(t *testing.T) {
	s := newTestServer(t, &stubStorage{}, testBlocklist(t, nil, nil))

	rec := doRequest(t, s, http.MethodGet, "/api/blocklist/reload")
	if rec.Code == http.StatusOK {
		t.Fatal("GET on reload endpoint should not succeed")
	}
}

func TestServerStartShutdown(t *testing.T) {
	s := newTestServer(t, &stubStorage{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
