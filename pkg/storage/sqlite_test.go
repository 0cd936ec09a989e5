package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
)

type countingRecorder struct {
	dropped atomic.Int64
}

func (r *countingRecorder) AddDroppedQuery(_ context.Context, count int64) {
	r.dropped.Add(count)
}

func testStorageConfig(t *testing.T) *config.StorageConfig {
	t.Helper()
	return &config.StorageConfig{
		Enabled:       true,
		DatabasePath:  filepath.Join(t.TempDir(), "queries.db"),
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
		RetentionDays: 7,
	}
}

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLite(testStorageConfig(t), nil, logging.NewDefault())
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(domain, clientIP string, blocked bool) *QueryLog {
	outcome := "resolved"
	if blocked {
		outcome = "blocked"
	}
	return &QueryLog{
		Timestamp:      time.Now().UTC(),
		ClientIP:       clientIP,
		Domain:         domain,
		QueryType:      "A",
		Outcome:        outcome,
		ResponseCode:   0,
		Blocked:        blocked,
		ResponseTimeMs: 1.5,
	}
}

func TestNewSQLite_Validation(t *testing.T) {
	logger := logging.NewDefault()

	if _, err := NewSQLite(nil, nil, logger); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewSQLite(nil config) err = %v, want ErrInvalidConfig", err)
	}

	cfg := testStorageConfig(t)
	cfg.DatabasePath = ""
	if _, err := NewSQLite(cfg, nil, logger); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewSQLite with empty path err = %v, want ErrInvalidConfig", err)
	}
}

func TestLogQueryAndRead(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.LogQuery(ctx, testEntry("example.com", "192.0.2.1", false)); err != nil {
		t.Fatalf("LogQuery() failed: %v", err)
	}
	if err := s.LogQuery(ctx, testEntry("ads.example.com", "192.0.2.1", true)); err != nil {
		t.Fatalf("LogQuery() failed: %v", err)
	}
	s.Flush()

	entries, err := s.GetRecentQueries(ctx, 10, 0)
	if err != nil {
		t.Fatalf("GetRecentQueries() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ClientIP != "192.0.2.1" {
			t.Errorf("ClientIP = %q, want 192.0.2.1", e.ClientIP)
		}
		if e.QueryType != "A" {
			t.Errorf("QueryType = %q, want A", e.QueryType)
		}
	}
}

func TestGetQueriesByDomain(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_ = s.LogQuery(ctx, testEntry("one.example.com", "192.0.2.1", false))
	_ = s.LogQuery(ctx, testEntry("two.example.com", "192.0.2.1", false))
	_ = s.LogQuery(ctx, testEntry("one.example.com", "192.0.2.2", false))
	s.Flush()

	entries, err := s.GetQueriesByDomain(ctx, "one.example.com", 10)
	if err != nil {
		t.Fatalf("GetQueriesByDomain() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}
}

func TestGetQueriesByClientIP(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_ = s.LogQuery(ctx, testEntry("a.example.com", "192.0.2.1", false))
	_ = s.LogQuery(ctx, testEntry("b.example.com", "192.0.2.2", false))
	s.Flush()

	entries, err := s.GetQueriesByClientIP(ctx, "192.0.2.2", 10)
	if err != nil {
		t.Fatalf("GetQueriesByClientIP() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Domain != "b.example.com" {
		t.Errorf("got %v, want the single entry from 192.0.2.2", entries)
	}
}

func TestGetStatistics(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_ = s.LogQuery(ctx, testEntry("a.example.com", "192.0.2.1", false))
	_ = s.LogQuery(ctx, testEntry("ads.example.com", "192.0.2.1", true))
	cached := testEntry("a.example.com", "192.0.2.2", false)
	cached.Cached = true
	cached.Outcome = "cache_hit"
	_ = s.LogQuery(ctx, cached)
	s.Flush()

	stats, err := s.GetStatistics(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetStatistics() failed: %v", err)
	}
	if stats.TotalQueries != 3 {
		t.Errorf("TotalQueries = %d, want 3", stats.TotalQueries)
	}
	if stats.BlockedQueries != 1 {
		t.Errorf("BlockedQueries = %d, want 1", stats.BlockedQueries)
	}
	if stats.CachedQueries != 1 {
		t.Errorf("CachedQueries = %d, want 1", stats.CachedQueries)
	}
	if stats.UniqueClients != 2 {
		t.Errorf("UniqueClients = %d, want 2", stats.UniqueClients)
	}
	if stats.BlockRate < 33 || stats.BlockRate > 34 {
		t.Errorf("BlockRate = %f, want ~33.3", stats.BlockRate)
	}
}

func TestGetStatistics_EmptyDatabase(t *testing.T) {
	s := newTestStorage(t)

	stats, err := s.GetStatistics(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("GetStatistics() on empty db failed: %v", err)
	}
	if stats.TotalQueries != 0 || stats.BlockRate != 0 {
		t.Errorf("empty db stats = %+v, want zeros", stats)
	}
}

func TestGetTopDomains(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = s.LogQuery(ctx, testEntry("popular.example.com", "192.0.2.1", false))
	}
	_ = s.LogQuery(ctx, testEntry("rare.example.com", "192.0.2.1", false))
	_ = s.LogQuery(ctx, testEntry("ads.example.com", "192.0.2.1", true))
	s.Flush()

	domains, err := s.GetTopDomains(ctx, 10, false)
	if err != nil {
		t.Fatalf("GetTopDomains() failed: %v", err)
	}
	if len(domains) != 2 {
		t.Fatalf("got %d domains, want 2", len(domains))
	}
	if domains[0].Domain != "popular.example.com" || domains[0].QueryCount != 3 {
		t.Errorf("top domain = %+v, want popular.example.com with 3 queries", domains[0])
	}

	blocked, err := s.GetTopDomains(ctx, 10, true)
	if err != nil {
		t.Fatalf("GetTopDomains(blocked) failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Domain != "ads.example.com" {
		t.Errorf("blocked domains = %v, want ads.example.com only", blocked)
	}
}

func TestCounts(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_ = s.LogQuery(ctx, testEntry("a.example.com", "192.0.2.1", false))
	_ = s.LogQuery(ctx, testEntry("ads.example.com", "192.0.2.1", true))
	s.Flush()

	since := time.Now().Add(-time.Hour)
	if n, err := s.GetQueryCount(ctx, since); err != nil || n != 2 {
		t.Errorf("GetQueryCount = %d, %v, want 2", n, err)
	}
	if n, err := s.GetBlockedCount(ctx, since); err != nil || n != 1 {
		t.Errorf("GetBlockedCount = %d, %v, want 1", n, err)
	}
}

func TestBufferFullDropsEntry(t *testing.T) {
	cfg := testStorageConfig(t)
	cfg.BufferSize = 1
	cfg.FlushInterval = time.Hour // keep the worker idle

	recorder := &countingRecorder{}
	s, err := NewSQLite(cfg, recorder, logging.NewDefault())
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	var dropped int
	for i := 0; i < 50; i++ {
		if err := s.LogQuery(ctx, testEntry(fmt.Sprintf("d%d.example.com", i), "192.0.2.1", false)); errors.Is(err, ErrBufferFull) {
			dropped++
		}
	}

	if dropped == 0 {
		t.Error("expected at least one entry dropped with a full buffer")
	}
	if recorder.dropped.Load() != int64(dropped) {
		t.Errorf("recorder counted %d drops, want %d", recorder.dropped.Load(), dropped)
	}
}

func TestCleanup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	old := testEntry("stale.example.com", "192.0.2.1", false)
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	_ = s.LogQuery(ctx, old)
	_ = s.LogQuery(ctx, testEntry("fresh.example.com", "192.0.2.1", false))
	s.Flush()

	if err := s.Cleanup(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("Cleanup() failed: %v", err)
	}

	entries, err := s.GetRecentQueries(ctx, 10, 0)
	if err != nil {
		t.Fatalf("GetRecentQueries() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Domain != "fresh.example.com" {
		t.Errorf("entries after cleanup = %v, want only fresh.example.com", entries)
	}

	domains, err := s.GetTopDomains(ctx, 10, false)
	if err != nil {
		t.Fatalf("GetTopDomains() failed: %v", err)
	}
	for _, d := range domains {
		if d.Domain == "stale.example.com" {
			t.Error("domain stats for fully pruned domain should be removed")
		}
	}
}

func TestClose(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_ = s.LogQuery(ctx, testEntry("final.example.com", "192.0.2.1", false))

	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if err := s.LogQuery(ctx, testEntry("late.example.com", "192.0.2.1", false)); !errors.Is(err, ErrClosed) {
		t.Errorf("LogQuery after Close err = %v, want ErrClosed", err)
	}
	if _, err := s.GetRecentQueries(ctx, 1, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("GetRecentQueries after Close err = %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() err = %v, want nil", err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStorage(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}
}
