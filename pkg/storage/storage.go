// Package storage persists the query log and serves the aggregate views
// the dashboard reads.
package storage

import (
	"context"
	"time"
)

// Storage is the query log backend. Implementations must be safe for
// concurrent use.
type Storage interface {
	// LogQuery enqueues one log entry. It never blocks the caller; when
	// the write buffer is full the entry is dropped and ErrBufferFull
	// returned.
	LogQuery(ctx context.Context, entry *QueryLog) error

	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)
	GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error)

	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error)
	GetQueryCount(ctx context.Context, since time.Time) (int64, error)
	GetBlockedCount(ctx context.Context, since time.Time) (int64, error)

	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// QueryLog is a single resolved query as recorded after the response was
// sent to the client.
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	Outcome        string    `json:"outcome"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Blocked        bool      `json:"blocked"`
	Cached         bool      `json:"cached"`
}

// Statistics is the aggregate view over a time window.
type Statistics struct {
	Since             time.Time `json:"since"`
	Until             time.Time `json:"until"`
	TotalQueries      int64     `json:"total_queries"`
	BlockedQueries    int64     `json:"blocked_queries"`
	CachedQueries     int64     `json:"cached_queries"`
	UniqueDomains     int64     `json:"unique_domains"`
	UniqueClients     int64     `json:"unique_clients"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	BlockRate         float64   `json:"block_rate"`
	CacheHitRate      float64   `json:"cache_hit_rate"`
}

// DomainStats aggregates the query history for one domain.
type DomainStats struct {
	LastQueried time.Time `json:"last_queried"`
	Domain      string    `json:"domain"`
	QueryCount  int64     `json:"query_count"`
	Blocked     bool      `json:"blocked"`
}
