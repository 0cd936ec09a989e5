package api

import (
	"time"

	"dns-agent/pkg/storage"
)

// HealthResponse is the /api/health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// LivenessResponse is the /healthz payload.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse is the /readyz payload.
type ReadinessResponse struct {
	Status string            `json:"status"` // "ready" or "not_ready"
	Checks map[string]string `json:"checks"`
}

// StatsResponse aggregates query, cache, blocklist and host statistics.
type StatsResponse struct {
	TotalQueries   int64   `json:"total_queries"`
	BlockedQueries int64   `json:"blocked_queries"`
	CachedQueries  int64   `json:"cached_queries"`
	UniqueDomains  int64   `json:"unique_domains"`
	UniqueClients  int64   `json:"unique_clients"`
	BlockRate      float64 `json:"block_rate"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	AvgResponseMs  float64 `json:"avg_response_ms"`
	Period         string  `json:"period"`
	Timestamp      string  `json:"timestamp"`

	Cache     *CacheStatsResponse  `json:"cache,omitempty"`
	Blocklist *BlocklistInfo       `json:"blocklist,omitempty"`
	System    *SystemStatsResponse `json:"system,omitempty"`
}

// CacheStatsResponse reports in-memory cache counters.
type CacheStatsResponse struct {
	Entries   int     `json:"entries"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// BlocklistInfo reports the loaded blocklist shape.
type BlocklistInfo struct {
	TotalEntries  int    `json:"total_entries"`
	ExactEntries  int    `json:"exact_entries"`
	WildcardRules int    `json:"wildcard_rules"`
	AllowEntries  int    `json:"allow_entries"`
	LastLoaded    string `json:"last_loaded,omitempty"`
}

// SystemStatsResponse reports host resource usage.
type SystemStatsResponse struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemUsedBytes uint64  `json:"mem_used_bytes"`
	MemTotal     uint64  `json:"mem_total_bytes"`
	MemPercent   float64 `json:"mem_percent"`
}

// QueryResponse is a single query log entry.
type QueryResponse struct {
	ID             int64   `json:"id"`
	Timestamp      string  `json:"timestamp"`
	ClientIP       string  `json:"client_ip"`
	Domain         string  `json:"domain"`
	QueryType      string  `json:"query_type"`
	Outcome        string  `json:"outcome"`
	ResponseCode   int     `json:"response_code"`
	Blocked        bool    `json:"blocked"`
	Cached         bool    `json:"cached"`
	ResponseTimeMs float64 `json:"response_time_ms"`
	Upstream       string  `json:"upstream,omitempty"`
}

// QueriesResponse is the paginated query feed.
type QueriesResponse struct {
	Queries []QueryResponse `json:"queries"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// DomainStatsResponse is a per-domain aggregate.
type DomainStatsResponse struct {
	Domain  string `json:"domain"`
	Queries int64  `json:"queries"`
	Blocked bool   `json:"blocked"`
}

// TopDomainsResponse lists the most queried domains.
type TopDomainsResponse struct {
	Domains []DomainStatsResponse `json:"domains"`
	Limit   int                   `json:"limit"`
}

// BlocklistCheckResponse answers a lookup against the live matcher.
type BlocklistCheckResponse struct {
	Domain      string `json:"domain"`
	Blocked     bool   `json:"blocked"`
	Whitelisted bool   `json:"whitelisted"`
	Pattern     string `json:"pattern,omitempty"`
	Source      string `json:"source,omitempty"`
}

// BlocklistReloadResponse is the blocklist reload result.
type BlocklistReloadResponse struct {
	Status  string `json:"status"`
	Entries int    `json:"entries"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the generic error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func convertQueryLog(q *storage.QueryLog) QueryResponse {
	return QueryResponse{
		ID:             q.ID,
		Timestamp:      q.Timestamp.Format(time.RFC3339),
		ClientIP:       q.ClientIP,
		Domain:         q.Domain,
		QueryType:      q.QueryType,
		Outcome:        q.Outcome,
		ResponseCode:   q.ResponseCode,
		Blocked:        q.Blocked,
		Cached:         q.Cached,
		ResponseTimeMs: q.ResponseTimeMs,
		Upstream:       q.Upstream,
	}
}

func convertDomainStats(d *storage.DomainStats) DomainStatsResponse {
	return DomainStatsResponse{
		Domain:  d.Domain,
		Queries: d.QueryCount,
		Blocked: d.Blocked,
	}
}
