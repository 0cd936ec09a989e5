package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// handleHealth handles GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Uptime:  s.getUptime(),
		Version: s.version,
	})
}

// handleHealthz handles GET /healthz, the liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.writeJSON(w, http.StatusOK, LivenessResponse{Status: "alive"})
}

// handleReadyz handles GET /readyz, the readiness probe. Ready means the
// blocklist has loaded and storage, when configured, answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	checks := make(map[string]string)
	ready := true

	if s.blocklist != nil {
		if s.blocklist.LastLoaded().IsZero() {
			checks["blocklist"] = "not_loaded"
			ready = false
		} else {
			checks["blocklist"] = "ok"
		}
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.storage.Ping(ctx); err != nil {
			checks["storage"] = "unreachable"
			ready = false
		} else {
			checks["storage"] = "ok"
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, ReadinessResponse{Status: status, Checks: checks})
}

// handleStats handles GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	since := parseDuration(r.URL.Query().Get("since"), 24*time.Hour)

	response := StatsResponse{
		Period:    since.String(),
		Timestamp: time.Now().Format(time.RFC3339),
	}

	if s.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats, err := s.storage.GetStatistics(ctx, time.Now().Add(-since))
		if err != nil {
			s.logger.Error("Failed to get statistics", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
			return
		}

		response.TotalQueries = stats.TotalQueries
		response.BlockedQueries = stats.BlockedQueries
		response.CachedQueries = stats.CachedQueries
		response.UniqueDomains = stats.UniqueDomains
		response.UniqueClients = stats.UniqueClients
		response.BlockRate = stats.BlockRate
		response.CacheHitRate = stats.CacheHitRate
		response.AvgResponseMs = stats.AvgResponseTimeMs
	}

	if s.cache != nil {
		cs := s.cache.Stats()
		response.Cache = &CacheStatsResponse{
			Entries:   cs.Entries,
			Hits:      cs.Hits,
			Misses:    cs.Misses,
			Evictions: cs.Evictions,
			HitRate:   cs.HitRate,
		}
	}

	if s.blocklist != nil {
		response.Blocklist = s.blocklistInfo()
	}

	if r.URL.Query().Get("system") != "false" {
		sys := collectSystemMetrics(r.Context())
		response.System = &SystemStatsResponse{
			CPUPercent:   sys.CPUPercent,
			MemUsedBytes: sys.MemUsed,
			MemTotal:     sys.MemTotal,
			MemPercent:   sys.MemPercent,
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleQueries handles GET /api/queries with optional domain= and
// client= filters plus limit/offset pagination.
func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.storage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Storage not available")
		return
	}

	limit := s.recentLimit
	if lp := r.URL.Query().Get("limit"); lp != "" {
		if l, err := strconv.Atoi(lp); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	offset := 0
	if op := r.URL.Query().Get("offset"); op != "" {
		if o, err := strconv.Atoi(op); err == nil && o >= 0 {
			offset = o
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var err error
	var queries []QueryResponse

	switch {
	case r.URL.Query().Get("domain") != "":
		domain := normalizeDomain(r.URL.Query().Get("domain"))
		rows, qerr := s.storage.GetQueriesByDomain(ctx, domain, limit)
		err = qerr
		for _, q := range rows {
			queries = append(queries, convertQueryLog(q))
		}
	case r.URL.Query().Get("client") != "":
		rows, qerr := s.storage.GetQueriesByClientIP(ctx, r.URL.Query().Get("client"), limit)
		err = qerr
		for _, q := range rows {
			queries = append(queries, convertQueryLog(q))
		}
	default:
		rows, qerr := s.storage.GetRecentQueries(ctx, limit, offset)
		err = qerr
		for _, q := range rows {
			queries = append(queries, convertQueryLog(q))
		}
	}

	if err != nil {
		s.logger.Error("Failed to get queries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve queries")
		return
	}

	if queries == nil {
		queries = []QueryResponse{}
	}

	s.writeJSON(w, http.StatusOK, QueriesResponse{
		Queries: queries,
		Total:   len(queries),
		Limit:   limit,
		Offset:  offset,
	})
}

// handleTopDomains handles GET /api/top-domains
func (s *Server) handleTopDomains(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.storage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Storage not available")
		return
	}

	limit := 10
	if lp := r.URL.Query().Get("limit"); lp != "" {
		if l, err := strconv.Atoi(lp); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	blocked := r.URL.Query().Get("blocked") == "true"

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	domains, err := s.storage.GetTopDomains(ctx, limit, blocked)
	if err != nil {
		s.logger.Error("Failed to get top domains", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve top domains")
		return
	}

	domainResponses := make([]DomainStatsResponse, 0, len(domains))
	for _, d := range domains {
		domainResponses = append(domainResponses, convertDomainStats(d))
	}

	s.writeJSON(w, http.StatusOK, TopDomainsResponse{
		Domains: domainResponses,
		Limit:   limit,
	})
}

// handleBlocklistInfo handles GET /api/blocklist
func (s *Server) handleBlocklistInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.blocklist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blocklist not available")
		return
	}

	s.writeJSON(w, http.StatusOK, s.blocklistInfo())
}

// handleBlocklistCheck handles GET /api/blocklist/check?domain=
func (s *Server) handleBlocklistCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	domain := normalizeDomain(r.URL.Query().Get("domain"))
	if domain == "" {
		s.writeError(w, http.StatusBadRequest, "Domain is required")
		return
	}

	if s.blocklist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blocklist not available")
		return
	}

	decision := s.blocklist.Match(domain)
	s.writeJSON(w, http.StatusOK, BlocklistCheckResponse{
		Domain:      domain,
		Blocked:     decision.Blocked,
		Whitelisted: decision.Whitelisted,
		Pattern:     decision.Pattern,
		Source:      decision.Source,
	})
}

// handleBlocklistReload handles POST /api/blocklist/reload
func (s *Server) handleBlocklistReload(w http.ResponseWriter, r *http.Request) {
	if s.blocklist == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Blocklist not available")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	if err := s.blocklist.Update(ctx); err != nil {
		s.logger.Error("Failed to reload blocklist", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to reload blocklist")
		return
	}

	s.writeJSON(w, http.StatusOK, BlocklistReloadResponse{
		Status:  "ok",
		Entries: s.blocklist.Size(),
		Message: "Blocklist reloaded",
	})
}

func (s *Server) blocklistInfo() *BlocklistInfo {
	stats := s.blocklist.Stats()
	info := &BlocklistInfo{
		TotalEntries:  stats["total"],
		ExactEntries:  stats["exact"],
		WildcardRules: stats["wildcard"],
		AllowEntries:  stats["allow_exact"] + stats["allow_wildcard"],
	}
	if ts := s.blocklist.LastLoaded(); !ts.IsZero() {
		info.LastLoaded = ts.UTC().Format(time.RFC3339)
	}
	return info
}

func normalizeDomain(value string) string {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	return strings.TrimSuffix(trimmed, ".")
}
