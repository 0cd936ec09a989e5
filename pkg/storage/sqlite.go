package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"dns-agent/pkg/config"
	"dns-agent/pkg/logging"
)

// MetricsRecorder records storage-side metrics without importing the
// telemetry package directly.
type MetricsRecorder interface {
	AddDroppedQuery(ctx context.Context, count int64)
}

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	client_ip TEXT NOT NULL,
	domain TEXT NOT NULL,
	query_type TEXT NOT NULL,
	outcome TEXT NOT NULL,
	response_code INTEGER NOT NULL,
	blocked BOOLEAN NOT NULL,
	cached BOOLEAN NOT NULL,
	response_time_ms REAL NOT NULL,
	upstream TEXT
);

CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
CREATE INDEX IF NOT EXISTS idx_queries_domain ON queries(domain);
CREATE INDEX IF NOT EXISTS idx_queries_client_ip ON queries(client_ip);

CREATE TABLE IF NOT EXISTS domain_stats (
	domain TEXT PRIMARY KEY,
	query_count INTEGER NOT NULL DEFAULT 0,
	last_queried DATETIME,
	blocked BOOLEAN NOT NULL DEFAULT 0
);
`

// SQLiteStorage implements Storage on a local SQLite database. Writes go
// through a buffered channel and are batched by a background worker so
// query handling never waits on disk.
type SQLiteStorage struct {
	db         *sql.DB
	cfg        *config.StorageConfig
	metrics    MetricsRecorder
	logger     *logging.Logger
	buffer     chan *QueryLog
	stmtInsert *sql.Stmt
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

// NewSQLite opens (or creates) the database at cfg.DatabasePath and starts
// the flush worker.
func NewSQLite(cfg *config.StorageConfig, metrics MetricsRecorder, logger *logging.Logger) (*SQLiteStorage, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", ErrInvalidConfig)
	}
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidConfig)
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, domain, query_type, outcome, response_code, blocked, cached, response_time_ms, upstream)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s := &SQLiteStorage{
		db:         db,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
		buffer:     make(chan *QueryLog, cfg.BufferSize),
		stmtInsert: stmtInsert,
	}

	s.wg.Add(1)
	go s.flushWorker()

	logger.Info("Query log storage initialized",
		"path", cfg.DatabasePath,
		"buffer_size", cfg.BufferSize,
		"batch_size", cfg.BatchSize,
		"flush_interval", cfg.FlushInterval,
	)

	return s, nil
}

// LogQuery enqueues an entry without ever blocking the caller.
func (s *SQLiteStorage) LogQuery(ctx context.Context, entry *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	select {
	case s.buffer <- entry:
		return nil
	default:
		if s.metrics != nil {
			s.metrics.AddDroppedQuery(ctx, 1)
		}
		return ErrBufferFull
	}
}

// flushWorker drains the buffer, batching entries into one transaction per
// flush. It flushes when the batch is full or the flush interval elapses,
// and drains whatever remains when the buffer is closed.
func (s *SQLiteStorage) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*QueryLog, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flushBatch(batch); err != nil {
			s.logger.Error("Failed to flush query batch",
				"error", err,
				"batch_size", len(batch),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.buffer:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *SQLiteStorage) flushBatch(entries []*QueryLog) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := tx.Stmt(s.stmtInsert)
	for _, e := range entries {
		_, err := stmt.Exec(
			e.Timestamp,
			e.ClientIP,
			e.Domain,
			e.QueryType,
			e.Outcome,
			e.ResponseCode,
			e.Blocked,
			e.Cached,
			e.ResponseTimeMs,
			e.Upstream,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	s.updateDomainStats(entries)
	return nil
}

// updateDomainStats maintains the per-domain counters the dashboard's
// top-domains view reads. Failures are logged, never propagated.
func (s *SQLiteStorage) updateDomainStats(entries []*QueryLog) {
	for _, e := range entries {
		_, err := s.db.Exec(`
			INSERT INTO domain_stats (domain, query_count, last_queried, blocked)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(domain) DO UPDATE SET
				query_count = query_count + 1,
				last_queried = excluded.last_queried,
				blocked = excluded.blocked
		`, e.Domain, e.Timestamp, e.Blocked)
		if err != nil {
			s.logger.Error("Failed to update domain statistics",
				"error", err,
				"domain", e.Domain,
			)
		}
	}
}

// Flush forces any buffered entries to disk. Used by tests and shutdown
// paths that need read-after-write visibility.
func (s *SQLiteStorage) Flush() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	for {
		select {
		case entry := <-s.buffer:
			if err := s.flushBatch([]*QueryLog{entry}); err != nil {
				s.logger.Error("Failed to flush query entry", "error", err)
			}
		default:
			return
		}
	}
}

// GetRecentQueries returns the newest entries with pagination.
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, query_type, outcome,
		       response_code, blocked, cached, response_time_ms, upstream
		FROM queries
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByDomain returns entries for one domain, newest first.
func (s *SQLiteStorage) GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, query_type, outcome,
		       response_code, blocked, cached, response_time_ms, upstream
		FROM queries
		WHERE domain = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetQueriesByClientIP returns entries from one client, newest first.
func (s *SQLiteStorage) GetQueriesByClientIP(ctx context.Context, clientIP string, limit int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, domain, query_type, outcome,
		       response_code, blocked, cached, response_time_ms, upstream
		FROM queries
		WHERE client_ip = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, clientIP, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	return scanQueryLogs(rows)
}

// GetStatistics aggregates the window since the given time.
func (s *SQLiteStorage) GetStatistics(ctx context.Context, since time.Time) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	stats := &Statistics{
		Since: since,
		Until: time.Now().UTC(),
	}

	var avg sql.NullFloat64
	var blocked, cached sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN blocked THEN 1 ELSE 0 END),
			SUM(CASE WHEN cached THEN 1 ELSE 0 END),
			COUNT(DISTINCT domain),
			COUNT(DISTINCT client_ip),
			AVG(response_time_ms)
		FROM queries
		WHERE timestamp >= ?
	`, since).Scan(
		&stats.TotalQueries,
		&blocked,
		&cached,
		&stats.UniqueDomains,
		&stats.UniqueClients,
		&avg,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	stats.BlockedQueries = blocked.Int64
	stats.CachedQueries = cached.Int64
	stats.AvgResponseTimeMs = avg.Float64

	if stats.TotalQueries > 0 {
		stats.BlockRate = float64(stats.BlockedQueries) / float64(stats.TotalQueries) * 100
		stats.CacheHitRate = float64(stats.CachedQueries) / float64(stats.TotalQueries) * 100
	}

	return stats, nil
}

// GetTopDomains returns the most queried domains, filtered on whether
// their latest query was blocked.
func (s *SQLiteStorage) GetTopDomains(ctx context.Context, limit int, blocked bool) ([]*DomainStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, query_count, last_queried, blocked
		FROM domain_stats
		WHERE blocked = ?
		ORDER BY query_count DESC
		LIMIT ?
	`, blocked, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	var domains []*DomainStats
	for rows.Next() {
		var d DomainStats
		var last sql.NullTime
		if err := rows.Scan(&d.Domain, &d.QueryCount, &last, &d.Blocked); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		if last.Valid {
			d.LastQueried = last.Time
		}
		domains = append(domains, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	return domains, nil
}

// GetQueryCount returns the number of queries since the given time.
func (s *SQLiteStorage) GetQueryCount(ctx context.Context, since time.Time) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM queries WHERE timestamp >= ?`, since)
}

// GetBlockedCount returns the number of blocked queries since the given time.
func (s *SQLiteStorage) GetBlockedCount(ctx context.Context, since time.Time) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM queries WHERE blocked = 1 AND timestamp >= ?`, since)
}

func (s *SQLiteStorage) count(ctx context.Context, query string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return count, nil
}

// Cleanup deletes entries older than the given time and prunes domain
// stats for domains with no remaining queries.
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE timestamp < ?`, olderThan)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM domain_stats
		WHERE domain NOT IN (SELECT DISTINCT domain FROM queries)
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	if deleted, _ := result.RowsAffected(); deleted > 0 {
		s.logger.Info("Query log cleanup completed",
			"deleted", deleted,
			"older_than", olderThan,
		)
	}
	return nil
}

// Close drains outstanding writes and closes the database.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	if s.stmtInsert != nil {
		_ = s.stmtInsert.Close()
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func scanQueryLogs(rows *sql.Rows) ([]*QueryLog, error) {
	var entries []*QueryLog

	for rows.Next() {
		var q QueryLog
		var upstream sql.NullString

		err := rows.Scan(
			&q.ID,
			&q.Timestamp,
			&q.ClientIP,
			&q.Domain,
			&q.QueryType,
			&q.Outcome,
			&q.ResponseCode,
			&q.Blocked,
			&q.Cached,
			&q.ResponseTimeMs,
			&upstream,
		)
		if err != nil {
			return nil, err
		}

		if upstream.Valid {
			q.Upstream = upstream.String
		}
		entries = append(entries, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
