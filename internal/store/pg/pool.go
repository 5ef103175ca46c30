package pg

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"

	"fertyflow.org/internal/config"
	"fertyflow.org/internal/obs"
)

// PoolConfig bounds the shared connection pool.
type PoolConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	// MaxUses recycles a connection after that many checkouts. Zero disables.
	MaxUses int64
}

// PoolConfigFrom maps the database section of the service config.
func PoolConfigFrom(d config.DatabaseConfig) PoolConfig {
	return PoolConfig{
		DSN:            d.DSN(),
		MaxConns:       d.MaxConns,
		MinConns:       d.MinConns,
		IdleTimeout:    d.IdleTimeout.D(),
		ConnectTimeout: d.ConnectTimeout.D(),
		MaxUses:        d.MaxUses,
	}
}

// ParsePoolConfig turns PoolConfig into a pgxpool configuration without
// opening any connection.
func ParsePoolConfig(cfg PoolConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.IdleTimeout > 0 {
		pc.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.ConnectTimeout > 0 {
		pc.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.MaxUses > 0 {
		limiter := newUseLimiter(cfg.MaxUses)
		pc.AfterRelease = limiter.release
		pc.BeforeClose = limiter.forget
	}
	return pc, nil
}

// OpenPool connects the pool and verifies it with a ping that logs the
// server clock.
func OpenPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := ParsePoolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	var now time.Time
	if err := pool.QueryRow(pingCtx, `select now()`).Scan(&now); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	obs.Logger().Info("database connected",
		"server_time", now.UTC().Format(time.RFC3339),
		"max_conns", pc.MaxConns,
		"min_conns", pc.MinConns,
	)
	return pool, nil
}

// NewDB exposes the pool through database/sql. Idle caching on the sql.DB
// side is disabled so every connection goes back to pgxpool on release and
// the pool's bounds and recycling stay authoritative.
func NewDB(pool *pgxpool.Pool) *sql.DB {
	db := stdlib.OpenDBFromPool(pool)
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(int(pool.Config().MaxConns))
	return db
}

// useLimiter counts checkouts per physical connection.
type useLimiter struct {
	max  int64
	mu   sync.Mutex
	uses map[*pgx.Conn]int64
}

func newUseLimiter(max int64) *useLimiter {
	return &useLimiter{max: max, uses: make(map[*pgx.Conn]int64)}
}

// release reports whether the connection may return to the pool.
func (l *useLimiter) release(c *pgx.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.uses[c]++
	if l.uses[c] >= l.max {
		delete(l.uses, c)
		return false
	}
	return true
}

func (l *useLimiter) forget(c *pgx.Conn) {
	l.mu.Lock()
	delete(l.uses, c)
	l.mu.Unlock()
}

func (l *useLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.uses)
}

// PoolCollector exports pgxpool statistics to Prometheus.
type PoolCollector struct {
	stat func() *pgxpool.Stat

	acquired    *prometheus.Desc
	idle        *prometheus.Desc
	total       *prometheus.Desc
	max         *prometheus.Desc
	acquires    *prometheus.Desc
	emptyWaits  *prometheus.Desc
	idleEvicted *prometheus.Desc
	newConns    *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector reads stats from pool on every scrape.
func NewPoolCollector(pool *pgxpool.Pool) *PoolCollector {
	return newPoolCollector(pool.Stat)
}

func newPoolCollector(stat func() *pgxpool.Stat) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("db_pool_"+name, help, nil, nil)
	}
	return &PoolCollector{
		stat:        stat,
		acquired:    desc("acquired_conns", "Connections currently checked out."),
		idle:        desc("idle_conns", "Idle connections."),
		total:       desc("total_conns", "Open connections."),
		max:         desc("max_conns", "Configured maximum connections."),
		acquires:    desc("acquires_total", "Successful acquires."),
		emptyWaits:  desc("empty_acquires_total", "Acquires that waited for a connection."),
		idleEvicted: desc("idle_destroyed_total", "Connections closed for idling."),
		newConns:    desc("new_conns_total", "Connections opened."),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.acquired, c.idle, c.total, c.max, c.acquires, c.emptyWaits, c.idleEvicted, c.newConns} {
		ch <- d
	}
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stat()
	if s == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.emptyWaits, prometheus.CounterValue, float64(s.EmptyAcquireCount()))
	ch <- prometheus.MustNewConstMetric(c.idleEvicted, prometheus.CounterValue, float64(s.MaxIdleDestroyCount()))
	ch <- prometheus.MustNewConstMetric(c.newConns, prometheus.CounterValue, float64(s.NewConnsCount()))
}
