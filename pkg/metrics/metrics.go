package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================
// HTTP request metrics, Go runtime metrics, and the ledger's business
// metrics (quotes, trades, wallet, batch steps, snapshots).
// =============================================================================

var (
	registry = prometheus.NewRegistry()

	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method", "path"},
	)

	// Database metrics
	dbPoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_connections_used",
			Help: "Number of database connections in use",
		},
		[]string{"service"},
	)

	dbPoolConnectionsMax = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_connections_max",
			Help: "Maximum number of database connections",
		},
		[]string{"service"},
	)

	// Kafka metrics
	kafkaMessagesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total number of Kafka messages produced",
		},
		[]string{"topic", "status"},
	)

	// Quote metrics
	quoteProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_provider_requests_total",
			Help: "Quote provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	quoteProviderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quote_provider_duration_seconds",
			Help:    "Quote provider call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8},
		},
		[]string{"provider"},
	)

	quoteCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quote_cache_lookups_total",
			Help: "Quote cache lookups by result",
		},
		[]string{"result"},
	)

	// Ledger metrics
	ledgerTrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_trades_total",
			Help: "Trades applied to the position ledger",
		},
		[]string{"side", "status"},
	)

	walletTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_transactions_total",
			Help: "Wallet ledger mutations",
		},
		[]string{"action", "status"},
	)

	// Batch metrics
	batchRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_rows_total",
			Help: "Rows handled by corporate action batch steps",
		},
		[]string{"step", "outcome"},
	)

	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_duration_seconds",
			Help:    "Corporate action batch step duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"step"},
	)

	portfolioSnapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_snapshots_total",
			Help: "Portfolio snapshot decisions",
		},
		[]string{"result"},
	)
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(httpRequestsTotal)
	registry.MustRegister(httpRequestDuration)

	registry.MustRegister(dbPoolConnections)
	registry.MustRegister(dbPoolConnectionsMax)

	registry.MustRegister(kafkaMessagesProduced)

	registry.MustRegister(quoteProviderRequests)
	registry.MustRegister(quoteProviderDuration)
	registry.MustRegister(quoteCacheLookups)

	registry.MustRegister(ledgerTrades)
	registry.MustRegister(walletTransactions)

	registry.MustRegister(batchRows)
	registry.MustRegister(batchDuration)
	registry.MustRegister(portfolioSnapshots)
}

// Registry returns the prometheus registry
func Registry() *prometheus.Registry {
	return registry
}

// Handler returns a Fiber handler for the /metrics endpoint
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
}

// =============================================================================
// Middleware
// =============================================================================

// Config holds metrics middleware configuration
type Config struct {
	ServiceName string
	SkipPaths   []string
}

// Middleware returns Fiber middleware that records HTTP metrics
func Middleware(cfg Config) fiber.Handler {
	skipPaths := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *fiber.Ctx) error {
		if skipPaths[c.Path()] {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()

		status := strconv.Itoa(c.Response().StatusCode())
		path := c.Route().Path

		httpRequestsTotal.WithLabelValues(cfg.ServiceName, c.Method(), path, status).Inc()
		httpRequestDuration.WithLabelValues(cfg.ServiceName, c.Method(), path).Observe(time.Since(start).Seconds())

		return err
	}
}

// =============================================================================
// Metric Recording Functions
// =============================================================================

// RecordDBPoolStats records database connection pool statistics
func RecordDBPoolStats(service string, used, max int) {
	dbPoolConnections.WithLabelValues(service).Set(float64(used))
	dbPoolConnectionsMax.WithLabelValues(service).Set(float64(max))
}

// RecordKafkaMessageProduced records a publish attempt
func RecordKafkaMessageProduced(topic, status string) {
	kafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}

// RecordQuoteProvider records one provider call and its latency
func RecordQuoteProvider(provider, outcome string, duration time.Duration) {
	quoteProviderRequests.WithLabelValues(provider, outcome).Inc()
	quoteProviderDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordQuoteCache records a cache lookup result: fresh, stale or miss
func RecordQuoteCache(result string) {
	quoteCacheLookups.WithLabelValues(result).Inc()
}

func RecordTrade(side, status string) {
	ledgerTrades.WithLabelValues(side, status).Inc()
}

func RecordWalletTransaction(action, status string) {
	walletTransactions.WithLabelValues(action, status).Inc()
}

// RecordBatch records the outcome counts and duration of one batch step run
func RecordBatch(step string, processed, skipped, errors int, duration time.Duration) {
	batchRows.WithLabelValues(step, "processed").Add(float64(processed))
	batchRows.WithLabelValues(step, "skipped").Add(float64(skipped))
	batchRows.WithLabelValues(step, "error").Add(float64(errors))
	batchDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordSnapshot records a snapshot decision: written, throttled or skipped
func RecordSnapshot(result string) {
	portfolioSnapshots.WithLabelValues(result).Inc()
}
