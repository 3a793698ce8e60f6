package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector tracks process-wide mock server counters. Counters are
// monotonic and reset only on process exit; reloads do not touch them.
// The same increments feed a Prometheus registry for /metrics and
// mutex-guarded maps for the JSON status snapshot.
type Collector struct {
	mu sync.RWMutex

	validationChecks   int64
	validationFailures int64
	failuresByType     map[string]int64

	matchAttempts int64
	matchHits     int64
	matchMisses   int64
	matchesByRule map[string]int64

	requestsByProtocol map[string]int64

	registry *prometheus.Registry

	promChecks   prometheus.Counter
	promFailures *prometheus.CounterVec
	promAttempts prometheus.Counter
	promMatches  *prometheus.CounterVec
	promMisses   prometheus.Counter
	promRequests *prometheus.CounterVec
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		failuresByType:     make(map[string]int64),
		matchesByRule:      make(map[string]int64),
		requestsByProtocol: make(map[string]int64),
		registry:           prometheus.NewRegistry(),
		promChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grpcmock_validation_checks_total",
			Help: "Total validation checks performed",
		}),
		promFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grpcmock_validation_failures_total",
			Help: "Total validation failures by constraint type",
		}, []string{"type"}),
		promAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grpcmock_rule_matching_attempts_total",
			Help: "Total rule lookup attempts",
		}),
		promMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grpcmock_rule_matching_matches_total",
			Help: "Total rule matches by rule key",
		}, []string{"rule"}),
		promMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grpcmock_rule_matching_misses_total",
			Help: "Total rule lookups with no rule document",
		}),
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grpcmock_requests_total",
			Help: "Total requests by wire protocol",
		}, []string{"protocol"}),
	}
	c.registry.MustRegister(c.promChecks, c.promFailures, c.promAttempts, c.promMatches, c.promMisses, c.promRequests)
	return c
}

// RecordValidationCheck records one validation run and its outcome.
// failedTypes carries one entry per violated constraint kind.
func (c *Collector) RecordValidationCheck(failedTypes []string) {
	c.mu.Lock()
	c.validationChecks++
	if len(failedTypes) > 0 {
		c.validationFailures++
		for _, t := range failedTypes {
			c.failuresByType[t]++
		}
	}
	c.mu.Unlock()

	c.promChecks.Inc()
	for _, t := range failedTypes {
		c.promFailures.WithLabelValues(t).Inc()
	}
}

// RecordRuleMatch records a rule lookup that found a rule document.
func (c *Collector) RecordRuleMatch(ruleKey string) {
	c.mu.Lock()
	c.matchAttempts++
	c.matchHits++
	c.matchesByRule[ruleKey]++
	c.mu.Unlock()

	c.promAttempts.Inc()
	c.promMatches.WithLabelValues(ruleKey).Inc()
}

// RecordRuleMiss records a rule lookup with no rule document.
func (c *Collector) RecordRuleMiss() {
	c.mu.Lock()
	c.matchAttempts++
	c.matchMisses++
	c.mu.Unlock()

	c.promAttempts.Inc()
	c.promMisses.Inc()
}

// RecordRequest records one inbound request on the named wire protocol
// (grpc, grpc_tls, connect, grpc_web, grpc_h2).
func (c *Collector) RecordRequest(protocol string) {
	c.mu.Lock()
	c.requestsByProtocol[protocol]++
	c.mu.Unlock()

	c.promRequests.WithLabelValues(protocol).Inc()
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Validation struct {
		ChecksTotal    int64            `json:"checks_total"`
		FailuresTotal  int64            `json:"failures_total"`
		FailuresByType map[string]int64 `json:"failures_by_type"`
	} `json:"validation"`
	RuleMatching struct {
		AttemptsTotal int64            `json:"attempts_total"`
		MatchesTotal  int64            `json:"matches_total"`
		MissesTotal   int64            `json:"misses_total"`
		MatchesByRule map[string]int64 `json:"matches_by_rule"`
	} `json:"rule_matching"`
	RequestsByProtocol map[string]int64 `json:"requests_by_protocol"`
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &Snapshot{RequestsByProtocol: make(map[string]int64, len(c.requestsByProtocol))}
	snap.Validation.ChecksTotal = c.validationChecks
	snap.Validation.FailuresTotal = c.validationFailures
	snap.Validation.FailuresByType = make(map[string]int64, len(c.failuresByType))
	for k, v := range c.failuresByType {
		snap.Validation.FailuresByType[k] = v
	}
	snap.RuleMatching.AttemptsTotal = c.matchAttempts
	snap.RuleMatching.MatchesTotal = c.matchHits
	snap.RuleMatching.MissesTotal = c.matchMisses
	snap.RuleMatching.MatchesByRule = make(map[string]int64, len(c.matchesByRule))
	for k, v := range c.matchesByRule {
		snap.RuleMatching.MatchesByRule[k] = v
	}
	for k, v := range c.requestsByProtocol {
		snap.RequestsByProtocol[k] = v
	}
	return snap
}

// Handler returns the Prometheus exposition handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
