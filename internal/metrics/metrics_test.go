package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapshotCounters(t *testing.T) {
	c := NewCollector()

	c.RecordValidationCheck(nil)
	c.RecordValidationCheck([]string{"string", "number"})
	c.RecordRuleMatch("helloworld.greeter.sayhello")
	c.RecordRuleMatch("helloworld.greeter.sayhello")
	c.RecordRuleMiss()
	c.RecordRequest("grpc")
	c.RecordRequest("connect")
	c.RecordRequest("grpc")

	snap := c.Snapshot()
	if snap.Validation.ChecksTotal != 2 || snap.Validation.FailuresTotal != 1 {
		t.Errorf("validation = %+v", snap.Validation)
	}
	if snap.Validation.FailuresByType["string"] != 1 || snap.Validation.FailuresByType["number"] != 1 {
		t.Errorf("failures by type = %v", snap.Validation.FailuresByType)
	}
	if snap.RuleMatching.AttemptsTotal != 3 || snap.RuleMatching.MatchesTotal != 2 || snap.RuleMatching.MissesTotal != 1 {
		t.Errorf("rule matching = %+v", snap.RuleMatching)
	}
	if snap.RuleMatching.MatchesByRule["helloworld.greeter.sayhello"] != 2 {
		t.Errorf("matches by rule = %v", snap.RuleMatching.MatchesByRule)
	}
	if snap.RequestsByProtocol["grpc"] != 2 || snap.RequestsByProtocol["connect"] != 1 {
		t.Errorf("requests = %v", snap.RequestsByProtocol)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("grpc")

	snap := c.Snapshot()
	snap.RequestsByProtocol["grpc"] = 99

	if got := c.Snapshot().RequestsByProtocol["grpc"]; got != 1 {
		t.Errorf("snapshot mutation leaked into collector: %d", got)
	}
}

func TestPrometheusExposition(t *testing.T) {
	c := NewCollector()
	c.RecordRuleMiss()
	c.RecordRequest("grpc_web")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "grpcmock_rule_matching_misses_total 1") {
		t.Errorf("missing miss counter:\n%s", body)
	}
	if !strings.Contains(body, `grpcmock_requests_total{protocol="grpc_web"} 1`) {
		t.Errorf("missing request counter:\n%s", body)
	}
}
