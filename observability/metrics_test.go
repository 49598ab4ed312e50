package observability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIssuanceObserveCountsOutcomes(t *testing.T) {
	m := Issuance()
	okBefore := testutil.ToFloat64(m.requests.WithLabelValues("mint", "success"))
	failBefore := testutil.ToFloat64(m.requests.WithLabelValues("mint", "error"))
	reasonBefore := testutil.ToFloat64(m.errors.WithLabelValues("mint", "kyc_not_approved"))

	m.Observe(" mint ", time.Millisecond, "")
	m.Observe("mint", time.Millisecond, "kyc_not_approved")

	if diff := testutil.ToFloat64(m.requests.WithLabelValues("mint", "success")) - okBefore; diff != 1 {
		t.Fatalf("expected one success, got %f", diff)
	}
	if diff := testutil.ToFloat64(m.requests.WithLabelValues("mint", "error")) - failBefore; diff != 1 {
		t.Fatalf("expected one failure, got %f", diff)
	}
	if diff := testutil.ToFloat64(m.errors.WithLabelValues("mint", "kyc_not_approved")) - reasonBefore; diff != 1 {
		t.Fatalf("expected reason counter increment, got %f", diff)
	}
}

func TestIssuanceRecordReservesScalesFixedPoint(t *testing.T) {
	m := Issuance()
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	allocated := new(big.Int).Mul(big.NewInt(3), scale)
	preMinted := new(big.Int).Mul(big.NewInt(5), scale)

	m.RecordReserves(" wbtc", allocated, preMinted, 18)

	if got := testutil.ToFloat64(m.reserves.WithLabelValues("WBTC", "allocated")); got != 3 {
		t.Fatalf("unexpected allocated gauge %f", got)
	}
	if got := testutil.ToFloat64(m.reserves.WithLabelValues("WBTC", "available")); got != 2 {
		t.Fatalf("unexpected available gauge %f", got)
	}

	m.RecordIssued(new(big.Int).Mul(big.NewInt(7), scale), 18)
	if got := testutil.ToFloat64(m.issued); got != 7 {
		t.Fatalf("unexpected total issued gauge %f", got)
	}
}

func TestIssuanceGatesAndHalt(t *testing.T) {
	m := Issuance()
	m.SetGates(true, false)
	m.SetHalted(true)
	if testutil.ToFloat64(m.gates.WithLabelValues("paused")) != 1 || testutil.ToFloat64(m.gates.WithLabelValues("minting_frozen")) != 0 {
		t.Fatalf("unexpected gate gauges")
	}
	if testutil.ToFloat64(m.halted) != 1 {
		t.Fatalf("expected halted gauge set")
	}
	m.SetHalted(false)
	if testutil.ToFloat64(m.halted) != 0 {
		t.Fatalf("expected halted gauge cleared")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *IssuanceMetrics
	m.Observe("mint", time.Second, "")
	m.SetHalted(true)
	var o *OracleMetrics
	o.RecordSample("gecko", errors.New("timeout"))
}

func TestOracleAndModuleCounters(t *testing.T) {
	o := Oracle()
	before := testutil.ToFloat64(o.samples.WithLabelValues("gecko", "error"))
	o.RecordSample(" Gecko ", errors.New("timeout"))
	if diff := testutil.ToFloat64(o.samples.WithLabelValues("gecko", "error")) - before; diff != 1 {
		t.Fatalf("expected sample error increment, got %f", diff)
	}

	api := ModuleMetrics()
	before = testutil.ToFloat64(api.errors.WithLabelValues("issuance", "POST", "403"))
	api.Observe("issuance", "POST", 403, time.Millisecond)
	if diff := testutil.ToFloat64(api.errors.WithLabelValues("issuance", "POST", "403")) - before; diff != 1 {
		t.Fatalf("expected api error increment, got %f", diff)
	}
	api.RecordThrottle("issuance", "")
	if got := testutil.CollectAndCount(api.throttles); got < 1 {
		t.Fatalf("expected a throttle series, got %d", got)
	}

	events := Events()
	before = testutil.ToFloat64(events.emitted.WithLabelValues("unknown"))
	events.RecordEvent("  ")
	if diff := testutil.ToFloat64(events.emitted.WithLabelValues("unknown")) - before; diff != 1 {
		t.Fatalf("expected unknown event increment, got %f", diff)
	}
}
