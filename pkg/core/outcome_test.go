package core

import (
	"errors"
	"testing"
	"time"
)

func TestOutcomeConstructors(t *testing.T) {
	if o := Deduplicated(); o.Kind != OutcomeDeduplicated {
		t.Fatalf("Deduplicated: got kind %v", o.Kind)
	}
	if o := Suppressed("rule-1"); o.Kind != OutcomeSuppressed || o.MatchedRule != "rule-1" {
		t.Fatalf("Suppressed: got %+v", o)
	}
	if o := Rerouted("slack", "email", nil); o.Kind != OutcomeRerouted || o.FromProvider != "slack" || o.ToProvider != "email" {
		t.Fatalf("Rerouted: got %+v", o)
	}
	if o := Throttled(5 * time.Second); o.Kind != OutcomeThrottled || o.RetryAfter != 5*time.Second {
		t.Fatalf("Throttled: got %+v", o)
	}
	if o := Grouped("g1"); o.Kind != OutcomeGrouped || o.GroupKey != "g1" {
		t.Fatalf("Grouped: got %+v", o)
	}
	if o := PendingApproval("tok-1"); o.Kind != OutcomePendingApprove || o.TokenID != "tok-1" {
		t.Fatalf("PendingApproval: got %+v", o)
	}
	if o := ChainStarted("chain-1"); o.Kind != OutcomeChainStarted || o.ChainID != "chain-1" {
		t.Fatalf("ChainStarted: got %+v", o)
	}
	if o := CircuitOpen("pagerduty"); o.Kind != OutcomeCircuitOpen || o.Provider != "pagerduty" {
		t.Fatalf("CircuitOpen: got %+v", o)
	}
	at := time.Now()
	if o := Scheduled(at); o.Kind != OutcomeScheduled || !o.At.Equal(at) {
		t.Fatalf("Scheduled: got %+v", o)
	}
}

func TestFailed_CarriesReasonAndRetryable(t *testing.T) {
	err := errors.New("boom")
	o := Failed(err, true)
	if o.Kind != OutcomeFailed || o.Err != err || o.ErrReason != "boom" || !o.Retryable {
		t.Fatalf("Failed: got %+v", o)
	}
}

func TestFailed_NilErr(t *testing.T) {
	o := Failed(nil, false)
	if o.ErrReason != "" {
		t.Fatalf("Failed(nil, false) should leave ErrReason empty, got %q", o.ErrReason)
	}
}

func TestDryRun_CarriesVerdictAndRule(t *testing.T) {
	v := &Verdict{Kind: VerdictSuppress, SuppressReason: "noisy"}
	o := DryRun(v, "rule-a")
	if o.Kind != OutcomeDryRun || o.Verdict != v || o.MatchedRule != "rule-a" {
		t.Fatalf("DryRun: got %+v", o)
	}
}
