package scratchpad

import (
	"encoding/json"
	"slices"
	"testing"
)

func valuePropKeys() []string {
	return []string{
		KeyBackground, KeyInterests, KeyProblemMotivation, KeyAnythingElse,
		KeyUseCase, KeyProblem, KeyTargetCustomer, KeySolution, KeyMainBenefit,
		KeyDifferentiator, KeyResearchRequests, KeyCachedRecommendations, KeyFinalSummary,
	}
}

func TestNewDeclaresEmptyKeys(t *testing.T) {
	sp := New(valuePropKeys()...)
	for _, k := range valuePropKeys() {
		if !sp.Has(k) {
			t.Errorf("expected key %q to be declared", k)
		}
		if k != KeyResearchRequests && sp.Get(k) != "" {
			t.Errorf("expected empty value for %q, got %q", k, sp.Get(k))
		}
	}
	if len(sp.Research()) != 0 {
		t.Errorf("expected no research requests, got %v", sp.Research())
	}
}

func TestResetKeepsKeys(t *testing.T) {
	sp := New(valuePropKeys()...)
	sp.Set(KeyProblem, "clinics lose track of referrals")
	sp.AddResearchRequest("referral leakage")
	sp.Reset()

	if sp.Get(KeyProblem) != "" {
		t.Errorf("expected problem to be cleared, got %q", sp.Get(KeyProblem))
	}
	if !sp.Has(KeyProblem) {
		t.Error("expected problem key to survive reset")
	}
	if len(sp.Research()) != 0 {
		t.Errorf("expected research cleared, got %v", sp.Research())
	}
}

func TestAliasesFoldIntoCanonicalKey(t *testing.T) {
	sp := New(valuePropKeys()...)
	sp.Set("vp_use_case", "triage at night")
	if got := sp.Get(KeyUseCase); got != "triage at night" {
		t.Errorf("expected alias write to land on use_case, got %q", got)
	}
	if sp.Has("target_user") != sp.Has(KeyTargetCustomer) {
		t.Error("expected target_user to resolve to target_customer")
	}
}

func TestCloneIsDeep(t *testing.T) {
	sp := New(valuePropKeys()...)
	sp.Set(KeyProblem, "original")
	clone := sp.Clone()
	clone.Set(KeyProblem, "changed")
	clone.AddResearchRequest("query")

	if sp.Get(KeyProblem) != "original" {
		t.Errorf("expected original untouched, got %q", sp.Get(KeyProblem))
	}
	if len(sp.Research()) != 0 {
		t.Errorf("expected original research untouched, got %v", sp.Research())
	}
}

func TestSnapshotIsFlatObject(t *testing.T) {
	sp := New(valuePropKeys()...)
	sp.Set(KeySolution, "a shared referral inbox")
	sp.AddResearchRequest("referral software market")

	data, err := json.Marshal(sp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(flat) != len(valuePropKeys()) {
		t.Errorf("expected %d keys in snapshot, got %d: %v", len(valuePropKeys()), len(flat), flat)
	}
	if flat[KeySolution] != "a shared referral inbox" {
		t.Errorf("unexpected solution in snapshot: %v", flat[KeySolution])
	}
	research, ok := flat[KeyResearchRequests].([]any)
	if !ok || len(research) != 1 {
		t.Errorf("expected research_requests list with one entry, got %v", flat[KeyResearchRequests])
	}
}

func TestUnmarshalLegacySnapshot(t *testing.T) {
	legacy := `{"problem":"p","vp_use_case":"legacy case","customer_segment":"nurses",
		"research_requests":[{"query":"nurse burnout"}]}`
	sp := New(valuePropKeys()...)
	if err := json.Unmarshal([]byte(legacy), sp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sp.Get(KeyUseCase) != "legacy case" {
		t.Errorf("expected use_case from alias, got %q", sp.Get(KeyUseCase))
	}
	if sp.Get(KeyTargetCustomer) != "nurses" {
		t.Errorf("expected target_customer from alias, got %q", sp.Get(KeyTargetCustomer))
	}
	if r := sp.Research(); len(r) != 1 || r[0] != "nurse burnout" {
		t.Errorf("expected research query from object form, got %v", r)
	}
}

func TestUnmarshalCanonicalWinsOverAlias(t *testing.T) {
	sp := New(valuePropKeys()...)
	raw := `{"use_case":"canonical","vp_use_case":"alias"}`
	if err := json.Unmarshal([]byte(raw), sp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sp.Get(KeyUseCase) != "canonical" {
		t.Errorf("expected canonical value to win, got %q", sp.Get(KeyUseCase))
	}
}

func TestRoundTripKeepsDeclaredOrder(t *testing.T) {
	keys := []string{KeyBackground, KeyInterests, KeyUseCase, KeyProblem, KeyTargetCustomer}
	sp := New(keys...)
	sp.Set(KeyProblem, "charting takes two hours a day")

	data, err := json.Marshal(sp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Scratchpad
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := back.Keys(); !slices.Equal(got, keys) {
		t.Errorf("keys after round trip = %v, want %v", got, keys)
	}
	if back.Get(KeyProblem) != "charting takes two hours a day" {
		t.Errorf("value lost: %q", back.Get(KeyProblem))
	}
}

func TestDeclareRestoresOrder(t *testing.T) {
	var sp Scratchpad
	if err := json.Unmarshal([]byte(`{"problem":"p","zz_extra":"x","vp_background":"b"}`), &sp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sp.Declare(KeyBackground, KeyUseCase, KeyProblem)

	want := []string{KeyBackground, KeyUseCase, KeyProblem, "zz_extra"}
	if got := sp.Keys(); !slices.Equal(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if sp.Get(KeyBackground) != "b" || sp.Get(KeyProblem) != "p" || sp.Get(KeyUseCase) != "" {
		t.Errorf("values changed: %v", sp.Values())
	}
}
