package metrics

import (
	"testing"
)

func counterValues(t *testing.T, r *Registry, name string) map[string]float64 {
	t.Helper()
	families, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			key := ""
			for _, l := range m.GetLabel() {
				if key != "" {
					key += ","
				}
				key += l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestSetCircuitBreaker_CountsTransitionsOnce(t *testing.T) {
	r := New()

	r.SetCircuitBreaker("openai", 1)
	r.SetCircuitBreaker("openai", 1) // same state, no new transition
	r.SetCircuitBreaker("openai", 0)

	transitions := counterValues(t, r, "gateway_circuit_breaker_transitions_total")
	if got := transitions["provider=openai,to_state=open"]; got != 1 {
		t.Errorf("open transitions = %v, want 1", got)
	}
	if got := transitions["provider=openai,to_state=closed"]; got != 1 {
		t.Errorf("closed transitions = %v, want 1", got)
	}

	state := counterValues(t, r, "circuit_breaker_state")
	if got := state["provider=openai"]; got != 0 {
		t.Errorf("state gauge = %v, want 0", got)
	}
}

func TestRecordSettlement_AccumulatesSettledValueOnly(t *testing.T) {
	r := New()

	r.RecordSettlement("ok", 0.5)
	r.RecordSettlement("journaled", 0.25)
	r.RecordSettlement("skipped", 0)

	results := counterValues(t, r, "gateway_settlements_total")
	for _, label := range []string{"result=ok", "result=journaled", "result=skipped"} {
		if got := results[label]; got != 1 {
			t.Errorf("%s = %v, want 1", label, got)
		}
	}

	settled := counterValues(t, r, "gateway_credits_settled_total")
	if got := settled[""]; got != 0.5 {
		t.Errorf("credits settled = %v, want 0.5 (journaled value must not count)", got)
	}
}
