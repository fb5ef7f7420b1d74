package risk

import (
	"testing"

	"symbol-optimizer/internal/database"
)

func TestTrailingStopLong(t *testing.T) {
	tsm := NewTrailingStopManager(TrailingConfig{Enabled: true, TrailingPercent: 1, ActivationPercent: 1}, nil)
	tsm.AddPosition("p1", "EURUSD", database.DirectionBuy, 100, 98)

	if u := tsm.UpdatePrice("p1", 100.5); u != nil {
		t.Fatalf("expected no update before activation, got %+v", u)
	}

	u := tsm.UpdatePrice("p1", 102)
	if u == nil || u.IsTriggered {
		t.Fatalf("expected stop to move, got %+v", u)
	}
	if want := 102 * 0.99; abs(u.NewStopLoss-want) > 1e-9 {
		t.Errorf("new stop = %.6f, want %.6f", u.NewStopLoss, want)
	}

	// A pullback never loosens the stop
	if u := tsm.UpdatePrice("p1", 101.5); u != nil {
		t.Errorf("stop moved on pullback: %+v", u)
	}

	u = tsm.UpdatePrice("p1", 100.9)
	if u == nil || !u.IsTriggered {
		t.Fatalf("expected trigger, got %+v", u)
	}
}

func TestTrailingStopShort(t *testing.T) {
	tsm := NewTrailingStopManager(TrailingConfig{Enabled: true, TrailingPercent: 1, ActivationPercent: 1}, nil)
	tsm.AddPosition("p2", "EURUSD", database.DirectionSell, 100, 102)

	u := tsm.UpdatePrice("p2", 98)
	if u == nil || u.IsTriggered {
		t.Fatalf("expected stop to move, got %+v", u)
	}
	if u.NewStopLoss >= 102 {
		t.Errorf("short stop should move down, got %.4f", u.NewStopLoss)
	}

	u = tsm.UpdatePrice("p2", 99.5)
	if u == nil || !u.IsTriggered {
		t.Fatalf("expected trigger at 99.5 with stop %.4f, got %+v", tsm.GetPosition("p2").CurrentStopLoss, u)
	}
}

func TestTrailingStopDisabledStillTriggersOriginalStop(t *testing.T) {
	tsm := NewTrailingStopManager(TrailingConfig{Enabled: false, TrailingPercent: 1, ActivationPercent: 1}, nil)
	tsm.AddPosition("p3", "EURUSD", database.DirectionBuy, 100, 99)

	if u := tsm.UpdatePrice("p3", 105); u != nil {
		t.Errorf("disabled trailing should not move stop: %+v", u)
	}
	if u := tsm.UpdatePrice("p3", 98.9); u == nil || !u.IsTriggered {
		t.Errorf("original stop should still trigger, got %+v", u)
	}

	tsm.RemovePosition("p3")
	if tsm.Count() != 0 || tsm.UpdatePrice("p3", 50) != nil {
		t.Error("removed position still tracked")
	}
}
