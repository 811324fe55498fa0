package models

import "testing"

func TestOrderStateClassification(t *testing.T) {
	cases := []struct {
		state    OrderState
		terminal bool
		filled   bool
	}{
		{StateSubmitted, false, false},
		{StatePartialFilled, false, true},
		{StateFilled, true, true},
		{StateCanceled, true, false},
		{StatePartialCanceled, true, true},
	}
	for _, c := range cases {
		if got := c.state.Terminal(); got != c.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", c.state, got, c.terminal)
		}
		if got := c.state.Filled(); got != c.filled {
			t.Errorf("%s.Filled() = %v, want %v", c.state, got, c.filled)
		}
	}
}

func TestOrderAvgPrice(t *testing.T) {
	o := &Order{Price: 100, Quantity: 2, FilledQuantity: 0.5, FilledCash: 51}
	if got := o.AvgPrice(); got != 102 {
		t.Errorf("AvgPrice = %v, want 102", got)
	}

	// nothing filled falls back to the requested price
	o = &Order{Price: 100, Quantity: 2}
	if got := o.AvgPrice(); got != 100 {
		t.Errorf("AvgPrice = %v, want requested price", got)
	}
}

func TestOrderRemaining(t *testing.T) {
	o := &Order{Quantity: 2, FilledQuantity: 0.5}
	if got := o.Remaining(); got != 1.5 {
		t.Errorf("Remaining = %v, want 1.5", got)
	}

	// overfill reports clamp at zero
	o = &Order{Quantity: 2, FilledQuantity: 2.0000001}
	if got := o.Remaining(); got != 0 {
		t.Errorf("Remaining = %v, want 0", got)
	}
}
