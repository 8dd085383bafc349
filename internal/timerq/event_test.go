package timerq

import "testing"

func TestQueueFiresInDeadlineOrder(t *testing.T) {
	el := New(false)

	var order []int
	el.Queue(300, func() { order = append(order, 3) })
	el.Queue(100, func() { order = append(order, 1) })
	el.Queue(200, func() { order = append(order, 2) })

	el.Advance(1000)
	el.handleDue(el.Cycle())

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestQueueTiesBreakByInsertionOrder(t *testing.T) {
	el := New(false)

	var order []string
	el.Queue(50, func() { order = append(order, "first") })
	el.Queue(50, func() { order = append(order, "second") })

	el.Advance(100)
	el.handleDue(el.Cycle())

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestHandleDueLeavesFutureEventsPending(t *testing.T) {
	el := New(false)

	fired := false
	el.Queue(1000, func() { fired = true })

	el.Advance(500)
	next, has := el.handleDue(el.Cycle())
	if fired {
		t.Error("handler fired before its deadline")
	}
	if !has || next != 1000 {
		t.Errorf("handleDue = (%d, %v), want (1000, true)", next, has)
	}

	el.Advance(600)
	_, has = el.handleDue(el.Cycle())
	if !fired {
		t.Error("handler did not fire once its deadline passed")
	}
	if has {
		t.Error("expected no pending events after the only one fired")
	}
}

func TestCycleLockstepIsManuallyDriven(t *testing.T) {
	el := New(false)
	if el.Cycle() != 0 {
		t.Fatalf("Cycle() = %d, want 0 before any Advance", el.Cycle())
	}
	el.Advance(42)
	if el.Cycle() != 42 {
		t.Errorf("Cycle() = %d, want 42", el.Cycle())
	}
	el.Advance(8)
	if el.Cycle() != 50 {
		t.Errorf("Cycle() = %d, want 50", el.Cycle())
	}
}
