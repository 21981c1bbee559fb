package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := NewFake(epoch)
	fired := 0
	c.AfterFunc(time.Minute, func() { fired++ })

	c.Advance(59 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on armed timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(epoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	c.Advance(10 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not tick")
	}
	select {
	case <-ticker.C():
		t.Fatal("unexpected extra tick")
	default:
	}
}
