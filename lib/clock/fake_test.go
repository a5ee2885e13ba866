// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	c := Fake(testEpoch)
	if got := c.Now(); !got.Equal(testEpoch) {
		t.Errorf("Now() = %v, want %v", got, testEpoch)
	}
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(testEpoch.Add(90 * time.Second)) {
		t.Errorf("Now() after Advance = %v, want %v", got, testEpoch.Add(90*time.Second))
	}
}

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(testEpoch)
	ch := c.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(testEpoch.Add(5 * time.Second)) {
			t.Errorf("fired at %v, want %v", fired, testEpoch.Add(5*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(testEpoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", c.PendingCount())
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// A multi-interval advance delivers at most one buffered tick;
	// overflow is dropped, matching time.Ticker.
	c.Advance(3 * time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after multi-interval advance")
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after Stop", c.PendingCount())
	}
}

func TestFakeSleepUnblocksOnAdvance(t *testing.T) {
	c := Fake(testEpoch)
	done := make(chan struct{})

	go func() {
		c.Sleep(10 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(10 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not unblock after Advance")
	}
}

func TestWaitForTimersBlocksUntilRegistered(t *testing.T) {
	c := Fake(testEpoch)
	registered := make(chan struct{})

	go func() {
		c.After(time.Second)
		c.After(2 * time.Second)
		close(registered)
	}()

	c.WaitForTimers(2)
	select {
	case <-registered:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForTimers returned before both timers registered")
	}
	if got := c.PendingCount(); got != 2 {
		t.Errorf("PendingCount = %d, want 2", got)
	}
}
