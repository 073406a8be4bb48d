// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package clock_test

import (
	"testing"
	"time"

	"github.com/outpost-foundation/outpost/lib/clock"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := clock.NewFake()
	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired one second early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	fake := clock.NewFake()
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTickerFiresRepeatedly(t *testing.T) {
	fake := clock.NewFake()
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	for tick := 0; tick < 3; tick++ {
		fake.Advance(time.Minute)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", tick)
		}
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := clock.NewFake()
	ticker := fake.NewTicker(time.Minute)
	ticker.Stop()

	fake.Advance(5 * time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeSetMovesTimeForward(t *testing.T) {
	fake := clock.NewFake()
	start := fake.Now()
	target := start.Add(time.Hour)

	ch := fake.After(30 * time.Minute)
	fake.Set(target)

	if got := fake.Now(); !got.Equal(target) {
		t.Errorf("Now = %v, want %v", got, target)
	}
	select {
	case <-ch:
	default:
		t.Fatal("waiter not fired by Set")
	}
}

func TestFakeSetBackwardsPanics(t *testing.T) {
	fake := clock.NewFake()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic from backwards Set")
		}
	}()
	fake.Set(fake.Now().Add(-time.Second))
}
