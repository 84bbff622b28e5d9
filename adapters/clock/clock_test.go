package clock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/artpar/billcycle/adapters/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	c := clock.Real{}

	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", got, before, after)
	}
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
}

func TestFake_SetAndAdvance(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	if got := c.Now(); !got.Equal(start) {
		t.Errorf("Now() = %v, want %v", got, start)
	}

	c.Advance(90 * time.Minute)
	if got, want := c.Now(), start.Add(90*time.Minute); !got.Equal(want) {
		t.Errorf("after Advance: %v, want %v", got, want)
	}

	end := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)
	c.Set(end)
	if got := c.Now(); !got.Equal(end) {
		t.Errorf("after Set: %v, want %v", got, end)
	}
}

func TestFake_AddDate(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))

	got := c.AddDate(0, 1, 0)
	want := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) || !c.Now().Equal(want) {
		t.Errorf("AddDate = %v (Now %v), want %v", got, c.Now(), want)
	}
}

func TestFake_Concurrent(t *testing.T) {
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = c.Now()
		}()
	}
	wg.Wait()

	if got, want := c.Now(), time.Date(2026, 1, 1, 0, 0, 50, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}
