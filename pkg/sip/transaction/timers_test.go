package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimers_Duration(t *testing.T) {
	timers := DefaultTimers()

	tests := []struct {
		id       TimerID
		reliable bool
		want     time.Duration
	}{
		{TimerA, false, 500 * time.Millisecond},
		{TimerA, true, 0},
		{TimerB, false, 32 * time.Second},
		{TimerB, true, 32 * time.Second},
		{TimerD, false, 32 * time.Second},
		{TimerD, true, 0},
		{TimerE, false, 500 * time.Millisecond},
		{TimerF, true, 32 * time.Second},
		{TimerH, false, 32 * time.Second},
		{TimerI, false, 5 * time.Second},
		{TimerI, true, 0},
		{TimerJ, false, 32 * time.Second},
		{TimerJ, true, 0},
		{TimerK, false, 5 * time.Second},
		{TimerK, true, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.id), func(t *testing.T) {
			assert.Equal(t, tt.want, timers.Duration(tt.id, tt.reliable))
		})
	}
}

func TestTimers_WithDefaults(t *testing.T) {
	got := Timers{T1: time.Second}.withDefaults()
	assert.Equal(t, time.Second, got.T1)
	assert.Equal(t, DefaultT2, got.T2)
	assert.Equal(t, DefaultT4, got.T4)
	assert.Equal(t, DefaultD, got.D)
}

func TestNextInterval(t *testing.T) {
	t2 := 4 * time.Second
	interval := 500 * time.Millisecond

	var got []time.Duration
	for i := 0; i < 5; i++ {
		interval = nextInterval(interval, t2)
		got = append(got, interval)
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}, got)
}

func TestTimerSet_StopPreventsCallback(t *testing.T) {
	var mu sync.Mutex
	set := newTimerSet(mu.Lock, mu.Unlock)

	fired := make(chan TimerID, 2)
	mu.Lock()
	set.start(TimerA, 10*time.Millisecond, func() { fired <- TimerA })
	set.start(TimerB, 10*time.Millisecond, func() { fired <- TimerB })
	set.stop(TimerA)
	assert.False(t, set.active(TimerA))
	assert.True(t, set.active(TimerB))
	mu.Unlock()

	select {
	case id := <-fired:
		assert.Equal(t, TimerB, id)
	case <-time.After(time.Second):
		t.Fatal("timer B did not fire")
	}

	select {
	case id := <-fired:
		t.Fatalf("stopped timer %s fired", id)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	assert.False(t, set.active(TimerB))
	mu.Unlock()
}
