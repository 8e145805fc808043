package clock

import (
	"sync"
	"time"
)

// Fake is a clock for tests. Time stands still until advanced.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) CurrentTimeMicro() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(f.now.UnixMicro())
}

func (f *Fake) CurrentTimeMs() uint64 {
	return f.CurrentTimeMicro() / 1000
}

func (f *Fake) CurrentTimeSec() uint64 {
	return f.CurrentTimeMicro() / 1000000
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AdvanceMs(a uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Duration(a) * time.Millisecond)
}
