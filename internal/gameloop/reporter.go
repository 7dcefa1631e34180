package gameloop

import "time"

// DeltaReporter measures the seconds elapsed between successive Report calls.
type DeltaReporter struct {
	now  func() time.Time
	last time.Time
}

// NewDeltaReporter returns a reporter whose first Report measures from now.
//
// Precondition: now must be non-nil.
func NewDeltaReporter(now func() time.Time) *DeltaReporter {
	return &DeltaReporter{now: now, last: now()}
}

// Report returns the seconds since the previous call and restarts the measurement.
//
// Postcondition: Returns a value >= 0.
func (d *DeltaReporter) Report() float64 {
	t := d.now()
	delta := t.Sub(d.last).Seconds()
	d.last = t
	if delta < 0 {
		return 0
	}
	return delta
}

// RateReporter counts loop iterations and reports the measured rate once per interval.
type RateReporter struct {
	now      func() time.Time
	interval time.Duration
	start    time.Time
	count    int
}

// NewRateReporter returns a reporter that reports every interval.
//
// Precondition: interval > 0; now must be non-nil.
func NewRateReporter(interval time.Duration, now func() time.Time) *RateReporter {
	return &RateReporter{now: now, interval: interval, start: now()}
}

// Increment records one iteration. Once interval has passed since the last
// report it returns the iterations per second over that window.
func (r *RateReporter) Increment() (float64, bool) {
	r.count++
	elapsed := r.now().Sub(r.start)
	if elapsed < r.interval {
		return 0, false
	}
	rate := float64(r.count) / elapsed.Seconds()
	r.count = 0
	r.start = r.start.Add(elapsed)
	return rate, true
}
