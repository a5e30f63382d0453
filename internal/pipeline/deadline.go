package pipeline

import "time"

// Deadline is the run's wall-clock budget. Only the scheduler consults it;
// in-flight requests are never cancelled by the deadline, they finish inside
// the grace window instead.
type Deadline struct {
	start  time.Time
	budget time.Duration
	now    func() time.Time
}

// NewDeadline starts the clock at construction.
func NewDeadline(budget time.Duration) *Deadline {
	return newDeadlineWithClock(budget, time.Now)
}

func newDeadlineWithClock(budget time.Duration, now func() time.Time) *Deadline {
	return &Deadline{
		start:  now(),
		budget: budget,
		now:    now,
	}
}

// Remaining returns how much budget is left. Negative once expired.
func (d *Deadline) Remaining() time.Duration {
	return d.budget - d.now().Sub(d.start)
}

// Exceeded reports whether the budget is spent.
func (d *Deadline) Exceeded() bool {
	return d.Remaining() <= 0
}

// Elapsed returns time spent since the run started.
func (d *Deadline) Elapsed() time.Duration {
	return d.now().Sub(d.start)
}
