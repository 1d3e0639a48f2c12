package sshpool

import "time"

// backoffSchedule is the exponential schedule: the Nth consecutive failure
// (1-indexed) schedules backoffUntil = now + schedule[min(N-1, end)].
var backoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	40 * time.Second,
	60 * time.Second,
}

func backoffFor(consecutiveFailures int) time.Duration {
	idx := consecutiveFailures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}
