package agent

// Breaker is the two-level circuit breaker. Level 1 watches consecutive
// tool failures and forces a reflection-only turn; level 2 counts
// cumulative backtracks and ends the run. Each session owns one; not
// safe for concurrent use.
type Breaker struct {
	failureThreshold int
	backtrackLimit   int

	consecutive int
	backtracks  int
}

func NewBreaker(failureThreshold, backtrackLimit int) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if backtrackLimit <= 0 {
		backtrackLimit = 5
	}
	return &Breaker{failureThreshold: failureThreshold, backtrackLimit: backtrackLimit}
}

// RecordResult feeds one tool outcome. Any success resets the
// consecutive failure count.
func (b *Breaker) RecordResult(isError bool) {
	if isError {
		b.consecutive++
	} else {
		b.consecutive = 0
	}
}

// RecordBacktrack counts one context-cleaned retry.
func (b *Breaker) RecordBacktrack() {
	b.backtracks++
}

// Level1Tripped reports whether the next turn must run without tools.
func (b *Breaker) Level1Tripped() bool {
	return b.consecutive >= b.failureThreshold
}

// Level2Tripped reports whether the run must terminate.
func (b *Breaker) Level2Tripped() bool {
	return b.backtracks >= b.backtrackLimit
}

// ResetLevel1 clears the consecutive counter after the forced
// reflection turn ran.
func (b *Breaker) ResetLevel1() {
	b.consecutive = 0
}

// ConsecutiveFailures exposes the level 1 counter for session status.
func (b *Breaker) ConsecutiveFailures() int { return b.consecutive }

// Backtracks exposes the level 2 counter for session status.
func (b *Breaker) Backtracks() int { return b.backtracks }
