package otp

import "time"

// Pending is the first half of an auto-resync attempt: the counter matched
// inside the sync window and the deadline by which the consecutive value must
// arrive. The deadline is fixed when the first value is seen.
type Pending struct {
	Counter  int64
	Deadline time.Time
}

// AutoSync runs one step of the two-call auto-resync protocol for an
// event-based token whose normal-window check already missed.
//
// Without pending state it searches the sync window starting at counter. On a
// hit it returns NotFound together with a new Pending that the caller must
// persist. With pending state it always returns a nil Pending (the caller
// clears the stored state) and reports a match only when presented equals the
// code at exactly Pending.Counter+1 and now is not past the deadline.
func AutoSync(gen Generator, presented string, counter int64, window, syncWindow int, pending *Pending, now time.Time, timeout time.Duration) (int64, *Pending, error) {
	if pending != nil {
		if now.After(pending.Deadline) {
			return NotFound, nil, nil
		}
		next := pending.Counter + 1
		matched, err := CheckHOTP(gen, presented, next, window)
		if err != nil {
			return NotFound, nil, err
		}
		if matched != next {
			return NotFound, nil, nil
		}
		return matched, nil, nil
	}

	matched, err := CheckHOTP(gen, presented, counter, syncWindow)
	if err != nil || matched == NotFound {
		return NotFound, nil, err
	}
	return NotFound, &Pending{Counter: matched, Deadline: now.Add(timeout)}, nil
}

// Resync checks two consecutive values supplied together. otp1 must match
// somewhere in [counter, counter+syncWindow] and otp2 at the very next
// counter. It returns the counter otp2 matched.
func Resync(gen Generator, otp1, otp2 string, counter int64, syncWindow int) (int64, error) {
	first, err := CheckHOTP(gen, otp1, counter, syncWindow)
	if err != nil || first == NotFound {
		return NotFound, err
	}
	second, err := CheckHOTP(gen, otp2, first+1, 0)
	if err != nil || second != first+1 {
		return NotFound, err
	}
	return second, nil
}

// ResyncTOTP is the time-based variant of Resync. Both values must be
// consecutive time steps within ±syncWindow steps of now. It returns the step
// otp2 matched and the clock offset, in seconds, that makes that step current.
func ResyncTOTP(gen Generator, otp1, otp2 string, now time.Time, step, syncWindow int) (int64, int64, error) {
	if step <= 0 {
		step = DefaultTimeStep
	}
	base := TimeCounter(now, step)
	start := base - int64(syncWindow)
	if start < 0 {
		start = 0
	}
	second, err := Resync(gen, otp1, otp2, start, int(base+int64(syncWindow)-start))
	if err != nil || second == NotFound {
		return NotFound, 0, err
	}
	return second, (second - base) * int64(step), nil
}
