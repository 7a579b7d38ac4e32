package pipeline

import "time"

// Batch groups items from in into slices of at most maxSize, flushing early
// when timeout elapses since the first item of a pending group, or when in is
// closed. A group is never split across an upsert — the caller hands each
// emitted slice to storage as a unit.
func Batch[T any](in <-chan T, maxSize int, timeout time.Duration) <-chan []T {
	if maxSize < 1 {
		maxSize = 1
	}
	out := make(chan []T)
	go func() {
		defer close(out)
		group := make([]T, 0, maxSize)
		var timer *time.Timer
		var timerC <-chan time.Time

		flush := func() {
			if len(group) == 0 {
				return
			}
			out <- group
			group = make([]T, 0, maxSize)
			if timer != nil {
				timer.Stop()
				timer = nil
				timerC = nil
			}
		}

		for {
			select {
			case item, ok := <-in:
				if !ok {
					flush()
					return
				}
				if len(group) == 0 && timeout > 0 {
					timer = time.NewTimer(timeout)
					timerC = timer.C
				}
				group = append(group, item)
				if len(group) >= maxSize {
					flush()
				}
			case <-timerC:
				flush()
			}
		}
	}()
	return out
}
