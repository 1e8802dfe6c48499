// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time for the pipeline's bounded retry loops.
// Production code injects Real(); tests inject Fake() with
// deterministic time control.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after
	// duration d elapses. Equivalent to time.After. If d <= 0, the
	// channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the current goroutine for at least duration d.
	// Equivalent to time.Sleep.
	Sleep(d time.Duration)
}
