// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package cycle implements the raw monotonic timing helpers used by
// the runtime-threshold machinery and perf histograms: GetSysTime (a
// calibrated monotonic counter) and the wrap-safe diff-to-nanoseconds
// conversion.
//
// The original agent reads the x86 TSC directly (rdtsc/rdtscp) or
// ARM's virtual counter. Go has no portable intrinsic for that, so
// this package reads golang.org/x/sys/unix's CLOCK_MONOTONIC_RAW on
// platforms that expose it, which gives the same "immune to NTP
// slew, monotonic, cheap" properties the original wanted from the TSC
// without depending on cgo or assembly.
package cycle

import (
	"time"

	"golang.org/x/sys/unix"
)

// GetSysTime returns a monotonic nanosecond timestamp. The isStart
// flag is retained from the original ABI (jbpf_get_sys_time(is_start))
// where the start read used a fence to prevent speculative hoisting
// and the end read used a serializing instruction; CLOCK_MONOTONIC_RAW
// needs neither, so isStart is accepted and ignored. If the raw clock
// cannot be read, time.Now is used instead.
func GetSysTime(isStart bool) uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err == nil {
		return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
	}
	return uint64(time.Now().UnixNano())
}

// DiffNs converts a (start, end) pair of GetSysTime readings into an
// elapsed nanosecond count, treating end < start as a wrap rather
// than a negative duration.
func DiffNs(start, end uint64) uint64 {
	if end < start {
		return (^uint64(0) - start) + end + 1
	}
	return end - start
}

// TimeGetNs is the wall-clock `time_get_ns` helper, distinct from the
// monotonic GetSysTime used for runtime thresholds.
func TimeGetNs() uint64 {
	return uint64(time.Now().UnixNano())
}
