/*
 * Gatewarden
 * Copyright (C) 2025  Gatewarden, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package config

import (
	"time"

	"github.com/gatewarden/gatewarden/lib/defaults"
)

// Window is a rate limit accounting period.
type Window string

const (
	// WindowMinute buckets requests into fixed 60s periods.
	WindowMinute Window = "minute"
	// WindowHour buckets requests into fixed 3600s periods.
	WindowHour Window = "hour"
	// WindowDay buckets requests into fixed 86400s periods.
	WindowDay Window = "day"
	// WindowMonth buckets requests into calendar months in the reference
	// timezone.
	WindowMonth Window = "month"
)

// Windows lists all windows in evaluation order, narrowest first.
var Windows = []Window{WindowMinute, WindowHour, WindowDay, WindowMonth}

// Valid reports whether w names a known window.
func (w Window) Valid() bool {
	switch w {
	case WindowMinute, WindowHour, WindowDay, WindowMonth:
		return true
	}
	return false
}

// FixedSize returns the window's fixed duration. Calendar windows report
// ok=false.
func (w Window) FixedSize() (time.Duration, bool) {
	switch w {
	case WindowMinute:
		return time.Minute, true
	case WindowHour:
		return time.Hour, true
	case WindowDay:
		return 24 * time.Hour, true
	}
	return 0, false
}

// BucketStart returns the start of the bucket containing now: floor
// division of unix time for fixed windows, first of the month in the
// reference timezone for calendar months.
func (w Window) BucketStart(now time.Time) time.Time {
	if size, ok := w.FixedSize(); ok {
		return now.Truncate(size)
	}
	ref := now.In(defaults.ReferenceTimeZone)
	return time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, defaults.ReferenceTimeZone)
}

// BucketEnd returns the instant the bucket containing now rolls over.
func (w Window) BucketEnd(now time.Time) time.Time {
	if size, ok := w.FixedSize(); ok {
		return w.BucketStart(now).Add(size)
	}
	return w.BucketStart(now).AddDate(0, 1, 0)
}

// TTL returns how long the bucket containing now remains live. The value is
// recomputed against the fixed bucket end, so re-applying it on every
// increment converges instead of sliding.
func (w Window) TTL(now time.Time) time.Duration {
	return w.BucketEnd(now).Sub(now)
}
