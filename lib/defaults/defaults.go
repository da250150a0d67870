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

// Package defaults contains default constants used across the gatewarden
// codebase.
package defaults

import "time"

// Listen addresses and ports.
const (
	// HTTPListenPort is the port the gate listens on when no address is
	// configured.
	HTTPListenPort = 8080

	// ReadHeaderTimeout bounds how long a client may take to send request
	// headers before the connection is dropped.
	ReadHeaderTimeout = 10 * time.Second

	// ShutdownTimeout bounds graceful HTTP server shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Counter store tunables.
const (
	// StoreOpTimeout bounds every individual counter store operation.
	StoreOpTimeout = time.Second

	// StoreRetryAttempts is the number of attempts for a transient store
	// failure before an operation is reported as failed.
	StoreRetryAttempts = 3

	// StoreRetryBaseDelay is the first backoff step between store retries.
	// Subsequent steps double it: 100ms, 200ms, 400ms.
	StoreRetryBaseDelay = 100 * time.Millisecond
)

// Configuration provider tunables.
const (
	// ConfigRefreshThrottle is the minimum interval between two overlay
	// fetches from the store. Reads between refreshes are served from the
	// last merged snapshot.
	ConfigRefreshThrottle = 3 * time.Second

	// OverlayFetchTimeout bounds a single overlay fetch from the store.
	OverlayFetchTimeout = time.Second

	// BaselinePollInterval is how often the baseline config file's mtime is
	// checked for changes.
	BaselinePollInterval = 10 * time.Second
)

// Challenge tunables.
const (
	// VerifierTimeout bounds the outbound call to the challenge verifier.
	VerifierTimeout = 5 * time.Second

	// VerificationTTL is how long a successful challenge verification is
	// remembered for an identity when the config does not override it.
	VerificationTTL = 24 * time.Hour

	// ChallengeSubLimitPerMinute caps verification attempts per identity
	// per minute, independently of the main rate limit windows.
	ChallengeSubLimitPerMinute = 5

	// UsedTokenGraceWindow is how long after its first use a challenge
	// token may be re-submitted, to absorb client retries.
	UsedTokenGraceWindow = 30 * time.Second

	// UsedTokenMaxUses is the number of submissions of the same token
	// tolerated inside the grace window.
	UsedTokenMaxUses = 3

	// UsedTokenRecordTTL is how long a used-token record is retained. It
	// deliberately outlives the verifier's own token validity so a stale
	// token is rejected locally before it ever reaches the verifier.
	UsedTokenRecordTTL = 10 * time.Minute

	// LocalVerificationSweepInterval is how often the in-process
	// verification fallback cache evicts expired entries.
	LocalVerificationSweepInterval = 5 * time.Minute
)

// Identity tunables.
const (
	// IdentityHashLen is the number of hex characters of the SHA-256 digest
	// kept when hashing a client IP into an identity value.
	IdentityHashLen = 16
)

// ReferenceTimeZone anchors calendar month windows. Fixed-size windows are
// timezone independent.
var ReferenceTimeZone = time.UTC
