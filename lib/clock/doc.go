// Copyright 2026 The Osmith Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for the few
// build steps that wait in real time.
//
// Address discovery for the ssh verb scans the IPv6 neighbor table in
// 400 millisecond steps and retries for up to the configured timeout.
// Against the standard time package a test of that retry path would
// spend seconds asleep; injecting Fake() instead lets the test wait
// for the pending delay with WaitForTimers and fire it with Advance,
// deterministically and without wall-clock time passing.
//
// Production constructors default to Real(), so non-test callers
// never name this package.
package clock
