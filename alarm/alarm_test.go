// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package alarm

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterNotifyUnregister(t *testing.T) {
	r := NewRegistry()
	var got Mode
	calls := 0
	tok := r.Register(func(m Mode) {
		got = m
		calls++
	})
	require.Equal(t, 1, r.Len())

	r.Notify(ModeDiskOnly)
	require.Equal(t, ModeDiskOnly, got)
	require.Equal(t, 1, calls)

	r.Unregister(tok)
	require.Equal(t, 0, r.Len())

	r.Notify(ModeMixed)
	require.Equal(t, 1, calls, "unregistered callback must not fire again")
}

func TestNotifyDropsPanickingCallback(t *testing.T) {
	r := NewRegistry()
	r.Register(func(Mode) { panic("boom") })
	ok := false
	r.Register(func(Mode) { ok = true })

	require.NotPanics(t, func() { r.Notify(ModeMixed) })
	require.True(t, ok, "a panicking callback must not prevent others from running")
	require.Equal(t, 1, r.Len(), "the panicking callback must be dropped from the registry")
}

func TestTokenFinalizerUnregisters(t *testing.T) {
	r := NewRegistry()
	func() {
		tok := r.Register(func(Mode) {})
		_ = tok
	}()

	// The token is now unreachable; force a GC cycle and give the
	// finalizer goroutine a moment to run.
	for i := 0; i < 5 && r.Len() > 0; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, r.Len())
}
