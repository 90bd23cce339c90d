package vminitd

import (
	"testing"
	"time"

	"github.com/nanovisor/nanovisor/internal/process"
)

func TestRegistryLookupByNameAndPID(t *testing.T) {
	reg := NewRegistry()
	mp := NewManagedProcess("init", "container-1")
	reg.Add(mp)

	if _, ok := reg.ByPID(42); ok {
		t.Fatal("ByPID found a process before BindPID was called")
	}

	reg.BindPID(mp, 42)

	got, ok := reg.ByPID(42)
	if !ok || got != mp {
		t.Fatalf("ByPID(42) = %v, %v, want %v, true", got, ok, mp)
	}

	got, ok = reg.Lookup("container-1", "init")
	if !ok || got != mp {
		t.Fatalf("Lookup = %v, %v, want %v, true", got, ok, mp)
	}

	reg.Remove(mp)
	if _, ok := reg.ByPID(42); ok {
		t.Fatal("ByPID still found the process after Remove")
	}
	if _, ok := reg.Lookup("container-1", "init"); ok {
		t.Fatal("Lookup still found the process after Remove")
	}
}

func TestManagedProcessWaitBlocksUntilSetExit(t *testing.T) {
	mp := NewManagedProcess("init", "container-1")

	done := make(chan process.ExitStatus, 1)
	go func() { done <- mp.Wait() }()

	select {
	case <-done:
		t.Fatal("Wait returned before SetExit was called")
	case <-time.After(20 * time.Millisecond):
	}

	want := process.ExitStatus{ExitCode: 0, Reason: process.ReasonNormal}
	mp.SetExit(want)

	select {
	case got := <-done:
		if got != want {
			t.Fatalf("Wait() = %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after SetExit")
	}
}

func TestManagedProcessWaitReturnsImmediatelyAfterExit(t *testing.T) {
	mp := NewManagedProcess("init", "container-1")
	want := process.ExitStatus{ExitCode: 7, Reason: process.ReasonSignaled, Signal: 9}
	mp.SetExit(want)

	if got := mp.Wait(); got != want {
		t.Fatalf("Wait() = %+v, want %+v", got, want)
	}
}

func TestManagedProcessWaitTimeoutElapsesForProcessThatNeverExits(t *testing.T) {
	mp := NewManagedProcess("init", "container-1")

	start := time.Now()
	_, ok := mp.WaitTimeout(20 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("WaitTimeout reported success for a process that never exited")
	}
	if elapsed < 20*time.Millisecond {
		t.Fatalf("WaitTimeout returned after %v, want >= 20ms", elapsed)
	}
}

func TestManagedProcessWaitTimeoutStillDeliversLateExit(t *testing.T) {
	mp := NewManagedProcess("init", "container-1")

	if _, ok := mp.WaitTimeout(10 * time.Millisecond); ok {
		t.Fatal("WaitTimeout reported success before SetExit was called")
	}

	want := process.ExitStatus{ExitCode: 0, Reason: process.ReasonNormal}
	mp.SetExit(want)

	if got := mp.Wait(); got != want {
		t.Fatalf("Wait() after a timed-out waiter = %+v, want %+v", got, want)
	}
}

func TestManagedProcessSetExitIsIdempotent(t *testing.T) {
	mp := NewManagedProcess("init", "container-1")
	mp.SetExit(process.ExitStatus{ExitCode: 1, Reason: process.ReasonNormal})
	mp.SetExit(process.ExitStatus{ExitCode: 99, Reason: process.ReasonKilled})

	if got := mp.Wait(); got.ExitCode != 1 {
		t.Fatalf("SetExit overwrote the first recorded exit status: got %+v", got)
	}
}
