// Package vminitd implements the guest's PID 1: subreaper, agent RPC
// listener, mount setup, and the ManagedProcess registry that reconciles
// reaped children with RPC-visible process records.
package vminitd

import (
	"sync"
	"time"

	"github.com/nanovisor/nanovisor/internal/cgroup"
	"github.com/nanovisor/nanovisor/internal/process"
)

// IO describes how a ManagedProcess's stdio was wired: a pty master fd
// (terminal) or three independent pipe fds (standard).
type IO struct {
	Terminal   bool
	MasterFD   int // valid when Terminal
	StdinFD    int // valid when !Terminal
	StdoutFD   int
	StderrFD   int
}

// ManagedProcess is the guest-side record of one forked/exec'd process:
// the two-pipe sync fds used once during startup, the child's cgroup, its
// stdio wiring, and everything `wait()` needs once the process has exited.
type ManagedProcess struct {
	mu sync.Mutex

	ID          string
	ContainerID string
	PID         int
	Cgroup      *cgroup.Manager
	IO          IO

	syncReadFD int // fd 3 in the child: grandchild PID arrives here
	ackWriteFD int // fd 4 in the child: "AckPid"/"AckConsole" sent here

	exited   bool
	exitCode int
	reason   string
	signal   int

	waiters []chan process.ExitStatus
}

// NewManagedProcess creates a record before the process is forked; the
// startProcess handler fills in PID (Registry.BindPID) and IO (attachStdio)
// once the two-pipe handshake completes.
func NewManagedProcess(id, containerID string) *ManagedProcess {
	return &ManagedProcess{ID: id, ContainerID: containerID}
}

// SetExit records the terminal status delivered by the reaper and wakes
// every waiter registered so far.
func (mp *ManagedProcess) SetExit(status process.ExitStatus) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.exited {
		return
	}
	mp.exited = true
	mp.exitCode = status.ExitCode
	mp.reason = status.Reason
	mp.signal = status.Signal
	for _, w := range mp.waiters {
		w <- status
		close(w)
	}
	mp.waiters = nil
}

// Wait blocks until SetExit has been called, or returns immediately if it
// already has.
func (mp *ManagedProcess) Wait() process.ExitStatus {
	status, _ := mp.WaitTimeout(0)
	return status
}

// WaitTimeout blocks until SetExit has been called or timeout elapses
// (timeout <= 0 means no bound). ok is false if the bound elapsed first,
// in which case the waiter channel is left registered so a late SetExit
// still delivers without blocking (it is buffered, size 1).
func (mp *ManagedProcess) WaitTimeout(timeout time.Duration) (status process.ExitStatus, ok bool) {
	mp.mu.Lock()
	if mp.exited {
		status = process.ExitStatus{ExitCode: mp.exitCode, Reason: mp.reason, Signal: mp.signal}
		mp.mu.Unlock()
		return status, true
	}
	ch := make(chan process.ExitStatus, 1)
	mp.waiters = append(mp.waiters, ch)
	mp.mu.Unlock()

	if timeout <= 0 {
		return <-ch, true
	}
	select {
	case status = <-ch:
		return status, true
	case <-time.After(timeout):
		return process.ExitStatus{}, false
	}
}

// Registry indexes ManagedProcess records by pid (for the reaper) and by
// (containerID, id) (for RPC lookups).
type Registry struct {
	mu     sync.Mutex
	byPID  map[int]*ManagedProcess
	byName map[string]*ManagedProcess
}

func NewRegistry() *Registry {
	return &Registry{byPID: map[int]*ManagedProcess{}, byName: map[string]*ManagedProcess{}}
}

func key(containerID, id string) string { return containerID + "/" + id }

func (r *Registry) Add(mp *ManagedProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[key(mp.ContainerID, mp.ID)] = mp
	if mp.PID != 0 {
		r.byPID[mp.PID] = mp
	}
}

func (r *Registry) BindPID(mp *ManagedProcess, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp.PID = pid
	r.byPID[pid] = mp
}

func (r *Registry) ByPID(pid int) (*ManagedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp, ok := r.byPID[pid]
	return mp, ok
}

func (r *Registry) Lookup(containerID, id string) (*ManagedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mp, ok := r.byName[key(containerID, id)]
	return mp, ok
}

func (r *Registry) Remove(mp *ManagedProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, key(mp.ContainerID, mp.ID))
	if mp.PID != 0 {
		delete(r.byPID, mp.PID)
	}
}
