package vminitd

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nanovisor/nanovisor/internal/agentrpc"
	"github.com/nanovisor/nanovisor/internal/failure"
	"github.com/nanovisor/nanovisor/internal/process"
	"github.com/nanovisor/nanovisor/internal/relay"
	"github.com/nanovisor/nanovisor/internal/transport"
	"github.com/nanovisor/nanovisor/internal/vmexec"
)

// pendingCreate holds everything createProcess recorded, consumed by the
// matching startProcess call.
type pendingCreate struct {
	spec  process.Spec
	ports []uint32
}

type processHandlers struct {
	reg     *Registry
	pending map[string]*pendingCreate
}

func registerProcessHandlers(d *agentrpc.Dispatcher, reg *Registry) {
	h := &processHandlers{reg: reg, pending: map[string]*pendingCreate{}}
	d.Handle("createProcess", h.createProcess)
	d.Handle("startProcess", h.startProcess)
	d.Handle("signalProcess", h.signalProcess)
	d.Handle("resizeProcess", h.resizeProcess)
	d.Handle("closeProcessStdin", h.closeProcessStdin)
	d.Handle("waitProcess", h.waitProcess)
	d.Handle("deleteProcess", h.deleteProcess)
	d.Handle("kill", h.kill)
}

type createProcessParams struct {
	ID          string   `json:"id"`
	ContainerID string   `json:"containerId"`
	StdioPorts  []uint32 `json:"stdioPorts"`
	Spec        process.Spec `json:"spec"`
}

func (h *processHandlers) createProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p createProcessParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode createProcess params", err)
	}
	mp := NewManagedProcess(p.ID, p.ContainerID)
	h.reg.Add(mp)
	h.pending[processKey(p.ContainerID, p.ID)] = &pendingCreate{spec: p.Spec, ports: p.StdioPorts}
	return nil, nil
}

func processKey(containerID, id string) string { return containerID + "/" + id }

type idParams struct {
	ID          string `json:"id"`
	ContainerID string `json:"containerId"`
}

type startProcessResult struct {
	PID int `json:"pid"`
}

func (h *processHandlers) startProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode startProcess params", err)
	}
	pc, ok := h.pending[processKey(p.ContainerID, p.ID)]
	if !ok {
		return nil, failure.Newf(failure.NotFound, "no pending createProcess for %s/%s", p.ContainerID, p.ID)
	}
	delete(h.pending, processKey(p.ContainerID, p.ID))

	mp, ok := h.reg.Lookup(p.ContainerID, p.ID)
	if !ok {
		return nil, failure.Newf(failure.NotFound, "process %s/%s not found", p.ContainerID, p.ID)
	}

	mode := vmexec.ModeRun
	var initPIDFD *os.File
	if p.ID != p.ContainerID {
		mode = vmexec.ModeExec
		initProc, ok := h.reg.Lookup(p.ContainerID, p.ContainerID)
		if !ok {
			return nil, failure.Newf(failure.NotFound, "container-init process %s not found", p.ContainerID)
		}
		fd, err := unix.PidfdOpen(initProc.PID, 0)
		if err != nil {
			return nil, failure.Wrap(failure.InternalError, "open container-init pidfd", err)
		}
		initPIDFD = os.NewFile(uintptr(fd), "init-pidfd")
	}

	var mounts []vmexec.MountSpec
	if mode == vmexec.ModeRun {
		mounts = make([]vmexec.MountSpec, len(pc.spec.Mounts))
		for i, m := range pc.spec.Mounts {
			mounts[i] = vmexec.MountSpec{
				Type: m.Type, Source: m.Source, Destination: m.Destination,
				Options: m.Options, Flags: vmexec.MountFlags(m.Options),
			}
		}
	}

	launched, err := vmexec.Launch(vmexec.Spec{
		Mode:       mode,
		Args:       pc.spec.Args,
		Env:        pc.spec.Env,
		Cwd:        pc.spec.Cwd,
		UID:        pc.spec.User.UID,
		GID:        pc.spec.User.GID,
		Groups:     pc.spec.User.AdditionalGids,
		Rlimits:    pc.spec.Rlimits,
		Terminal:   pc.spec.Terminal,
		RootfsPath: pc.spec.RootfsPath,
		Mounts:     mounts,
		Hostname:   pc.spec.Hostname,
	}, initPIDFD)
	if err != nil {
		return nil, err
	}

	h.reg.BindPID(mp, launched.PID)

	if err := attachStdio(mp, pc.spec.Terminal, pc.ports, launched); err != nil {
		return nil, err
	}

	return startProcessResult{PID: launched.PID}, nil
}

// attachStdio dials the host back on each configured vsock port and relays
// it against the process's pty master (terminal) or pipe fds (standard),
// recording the fds onto mp.IO so resizeProcess/closeProcessStdin can reach
// them later. Stdio relays over a raw vsock net.Conn rather than the
// Agent RPC ControlChannel, since that framing is newline-delimited JSON and
// would corrupt arbitrary binary stdio bytes.
func attachStdio(mp *ManagedProcess, terminal bool, ports []uint32, launched *vmexec.Launched) error {
	if terminal {
		mp.IO = IO{Terminal: true, MasterFD: launched.MasterFD}
		if len(ports) > 0 {
			conn, err := transport.DialHostRaw(context.Background(), ports[0])
			if err != nil {
				return err
			}
			master := os.NewFile(uintptr(launched.MasterFD), "pty-master-in")
			if _, err := relay.NewPair(master, conn, true); err != nil {
				return err
			}
		}
		if len(ports) > 1 {
			dupFD, err := unix.Dup(launched.MasterFD)
			if err != nil {
				return failure.Wrap(failure.InternalError, "dup pty master fd", err)
			}
			conn, err := transport.DialHostRaw(context.Background(), ports[1])
			if err != nil {
				return err
			}
			master := os.NewFile(uintptr(dupFD), "pty-master-out")
			if _, err := relay.NewPair(master, conn, true); err != nil {
				return err
			}
		}
		return nil
	}

	mp.IO = IO{
		StdinFD:  int(launched.Stdin.Fd()),
		StdoutFD: int(launched.Stdout.Fd()),
		StderrFD: int(launched.Stderr.Fd()),
	}
	files := []*os.File{launched.Stdin, launched.Stdout, launched.Stderr}
	for i, port := range ports {
		if i >= len(files) {
			break
		}
		conn, err := transport.DialHostRaw(context.Background(), port)
		if err != nil {
			return err
		}
		if _, err := relay.NewPair(files[i], conn, false); err != nil {
			return err
		}
	}
	return nil
}

func (h *processHandlers) signalProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p struct {
		idParams
		Signal int `json:"signal"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode signalProcess params", err)
	}
	mp, ok := h.reg.Lookup(p.ContainerID, p.ID)
	if !ok {
		return nil, failure.Newf(failure.NotFound, "process %s/%s not found", p.ContainerID, p.ID)
	}
	return nil, killPID(mp.PID, p.Signal)
}

func (h *processHandlers) kill(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p struct {
		ID     string `json:"id"`
		PID    int    `json:"pid"`
		Signal int    `json:"signal"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode kill params", err)
	}
	if p.PID == -1 {
		mp, ok := h.reg.Lookup(p.ID, p.ID)
		if !ok {
			return nil, nil
		}
		return nil, killPID(mp.PID, p.Signal)
	}
	return nil, killPID(p.PID, p.Signal)
}

func (h *processHandlers) resizeProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p struct {
		idParams
		Cols, Rows int
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode resizeProcess params", err)
	}
	mp, ok := h.reg.Lookup(p.ContainerID, p.ID)
	if !ok {
		return nil, failure.Newf(failure.NotFound, "process %s/%s not found", p.ContainerID, p.ID)
	}
	if !mp.IO.Terminal {
		return nil, failure.New(failure.Unsupported, "resize requires a terminal process")
	}
	return nil, setWinsize(mp.IO.MasterFD, p.Cols, p.Rows)
}

func (h *processHandlers) closeProcessStdin(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode closeProcessStdin params", err)
	}
	mp, ok := h.reg.Lookup(p.ContainerID, p.ID)
	if !ok {
		return nil, failure.Newf(failure.NotFound, "process %s/%s not found", p.ContainerID, p.ID)
	}
	fd := mp.IO.StdinFD
	if mp.IO.Terminal {
		fd = mp.IO.MasterFD
	}
	return nil, closeFD(fd)
}

func (h *processHandlers) waitProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p struct {
		idParams
		Timeout int `json:"timeout"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode waitProcess params", err)
	}
	mp, ok := h.reg.Lookup(p.ContainerID, p.ID)
	if !ok {
		return nil, failure.Newf(failure.NotFound, "process %s/%s not found", p.ContainerID, p.ID)
	}
	var bound time.Duration
	if p.Timeout > 0 {
		bound = time.Duration(p.Timeout) * time.Second
	}
	status, ok := mp.WaitTimeout(bound)
	if !ok {
		return nil, failure.Newf(failure.Timeout, "waitProcess %s/%s: timed out after %ds", p.ContainerID, p.ID, p.Timeout)
	}
	return status, nil
}

func (h *processHandlers) deleteProcess(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, failure.Wrap(failure.InvalidArgument, "decode deleteProcess params", err)
	}
	mp, ok := h.reg.Lookup(p.ContainerID, p.ID)
	if !ok {
		return nil, nil
	}
	h.reg.Remove(mp)
	return nil, nil
}

func killPID(pid, signal int) error {
	if pid == 0 {
		return failure.New(failure.InvalidArgument, "no pid bound for process")
	}
	if err := unix.Kill(pid, unix.Signal(signal)); err != nil {
		return failure.Wrap(failure.InternalError, "kill process", err)
	}
	return nil
}

func setWinsize(fd, cols, rows int) error {
	ws := &unix.Winsize{Row: uint16(rows), Col: uint16(cols)}
	if err := unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws); err != nil {
		return failure.Wrap(failure.InternalError, "resize pty", err)
	}
	return nil
}

func closeFD(fd int) error {
	if fd == 0 {
		return nil
	}
	if err := unix.Close(fd); err != nil {
		return failure.Wrap(failure.InternalError, "close fd", err)
	}
	return nil
}
