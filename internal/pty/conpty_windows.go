//go:build windows

package pty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/peterje/expectty/internal/errs"
)

// Local spawns children on a Windows pseudo console (ConPTY).
type Local struct {
	Logger logrus.FieldLogger
}

func makeCoord(size Size) windows.Coord {
	return windows.Coord{X: int16(size.Cols), Y: int16(size.Rows)}
}

// Spawn creates a pseudo console, starts cmd attached to it, and places
// the child in a job object so terminating the job terminates every
// descendant.
func (l Local) Spawn(ctx context.Context, c Command) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, &errs.SpawnError{Command: c.String(), Err: err}
	}
	if c.Path == "" {
		return nil, &errs.SpawnError{Command: "", Err: errors.New("no command specified")}
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return nil, &errs.SpawnError{Command: c.String(), Err: err}
	}

	var inRead, inWrite, outRead, outWrite windows.Handle
	if err := windows.CreatePipe(&inRead, &inWrite, nil, 0); err != nil {
		return nil, &errs.SpawnError{Command: c.String(), Err: fmt.Errorf("create input pipe: %w", err)}
	}
	if err := windows.CreatePipe(&outRead, &outWrite, nil, 0); err != nil {
		windows.CloseHandle(inRead)
		windows.CloseHandle(inWrite)
		return nil, &errs.SpawnError{Command: c.String(), Err: fmt.Errorf("create output pipe: %w", err)}
	}

	size := c.size()
	var hpc windows.Handle
	if err := windows.CreatePseudoConsole(makeCoord(size), inRead, outWrite, 0, &hpc); err != nil {
		windows.CloseHandle(inRead)
		windows.CloseHandle(inWrite)
		windows.CloseHandle(outRead)
		windows.CloseHandle(outWrite)
		return nil, &errs.SpawnError{Command: c.String(), Err: fmt.Errorf("CreatePseudoConsole: %w", err)}
	}
	// The console owns its ends now.
	windows.CloseHandle(inRead)
	windows.CloseHandle(outWrite)

	job, err := newKillOnCloseJob()
	if err != nil {
		windows.ClosePseudoConsole(hpc)
		windows.CloseHandle(inWrite)
		windows.CloseHandle(outRead)
		return nil, &errs.SpawnError{Command: c.String(), Err: err}
	}

	process, pid, err := startAttached(hpc, job, path, c)
	if err != nil {
		windows.ClosePseudoConsole(hpc)
		windows.CloseHandle(inWrite)
		windows.CloseHandle(outRead)
		windows.CloseHandle(job)
		return nil, &errs.SpawnError{Command: c.String(), Err: err}
	}

	log := l.Logger
	if log == nil {
		log = discard
	}
	b := &conPTY{
		hpc:     hpc,
		in:      inWrite,
		out:     outRead,
		process: process,
		job:     job,
		done:    make(chan struct{}),
		log:     log.WithField("pid", pid),
	}
	go b.watchProcess()
	b.log.WithField("command", c.String()).Debug("pty: child started")
	return b, nil
}

func newKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, fmt.Errorf("CreateJobObject: %w", err)
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{}
	info.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return 0, fmt.Errorf("SetInformationJobObject: %w", err)
	}
	return job, nil
}

func startAttached(hpc, job windows.Handle, path string, c Command) (windows.Handle, uint32, error) {
	attrs, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		return 0, 0, fmt.Errorf("NewProcThreadAttributeList: %w", err)
	}
	defer attrs.Delete()

	// The attribute value is the HPCON itself, not a pointer to it.
	if err := attrs.Update(windows.PROC_THREAD_ATTRIBUTE_PSEUDOCONSOLE, unsafe.Pointer(hpc), unsafe.Sizeof(hpc)); err != nil {
		return 0, 0, fmt.Errorf("UpdateProcThreadAttribute: %w", err)
	}

	si := windows.StartupInfoEx{ProcThreadAttributeList: attrs.List()}
	si.Cb = uint32(unsafe.Sizeof(si))

	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(append([]string{path}, c.Args...)))
	if err != nil {
		return 0, 0, err
	}
	var dir *uint16
	if c.Dir != "" {
		if dir, err = windows.UTF16PtrFromString(c.Dir); err != nil {
			return 0, 0, err
		}
	}
	env := c.Env
	if env == nil {
		env = os.Environ()
	}
	block, err := envBlock(env)
	if err != nil {
		return 0, 0, err
	}

	var pi windows.ProcessInformation
	flags := uint32(windows.EXTENDED_STARTUPINFO_PRESENT | windows.CREATE_UNICODE_ENVIRONMENT | windows.CREATE_SUSPENDED)
	if err := windows.CreateProcess(nil, cmdLine, nil, nil, false, flags, &block[0], dir, &si.StartupInfo, &pi); err != nil {
		return 0, 0, fmt.Errorf("CreateProcess: %w", err)
	}
	defer windows.CloseHandle(pi.Thread)

	if err := windows.AssignProcessToJobObject(job, pi.Process); err != nil {
		windows.TerminateProcess(pi.Process, 1)
		windows.CloseHandle(pi.Process)
		return 0, 0, fmt.Errorf("AssignProcessToJobObject: %w", err)
	}
	if _, err := windows.ResumeThread(pi.Thread); err != nil {
		windows.TerminateProcess(pi.Process, 1)
		windows.CloseHandle(pi.Process)
		return 0, 0, fmt.Errorf("ResumeThread: %w", err)
	}
	return pi.Process, pi.ProcessId, nil
}

// envBlock encodes env as a NUL-separated, double-NUL-terminated UTF-16 block.
func envBlock(env []string) ([]uint16, error) {
	var block []uint16
	for _, kv := range env {
		u, err := windows.UTF16FromString(kv)
		if err != nil {
			return nil, err
		}
		block = append(block, u...)
	}
	if len(block) == 0 {
		block = append(block, 0)
	}
	return append(block, 0), nil
}

type conPTY struct {
	hpc     windows.Handle
	in      windows.Handle // write end, child stdin
	out     windows.Handle // read end, child stdout
	process windows.Handle
	job     windows.Handle
	log     logrus.FieldLogger

	done   chan struct{}
	status ExitStatus

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

func (c *conPTY) watchProcess() {
	windows.WaitForSingleObject(c.process, windows.INFINITE)
	var code uint32
	if err := windows.GetExitCodeProcess(c.process, &code); err != nil {
		c.status = ExitStatus{Code: -1}
	} else {
		c.status = ExitStatus{Code: int(code)}
	}
	close(c.done)
	c.log.WithField("status", c.status.String()).Debug("pty: child exited")
}

func (c *conPTY) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Read blocks in ReadFile on the output pipe. ClosePseudoConsole breaks
// the pipe, which surfaces as end of stream.
func (c *conPTY) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		var n uint32
		err := windows.ReadFile(c.out, p, &n, nil)
		if n > 0 {
			return int(n), nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, windows.ERROR_BROKEN_PIPE), errors.Is(err, windows.ERROR_INVALID_HANDLE):
			return 0, io.EOF
		case errors.Is(err, windows.ERROR_OPERATION_ABORTED):
			continue
		default:
			return 0, &errs.IOError{Op: "read", Err: err}
		}
	}
}

func (c *conPTY) Write(p []byte) (int, error) {
	if c.exited() {
		return 0, &errs.IOError{Op: "write", Err: windows.ERROR_BROKEN_PIPE}
	}
	written := 0
	for written < len(p) {
		var n uint32
		err := windows.WriteFile(c.in, p[written:], &n, nil)
		written += int(n)
		if err != nil {
			return written, &errs.IOError{Op: "write", Err: err}
		}
	}
	return written, nil
}

func (c *conPTY) Resize(size Size) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &errs.NotRunningError{Op: "resize", State: "closed"}
	}
	if err := windows.ResizePseudoConsole(c.hpc, makeCoord(size)); err != nil {
		return &errs.IOError{Op: "resize", Err: err}
	}
	return nil
}

// Signal maps interrupt to a Ctrl-C keystroke, which ConPTY turns into a
// console control event. Every other signal terminates the job.
func (c *conPTY) Signal(sig Signal) error {
	if c.exited() {
		return &errs.NotRunningError{Op: "signal", State: c.status.String()}
	}
	switch sig {
	case SigInterrupt:
		_, err := c.Write([]byte{0x03})
		return err
	case SigTerminate, SigKill, SigHangup, SigQuit:
		if err := windows.TerminateJobObject(c.job, 1); err != nil {
			return &errs.IOError{Op: "signal", Err: err}
		}
		return nil
	default:
		return fmt.Errorf("signal: unsupported %s", sig)
	}
}

func (c *conPTY) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-c.done:
		return c.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Close tears down in the order ConPTY expects: console, job, pipes,
// then the process handle once the watcher is done with it.
func (c *conPTY) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		windows.ClosePseudoConsole(c.hpc)
		windows.TerminateJobObject(c.job, 1)
		<-c.done
		windows.CloseHandle(c.in)
		windows.CloseHandle(c.out)
		windows.CloseHandle(c.job)
		windows.CloseHandle(c.process)
	})
	return nil
}

var _ Signaler = (*conPTY)(nil)
