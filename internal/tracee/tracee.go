// Package tracee implements process control: launching or
// attaching to a target, ptrace syscalls, and memory/register I/O.
//
// Every ptrace syscall runs on one dedicated, LockOSThread'd
// goroutine: ptrace state is per-OS-thread in the kernel, so the
// calling goroutine must never migrate.
package tracee

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/rerrors"
)

// addrNoRandomize is the Linux ADDR_NO_RANDOMIZE personality flag.
const addrNoRandomize = 0x0040000

// personality wraps the personality(2) syscall, which golang.org/x/sys/unix
// does not expose directly.
func personality(persona uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_PERSONALITY, persona, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Status is a thread's ptrace-stop classification.
type Status int

const (
	Running Status = iota
	StoppedInterrupt
	StoppedSignal
)

// Thread is one OS thread inside the tracee.
type Thread struct {
	Tid    int
	Status Status
	Signal unix.Signal
}

// Tracee owns the ptrace relationship to one traced process. All
// ptrace syscalls are funnelled through a single goroutine via fc/ec,
// exactly as program/server/ptrace.go does, because Linux ptrace
// requires the tracer to be the same thread that attached.
type Tracee struct {
	Pid int

	threads map[int]*Thread
	focus   int

	pty *os.File // controlling terminal for the tracee, nil if no pty is in use

	fc chan func() error
	ec chan error

	log *logrus.Entry
}

// Launch starts name with argv under ptrace: the child is started
// traced (SysProcAttr.Ptrace) and stops with SIGTRAP at its exec; the
// parent waits for that stop, then sets TRACECLONE|TRACEEXEC|TRACEEXIT.
//
// With usePTY the tracee's stdout and stderr are attached to a pty so
// programs that probe isatty() behave as they would under an
// interactive shell. Without usePTY, or when pty allocation fails (no
// /dev/ptmx in a minimal container), both go to the debugger's own
// stderr; no pipe is created. Stdin is left unset (the null device).
func Launch(name string, argv []string, disableASLR, usePTY bool) (*Tracee, error) {
	cmd := exec.Command(name, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	t := &Tracee{
		threads: map[int]*Thread{},
		fc:      make(chan func() error),
		ec:      make(chan error),
		log:     logrus.WithField("component", "tracee"),
	}

	var tty *os.File
	if usePTY {
		ptmx, sl, err := pty.Open()
		if err == nil {
			tty = sl
			t.pty = ptmx
		}
	}
	if tty != nil {
		cmd.Stdout, cmd.Stderr = tty, tty
	} else {
		cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	}

	go ptraceRun(t.fc, t.ec)

	var startErr error
	t.fc <- func() error {
		runtime.LockOSThread()
		if disableASLR {
			if err := personality(addrNoRandomize); err != nil {
				return rerrors.Wrap(rerrors.Syscall, "personality", err)
			}
		}
		startErr = cmd.Start()
		return startErr
	}
	if err := <-t.ec; err != nil {
		return nil, err
	}
	if tty != nil {
		tty.Close()
	}

	t.Pid = cmd.Process.Pid
	t.threads[t.Pid] = &Thread{Tid: t.Pid, Status: StoppedSignal}
	t.focus = t.Pid

	// The child stops with SIGTRAP once it reaches its exec; options
	// must be set on a stopped tracee.
	if err := t.ptraceCall(func() error {
		var status unix.WaitStatus
		_, err := unix.Wait4(t.Pid, &status, 0, nil)
		return err
	}); err != nil {
		return nil, rerrors.Wrap(rerrors.Waitpid, "initial stop", err)
	}
	if err := t.ptraceCall(func() error {
		return unix.PtraceSetOptions(t.Pid, unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEEXIT|unix.PTRACE_O_TRACEEXEC)
	}); err != nil {
		return nil, rerrors.Wrap(rerrors.Ptrace, "PtraceSetOptions", err)
	}
	return t, nil
}

// Attach seizes an existing process and all of its current threads.
// Two rounds of enumerate-and-seize handle threads that spawn between
// the first listing and the first round of seizes.
func Attach(pid int) (*Tracee, error) {
	t := &Tracee{
		Pid:     pid,
		threads: map[int]*Thread{},
		focus:   pid,
		fc:      make(chan func() error),
		ec:      make(chan error),
		log:     logrus.WithField("component", "tracee"),
	}
	go ptraceRun(t.fc, t.ec)

	for round := 0; round < 2; round++ {
		tids, err := listTasks(pid)
		if err != nil {
			return nil, rerrors.Wrap(rerrors.Syscall, "enumerate /proc tasks", err)
		}
		for _, tid := range tids {
			if _, ok := t.threads[tid]; ok {
				continue
			}
			if err := t.ptraceCall(func() error {
				return ptraceSeize(tid, unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEEXIT)
			}); err != nil {
				if err == unix.ESRCH {
					continue
				}
				return nil, rerrors.Wrap(rerrors.Ptrace, fmt.Sprintf("seize %d", tid), err)
			}
			if err := t.ptraceCall(func() error { return ptraceInterrupt(tid) }); err != nil && err != unix.ESRCH {
				return nil, rerrors.Wrap(rerrors.Ptrace, fmt.Sprintf("interrupt %d", tid), err)
			}
			t.threads[tid] = &Thread{Tid: tid, Status: StoppedInterrupt}
		}
	}
	return t, nil
}

func listTasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, err
	}
	var tids []int
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// ptraceRun pins the goroutine to one OS thread and serves closures
// off fc, exactly as program/server/ptrace.go's ptraceRun does.
func ptraceRun(fc chan func() error, ec chan error) {
	if cap(fc) != 0 || cap(ec) != 0 {
		panic("ptraceRun given buffered channels")
	}
	runtime.LockOSThread()
	for f := range fc {
		ec <- f()
	}
}

func (t *Tracee) ptraceCall(f func() error) error {
	t.fc <- f
	return <-t.ec
}

// ReadMemory reads len(out) bytes from the focused thread's address
// space at addr, word-granular via PEEKDATA.
func (t *Tracee) ReadMemory(at addr.Relocated, out []byte) error {
	return t.ptraceCall(func() error {
		n, err := unix.PtracePeekData(t.focus, uintptr(at), out)
		if err != nil {
			return rerrors.Wrap(rerrors.Ptrace, "PEEKDATA", err)
		}
		if n != len(out) {
			return rerrors.New(rerrors.Ptrace, fmt.Sprintf("short peek: got %d want %d", n, len(out)))
		}
		return nil
	})
}

// WriteMemory writes data at addr. Callers that need a single-byte
// patch must read-modify-write an
// 8-byte (or architecture word) aligned region themselves; this
// function writes exactly len(data) bytes via POKEDATA without doing
// that alignment dance, since ptrace's peek/poke already operate on
// whole words and the kernel handles the unaligned case transparently
// for process_vm writes — the manual word dance lives in
// internal/breakpoint, which is the one caller that cares about byte
// atomicity relative to a concurrently running sibling thread.
func (t *Tracee) WriteMemory(at addr.Relocated, data []byte) error {
	return t.ptraceCall(func() error {
		n, err := unix.PtracePokeData(t.focus, uintptr(at), data)
		if err != nil {
			return rerrors.Wrap(rerrors.Ptrace, "POKEDATA", err)
		}
		if n != len(data) {
			return rerrors.New(rerrors.Ptrace, fmt.Sprintf("short poke: wrote %d want %d", n, len(data)))
		}
		return nil
	})
}

// GetRegs reads the given thread's general-purpose registers.
func (t *Tracee) GetRegs(tid int, regs *unix.PtraceRegs) error {
	return t.ptraceCall(func() error { return unix.PtraceGetRegs(tid, regs) })
}

// SetRegs writes the given thread's general-purpose registers.
func (t *Tracee) SetRegs(tid int, regs *unix.PtraceRegs) error {
	return t.ptraceCall(func() error { return unix.PtraceSetRegs(tid, regs) })
}

// PeekUser reads a word from a thread's USER area (used for the debug
// registers DR0-DR7, which have no dedicated ptrace request).
func (t *Tracee) PeekUser(tid int, offset uintptr) (uint64, error) {
	var out uint64
	err := t.ptraceCall(func() error {
		v, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_PEEKUSR, uintptr(tid), offset, 0, 0, 0)
		if errno != 0 {
			return errno
		}
		out = uint64(v)
		return nil
	})
	return out, err
}

// PokeUser writes a word into a thread's USER area.
func (t *Tracee) PokeUser(tid int, offset uintptr, value uint64) error {
	return t.ptraceCall(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_POKEUSR, uintptr(tid), offset, uintptr(value), 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
}

// SingleStep steps one instruction on tid, optionally injecting sig.
// x/sys/unix's PtraceSingleStep wrapper takes no signal, so the
// request goes through the raw syscall with data=sig.
func (t *Tracee) SingleStep(tid int, sig int) error {
	return t.ptraceCall(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(tid), 0, uintptr(sig), 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
}

// Cont resumes tid, optionally injecting sig.
func (t *Tracee) Cont(tid int, sig int) error {
	return t.ptraceCall(func() error { return unix.PtraceCont(tid, sig) })
}

// Interrupt issues PTRACE_INTERRUPT to tid, part of the group-stop
// protocol.
func (t *Tracee) Interrupt(tid int) error {
	return t.ptraceCall(func() error { return ptraceInterrupt(tid) })
}

// ptraceSeize and ptraceInterrupt have no typed wrappers in
// golang.org/x/sys/unix, so they go through the raw syscall.
func ptraceSeize(tid int, opts int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(tid), 0, uintptr(opts), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceInterrupt(tid int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_INTERRUPT, uintptr(tid), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Wait blocks for any ptrace event from pid (-1 for any child).
func (t *Tracee) Wait(pid int) (wpid int, status unix.WaitStatus, err error) {
	err = t.ptraceCall(func() error {
		var werr error
		wpid, werr = unix.Wait4(pid, &status, 0, nil)
		return werr
	})
	return
}

// Threads returns the current thread set, focus first.
func (t *Tracee) Threads() []*Thread {
	out := make([]*Thread, 0, len(t.threads))
	if th, ok := t.threads[t.focus]; ok {
		out = append(out, th)
	}
	for tid, th := range t.threads {
		if tid == t.focus {
			continue
		}
		out = append(out, th)
	}
	return out
}

// ThreadIDs returns every known thread id, for the tracer's
// group-stop sweep.
func (t *Tracee) ThreadIDs() []int {
	out := make([]int, 0, len(t.threads))
	for tid := range t.threads {
		out = append(out, tid)
	}
	sort.Ints(out)
	return out
}

// Focus returns the currently focused thread id.
func (t *Tracee) Focus() int { return t.focus }

// SetFocus changes which thread steers register/variable reads.
func (t *Tracee) SetFocus(tid int) error {
	if _, ok := t.threads[tid]; !ok {
		return rerrors.New(rerrors.RegisterNotFound, fmt.Sprintf("no such thread %d", tid))
	}
	t.focus = tid
	return nil
}

// AddThread registers a newly cloned thread (PTRACE_EVENT_CLONE).
func (t *Tracee) AddThread(tid int) { t.threads[tid] = &Thread{Tid: tid, Status: StoppedInterrupt} }

// RemoveThread drops an exited thread (PTRACE_EVENT_EXIT).
func (t *Tracee) RemoveThread(tid int) { delete(t.threads, tid) }

// Detach releases the tracee, killing it if requested.
func (t *Tracee) Detach(kill bool) error {
	if kill {
		return unix.Kill(t.Pid, unix.SIGKILL)
	}
	for tid := range t.threads {
		_ = t.ptraceCall(func() error { return unix.PtraceDetach(tid) })
	}
	return nil
}
