// Package tracer implements the central event loop: it
// resumes stopped threads, waits for the next kernel event, classifies
// it, updates thread-set state, and returns a StopReason to the
// caller, or loops internally to finish a group-stop.
//
package tracer

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nvdbg/rdbg/internal/rerrors"
)

// Ptracer is the subset of *internal/tracee.Tracee the event loop needs.
type Ptracer interface {
	Wait(pid int) (wpid int, status unix.WaitStatus, err error)
	Cont(tid int, sig int) error
	SingleStep(tid int, sig int) error
	Interrupt(tid int) error
	ThreadIDs() []int
	AddThread(tid int)
	RemoveThread(tid int)
}

// Reason classifies why Resume returned control to the caller.
type Reason int

const (
	Exited Reason = iota
	Execed
	Breakpoint
	Watchpoint
	SignalStop
)

func (r Reason) String() string {
	return [...]string{"Exited", "Execed", "Breakpoint", "Watchpoint", "SignalStop"}[r]
}

// Stop describes one return from Resume.
type Stop struct {
	Reason   Reason
	Pid      int // triggering thread
	ExitCode int
	PC       uint64      // Breakpoint: left 0 by Resume; debugger's resume wrapper stores the rewound PC
	DR6Slot  int         // Watchpoint: not set by Resume (always 0); the slot is read from DR6 by the watchpoint table
	Signal   unix.Signal // SignalStop
}

// Tracer drives the group-stop protocol over a Ptracer.
type Tracer struct {
	pt Ptracer

	mainPid int
	// pending holds (pid, signal) pairs queued by non-trap signals,
	// delivered on the next resume of that thread.
	pending map[int]unix.Signal

	// running tracks which threads have been resumed and not yet seen
	// to stop; the group-stop protocol interrupts exactly these.
	running map[int]bool

	inGroupStop bool // group-stop re-entrancy guard

	log *logrus.Entry
}

func New(pt Ptracer, mainPid int) *Tracer {
	return &Tracer{
		pt:      pt,
		mainPid: mainPid,
		pending: map[int]unix.Signal{},
		running: map[int]bool{},
		log:     logrus.WithField("component", "tracer"),
	}
}

// Resume continues every stopped thread (injecting any pending signal
// on the thread it's queued for) and blocks until the next reportable
// event.
func (tr *Tracer) Resume(stoppedThreads []int) (*Stop, error) {
	for _, tid := range stoppedThreads {
		sig := 0
		if s, ok := tr.pending[tid]; ok {
			sig = int(s)
			delete(tr.pending, tid)
		}
		if err := tr.pt.Cont(tid, sig); err != nil {
			return nil, rerrors.Wrap(rerrors.Ptrace, fmt.Sprintf("cont %d", tid), err)
		}
		tr.running[tid] = true
	}
	return tr.waitAndClassify()
}

func (tr *Tracer) waitAndClassify() (*Stop, error) {
	wpid, status, err := tr.pt.Wait(-1)
	if err != nil {
		if err == unix.ECHILD {
			return &Stop{Reason: Exited, Pid: tr.mainPid, ExitCode: 0}, nil
		}
		return nil, rerrors.Wrap(rerrors.Waitpid, "wait4", err).WithFatal(true)
	}

	switch {
	case status.Exited():
		tr.pt.RemoveThread(wpid)
		delete(tr.running, wpid)
		if wpid == tr.mainPid {
			return &Stop{Reason: Exited, Pid: wpid, ExitCode: status.ExitStatus()}, nil
		}
		// A non-main thread exiting is bookkeeping only; keep going.
		return tr.waitAndClassify()

	case status.Signaled():
		tr.pt.RemoveThread(wpid)
		delete(tr.running, wpid)
		return &Stop{Reason: Exited, Pid: wpid, ExitCode: 128 + int(status.Signal())}, nil

	case status.Stopped():
		return tr.classifyStop(wpid, status)
	}

	return tr.waitAndClassify()
}

func (tr *Tracer) classifyStop(wpid int, status unix.WaitStatus) (*Stop, error) {
	delete(tr.running, wpid)
	trapCause := status.TrapCause()
	sig := status.StopSignal()

	switch {
	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXEC:
		return &Stop{Reason: Execed, Pid: wpid}, nil

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_CLONE:
		newTid, err := cloneChildTid(wpid)
		if err == nil && newTid != 0 {
			tr.pt.AddThread(newTid)
		}
		if err := tr.pt.Cont(wpid, 0); err != nil {
			return nil, rerrors.Wrap(rerrors.Ptrace, "cont after clone", err)
		}
		tr.running[wpid] = true
		return tr.waitAndClassify()

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_STOP:
		// Bookkeeping only.
		if err := tr.pt.Cont(wpid, 0); err != nil {
			return nil, rerrors.Wrap(rerrors.Ptrace, "cont after event-stop", err)
		}
		tr.running[wpid] = true
		return tr.waitAndClassify()

	case sig == unix.SIGTRAP && trapCause == unix.PTRACE_EVENT_EXIT:
		tr.pt.RemoveThread(wpid)
		if err := tr.pt.Cont(wpid, 0); err != nil {
			return nil, rerrors.Wrap(rerrors.Ptrace, "cont after exit-event", err)
		}
		tr.running[wpid] = true
		return tr.waitAndClassify()

	case sig == unix.SIGTRAP:
		// TRAP_BRKPT | SI_KERNEL => software breakpoint. TRAP_HWBKPT
		// => hardware watchpoint. Both cases leave PC rewinding and
		// DR6 inspection to the caller (breakpoint/watchpoint
		// managers), which have the context this package deliberately
		// doesn't: the breakpoint width and the DR7 slot table.
		code, err := siginfoCode(wpid)
		if err == nil && code == trapHwbkpt {
			return tr.groupStopThen(wpid, &Stop{Reason: Watchpoint, Pid: wpid})
		}
		return tr.groupStopThen(wpid, &Stop{Reason: Breakpoint, Pid: wpid})

	default:
		tr.pending[wpid] = sig
		return tr.groupStopThen(wpid, &Stop{Reason: SignalStop, Pid: wpid, Signal: sig})
	}
}

// groupStopThen runs the group-stop protocol before returning stop to
// the caller: every sibling thread still running is interrupted and
// its stop absorbed, so the client observes a consistent snapshot with
// the triggering thread's stop reported first. A re-entrancy guard
// prevents nested group-stops if absorbing a sibling's events recurses
// back here.
func (tr *Tracer) groupStopThen(triggeringTid int, stop *Stop) (*Stop, error) {
	if tr.inGroupStop {
		return stop, nil
	}
	tr.inGroupStop = true
	defer func() { tr.inGroupStop = false }()

	// Two rounds: a sibling that spawns a thread while the first round
	// is in flight gets caught by the second.
	for round := 0; round < 2; round++ {
		for _, tid := range tr.pt.ThreadIDs() {
			if tid == triggeringTid || !tr.running[tid] {
				continue
			}
			if err := tr.pt.Interrupt(tid); err != nil {
				if err == unix.ESRCH {
					// Already gone; it just hasn't been reaped yet.
					tr.pt.RemoveThread(tid)
					delete(tr.running, tid)
					continue
				}
				tr.log.WithError(err).WithField("tid", tid).Warn("group-stop interrupt failed")
				continue
			}
			if err := tr.absorbUntilStopped(tid); err != nil {
				return stop, err
			}
		}
	}
	return stop, nil
}

// absorbUntilStopped waits until tid is no longer running, handling
// intervening events from any thread along the way: exits are reaped,
// clones registered, and non-trap signals queued for redelivery. The
// sibling stops themselves are absorbed, never reported.
func (tr *Tracer) absorbUntilStopped(tid int) error {
	for tr.running[tid] {
		wpid, status, err := tr.pt.Wait(-1)
		if err != nil {
			if err == unix.ECHILD {
				delete(tr.running, tid)
				return nil
			}
			return rerrors.Wrap(rerrors.Waitpid, "wait during group-stop", err).WithFatal(true)
		}
		switch {
		case status.Exited() || status.Signaled():
			tr.pt.RemoveThread(wpid)
			delete(tr.running, wpid)

		case status.Stopped():
			sig := status.StopSignal()
			if sig == unix.SIGTRAP && status.TrapCause() == unix.PTRACE_EVENT_CLONE {
				if newTid, cerr := cloneChildTid(wpid); cerr == nil && newTid != 0 {
					tr.pt.AddThread(newTid)
				}
			} else if sig != unix.SIGTRAP && sig != unix.SIGSTOP {
				tr.pending[wpid] = sig
			}
			delete(tr.running, wpid)
		}
	}
	return nil
}

// cloneChildTid retrieves the new thread id from a PTRACE_EVENT_CLONE
// stop via PTRACE_GETEVENTMSG. Left as a small free function so it's
// easy to fake in tests without satisfying the whole Ptracer interface.
var cloneChildTid = func(tid int) (int, error) {
	msg, err := unix.PtraceGetEventMsg(tid)
	if err != nil {
		return 0, err
	}
	return int(msg), nil
}

// si_code values for a SIGTRAP siginfo (asm-generic/siginfo.h).
const (
	trapBrkpt  = 1 // TRAP_BRKPT: software breakpoint
	trapHwbkpt = 4 // TRAP_HWBKPT: hardware break/watchpoint
	siKernel   = 0x80
)

// siginfoFields mirrors the head of Linux's siginfo_t: si_signo,
// si_errno, si_code as three consecutive int32s. x/sys/unix exposes no
// typed PTRACE_GETSIGINFO wrapper, so this reads the raw struct the
// same way program/server/ptrace.go reaches straight for syscall
// numbers when the higher-level wrapper doesn't exist.
type siginfoFields struct {
	Signo, Errno, Code int32
}

var siginfoCode = func(tid int) (int32, error) {
	var info siginfoFields
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(tid),
		0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return info.Code, nil
}
