package tracer

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakePtracer serves a scripted queue of wait events and records
// every resume/interrupt issued against it.
type fakePtracer struct {
	events  []waitEvent
	threads []int

	conts      []contCall
	interrupts []int
	added      []int
	removed    []int
}

type waitEvent struct {
	pid    int
	status unix.WaitStatus
}

type contCall struct {
	tid, sig int
}

func (f *fakePtracer) Wait(pid int) (int, unix.WaitStatus, error) {
	if len(f.events) == 0 {
		return 0, 0, unix.ECHILD
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev.pid, ev.status, nil
}

func (f *fakePtracer) Cont(tid int, sig int) error {
	f.conts = append(f.conts, contCall{tid, sig})
	return nil
}

func (f *fakePtracer) SingleStep(tid int, sig int) error { return nil }
func (f *fakePtracer) Interrupt(tid int) error {
	f.interrupts = append(f.interrupts, tid)
	return nil
}
func (f *fakePtracer) ThreadIDs() []int { return append([]int(nil), f.threads...) }
func (f *fakePtracer) AddThread(tid int) {
	f.added = append(f.added, tid)
	f.threads = append(f.threads, tid)
}
func (f *fakePtracer) RemoveThread(tid int) {
	f.removed = append(f.removed, tid)
	for i, th := range f.threads {
		if th == tid {
			f.threads = append(f.threads[:i], f.threads[i+1:]...)
			break
		}
	}
}

const (
	statusStopTrap = unix.WaitStatus(0x7f | uint32(unix.SIGTRAP)<<8)
	statusStopStop = unix.WaitStatus(0x7f | uint32(unix.SIGSTOP)<<8)
	statusStopUsr1 = unix.WaitStatus(0x7f | uint32(unix.SIGUSR1)<<8)
)

func eventStatus(event uint32) unix.WaitStatus {
	return unix.WaitStatus(uint32(statusStopTrap) | event<<16)
}

func exitStatus(code uint32) unix.WaitStatus { return unix.WaitStatus(code << 8) }

func stubSiginfo(t *testing.T, code int32) {
	t.Helper()
	orig := siginfoCode
	siginfoCode = func(tid int) (int32, error) { return code, nil }
	t.Cleanup(func() { siginfoCode = orig })
}

func TestMainThreadExit(t *testing.T) {
	pt := &fakePtracer{threads: []int{100}, events: []waitEvent{{pid: 100, status: exitStatus(3)}}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100})
	require.NoError(t, err)
	require.Equal(t, Exited, stop.Reason)
	require.Equal(t, 3, stop.ExitCode)
	require.Equal(t, []int{100}, pt.removed)
}

func TestSiblingExitIsAbsorbed(t *testing.T) {
	pt := &fakePtracer{threads: []int{100, 101}, events: []waitEvent{
		{pid: 101, status: exitStatus(0)}, // sibling thread exits
		{pid: 100, status: exitStatus(0)}, // then the main thread
	}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100, 101})
	require.NoError(t, err)
	require.Equal(t, Exited, stop.Reason)
	require.Equal(t, 100, stop.Pid)
	require.Equal(t, []int{101, 100}, pt.removed)
}

func TestExecEvent(t *testing.T) {
	pt := &fakePtracer{threads: []int{100}, events: []waitEvent{{pid: 100, status: eventStatus(unix.PTRACE_EVENT_EXEC)}}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100})
	require.NoError(t, err)
	require.Equal(t, Execed, stop.Reason)
}

func TestCloneRegistersNewThread(t *testing.T) {
	origClone := cloneChildTid
	cloneChildTid = func(tid int) (int, error) { return 205, nil }
	defer func() { cloneChildTid = origClone }()
	stubSiginfo(t, trapBrkpt)

	pt := &fakePtracer{threads: []int{100}, events: []waitEvent{
		{pid: 100, status: eventStatus(unix.PTRACE_EVENT_CLONE)},
		{pid: 100, status: statusStopTrap}, // breakpoint after the clone resumes
	}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100})
	require.NoError(t, err)
	require.Equal(t, []int{205}, pt.added)
	require.Equal(t, Breakpoint, stop.Reason)
}

func TestBreakpointGroupStopsSiblings(t *testing.T) {
	stubSiginfo(t, trapBrkpt)
	pt := &fakePtracer{threads: []int{100, 101, 102}, events: []waitEvent{
		{pid: 100, status: statusStopTrap}, // the breakpoint hit
		{pid: 101, status: statusStopStop}, // siblings stopping under interrupt
		{pid: 102, status: statusStopStop},
	}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100, 101, 102})
	require.NoError(t, err)
	require.Equal(t, Breakpoint, stop.Reason)
	require.Equal(t, 100, stop.Pid)
	// Both running siblings were interrupted, never the triggering
	// thread, and their stops were absorbed before returning.
	require.ElementsMatch(t, []int{101, 102}, pt.interrupts)
	require.Empty(t, pt.events)
}

func TestGroupStopQueuesSiblingSignal(t *testing.T) {
	stubSiginfo(t, trapBrkpt)
	pt := &fakePtracer{threads: []int{100, 101}, events: []waitEvent{
		{pid: 100, status: statusStopTrap},
		{pid: 101, status: statusStopUsr1}, // signal raced the interrupt
	}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100, 101})
	require.NoError(t, err)
	require.Equal(t, Breakpoint, stop.Reason)

	// The absorbed sibling's signal is queued and injected on its
	// next resume.
	pt.events = []waitEvent{{pid: 100, status: exitStatus(0)}}
	_, err = tr.Resume([]int{100, 101})
	require.NoError(t, err)
	require.Contains(t, pt.conts, contCall{101, int(unix.SIGUSR1)})
}

func TestHardwareWatchpointClassified(t *testing.T) {
	stubSiginfo(t, trapHwbkpt)
	pt := &fakePtracer{threads: []int{100}, events: []waitEvent{{pid: 100, status: statusStopTrap}}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100})
	require.NoError(t, err)
	require.Equal(t, Watchpoint, stop.Reason)
}

func TestOtherSignalQueuedAndInjectedOnNextResume(t *testing.T) {
	pt := &fakePtracer{threads: []int{100}, events: []waitEvent{{pid: 100, status: statusStopUsr1}}}
	tr := New(pt, 100)

	stop, err := tr.Resume([]int{100})
	require.NoError(t, err)
	require.Equal(t, SignalStop, stop.Reason)
	require.Equal(t, unix.SIGUSR1, stop.Signal)

	// The queued signal rides along on the thread's next resume.
	pt.events = []waitEvent{{pid: 100, status: exitStatus(0)}}
	_, err = tr.Resume([]int{100})
	require.NoError(t, err)
	last := pt.conts[len(pt.conts)-1]
	require.Equal(t, contCall{100, int(unix.SIGUSR1)}, last)
}

func TestECHILDMeansGone(t *testing.T) {
	pt := &fakePtracer{} // empty queue: Wait returns ECHILD
	tr := New(pt, 100)

	stop, err := tr.Resume(nil)
	require.NoError(t, err)
	require.Equal(t, Exited, stop.Reason)
}
