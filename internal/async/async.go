// Package async implements the async-runtime inspector:
// identifies scheduler worker threads, walks the scheduler's
// owned-tasks list to reconstruct the task list (the run queue is not
// read), and walks each task's future chain to produce a
// per-task future stack. Async-aware step-over composes
// internal/step's step-over with a completion watchpoint.
package async

import (
	"strconv"

	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/rerrors"
	"github.com/nvdbg/rdbg/internal/step"
	"github.com/nvdbg/rdbg/internal/tracer"
	"github.com/nvdbg/rdbg/internal/typegraph"
	"github.com/nvdbg/rdbg/internal/value"
	"github.com/nvdbg/rdbg/internal/watchpoint"
)

// ThreadRole classifies a thread's relationship to the scheduler.
type ThreadRole int

const (
	Neither ThreadRole = iota
	Worker
	Blocked
)

// TaskState mirrors the header's atomic state word (bit 0b0010 =
// complete).
type TaskState uint64

const completeBit = 0b0010

func (s TaskState) Complete() bool { return uint64(s)&completeBit != 0 }

// FutureNodeKind tags one frame of a task's future stack.
type FutureNodeKind int

const (
	KindAsyncFn FutureNodeKind = iota
	KindTokioSleep
	KindJoinHandle
	KindCustom
)

// AsyncFnState is the inner state of an AsyncFn future node.
type AsyncFnState struct {
	Suspend  int // Suspend(N); -1 if not a Suspend state
	Returned bool
	Panicked bool
	Unresumed bool
}

// FutureNode is one frame of a task's reconstructed future stack.
type FutureNode struct {
	Kind       FutureNodeKind
	State      AsyncFnState          // KindAsyncFn
	Deadline   [2]uint64             // KindTokioSleep: (seconds, nanos)
	WaitFor    addr.Relocated        // KindJoinHandle: target task header pointer
	CustomName string                // KindCustom
}

// Task is one reconstructed entry in the async backtrace's task
// list.
type Task struct {
	Header addr.Relocated
	Stack  []FutureNode
}

// Reader is the memory+type surface the inspector needs: reading the
// scheduler's CONTEXT thread-local, the owned-tasks linked list, and
// materializing typed values at arbitrary addresses.
type Reader interface {
	ReadMemory(at addr.Relocated, out []byte) error
	ValueAt(typeName string, at addr.Relocated) (*value.Value, error)
	ContextTLS(tid int) (addr.Relocated, error) // &CONTEXT for tid
}

// Inspector reconstructs the async runtime's task graph on demand; it
// holds no state between calls.
type Inspector struct {
	r Reader
}

func New(r Reader) *Inspector {
	return &Inspector{r: r}
}

// ClassifyThread reports Worker when tid's CONTEXT thread-local
// resolves to a non-zero address and Neither otherwise; it never
// reports Blocked.
func (in *Inspector) ClassifyThread(tid int) (ThreadRole, error) {
	ctx, err := in.r.ContextTLS(tid)
	if err != nil || ctx == 0 {
		return Neither, nil
	}
	return Worker, nil
}

// Tasks walks a worker thread's owned-tasks list (a lock-protected
// linked list of task headers hanging off CONTEXT) and reconstructs
// each task's future stack.
func (in *Inspector) Tasks(tid int) ([]Task, error) {
	ctxAddr, err := in.r.ContextTLS(tid)
	if err != nil {
		return nil, err
	}
	ctx, err := in.r.ValueAt("tokio::runtime::context::Context", ctxAddr)
	if err != nil {
		return nil, rerrors.Wrap(rerrors.TypeNotFound, "read scheduler CONTEXT", err)
	}
	ownedList, err := ctx.Field("owned_tasks")
	if err != nil {
		return nil, rerrors.Wrap(rerrors.PlaceNotFound, "no owned_tasks field in CONTEXT", err)
	}

	var tasks []Task
	head, err := ownedList.Field("head")
	for err == nil && head != nil {
		hdrAddr, herr := headerAddr(head)
		if herr != nil {
			break
		}
		stack, serr := in.walkFutureChain(hdrAddr)
		if serr == nil {
			tasks = append(tasks, Task{Header: hdrAddr, Stack: stack})
		}
		next, nerr := head.Field("next")
		if nerr != nil {
			break
		}
		head = next
	}
	return tasks, nil
}

func headerAddr(v *value.Value) (addr.Relocated, error) {
	if v.Region.Addr == nil {
		return 0, rerrors.New(rerrors.IncorrectAssumption, "task header has no address")
	}
	return *v.Region.Addr, nil
}

// walkFutureChain reads the task at header as the type named
// tokio::runtime::task::core::Cell, extracts the root future from
// core.stage.stage.0.value.0, and walks __awaitee repeatedly. The
// task's poll vtable is not consulted, so the Cell<T, S>
// instantiation is not derived from the task itself.
func (in *Inspector) walkFutureChain(header addr.Relocated) ([]FutureNode, error) {
	root, err := in.r.ValueAt("tokio::runtime::task::core::Cell", header)
	if err != nil {
		return nil, err
	}
	future, err := descend(root, "core", "stage", "stage", "0", "value", "0")
	if err != nil {
		return nil, err
	}

	var stack []FutureNode
	for cur := future; cur != nil; {
		node, next, err := classifyFutureNode(cur)
		if err != nil {
			break
		}
		stack = append(stack, node)
		cur = next
	}
	return stack, nil
}

func descend(v *value.Value, path ...string) (*value.Value, error) {
	cur := v
	for _, p := range path {
		f, err := cur.Field(p)
		if err != nil {
			return nil, err
		}
		cur = f
	}
	return cur, nil
}

// classifyFutureNode identifies which idiom cur's type matches and
// returns the reconstructed node plus the next node in the chain (its
// __awaitee field).
func classifyFutureNode(cur *value.Value) (FutureNode, *value.Value, error) {
	name := cur.Type.Name
	switch {
	case hasPrefix(name, "tokio::time::sleep::Sleep"):
		dl, err := cur.Field("deadline")
		node := FutureNode{Kind: KindTokioSleep}
		if err == nil {
			node.Deadline = deadlineOf(dl)
		}
		return node, nil, nil

	case hasPrefix(name, "tokio::task::join::JoinHandle"):
		target, err := cur.Field("raw")
		node := FutureNode{Kind: KindJoinHandle}
		if err == nil && len(target.Region.Raw) >= 8 {
			node.WaitFor = addr.Relocated(leUint64(target.Region.Raw[:8]))
		}
		return node, nil, nil

	case cur.Type.Kind == typegraph.KindRustEnum:
		node := FutureNode{Kind: KindAsyncFn, State: asyncFnStateOf(cur)}
		next, _ := cur.Field("__awaitee")
		return node, next, nil

	default:
		return FutureNode{Kind: KindCustom, CustomName: name}, nil, nil
	}
}

func asyncFnStateOf(v *value.Value) AsyncFnState {
	for i, variant := range v.Type.Variants {
		switch variant.Name {
		case "Returned":
			return AsyncFnState{Suspend: -1, Returned: true}
		case "Panicked":
			return AsyncFnState{Suspend: -1, Panicked: true}
		case "Unresumed":
			return AsyncFnState{Suspend: -1, Unresumed: true}
		default:
			if hasPrefix(variant.Name, "Suspend") {
				if n, err := strconv.Atoi(variant.Name[len("Suspend"):]); err == nil {
					return AsyncFnState{Suspend: n}
				}
				return AsyncFnState{Suspend: i}
			}
		}
	}
	return AsyncFnState{Suspend: -1}
}

func deadlineOf(v *value.Value) [2]uint64 {
	var d [2]uint64
	if sec, err := v.Field("secs"); err == nil {
		if len(sec.Region.Raw) >= 8 {
			d[0] = leUint64(sec.Region.Raw)
		}
	}
	if nsec, err := v.Field("nanos"); err == nil {
		if len(nsec.Region.Raw) >= 4 {
			d[1] = leUint64(nsec.Region.Raw[:4])
		}
	}
	return d
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }

// StepOverAsync mirrors internal/step's step-over but accounts for the
// scheduler switching which task runs on a given OS thread between
// stops:
//
//  1. record the initial _task_context pointer;
//  2. if any future in any task is a JoinHandle pointing at the
//     current task, install an 8-byte write-watchpoint on that task's
//     state word to detect the completion bit;
//  3. continue; on each stop, accept it only if _task_context still
//     matches the initial value — otherwise the scheduler switched
//     tasks underneath the stepper, and stepping continues;
//  4. on the completion watchpoint firing with the bit set, report
//     task completion instead of a plain step.
func (in *Inspector) StepOverAsync(
	eng *step.Engine, th *step.Thread, stopped []int, place *step.Place,
	taskContext func() (addr.Relocated, error),
	wps *watchpoint.Table, currentTaskStateWord func() (addr.Relocated, error),
) (*step.Result, bool, error) {
	initial, err := taskContext()
	if err != nil {
		return nil, false, err
	}

	var completionWP *watchpoint.Watchpoint
	awaited := false
	stateAddr, err := currentTaskStateWord()
	if err == nil && stateAddr != 0 {
		// The state word is the header's first field, so a JoinHandle
		// waiting on this task holds stateAddr as its header pointer.
		if tasks, terr := in.Tasks(th.Tid); terr == nil {
			for _, task := range tasks {
				for _, node := range task.Stack {
					awaited = awaited || (node.Kind == KindJoinHandle && node.WaitFor == stateAddr)
				}
			}
		}
	}
	if awaited {
		if wps.FreeSlots() == 0 {
			return nil, false, rerrors.New(rerrors.NotEnoughSlots, "no debug-register slot free for the async completion watchpoint")
		}
		completionWP, err = wps.Add(stateAddr, 8, regs.DataWrites, watchpoint.Global)
		if err != nil {
			return nil, false, err
		}
		defer func() { _ = wps.Remove(completionWP.ID) }()
	}

	for {
		res, err := eng.StepOver(th, stopped, place)
		if err != nil {
			return nil, false, err
		}
		if res.Signal || res.Stop == nil {
			return res, false, nil
		}
		if res.Stop.Reason == tracer.Watchpoint && completionWP != nil {
			_, obs, err := wps.Triggered(completionWP.Slot)
			if err == nil {
				state := TaskState(watchpoint.LittleEndianUint64(obs.New))
				if state.Complete() {
					return res, true, nil
				}
			}
		}
		cur, err := taskContext()
		if err == nil && cur == initial {
			return res, false, nil
		}
		// Scheduler switched tasks underneath the stepper; keep going.
	}
}
