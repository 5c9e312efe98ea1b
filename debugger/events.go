package debugger

import (
	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/async"
	"github.com/nvdbg/rdbg/internal/watchpoint"
)

// Events is the hook table a client registers to observe engine state
// transitions. Every field is optional; a nil hook is simply not
// called.
type Events struct {
	OnBreakpoint    func(tid int, pc addr.Relocated, line int, file string)
	OnWatchpoint    func(wp *watchpoint.Watchpoint, obs *watchpoint.Observation)
	OnStep          func(tid int, pc addr.Relocated)
	OnAsyncStep     func(tid int, completed bool, task *async.Task)
	OnSignal        func(tid int, sig int)
	OnExit          func(code int)
	OnProcessInstall func(pid int)
}
