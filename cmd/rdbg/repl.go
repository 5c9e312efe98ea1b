package main

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/nvdbg/rdbg/debugger"
	"github.com/nvdbg/rdbg/internal/addr"
	"github.com/nvdbg/rdbg/internal/inject"
	"github.com/nvdbg/rdbg/internal/regs"
	"github.com/nvdbg/rdbg/internal/watchpoint"
)

var commands = []string{
	"break", "breakpoints", "delete",
	"watch", "watchpoints", "unwatch",
	"continue", "next", "step", "stepi", "finish",
	"backtrace", "async-backtrace", "async-next",
	"print", "arg", "format", "call",
	"registers", "memory", "symbol",
	"thread", "frame", "restart", "quit",
}

func runSession(binPath string, args []string, attachPid int, cfg debugger.Config) error {
	events := debugger.Events{
		OnProcessInstall: func(pid int) { fmt.Printf("attached to process %d\n", pid) },
		OnBreakpoint: func(tid int, pc addr.Relocated, line int, file string) {
			fmt.Printf("thread %d hit breakpoint at %s (%s:%d)\n", tid, pc, file, line)
		},
		OnWatchpoint: func(wp *watchpoint.Watchpoint, obs *watchpoint.Observation) {
			if obs.EndOfScope {
				fmt.Printf("watchpoint %d went out of scope (last value %x)\n", wp.ID, obs.Old)
				return
			}
			verb := "write"
			if obs.IsRead {
				verb = "read"
			}
			fmt.Printf("watchpoint %d: %s, old=%x new=%x\n", wp.ID, verb, obs.Old, obs.New)
		},
		OnStep:   func(tid int, pc addr.Relocated) { fmt.Printf("stepped to %s\n", pc) },
		OnSignal: func(tid int, sig int) { fmt.Printf("thread %d received signal %d\n", tid, sig) },
		OnExit:   func(code int) { fmt.Printf("process exited with code %d\n", code) },
	}

	dbg, err := debugger.New(binPath, args, cfg, events)
	if err != nil {
		return err
	}
	if attachPid != 0 {
		err = dbg.Attach(attachPid)
	} else {
		err = dbg.Start()
	}
	if err != nil {
		return err
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "(rdbg) ",
		AutoComplete: newCompleter(dbg),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "q" {
			return nil
		}
		if err := dispatch(dbg, line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

// completer offers command names plus, after the first word, function
// and variable names out of the target's symbol table.
type completer struct {
	cmds  *trie.Trie
	names *trie.Trie
}

func newCompleter(dbg *debugger.Debugger) *completer {
	c := &completer{cmds: trie.New(), names: trie.New()}
	for _, cmd := range commands {
		c.cmds.Add(cmd, nil)
	}
	for _, sym := range dbg.Symbol(regexp.MustCompile(`.`)) {
		c.names.Add(sym, nil)
	}
	return c
}

func (c *completer) Do(line []rune, pos int) ([][]rune, int) {
	head := string(line[:pos])
	t := c.cmds
	word := head
	if i := strings.LastIndexByte(head, ' '); i >= 0 {
		t = c.names
		word = head[i+1:]
	}
	var out [][]rune
	for _, match := range t.PrefixSearch(word) {
		out = append(out, []rune(match[len(word):]))
	}
	return out, len(word)
}

func dispatch(dbg *debugger.Debugger, line string) error {
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]

	switch cmd {
	case "break", "b":
		return cmdBreak(dbg, rest)
	case "breakpoints":
		for _, bp := range dbg.ListBreakpoints() {
			fmt.Printf("  %d\t%s\tactive=%v\n", bp.ID, bp.Load, bp.Active)
		}
		return nil
	case "delete":
		id, err := strconv.Atoi(argOr(rest, 0, ""))
		if err != nil {
			return fmt.Errorf("delete takes a breakpoint id")
		}
		return dbg.RemoveBreakpoint(id)

	case "watch":
		cond := regs.DataWrites
		if len(rest) > 1 && rest[1] == "rw" {
			cond = regs.DataReadsWrites
		}
		wp, err := dbg.AddWatchpointOnDQE(argOr(rest, 0, ""), cond)
		if err != nil {
			return err
		}
		fmt.Printf("watchpoint %d on %s (%d bytes)\n", wp.ID, wp.Addr, wp.Size)
		return nil
	case "watchpoints":
		for _, wp := range dbg.ListWatchpoints() {
			fmt.Printf("  %d\t%s\t%d bytes\tslot %d\n", wp.ID, wp.Addr, wp.Size, wp.Slot)
		}
		return nil
	case "unwatch":
		id, err := strconv.Atoi(argOr(rest, 0, ""))
		if err != nil {
			return fmt.Errorf("unwatch takes a watchpoint id")
		}
		return dbg.RemoveWatchpoint(id)

	case "continue", "c":
		_, err := dbg.Continue()
		return err
	case "next", "n":
		_, err := dbg.StepOver()
		return err
	case "step", "s":
		_, err := dbg.StepIn()
		return err
	case "stepi":
		_, err := dbg.StepInstruction()
		return err
	case "finish":
		_, err := dbg.StepOut()
		return err
	case "async-next":
		hdr, err := parseHex(argOr(rest, 0, "0"))
		if err != nil {
			return err
		}
		_, completed, err := dbg.StepOverAsync(addr.Relocated(hdr))
		if completed {
			fmt.Println("task completed")
		}
		return err

	case "backtrace", "bt":
		frames, err := dbg.Backtrace(0)
		if err != nil {
			return err
		}
		for i, f := range frames {
			fmt.Printf("  #%d %s in %s\n", i, f.PC, orUnknown(f.FuncName))
		}
		return nil
	case "async-backtrace":
		tasks, err := dbg.AsyncBacktrace()
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Printf("task %s: %d futures\n", task.Header, len(task.Stack))
		}
		return nil

	case "print", "p":
		return cmdPrint(dbg, rest, false)
	case "arg":
		return cmdPrint(dbg, rest, true)
	case "format":
		out, err := dbg.FormatValue(strings.Join(rest, " "))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	case "call":
		return cmdCall(dbg, strings.Join(rest, " "))

	case "registers":
		r, err := dbg.Registers(0)
		if err != nil {
			return err
		}
		raw := r.Raw()
		fmt.Printf("rip=%#x rsp=%#x rbp=%#x rax=%#x\n", raw.Rip, raw.Rsp, raw.Rbp, raw.Rax)
		return nil
	case "memory":
		at, err := parseHex(argOr(rest, 0, ""))
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(argOr(rest, 1, "8"))
		buf, err := dbg.ReadMemory(addr.Relocated(at), n)
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", buf)
		return nil
	case "symbol":
		re, err := regexp.Compile(argOr(rest, 0, "."))
		if err != nil {
			return err
		}
		for _, s := range dbg.Symbol(re) {
			fmt.Println(" ", s)
		}
		return nil

	case "thread":
		tid, err := strconv.Atoi(argOr(rest, 0, ""))
		if err != nil {
			return fmt.Errorf("thread takes a tid")
		}
		return dbg.SwitchThread(tid)
	case "frame":
		n, err := strconv.Atoi(argOr(rest, 0, ""))
		if err != nil {
			return fmt.Errorf("frame takes a number")
		}
		return dbg.SwitchFrame(n)
	case "restart":
		return dbg.Restart()
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// cmdBreak accepts an address (0x...), a file:line, or a function
// name; an unresolvable function name becomes a deferred breakpoint.
func cmdBreak(dbg *debugger.Debugger, rest []string) error {
	target := argOr(rest, 0, "")
	if target == "" {
		return fmt.Errorf("break takes an address, file:line, or function")
	}
	if strings.HasPrefix(target, "0x") {
		at, err := parseHex(target)
		if err != nil {
			return err
		}
		bp, err := dbg.AddBreakpointAtAddr(addr.Relocated(at))
		if err != nil {
			return err
		}
		fmt.Printf("breakpoint %d at %s\n", bp.ID, bp.Load)
		return nil
	}
	if file, lineStr, ok := strings.Cut(target, ":"); ok {
		line, err := strconv.Atoi(lineStr)
		if err == nil {
			bp, err := dbg.AddBreakpointAtLine(file, line)
			if err != nil {
				return err
			}
			fmt.Printf("breakpoint %d at %s:%d\n", bp.ID, file, line)
			return nil
		}
	}
	bps, err := dbg.AddBreakpointOnFunction(target)
	if err != nil {
		bp := dbg.AddBreakpointByName(target)
		fmt.Printf("deferred breakpoint %d on %s\n", bp.ID, target)
		return nil
	}
	for _, bp := range bps {
		fmt.Printf("breakpoint %d on %s at %s\n", bp.ID, target, bp.Load)
	}
	return nil
}

func cmdPrint(dbg *debugger.Debugger, rest []string, argsOnly bool) error {
	src := strings.Join(rest, " ")
	var vals []*valueResult
	read := dbg.ReadVariable
	if argsOnly {
		read = dbg.ReadArgument
	}
	results, err := read(src)
	if err != nil {
		return err
	}
	for _, v := range results {
		_ = v.Specialize()
		vals = append(vals, &valueResult{typeName: v.Type.Name, rendered: v.Rendered, raw: v.Region.Raw})
	}
	for _, v := range vals {
		if v.rendered != "" {
			fmt.Printf("  %s = %s\n", v.typeName, v.rendered)
		} else {
			fmt.Printf("  %s = %x\n", v.typeName, v.raw)
		}
	}
	return nil
}

type valueResult struct {
	typeName string
	rendered string
	raw      []byte
}

// cmdCall tokenizes the rest of the line the way a shell would
// (quoting, escapes) before handing the pieces to the injector.
func cmdCall(dbg *debugger.Debugger, line string) error {
	words, err := argv.Argv(line, nil, nil)
	if err != nil || len(words) == 0 || len(words[0]) == 0 {
		return fmt.Errorf("call takes a function name and literal arguments")
	}
	tokens := words[0]
	fn := tokens[0]
	var args []inject.Arg
	for _, tok := range tokens[1:] {
		if n, err := strconv.ParseInt(tok, 0, 64); err == nil {
			args = append(args, inject.Arg{Kind: inject.ArgInt, U64: uint64(n)})
			continue
		}
		args = append(args, inject.Arg{Kind: inject.ArgString})
	}
	res, err := dbg.Call(fn, args)
	if err != nil {
		return err
	}
	fmt.Printf("returned %#x\n", res.RAX)
	return nil
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func parseHex(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func orUnknown(s string) string {
	if s == "" {
		return "???"
	}
	return s
}
