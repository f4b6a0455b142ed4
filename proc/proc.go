// Package proc implements the process table: process lifecycle
// (allocate, fork, exit, wait), the sleep-channel synchronization
// primitive kill uses to unblock a sleeping victim, and a textual dump
// for debugging.
//
// A kernel normally multiplexes threads across a fixed number of CPUs
// with an explicit scheduler loop and a hand-written context switch.
// Hosted Go already has a scheduler that does exactly this job for
// goroutines, so rvos represents each process as one goroutine rather
// than reimplementing that loop: Fork starts the child's goroutine
// directly instead of marking it runnable for a scheduler loop to pick
// up later, and Sleep/Wakeup become a condition variable keyed by an
// arbitrary "channel" value instead of a per-CPU run queue scan.
package proc

import (
	"fmt"
	"sync"

	"rvos/config"
	"rvos/file"
	"rvos/fs"
	"rvos/kerr"
)

// State is a process's scheduling state.
type State int

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Sleeping:
		return "sleep"
	case Runnable:
		return "runble"
	case Running:
		return "run"
	case Zombie:
		return "zombie"
	default:
		return "???"
	}
}

// Proc is one process table entry.
type Proc struct {
	Pid    int
	state  State
	parent *Proc
	killed bool
	xstate int
	chanKey any

	Name  string
	Cwd   *fs.Inode
	Ofile [config.NOFile]*file.File

	// Entry, SP, and Size record where an exec'd process resumes, its
	// initial stack pointer, and its address space's size. Mem is the
	// address space implementation itself (see kernel.FlatMemory);
	// proc has no reason to know its concrete type.
	Entry uint64
	SP    uint64
	Size  uint64
	Mem   any
}

// Table is the process table plus its synchronization: one mutex
// protects every process's state, parent link, and sleep channel, and
// its condition variable is what Sleep and Wakeup coordinate on.
type Table struct {
	mu       sync.Mutex
	cond     *sync.Cond
	procs    []*Proc
	nextPid  int
	initProc *Proc
	fsys     *fs.FS
}

// NewTable allocates an empty process table of the given capacity.
func NewTable(fsys *fs.FS, nproc int) *Table {
	t := &Table{fsys: fsys, nextPid: 1, procs: make([]*Proc, nproc)}
	t.cond = sync.NewCond(&t.mu)
	for i := range t.procs {
		t.procs[i] = &Proc{state: Unused}
	}
	return t
}

func (t *Table) allocPid() int {
	pid := t.nextPid
	t.nextPid++
	return pid
}

// allocProc finds an UNUSED slot, marks it USED with a fresh pid, and
// returns it. The table lock is held throughout and is NOT held on
// return (mirroring allocproc's "return with p->lock held" would require
// a per-proc lock rvos does not have; the single table mutex already
// serializes every state transition, so there is nothing further to
// protect between allocProc and its caller finishing setup).
func (t *Table) allocProc() *Proc {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.state == Unused {
			*p = Proc{state: Used, Pid: t.allocPid()}
			return p
		}
	}
	return nil
}

// UserInit creates the first process, whose body is supplied by the
// caller (the kernel's boot sequence), and starts it running
// immediately.
func (t *Table) UserInit(name string, cwd *fs.Inode, body func(p *Proc)) *Proc {
	p := t.allocProc()
	if p == nil {
		panic("proc: no free process slots for the init process")
	}
	p.Name = name
	p.Cwd = cwd
	t.mu.Lock()
	t.initProc = p
	p.state = Runnable
	t.mu.Unlock()
	go t.run(p, body)
	return p
}

func (t *Table) run(p *Proc, body func(p *Proc)) {
	t.mu.Lock()
	p.state = Running
	t.mu.Unlock()
	body(p)
}

// Fork allocates a child process that inherits the parent's open files,
// current directory, and (if Mem implements a Clone() any method) an
// independent copy of its address space, and starts the child's
// goroutine running body immediately (there is no separate
// runnable-but-not-yet-scheduled state to model: Go's own scheduler
// decides when the goroutine actually runs). Returns the child's pid.
func (t *Table) Fork(parent *Proc, body func(child *Proc)) int {
	np := t.allocProc()
	if np == nil {
		return -1
	}

	t.mu.Lock()
	np.Name = parent.Name
	for i, f := range parent.Ofile {
		if f != nil {
			np.Ofile[i] = f.Dup()
		}
	}
	np.Cwd = t.fsys.Idup(parent.Cwd)
	np.parent = parent
	np.state = Runnable
	np.Entry = parent.Entry
	np.SP = parent.SP
	np.Size = parent.Size
	if cloner, ok := parent.Mem.(interface{ Clone() any }); ok {
		np.Mem = cloner.Clone()
	}
	pid := np.Pid
	t.mu.Unlock()

	go t.run(np, body)
	return pid
}

// reparent gives every child of p to the init process, waking it in
// case it is blocked in Wait. The caller must hold t.mu.
func (t *Table) reparent(p *Proc) {
	for _, pp := range t.procs {
		if pp.parent == p {
			pp.parent = t.initProc
			t.wakeupLocked(t.initProc)
		}
	}
}

// Exit closes every open file, releases the current directory, reparents
// any children to init, and transitions p to Zombie so its parent's Wait
// can reap it. Must be called from the goroutine running p, which should
// stop running immediately afterward; Exit never returns control to a
// live process. Exiting the init process is a kernel bug, not a
// recoverable error, and panics.
func (t *Table) Exit(p *Proc, status int) {
	t.mu.Lock()
	isInit := p == t.initProc
	t.mu.Unlock()
	if isInit {
		panic("proc: init exiting")
	}

	for i, f := range p.Ofile {
		if f != nil {
			f.Close()
			p.Ofile[i] = nil
		}
	}

	t.fsys.BeginOp()
	t.fsys.Iput(p.Cwd)
	t.fsys.EndOp()
	p.Cwd = nil

	t.mu.Lock()
	defer t.mu.Unlock()
	t.reparent(p)
	t.wakeupLocked(p.parent)
	p.xstate = status
	p.state = Zombie
	t.cond.Broadcast()
}

// Wait blocks until one of p's children exits, reaps it, and returns its
// pid and exit status. Returns ECHILD immediately if p has no children.
func (t *Table) Wait(p *Proc) (pid int, status int, errno kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		haveKids := false
		for _, pp := range t.procs {
			if pp.parent != p {
				continue
			}
			haveKids = true
			if pp.state == Zombie {
				pid, status = pp.Pid, pp.xstate
				*pp = Proc{state: Unused}
				return pid, status, kerr.OK
			}
		}
		if !haveKids || p.killed {
			return -1, 0, kerr.ECHILD
		}
		t.sleepLocked(p, p)
	}
}

// sleepLocked blocks the calling goroutine on chanKey until Wakeup(key)
// or Kill(p) is called. The caller must hold t.mu; it is released across
// the wait and re-acquired before returning, matching sleep()'s
// release-lock/block/reacquire contract.
func (t *Table) sleepLocked(p *Proc, chanKey any) {
	p.state = Sleeping
	p.chanKey = chanKey
	for p.state == Sleeping {
		t.cond.Wait()
	}
	p.chanKey = nil
}

// Sleep blocks the calling goroutine, representing process p, on
// chanKey until a matching Wakeup or Kill.
func (t *Table) Sleep(p *Proc, chanKey any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sleepLocked(p, chanKey)
}

func (t *Table) wakeupLocked(chanKey any) {
	woke := false
	for _, p := range t.procs {
		if p.state == Sleeping && p.chanKey == chanKey {
			p.state = Runnable
			woke = true
		}
	}
	if woke {
		t.cond.Broadcast()
	}
}

// Wakeup makes every process sleeping on chanKey runnable again.
func (t *Table) Wakeup(chanKey any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wakeupLocked(chanKey)
}

// Kill marks the process with the given pid for death and wakes it if
// it is currently sleeping, so it notices on its next blocking check
// rather than staying asleep forever. Returns ESRCH-equivalent (ENOENT)
// if no such process exists.
func (t *Table) Kill(pid int) kerr.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.state != Unused && p.Pid == pid {
			p.killed = true
			if p.state == Sleeping {
				p.state = Runnable
				t.cond.Broadcast()
			}
			return kerr.OK
		}
	}
	return kerr.ENOENT
}

// SetKilled marks p for death without looking it up by pid (used by a
// process acting on itself, e.g. after an unrecoverable fault).
func (t *Table) SetKilled(p *Proc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p.killed = true
}

// Killed reports whether p has been marked for death.
func (t *Table) Killed(p *Proc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return p.killed
}

// Dump returns a textual process listing, one line per non-Unused
// process, for debugging.
func (t *Table) Dump() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := "\n"
	for _, p := range t.procs {
		if p.state == Unused {
			continue
		}
		out += fmtLine(p)
	}
	return out
}

func fmtLine(p *Proc) string {
	return fmt.Sprintf("%d %s %s\n", p.Pid, p.state.String(), p.Name)
}
