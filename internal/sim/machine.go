package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/replica"
	"github.com/roach88/lockstep/internal/vcpu"
)

const (
	// PageWords is the page size in 64-bit words.
	PageWords = 64

	// MaxPages bounds the address space; addresses beyond it raise an
	// exception.
	MaxPages = 64

	// Tick is the simulated duration of one instruction.
	Tick = time.Microsecond

	// runawayLimit stops a Resume that runs this many instructions without
	// an armed timeout.
	runawayLimit = 1 << 22

	// VectorBadAddress is the exception code for an address outside the
	// address space or the code segment.
	VectorBadAddress = 13
)

// ErrRunaway is returned by Resume when a vCPU without an armed timeout
// runs too long without trapping.
var ErrRunaway = errors.New("vcpu ran away without trapping")

// Flip inverts one bit before the instruction at index At executes.
// Reg names r0-r7, sp, flags, ip, or mem (with Addr).
type Flip struct {
	Replica int    `yaml:"replica"`
	At      uint64 `yaml:"at"`
	Reg     string `yaml:"reg"`
	Bit     uint   `yaml:"bit"`
	Addr    uint64 `yaml:"addr,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Stall burns Ticks of simulated time when the replica reaches the
// instruction at index At, Count times.
type Stall struct {
	Replica int    `yaml:"replica"`
	At      uint64 `yaml:"at"`
	Ticks   uint64 `yaml:"ticks"`
	Count   int    `yaml:"count,omitempty"`
}

// cpu is the machine-side state of one replica. It is touched by the
// replica's worker goroutine, or by the engine while that worker is
// blocked in the rendezvous.
type cpu struct {
	mem map[uint64]*[PageWords]uint64

	ticks    uint64
	deadline uint64
	armed    bool

	bp    uint64
	hasBP bool

	flips  []Flip
	stalls []Stall
}

// Machine runs one program on N simulated vCPUs.
type Machine struct {
	prog   *Program
	cpus   []*cpu
	taskID uint64

	flips  []Flip
	stalls []Stall
	unsafe map[int]bool

	mu     sync.Mutex
	mapped int
}

var (
	_ replica.Control = (*Machine)(nil)
	_ replica.Memory  = (*Machine)(nil)
	_ replica.Loader  = (*Machine)(nil)
)

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithFlips injects bit flips.
func WithFlips(flips ...Flip) MachineOption {
	return func(m *Machine) {
		m.flips = append(m.flips, flips...)
	}
}

// WithStalls injects stalls.
func WithStalls(stalls ...Stall) MachineOption {
	return func(m *Machine) {
		m.stalls = append(m.stalls, stalls...)
	}
}

// WithUnsafeBreakpoints makes breakpoint placement fail for replicas ids.
func WithUnsafeBreakpoints(ids ...int) MachineOption {
	return func(m *Machine) {
		for _, id := range ids {
			m.unsafe[id] = true
		}
	}
}

// WithTaskID sets the value the getid system call returns.
func WithTaskID(id uint64) MachineOption {
	return func(m *Machine) {
		m.taskID = id
	}
}

// NewMachine creates a machine for n replicas of prog.
func NewMachine(prog *Program, n int, opts ...MachineOption) *Machine {
	m := &Machine{
		prog:   prog,
		cpus:   make([]*cpu, n),
		taskID: 0x1d,
		unsafe: map[int]bool{},
	}
	for _, opt := range opts {
		opt(m)
	}
	for i := range m.cpus {
		m.cpus[i] = m.freshCPU(i)
	}
	return m
}

func (m *Machine) freshCPU(id int) *cpu {
	c := &cpu{mem: map[uint64]*[PageWords]uint64{}}
	for _, f := range m.flips {
		if f.Replica == id {
			if f.Count == 0 {
				f.Count = 1
			}
			c.flips = append(c.flips, f)
		}
	}
	for _, s := range m.stalls {
		if s.Replica == id {
			if s.Count == 0 {
				s.Count = 1
			}
			c.stalls = append(c.stalls, s)
		}
	}
	for _, d := range m.prog.Data {
		page := d.Addr / PageWords
		if page >= MaxPages {
			continue
		}
		p := c.page(page, true)
		p[d.Addr%PageWords] = d.Value
	}
	return c
}

func (c *cpu) page(n uint64, create bool) *[PageWords]uint64 {
	p, ok := c.mem[n]
	if !ok && create {
		p = &[PageWords]uint64{}
		c.mem[n] = p
	}
	return p
}

type addressSpace string

func (a addressSpace) Name() string { return string(a) }

// Load installs the program image and the initial vCPU state.
func (m *Machine) Load(r *replica.Replica) error {
	if r.ID < 0 || r.ID >= len(m.cpus) {
		return fmt.Errorf("load: no vcpu for replica %d", r.ID)
	}
	m.cpus[r.ID] = m.freshCPU(r.ID)
	r.Space = addressSpace(fmt.Sprintf("%s/%d", m.prog.Name, r.ID))
	r.State = vcpu.State{}
	r.State.Regs.IP = CodeBase
	r.State.Regs.SP = StackTop
	return nil
}

// ArmTimeout stops the replica with a watchdog trap once d of simulated
// time has passed.
func (m *Machine) ArmTimeout(r *replica.Replica, d time.Duration) error {
	c := m.cpus[r.ID]
	ticks := uint64(d / Tick)
	if ticks == 0 {
		ticks = 1
	}
	c.deadline = c.ticks + ticks
	c.armed = true
	return nil
}

// Resume runs r until it traps.
func (m *Machine) Resume(ctx context.Context, r *replica.Replica) error {
	c := m.cpus[r.ID]
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !c.armed && n >= runawayLimit {
			return fmt.Errorf("%s at %#x: %w", r, r.State.Regs.IP, ErrRunaway)
		}
		if m.stop(r, c) {
			return nil
		}
		if m.exec(r, c) {
			return nil
		}
	}
}

// SingleStep executes one instruction. Timeouts and breakpoints do not
// apply.
func (m *Machine) SingleStep(ctx context.Context, r *replica.Replica) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.cpus[r.ID]
	m.stall(r, c)
	if !m.exec(r, c) {
		r.State.Trap = vcpu.Trap{Cause: vcpu.CauseStep}
	}
	return nil
}

// PlaceBreakpoint stops r before it executes addr.
func (m *Machine) PlaceBreakpoint(r *replica.Replica, addr uint64) error {
	if m.unsafe[r.ID] {
		return replica.ErrBreakpointUnsafe
	}
	if _, ok := m.prog.At(addr); !ok {
		return fmt.Errorf("breakpoint at %#x: %w", addr, replica.ErrBreakpointUnsafe)
	}
	c := m.cpus[r.ID]
	c.bp, c.hasBP = addr, true
	return nil
}

// RemoveBreakpoint clears r's breakpoint.
func (m *Machine) RemoveBreakpoint(r *replica.Replica) error {
	c := m.cpus[r.ID]
	c.bp, c.hasBP = 0, false
	return nil
}

// stop checks stalls, the timeout and the breakpoint before the next
// instruction. It reports whether r stopped.
func (m *Machine) stop(r *replica.Replica, c *cpu) bool {
	m.stall(r, c)
	if c.armed && c.ticks >= c.deadline {
		c.armed = false
		r.State.Trap = vcpu.Trap{Cause: vcpu.CauseWatchdog}
		return true
	}
	if c.hasBP && c.bp == r.State.Regs.IP {
		r.State.Trap = vcpu.Trap{Cause: vcpu.CauseBreakpoint, Code: c.bp}
		return true
	}
	return false
}

func (m *Machine) stall(r *replica.Replica, c *cpu) {
	at := r.State.Regs.IP - CodeBase
	for i := range c.stalls {
		s := &c.stalls[i]
		if s.At == at && s.Count > 0 {
			s.Count--
			c.ticks += s.Ticks
		}
	}
}

// exec runs the instruction at IP. It reports whether the instruction
// trapped; a trapping instruction leaves IP on itself.
func (m *Machine) exec(r *replica.Replica, c *cpu) bool {
	m.flip(r, c)
	regs := &r.State.Regs
	ip := regs.IP

	in, ok := m.prog.At(ip)
	if !ok {
		r.State.Trap = vcpu.Trap{Cause: vcpu.CauseException, Code: VectorBadAddress}
		return true
	}
	c.ticks++

	switch in.Op {
	case OpNop:
	case OpSet:
		*reg(regs, in.Dst) = in.Src.Imm
	case OpAdd:
		*reg(regs, in.Dst) += value(regs, in.Src)
	case OpXor:
		*reg(regs, in.Dst) ^= value(regs, in.Src)
	case OpLoad, OpStore:
		addr := value(regs, in.Src)
		if addr/PageWords >= MaxPages {
			r.State.Trap = vcpu.Trap{Cause: vcpu.CauseException, Code: VectorBadAddress}
			return true
		}
		p := c.page(addr/PageWords, false)
		if p == nil {
			r.State.Trap = vcpu.Trap{Cause: vcpu.CausePageFault, Code: addr}
			return true
		}
		if in.Op == OpLoad {
			*reg(regs, in.Dst) = p[addr%PageWords]
		} else {
			p[addr%PageWords] = *reg(regs, in.Dst)
		}
	case OpLoop:
		rc := reg(regs, in.Dst)
		*rc--
		if *rc != 0 {
			regs.IP = CodeBase + in.Src.Imm
			return false
		}
	case OpSyscall:
		r.State.Trap = vcpu.Trap{Cause: vcpu.CauseSyscall, Code: in.Sys}
		return true
	case OpExit:
		r.State.Trap = vcpu.Trap{Cause: vcpu.CauseExit}
		return true
	}
	regs.IP++
	return false
}

func (m *Machine) flip(r *replica.Replica, c *cpu) {
	at := r.State.Regs.IP - CodeBase
	for i := range c.flips {
		f := &c.flips[i]
		if f.At != at || f.Count <= 0 {
			continue
		}
		f.Count--
		mask := uint64(1) << (f.Bit % 64)
		switch f.Reg {
		case "flags":
			r.State.Regs.Flags ^= mask
		case "ip":
			r.State.Regs.IP ^= mask
		case "mem":
			if p := c.page(f.Addr/PageWords, false); p != nil {
				p[f.Addr%PageWords] ^= mask
			}
		default:
			if n, err := register(f.Reg); err == nil {
				*reg(&r.State.Regs, n) ^= mask
			}
		}
	}
}

func reg(regs *vcpu.Registers, n int) *uint64 {
	if n == regSP {
		return &regs.SP
	}
	return &regs.GPR[n]
}

func value(regs *vcpu.Registers, o Operand) uint64 {
	if o.Reg < 0 {
		return o.Imm
	}
	return *reg(regs, o.Reg)
}

// MapPage maps the page holding addr for r. Mapping a mapped page is a
// no-op.
func (m *Machine) MapPage(r *replica.Replica, addr uint64) error {
	page := addr / PageWords
	if page >= MaxPages {
		return fmt.Errorf("map %#x: outside address space", addr)
	}
	c := m.cpus[r.ID]
	if c.page(page, false) == nil {
		c.page(page, true)
		m.mu.Lock()
		m.mapped++
		m.mu.Unlock()
	}
	return nil
}

// MappedPages returns how many pages were mapped by page faults.
func (m *Machine) MappedPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped
}

// Checksum summarises r's registers and writable memory.
func (m *Machine) Checksum(r *replica.Replica) uint64 {
	h := fnv.New64a()
	var word [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(word[:], v)
		h.Write(word[:])
	}
	put(r.State.Checksum())

	c := m.cpus[r.ID]
	pages := make([]uint64, 0, len(c.mem))
	for n := range c.mem {
		pages = append(pages, n)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	for _, n := range pages {
		put(n)
		for _, w := range c.mem[n] {
			put(w)
		}
	}
	return h.Sum64()
}

// CopyState overwrites dst's vCPU state and memory with src's.
func (m *Machine) CopyState(src, dst *replica.Replica) error {
	if src.ID == dst.ID {
		return nil
	}
	dst.State.CopyFrom(&src.State)
	s, d := m.cpus[src.ID], m.cpus[dst.ID]
	d.mem = make(map[uint64]*[PageWords]uint64, len(s.mem))
	for n, p := range s.mem {
		cp := *p
		d.mem[n] = &cp
	}
	return nil
}

// Ticks returns r's simulated time.
func (m *Machine) Ticks(r *replica.Replica) uint64 {
	return m.cpus[r.ID].ticks
}

// Word reads one memory word of r, reporting whether it is mapped.
func (m *Machine) Word(r *replica.Replica, addr uint64) (uint64, bool) {
	p := m.cpus[r.ID].page(addr/PageWords, false)
	if p == nil {
		return 0, false
	}
	return p[addr%PageWords], true
}
