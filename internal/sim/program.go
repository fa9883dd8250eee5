package sim

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// CodeBase is the address of instruction 0. Instruction i lives at
// CodeBase+i.
const CodeBase uint64 = 0x1000

// StackTop is the initial SP of every replica.
const StackTop uint64 = 0x8000

// Opcode identifies an instruction.
type Opcode int

const (
	OpNop Opcode = iota
	OpSet
	OpAdd
	OpXor
	OpLoad
	OpStore
	OpLoop
	OpSyscall
	OpExit
)

var opcodes = map[string]Opcode{
	"nop":     OpNop,
	"set":     OpSet,
	"add":     OpAdd,
	"xor":     OpXor,
	"load":    OpLoad,
	"store":   OpStore,
	"loop":    OpLoop,
	"syscall": OpSyscall,
	"exit":    OpExit,
}

// Operand is a register reference or an immediate.
type Operand struct {
	Reg int // -1 for an immediate
	Imm uint64
}

// Instr is one decoded instruction.
type Instr struct {
	Op   Opcode
	Dst  int
	Src  Operand
	Sys  uint64
	Text string
}

// Datum initialises one memory word.
type Datum struct {
	Addr  uint64 `yaml:"addr"`
	Value uint64 `yaml:"value"`
}

// Program is a program image as written in YAML.
type Program struct {
	Name string   `yaml:"name"`
	Code []string `yaml:"code"`
	Data []Datum  `yaml:"data,omitempty"`

	instrs []Instr
}

// ParseProgram decodes and assembles a YAML program.
func ParseProgram(data []byte) (*Program, error) {
	var p Program
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	if err := p.Assemble(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadProgram reads and assembles a YAML program file.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	p, err := ParseProgram(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Assemble decodes Code. It is called by ParseProgram; programs built in
// Go call it directly.
func (p *Program) Assemble() error {
	if len(p.Code) == 0 {
		return fmt.Errorf("program %q has no code", p.Name)
	}
	p.instrs = make([]Instr, 0, len(p.Code))
	for i, line := range p.Code {
		in, err := decode(line)
		if err != nil {
			return fmt.Errorf("instruction %d %q: %w", i, line, err)
		}
		if in.Op == OpLoop && in.Src.Imm >= uint64(len(p.Code)) {
			return fmt.Errorf("instruction %d %q: jump target out of range", i, line)
		}
		p.instrs = append(p.instrs, in)
	}
	return nil
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.instrs)
}

// At returns the instruction at ip.
func (p *Program) At(ip uint64) (Instr, bool) {
	if ip < CodeBase || ip-CodeBase >= uint64(len(p.instrs)) {
		return Instr{}, false
	}
	return p.instrs[ip-CodeBase], true
}

func decode(line string) (Instr, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Instr{}, fmt.Errorf("empty instruction")
	}
	op, ok := opcodes[fields[0]]
	if !ok {
		return Instr{}, fmt.Errorf("unknown opcode %q", fields[0])
	}
	in := Instr{Op: op, Text: line}
	args := fields[1:]

	want := map[Opcode]int{
		OpNop: 0, OpExit: 0, OpSyscall: 1,
		OpSet: 2, OpAdd: 2, OpXor: 2, OpLoad: 2, OpStore: 2, OpLoop: 2,
	}[op]
	if len(args) != want {
		return Instr{}, fmt.Errorf("%s takes %d operands, got %d", fields[0], want, len(args))
	}

	var err error
	switch op {
	case OpSyscall:
		nr, ok := syscallNumbers[args[0]]
		if !ok {
			return Instr{}, fmt.Errorf("unknown syscall %q", args[0])
		}
		in.Sys = nr
	case OpSet:
		if in.Dst, err = register(args[0]); err != nil {
			return Instr{}, err
		}
		in.Src.Reg = -1
		if in.Src.Imm, err = immediate(args[1]); err != nil {
			return Instr{}, err
		}
	case OpAdd, OpXor, OpLoad:
		if in.Dst, err = register(args[0]); err != nil {
			return Instr{}, err
		}
		if in.Src, err = operand(args[1]); err != nil {
			return Instr{}, err
		}
	case OpStore:
		// store addr src: Src is the address, Dst the value register.
		if in.Src, err = operand(args[0]); err != nil {
			return Instr{}, err
		}
		if in.Dst, err = register(args[1]); err != nil {
			return Instr{}, err
		}
	case OpLoop:
		if in.Dst, err = register(args[0]); err != nil {
			return Instr{}, err
		}
		in.Src.Reg = -1
		if in.Src.Imm, err = immediate(args[1]); err != nil {
			return Instr{}, err
		}
	}
	return in, nil
}

// regSP is the operand index of the stack pointer.
const regSP = 8

func register(s string) (int, error) {
	if s == "sp" {
		return regSP, nil
	}
	if len(s) == 2 && s[0] == 'r' && s[1] >= '0' && s[1] <= '7' {
		return int(s[1] - '0'), nil
	}
	return 0, fmt.Errorf("bad register %q", s)
}

func immediate(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad immediate %q", s)
	}
	return v, nil
}

func operand(s string) (Operand, error) {
	if r, err := register(s); err == nil {
		return Operand{Reg: r}, nil
	}
	v, err := immediate(s)
	if err != nil {
		return Operand{}, err
	}
	return Operand{Reg: -1, Imm: v}, nil
}
