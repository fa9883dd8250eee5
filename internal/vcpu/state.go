// Package vcpu models the per-replica virtual CPU snapshot: the register
// file, the message buffer mirroring the kernel communication area, and the
// cause of the last trap.
//
// State is a plain value. Copying a replica's state is an assignment and
// comparing two states is ==, so replication never shares memory between
// replicas.
package vcpu

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/roach88/lockstep/internal/record"
)

// NumGPR is the number of general-purpose registers.
const NumGPR = 8

// MessageWords is the size of the message buffer in 64-bit words.
const MessageWords = 64

// Registers is the register file of a virtual CPU.
type Registers struct {
	GPR   [NumGPR]uint64
	Flags uint64
	IP    uint64
	SP    uint64
	FS    uint64
	GS    uint64
}

// MessageBuffer mirrors the replica's kernel communication area.
type MessageBuffer [MessageWords]uint64

// State is the complete comparable snapshot of one replica's vCPU.
type State struct {
	Regs Registers
	Msg  MessageBuffer
	Trap Trap
}

// Checksum summarises the comparable register subset: the general-purpose
// registers, flags, IP and SP. Selectors, the message buffer and the trap
// are excluded.
//
// Checksum is a pure function of the aggregate: the same State always
// yields the same value.
func (s *State) Checksum() uint64 {
	h := fnv.New64a()
	var word [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(word[:], v)
		h.Write(word[:])
	}
	for _, r := range s.Regs.GPR {
		put(r)
	}
	put(s.Regs.Flags)
	put(s.Regs.IP)
	put(s.Regs.SP)
	return h.Sum64()
}

// CopyFrom overwrites s with the registers and message buffer of src.
// The trap is copied too so a follower reports the same trap as the leader.
func (s *State) CopyFrom(src *State) {
	*s = *src
}

// Equal reports whether registers and message buffer are byte-identical.
func (s *State) Equal(other *State) bool {
	return s.Regs == other.Regs && s.Msg == other.Msg
}

// RegisterMap returns every register by name, hex encoded, for
// diagnostic dumps.
func (s *State) RegisterMap() map[string]string {
	m := make(map[string]string, NumGPR+5)
	for i, r := range s.Regs.GPR {
		m[fmt.Sprintf("r%d", i)] = record.Hex(r)
	}
	m["flags"] = record.Hex(s.Regs.Flags)
	m["ip"] = record.Hex(s.Regs.IP)
	m["sp"] = record.Hex(s.Regs.SP)
	m["fs"] = record.Hex(s.Regs.FS)
	m["gs"] = record.Hex(s.Regs.GS)
	return m
}

// Dump builds the diagnostic record for replica id.
func (s *State) Dump(id int, suspended bool) record.ReplicaDump {
	return record.ReplicaDump{
		ReplicaID: id,
		Checksum:  record.Hex(s.Checksum()),
		Trap:      s.Trap.String(),
		Suspended: suspended,
		Registers: s.RegisterMap(),
	}
}
