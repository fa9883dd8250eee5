// Package sim is a deterministic simulated machine for replica groups.
//
// It runs a toy instruction set on one virtual CPU per replica, each with
// its own paged memory and its own simulated clock (one tick per
// instruction). It implements the collaborators the redundancy engine
// consumes (replica.Control, replica.Memory, replica.Loader), the handler
// chain for its system calls and faults, and a console gate.Endpoint.
//
// Faults are injected by instruction index: a Flip inverts one bit of a
// register before that instruction runs, a Stall burns simulated time there
// so the replica's watchdog fires before it reaches its next trap.
//
// System calls: getid, write, recv, wait, thread, step. write and recv go
// through the group's gate agent; wait parks the replica until the group
// wakes it.
//
// Instructions:
//
//	set   rD imm        rD = imm
//	add   rD rS|imm     rD += operand
//	xor   rD rS|imm     rD ^= operand
//	load  rD addr|rA    rD = mem[addr]
//	store addr|rA rS    mem[addr] = rS
//	loop  rC target     rC--; jump to instruction index target while rC != 0
//	syscall name        trap into the handler chain
//	nop
//	exit
package sim
