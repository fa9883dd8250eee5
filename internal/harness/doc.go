// Package harness runs replica group scenarios against the simulated
// machine and checks what the group did.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: majority_recovery
//	description: "A flipped register on one of three replicas is outvoted"
//	config:
//	  replicas: 3
//	program:
//	  name: recover
//	  code:
//	    - set r3 5
//	    - syscall getid
//	    - exit
//	flips:
//	  - { replica: 2, at: 1, reg: r3, bit: 4 }
//	assertions:
//	  - type: recovered
//	    round: 1
//	  - type: converged
//
// program_file may replace program; it is resolved relative to the
// scenario file.
//
// # Assertion Types
//
//   - round_count: exactly count rounds completed
//   - disposition: round seq completed with the given disposition
//   - recovered: round seq (or any round) recovered a majority divergence
//   - suspended: replica was suspended (in round seq, when given)
//   - writes: the console saw exactly values, in order
//   - diverged: the group halted with an unrecoverable divergence, of
//     verdict when given
//   - converged: the group exited cleanly with every replica in the same
//     state
//
// # Deterministic Testing
//
// The simulated machine counts time in instructions, faults are injected
// by instruction index and the group id is fixed, so a scenario produces
// the same journal on every run. The journal goes to an in-memory SQLite
// store and the trace is read back from it, which keeps golden files
// byte-identical across runs. Leader ids and round checksums depend on
// arrival order and are left out of traces.
package harness
