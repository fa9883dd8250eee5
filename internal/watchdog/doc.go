// Package watchdog brings replicas that fell behind back in line with the
// rest of their group.
//
// Every replica's vCPU runs under a timeout armed before each resume. A
// replica whose timeout expires reaches the rendezvous with a watchdog trap
// instead of a program trap. When the rendezvous completes the watchdog
// classifies the arrivals:
//
//   - every arrival is a program trap: nothing to do
//   - every arrival is a watchdog trap: resynchronize, nobody handles a trap
//   - mixed: the program-trap arrival with the highest IP leads; every
//     watchdog arrival catches up to the leader's IP
//
// Catch-up either places a breakpoint at the target IP and resumes, or
// single-steps towards it. Attempts are bounded by a RetryBudget of
// retries×N per lagger. The redundancy engine suspends a lagger whose
// budget ran out.
//
// The watchdog's life cycle is a small state machine:
//
//	Disabled
//	Armed ──Plan(mixed)──► CatchingUp ──Verified(clean)──► Synced ──Arm──► Armed
//	  │                        │                              ▲
//	  │                   Settle(failed)                      │
//	  │                        ▼                              │
//	  │                    Recovering ──Verified(clean)───────┘
//	  └──Plan(all watchdog)──────────────────────────────────►┘
package watchdog
