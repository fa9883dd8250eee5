// Package redundancy implements the replica barrier: rendezvous at every
// trap, leader election, checksum comparison and divergence recovery.
//
// One Engine serves one replica group. Every replica's worker goroutine
// calls Enter once per trap and Resume once the trap is handled:
//
//	Enter ──► (leader) verify ──► handler ──► LeaderRepeat | LeaderReplicate
//	  │                                                   │
//	  └──► (follower) wait for release ◄──────────────────┘
//	                    │
//	                  Resume ──► last leaver resets the round
//
// # Leader election
//
// The last active replica to call Enter becomes the round's leader. The
// leader checksums every registered state before anyone proceeds. On a
// mismatch it votes (three or more active replicas) and overwrites the
// minority with the majority's state, or terminates the engine with a
// *DivergenceError.
//
// # Dispositions
//
// The leader decides how followers treat the trap:
//   - Repeat: each follower runs the handler chain itself
//   - Skip: the engine copies the leader's post-handler state into the
//     follower; the follower runs nothing
//   - Resync: every replica timed out; nobody handles anything
//
// # Waiting
//
// Blocking inside Enter and Resume never times out. Lagging replicas are
// the Synchronizer's concern (see package watchdog). How waiters sleep is a
// WaitStrategy: a condition variable or a spin loop.
package redundancy
