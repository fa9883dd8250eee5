// Package gate implements the group's single external identity.
//
// N replicas must look like one program to the outside world. Every
// externally visible operation goes through the group's Agent: the round
// leader triggers it, the agent worker performs it exactly once against an
// Endpoint, and the result is replicated to the followers like any other
// handler result. Inbound deliveries addressed to the group are queued once,
// regardless of how many replicas exist.
package gate
