// Package edgeerr collects the sentinel errors shared across EdgeMesh's core
// packages. The HTTP layer maps these to the error taxonomy in spec.md §6;
// everything below the HTTP boundary compares against these with errors.Is.
package edgeerr

import "errors"

var (
	ErrNotFound          = errors.New("edgemesh: not found")
	ErrAlreadyExists     = errors.New("edgemesh: already exists")
	ErrConflict          = errors.New("edgemesh: version conflict")
	ErrNoEligibleTask    = errors.New("edgemesh: no eligible task for node")
	ErrNodeDraining      = errors.New("edgemesh: node is draining")
	ErrNodeRevoked       = errors.New("edgemesh: node is revoked")
	ErrStoreFrozen       = errors.New("edgemesh: admission frozen")
	ErrStoreDraining     = errors.New("edgemesh: admission draining")
	ErrWrongClaimant     = errors.New("edgemesh: task claimed by a different node")
	ErrInvalidTransition = errors.New("edgemesh: invalid task state transition")
	ErrNotLeader         = errors.New("edgemesh: this instance is not the leader")
	ErrIdempotentReplay  = errors.New("edgemesh: idempotency key already consumed")
)
