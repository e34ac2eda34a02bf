// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following ADR-021 error handling pattern.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("sipwatch: packet too short")
	ErrUnsupportedProto = errors.New("sipwatch: unsupported protocol")

	// IP reassembly errors
	ErrReassemblyTimeout  = errors.New("sipwatch: fragment reassembly timeout")
	ErrReassemblyLimit    = errors.New("sipwatch: fragment reassembly limit exceeded")
	ErrFragmentIncomplete = errors.New("sipwatch: fragment not complete")
	ErrReassemblyExpired  = errors.New("sipwatch: fragment reassembly expired")

	// Call storage errors
	ErrCallCapacityReached = errors.New("sipwatch: call storage capacity reached")

	// HEP codec errors
	ErrHEPBannerMismatch     = errors.New("sipwatch: hep banner mismatch")
	ErrHEPUnsupportedVersion = errors.New("sipwatch: hep unsupported version")

	// Configuration errors
	ErrConfigInvalid = errors.New("sipwatch: invalid configuration")
)
