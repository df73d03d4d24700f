package dataNodeStore

import "errors"

var (
	// ErrContractViolation is returned for caller misuse, for example leaf
	// data above capacity or an inner node of depth 0. No I/O has happened.
	ErrContractViolation = errors.New("dataNodeStore: contract violation")

	// ErrCorruptNode is returned when block bytes are not a valid node.
	ErrCorruptNode = errors.New("dataNodeStore: corrupt node")

	// ErrInconsistent is returned when a node the store just wrote cannot be
	// read back as what was written. The write path or backend is broken.
	ErrInconsistent = errors.New("dataNodeStore: internal consistency failure")

	// ErrBlockSizeTooSmall is returned when the block size cannot hold a
	// valid tree.
	ErrBlockSizeTooSmall = errors.New("dataNodeStore: block size too small")

	ErrBlockAlreadyExists = errors.New("dataNodeStore: block already exists")
)
