package hv

// Snapshot stream constants
const (
	SnapshotMagic   uint32 = 0x50434953 // "PCIS"
	SnapshotVersion uint32 = 1
)

// Section tags inside a snapshot stream.
const (
	SnapshotSectionEnd      uint32 = 0
	SnapshotSectionBus      uint32 = 1
	SnapshotSectionFunction uint32 = 2
)
