// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package quota defines the canonical quota command model shared by every
// front end and backend in QuotaMgr: quota types, command opcodes and their
// classification, the canonical limits/policy/state records, the backend
// capability interface, and the identity namespace that validates the raw
// identities arriving with limits commands.
package quota

// QuotaType selects which of a volume's quota ledgers a command addresses.
type QuotaType uint32

const (
	UserQuota    QuotaType = 0
	GroupQuota   QuotaType = 1
	ProjectQuota QuotaType = 2

	// LegacyQuotaTypes and ExtendedQuotaTypes are the per-family type
	// maxima; a command whose type ordinal is >= its family's maximum is
	// rejected before any authorization check. Project quotas are only
	// addressable through the extended family.
	LegacyQuotaTypes   QuotaType = 2
	ExtendedQuotaTypes QuotaType = 3
)

func (qType QuotaType) String() string {
	switch qType {
	case UserQuota:
		return "user"
	case GroupQuota:
		return "group"
	case ProjectQuota:
		return "project"
	default:
		return "invalid"
	}
}

// Command values are opcode<<8 | type. The legacy opcodes carry the
// historical 0x80 marker in their top byte; extended opcodes carry 'X'
// in their high byte; compat opcodes predate both markers and live in
// 0x0100..0x2FFF.
const (
	SyncCmd           uint32 = 0x800001 // read  class
	QuotaOnCmd        uint32 = 0x800002 // write class
	QuotaOffCmd       uint32 = 0x800003 // write class
	GetFormatCmd      uint32 = 0x800004 // read  class
	GetInfoCmd        uint32 = 0x800005 // read  class
	SetInfoCmd        uint32 = 0x800006 // write class
	GetLimitsUsageCmd uint32 = 0x800007 // write class
	SetLimitsUsageCmd uint32 = 0x800008 // write class

	ExtQuotaOnCmd          uint32 = ('X' << 8) + 1 // write class
	ExtQuotaOffCmd         uint32 = ('X' << 8) + 2 // write class
	ExtGetLimitsUsageCmd   uint32 = ('X' << 8) + 3 // read  class
	ExtSetLimitsUsageCmd   uint32 = ('X' << 8) + 4 // write class
	ExtGetStatCmd          uint32 = ('X' << 8) + 5 // read  class
	ExtRemoveCmd           uint32 = ('X' << 8) + 6 // write class
	ExtSyncNoopCmd         uint32 = ('X' << 8) + 7 // read  class
	ExtGetStatVersionedCmd uint32 = ('X' << 8) + 8 // read  class
)

// Compat opcodes; each is re-expressed by the compat front end as one of
// the native opcodes above (CompatGetStats is answered by the front end
// itself).
const (
	CompatQuotaOnCmd  uint32 = 0x0100
	CompatQuotaOffCmd uint32 = 0x0200
	CompatGetQuotaCmd uint32 = 0x0300
	CompatSetQuotaCmd uint32 = 0x0400
	CompatSetUseCmd   uint32 = 0x0500
	CompatSyncCmd     uint32 = 0x0600
	CompatSetQLimCmd  uint32 = 0x0700
	CompatGetStatsCmd uint32 = 0x0800
	CompatGetInfoCmd  uint32 = 0x0900
	CompatSetInfoCmd  uint32 = 0x0A00
	CompatSetGraceCmd uint32 = 0x0B00
	CompatSetFlagsCmd uint32 = 0x0C00

	compatOpcodeFirst uint32 = 0x0100
	compatOpcodeLast  uint32 = 0x2FFF
)

// MakeCommand assembles a wire command value from an opcode and a quota type.
func MakeCommand(opcode uint32, qType QuotaType) (command uint32) {
	command = (opcode << 8) | (uint32(qType) & 0xFF)
	return
}

// CommandOpcode extracts the opcode from a wire command value.
func CommandOpcode(command uint32) (opcode uint32) {
	opcode = command >> 8
	return
}

// CommandQuotaType extracts the quota type ordinal from a wire command value.
func CommandQuotaType(command uint32) (qType QuotaType) {
	qType = QuotaType(command & 0xFF)
	return
}

// OpcodeIsExtended reports whether opcode belongs to the extended command
// family (high byte == 'X').
func OpcodeIsExtended(opcode uint32) bool {
	return ('X' << 8) == (opcode & 0xFF00)
}

// OpcodeIsCompat reports whether opcode belongs to the compat command family.
func OpcodeIsCompat(opcode uint32) bool {
	return (opcode >= compatOpcodeFirst) && (opcode <= compatOpcodeLast)
}

// OpcodeIsReadClass reports whether opcode may be dispatched against a
// frozen volume without waiting for the thaw. Note that legacy
// GetLimitsUsage is write class.
func OpcodeIsReadClass(opcode uint32) bool {
	switch opcode {
	case SyncCmd, GetFormatCmd, GetInfoCmd,
		ExtGetLimitsUsageCmd, ExtGetStatCmd, ExtSyncNoopCmd, ExtGetStatVersionedCmd:
		return true
	default:
		return false
	}
}

// PrivilegeClass partitions opcodes by the privilege their caller must hold.
type PrivilegeClass uint8

const (
	// NoPrivilegeRequired commands are open to any caller (the security
	// hook still runs).
	NoPrivilegeRequired PrivilegeClass = iota

	// SelfLookupAllowed commands are open to a caller asking about its
	// own identity (matching user ID for user quotas, group membership
	// for group quotas); anyone else needs the admin privilege.
	SelfLookupAllowed

	// AdminRequired commands demand the admin privilege unconditionally.
	AdminRequired
)

// OpcodePrivilegeClass returns the privilege class for opcode.
func OpcodePrivilegeClass(opcode uint32) PrivilegeClass {
	switch opcode {
	case GetFormatCmd, SyncCmd, GetInfoCmd,
		ExtGetStatCmd, ExtGetStatVersionedCmd, ExtSyncNoopCmd:
		return NoPrivilegeRequired
	case GetLimitsUsageCmd, ExtGetLimitsUsageCmd:
		return SelfLookupAllowed
	default:
		return AdminRequired
	}
}

// QuotaID is an identity that has been validated through the identity
// namespace; only QuotaIDs reach a backend's limits operations.
type QuotaID uint32

// Well-known quota format IDs, as reported by GetFormat and requested by
// QuotaOn. The dispatcher treats them as opaque.
const (
	QuotaFormatVFSOld uint32 = 1
	QuotaFormatVFSV0  uint32 = 2
	QuotaFormatVFSV1  uint32 = 4
)

// FieldMask bits for LimitsUsage; one bit per settable field.
const (
	MaskInodeSoftLimit uint16 = 1 << 0
	MaskInodeHardLimit uint16 = 1 << 1
	MaskBlockSoftLimit uint16 = 1 << 2
	MaskBlockHardLimit uint16 = 1 << 3
	MaskBlockTimeLimit uint16 = 1 << 4
	MaskInodeTimeLimit uint16 = 1 << 5
	MaskBlockWarnCount uint16 = 1 << 6
	MaskInodeWarnCount uint16 = 1 << 7
	MaskBlockCount     uint16 = 1 << 8
	MaskInodeCount     uint16 = 1 << 9

	MaskLimits = MaskInodeSoftLimit | MaskInodeHardLimit | MaskBlockSoftLimit | MaskBlockHardLimit
	MaskUsage  = MaskBlockCount | MaskInodeCount
	MaskTimes  = MaskBlockTimeLimit | MaskInodeTimeLimit
	MaskWarns  = MaskBlockWarnCount | MaskInodeWarnCount
	MaskAll    = MaskLimits | MaskUsage | MaskTimes | MaskWarns
)

// LimitsUsage is the canonical per-identity limits/usage record consumed
// by backends. Block limits are in 1 KiB quota blocks; BlockCount is in
// bytes; time limits are grace-expiry timestamps (seconds since the
// epoch). FieldMask names which fields are valid (set path) or requested
// (get path).
type LimitsUsage struct {
	BlockHardLimit uint64 // 1 KiB quota blocks
	BlockSoftLimit uint64 // 1 KiB quota blocks
	BlockCount     uint64 // bytes
	InodeHardLimit uint64
	InodeSoftLimit uint64
	InodeCount     uint64
	BlockTimeLimit int64
	InodeTimeLimit int64
	BlockWarnCount uint16
	InodeWarnCount uint16
	FieldMask      uint16
}

// FieldMask bits for PolicyInfo.
const (
	InfoMaskBlockGrace uint8 = 1 << 0
	InfoMaskInodeGrace uint8 = 1 << 1
	InfoMaskFlags      uint8 = 1 << 2

	InfoMaskAll = InfoMaskBlockGrace | InfoMaskInodeGrace | InfoMaskFlags
)

// PolicyInfo is the canonical per-type quota policy record (grace periods
// and format-defined flags).
type PolicyInfo struct {
	BlockGrace int64 // seconds
	InodeGrace int64 // seconds
	Flags      uint32
	FieldMask  uint8
}

// ExtendedState Flags bits (per-type accounting/enforcement).
const (
	StateUserAccounting    uint32 = 1 << 0
	StateUserEnforcing     uint32 = 1 << 1
	StateGroupAccounting   uint32 = 1 << 2
	StateGroupEnforcing    uint32 = 1 << 3
	StateProjectAccounting uint32 = 1 << 4
	StateProjectEnforcing  uint32 = 1 << 5
)

// ExtendedStateVersion1 is the only version of the extended state record
// that ExtGetStatVersioned will serve.
const ExtendedStateVersion1 uint32 = 1

// ExtendedTypeState describes one quota ledger's on-volume footprint.
type ExtendedTypeState struct {
	InodeNumber uint64
	BlockCount  uint64
	ExtentCount uint32
}

// ExtendedState is the canonical whole-volume quota state record served by
// the extended command family. ProjectState is representable only in the
// V1 wire layout.
type ExtendedState struct {
	Version        uint32
	Flags          uint32
	UserState      ExtendedTypeState
	GroupState     ExtendedTypeState
	ProjectState   ExtendedTypeState
	InCoreRecords  uint32
	BlockGrace     int32
	InodeGrace     int32
	BlockWarnLimit uint16
	InodeWarnLimit uint16
}

// Capability bits; one per optional Backend operation. A backend that does
// not advertise an operation's bit never receives that operation. The
// limits capabilities are shared between the legacy and extended families.
type Capability uint32

const (
	CapQuotaOn Capability = 1 << iota
	CapQuotaOnMeta
	CapQuotaOff
	CapGetFormat
	CapGetInfo
	CapSetInfo
	CapGetLimitsUsage
	CapSetLimitsUsage
	CapSync
	CapExtSetState
	CapExtGetState
	CapExtGetStateVersioned
	CapExtRemove
)

// Has reports whether every bit of want is present in caps.
func (caps Capability) Has(want Capability) bool {
	return want == (caps & want)
}

// Backend is the capability interface through which the dispatcher drives
// a volume's quota accounting engine. Every method may assume its
// capability bit was tested first; limits methods may assume the QuotaID
// was validated through the identity namespace.
type Backend interface {
	Capabilities() (caps Capability)
	QuotaOn(qType QuotaType, formatID uint32, path string) (err error)
	QuotaOnMeta(qType QuotaType, formatID uint32) (err error)
	QuotaOff(qType QuotaType) (err error)
	GetFormat(qType QuotaType) (formatID uint32, err error)
	GetInfo(qType QuotaType) (info PolicyInfo, err error)
	SetInfo(qType QuotaType, info PolicyInfo) (err error)
	GetLimitsUsage(qType QuotaType, id QuotaID) (limitsUsage LimitsUsage, err error)
	SetLimitsUsage(qType QuotaType, id QuotaID, limitsUsage LimitsUsage) (err error)
	Sync(qType QuotaType) (err error)
	ExtSetState(flags uint32, enable bool) (err error)
	ExtGetState() (state ExtendedState, err error)
	ExtGetStateVersioned(version uint32) (state ExtendedState, err error)
	ExtRemove(flags uint32) (err error)
}

// CallerContext carries the identity and privilege of the caller on whose
// behalf a command is dispatched. The privilege predicates are black boxes
// to the dispatcher; this struct is the trusted-admin-plane rendition used
// by the in-process front ends.
type CallerContext struct {
	UserID   uint32
	GroupIDs []uint32
	Admin    bool
}

// InGroup reports whether groupID is among the caller's groups.
func (caller *CallerContext) InGroup(groupID uint32) bool {
	for _, callerGroupID := range caller.GroupIDs {
		if groupID == callerGroupID {
			return true
		}
	}
	return false
}

// HasAdmin reports whether the caller holds the admin privilege.
func (caller *CallerContext) HasAdmin() bool {
	return caller.Admin
}
