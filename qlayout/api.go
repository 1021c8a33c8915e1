// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package qlayout defines the fixed-size little-endian wire layouts of the
// three quota record generations (legacy, extended, compat) and the
// translation between each of them and the canonical records of package
// quota.
//
// All layouts are packed without padding via cstruct; every layout size is
// computed once at package load by examining the struct, never hard-coded.
// A payload whose length differs from its layout size is rejected with a
// Serialization error.
package qlayout

import (
	"fmt"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/quota"
	"github.com/NVIDIA/quotamgr/utils"
)

// LittleEndian byte order for all wire records
var LittleEndian = cstruct.LittleEndian

// ValidityMask bits of LimitsLegacyStruct. Note that a single bit covers
// both limits of a resource; the canonical FieldMask is derived from (and
// never carried alongside) this mask.
const (
	LegacyMaskBlockLimits    uint32 = 1 << 0
	LegacyMaskSpaceUsed      uint32 = 1 << 1
	LegacyMaskInodeLimits    uint32 = 1 << 2
	LegacyMaskInodesUsed     uint32 = 1 << 3
	LegacyMaskBlockTimeLimit uint32 = 1 << 4
	LegacyMaskInodeTimeLimit uint32 = 1 << 5

	LegacyMaskAll uint32 = 0x3F
)

// LimitsLegacyStruct is the legacy generation's limits/usage record.
// Block limits are in 1 KiB quota blocks; SpaceUsed is in bytes.
type LimitsLegacyStruct struct {
	BlockHardLimit uint64
	BlockSoftLimit uint64
	SpaceUsed      uint64
	InodeHardLimit uint64
	InodeSoftLimit uint64
	InodesUsed     uint64
	BlockTimeLimit uint64
	InodeTimeLimit uint64
	ValidityMask   uint32
}

// ValidityMask bits of InfoLegacyStruct.
const (
	LegacyInfoMaskBlockGrace uint32 = 1 << 0
	LegacyInfoMaskInodeGrace uint32 = 1 << 1
	LegacyInfoMaskFlags      uint32 = 1 << 2

	LegacyInfoMaskAll uint32 = 0x7
)

// InfoLegacyKnownFlags are the policy flag bits the legacy generation can
// carry; unknown canonical flag bits are dropped on the legacy write path.
const InfoLegacyKnownFlags uint32 = 0x000000FF

// InfoLegacyStruct is the legacy generation's per-type policy record.
type InfoLegacyStruct struct {
	BlockGrace   uint64
	InodeGrace   uint64
	Flags        uint32
	ValidityMask uint32
}

// LimitsExtendedVersion is the (sole) version of LimitsExtendedStruct.
const LimitsExtendedVersion uint8 = 1

// LimitsExtendedStruct is the extended generation's limits/usage record.
// FieldMask carries the canonical mask bits verbatim.
type LimitsExtendedStruct struct {
	Version        uint8
	Flags          uint8
	FieldMask      uint16
	ID             uint32
	BlockHardLimit uint64
	BlockSoftLimit uint64
	InodeHardLimit uint64
	InodeSoftLimit uint64
	BlockCount     uint64
	InodeCount     uint64
	BlockTimeLimit int32
	InodeTimeLimit int32
	BlockWarnCount uint16
	InodeWarnCount uint16
}

// StateExtendedV0Version is the version byte of StateExtendedV0Struct.
const StateExtendedV0Version uint8 = 1

// TypeStateExtendedStruct describes one quota ledger's on-volume footprint
// within the extended state records.
type TypeStateExtendedStruct struct {
	InodeNumber uint64
	BlockCount  uint64
	ExtentCount uint32
}

// StateExtendedV0Struct is the original extended whole-volume state record.
// It predates project quotas and cannot represent them.
type StateExtendedV0Struct struct {
	Version        uint8
	Pad            uint8
	Flags          uint16
	UserState      TypeStateExtendedStruct
	GroupState     TypeStateExtendedStruct
	InCoreRecords  uint32
	BlockGrace     int32
	InodeGrace     int32
	BlockWarnLimit uint16
	InodeWarnLimit uint16
}

// StateExtendedV1Struct is the versioned extended whole-volume state
// record; the only version served is quota.ExtendedStateVersion1.
type StateExtendedV1Struct struct {
	Version        uint32
	Flags          uint32
	UserState      TypeStateExtendedStruct
	GroupState     TypeStateExtendedStruct
	ProjectState   TypeStateExtendedStruct
	InCoreRecords  uint32
	BlockGrace     int32
	InodeGrace     int32
	BlockWarnLimit uint16
	InodeWarnLimit uint16
	Pad            [4]uint8
	Reserved       [2]uint64
}

// LimitsCompatStruct is the pre-legacy limits/usage record. All block
// quantities (usage included) are in 1 KiB quota blocks; BlocksUsed
// converts to/from the canonical byte count by a 10-bit shift.
type LimitsCompatStruct struct {
	BlockHardLimit uint32
	BlockSoftLimit uint32
	BlocksUsed     uint32
	InodeHardLimit uint32
	InodeSoftLimit uint32
	InodesUsed     uint32
	BlockTimeLimit uint32
	InodeTimeLimit uint32
}

// InfoCompatStruct is the pre-legacy per-type policy record (no validity
// mask on the wire; the compat front end supplies one per opcode).
type InfoCompatStruct struct {
	BlockGrace uint32
	InodeGrace uint32
	Flags      uint32
}

// StatsCompatVersion is the synthetic version reported by CompatGetStats
// (6*10000 + 5*100 + 0).
const StatsCompatVersion uint32 = 60500

// StatsCompatStruct is the dispatcher-counter record served by
// CompatGetStats. Counters with no analog in this dispatcher are
// zero-filled.
type StatsCompatStruct struct {
	Version          uint32
	Lookups          uint32
	Drops            uint32
	Reads            uint32
	Writes           uint32
	CacheHits        uint32
	AllocatedRecords uint32
	FreeRecords      uint32
	Syncs            uint32
}

// Layout sizes, computed at package load.
var (
	LimitsLegacySize    uint64
	InfoLegacySize      uint64
	LimitsExtendedSize  uint64
	StateExtendedV0Size uint64
	StateExtendedV1Size uint64
	LimitsCompatSize    uint64
	InfoCompatSize      uint64
	StatsCompatSize     uint64
	VersionTagSize      uint64 = 4
	FlagsSize           uint64 = 4
	FormatIDSize        uint64 = 4
)

func init() {
	var (
		err error
	)

	LimitsLegacySize, _, err = cstruct.Examine(LimitsLegacyStruct{})
	if nil == err {
		InfoLegacySize, _, err = cstruct.Examine(InfoLegacyStruct{})
	}
	if nil == err {
		LimitsExtendedSize, _, err = cstruct.Examine(LimitsExtendedStruct{})
	}
	if nil == err {
		StateExtendedV0Size, _, err = cstruct.Examine(StateExtendedV0Struct{})
	}
	if nil == err {
		StateExtendedV1Size, _, err = cstruct.Examine(StateExtendedV1Struct{})
	}
	if nil == err {
		LimitsCompatSize, _, err = cstruct.Examine(LimitsCompatStruct{})
	}
	if nil == err {
		InfoCompatSize, _, err = cstruct.Examine(InfoCompatStruct{})
	}
	if nil == err {
		StatsCompatSize, _, err = cstruct.Examine(StatsCompatStruct{})
	}
	if nil != err {
		panic(fmt.Errorf("qlayout: cstruct.Examine failed: %v", err))
	}
}

func checkPayloadSize(payload []byte, layoutSize uint64, layoutName string) (err error) {
	if uint64(len(payload)) != layoutSize {
		err = blunder.NewError(blunder.SerializationError, "%s payload must be %d bytes (got %d)", layoutName, layoutSize, len(payload))
		return
	}
	err = nil
	return
}

// UnpackLimitsLegacy translates a legacy limits payload to the canonical
// record. The canonical FieldMask is derived from the legacy validity
// mask; warn-count bits are never derived (the legacy layout cannot
// express them).
func UnpackLimitsLegacy(payload []byte) (limitsUsage quota.LimitsUsage, err error) {
	var (
		limitsLegacy LimitsLegacyStruct
	)

	err = checkPayloadSize(payload, LimitsLegacySize, "LimitsLegacy")
	if nil != err {
		return
	}
	_, err = cstruct.Unpack(payload, &limitsLegacy, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
		return
	}

	limitsUsage = quota.LimitsUsage{
		BlockHardLimit: limitsLegacy.BlockHardLimit,
		BlockSoftLimit: limitsLegacy.BlockSoftLimit,
		BlockCount:     limitsLegacy.SpaceUsed,
		InodeHardLimit: limitsLegacy.InodeHardLimit,
		InodeSoftLimit: limitsLegacy.InodeSoftLimit,
		InodeCount:     limitsLegacy.InodesUsed,
		BlockTimeLimit: int64(limitsLegacy.BlockTimeLimit),
		InodeTimeLimit: int64(limitsLegacy.InodeTimeLimit),
		FieldMask:      DeriveFieldMask(limitsLegacy.ValidityMask),
	}

	err = nil
	return
}

// DeriveFieldMask maps a legacy validity mask to the canonical FieldMask.
func DeriveFieldMask(validityMask uint32) (fieldMask uint16) {
	if 0 != (validityMask & LegacyMaskBlockLimits) {
		fieldMask |= quota.MaskBlockHardLimit | quota.MaskBlockSoftLimit
	}
	if 0 != (validityMask & LegacyMaskSpaceUsed) {
		fieldMask |= quota.MaskBlockCount
	}
	if 0 != (validityMask & LegacyMaskInodeLimits) {
		fieldMask |= quota.MaskInodeHardLimit | quota.MaskInodeSoftLimit
	}
	if 0 != (validityMask & LegacyMaskInodesUsed) {
		fieldMask |= quota.MaskInodeCount
	}
	if 0 != (validityMask & LegacyMaskBlockTimeLimit) {
		fieldMask |= quota.MaskBlockTimeLimit
	}
	if 0 != (validityMask & LegacyMaskInodeTimeLimit) {
		fieldMask |= quota.MaskInodeTimeLimit
	}
	return
}

// PackLimitsLegacy translates a canonical limits record to the legacy
// payload. Legacy readers always see full validity.
func PackLimitsLegacy(limitsUsage quota.LimitsUsage) (payload []byte, err error) {
	var (
		limitsLegacy LimitsLegacyStruct
	)

	limitsLegacy = LimitsLegacyStruct{
		BlockHardLimit: limitsUsage.BlockHardLimit,
		BlockSoftLimit: limitsUsage.BlockSoftLimit,
		SpaceUsed:      limitsUsage.BlockCount,
		InodeHardLimit: limitsUsage.InodeHardLimit,
		InodeSoftLimit: limitsUsage.InodeSoftLimit,
		InodesUsed:     limitsUsage.InodeCount,
		BlockTimeLimit: uint64(limitsUsage.BlockTimeLimit),
		InodeTimeLimit: uint64(limitsUsage.InodeTimeLimit),
		ValidityMask:   LegacyMaskAll,
	}

	payload, err = cstruct.Pack(limitsLegacy, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}

// UnpackInfoLegacy translates a legacy policy payload to the canonical
// record.
func UnpackInfoLegacy(payload []byte) (info quota.PolicyInfo, err error) {
	var (
		infoLegacy InfoLegacyStruct
	)

	err = checkPayloadSize(payload, InfoLegacySize, "InfoLegacy")
	if nil != err {
		return
	}
	_, err = cstruct.Unpack(payload, &infoLegacy, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
		return
	}

	info = quota.PolicyInfo{
		BlockGrace: int64(infoLegacy.BlockGrace),
		InodeGrace: int64(infoLegacy.InodeGrace),
		Flags:      infoLegacy.Flags & InfoLegacyKnownFlags,
		FieldMask:  deriveInfoFieldMask(infoLegacy.ValidityMask),
	}

	err = nil
	return
}

func deriveInfoFieldMask(validityMask uint32) (fieldMask uint8) {
	if 0 != (validityMask & LegacyInfoMaskBlockGrace) {
		fieldMask |= quota.InfoMaskBlockGrace
	}
	if 0 != (validityMask & LegacyInfoMaskInodeGrace) {
		fieldMask |= quota.InfoMaskInodeGrace
	}
	if 0 != (validityMask & LegacyInfoMaskFlags) {
		fieldMask |= quota.InfoMaskFlags
	}
	return
}

// PackInfoLegacy translates a canonical policy record to the legacy
// payload. Legacy readers always see full validity.
func PackInfoLegacy(info quota.PolicyInfo) (payload []byte, err error) {
	var (
		infoLegacy InfoLegacyStruct
	)

	infoLegacy = InfoLegacyStruct{
		BlockGrace:   uint64(info.BlockGrace),
		InodeGrace:   uint64(info.InodeGrace),
		Flags:        info.Flags & InfoLegacyKnownFlags,
		ValidityMask: LegacyInfoMaskAll,
	}

	payload, err = cstruct.Pack(infoLegacy, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}

// UnpackLimitsExtended translates an extended limits payload to the
// canonical record. The FieldMask is copied exactly. The embedded ID is
// returned alongside for the caller's use; the command's own id argument
// remains authoritative.
func UnpackLimitsExtended(payload []byte) (id uint32, limitsUsage quota.LimitsUsage, err error) {
	var (
		limitsExtended LimitsExtendedStruct
	)

	err = checkPayloadSize(payload, LimitsExtendedSize, "LimitsExtended")
	if nil != err {
		return
	}
	_, err = cstruct.Unpack(payload, &limitsExtended, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
		return
	}

	if LimitsExtendedVersion != limitsExtended.Version {
		err = blunder.NewError(blunder.BadVersionError, "LimitsExtended version %d not supported (want %d)", limitsExtended.Version, LimitsExtendedVersion)
		return
	}

	id = limitsExtended.ID
	limitsUsage = quota.LimitsUsage{
		BlockHardLimit: limitsExtended.BlockHardLimit,
		BlockSoftLimit: limitsExtended.BlockSoftLimit,
		BlockCount:     limitsExtended.BlockCount,
		InodeHardLimit: limitsExtended.InodeHardLimit,
		InodeSoftLimit: limitsExtended.InodeSoftLimit,
		InodeCount:     limitsExtended.InodeCount,
		BlockTimeLimit: int64(limitsExtended.BlockTimeLimit),
		InodeTimeLimit: int64(limitsExtended.InodeTimeLimit),
		BlockWarnCount: limitsExtended.BlockWarnCount,
		InodeWarnCount: limitsExtended.InodeWarnCount,
		FieldMask:      limitsExtended.FieldMask,
	}

	err = nil
	return
}

// PackLimitsExtended translates a canonical limits record to the extended
// payload. The FieldMask is copied exactly.
func PackLimitsExtended(id uint32, limitsUsage quota.LimitsUsage) (payload []byte, err error) {
	var (
		limitsExtended LimitsExtendedStruct
	)

	limitsExtended = LimitsExtendedStruct{
		Version:        LimitsExtendedVersion,
		FieldMask:      limitsUsage.FieldMask,
		ID:             id,
		BlockHardLimit: limitsUsage.BlockHardLimit,
		BlockSoftLimit: limitsUsage.BlockSoftLimit,
		InodeHardLimit: limitsUsage.InodeHardLimit,
		InodeSoftLimit: limitsUsage.InodeSoftLimit,
		BlockCount:     limitsUsage.BlockCount,
		InodeCount:     limitsUsage.InodeCount,
		BlockTimeLimit: int32(limitsUsage.BlockTimeLimit),
		InodeTimeLimit: int32(limitsUsage.InodeTimeLimit),
		BlockWarnCount: limitsUsage.BlockWarnCount,
		InodeWarnCount: limitsUsage.InodeWarnCount,
	}

	payload, err = cstruct.Pack(limitsExtended, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}

// PackStateExtendedV0 translates a canonical extended state record to the
// V0 payload. Project state is not representable and is silently omitted.
func PackStateExtendedV0(state quota.ExtendedState) (payload []byte, err error) {
	var (
		stateV0 StateExtendedV0Struct
	)

	stateV0 = StateExtendedV0Struct{
		Version:        StateExtendedV0Version,
		Flags:          uint16(state.Flags),
		UserState:      packTypeState(state.UserState),
		GroupState:     packTypeState(state.GroupState),
		InCoreRecords:  state.InCoreRecords,
		BlockGrace:     state.BlockGrace,
		InodeGrace:     state.InodeGrace,
		BlockWarnLimit: state.BlockWarnLimit,
		InodeWarnLimit: state.InodeWarnLimit,
	}

	payload, err = cstruct.Pack(stateV0, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}

// PackStateExtendedV1 translates a canonical extended state record to the
// V1 payload.
func PackStateExtendedV1(state quota.ExtendedState) (payload []byte, err error) {
	var (
		stateV1 StateExtendedV1Struct
	)

	stateV1 = StateExtendedV1Struct{
		Version:        quota.ExtendedStateVersion1,
		Flags:          state.Flags,
		UserState:      packTypeState(state.UserState),
		GroupState:     packTypeState(state.GroupState),
		ProjectState:   packTypeState(state.ProjectState),
		InCoreRecords:  state.InCoreRecords,
		BlockGrace:     state.BlockGrace,
		InodeGrace:     state.InodeGrace,
		BlockWarnLimit: state.BlockWarnLimit,
		InodeWarnLimit: state.InodeWarnLimit,
	}

	payload, err = cstruct.Pack(stateV1, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}

func packTypeState(typeState quota.ExtendedTypeState) TypeStateExtendedStruct {
	return TypeStateExtendedStruct{
		InodeNumber: typeState.InodeNumber,
		BlockCount:  typeState.BlockCount,
		ExtentCount: typeState.ExtentCount,
	}
}

// UnpackVersionTag decodes the 4-byte version tag payload of
// ExtGetStatVersioned.
func UnpackVersionTag(payload []byte) (version uint32, err error) {
	version, err = unpackUint32(payload, "version tag")
	return
}

// UnpackFlags decodes the 4-byte flag word payload of
// ExtQuotaOn/ExtQuotaOff/ExtRemove.
func UnpackFlags(payload []byte) (flags uint32, err error) {
	flags, err = unpackUint32(payload, "flags")
	return
}

func unpackUint32(payload []byte, what string) (value uint32, err error) {
	var (
		ok bool
	)

	value, ok = utils.ByteSliceToUint32(payload)
	if !ok {
		err = blunder.NewError(blunder.SerializationError, "%s payload must be 4 bytes (got %d)", what, len(payload))
		return
	}
	err = nil
	return
}

// PackFormatID encodes the 4-byte GetFormat reply payload.
func PackFormatID(formatID uint32) (payload []byte) {
	payload = utils.Uint32ToByteSlice(formatID)
	return
}

// UnpackLimitsCompat translates a compat limits payload to the canonical
// record. The compat layout has no validity mask on the wire; the front
// end supplies the canonical FieldMask implied by the compat opcode.
func UnpackLimitsCompat(payload []byte, fieldMask uint16) (limitsUsage quota.LimitsUsage, err error) {
	var (
		limitsCompat LimitsCompatStruct
	)

	err = checkPayloadSize(payload, LimitsCompatSize, "LimitsCompat")
	if nil != err {
		return
	}
	_, err = cstruct.Unpack(payload, &limitsCompat, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
		return
	}

	limitsUsage = quota.LimitsUsage{
		BlockHardLimit: uint64(limitsCompat.BlockHardLimit),
		BlockSoftLimit: uint64(limitsCompat.BlockSoftLimit),
		BlockCount:     uint64(limitsCompat.BlocksUsed) << 10,
		InodeHardLimit: uint64(limitsCompat.InodeHardLimit),
		InodeSoftLimit: uint64(limitsCompat.InodeSoftLimit),
		InodeCount:     uint64(limitsCompat.InodesUsed),
		BlockTimeLimit: int64(limitsCompat.BlockTimeLimit),
		InodeTimeLimit: int64(limitsCompat.InodeTimeLimit),
		FieldMask:      fieldMask,
	}

	err = nil
	return
}

// PackLimitsCompat translates a canonical limits record to the compat
// payload, truncating to the 32-bit fields and shrinking the byte count
// back to 1 KiB quota blocks.
func PackLimitsCompat(limitsUsage quota.LimitsUsage) (payload []byte, err error) {
	var (
		limitsCompat LimitsCompatStruct
	)

	limitsCompat = LimitsCompatStruct{
		BlockHardLimit: uint32(limitsUsage.BlockHardLimit),
		BlockSoftLimit: uint32(limitsUsage.BlockSoftLimit),
		BlocksUsed:     uint32(limitsUsage.BlockCount >> 10),
		InodeHardLimit: uint32(limitsUsage.InodeHardLimit),
		InodeSoftLimit: uint32(limitsUsage.InodeSoftLimit),
		InodesUsed:     uint32(limitsUsage.InodeCount),
		BlockTimeLimit: uint32(limitsUsage.BlockTimeLimit),
		InodeTimeLimit: uint32(limitsUsage.InodeTimeLimit),
	}

	payload, err = cstruct.Pack(limitsCompat, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}

// UnpackInfoCompat translates a compat policy payload to the canonical
// record; the front end supplies the FieldMask implied by the compat
// opcode.
func UnpackInfoCompat(payload []byte, fieldMask uint8) (info quota.PolicyInfo, err error) {
	var (
		infoCompat InfoCompatStruct
	)

	err = checkPayloadSize(payload, InfoCompatSize, "InfoCompat")
	if nil != err {
		return
	}
	_, err = cstruct.Unpack(payload, &infoCompat, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
		return
	}

	info = quota.PolicyInfo{
		BlockGrace: int64(infoCompat.BlockGrace),
		InodeGrace: int64(infoCompat.InodeGrace),
		Flags:      infoCompat.Flags,
		FieldMask:  fieldMask,
	}

	err = nil
	return
}

// PackInfoCompat translates a canonical policy record to the compat
// payload.
func PackInfoCompat(info quota.PolicyInfo) (payload []byte, err error) {
	var (
		infoCompat InfoCompatStruct
	)

	infoCompat = InfoCompatStruct{
		BlockGrace: uint32(info.BlockGrace),
		InodeGrace: uint32(info.InodeGrace),
		Flags:      info.Flags,
	}

	payload, err = cstruct.Pack(infoCompat, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}

// PackStatsCompat encodes the CompatGetStats reply, stamping the synthetic
// version.
func PackStatsCompat(statsCompat StatsCompatStruct) (payload []byte, err error) {
	statsCompat.Version = StatsCompatVersion

	payload, err = cstruct.Pack(statsCompat, LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.SerializationError)
	}
	return
}
