// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package qlayout

import (
	"testing"

	"github.com/NVIDIA/cstruct"
	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/quota"
)

func TestLayoutSizes(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(uint64(68), LimitsLegacySize)
	assert.Equal(uint64(24), InfoLegacySize)
	assert.Equal(uint64(68), LimitsExtendedSize)
	assert.Equal(uint64(60), StateExtendedV0Size)
	assert.Equal(uint64(104), StateExtendedV1Size)
	assert.Equal(uint64(32), LimitsCompatSize)
	assert.Equal(uint64(12), InfoCompatSize)
	assert.Equal(uint64(36), StatsCompatSize)
}

func TestPayloadSizeEnforcement(t *testing.T) {
	assert := assert.New(t)

	short := make([]byte, LimitsLegacySize-1)
	long := make([]byte, LimitsLegacySize+1)

	_, err := UnpackLimitsLegacy(short)
	assert.True(blunder.Is(err, blunder.SerializationError))
	_, err = UnpackLimitsLegacy(long)
	assert.True(blunder.Is(err, blunder.SerializationError))

	_, err = UnpackInfoLegacy(make([]byte, InfoLegacySize+4))
	assert.True(blunder.Is(err, blunder.SerializationError))

	_, _, err = UnpackLimitsExtended(make([]byte, LimitsExtendedSize-4))
	assert.True(blunder.Is(err, blunder.SerializationError))

	_, err = UnpackLimitsCompat(make([]byte, LimitsCompatSize*2), quota.MaskAll)
	assert.True(blunder.Is(err, blunder.SerializationError))

	_, err = UnpackInfoCompat([]byte{}, quota.InfoMaskAll)
	assert.True(blunder.Is(err, blunder.SerializationError))

	_, err = UnpackVersionTag([]byte{1, 0, 0})
	assert.True(blunder.Is(err, blunder.SerializationError))

	_, err = UnpackFlags([]byte{1, 0, 0, 0, 0})
	assert.True(blunder.Is(err, blunder.SerializationError))
}

func TestLegacyLimitsRoundTrip(t *testing.T) {
	assert := assert.New(t)

	limitsUsage := quota.LimitsUsage{
		BlockHardLimit: 2000,
		BlockSoftLimit: 1000,
		BlockCount:     512 * 1024,
		InodeHardLimit: 200,
		InodeSoftLimit: 100,
		InodeCount:     42,
		BlockTimeLimit: 1600000000,
		InodeTimeLimit: 1600000600,
		BlockWarnCount: 3, // not representable in the legacy layout
		InodeWarnCount: 4, // not representable in the legacy layout
		FieldMask:      quota.MaskAll,
	}

	payload, err := PackLimitsLegacy(limitsUsage)
	assert.Nil(err)
	assert.Equal(LimitsLegacySize, uint64(len(payload)))

	roundTripped, err := UnpackLimitsLegacy(payload)
	assert.Nil(err)

	// warn counts excepted, mask normalized to the derived-from-All value
	expected := limitsUsage
	expected.BlockWarnCount = 0
	expected.InodeWarnCount = 0
	expected.FieldMask = DeriveFieldMask(LegacyMaskAll)
	assert.Equal(expected, roundTripped)
}

func TestLegacyMaskDerivation(t *testing.T) {
	assert := assert.New(t)

	testCases := []struct {
		validityMask uint32
		fieldMask    uint16
	}{
		{0, 0},
		{LegacyMaskBlockLimits, quota.MaskBlockHardLimit | quota.MaskBlockSoftLimit},
		{LegacyMaskSpaceUsed, quota.MaskBlockCount},
		{LegacyMaskInodeLimits, quota.MaskInodeHardLimit | quota.MaskInodeSoftLimit},
		{LegacyMaskInodesUsed, quota.MaskInodeCount},
		{LegacyMaskBlockTimeLimit, quota.MaskBlockTimeLimit},
		{LegacyMaskInodeTimeLimit, quota.MaskInodeTimeLimit},
		{LegacyMaskBlockLimits | LegacyMaskInodesUsed, quota.MaskBlockHardLimit | quota.MaskBlockSoftLimit | quota.MaskInodeCount},
		{LegacyMaskAll, quota.MaskLimits | quota.MaskUsage | quota.MaskTimes},
	}

	for _, testCase := range testCases {
		assert.Equal(testCase.fieldMask, DeriveFieldMask(testCase.validityMask), "validityMask 0x%02X", testCase.validityMask)
	}

	// warn-count bits are never derived
	assert.Zero(DeriveFieldMask(LegacyMaskAll) & quota.MaskWarns)

	// every mask subset derives exactly the union of its per-bit derivations
	for validityMask := uint32(0); validityMask <= LegacyMaskAll; validityMask++ {
		var want uint16
		for bit := uint32(1); bit <= LegacyMaskInodeTimeLimit; bit <<= 1 {
			if 0 != (validityMask & bit) {
				want |= DeriveFieldMask(bit)
			}
		}
		assert.Equal(want, DeriveFieldMask(validityMask))
	}
}

func TestLegacyInfoRoundTrip(t *testing.T) {
	assert := assert.New(t)

	info := quota.PolicyInfo{
		BlockGrace: 604800,
		InodeGrace: 86400,
		Flags:      0x31, // 0x30 within the known bits, plus bit 0
		FieldMask:  quota.InfoMaskAll,
	}

	payload, err := PackInfoLegacy(info)
	assert.Nil(err)
	assert.Equal(InfoLegacySize, uint64(len(payload)))

	roundTripped, err := UnpackInfoLegacy(payload)
	assert.Nil(err)
	assert.Equal(info, roundTripped)

	// unknown canonical flag bits are dropped on the legacy write path
	info.Flags = 0xFFFF0001
	payload, err = PackInfoLegacy(info)
	assert.Nil(err)
	roundTripped, err = UnpackInfoLegacy(payload)
	assert.Nil(err)
	assert.Equal(uint32(0x01), roundTripped.Flags)
}

func TestExtendedLimitsRoundTrip(t *testing.T) {
	assert := assert.New(t)

	masks := []uint16{
		0,
		quota.MaskBlockHardLimit,
		quota.MaskWarns,
		quota.MaskLimits | quota.MaskTimes,
		quota.MaskAll,
		0x0155, // arbitrary
	}

	for _, mask := range masks {
		limitsUsage := quota.LimitsUsage{
			BlockHardLimit: 1 << 40,
			BlockSoftLimit: 1 << 39,
			BlockCount:     123456789,
			InodeHardLimit: 1 << 20,
			InodeSoftLimit: 1 << 19,
			InodeCount:     54321,
			BlockTimeLimit: 1700000000,
			InodeTimeLimit: 1700000100,
			BlockWarnCount: 7,
			InodeWarnCount: 9,
			FieldMask:      mask,
		}

		payload, err := PackLimitsExtended(4242, limitsUsage)
		assert.Nil(err)
		assert.Equal(LimitsExtendedSize, uint64(len(payload)))

		id, roundTripped, err := UnpackLimitsExtended(payload)
		assert.Nil(err)
		assert.Equal(uint32(4242), id)
		assert.Equal(limitsUsage, roundTripped, "mask 0x%04X", mask)
	}
}

func TestExtendedLimitsVersionCheck(t *testing.T) {
	assert := assert.New(t)

	payload, err := PackLimitsExtended(1, quota.LimitsUsage{})
	assert.Nil(err)

	payload[0] = 2 // Version is the leading byte

	_, _, err = UnpackLimitsExtended(payload)
	assert.True(blunder.Is(err, blunder.BadVersionError))
}

func TestStateExtendedPacking(t *testing.T) {
	assert := assert.New(t)

	state := quota.ExtendedState{
		Version:        quota.ExtendedStateVersion1,
		Flags:          quota.StateUserAccounting | quota.StateUserEnforcing | quota.StateProjectAccounting,
		UserState:      quota.ExtendedTypeState{InodeNumber: 131, BlockCount: 4096, ExtentCount: 2},
		GroupState:     quota.ExtendedTypeState{InodeNumber: 132, BlockCount: 8192, ExtentCount: 3},
		ProjectState:   quota.ExtendedTypeState{InodeNumber: 133, BlockCount: 16384, ExtentCount: 4},
		InCoreRecords:  17,
		BlockGrace:     604800,
		InodeGrace:     86400,
		BlockWarnLimit: 5,
		InodeWarnLimit: 6,
	}

	payloadV0, err := PackStateExtendedV0(state)
	assert.Nil(err)
	assert.Equal(StateExtendedV0Size, uint64(len(payloadV0)))

	var stateV0 StateExtendedV0Struct
	_, err = cstruct.Unpack(payloadV0, &stateV0, LittleEndian)
	assert.Nil(err)
	assert.Equal(StateExtendedV0Version, stateV0.Version)
	assert.Equal(uint16(state.Flags), stateV0.Flags)
	assert.Equal(state.UserState.InodeNumber, stateV0.UserState.InodeNumber)
	assert.Equal(state.GroupState.BlockCount, stateV0.GroupState.BlockCount)
	assert.Equal(state.InCoreRecords, stateV0.InCoreRecords)

	payloadV1, err := PackStateExtendedV1(state)
	assert.Nil(err)
	assert.Equal(StateExtendedV1Size, uint64(len(payloadV1)))

	var stateV1 StateExtendedV1Struct
	_, err = cstruct.Unpack(payloadV1, &stateV1, LittleEndian)
	assert.Nil(err)
	assert.Equal(quota.ExtendedStateVersion1, stateV1.Version)
	assert.Equal(state.Flags, stateV1.Flags)
	assert.Equal(state.ProjectState.InodeNumber, stateV1.ProjectState.InodeNumber)
	assert.Equal(state.ProjectState.ExtentCount, stateV1.ProjectState.ExtentCount)
	assert.Equal(state.BlockWarnLimit, stateV1.BlockWarnLimit)
}

func TestVersionTagAndFlags(t *testing.T) {
	assert := assert.New(t)

	version, err := UnpackVersionTag([]byte{1, 0, 0, 0})
	assert.Nil(err)
	assert.Equal(quota.ExtendedStateVersion1, version)

	flags, err := UnpackFlags([]byte{0x05, 0, 0, 0})
	assert.Nil(err)
	assert.Equal(uint32(5), flags)

	formatPayload := PackFormatID(0x13770f87)
	assert.Equal([]byte{0x87, 0x0f, 0x77, 0x13}, formatPayload)
}

func TestCompatLimitsTranslation(t *testing.T) {
	assert := assert.New(t)

	limitsUsage := quota.LimitsUsage{
		BlockHardLimit: 3000,
		BlockSoftLimit: 2000,
		BlockCount:     100 << 10, // 100 quota blocks, in bytes
		InodeHardLimit: 300,
		InodeSoftLimit: 200,
		InodeCount:     150,
		BlockTimeLimit: 1234567,
		InodeTimeLimit: 2345678,
		FieldMask:      quota.MaskLimits | quota.MaskUsage | quota.MaskTimes,
	}

	payload, err := PackLimitsCompat(limitsUsage)
	assert.Nil(err)
	assert.Equal(LimitsCompatSize, uint64(len(payload)))

	roundTripped, err := UnpackLimitsCompat(payload, quota.MaskLimits|quota.MaskUsage|quota.MaskTimes)
	assert.Nil(err)
	assert.Equal(limitsUsage, roundTripped)

	// the front end's mask is carried verbatim
	limitsOnly, err := UnpackLimitsCompat(payload, quota.MaskLimits)
	assert.Nil(err)
	assert.Equal(quota.MaskLimits, limitsOnly.FieldMask)

	// the 10-bit shift between BlocksUsed and the canonical byte count
	var limitsCompat LimitsCompatStruct
	_, err = cstruct.Unpack(payload, &limitsCompat, LittleEndian)
	assert.Nil(err)
	assert.Equal(uint32(100), limitsCompat.BlocksUsed)
}

func TestCompatInfoTranslation(t *testing.T) {
	assert := assert.New(t)

	info := quota.PolicyInfo{
		BlockGrace: 604800,
		InodeGrace: 86400,
		Flags:      0x11,
		FieldMask:  quota.InfoMaskAll,
	}

	payload, err := PackInfoCompat(info)
	assert.Nil(err)
	assert.Equal(InfoCompatSize, uint64(len(payload)))

	roundTripped, err := UnpackInfoCompat(payload, quota.InfoMaskAll)
	assert.Nil(err)
	assert.Equal(info, roundTripped)

	gracesOnly, err := UnpackInfoCompat(payload, quota.InfoMaskBlockGrace|quota.InfoMaskInodeGrace)
	assert.Nil(err)
	assert.Equal(quota.InfoMaskBlockGrace|quota.InfoMaskInodeGrace, gracesOnly.FieldMask)
}

func TestCompatStats(t *testing.T) {
	assert := assert.New(t)

	payload, err := PackStatsCompat(StatsCompatStruct{Lookups: 10, Syncs: 3})
	assert.Nil(err)
	assert.Equal(StatsCompatSize, uint64(len(payload)))

	var statsCompat StatsCompatStruct
	_, err = cstruct.Unpack(payload, &statsCompat, LittleEndian)
	assert.Nil(err)
	assert.Equal(StatsCompatVersion, statsCompat.Version)
	assert.Equal(uint32(10), statsCompat.Lookups)
	assert.Equal(uint32(3), statsCompat.Syncs)
}
