// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"fmt"

	"github.com/google/btree"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/logger"
	"github.com/NVIDIA/quotamgr/trackedlock"
	"github.com/NVIDIA/quotamgr/transitions"
)

// The identity namespace maps the raw uint32 identities arriving with
// limits commands to validated QuotaIDs. It is a set of non-overlapping
// contiguous ranges {OuterStart, InnerStart, Length} configured per
// daemon:
//
//	[IdentityNamespace]
//	MapList: ContainerRoot
//
//	[IdentityMap:ContainerRoot]
//	OuterStart:  100000
//	InnerStart:  0
//	Length:      65536
//
// An empty (or absent) MapList yields the identity mapping over the full
// uint32 space. An identity outside every range fails to map.

type identityRangeStruct struct {
	outerStart uint32
	innerStart uint32
	length     uint64 // uint64 so that the full uint32 space is expressible
}

func (identityRange *identityRangeStruct) Less(than btree.Item) bool {
	return identityRange.outerStart < than.(*identityRangeStruct).outerStart
}

type globalsStruct struct {
	trackedlock.Mutex

	identityRangeTree *btree.BTree // of *identityRangeStruct, keyed by outerStart
}

var globals globalsStruct

func init() {
	transitions.Register("quota", &globals)
}

func parseIdentityNamespace(confMap conf.ConfMap) (identityRangeTree *btree.BTree, err error) {
	var (
		identityRange  *identityRangeStruct
		innerStart     uint32
		length         uint32
		mapList        []string
		mapName        string
		mapSectionName string
		outerStart     uint32
		priorRangeEnd  uint64
	)

	identityRangeTree = btree.New(2)

	mapList, err = confMap.FetchOptionValueStringSlice("IdentityNamespace", "MapList")
	if (nil != err) || (0 == len(mapList)) {
		// default namespace: identity mapping over the full uint32 space
		identityRangeTree.ReplaceOrInsert(&identityRangeStruct{outerStart: 0, innerStart: 0, length: 1 << 32})
		err = nil
		return
	}

	priorRangeEnd = 0

	for _, mapName = range mapList {
		mapSectionName = "IdentityMap:" + mapName

		outerStart, err = confMap.FetchOptionValueUint32(mapSectionName, "OuterStart")
		if nil != err {
			return
		}
		innerStart, err = confMap.FetchOptionValueUint32(mapSectionName, "InnerStart")
		if nil != err {
			return
		}
		length, err = confMap.FetchOptionValueUint32(mapSectionName, "Length")
		if nil != err {
			return
		}

		if 0 == length {
			err = fmt.Errorf("[%s]Length must be non-zero", mapSectionName)
			return
		}

		// MapList must be sorted by OuterStart with no overlap
		if (0 != identityRangeTree.Len()) && (uint64(outerStart) < priorRangeEnd) {
			err = fmt.Errorf("[%s]OuterStart 0x%08X overlaps the preceding map", mapSectionName, outerStart)
			return
		}

		identityRange = &identityRangeStruct{
			outerStart: outerStart,
			innerStart: innerStart,
			length:     uint64(length),
		}

		identityRangeTree.ReplaceOrInsert(identityRange)

		priorRangeEnd = uint64(outerStart) + uint64(length)
	}

	err = nil
	return
}

// MapID maps a raw outer identity through the configured identity
// namespace, returning the validated QuotaID. An identity covered by no
// range fails with an InvalidArgument error.
func MapID(outerID uint32) (id QuotaID, err error) {
	var (
		identityRange *identityRangeStruct
		pivot         identityRangeStruct
	)

	pivot.outerStart = outerID

	globals.Lock()
	if nil == globals.identityRangeTree {
		globals.Unlock()
		err = blunder.NewError(blunder.BadQuotaIDError, "identity namespace not loaded")
		return
	}
	globals.identityRangeTree.DescendLessOrEqual(&pivot, func(item btree.Item) bool {
		identityRange = item.(*identityRangeStruct)
		return false // only the nearest range at or below outerID matters
	})
	globals.Unlock()

	if (nil == identityRange) || (uint64(outerID) >= (uint64(identityRange.outerStart) + identityRange.length)) {
		err = blunder.NewError(blunder.BadQuotaIDError, "identity 0x%08X outside the identity namespace", outerID)
		return
	}

	id = QuotaID(uint64(identityRange.innerStart) + (uint64(outerID) - uint64(identityRange.outerStart)))
	err = nil
	return
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	var (
		identityRangeTree *btree.BTree
	)

	identityRangeTree, err = parseIdentityNamespace(confMap)
	if nil != err {
		return
	}

	globals.Lock()
	globals.identityRangeTree = identityRangeTree
	globals.Unlock()

	logger.Infof("quota.Up(): identity namespace loaded (%d ranges)", identityRangeTree.Len())

	err = nil
	return
}

func (dummy *globalsStruct) VolumeAttached(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *globalsStruct) VolumeDetached(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	var (
		identityRangeTree *btree.BTree
	)

	identityRangeTree, err = parseIdentityNamespace(confMap)
	if nil != err {
		logger.ErrorWithError(err, "quota.SignaledFinish(): identity namespace left unchanged")
		return
	}

	globals.Lock()
	globals.identityRangeTree = identityRangeTree
	globals.Unlock()

	err = nil
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.identityRangeTree = nil
	globals.Unlock()

	err = nil
	return
}
