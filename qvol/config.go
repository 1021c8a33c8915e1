// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package qvol

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/logger"
	"github.com/NVIDIA/quotamgr/quota"
	"github.com/NVIDIA/quotamgr/stats"
	"github.com/NVIDIA/quotamgr/trackedlock"
	"github.com/NVIDIA/quotamgr/transitions"
)

// BackendProvider constructs a quota backend for a volume from the
// volume's conf section. Providers register by name (the value of the
// volume's Backend option) before transitions.Up() runs; the reserved
// name "none" yields a volume with no backend.
type BackendProvider func(confMap conf.ConfMap, volumeSectionName string) (backend quota.Backend, err error)

type volumeStruct struct {
	name       string
	devicePath string
	volumeID   uint64
	backend    quota.Backend
	readOnly   bool
	frozen     bool
	detaching  bool
	refCount   uint64
	stateCond  *sync.Cond // signals thaw, detach start, and refCount reaching 0
}

type globalsStruct struct {
	trackedlock.Mutex

	providerMap map[string]BackendProvider
	volumeMap   sortedmap.LLRBTree       // key == volumeStruct.devicePath; value == *volumeStruct
	volumeNames map[string]*volumeStruct // key == volumeStruct.name
}

var globals globalsStruct

func init() {
	globals.providerMap = make(map[string]BackendProvider)
	transitions.Register("qvol", &globals)
}

// RegisterBackendProvider registers a backend constructor under
// backendName. Typically called from the providing package's init().
func RegisterBackendProvider(backendName string, provider BackendProvider) {
	globals.Lock()
	globals.providerMap[backendName] = provider
	globals.Unlock()
}

func (dummy *globalsStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	var (
		ok bool
	)

	keyAsString, ok = key.(string)
	if ok {
		err = nil
	} else {
		err = fmt.Errorf("volumeMap's DumpKey(%v) called for non-string", key)
	}

	return
}

func (dummy *globalsStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	var (
		ok            bool
		valueAsVolume *volumeStruct
	)

	valueAsVolume, ok = value.(*volumeStruct)
	if ok {
		valueAsString = valueAsVolume.name
		err = nil
	} else {
		err = fmt.Errorf("volumeMap's DumpValue(%v) called for non-*volumeStruct", value)
	}

	return
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.volumeMap = sortedmap.NewLLRBTree(sortedmap.CompareString, &globals)
	globals.volumeNames = make(map[string]*volumeStruct)
	globals.Unlock()

	err = nil
	return
}

func (dummy *globalsStruct) VolumeAttached(confMap conf.ConfMap, volumeName string) (err error) {
	var (
		backend           quota.Backend
		backendName       string
		devicePath        string
		ok                bool
		provider          BackendProvider
		readOnly          bool
		volume            *volumeStruct
		volumeSectionName string
	)

	volumeSectionName = "Volume:" + volumeName

	devicePath, err = confMap.FetchOptionValueString(volumeSectionName, "DevicePath")
	if nil != err {
		return
	}

	backendName, err = confMap.FetchOptionValueString(volumeSectionName, "Backend")
	if nil != err {
		backendName = "none"
	}

	readOnly, err = confMap.FetchOptionValueBool(volumeSectionName, "ReadOnly")
	if nil != err {
		readOnly = false
	}

	if "none" == backendName {
		backend = nil
	} else {
		globals.Lock()
		provider, ok = globals.providerMap[backendName]
		globals.Unlock()
		if !ok {
			err = fmt.Errorf("[%s]Backend \"%s\" has no registered provider", volumeSectionName, backendName)
			return
		}
		backend, err = provider(confMap, volumeSectionName)
		if nil != err {
			return
		}
	}

	volume = &volumeStruct{
		name:       volumeName,
		devicePath: devicePath,
		volumeID:   computeVolumeID(devicePath),
		backend:    backend,
		readOnly:   readOnly,
	}
	volume.stateCond = sync.NewCond(&globals.Mutex)

	globals.Lock()

	_, ok = globals.volumeNames[volumeName]
	if ok {
		globals.Unlock()
		err = fmt.Errorf("volume \"%s\" already attached", volumeName)
		return
	}

	_, ok, err = globals.volumeMap.GetByKey(devicePath)
	if nil != err {
		globals.Unlock()
		return
	}
	if ok {
		globals.Unlock()
		err = fmt.Errorf("device \"%s\" already has a volume attached", devicePath)
		return
	}

	ok, err = globals.volumeMap.Put(devicePath, volume)
	if (nil != err) || !ok {
		globals.Unlock()
		if nil == err {
			err = fmt.Errorf("volumeMap.Put(\"%s\",) returned !ok", devicePath)
		}
		return
	}
	globals.volumeNames[volumeName] = volume

	globals.Unlock()

	stats.IncrementOperations(&stats.VolumeAttachOps)
	logger.Infof("qvol: volume %s attached at device %s (volumeID 0x%016X, readOnly %v)", volumeName, devicePath, volume.volumeID, readOnly)

	err = nil
	return
}

func (dummy *globalsStruct) VolumeDetached(confMap conf.ConfMap, volumeName string) (err error) {
	var (
		ok     bool
		volume *volumeStruct
	)

	globals.Lock()

	volume, ok = globals.volumeNames[volumeName]
	if !ok {
		globals.Unlock()
		err = fmt.Errorf("volume \"%s\" not attached", volumeName)
		return
	}

	// stop new resolutions, wake frozen waiters, and drain outstanding handles
	volume.detaching = true
	volume.stateCond.Broadcast()
	for 0 != volume.refCount {
		volume.stateCond.Wait()
	}

	ok, err = globals.volumeMap.DeleteByKey(volume.devicePath)
	if (nil != err) || !ok {
		globals.Unlock()
		if nil == err {
			err = fmt.Errorf("volumeMap.DeleteByKey(\"%s\") returned !ok", volume.devicePath)
		}
		return
	}
	delete(globals.volumeNames, volumeName)

	globals.Unlock()

	stats.IncrementOperations(&stats.VolumeDetachOps)
	logger.Infof("qvol: volume %s detached from device %s", volumeName, volume.devicePath)

	err = nil
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	var (
		volumeMapLen int
	)

	globals.Lock()

	volumeMapLen, err = globals.volumeMap.Len()
	if nil != err {
		globals.Unlock()
		return
	}
	if 0 != volumeMapLen {
		globals.Unlock()
		err = fmt.Errorf("qvol.Down() called with %d volume(s) still attached", volumeMapLen)
		return
	}

	globals.volumeMap = nil
	globals.volumeNames = nil

	globals.Unlock()

	err = nil
	return
}
