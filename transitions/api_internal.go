// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex         //                         Used only for protecting insertions into registration{List|Set} during init() phase
	registrationList   *list.List
	registrationSet    map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	currentVolumeList  map[string]struct{}                // Key: volumeName
	attachedVolumeList map[string]struct{}                // Key: volumeName
	detachedVolumeList map[string]struct{}                // Key: volumeName
}

var globals globalsStruct

func init() {
	globals.Lock()
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)
	globals.Unlock()

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	var (
		alreadyRegisted  bool
		registrationItem *registrationItemStruct
	)

	globals.Lock()
	_, alreadyRegisted = globals.registrationSet[packageName]
	if alreadyRegisted {
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
	}
	registrationItem = &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
	globals.Unlock()
}

func up(confMap conf.ConfMap) (err error) {
	var (
		registrationItem                       *registrationItemStruct
		registrationListElement                *list.Element
		registrationListPackageNameStringSlice []string
		volumeName                             string
	)

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	globals.currentVolumeList = make(map[string]struct{})

	err = computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	if 0 != len(globals.detachedVolumeList) {
		err = fmt.Errorf("transitions.Up() did not expect detachedVolumeList to be non-empty")
		return
	}

	// Issue Callbacks.Up() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Up() calling %s.Up()", registrationItem.packageName)
		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			logger.Errorf("transitions.Up() call to %s.Up() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.Up() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	// Log transitions registrationList from Front() to Back()

	registrationListPackageNameStringSlice = make([]string, 0, globals.registrationList.Len())

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		registrationListPackageNameStringSlice = append(registrationListPackageNameStringSlice, registrationItem.packageName)
		registrationListElement = registrationListElement.Next()
	}

	logger.Infof("Transitions Package Registration List: %v", registrationListPackageNameStringSlice)

	// Issue Callbacks.VolumeAttached() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for volumeName = range globals.attachedVolumeList {
			logger.Tracef("transitions.Up() calling %s.VolumeAttached(,%s)", registrationItem.packageName, volumeName)
			err = registrationItem.callbacks.VolumeAttached(confMap, volumeName)
			if nil != err {
				logger.Errorf("transitions.Up() call to %s.VolumeAttached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				err = fmt.Errorf("%s.VolumeAttached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Next()
	}

	// Issue Callbacks.SignaledFinish() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Up() calling %s.SignaledFinish()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledFinish(confMap)
		if nil != err {
			logger.Errorf("transitions.Up() call to %s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
		volumeName              string
	)

	logger.Infof("transitions.Signaled() called")
	defer func() {
		if nil == err {
			logger.Infof("transitions.Signaled() returning successfully")
		} else {
			logger.Errorf("transitions.Signaled() returning with failure: %v", err)
		}
	}()

	err = computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	// Issue Callbacks.SignaledStart() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Signaled() calling %s.SignaledStart()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledStart(confMap)
		if nil != err {
			logger.Errorf("transitions.Signaled() call to %s.SignaledStart() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledStart() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.VolumeDetached() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for volumeName = range globals.detachedVolumeList {
			logger.Tracef("transitions.Signaled() calling %s.VolumeDetached(,%s)", registrationItem.packageName, volumeName)
			err = registrationItem.callbacks.VolumeDetached(confMap, volumeName)
			if nil != err {
				logger.Errorf("transitions.Signaled() call to %s.VolumeDetached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				err = fmt.Errorf("%s.VolumeDetached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.VolumeAttached() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for volumeName = range globals.attachedVolumeList {
			logger.Tracef("transitions.Signaled() calling %s.VolumeAttached(,%s)", registrationItem.packageName, volumeName)
			err = registrationItem.callbacks.VolumeAttached(confMap, volumeName)
			if nil != err {
				logger.Errorf("transitions.Signaled() call to %s.VolumeAttached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				err = fmt.Errorf("%s.VolumeAttached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Next()
	}

	// Issue Callbacks.SignaledFinish() calls from Front() to Back() of globals.registrationList

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Signaled() calling %s.SignaledFinish()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledFinish(confMap)
		if nil != err {
			logger.Errorf("transitions.Signaled() call to %s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledFinish() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	return
}

func down(confMap conf.ConfMap) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
		volumeName              string
	)

	logger.Infof("transitions.Down() called")
	defer func() {
		if nil != err {
			// On the relatively good likelihood that the failure occurred before calling logger.Down()...
			logger.Errorf("transitions.Down() returning with failure: %v", err)
		}
	}()

	err = computeConfMapDelta(confMap)
	if nil != err {
		return
	}

	if 0 != len(globals.attachedVolumeList) {
		err = fmt.Errorf("transitions.Down() did not expect attachedVolumeList to be non-empty")
		return
	}

	// Issue Callbacks.SignaledStart() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Down() calling %s.SignaledStart()", registrationItem.packageName)
		err = registrationItem.callbacks.SignaledStart(confMap)
		if nil != err {
			logger.Errorf("transitions.Down() call to %s.SignaledStart() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.SignaledStart() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.VolumeDetached() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		for volumeName = range globals.currentVolumeList {
			logger.Tracef("transitions.Down() calling %s.VolumeDetached(,%s)", registrationItem.packageName, volumeName)
			err = registrationItem.callbacks.VolumeDetached(confMap, volumeName)
			if nil != err {
				logger.Errorf("transitions.Down() call to %s.VolumeDetached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				err = fmt.Errorf("%s.VolumeDetached(,%s) failed: %v", registrationItem.packageName, volumeName, err)
				return
			}
		}
		registrationListElement = registrationListElement.Prev()
	}

	// Issue Callbacks.Down() calls from Back() to Front() of globals.registrationList

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.Down() calling %s.Down()", registrationItem.packageName)
		err = registrationItem.callbacks.Down(confMap)
		if nil != err {
			logger.Errorf("transitions.Down() call to %s.Down() failed: %v", registrationItem.packageName, err)
			err = fmt.Errorf("%s.Down() failed: %v", registrationItem.packageName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	return
}

func computeConfMapDelta(confMap conf.ConfMap) (err error) {
	var (
		newCurrentVolumeList map[string]struct{}
		ok                   bool
		volumeList           []string
		volumeName           string
	)

	// Initialize lists used in computation (those in globalsStruct are actually the func output)

	newCurrentVolumeList = make(map[string]struct{})

	globals.attachedVolumeList = make(map[string]struct{})
	globals.detachedVolumeList = make(map[string]struct{})

	// Injest confMap

	volumeList, err = confMap.FetchOptionValueStringSlice("QuotaMgr", "VolumeList")
	if nil != err {
		if nil == confMap.VerifyOptionValueIsEmpty("QuotaMgr", "VolumeList") {
			volumeList = []string{}
			err = nil
		} else {
			return
		}
	}

	for _, volumeName = range volumeList {
		_, ok = newCurrentVolumeList[volumeName]
		if ok {
			err = fmt.Errorf("[QuotaMgr]VolumeList names volume %s twice", volumeName)
			return
		}
		newCurrentVolumeList[volumeName] = struct{}{}
	}

	// Compute changes to VolumeList

	for volumeName = range newCurrentVolumeList {
		_, ok = globals.currentVolumeList[volumeName]
		if !ok {
			globals.attachedVolumeList[volumeName] = struct{}{}
		}
	}

	for volumeName = range globals.currentVolumeList {
		_, ok = newCurrentVolumeList[volumeName]
		if !ok {
			globals.detachedVolumeList[volumeName] = struct{}{}
		}
	}

	// Finally, update currentVolumeList in globalsStruct

	globals.currentVolumeList = newCurrentVolumeList

	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) VolumeAttached(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) VolumeDetached(confMap conf.ConfMap, volumeName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return logger.SignaledStart(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
