// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"github.com/NVIDIA/quotamgr/conf"
)

// Callbacks is the interface implemented by each package desiring notification of
// configuration changes. Each such package should implement a struct with pointer
// receivers for each API listed below even when there is no interest in being
// notified of a particular condition.
//
// By calling transitions.Register() in the package's init() func, the proper order
// of registration will be ensured. In specific, the following callbacks will be
// issued in the same order as package init() func calls have registered:
//
//   Up()
//   VolumeAttached()
//   SignaledFinish()
//
// By contrast, the following callbacks will be issued in the reverse order as package
// init() func calls have registered:
//
//   SignaledStart()
//   VolumeDetached()
//   Down()
//
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	VolumeAttached(confMap conf.ConfMap, volumeName string) (err error)
	VolumeDetached(confMap conf.ConfMap, volumeName string) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func should the package be interested
// in one or more of the callbacks that they will receive. Each callback func should receive
// a struct implementing the Callbacks interface by reference.
//
// As an example, consider the following:
//
//   package foo
//
//   import "github.com/NVIDIA/quotamgr/conf"
//   import "github.com/NVIDIA/quotamgr/transitions"
//
//   type transitionsCallbackInterfaceStruct struct {
//   }
//
//   var transitionsCallbackInterface transitionsCallbackInterfaceStruct
//
//   func init() {
//       transitions.Register("foo", &transitionsCallbackInterface)
//   }
//
//   func (transitionsCallbackInterface *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
//       // Perform start-up initialization derived from confMap
//       // ...set err at some point
//       return
//   }
//
//   ...
//
// Package foo would also have to provide callbacks for each of the other APIs in
// the transitions.Callbacks interface (returning nil if simply not interested).
//
// A special exception to the need for registration is the package logger. Package
// transitions makes an explicit reference to logging functions in package logger and,
// as such, will perform the registration for package logger itself.
//
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up should be called at startup by the main() (or setup func) of each program including
// any of the packages needing callback notifications. This will trigger Up() callbacks
// to each of the packages that have registered with package transitions starting with
// package logger (that was registered automatically by package transitions).
//
// Following the Up() callbacks, the following subset of the callbacks triggered
// by a call to Signaled() will be made as if the prior confMap were empty:
//
//   VolumeAttached() - registration order (for each volume in [QuotaMgr]VolumeList)
//   SignaledFinish() - registration order
//
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled should be called during execution of a signal handler for e.g. SIGHUP by the
// main() (or monitoring func) of each program including any of the packages needing
// callback notifications. This will potentially trigger multiple of the following
// callbacks to each of the packages that have registered with package transitions.
//
// As part of this call, a determination will be made as to which volumes have been
// added to or removed from [QuotaMgr]VolumeList. Upon determining these volume sets,
// the following callbacks will be issued to each of the packages that have registered
// with package transitions:
//
//   SignaledStart()  - reverse registration order
//   VolumeDetached() - reverse registration order (for each removed volume)
//   VolumeAttached() -         registration order (for each added volume)
//   SignaledFinish() -         registration order
//
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down should be called just before shutdown by the main() (or teardown func) of each
// program including any of the packages needing callback notifications. This will trigger
// Down() callbacks to each of the packages that have registered with package transitions
// ending with package logger (that was registered automatically by package transitions).
//
// Prior to the Down() callbacks, the following subset of the callbacks triggered
// by a call to Signaled() will be made as if the new confMap named no volumes:
//
//   SignaledStart()  - reverse registration order
//   VolumeDetached() - reverse registration order (for each currently attached volume)
//
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}
