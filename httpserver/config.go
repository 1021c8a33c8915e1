// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package httpserver exposes the operational surface of the daemon over
// HTTP: configuration and counters for observation, volume freeze/thaw
// for administration, and halter triggers for fault-injection testing.
// All endpoints speak JSON except /stats, which serves the bucketed
// statistics in their parsable text form.
package httpserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/trackedlock"
	"github.com/NVIDIA/quotamgr/transitions"
)

type globalsStruct struct {
	trackedlock.Mutex

	active        bool
	ipAddr        string
	tcpPort       uint16
	ipAddrTCPPort string
	netListener   net.Listener
	wg            sync.WaitGroup
	confMap       conf.ConfMap
}

var globals globalsStruct

func init() {
	transitions.Register("httpserver", &globals)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.confMap = confMap

	globals.ipAddr, err = confMap.FetchOptionValueString("HTTPServer", "IPAddr")
	if nil != err {
		err = fmt.Errorf("confMap.FetchOptionValueString(\"HTTPServer\", \"IPAddr\") failed: %v", err)
		return
	}

	globals.tcpPort, err = confMap.FetchOptionValueUint16("HTTPServer", "TCPPort")
	if nil != err {
		err = fmt.Errorf("confMap.FetchOptionValueUint16(\"HTTPServer\", \"TCPPort\") failed: %v", err)
		return
	}

	globals.ipAddrTCPPort = net.JoinHostPort(globals.ipAddr, strconv.Itoa(int(globals.tcpPort)))

	globals.netListener, err = net.Listen("tcp", globals.ipAddrTCPPort)
	if nil != err {
		err = fmt.Errorf("net.Listen(\"tcp\", \"%s\") failed: %v", globals.ipAddrTCPPort, err)
		return
	}

	globals.active = true
	globals.wg.Add(1)
	go serveHTTP()

	err = nil
	return
}

func (dummy *globalsStruct) VolumeAttached(confMap conf.ConfMap, volumeName string) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) VolumeDetached(confMap conf.ConfMap, volumeName string) (err error) {
	err = nil
	return
}

// SignaledStart quiesces the endpoints while the confMap changes under
// them; requests arriving in the window get 503.
func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.active = false
	globals.Unlock()
	err = nil
	return
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.confMap = confMap
	globals.active = true
	globals.Unlock()
	err = nil
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.active = false
	_ = globals.netListener.Close()
	globals.Unlock()

	globals.wg.Wait()

	err = nil
	return
}
