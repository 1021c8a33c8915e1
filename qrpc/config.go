// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package qrpc

import (
	"container/list"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strconv"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/logger"
	"github.com/NVIDIA/quotamgr/stats"
	"github.com/NVIDIA/quotamgr/trackedlock"
	"github.com/NVIDIA/quotamgr/transitions"
)

type globalsStruct struct {
	trackedlock.Mutex // protects connections

	ipAddr          string
	tcpPort         uint16
	maxConnections  uint64
	dataPathLogging bool

	netListener net.Listener
	rpcServer   *rpc.Server
	connections *list.List
	halting     bool
	listenerWG  sync.WaitGroup
	connWG      sync.WaitGroup
}

var globals globalsStruct

func init() {
	transitions.Register("qrpc", &globals)
}

// NOTE: Don't use logger.Fatal* to error out from this function; it prevents us
//       from handling returned errors and gracefully unwinding.
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	var (
		tcpListener net.Listener
	)

	globals.ipAddr, err = confMap.FetchOptionValueString("QuotaRPCServer", "IPAddr")
	if nil != err {
		logger.ErrorfWithError(err, "failed to get QuotaRPCServer.IPAddr from config file")
		return
	}
	globals.tcpPort, err = confMap.FetchOptionValueUint16("QuotaRPCServer", "TCPPort")
	if nil != err {
		logger.ErrorfWithError(err, "failed to get QuotaRPCServer.TCPPort from config file")
		return
	}
	globals.maxConnections, err = confMap.FetchOptionValueUint64("QuotaRPCServer", "MaxConnections")
	if nil != err {
		logger.ErrorfWithError(err, "failed to get QuotaRPCServer.MaxConnections from config file")
		return
	}
	globals.dataPathLogging, err = confMap.FetchOptionValueBool("QuotaRPCServer", "DataPathLogging")
	if nil != err {
		logger.ErrorfWithError(err, "failed to get QuotaRPCServer.DataPathLogging from config file")
		return
	}

	globals.rpcServer = rpc.NewServer()
	err = globals.rpcServer.Register(NewServer())
	if nil != err {
		logger.ErrorfWithError(err, "failed to register RPC handler")
		return
	}

	tcpListener, err = net.Listen("tcp", net.JoinHostPort(globals.ipAddr, strconv.Itoa(int(globals.tcpPort))))
	if nil != err {
		logger.ErrorfWithError(err, "net.Listen %s:%d failed", globals.ipAddr, globals.tcpPort)
		return
	}
	globals.netListener = netutil.LimitListener(tcpListener, int(globals.maxConnections))

	globals.connections = list.New()
	globals.halting = false

	globals.listenerWG.Add(1)
	go serverLoop()

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

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	err = nil
	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	var (
		connection *list.Element
	)

	globals.Lock()
	globals.halting = true
	globals.Unlock()

	err = globals.netListener.Close()
	if nil != err {
		logger.ErrorfWithError(err, "closing the RPC listener failed")
	}
	globals.listenerWG.Wait()

	globals.Lock()
	for connection = globals.connections.Front(); nil != connection; connection = connection.Next() {
		_ = connection.Value.(net.Conn).Close()
	}
	globals.Unlock()
	globals.connWG.Wait()

	err = nil
	return
}

func serverLoop() {
	for {
		conn, err := globals.netListener.Accept()
		if nil != err {
			if !globals.halting {
				logger.ErrorfWithError(err, "net.Accept failed for RPC listener")
			}
			globals.listenerWG.Done()
			return
		}

		stats.IncrementOperations(&stats.RpcConnections)
		globals.connWG.Add(1)

		globals.Lock()
		elm := globals.connections.PushBack(conn)
		globals.Unlock()

		go func(myConn net.Conn, myElm *list.Element) {
			globals.rpcServer.ServeCodec(jsonrpc.NewServerCodec(myConn))

			globals.Lock()
			globals.connections.Remove(myElm)

			// There is a race condition where the connection could have been
			// closed in Down().  However, closing it twice is okay.
			_ = myConn.Close()
			globals.Unlock()
			globals.connWG.Done()
		}(conn, elm)
	}
}
