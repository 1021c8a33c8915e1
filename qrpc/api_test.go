// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package qrpc

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/quotamgr/conf"
	"github.com/NVIDIA/quotamgr/qlayout"
	"github.com/NVIDIA/quotamgr/quota"
	_ "github.com/NVIDIA/quotamgr/ramquota"
	"github.com/NVIDIA/quotamgr/transitions"
)

var testConfStrings = []string{
	"Logging.LogFilePath=/dev/null",
	"Logging.LogToConsole=false",

	"QuotaMgr.VolumeList=VolumeA",
	"Volume:VolumeA.DevicePath=/dev/qa",
	"Volume:VolumeA.Backend=ram",
	"Volume:VolumeA.InitialFormats=user",

	"Stats.UDPPort=52187",
	"Stats.BufferLength=100",
	"Stats.MaxLatency=1s",

	"QuotaRPCServer.IPAddr=127.0.0.1",
	"QuotaRPCServer.TCPPort=0", // ephemeral; tests dial the bound address
	"QuotaRPCServer.MaxConnections=16",
	"QuotaRPCServer.DataPathLogging=false",
}

func testSetup(t *testing.T) (confMap conf.ConfMap, client *rpc.Client) {
	var err error

	confMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings failed: %v", err)
	}
	err = transitions.Up(confMap)
	if nil != err {
		t.Fatalf("transitions.Up failed: %v", err)
	}

	conn, err := net.Dial("tcp", globals.netListener.Addr().String())
	if nil != err {
		t.Fatalf("net.Dial failed: %v", err)
	}
	client = jsonrpc.NewClient(conn)

	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap, client *rpc.Client) {
	err := client.Close()
	if nil != err {
		t.Fatalf("client.Close failed: %v", err)
	}
	err = transitions.Down(confMap)
	if nil != err {
		t.Fatalf("transitions.Down failed: %v", err)
	}
}

func TestRpcPing(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, client := testSetup(t)
	defer testTeardown(t, confMap, client)

	var reply PingReply
	err := client.Call("Server.RpcPing", &PingReq{Message: "hello"}, &reply)
	require.Nil(err)
	assert.Equal("pong 5 bytes", reply.Message)
}

func TestRpcQuotaCtl(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, client := testSetup(t)
	defer testTeardown(t, confMap, client)

	payload, err := qlayout.PackLimitsLegacy(quota.LimitsUsage{
		BlockHardLimit: 777,
		FieldMask:      quota.MaskAll,
	})
	require.Nil(err)

	var reply QuotaCtlReply
	err = client.Call("Server.RpcQuotaCtl", &QuotaCtlRequest{
		Command:      quota.MakeCommand(quota.SetLimitsUsageCmd, quota.UserQuota),
		Device:       "/dev/qa",
		ID:           42,
		Payload:      payload,
		CallerUserID: 0,
		CallerAdmin:  true,
	}, &reply)
	require.Nil(err)
	assert.Empty(reply.Payload)

	// the identity may read its own record back without privilege
	reply = QuotaCtlReply{}
	err = client.Call("Server.RpcQuotaCtl", &QuotaCtlRequest{
		Command:      quota.MakeCommand(quota.GetLimitsUsageCmd, quota.UserQuota),
		Device:       "/dev/qa",
		ID:           42,
		CallerUserID: 42,
	}, &reply)
	require.Nil(err)
	require.Equal(qlayout.LimitsLegacySize, uint64(len(reply.Payload)))

	limitsUsage, err := qlayout.UnpackLimitsLegacy(reply.Payload)
	require.Nil(err)
	assert.Equal(uint64(777), limitsUsage.BlockHardLimit)
}

func TestRpcErrnoEncoding(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	confMap, client := testSetup(t)
	defer testTeardown(t, confMap, client)

	// a denied command comes back as its errno rendition
	var reply QuotaCtlReply
	err := client.Call("Server.RpcQuotaCtl", &QuotaCtlRequest{
		Command:      quota.MakeCommand(quota.GetLimitsUsageCmd, quota.UserQuota),
		Device:       "/dev/qa",
		ID:           99,
		CallerUserID: 42,
	}, &reply)
	require.NotNil(err)
	assert.Equal(fmt.Sprintf("errno: %d", int(unix.EPERM)), err.Error())

	// an unknown device likewise
	err = client.Call("Server.RpcQuotaCtl", &QuotaCtlRequest{
		Command:     quota.MakeCommand(quota.GetFormatCmd, quota.UserQuota),
		Device:      "/dev/nosuch",
		CallerAdmin: true,
	}, &reply)
	require.NotNil(err)
	assert.Equal(fmt.Sprintf("errno: %d", int(unix.ENODEV)), err.Error())
}
