// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package qrpc exposes the quota dispatcher over JSON-RPC. Methods that
// begin with "Rpc" are exported for remote callers; everything crossing
// the wire rides the request/reply structs below, and errors come back
// errno-encoded ("errno: <n>") so clients need no Go error types.
package qrpc

import (
	"fmt"

	"github.com/NVIDIA/quotamgr/blunder"
	"github.com/NVIDIA/quotamgr/logger"
	"github.com/NVIDIA/quotamgr/qdispatch"
	"github.com/NVIDIA/quotamgr/quota"
	"github.com/NVIDIA/quotamgr/stats"
)

// Server is the receiver for all exported RPC methods.
type Server struct{}

// NewServer creates a Server to be registered with the RPC runtime.
func NewServer() *Server {
	return &Server{}
}

// PingReq is the request object for RpcPing.
type PingReq struct {
	Message string
}

// PingReply is the reply object for RpcPing.
type PingReply struct {
	Message string
}

// QuotaCtlRequest is the request object for RpcQuotaCtl. Command is
// opcode<<8|type; Device addresses the volume (empty selects broadcast
// sync); ID carries the quota identity (or the format for activation);
// Payload carries the command's wire record. The Caller fields identify
// the principal the gateway is acting for.
type QuotaCtlRequest struct {
	Command        uint32
	Device         string
	ID             uint32
	Payload        []byte
	CallerUserID   uint32
	CallerGroupIDs []uint32
	CallerAdmin    bool
}

// QuotaCtlReply is the reply object for RpcQuotaCtl. Payload is non-empty
// only for commands that return a record.
type QuotaCtlReply struct {
	Payload []byte
}

// RpcPing is a simple liveness check.
func (s *Server) RpcPing(in *PingReq, reply *PingReply) (err error) {
	reply.Message = fmt.Sprintf("pong %d bytes", len(in.Message))
	err = nil
	return
}

// RpcQuotaCtl runs one quota command through the dispatcher.
func (s *Server) RpcQuotaCtl(in *QuotaCtlRequest, reply *QuotaCtlReply) (err error) {
	defer func() { rpcEncodeError(&err) }() // Encode error for return by RPC

	stats.IncrementOperations(&stats.RpcRequests)
	stats.IncrementOperationsAndBucketedBytes(stats.QuotaCtlRequest, uint64(len(in.Payload)))

	if globals.dataPathLogging {
		logger.Tracef("qrpc.RpcQuotaCtl command 0x%X device \"%s\" id %d", in.Command, in.Device, in.ID)
	}

	caller := &quota.CallerContext{
		UserID:   in.CallerUserID,
		GroupIDs: in.CallerGroupIDs,
		Admin:    in.CallerAdmin,
	}

	reply.Payload, err = qdispatch.QuotaCtl(in.Command, in.Device, in.ID, in.Payload, caller)
	if nil != err {
		stats.IncrementOperations(&stats.RpcErrors)
		return
	}

	stats.IncrementOperationsAndBucketedBytes(stats.QuotaCtlReply, uint64(len(reply.Payload)))
	return
}

// rpcEncodeError replaces err with its errno rendition so that remote
// callers see a stable encoding rather than Go error text.
//
// NOTE: e needs to be pointer to error so that we can modify it
func rpcEncodeError(e *error) {
	if *e != nil {
		*e = fmt.Errorf("errno: %d", blunder.Errno(*e))
	}
}
