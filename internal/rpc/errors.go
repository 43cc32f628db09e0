package rpc

import "errors"

var (
	ErrDuplicateEndpoint = errors.New("rpc: endpoint already registered")
	ErrTableSealed       = errors.New("rpc: endpoint table is sealed")
	ErrNotListening      = errors.New("rpc: server is not listening")

	ErrUnreachable       = errors.New("rpc: peer unreachable")
	ErrTimeout           = errors.New("rpc: call timed out")
	ErrUnknownEndpoint   = errors.New("rpc: unknown endpoint")
	ErrRemoteFailure     = errors.New("rpc: remote endpoint failed")
	ErrEmptyResponse     = errors.New("rpc: empty response")
	ErrMalformedResponse = errors.New("rpc: malformed response")
	ErrUnknownPeer       = errors.New("rpc: unknown peer")
)
