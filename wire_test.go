// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package membus_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/membus/membus"
)

func TestConnectRequestCodec(t *testing.T) {
	req := membus.ConnectRequest{
		Flags:    membus.ConnectPeer | membus.ConnectQuery,
		PoolSize: 1 << 16,
		Names:    []byte("a\x00bc\x00"),
	}
	var got membus.ConnectRequest
	if err := got.UnmarshalBinary(req.Encode()); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(req, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip (-want, +got):\n%s", diff)
	}

	// A declared size disagreeing with the block length is malformed.
	enc := req.Encode()
	enc[0]++
	if err := got.UnmarshalBinary(enc); !errors.Is(err, membus.ErrInvalidArgument) {
		t.Errorf("bad size: %v, want %v", err, membus.ErrInvalidArgument)
	}
	if err := got.UnmarshalBinary(enc[:3]); !errors.Is(err, membus.ErrInvalidArgument) {
		t.Errorf("short block: %v, want %v", err, membus.ErrInvalidArgument)
	}
}

func TestSendRequestCodec(t *testing.T) {
	req := membus.SendRequest{
		Flags:           membus.SendIgnoreUnknown,
		PtrDestinations: 0x1000,
		NDestinations:   3,
		PtrVecs:         0x2000,
		NVecs:           2,
		PtrHandles:      0x3000,
		NHandles:        1,
		PtrFDs:          0x4000,
		NFDs:            4,
	}
	var got membus.SendRequest
	if err := got.UnmarshalBinary(req.Encode()); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("round trip (-want, +got):\n%s", diff)
	}
	if err := got.UnmarshalBinary(req.Encode()[:16]); !errors.Is(err, membus.ErrInvalidArgument) {
		t.Errorf("short block: %v, want %v", err, membus.ErrInvalidArgument)
	}
}

func TestRecvRequestCodec(t *testing.T) {
	req := membus.RecvRequest{
		Flags:     membus.RecvPeek,
		MsgOffset: membus.OffsetInvalid,
	}
	var got membus.RecvRequest
	if err := got.UnmarshalBinary(req.Encode()); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("round trip (-want, +got):\n%s", diff)
	}
}

func TestResolveRequestCodec(t *testing.T) {
	req := membus.ResolveRequest{Name: []byte("svc\x00")}
	var got membus.ResolveRequest
	if err := got.UnmarshalBinary(req.Encode()); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if diff := cmp.Diff(req, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip (-want, +got):\n%s", diff)
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd  membus.Command
		want string
	}{
		{membus.CmdConnect, "CONNECT"},
		{membus.CmdResolve, "RESOLVE"},
		{membus.CmdDisconnect, "DISCONNECT"},
		{membus.CmdSliceRelease, "SLICE_RELEASE"},
		{membus.CmdSend, "SEND"},
		{membus.CmdRecv, "RECV"},
		{membus.Command(42), "CMD:42"},
	}
	for _, test := range tests {
		if got := test.cmd.String(); got != test.want {
			t.Errorf("String(%d) = %q, want %q", uint32(test.cmd), got, test.want)
		}
	}
}
