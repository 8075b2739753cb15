package frame

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HookedBehemoth/twili/pkg/protocol"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestRoundTripFraming(t *testing.T) {
	cases := []Frame{
		{Header: protocol.MessageHeader{DeviceID: 1, ObjectID: 0, CommandOrResult: 10, Tag: 0xdeadbeef}},
		{
			Header:    protocol.MessageHeader{DeviceID: 7, ObjectID: 3, CommandOrResult: 0, Tag: 42, PayloadSize: 5, ObjectCount: 2},
			Payload:   []byte("hello"),
			ObjectIDs: []uint32{100, 200},
		},
		{
			Header:  protocol.MessageHeader{DeviceID: 0, ObjectID: 0, CommandOrResult: protocol.CommandClose, Tag: 1, PayloadSize: 0},
			Payload: []byte{},
		},
	}

	for _, f := range cases {
		f.Header.PayloadSize = uint64(len(f.Payload))
		f.Header.ObjectCount = uint64(len(f.ObjectIDs))

		local, remote := pipeConns(t)
		defer local.Close()
		defer remote.Close()

		delivered := make(chan Frame, 1)
		go func() {
			_ = remote.Serve(func(got Frame) {
				delivered <- got
			})
		}()

		local.Enqueue(f)
		require.NoError(t, local.PumpOutput())

		select {
		case got := <-delivered:
			require.Equal(t, f.Header, got.Header)
			require.Equal(t, f.Payload, got.Payload)
			require.Equal(t, f.ObjectIDs, got.ObjectIDs)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame delivery")
		}
	}
}

func TestPartialFrameStaysBuffered(t *testing.T) {
	local, remote := pipeConns(t)
	defer local.Close()
	defer remote.Close()

	f := Frame{
		Header:  protocol.MessageHeader{DeviceID: 1, PayloadSize: 4},
		Payload: []byte("abcd"),
	}
	whole := f.Marshal()

	delivered := make(chan Frame, 1)
	go func() {
		_ = remote.Serve(func(got Frame) { delivered <- got })
	}()

	go func() {
		_, _ = local.rwc.Write(whole[:protocol.HeaderLen+2])
		time.Sleep(20 * time.Millisecond)
		_, _ = local.rwc.Write(whole[protocol.HeaderLen+2:])
	}()

	select {
	case got := <-delivered:
		require.Equal(t, f.Payload, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for split frame delivery")
	}
}

func TestOversizedFrameFlagsDeletion(t *testing.T) {
	local, remote := pipeConns(t)
	defer local.Close()
	defer remote.Close()

	bad := protocol.MessageHeader{PayloadSize: 1 << 40}
	go func() {
		_, _ = local.rwc.Write(bad.Marshal())
	}()

	deadline := time.After(2 * time.Second)
	for {
		if err := remote.PumpInput(); err != nil && err != io.EOF {
			t.Fatalf("unexpected read error: %v", err)
		}
		err := remote.Process(func(Frame) { t.Fatal("should not deliver an oversized frame") })
		if err == ErrOversizedFrame {
			require.True(t, remote.Deleted())
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for oversized frame rejection")
		default:
		}
	}
}
