package twibd

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HookedBehemoth/twili/pkg/protocol"
)

func TestDecodeConnectTCPPayload(t *testing.T) {
	hostname, port := "192.168.1.42", "15152"
	payload := make([]byte, 16+len(hostname)+len(port))
	binary.LittleEndian.PutUint64(payload[0:8], uint64(len(hostname)))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(len(port)))
	copy(payload[16:], hostname)
	copy(payload[16+len(hostname):], port)

	gotHost, gotPort, ok := decodeConnectTCPPayload(payload)
	require.True(t, ok)
	require.Equal(t, hostname, gotHost)
	require.Equal(t, port, gotPort)
}

func TestDecodeConnectTCPPayloadRejectsTruncated(t *testing.T) {
	_, _, ok := decodeConnectTCPPayload([]byte{1, 2, 3})
	require.False(t, ok)

	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], 100) // claims far more than is present
	_, _, ok = decodeConnectTCPPayload(payload)
	require.False(t, ok)
}

func TestConnectTCPRoutesThroughWiredHook(t *testing.T) {
	d := newTestDispatcher(t)

	var gotHost, gotPort string
	d.SetConnectTCP(func(hostname, port string) string {
		gotHost, gotPort = hostname, port
		return "connecting to " + hostname + ":" + port
	})

	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)

	hostname, port := "10.0.0.5", "15152"
	payload := make([]byte, 16+len(hostname)+len(port))
	binary.LittleEndian.PutUint64(payload[0:8], uint64(len(hostname)))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(len(port)))
	copy(payload[16:], hostname)
	copy(payload[16+len(hostname):], port)

	d.PostRequest(protocol.Request{
		DeviceID:  protocol.MetaDeviceID,
		ObjectID:  protocol.MetaObjectID,
		CommandID: metaCommandConnectTCP,
		Tag:       3,
		Payload:   payload,
		Client:    client,
	})

	resp := mustRecv(t, sink.received)
	require.Equal(t, protocol.ResultOk, resp.ResultCode)
	require.Equal(t, "connecting to 10.0.0.5:15152", string(resp.Payload))
	require.Equal(t, hostname, gotHost)
	require.Equal(t, port, gotPort)
}

func TestConnectTCPWithoutBackendReportsDisabled(t *testing.T) {
	d := newTestDispatcher(t)
	sink := newRecordingSink()
	client, err := d.AddClient(sink)
	require.NoError(t, err)

	payload := make([]byte, 16)
	d.PostRequest(protocol.Request{
		DeviceID:  protocol.MetaDeviceID,
		ObjectID:  protocol.MetaObjectID,
		CommandID: metaCommandConnectTCP,
		Tag:       1,
		Payload:   payload,
		Client:    client,
	})

	resp := mustRecv(t, sink.received)
	require.Equal(t, protocol.ResultOk, resp.ResultCode)
	require.Equal(t, "tcp backend disabled", string(resp.Payload))
}
