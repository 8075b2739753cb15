package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeExtractsKnownFields(t *testing.T) {
	payload, err := msgpack.Marshal(map[string]interface{}{
		"serial_number":    []byte("SN-1"),
		"device_nickname":  "my-console",
		"firmware_version": "1.0.0",
	})
	require.NoError(t, err)

	info, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, []byte("SN-1"), info.SerialNumber)
	require.Equal(t, "my-console", info.DeviceNickname)
	require.Equal(t, payload, info.Raw)
}

func TestDeviceIDIsStableAndDeterministic(t *testing.T) {
	a := DeviceID([]byte("SN-1"))
	b := DeviceID([]byte("SN-1"))
	require.Equal(t, a, b)

	c := DeviceID([]byte("SN-2"))
	require.NotEqual(t, a, c)
}
