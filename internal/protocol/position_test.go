package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/annel0/sector-sync/internal/vec"
)

func TestEncodePositionIsFourElementArray(t *testing.T) {
	data, err := EncodePosition("user-1", vec.New(1, 2, 3), vec.New(0, 90, 0), vec.New(0.5, 0, 0))
	require.NoError(t, err)
	require.NotEmpty(t, data)
	// fixarray из 4 элементов
	assert.Equal(t, byte(0x94), data[0])

	upd, err := DecodePosition(data)
	require.NoError(t, err)
	assert.Equal(t, "user-1", upd.PlayerID)
	assert.Equal(t, vec.New(1, 2, 3), upd.Position)
	assert.Equal(t, vec.New(0, 90, 0), upd.Rotation)
	assert.Equal(t, vec.New(0.5, 0, 0), upd.Velocity)
}

func TestDecodeRejectsWrongVectorLength(t *testing.T) {
	data, err := msgpack.Marshal([]interface{}{"p", []float32{1, 2}, []float32{0, 0, 0}, []float32{0, 0, 0}})
	require.NoError(t, err)

	_, err = DecodePosition(data)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodePosition([]byte{0xc1, 0x00, 0xff})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodePosition(nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
