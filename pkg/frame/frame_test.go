package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		seq  uint8
		typ  Type
		data []byte
	}{
		{0, TypeMoveRight, nil},
		{31, TypeData, []byte("hello treasure")},
		{5, TypeOKAck, []byte{2, 3}},
	} {
		p := NewPacket(tc.seq, tc.typ, tc.data)
		wire := Pack(p)
		require.Len(t, wire, WireSize)

		got, err := Unpack(wire[:])
		require.NoError(t, err)
		require.Equal(t, p.Size, got.Size)
		require.Equal(t, p.Seq, got.Seq)
		require.Equal(t, p.Type, got.Type)
		require.Equal(t, p.Checksum, got.Checksum)
		require.Equal(t, p.Data, got.Data)
	}
}

func TestCRCCoversHeaderAndPayloadOnly(t *testing.T) {
	p := NewPacket(3, TypeData, []byte{1, 2, 3})
	want := uint8(3) ^ uint8(3) ^ uint8(TypeData) ^ 1 ^ 2 ^ 3
	require.Equal(t, want, CRC(p))

	// Mutating padding beyond Size must not change the checksum.
	p.Data[10] = 0xFF
	require.Equal(t, want, CRC(p))
}

func TestValidateRejectsBadChecksum(t *testing.T) {
	p := NewPacket(1, TypeOKAck, []byte{1, 0})
	require.True(t, Validate(p))

	p.Checksum ^= 0x01
	require.False(t, Validate(p))
}

func TestValidateRejectsUnknownType(t *testing.T) {
	p := NewPacket(1, TypeOKAck, nil)
	p.Type = Type(21)
	p.Checksum = CRC(p)
	require.False(t, Validate(p))
}

func TestUnpackRejectsBadMarker(t *testing.T) {
	wire := Pack(NewPacket(0, TypeACK, nil))
	wire[0] = 0x00
	_, err := Unpack(wire[:])
	require.Error(t, err)
}

func TestUnpackIgnoresPaddingBeyondSize(t *testing.T) {
	p := NewPacket(0, TypeData, []byte{9, 9})
	wire := Pack(p)
	wire[4+2] = 0x77 // mutate a padding byte directly on the wire
	got, err := Unpack(wire[:])
	require.NoError(t, err)
	require.True(t, Validate(got), "padding must not affect validity")
}

func TestClassifyFile(t *testing.T) {
	require.Equal(t, TypeImageAck, ClassifyFile("1.jpg"))
	require.Equal(t, TypeImageAck, ClassifyFile("2.JPEG"))
	require.Equal(t, TypeVideoAck, ClassifyFile("3.mp4"))
	require.Equal(t, TypeVideoAck, ClassifyFile("4.mp3"))
	require.Equal(t, TypeTextAck, ClassifyFile("5.txt"))
	require.Equal(t, TypeTextAck, ClassifyFile("6.pdf"))
}
