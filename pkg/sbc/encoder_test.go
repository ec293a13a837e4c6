package sbc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jointStereoParams() Params {
	return Params{
		Frequency:   Frequency44100,
		ChannelMode: ChannelModeJointStereo,
		BlockLength: BlockLength16,
		Subbands:    Subbands8,
		Allocation:  AllocationLoudness,
		MinBitpool:  2,
		MaxBitpool:  53,
		Bitpool:     53,
	}
}

func TestSilenceEncoderFrame(t *testing.T) {
	enc, err := NewSilenceEncoder(jointStereoParams())
	require.NoError(t, err)
	defer enc.Close()

	assert.Equal(t, 512, enc.CodeSize())
	assert.Equal(t, 119, enc.FrameLength())
	assert.Equal(t, 128, enc.SamplesPerFrame())

	pcm := make([]byte, 1024)
	dst := make([]byte, 200)

	consumed, written, err := enc.Encode(dst, pcm)
	require.NoError(t, err)
	assert.Equal(t, 512, consumed)
	assert.Equal(t, 119, written)

	assert.Equal(t, byte(0x9C), dst[0])
	assert.Equal(t, byte(0xBD), dst[1])
	assert.Equal(t, byte(53), dst[2])
	assert.Equal(t, crc8(dst[1:3], 8+4*8*2), dst[3])
}

func TestSilenceEncoderShortInput(t *testing.T) {
	enc, err := NewSilenceEncoder(jointStereoParams())
	require.NoError(t, err)

	consumed, written, err := enc.Encode(make([]byte, 200), make([]byte, 100))
	require.NoError(t, err)
	assert.Zero(t, consumed)
	assert.Zero(t, written)

	_, _, err = enc.Encode(make([]byte, 10), make([]byte, 512))
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestSilenceEncoderInvalidParams(t *testing.T) {
	p := jointStereoParams()
	p.Bitpool = 1
	_, err := NewSilenceEncoder(p)
	assert.Error(t, err)

	p = jointStereoParams()
	p.Frequency = 0
	_, err = NewSilenceEncoder(p)
	assert.Error(t, err)
}

func TestHeaderByte(t *testing.T) {
	p := Params{
		Frequency:   Frequency48000,
		ChannelMode: ChannelModeMono,
		BlockLength: BlockLength4,
		Subbands:    Subbands4,
		Allocation:  AllocationSNR,
	}
	// 11 00 00 1 0
	assert.Equal(t, byte(0xC2), HeaderByte(p))
}
