package sbc

import (
	"errors"
	"fmt"
)

// syncWord первый байт каждого SBC кадра
const syncWord = 0x9C

// ErrShortBuffer буфер назначения меньше длины кадра
var ErrShortBuffer = errors.New("sbc: буфер назначения меньше длины кадра")

// Encoder блокирующий кодер PCM → SBC, один кадр за вызов.
// Кодер не потокобезопасен: им владеет одна горутина.
type Encoder interface {
	// Encode кодирует один кадр из pcm в dst.
	// Возвращает количество прочитанных байт PCM и записанных байт SBC.
	// Если len(pcm) < CodeSize(), возвращает (0, 0, nil).
	Encode(dst, pcm []byte) (consumed, written int, err error)

	// CodeSize количество байт PCM на один кадр
	CodeSize() int

	// FrameLength длина закодированного кадра
	FrameLength() int

	// SamplesPerFrame количество сэмплов на канал в кадре
	SamplesPerFrame() int

	// Close освобождает ресурсы кодера
	Close() error
}

// EncoderFactory создает кодер для согласованных параметров
type EncoderFactory func(Params) (Encoder, error)

// SilenceEncoder формирует корректные SBC кадры (заголовок, CRC) с нулевыми
// масштабными коэффициентами и отсчетами. Входные данные не анализируются.
type SilenceEncoder struct {
	params      Params
	frameLength int
	codeSize    int
	frame       []byte
}

// NewSilenceEncoder создает SilenceEncoder. Подходит как EncoderFactory.
func NewSilenceEncoder(p Params) (Encoder, error) {
	if p.SampleRate() == 0 {
		return nil, fmt.Errorf("sbc: некорректная частота %#x", uint8(p.Frequency))
	}
	if p.Bitpool < MinBitpool {
		return nil, fmt.Errorf("sbc: bitpool %d меньше минимального", p.Bitpool)
	}

	e := &SilenceEncoder{
		params:      p,
		frameLength: p.FrameLength(),
		codeSize:    p.CodeSize(),
	}
	e.frame = e.buildFrame()
	return e, nil
}

// Encode реализует Encoder
func (e *SilenceEncoder) Encode(dst, pcm []byte) (int, int, error) {
	if len(pcm) < e.codeSize {
		return 0, 0, nil
	}
	if len(dst) < e.frameLength {
		return 0, 0, ErrShortBuffer
	}
	copy(dst, e.frame)
	return e.codeSize, e.frameLength, nil
}

func (e *SilenceEncoder) CodeSize() int        { return e.codeSize }
func (e *SilenceEncoder) FrameLength() int     { return e.frameLength }
func (e *SilenceEncoder) SamplesPerFrame() int { return e.params.SamplesPerFrame() }
func (e *SilenceEncoder) Close() error         { return nil }

// buildFrame собирает шаблон кадра: заголовок и нулевое тело
func (e *SilenceEncoder) buildFrame() []byte {
	p := e.params
	frame := make([]byte, e.frameLength)
	frame[0] = syncWord
	frame[1] = HeaderByte(p)
	frame[2] = p.Bitpool

	// CRC покрывает байты 1-2, биты join (joint stereo) и масштабные коэффициенты.
	// Все они, кроме заголовка, нулевые.
	zeroBits := 4 * p.SubbandCount() * p.Channels()
	if p.ChannelMode == ChannelModeJointStereo {
		zeroBits += p.SubbandCount()
	}
	frame[3] = crc8(frame[1:3], zeroBits)
	return frame
}

// HeaderByte второй байт заголовка SBC кадра
func HeaderByte(p Params) byte {
	var freq, blocks, mode, alloc, subbands byte

	switch p.Frequency {
	case Frequency16000:
		freq = 0
	case Frequency32000:
		freq = 1
	case Frequency44100:
		freq = 2
	case Frequency48000:
		freq = 3
	}

	switch p.BlockLength {
	case BlockLength4:
		blocks = 0
	case BlockLength8:
		blocks = 1
	case BlockLength12:
		blocks = 2
	default:
		blocks = 3
	}

	switch p.ChannelMode {
	case ChannelModeMono:
		mode = 0
	case ChannelModeDualChannel:
		mode = 1
	case ChannelModeStereo:
		mode = 2
	default:
		mode = 3
	}

	if p.Allocation == AllocationSNR {
		alloc = 1
	}
	if p.Subbands == Subbands8 {
		subbands = 1
	}

	return freq<<6 | blocks<<4 | mode<<2 | alloc<<1 | subbands
}

// crc8 CRC-8 SBC (полином x^8+x^4+x^3+x^2+1, начальное значение 0x0F)
// по байтам data и затем по zeroBits нулевым битам
func crc8(data []byte, zeroBits int) byte {
	crc := byte(0x0F)
	feed := func(bit byte) {
		top := (crc >> 7) ^ bit
		crc <<= 1
		if top&1 == 1 {
			crc ^= 0x1D
		}
	}
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			feed((b >> uint(i)) & 1)
		}
	}
	for i := 0; i < zeroBits; i++ {
		feed(0)
	}
	return crc
}
