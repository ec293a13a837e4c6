// Package sbc описывает контракт SBC кодека для A2DP потока.
//
// Пакет не реализует психоакустическую модель кодека. Он содержит:
//   - битовые маски возможностей SBC согласно A2DP спецификации
//   - выбор параметров кодека из возможностей приемника (Params)
//   - расчет размеров кадров (codesize, frame length)
//   - интерфейс Encoder, через который подключается настоящий кодек
//   - SilenceEncoder, формирующий корректные SBC кадры тишины
package sbc

import (
	"errors"
	"fmt"
	"log/slog"
)

// Frequency битовая маска частот дискретизации SBC
type Frequency uint8

const (
	Frequency48000 Frequency = 1 << iota
	Frequency44100
	Frequency32000
	Frequency16000
)

// ChannelMode битовая маска режимов каналов SBC
type ChannelMode uint8

const (
	ChannelModeJointStereo ChannelMode = 1 << iota
	ChannelModeStereo
	ChannelModeDualChannel
	ChannelModeMono
)

// BlockLength битовая маска длины блока SBC
type BlockLength uint8

const (
	BlockLength16 BlockLength = 1 << iota
	BlockLength12
	BlockLength8
	BlockLength4
)

// Subbands битовая маска количества подполос
type Subbands uint8

const (
	Subbands8 Subbands = 1 << iota
	Subbands4
)

// AllocationMethod битовая маска метода распределения битов
type AllocationMethod uint8

const (
	AllocationLoudness AllocationMethod = 1 << iota
	AllocationSNR
)

const (
	// MinBitpool минимально допустимый bitpool
	MinBitpool = 2
	// MaxBitpool максимальный bitpool по спецификации SBC
	MaxBitpool = 250

	// capabilitiesSize размер SBC блока возможностей в байтах
	capabilitiesSize = 7
)

var (
	ErrUnsupportedFrequency = errors.New("sbc: частота дискретизации не поддерживается приемником")
	ErrNoChannelMode        = errors.New("sbc: приемник не объявил ни одного режима каналов")
	ErrNoBlockLength        = errors.New("sbc: приемник не объявил длину блока")
	ErrNoSubbands           = errors.New("sbc: приемник не объявил количество подполос")
	ErrNoAllocation         = errors.New("sbc: приемник не объявил метод распределения")
	ErrBitpoolRange         = errors.New("sbc: пустой диапазон bitpool")
	ErrMalformedCapability  = errors.New("sbc: некорректный блок возможностей")
)

// Capabilities SBC возможности, объявленные приемником (или выбранная конфигурация,
// если в каждом поле выставлен ровно один бит)
type Capabilities struct {
	ChannelModes ChannelMode
	Frequencies  Frequency
	Allocations  AllocationMethod
	Subbands     Subbands
	BlockLengths BlockLength
	MinBitpool   uint8
	MaxBitpool   uint8
}

// ParseCapabilities разбирает SBC блок возможностей из записи control канала
func ParseCapabilities(data []byte) (Capabilities, error) {
	if len(data) < capabilitiesSize {
		return Capabilities{}, fmt.Errorf("%w: %d байт", ErrMalformedCapability, len(data))
	}
	caps := Capabilities{
		ChannelModes: ChannelMode(data[0]),
		Frequencies:  Frequency(data[1]),
		Allocations:  AllocationMethod(data[2]),
		Subbands:     Subbands(data[3]),
		BlockLengths: BlockLength(data[4]),
		MinBitpool:   data[5],
		MaxBitpool:   data[6],
	}
	if caps.MinBitpool > caps.MaxBitpool {
		return Capabilities{}, fmt.Errorf("%w: min_bitpool %d > max_bitpool %d",
			ErrMalformedCapability, caps.MinBitpool, caps.MaxBitpool)
	}
	return caps, nil
}

// Marshal сериализует возможности в формат записи control канала
func (c Capabilities) Marshal() []byte {
	return []byte{
		byte(c.ChannelModes),
		byte(c.Frequencies),
		byte(c.Allocations),
		byte(c.Subbands),
		byte(c.BlockLengths),
		c.MinBitpool,
		c.MaxBitpool,
	}
}

// Params согласованные параметры SBC кодека. Каждое поле-маска содержит ровно один бит.
type Params struct {
	Frequency   Frequency
	ChannelMode ChannelMode
	BlockLength BlockLength
	Subbands    Subbands
	Allocation  AllocationMethod
	MinBitpool  uint8
	MaxBitpool  uint8
	// Bitpool фактически используемый кодером bitpool
	Bitpool uint8
}

// SampleRate возвращает частоту дискретизации в Гц
func (p Params) SampleRate() int {
	switch p.Frequency {
	case Frequency16000:
		return 16000
	case Frequency32000:
		return 32000
	case Frequency44100:
		return 44100
	case Frequency48000:
		return 48000
	default:
		return 0
	}
}

// Channels возвращает количество каналов
func (p Params) Channels() int {
	if p.ChannelMode == ChannelModeMono {
		return 1
	}
	return 2
}

// Blocks возвращает количество блоков в кадре
func (p Params) Blocks() int {
	switch p.BlockLength {
	case BlockLength4:
		return 4
	case BlockLength8:
		return 8
	case BlockLength12:
		return 12
	default:
		return 16
	}
}

// SubbandCount возвращает количество подполос
func (p Params) SubbandCount() int {
	if p.Subbands == Subbands4 {
		return 4
	}
	return 8
}

// SamplesPerFrame количество сэмплов на канал в одном кадре
func (p Params) SamplesPerFrame() int {
	return p.Blocks() * p.SubbandCount()
}

// CodeSize количество байт PCM (16 бит) на один SBC кадр
func (p Params) CodeSize() int {
	return p.SamplesPerFrame() * p.Channels() * 2
}

// FrameLength длина закодированного SBC кадра в байтах
func (p Params) FrameLength() int {
	subbands := p.SubbandCount()
	blocks := p.Blocks()
	channels := p.Channels()
	bitpool := int(p.Bitpool)

	length := 4 + (4*subbands*channels)/8
	switch p.ChannelMode {
	case ChannelModeMono, ChannelModeDualChannel:
		length += ceilDiv(blocks*channels*bitpool, 8)
	case ChannelModeStereo:
		length += ceilDiv(blocks*bitpool, 8)
	default: // joint stereo
		length += ceilDiv(subbands+blocks*bitpool, 8)
	}
	return length
}

// Configuration возвращает параметры в виде записи возможностей для SET_CONFIGURATION
func (p Params) Configuration() Capabilities {
	return Capabilities{
		ChannelModes: p.ChannelMode,
		Frequencies:  p.Frequency,
		Allocations:  p.Allocation,
		Subbands:     p.Subbands,
		BlockLengths: p.BlockLength,
		MinBitpool:   p.MinBitpool,
		MaxBitpool:   p.MaxBitpool,
	}
}

// String краткое описание параметров для логов
func (p Params) String() string {
	return fmt.Sprintf("rate=%d channels=%d mode=%#x blocks=%d subbands=%d alloc=%#x bitpool=%d..%d",
		p.SampleRate(), p.Channels(), uint8(p.ChannelMode), p.Blocks(), p.SubbandCount(),
		uint8(p.Allocation), p.MinBitpool, p.MaxBitpool)
}

// FrequencyFromRate возвращает бит частоты для частоты в Гц
func FrequencyFromRate(rate int) (Frequency, bool) {
	switch rate {
	case 16000:
		return Frequency16000, true
	case 32000:
		return Frequency32000, true
	case 44100:
		return Frequency44100, true
	case 48000:
		return Frequency48000, true
	default:
		return 0, false
	}
}

// DefaultBitpool рекомендуемый bitpool для класса "высокое качество"
func DefaultBitpool(freq Frequency, mode ChannelMode) uint8 {
	mono := mode == ChannelModeMono || mode == ChannelModeDualChannel
	switch freq {
	case Frequency48000:
		if mono {
			return 29
		}
		return 51
	case Frequency44100:
		if mono {
			return 31
		}
		return 53
	default:
		return 53
	}
}

// bitpoolLimit верхняя граница bitpool для режима каналов и числа подполос
func bitpoolLimit(mode ChannelMode, subbands int) uint8 {
	limit := 32 * subbands
	if mode == ChannelModeMono || mode == ChannelModeDualChannel {
		limit = 16 * subbands
	}
	if limit > MaxBitpool {
		limit = MaxBitpool
	}
	return uint8(limit)
}

// SelectParams выбирает параметры кодека из возможностей приемника для заданной частоты.
// Предпочтения: joint stereo, 16 блоков, 8 подполос, loudness.
// Bitpool ограничивается объявленным диапазоном, пересеченным с DefaultBitpool.
// Если объявленный max bitpool противоречит режиму каналов, используется значение по умолчанию.
func SelectParams(caps Capabilities, rate int, logger *slog.Logger) (Params, error) {
	if logger == nil {
		logger = slog.Default()
	}

	freq, ok := FrequencyFromRate(rate)
	if !ok || caps.Frequencies&freq == 0 {
		return Params{}, fmt.Errorf("%w: %d Гц", ErrUnsupportedFrequency, rate)
	}

	p := Params{Frequency: freq}

	switch {
	case caps.ChannelModes&ChannelModeJointStereo != 0:
		p.ChannelMode = ChannelModeJointStereo
	case caps.ChannelModes&ChannelModeStereo != 0:
		p.ChannelMode = ChannelModeStereo
	case caps.ChannelModes&ChannelModeDualChannel != 0:
		p.ChannelMode = ChannelModeDualChannel
	case caps.ChannelModes&ChannelModeMono != 0:
		p.ChannelMode = ChannelModeMono
	default:
		return Params{}, ErrNoChannelMode
	}

	switch {
	case caps.BlockLengths&BlockLength16 != 0:
		p.BlockLength = BlockLength16
	case caps.BlockLengths&BlockLength12 != 0:
		p.BlockLength = BlockLength12
	case caps.BlockLengths&BlockLength8 != 0:
		p.BlockLength = BlockLength8
	case caps.BlockLengths&BlockLength4 != 0:
		p.BlockLength = BlockLength4
	default:
		return Params{}, ErrNoBlockLength
	}

	switch {
	case caps.Subbands&Subbands8 != 0:
		p.Subbands = Subbands8
	case caps.Subbands&Subbands4 != 0:
		p.Subbands = Subbands4
	default:
		return Params{}, ErrNoSubbands
	}

	switch {
	case caps.Allocations&AllocationLoudness != 0:
		p.Allocation = AllocationLoudness
	case caps.Allocations&AllocationSNR != 0:
		p.Allocation = AllocationSNR
	default:
		return Params{}, ErrNoAllocation
	}

	def := DefaultBitpool(freq, p.ChannelMode)
	maxBitpool := caps.MaxBitpool
	if limit := bitpoolLimit(p.ChannelMode, p.SubbandCount()); maxBitpool > limit {
		logger.Warn("sbc: max bitpool приемника не соответствует режиму каналов, используется значение по умолчанию",
			slog.Int("max_bitpool", int(caps.MaxBitpool)),
			slog.Int("limit", int(limit)),
			slog.Int("default", int(def)))
		maxBitpool = def
	}
	if maxBitpool > def {
		maxBitpool = def
	}

	minBitpool := caps.MinBitpool
	if minBitpool < MinBitpool {
		minBitpool = MinBitpool
	}
	if minBitpool > maxBitpool {
		return Params{}, fmt.Errorf("%w: [%d, %d]", ErrBitpoolRange, minBitpool, maxBitpool)
	}

	p.MinBitpool = minBitpool
	p.MaxBitpool = maxBitpool
	p.Bitpool = maxBitpool
	return p, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
