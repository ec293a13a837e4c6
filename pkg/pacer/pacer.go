// Package pacer кодирует PCM в SBC, упаковывает кадры в RTP пакеты
// размером не больше MTU и отправляет их в медиа транспорт в темпе
// реального времени.
//
// Pacer не потокобезопасен: им владеет одна горутина (writer потока).
// Stats можно читать из любой горутины.
package pacer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/a2dp_sink/pkg/metrics"
	"github.com/arzzra/a2dp_sink/pkg/session"
	"github.com/arzzra/a2dp_sink/pkg/transport"
)

const (
	// HeaderSize RTP заголовок + заголовок SBC payload
	HeaderSize = rtpHeaderSize + payloadHeaderSize
	// MaxFramesPerPacket счетчик кадров занимает 4 бита
	MaxFramesPerPacket = 15
	// PayloadType динамический тип SBC
	PayloadType = 96
	// SSRC фиксированный источник
	SSRC = 1

	rtpHeaderSize     = 12
	payloadHeaderSize = 1

	// DefaultPollTimeout ожидание готовности транспорта к записи
	DefaultPollTimeout = time.Second
	// DefaultCatchUpThreshold отставание, после которого дедлайн сбрасывается
	DefaultCatchUpThreshold = 200 * time.Millisecond
)

// ErrMTUTooSmall в MTU не помещается ни одного кадра
var ErrMTUTooSmall = errors.New("pacer: MTU меньше одного SBC кадра")

// Config конфигурация pacer
type Config struct {
	PollTimeout      time.Duration
	CatchUpThreshold time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger

	// Now и Sleep подменяются в тестах
	Now   func() time.Time
	Sleep func(time.Duration)
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		PollTimeout:      DefaultPollTimeout,
		CatchUpThreshold: DefaultCatchUpThreshold,
	}
}

// Stats статистика отправки
type Stats struct {
	PacketsSent    uint64
	PacketsDropped uint64
	BytesSent      uint64
	FramesEncoded  uint64
}

// Pacer упаковщик и отправитель RTP пакетов
type Pacer struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	bound      bool
	generation uint64
	seq        uint16
	timestamp  uint32
	deadline   time.Time

	// Собираемый пакет: packet[:length], первые HeaderSize байт под заголовки
	packet  []byte
	length  int
	frames  int
	samples int

	packetsSent    uint64 // atomic
	packetsDropped uint64 // atomic
	bytesSent      uint64 // atomic
	framesEncoded  uint64 // atomic
}

// New создает pacer
func New(cfg Config) *Pacer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.CatchUpThreshold <= 0 {
		cfg.CatchUpThreshold = DefaultCatchUpThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pacer{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "pacer")),
		metrics: cfg.Metrics,
		length:  HeaderSize,
	}
}

// Write кодирует целые кадры из pcm и отправляет заполненные пакеты.
// Возвращает количество прочитанных байт PCM. Остаток меньше одного кадра
// не читается. Неполный пакет остается до следующего вызова.
// nil link означает, что поток не запущен: возвращается 0 без ошибки.
// Ошибка возвращается только при разрыве транспорта или сбое кодера.
func (p *Pacer) Write(link *session.Link, pcm []byte) (int, error) {
	if link == nil || link.Encoder == nil || link.Transport == nil {
		return 0, nil
	}
	p.bind(link)

	enc := link.Encoder
	codeSize := enc.CodeSize()
	frameLength := enc.FrameLength()
	if HeaderSize+frameLength > link.MTU {
		return 0, fmt.Errorf("%w: MTU %d, кадр %d", ErrMTUTooSmall, link.MTU, frameLength)
	}

	consumed := 0
	for len(pcm)-consumed >= codeSize {
		if p.full(link.MTU, frameLength) {
			if err := p.flush(link); err != nil {
				return consumed, err
			}
		}

		n, written, err := enc.Encode(p.packet[p.length:link.MTU], pcm[consumed:])
		if err != nil {
			return consumed, fmt.Errorf("pacer: кодирование: %w", err)
		}
		if n == 0 {
			break
		}
		consumed += n
		p.length += written
		p.frames++
		p.samples += enc.SamplesPerFrame()
		atomic.AddUint64(&p.framesEncoded, 1)

		if p.full(link.MTU, frameLength) {
			if err := p.flush(link); err != nil {
				return consumed, err
			}
		}
	}
	return consumed, nil
}

// Discard отбрасывает недособранный пакет
func (p *Pacer) Discard() {
	if p.frames > 0 {
		p.logger.Debug("недособранный пакет отброшен", slog.Int("frames", p.frames))
		p.metrics.PacketDropped(metrics.DropStandby)
	}
	p.resetPacket()
}

// Sequence следующий sequence number
func (p *Pacer) Sequence() uint16 {
	return p.seq
}

// Timestamp следующий RTP timestamp
func (p *Pacer) Timestamp() uint32 {
	return p.timestamp
}

// Pending количество кадров в недособранном пакете
func (p *Pacer) Pending() int {
	return p.frames
}

// Stats возвращает статистику отправки
func (p *Pacer) Stats() Stats {
	return Stats{
		PacketsSent:    atomic.LoadUint64(&p.packetsSent),
		PacketsDropped: atomic.LoadUint64(&p.packetsDropped),
		BytesSent:      atomic.LoadUint64(&p.bytesSent),
		FramesEncoded:  atomic.LoadUint64(&p.framesEncoded),
	}
}

// bind сбрасывает состояние при смене запуска потока
func (p *Pacer) bind(link *session.Link) {
	if p.bound && p.generation == link.Generation && len(p.packet) >= link.MTU {
		return
	}
	if p.bound && p.generation != link.Generation {
		p.logger.Debug("новый запуск потока, счетчики сброшены",
			slog.Uint64("generation", link.Generation))
	}
	p.bound = true
	p.generation = link.Generation
	p.seq = 0
	p.timestamp = 0
	p.deadline = time.Time{}
	if len(p.packet) < link.MTU {
		p.packet = make([]byte, link.MTU)
	}
	p.resetPacket()
}

func (p *Pacer) full(mtu, frameLength int) bool {
	return p.frames >= MaxFramesPerPacket || p.length+frameLength > mtu
}

func (p *Pacer) resetPacket() {
	p.length = HeaderSize
	p.frames = 0
	p.samples = 0
}

// flush отправляет собранный пакет. Сбои опроса и отправки отбрасывают пакет,
// ошибкой возвращается только разрыв транспорта.
func (p *Pacer) flush(link *session.Link) error {
	if p.frames == 0 {
		return nil
	}
	defer p.resetPacket()

	header := rtp.Header{
		Version:        2,
		PayloadType:    PayloadType,
		SequenceNumber: p.seq,
		Timestamp:      p.timestamp,
		SSRC:           SSRC,
	}
	if _, err := header.MarshalTo(p.packet[:rtpHeaderSize]); err != nil {
		return fmt.Errorf("pacer: RTP заголовок: %w", err)
	}
	p.packet[rtpHeaderSize] = byte(p.frames & 0x0F)

	packet := p.packet[:p.length]
	samples := p.samples
	p.seq++
	p.timestamp += uint32(samples)

	if err := link.Transport.WaitWritable(p.cfg.PollTimeout); err != nil {
		return p.drop(metrics.DropPollFailed, err, header.SequenceNumber)
	}

	p.pace(samples, link.Params.SampleRate())

	n, err := link.Transport.Send(packet)
	if err != nil {
		return p.drop(metrics.DropSendFailed, err, header.SequenceNumber)
	}
	if n < len(packet) {
		p.logger.Warn("пакет отправлен не полностью",
			slog.Int("sent", n),
			slog.Int("size", len(packet)))
	}

	atomic.AddUint64(&p.packetsSent, 1)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	p.metrics.PacketSent(n)
	return nil
}

// pace выдерживает темп отправки по дедлайну
func (p *Pacer) pace(samples, rate int) {
	now := p.cfg.Now()
	if p.deadline.IsZero() {
		p.deadline = now
	}

	if ahead := p.deadline.Sub(now); ahead > 0 {
		p.cfg.Sleep(ahead)
	} else if -ahead > p.cfg.CatchUpThreshold {
		p.logger.Debug("отставание от дедлайна, дедлайн сброшен", slog.Duration("behind", -ahead))
		p.deadline = now
	}

	if rate > 0 {
		p.deadline = p.deadline.Add(time.Duration(samples) * time.Second / time.Duration(rate))
	}
}

func (p *Pacer) drop(reason string, err error, seq uint16) error {
	atomic.AddUint64(&p.packetsDropped, 1)

	switch {
	case errors.Is(err, transport.ErrBrokenPipe):
		p.metrics.PacketDropped(metrics.DropBrokenPipe)
		p.logger.Warn("транспорт разорван", slog.Any("error", err))
		return err
	case errors.Is(err, transport.ErrPollTimeout):
		reason = metrics.DropPollTimeout
	}

	p.metrics.PacketDropped(reason)
	p.logger.Warn("пакет отброшен",
		slog.String("reason", reason),
		slog.Int("seq", int(seq)),
		slog.Any("error", err))
	return nil
}
