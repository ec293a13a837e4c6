package pacer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/arzzra/a2dp_sink/pkg/sbc"
	"github.com/arzzra/a2dp_sink/pkg/session"
	"github.com/arzzra/a2dp_sink/pkg/transport"
)

// fakeTransport запоминает отправленные пакеты
type fakeTransport struct {
	packets [][]byte
	waitErr error
	sendErr error
	polls   int
}

func (f *fakeTransport) WaitWritable(time.Duration) error {
	f.polls++
	return f.waitErr
}

func (f *fakeTransport) Send(b []byte) (int, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.packets = append(f.packets, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeTransport) Close() error { return nil }

// fakeClock время, которое двигается только через Sleep и Advance
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func jointStereoParams() sbc.Params {
	return sbc.Params{
		Frequency:   sbc.Frequency44100,
		ChannelMode: sbc.ChannelModeJointStereo,
		BlockLength: sbc.BlockLength16,
		Subbands:    sbc.Subbands8,
		Allocation:  sbc.AllocationLoudness,
		MinBitpool:  2,
		MaxBitpool:  53,
		Bitpool:     53,
	}
}

func newLink(t *testing.T, tr session.MediaTransport, mtu int, generation uint64) *session.Link {
	t.Helper()
	params := jointStereoParams()
	enc, err := sbc.NewSilenceEncoder(params)
	require.NoError(t, err)
	return &session.Link{
		Transport:  tr,
		MTU:        mtu,
		Params:     params,
		Encoder:    enc,
		Generation: generation,
	}
}

func newPacer(clock *fakeClock) *Pacer {
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.Sleep = clock.Sleep
	return New(cfg)
}

const (
	codeSize    = 512 // 16 блоков * 8 подполос * 2 канала * 2 байта
	frameLength = 119
	samples     = 128
)

func pcmFrames(n int) []byte {
	return make([]byte, n*codeSize)
}

func parse(t *testing.T, b []byte) *rtp.Packet {
	t.Helper()
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(b))
	return pkt
}

func TestPacerPacksSevenFramesIntoMTU(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	n, err := p.Write(link, pcmFrames(7))
	require.NoError(t, err)
	assert.Equal(t, 7*codeSize, n)
	require.Len(t, tr.packets, 1)

	raw := tr.packets[0]
	assert.Equal(t, HeaderSize+7*frameLength, len(raw))
	assert.LessOrEqual(t, len(raw), 895)

	pkt := parse(t, raw)
	assert.Equal(t, uint8(2), pkt.Version)
	assert.Equal(t, uint8(PayloadType), pkt.PayloadType)
	assert.Equal(t, uint32(SSRC), pkt.SSRC)
	assert.Equal(t, uint16(0), pkt.SequenceNumber)
	assert.Equal(t, uint32(0), pkt.Timestamp)
	assert.Equal(t, byte(7), pkt.Payload[0]&0x0F)
	assert.Equal(t, byte(0x9C), pkt.Payload[1])
	assert.Equal(t, byte(0x9C), pkt.Payload[1+frameLength])
}

func TestPacerSequenceAndTimestampMonotonic(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	_, err := p.Write(link, pcmFrames(7*20))
	require.NoError(t, err)
	require.Len(t, tr.packets, 20)

	for i, raw := range tr.packets {
		pkt := parse(t, raw)
		assert.Equal(t, uint16(i), pkt.SequenceNumber)
		assert.Equal(t, uint32(i*7*samples), pkt.Timestamp)
	}
	assert.Equal(t, uint16(20), p.Sequence())
	assert.Equal(t, uint32(20*7*samples), p.Timestamp())
}

func TestPacerKeepsPartialPacket(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	n, err := p.Write(link, pcmFrames(3))
	require.NoError(t, err)
	assert.Equal(t, 3*codeSize, n)
	assert.Empty(t, tr.packets)
	assert.Equal(t, 3, p.Pending())

	_, err = p.Write(link, pcmFrames(4))
	require.NoError(t, err)
	require.Len(t, tr.packets, 1)
	assert.Equal(t, byte(7), parse(t, tr.packets[0]).Payload[0])
	assert.Equal(t, 0, p.Pending())
}

func TestPacerShortInput(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	n, err := p.Write(link, make([]byte, codeSize-4))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = p.Write(link, make([]byte, codeSize+100))
	require.NoError(t, err)
	assert.Equal(t, codeSize, n)
}

func TestPacerFrameCountLimit(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 4000, 1)

	_, err := p.Write(link, pcmFrames(30))
	require.NoError(t, err)
	require.Len(t, tr.packets, 2)
	for _, raw := range tr.packets {
		pkt := parse(t, raw)
		assert.Equal(t, byte(MaxFramesPerPacket), pkt.Payload[0]&0x0F)
		assert.Equal(t, 1+MaxFramesPerPacket*frameLength, len(pkt.Payload))
	}
}

func TestPacerMTUTooSmall(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 100, 1)

	n, err := p.Write(link, pcmFrames(1))
	assert.ErrorIs(t, err, ErrMTUTooSmall)
	assert.Equal(t, 0, n)
}

func TestPacerNilLink(t *testing.T) {
	p := newPacer(newFakeClock())
	n, err := p.Write(nil, pcmFrames(1))
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPacerPacing(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{}
	p := newPacer(clock)
	link := newLink(t, tr, 895, 1)

	packetDuration := time.Duration(7*samples) * time.Second / 44100

	_, err := p.Write(link, pcmFrames(7*3))
	require.NoError(t, err)
	require.Len(t, tr.packets, 3)

	// первый пакет уходит сразу, следующие ждут своего дедлайна
	require.Len(t, clock.sleeps, 2)
	assert.Equal(t, packetDuration, clock.sleeps[0])
	assert.Equal(t, 2*packetDuration, clock.sleeps[0]+clock.sleeps[1])
}

func TestPacerCatchUp(t *testing.T) {
	clock := newFakeClock()
	tr := &fakeTransport{}
	p := newPacer(clock)
	link := newLink(t, tr, 895, 1)

	_, err := p.Write(link, pcmFrames(7))
	require.NoError(t, err)

	// небольшое отставание: без сна, дедлайн не сбрасывается
	clock.Advance(100 * time.Millisecond)
	_, err = p.Write(link, pcmFrames(7))
	require.NoError(t, err)
	assert.Empty(t, clock.sleeps)

	// отставание больше порога: дедлайн сбрасывается на текущее время
	clock.Advance(time.Second)
	_, err = p.Write(link, pcmFrames(7))
	require.NoError(t, err)
	assert.Empty(t, clock.sleeps)

	// следующий пакет снова выдерживает полный интервал
	_, err = p.Write(link, pcmFrames(7))
	require.NoError(t, err)
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, time.Duration(7*samples)*time.Second/44100, clock.sleeps[0])
}

func TestPacerDropsOnPollTimeout(t *testing.T) {
	tr := &fakeTransport{waitErr: transport.ErrPollTimeout}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	n, err := p.Write(link, pcmFrames(7))
	require.NoError(t, err)
	assert.Equal(t, 7*codeSize, n)
	assert.Empty(t, tr.packets)
	assert.Equal(t, uint64(1), p.Stats().PacketsDropped)

	// номер отброшенного пакета не переиспользуется
	tr.waitErr = nil
	_, err = p.Write(link, pcmFrames(7))
	require.NoError(t, err)
	require.Len(t, tr.packets, 1)
	assert.Equal(t, uint16(1), parse(t, tr.packets[0]).SequenceNumber)
}

func TestPacerDropsOnSendFailure(t *testing.T) {
	tr := &fakeTransport{sendErr: transport.ErrWouldBlock}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	n, err := p.Write(link, pcmFrames(14))
	require.NoError(t, err)
	assert.Equal(t, 14*codeSize, n)
	assert.Equal(t, uint64(2), p.Stats().PacketsDropped)
	assert.Equal(t, uint64(0), p.Stats().PacketsSent)
}

func TestPacerBrokenPipe(t *testing.T) {
	tests := []struct {
		name string
		tr   *fakeTransport
	}{
		{name: "poll", tr: &fakeTransport{waitErr: transport.ErrBrokenPipe}},
		{name: "send", tr: &fakeTransport{sendErr: transport.ErrBrokenPipe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPacer(newFakeClock())
			link := newLink(t, tt.tr, 895, 1)

			_, err := p.Write(link, pcmFrames(7))
			assert.ErrorIs(t, err, transport.ErrBrokenPipe)
		})
	}
}

func TestPacerGenerationResetsCounters(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())

	first := newLink(t, tr, 895, 1)
	_, err := p.Write(first, pcmFrames(7*3+2))
	require.NoError(t, err)
	assert.Equal(t, uint16(3), p.Sequence())
	assert.Equal(t, 2, p.Pending())

	second := newLink(t, tr, 895, 2)
	_, err = p.Write(second, pcmFrames(7))
	require.NoError(t, err)
	require.Len(t, tr.packets, 4)

	pkt := parse(t, tr.packets[3])
	assert.Equal(t, uint16(0), pkt.SequenceNumber)
	assert.Equal(t, uint32(0), pkt.Timestamp)
	assert.Equal(t, byte(7), pkt.Payload[0])
}

func TestPacerDiscard(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	_, err := p.Write(link, pcmFrames(3))
	require.NoError(t, err)
	p.Discard()
	assert.Equal(t, 0, p.Pending())

	_, err = p.Write(link, pcmFrames(7))
	require.NoError(t, err)
	require.Len(t, tr.packets, 1)
	assert.Equal(t, byte(7), parse(t, tr.packets[0]).Payload[0])
}

type failingEncoder struct {
	sbc.Encoder
}

func (failingEncoder) Encode([]byte, []byte) (int, int, error) {
	return 0, 0, errors.New("сбой кодера")
}

func TestPacerEncoderFailure(t *testing.T) {
	tr := &fakeTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)
	link.Encoder = failingEncoder{Encoder: link.Encoder}

	_, err := p.Write(link, pcmFrames(1))
	assert.Error(t, err)
}

func TestPacerOverSocket(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	require.NoError(t, err)
	sock := transport.New(fds[0])
	defer sock.Close()
	defer unix.Close(fds[1])

	p := New(Config{})
	link := newLink(t, sock, 895, 1)

	_, err = p.Write(link, pcmFrames(14))
	require.NoError(t, err)

	buf := make([]byte, 2048)
	for i := 0; i < 2; i++ {
		n, err := unix.Read(fds[1], buf)
		require.NoError(t, err)
		assert.Equal(t, HeaderSize+7*frameLength, n)
		assert.Equal(t, uint16(i), parse(t, buf[:n]).SequenceNumber)
	}
	assert.Equal(t, uint64(2), p.Stats().PacketsSent)
}

// headerTransport запоминает только заголовки отправленных пакетов
type headerTransport struct {
	seqs       []uint16
	timestamps []uint32
	frames     []byte
}

func (h *headerTransport) WaitWritable(time.Duration) error { return nil }

func (h *headerTransport) Send(b []byte) (int, error) {
	var hdr rtp.Header
	n, err := hdr.Unmarshal(b)
	if err != nil {
		return 0, err
	}
	h.seqs = append(h.seqs, hdr.SequenceNumber)
	h.timestamps = append(h.timestamps, hdr.Timestamp)
	h.frames = append(h.frames, b[n]&0x0F)
	return len(b), nil
}

func (h *headerTransport) Close() error { return nil }

func TestPacerSequenceWraps(t *testing.T) {
	tr := &headerTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	const packets = 1<<16 + 3
	for i := 0; i < packets; i++ {
		_, err := p.Write(link, pcmFrames(7))
		require.NoError(t, err)
	}
	require.Len(t, tr.seqs, packets)

	assert.Equal(t, uint16(65535), tr.seqs[65535])
	assert.Equal(t, uint16(0), tr.seqs[65536])
	for i := 1; i < packets; i++ {
		if !assert.Equal(t, tr.seqs[i-1]+1, tr.seqs[i], "seq пакета %d", i) {
			break
		}
		if !assert.Equal(t, tr.timestamps[i-1]+7*samples, tr.timestamps[i], "timestamp пакета %d", i) {
			break
		}
	}
	for i, f := range tr.frames {
		if !assert.Equal(t, byte(7), f, "кадров в пакете %d", i) {
			break
		}
	}
	assert.Equal(t, uint64(packets), p.Stats().PacketsSent)
	assert.Zero(t, p.Stats().PacketsDropped)
	assert.Equal(t, 0, p.Pending())
}

func TestPacerTimestampWraps(t *testing.T) {
	tr := &headerTransport{}
	p := newPacer(newFakeClock())
	link := newLink(t, tr, 895, 1)

	_, err := p.Write(link, pcmFrames(7))
	require.NoError(t, err)

	// та же сессия, счетчики у самой границы
	p.seq = 65534
	p.timestamp = math.MaxUint32 - 7*samples + 1

	_, err = p.Write(link, pcmFrames(7*3))
	require.NoError(t, err)
	require.Len(t, tr.seqs, 4)

	assert.Equal(t, []uint16{0, 65534, 65535, 0}, tr.seqs)
	assert.Equal(t, []uint32{
		0,
		math.MaxUint32 - 7*samples + 1,
		0,
		7 * samples,
	}, tr.timestamps)
	assert.Equal(t, uint16(1), p.Sequence())
	assert.Equal(t, uint32(2*7*samples), p.Timestamp())
}
