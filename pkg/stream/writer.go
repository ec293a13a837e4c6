package stream

import (
	"log/slog"
	"sync/atomic"

	"github.com/arzzra/a2dp_sink/pkg/metrics"
)

// writerLoop горутина writer: единственный читатель кольцевого буфера
// и единственный пользователь pacer. Завершается только при Close.
func (s *Stream) writerLoop() {
	defer close(s.done)

	s.buf.Lock()
	locked := true
	defer func() {
		if locked {
			s.buf.Unlock()
		}
		if r := recover(); r != nil {
			s.logger.Error("паника в горутине writer", slog.Any("panic", r))
		}
	}()

	retries := 0
	for {
		s.mu.Lock()
		closed, standby := s.closed, s.standby
		s.mu.Unlock()
		if closed {
			return
		}

		filled := s.buf.Filled()
		if standby {
			// точка отмены: все, что накоплено до standby, отбрасывается
			if filled > 0 {
				s.discardLocked(filled, metrics.DiscardStandby)
			}
			if s.pacer.Pending() > 0 {
				s.pacer.Discard()
			}
			retries = 0
			s.buf.WaitNotEmpty()
			continue
		}

		if filled < s.cfg.QuantumFrames {
			s.buf.WaitNotEmpty()
			continue
		}

		n := s.chunkLocked()

		s.mu.Lock()
		s.writeBusy = true
		s.mu.Unlock()

		epoch := s.buf.Epoch()
		chunk := s.buf.ReadableSlice(n)
		s.buf.Unlock()
		locked = false

		consumed, err := s.deliver(chunk)

		s.buf.Lock()
		locked = true
		s.mu.Lock()
		s.writeBusy = false
		s.cond.Broadcast()
		s.mu.Unlock()

		if s.buf.Epoch() != epoch {
			// буфер сброшен во время записи, прочитанное уже недействительно
			s.pacer.Discard()
			retries = 0
			continue
		}

		frameSize := s.buf.FrameSize()
		switch {
		case err != nil:
			s.logger.Debug("ошибка записи в транспорт, порция отброшена",
				slog.Int("frames", n),
				slog.Any("error", err))
			s.discardLocked(n, metrics.DiscardTransportError)
			retries = 0

		case consumed == 0:
			retries++
			if retries >= s.cfg.MaxWriteRetries {
				s.logger.Warn("транспорт не принимает данные, порция отброшена",
					slog.Int("frames", n),
					slog.Int("attempts", retries))
				s.discardLocked(n, metrics.DiscardRetryExhausted)
				retries = 0
			}

		default:
			frames := consumed / frameSize
			if frames > n {
				frames = n
			}
			s.buf.AdvanceRead(frames)
			retries = 0
		}
		s.metrics.BufferFill(s.buf.Filled())
	}
}

// chunkLocked размер следующей порции: не больше ChunkFrames и кратно
// QuantumFrames. Хвост перед концом буфера отдается как есть, он всегда
// кратен размеру SBC кадра.
func (s *Stream) chunkLocked() int {
	n := s.buf.Ready()
	if n > s.cfg.ChunkFrames {
		n = s.cfg.ChunkFrames
	}
	if n >= s.cfg.QuantumFrames {
		n -= n % s.cfg.QuantumFrames
	}
	return n
}

// discardLocked отбрасывает n готовых кадров (с учетом оборота буфера)
func (s *Stream) discardLocked(n int, reason string) {
	left := n
	for left > 0 {
		step := s.buf.Ready()
		if step == 0 {
			break
		}
		if step > left {
			step = left
		}
		s.buf.AdvanceRead(step)
		left -= step
	}
	dropped := n - left
	atomic.AddUint64(&s.framesDiscarded, uint64(dropped))
	s.metrics.FramesDiscarded(reason, dropped)
}
