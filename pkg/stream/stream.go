// Package stream реализует выходной PCM поток к A2DP приемнику.
//
// Поток принимает PCM от микшера (Write), складывает его в кольцевой буфер,
// а отдельная горутина writer забирает порции и отдает их pacer'у.
// Сессия с приемником создается лениво при первой записи.
//
// Блокировки: буфер, затем control. Обе берутся только через lockBoth.
// Сессия - актор и не делит блокировок с потоком.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arzzra/a2dp_sink/pkg/metrics"
	"github.com/arzzra/a2dp_sink/pkg/pacer"
	"github.com/arzzra/a2dp_sink/pkg/ringbuf"
	"github.com/arzzra/a2dp_sink/pkg/session"
	"github.com/arzzra/a2dp_sink/pkg/transport"
)

// controller часть сессии, которой пользуется поток
type controller interface {
	AwaitStarted(ctx context.Context, timeout time.Duration) error
	Link() *session.Link
	RequestStop()
	ReportTransportFailure()
	Close() error
}

func newSession(cfg session.Config) (controller, error) {
	s, err := session.New(cfg)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Stats снимок статистики потока
type Stats struct {
	FramesWritten   uint64
	FramesDiscarded uint64
	Pacer           pacer.Stats
}

// Stream выходной поток
type Stream struct {
	cfg      Config
	format   Format
	logger   *slog.Logger
	metrics  *metrics.Collector
	wakeLock WakeLock

	newSession func(session.Config) (controller, error)

	buf *ringbuf.Buffer

	// control блокировка
	mu        sync.Mutex
	cond      *sync.Cond
	standby   bool
	writeBusy bool
	btEnabled bool
	suspended bool
	address   string
	closed    bool
	sess      controller

	// принадлежат горутине writer
	pacer   *pacer.Pacer
	deliver func(pcm []byte) (int, error)
	done    chan struct{}

	framesWritten   uint64 // atomic
	framesDiscarded uint64 // atomic
}

// New создает поток и запускает горутину writer
func New(cfg Config) (*Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(CodeInvalidParameter, "open", "некорректная конфигурация", err)
	}
	s := newStream(cfg, newSession)
	go s.writerLoop()
	return s, nil
}

func newStream(cfg Config, factory func(session.Config) (controller, error)) *Stream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wakeLock := cfg.WakeLock
	if wakeLock == nil {
		wakeLock = noopWakeLock{}
	}
	address, _ := NormalizeAddress(cfg.SinkAddress)

	pacerCfg := cfg.Pacer
	if pacerCfg.Logger == nil {
		pacerCfg.Logger = cfg.Logger
	}
	if pacerCfg.Metrics == nil {
		pacerCfg.Metrics = cfg.Metrics
	}

	s := &Stream{
		cfg:        cfg,
		format:     DefaultFormat,
		logger:     logger.With(slog.String("component", "stream")),
		metrics:    cfg.Metrics,
		wakeLock:   wakeLock,
		newSession: factory,
		buf:        ringbuf.New(cfg.BufferFrames, DefaultFormat.FrameSize()),
		standby:    true,
		btEnabled:  cfg.BluetoothEnabled,
		address:    address,
		pacer:      pacer.New(pacerCfg),
		done:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.deliver = s.transportWrite
	return s
}

// Format фактический формат потока
func (s *Stream) Format() Format {
	return s.format
}

// SinkAddress текущий адрес приемника
func (s *Stream) SinkAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// BluetoothEnabled включен ли вывод
func (s *Stream) BluetoothEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.btEnabled
}

// Suspended приостановлен ли вывод
func (s *Stream) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Write принимает PCM (s16le, стерео) и возвращает количество принятых байт.
// Вызывается одной горутиной микшера.
func (s *Stream) Write(p []byte) (int, error) {
	frameSize := s.format.FrameSize()
	if len(p)%frameSize != 0 {
		s.metrics.WriteError(CodeInvalidParameter.String())
		return 0, newError(CodeInvalidParameter, "write", "размер буфера не кратен кадру", nil)
	}
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	closed := s.closed
	enabled := s.btEnabled && !s.suspended
	s.mu.Unlock()

	if closed {
		return 0, newError(CodeInternal, "write", "поток закрыт", nil)
	}
	if !enabled {
		// Сохраняем темп вызывающего
		time.Sleep(s.format.Duration(len(p) / frameSize))
		s.metrics.WriteError(CodeSinkDisabled.String())
		return 0, newError(CodeSinkDisabled, "write", "", nil)
	}

	if err := s.activate(); err != nil {
		s.fail(err)
		return 0, err
	}

	n, err := s.fill(p)
	if err != nil {
		s.fail(err)
		return n, err
	}
	return n, nil
}

// activate выводит поток из standby: wake lock, сброс буфера, запуск сессии
func (s *Stream) activate() error {
	s.lockBoth()
	if !s.standby {
		s.unlockBoth()
		return nil
	}

	sess, err := s.sessionLocked()
	if err != nil {
		s.unlockBoth()
		return err
	}

	s.wakeLock.Acquire()
	s.buf.Reset()
	s.standby = false
	s.unlockBoth()

	s.logger.Debug("выход из standby")

	if err := sess.AwaitStarted(context.Background(), s.cfg.StartTimeout); err != nil {
		return newError(CodeTimeout, "write", "поток к приемнику не запущен", err)
	}
	return nil
}

// sessionLocked возвращает сессию, создавая ее при необходимости.
// Вызывается под control блокировкой.
func (s *Stream) sessionLocked() (controller, error) {
	if s.sess != nil {
		return s.sess, nil
	}
	if s.address == "" {
		return nil, newError(CodeInvalidParameter, "write", "адрес приемника не задан", nil)
	}

	cfg := s.cfg.Session
	cfg.Address = s.address
	if cfg.Logger == nil {
		cfg.Logger = s.cfg.Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = s.cfg.Metrics
	}

	sess, err := s.newSession(cfg)
	if err != nil {
		return nil, newError(CodeInternal, "write", "создание сессии", err)
	}
	s.sess = sess
	return sess, nil
}

// fill копирует PCM в буфер, ожидая место не дольше WriteTimeout подряд
func (s *Stream) fill(p []byte) (int, error) {
	frameSize := s.format.FrameSize()
	total := len(p) / frameSize
	done := 0
	deadline := time.Now().Add(s.cfg.WriteTimeout)

	s.buf.Lock()
	defer func() {
		s.metrics.BufferFill(s.buf.Filled())
		s.buf.Unlock()
		s.metrics.FramesWritten(done)
		atomic.AddUint64(&s.framesWritten, uint64(done))
	}()

	for done < total {
		s.mu.Lock()
		stopped := s.standby || s.closed
		s.mu.Unlock()
		if stopped {
			return done * frameSize, newError(CodeSinkDisabled, "write", "поток переведен в standby", nil)
		}

		avail := s.buf.Available()
		if avail == 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return done * frameSize, newError(CodeTimeout, "write", "нет места в буфере", nil)
			}
			s.buf.WaitNotFull(remaining)
			continue
		}

		n := total - done
		if n > avail {
			n = avail
		}
		copy(s.buf.WritableSlice(n), p[done*frameSize:(done+n)*frameSize])
		s.buf.AdvanceWrite(n)
		done += n
		deadline = time.Now().Add(s.cfg.WriteTimeout)
	}
	return done * frameSize, nil
}

// fail переводит поток в standby после ошибки записи
func (s *Stream) fail(err error) {
	s.metrics.WriteError(CodeOf(err).String())
	s.logger.Warn("ошибка записи, переход в standby", slog.Any("error", err))
	s.Standby()
}

// Standby останавливает поток к приемнику, не закрывая сессию.
// Ждет завершения текущей записи в транспорт не дольше
// StandbyAttempts * StandbyTimeout, после чего продолжает в любом случае.
func (s *Stream) Standby() error {
	s.lockBoth()
	if s.standby {
		s.unlockBoth()
		return nil
	}
	s.standby = true
	s.buf.Broadcast()
	s.buf.Unlock()

	busy := s.writeBusy
	for attempt := 0; s.writeBusy && attempt < s.cfg.StandbyAttempts; attempt++ {
		ringbuf.WaitTimeout(s.cond, s.cfg.StandbyTimeout)
	}
	stillBusy := s.writeBusy
	sess := s.sess
	s.mu.Unlock()

	if stillBusy {
		s.logger.Warn("запись в транспорт не завершилась, standby продолжается")
	} else if busy {
		s.logger.Debug("запись в транспорт завершена")
	}

	if sess != nil {
		sess.RequestStop()
	}
	s.wakeLock.Release()
	s.metrics.Standby()
	s.logger.Debug("поток в standby")
	return nil
}

// SetBluetoothEnabled включает или выключает вывод. Выключение закрывает сессию.
func (s *Stream) SetBluetoothEnabled(enabled bool) {
	s.mu.Lock()
	s.btEnabled = enabled
	s.mu.Unlock()

	if !enabled {
		s.Standby()
		s.closeSession()
	}
}

// SetSuspended приостанавливает вывод
func (s *Stream) SetSuspended(suspended bool) {
	s.mu.Lock()
	s.suspended = suspended
	s.mu.Unlock()

	if suspended {
		s.Standby()
	}
}

// SetSinkAddress меняет приемник. Сессия со старым приемником закрывается.
func (s *Stream) SetSinkAddress(addr string) error {
	normalized, err := NormalizeAddress(addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.address != normalized
	s.address = normalized
	s.mu.Unlock()

	if changed {
		s.logger.Info("адрес приемника изменен", slog.String("address", normalized))
		s.Standby()
		s.closeSession()
	}
	return nil
}

// SetParameters применяет строку параметров "k=v;k=v"
func (s *Stream) SetParameters(kv string) error {
	params, err := ParseParameters(kv)
	if err != nil {
		return err
	}
	return s.Apply(params)
}

// Apply применяет разобранные параметры
func (s *Stream) Apply(params Parameters) error {
	if params.SinkAddress != nil {
		if err := s.SetSinkAddress(*params.SinkAddress); err != nil {
			return err
		}
	}
	if params.BluetoothEnabled != nil {
		s.SetBluetoothEnabled(*params.BluetoothEnabled)
	}
	if params.Suspended != nil {
		s.SetSuspended(*params.Suspended)
	}
	return nil
}

// Close переводит поток в standby, останавливает writer и закрывает сессию
func (s *Stream) Close() error {
	s.Standby()

	s.lockBoth()
	if s.closed {
		s.unlockBoth()
		return nil
	}
	s.closed = true
	sess := s.sess
	s.sess = nil
	s.unlockBoth()

	s.buf.Kick()
	<-s.done

	if sess != nil {
		sess.Close()
	}
	s.logger.Debug("поток закрыт")
	return nil
}

// Stats возвращает статистику потока
func (s *Stream) Stats() Stats {
	return Stats{
		FramesWritten:   atomic.LoadUint64(&s.framesWritten),
		FramesDiscarded: atomic.LoadUint64(&s.framesDiscarded),
		Pacer:           s.pacer.Stats(),
	}
}

// closeSession отсоединяет и закрывает сессию
func (s *Stream) closeSession() {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// lockBoth захватывает блокировки в порядке буфер, затем control
func (s *Stream) lockBoth() {
	s.buf.Lock()
	s.mu.Lock()
}

func (s *Stream) unlockBoth() {
	s.mu.Unlock()
	s.buf.Unlock()
}

// transportWrite одна запись в транспорт. 0 без ошибки означает,
// что поток к приемнику не запущен.
func (s *Stream) transportWrite(pcm []byte) (int, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return 0, nil
	}

	link := sess.Link()
	if link == nil {
		if err := sess.AwaitStarted(context.Background(), s.cfg.StartTimeout); err != nil {
			s.logger.Debug("поток к приемнику не запущен", slog.Any("error", err))
			return 0, nil
		}
		link = sess.Link()
	}

	n, err := s.pacer.Write(link, pcm)
	if errors.Is(err, transport.ErrBrokenPipe) {
		sess.ReportTransportFailure()
	}
	return n, err
}
