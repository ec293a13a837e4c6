// Package session управляет A2DP сессией с приемником.
//
// Сессия работает как актор: одна горутина владеет control каналом,
// медиа транспортом и конечным автоматом. Остальные горутины передают
// команды через почтовый ящик с одним слотом (последняя команда побеждает,
// Quit не перетирается) и ждут уведомлений о смене состояния.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/a2dp_sink/pkg/ipc"
	"github.com/arzzra/a2dp_sink/pkg/metrics"
	"github.com/arzzra/a2dp_sink/pkg/sbc"
	"github.com/arzzra/a2dp_sink/pkg/transport"
)

var (
	// ErrTimeout сессия не перешла в Started за отведенное время
	ErrTimeout = errors.New("session: таймаут запуска потока")
	// ErrClosed сессия закрыта
	ErrClosed = errors.New("session: закрыта")
	// ErrNoEndpoint приемник не объявил SBC endpoint для A2DP
	ErrNoEndpoint = errors.New("session: приемник не поддерживает SBC")
	// ErrSinkNotConnected приемник не подключен
	ErrSinkNotConnected = errors.New("session: приемник не подключен")
)

// MediaTransport медиа транспорт, в который пишет pacer
type MediaTransport interface {
	WaitWritable(timeout time.Duration) error
	Send(b []byte) (int, error)
	Close() error
}

// Link снимок запущенного потока. Действителен, пока сессия в Started.
// Generation меняется при каждом запуске, по ней pacer сбрасывает
// sequence number, timestamp и дедлайн.
type Link struct {
	Transport  MediaTransport
	MTU        int
	Params     sbc.Params
	Encoder    sbc.Encoder
	Generation uint64
}

// Session A2DP сессия с одним приемником
type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	// Состояние публикуется горутиной сессии
	stateMu sync.Mutex
	state   State
	changed chan struct{}

	// Почтовый ящик
	mailMu  sync.Mutex
	pending Command
	quit    bool
	reset   bool
	wake    chan struct{}
	quitCh  chan struct{}
	done    chan struct{}

	link atomic.Pointer[Link]

	// Ниже поля принадлежат горутине сессии
	machine    *fsm.FSM
	control    *ipc.Client
	media      MediaTransport
	params     sbc.Params
	encoder    sbc.Encoder
	mtu        int
	generation uint64
	retryAt    time.Time

	closeOnce sync.Once
}

// New создает сессию и запускает ее горутину.
// Control канал открывается лениво, по первой команде.
func New(cfg Config) (*Session, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.EncoderFactory == nil {
		cfg.EncoderFactory = sbc.NewSilenceEncoder
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "session"), slog.String("sink", cfg.Address))

	s := &Session{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		state:   StateIdle,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		quitCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.machine = newMachine(s.publish)

	if s.cfg.Control.Logger == nil {
		s.cfg.Control.Logger = cfg.Logger
	}
	if s.cfg.Control.Observer == nil && s.metrics != nil {
		s.cfg.Control.Observer = func(op ipc.Opcode, err error) {
			s.metrics.ControlRequest(op.String(), err)
		}
	}

	go s.run()
	return s, nil
}

// Address адрес приемника
func (s *Session) Address() string {
	return s.cfg.Address
}

// State текущее состояние
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Link возвращает снимок запущенного потока или nil
func (s *Session) Link() *Link {
	return s.link.Load()
}

// AwaitStarted добивается состояния Started не дольше timeout.
// Пока сессия не запущена, отправляет следующую нужную команду
// и ждет смены состояния.
func (s *Session) AwaitStarted(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		state, changed := s.snapshot()
		switch state {
		case StateStarted:
			return nil
		case StateIdle, StateInit:
			s.post(CommandConfigure)
		case StateConfigured:
			s.post(CommandStart)
		}

		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w (состояние %s)", ErrTimeout, s.State())
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		}
	}
}

// RequestStop просит остановить поток (Started → Configured)
func (s *Session) RequestStop() {
	s.post(CommandStop)
}

// ReportTransportFailure сообщает, что транспорт сломан.
// Сессия закрывает транспорт и control канал и возвращается в Idle.
func (s *Session) ReportTransportFailure() {
	s.link.Store(nil)
	s.post(commandReset)
}

// Close останавливает поток, закрывает все ресурсы и дожидается горутины сессии
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.post(CommandQuit)
		close(s.quitCh)
	})
	<-s.done
	return nil
}

// Done закрывается после завершения горутины сессии
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) snapshot() (State, <-chan struct{}) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state, s.changed
}

// publish вызывается конечным автоматом после перехода
func (s *Session) publish(from, to State) {
	s.stateMu.Lock()
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	s.stateMu.Unlock()

	s.metrics.Transition(from.String(), to.String())
	s.logger.Debug("переход состояния",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// post кладет команду в почтовый ящик
func (s *Session) post(cmd Command) {
	s.mailMu.Lock()
	switch cmd {
	case CommandQuit:
		s.quit = true
	case commandReset:
		// не вытесняется последующими командами
		s.reset = true
	default:
		s.pending = cmd
	}
	s.mailMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take ждет следующую команду
func (s *Session) take() Command {
	for {
		s.mailMu.Lock()
		if s.quit {
			s.mailMu.Unlock()
			return CommandQuit
		}
		if s.reset {
			s.reset = false
			s.mailMu.Unlock()
			return commandReset
		}
		if s.pending != CommandNone {
			cmd := s.pending
			s.pending = CommandNone
			s.mailMu.Unlock()
			return cmd
		}
		s.mailMu.Unlock()
		<-s.wake
	}
}

func (s *Session) quitPending() bool {
	s.mailMu.Lock()
	defer s.mailMu.Unlock()
	return s.quit
}

// run цикл горутины сессии
func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в горутине сессии", slog.Any("panic", r))
			s.closeAll()
		}
	}()

	for {
		cmd := s.take()
		if cmd == CommandQuit {
			s.shutdown()
			return
		}

		if s.current() == StateIdle && cmd != CommandStop && cmd != commandReset {
			if !s.waitRetry() {
				continue
			}
			if err := s.doInit(); err != nil {
				s.logger.Warn("не удалось открыть control канал", slog.Any("error", err))
				s.retryAt = time.Now().Add(s.cfg.RetryInterval)
				continue
			}
		}

		s.execute(cmd)
	}
}

// waitRetry выдерживает паузу после ошибки. false, если пришел Quit.
func (s *Session) waitRetry() bool {
	delay := time.Until(s.retryAt)
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !s.quitPending()
	case <-s.quitCh:
		return false
	}
}

func (s *Session) current() State {
	return State(s.machine.Current())
}

func (s *Session) execute(cmd Command) {
	state := s.current()
	switch {
	case cmd == CommandConfigure && state == StateInit:
		s.doConfigure()
	case cmd == CommandStart && state == StateConfigured:
		s.doStart()
	case cmd == CommandStop && state == StateStarted:
		s.doStop()
	case cmd == commandReset && state != StateIdle:
		s.fail(errors.New("транспорт разорван"))
	default:
		s.logger.Debug("команда не соответствует состоянию, пропущена",
			slog.String("command", cmd.String()),
			slog.String("state", state.String()))
	}
}

// doInit открывает control канал (Idle → Init)
func (s *Session) doInit() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.controlTimeout())
	defer cancel()

	if s.cfg.SinkChecker != nil {
		connected, err := s.cfg.SinkChecker.SinkConnected(ctx, s.cfg.Address)
		if err != nil {
			return fmt.Errorf("проверка приемника: %w", err)
		}
		if !connected {
			return ErrSinkNotConnected
		}
	}

	client, err := ipc.Dial(ctx, s.cfg.Control)
	if err != nil {
		return err
	}
	s.control = client
	s.fire(eventInit)
	return nil
}

// doConfigure согласует кодек (Init → Configuring → Configured)
func (s *Session) doConfigure() {
	s.fire(eventConfigure)

	caps, err := s.control.GetCapabilities(s.cfg.Address)
	if err != nil {
		s.fail(fmt.Errorf("GET_CAPABILITIES: %w", err))
		return
	}

	record, sbcCaps, err := selectEndpoint(caps)
	if err != nil {
		s.fail(err)
		return
	}

	params, err := sbc.SelectParams(sbcCaps, s.cfg.SampleRate, s.logger)
	if err != nil {
		s.fail(fmt.Errorf("выбор параметров SBC: %w", err))
		return
	}

	if err := s.control.Open(s.cfg.Address, record.SEID); err != nil {
		s.fail(fmt.Errorf("OPEN: %w", err))
		return
	}

	mtu, err := s.control.SetConfiguration(ipc.CodecCapability{
		SEID:       record.SEID,
		Transport:  ipc.TransportA2DP,
		Type:       ipc.CodecSBC,
		Configured: true,
		Lock:       ipc.LockWrite,
		Data:       params.Configuration().Marshal(),
	})
	if err != nil {
		s.fail(fmt.Errorf("SET_CONFIGURATION: %w", err))
		return
	}

	encoder, err := s.cfg.EncoderFactory(params)
	if err != nil {
		s.fail(fmt.Errorf("инициализация кодера: %w", err))
		return
	}

	s.params = params
	s.mtu = int(mtu)
	s.encoder = encoder
	s.logger.Info("кодек согласован",
		slog.String("params", params.String()),
		slog.Int("mtu", s.mtu),
		slog.Int("seid", int(record.SEID)))
	s.fire(eventConfigured)
}

// doStart запускает поток (Configured → Starting → Started)
func (s *Session) doStart() {
	s.fire(eventStart)

	fd, err := s.control.StartStream()
	if err != nil {
		s.fail(fmt.Errorf("START_STREAM: %w", err))
		return
	}

	s.media = transport.New(fd)
	s.generation++
	s.link.Store(&Link{
		Transport:  s.media,
		MTU:        s.mtu,
		Params:     s.params,
		Encoder:    s.encoder,
		Generation: s.generation,
	})
	s.logger.Info("поток запущен", slog.Int("fd", fd), slog.Uint64("generation", s.generation))
	s.fire(eventStarted)
}

// doStop останавливает поток (Started → Stopping → Configured).
// Ошибка STOP_STREAM не мешает завершить переход.
func (s *Session) doStop() {
	s.fire(eventStop)
	s.link.Store(nil)

	if err := s.control.StopStream(); err != nil {
		s.logger.Warn("STOP_STREAM завершился ошибкой", slog.Any("error", err))
	}
	s.closeMedia()
	s.fire(eventStopped)
}

// fail закрывает все ресурсы и возвращает сессию в Idle
func (s *Session) fail(err error) {
	s.logger.Error("ошибка сессии, возврат в Idle",
		slog.String("state", s.current().String()),
		slog.Any("error", err))
	s.closeAll()
	s.retryAt = time.Now().Add(s.cfg.RetryInterval)
	if s.current() != StateIdle {
		s.fire(eventFail)
	}
}

// shutdown обработка Quit
func (s *Session) shutdown() {
	if s.current() == StateStarted && s.control != nil {
		s.link.Store(nil)
		if err := s.control.StopStream(); err != nil {
			s.logger.Debug("STOP_STREAM при закрытии", slog.Any("error", err))
		}
	}
	s.closeAll()
	if s.current() != StateIdle {
		s.fire(eventFail)
	}
	s.logger.Debug("сессия закрыта")
}

func (s *Session) closeMedia() {
	if s.media != nil {
		s.media.Close()
		s.media = nil
	}
}

func (s *Session) closeAll() {
	s.link.Store(nil)
	s.closeMedia()
	if s.encoder != nil {
		s.encoder.Close()
		s.encoder = nil
	}
	if s.control != nil {
		s.control.Close()
		s.control = nil
	}
}

func (s *Session) fire(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Error("недопустимый переход",
			slog.String("event", event),
			slog.String("state", s.machine.Current()),
			slog.Any("error", err))
	}
}

func (s *Session) controlTimeout() time.Duration {
	if s.cfg.Control.RecvTimeout > 0 {
		return s.cfg.Control.RecvTimeout
	}
	return ipc.DefaultRecvTimeout
}

// selectEndpoint выбирает первую SBC запись A2DP транспорта
func selectEndpoint(caps []ipc.CodecCapability) (ipc.CodecCapability, sbc.Capabilities, error) {
	for _, c := range caps {
		if c.Type != ipc.CodecSBC {
			continue
		}
		if c.Transport != ipc.TransportA2DP && c.Transport != ipc.TransportAny {
			continue
		}
		sbcCaps, err := sbc.ParseCapabilities(c.Data)
		if err != nil {
			return ipc.CodecCapability{}, sbc.Capabilities{}, err
		}
		return c, sbcCaps, nil
	}
	return ipc.CodecCapability{}, sbc.Capabilities{}, ErrNoEndpoint
}
