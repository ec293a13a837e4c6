package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultSocketPath абстрактный сокет аудио сервиса BlueZ
	DefaultSocketPath = "@/org/bluez/audio"
	// DefaultRecvTimeout таймаут ожидания ответа
	DefaultRecvTimeout = 5 * time.Second
)

// Config конфигурация control канала
type Config struct {
	Path        string
	RecvTimeout time.Duration
	Logger      *slog.Logger

	// Observer вызывается после каждого запроса (метрики)
	Observer func(op Opcode, err error)
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Path:        DefaultSocketPath,
		RecvTimeout: DefaultRecvTimeout,
	}
}

// Client синхронный request/reply клиент control канала.
// В полете всегда не более одного запроса. Любая ошибка ввода-вывода закрывает канал,
// после чего все вызовы возвращают ErrClosed.
type Client struct {
	mu     sync.Mutex
	conn   *net.UnixConn
	closed bool

	timeout  time.Duration
	logger   *slog.Logger
	observer func(Opcode, error)
}

// Dial подключается к сервису
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultSocketPath
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("ipc: подключение к %s: %w", cfg.Path, err)
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("ipc: %s не является unix сокетом", cfg.Path)
	}
	return NewClient(unixConn, cfg), nil
}

// NewClient оборачивает уже установленное соединение
func NewClient(conn *net.UnixConn, cfg Config) *Client {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = DefaultRecvTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:     conn,
		timeout:  cfg.RecvTimeout,
		logger:   logger.With(slog.String("component", "ipc")),
		observer: cfg.Observer,
	}
}

// GetCapabilities запрашивает возможности кодеков приемника
func (c *Client) GetCapabilities(destination string) ([]CodecCapability, error) {
	msg, err := c.roundTrip(OpGetCapabilities, CapabilitiesRequest(destination))
	if err != nil {
		return nil, err
	}
	_, rest, err := ParseEndpoint(msg.Payload)
	if err != nil {
		return nil, err
	}
	caps, err := ParseCapabilities(rest)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("получены возможности приемника",
		slog.String("destination", destination),
		slog.Int("records", len(caps)))
	return caps, nil
}

// Open открывает stream endpoint приемника с блокировкой на запись
func (c *Client) Open(destination string, seid uint8) error {
	_, err := c.roundTrip(OpOpen, OpenRequest(destination, seid, LockWrite))
	return err
}

// SetConfiguration передает выбранную конфигурацию кодека, возвращает MTU канала
func (c *Client) SetConfiguration(codec CodecCapability) (uint16, error) {
	msg, err := c.roundTrip(OpSetConfiguration, codec.Marshal())
	if err != nil {
		return 0, err
	}
	if len(msg.Payload) < 2 {
		return 0, fmt.Errorf("%w: ответ SET_CONFIGURATION без MTU", ErrMalformed)
	}
	return binary.LittleEndian.Uint16(msg.Payload[:2]), nil
}

// StartStream запускает поток и возвращает дескриптор медиа транспорта.
// Владение дескриптором переходит вызывающему.
func (c *Client) StartStream() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rsp, err := c.roundTripLocked(OpStartStream, nil)
	c.observe(OpStartStream, err)
	if err != nil {
		return -1, err
	}
	fds := rsp.FDs

	// Дескриптор приходит отдельной индикацией
	if len(fds) == 0 {
		ind, err := c.recvLocked(OpNewStream)
		if err != nil {
			return -1, err
		}
		if ind.Header.Type != TypeIndication || ind.Header.Opcode != OpNewStream {
			closeFDs(ind.FDs)
			return -1, fmt.Errorf("%w: ожидалась индикация NEW_STREAM, получено %s %s",
				ErrUnexpectedReply, ind.Header.Type, ind.Header.Opcode)
		}
		fds = ind.FDs
	}

	if len(fds) == 0 {
		return -1, ErrNoDescriptor
	}
	closeFDs(fds[1:])
	return fds[0], nil
}

// StopStream останавливает поток
func (c *Client) StopStream() error {
	_, err := c.roundTrip(OpStopStream, nil)
	return err
}

// Close закрывает канал
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// roundTrip отправляет запрос и ждет ответ того же opcode
func (c *Client) roundTrip(op Opcode, payload []byte) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, err := c.roundTripLocked(op, payload)
	c.observe(op, err)
	return msg, err
}

func (c *Client) roundTripLocked(op Opcode, payload []byte) (*Message, error) {
	if c.closed {
		return nil, ErrClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := WriteMessage(c.conn, TypeRequest, op, payload); err != nil {
		c.teardownLocked(op, err)
		return nil, fmt.Errorf("ipc: отправка %s: %w", op, err)
	}

	msg, err := c.recvLocked(op)
	if err != nil {
		return nil, fmt.Errorf("ipc: ожидание ответа %s: %w", op, err)
	}

	switch {
	case msg.Header.Type == TypeError && msg.Header.Opcode == op:
		closeFDs(msg.FDs)
		errno := Error{Opcode: op}
		if len(msg.Payload) > 0 {
			errno.Errno = unix.Errno(msg.Payload[0])
		}
		return nil, &errno
	case msg.Header.Type != TypeResponse || msg.Header.Opcode != op:
		closeFDs(msg.FDs)
		return nil, fmt.Errorf("%w: запрос %s, ответ %s %s",
			ErrUnexpectedReply, op, msg.Header.Type, msg.Header.Opcode)
	}
	return msg, nil
}

// recvLocked читает одно сообщение с таймаутом
func (c *Client) recvLocked(op Opcode) (*Message, error) {
	if c.closed {
		return nil, ErrClosed
	}
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	msg, err := ReadMessage(c.conn)
	if err != nil {
		c.teardownLocked(op, err)
		return nil, err
	}
	return msg, nil
}

// teardownLocked закрывает канал после ошибки ввода-вывода
func (c *Client) teardownLocked(op Opcode, err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()

	level := slog.LevelWarn
	if errors.Is(err, net.ErrClosed) {
		level = slog.LevelDebug
	}
	c.logger.Log(context.Background(), level, "control канал закрыт после ошибки",
		slog.String("opcode", op.String()),
		slog.Any("error", err))
}

func (c *Client) observe(op Opcode, err error) {
	if c.observer != nil {
		c.observer(op, err)
	}
}
