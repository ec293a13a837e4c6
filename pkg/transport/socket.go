// Package transport оборачивает дескриптор медиа транспорта A2DP.
//
// Дескриптор приходит от аудио сервиса (SCM_RIGHTS) и является
// SEQPACKET сокетом: одна отправка = один RTP пакет.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrBrokenPipe приемник отключился, транспорт нужно закрыть
	ErrBrokenPipe = errors.New("transport: broken pipe")
	// ErrPollTimeout сокет не стал доступен для записи за отведенное время
	ErrPollTimeout = errors.New("transport: таймаут ожидания записи")
	// ErrWouldBlock очередь сокета заполнена
	ErrWouldBlock = errors.New("transport: очередь отправки заполнена")
	// ErrClosed транспорт закрыт
	ErrClosed = errors.New("transport: закрыт")
)

// Socket медиа транспорт поверх сырого дескриптора.
// WaitWritable и Send могут вызываться параллельно с Close:
// Close дожидается завершения текущей операции, поэтому дескриптор
// не переиспользуется под ногами у пишущей горутины.
type Socket struct {
	mu     sync.RWMutex
	fd     int
	closed bool
}

// New принимает владение дескриптором
func New(fd int) *Socket {
	return &Socket{fd: fd}
}

// FD возвращает дескриптор (для логов)
func (s *Socket) FD() int {
	return s.fd
}

// WaitWritable ждет готовности сокета к записи не дольше timeout
func (s *Socket) WaitWritable(timeout time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := unix.Poll(fds, int(remaining/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("transport: poll: %w", err)
		}
		if n == 0 {
			return ErrPollTimeout
		}

		revents := fds[0].Revents
		switch {
		case revents&unix.POLLHUP != 0:
			return ErrBrokenPipe
		case revents&(unix.POLLERR|unix.POLLNVAL) != 0:
			return fmt.Errorf("transport: poll revents %#x", revents)
		case revents&unix.POLLOUT != 0:
			return nil
		}
	}
}

// Send выполняет одну неблокирующую отправку
func (s *Socket) Send(b []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	n, err := unix.SendmsgN(s.fd, b, nil, nil, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Close закрывает дескриптор. Повторный вызов безопасен.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func classify(err error) error {
	switch {
	case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ENOTCONN):
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	case errors.Is(err, unix.EAGAIN):
		return ErrWouldBlock
	default:
		return fmt.Errorf("transport: send: %w", err)
	}
}
