// Package mockservice реализует фейковый аудио сервис для тестов control канала.
//
// Сервер слушает unix сокет, отвечает на запросы заданными возможностями и MTU,
// а на START_STREAM создает socketpair и передает один конец клиенту через
// индикацию NEW_STREAM. Второй конец доступен тесту через Media.
package mockservice

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/arzzra/a2dp_sink/pkg/ipc"
	"github.com/arzzra/a2dp_sink/pkg/sbc"
)

// DefaultMTU MTU, возвращаемый на SET_CONFIGURATION
const DefaultMTU = 895

// Server фейковый сервис
type Server struct {
	ln   *net.UnixListener
	path string

	mu        sync.Mutex
	caps      []ipc.CodecCapability
	mtu       uint16
	failures  map[ipc.Opcode]unix.Errno
	silent    map[ipc.Opcode]bool
	requests  []ipc.Opcode
	media     []*os.File
	conns     []*net.UnixConn
	configs   []ipc.CodecCapability
	opened    []string
	accepting bool

	tempDir string
	wg      sync.WaitGroup
}

// DefaultCapabilities одна SBC запись с полными возможностями
func DefaultCapabilities() []ipc.CodecCapability {
	caps := sbc.Capabilities{
		ChannelModes: sbc.ChannelModeMono | sbc.ChannelModeDualChannel | sbc.ChannelModeStereo | sbc.ChannelModeJointStereo,
		Frequencies:  sbc.Frequency44100 | sbc.Frequency48000,
		Allocations:  sbc.AllocationLoudness | sbc.AllocationSNR,
		Subbands:     sbc.Subbands4 | sbc.Subbands8,
		BlockLengths: sbc.BlockLength4 | sbc.BlockLength8 | sbc.BlockLength12 | sbc.BlockLength16,
		MinBitpool:   2,
		MaxBitpool:   53,
	}
	return []ipc.CodecCapability{{
		SEID:      1,
		Transport: ipc.TransportA2DP,
		Type:      ipc.CodecSBC,
		Data:      caps.Marshal(),
	}}
}

// New запускает сервер на сокете в каталоге dir
func New(dir string) (*Server, error) {
	path := filepath.Join(dir, "audio.sock")
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:        ln,
		path:      path,
		caps:      DefaultCapabilities(),
		mtu:       DefaultMTU,
		failures:  make(map[ipc.Opcode]unix.Errno),
		silent:    make(map[ipc.Opcode]bool),
		accepting: true,
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// NewTemp запускает сервер в собственном временном каталоге.
// Короткий путь нужен из-за ограничения длины пути unix сокета.
func NewTemp() (*Server, error) {
	dir, err := os.MkdirTemp("", "a2dp")
	if err != nil {
		return nil, err
	}
	s, err := New(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	s.tempDir = dir
	return s, nil
}

// Path путь сокета для ipc.Config
func (s *Server) Path() string {
	return s.path
}

// SetCapabilities задает возвращаемые записи возможностей
func (s *Server) SetCapabilities(caps []ipc.CodecCapability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
}

// SetMTU задает MTU
func (s *Server) SetMTU(mtu uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mtu = mtu
}

// Fail заставляет сервер отвечать ERROR на opcode. errno 0 снимает ошибку.
func (s *Server) Fail(op ipc.Opcode, errno unix.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errno == 0 {
		delete(s.failures, op)
		return
	}
	s.failures[op] = errno
}

// Silence заставляет сервер не отвечать на opcode (проверка таймаута)
func (s *Server) Silence(op ipc.Opcode, silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent[op] = silent
}

// Requests возвращает принятые opcode по порядку
func (s *Server) Requests() []ipc.Opcode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ipc.Opcode(nil), s.requests...)
}

// Count количество запросов opcode
func (s *Server) Count(op ipc.Opcode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r == op {
			n++
		}
	}
	return n
}

// Configurations записи, принятые в SET_CONFIGURATION
func (s *Server) Configurations() []ipc.CodecCapability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ipc.CodecCapability(nil), s.configs...)
}

// Opened адреса, переданные в OPEN
func (s *Server) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// Media возвращает сторону сервиса последнего медиа транспорта или nil
func (s *Server) Media() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.media) == 0 {
		return nil
	}
	return s.media[len(s.media)-1]
}

// DropConnections разрывает все control соединения (имитация сброса)
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close останавливает сервер
func (s *Server) Close() error {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()

	err := s.ln.Close()
	s.DropConnections()
	s.wg.Wait()

	s.mu.Lock()
	for _, f := range s.media {
		f.Close()
	}
	s.media = nil
	s.mu.Unlock()

	if s.tempDir != "" {
		os.RemoveAll(s.tempDir)
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}

		s.mu.Lock()
		if !s.accepting {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn *net.UnixConn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		msg, err := ipc.ReadMessage(conn)
		if err != nil {
			return
		}
		if msg.Header.Type != ipc.TypeRequest {
			continue
		}
		if err := s.handle(conn, msg); err != nil {
			return
		}
	}
}

func (s *Server) handle(conn *net.UnixConn, msg *ipc.Message) error {
	op := msg.Header.Opcode

	s.mu.Lock()
	s.requests = append(s.requests, op)
	errno, failing := s.failures[op]
	silent := s.silent[op]
	caps := s.caps
	mtu := s.mtu
	s.mu.Unlock()

	if silent {
		return nil
	}
	if failing {
		return ipc.WriteMessage(conn, ipc.TypeError, op, []byte{byte(errno)})
	}

	switch op {
	case ipc.OpGetCapabilities:
		dst, _, err := ipc.ParseEndpoint(msg.Payload)
		if err != nil {
			return ipc.WriteMessage(conn, ipc.TypeError, op, []byte{byte(unix.EINVAL)})
		}
		return ipc.WriteMessage(conn, ipc.TypeResponse, op, ipc.CapabilitiesResponse(dst, caps))

	case ipc.OpOpen:
		dst, _, _, err := ipc.ParseOpenRequest(msg.Payload)
		if err != nil {
			return ipc.WriteMessage(conn, ipc.TypeError, op, []byte{byte(unix.EINVAL)})
		}
		s.mu.Lock()
		s.opened = append(s.opened, dst)
		s.mu.Unlock()
		return ipc.WriteMessage(conn, ipc.TypeResponse, op, ipc.OpenResponse(dst))

	case ipc.OpSetConfiguration:
		records, err := ipc.ParseCapabilities(msg.Payload)
		if err != nil || len(records) == 0 {
			return ipc.WriteMessage(conn, ipc.TypeError, op, []byte{byte(unix.EINVAL)})
		}
		s.mu.Lock()
		s.configs = append(s.configs, records[0])
		s.mu.Unlock()
		return ipc.WriteMessage(conn, ipc.TypeResponse, op, ipc.ConfigurationResponse(mtu))

	case ipc.OpStartStream:
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
		if err != nil {
			return ipc.WriteMessage(conn, ipc.TypeError, op, []byte{byte(unix.EIO)})
		}
		if err := ipc.WriteMessage(conn, ipc.TypeResponse, op, nil); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return err
		}
		err = ipc.WriteMessage(conn, ipc.TypeIndication, ipc.OpNewStream, nil, fds[0])
		unix.Close(fds[0])
		if err != nil {
			unix.Close(fds[1])
			return err
		}
		// неблокирующий режим позволяет тестам читать с дедлайном
		unix.SetNonblock(fds[1], true)
		s.mu.Lock()
		s.media = append(s.media, os.NewFile(uintptr(fds[1]), "media"))
		s.mu.Unlock()
		return nil

	case ipc.OpStopStream, ipc.OpClose:
		return ipc.WriteMessage(conn, ipc.TypeResponse, op, nil)

	default:
		return errors.New("mockservice: неизвестный opcode")
	}
}
