// Package ipc реализует control канал к внешнему аудио/Bluetooth сервису.
//
// Протокол: бинарные сообщения фиксированного формата поверх потокового
// unix сокета. Каждое сообщение начинается заголовком
//
//	type   uint8  - REQUEST, RESPONSE, INDICATION, ERROR
//	opcode uint8  - GET_CAPABILITIES, OPEN, SET_CONFIGURATION, ...
//	length uint16 - полная длина сообщения включая заголовок (little-endian)
//
// Дескриптор медиа транспорта передается отдельной индикацией NEW_STREAM
// через SCM_RIGHTS.
package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// MessageType тип сообщения
type MessageType uint8

const (
	TypeRequest MessageType = iota
	TypeResponse
	TypeIndication
	TypeError
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypeIndication:
		return "INDICATION"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Opcode код операции
type Opcode uint8

const (
	OpGetCapabilities Opcode = iota
	OpOpen
	OpSetConfiguration
	OpNewStream
	OpStartStream
	OpStopStream
	OpClose
)

func (o Opcode) String() string {
	switch o {
	case OpGetCapabilities:
		return "GET_CAPABILITIES"
	case OpOpen:
		return "OPEN"
	case OpSetConfiguration:
		return "SET_CONFIGURATION"
	case OpNewStream:
		return "NEW_STREAM"
	case OpStartStream:
		return "START_STREAM"
	case OpStopStream:
		return "STOP_STREAM"
	case OpClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("OPCODE(%d)", uint8(o))
	}
}

const (
	// HeaderSize размер заголовка сообщения
	HeaderSize = 4
	// MaxMessageSize максимальный размер сообщения
	MaxMessageSize = 512

	addressSize = 18
	objectSize  = 128
	// endpointSize source + destination + object
	endpointSize = 2*addressSize + objectSize

	// capabilityHeaderSize заголовок записи возможностей кодека
	capabilityHeaderSize = 6

	// oobSize достаточно для одного SCM_RIGHTS с несколькими дескрипторами
	oobSize = 64
)

// Транспорт записи возможностей
const (
	TransportA2DP uint8 = 0
	TransportSCO  uint8 = 1
	TransportAny  uint8 = 2
)

// Тип кодека в записи возможностей
const (
	CodecSBC    uint8 = 0x00
	CodecMPEG12 uint8 = 0x01
)

// Флаги и блокировки
const (
	FlagAutoconnect uint8 = 1

	LockRead  uint8 = 1 << 0
	LockWrite uint8 = 1 << 1
)

var (
	ErrMalformed       = errors.New("ipc: некорректное сообщение")
	ErrUnexpectedReply = errors.New("ipc: неожиданный ответ")
	ErrClosed          = errors.New("ipc: control канал закрыт")
	ErrNoDescriptor    = errors.New("ipc: индикация NEW_STREAM без дескриптора")
)

// Header заголовок сообщения
type Header struct {
	Type   MessageType
	Opcode Opcode
	Length uint16
}

// Message полное сообщение с полезной нагрузкой и принятыми дескрипторами
type Message struct {
	Header  Header
	Payload []byte
	FDs     []int
}

// Error ответ ERROR от сервиса с POSIX кодом
type Error struct {
	Opcode Opcode
	Errno  unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("ipc: %s отклонен сервисом: %v", e.Opcode, e.Errno)
}

// Unwrap позволяет errors.Is(err, unix.EBUSY)
func (e *Error) Unwrap() error {
	return e.Errno
}

// CodecCapability самоописываемая запись возможностей кодека
type CodecCapability struct {
	SEID       uint8
	Transport  uint8
	Type       uint8
	Configured bool
	Lock       uint8
	Data       []byte
}

// Marshal сериализует запись, длина вычисляется автоматически
func (c CodecCapability) Marshal() []byte {
	out := make([]byte, capabilityHeaderSize+len(c.Data))
	out[0] = c.SEID
	out[1] = c.Transport
	out[2] = c.Type
	out[3] = byte(len(out))
	if c.Configured {
		out[4] = 1
	}
	out[5] = c.Lock
	copy(out[capabilityHeaderSize:], c.Data)
	return out
}

// ParseCapabilities разбирает последовательность записей возможностей
func ParseCapabilities(data []byte) ([]CodecCapability, error) {
	var caps []CodecCapability
	for len(data) > 0 {
		if len(data) < capabilityHeaderSize {
			return nil, fmt.Errorf("%w: обрезанная запись возможностей (%d байт)", ErrMalformed, len(data))
		}
		length := int(data[3])
		if length < capabilityHeaderSize || length > len(data) {
			return nil, fmt.Errorf("%w: длина записи возможностей %d", ErrMalformed, length)
		}
		caps = append(caps, CodecCapability{
			SEID:       data[0],
			Transport:  data[1],
			Type:       data[2],
			Configured: data[4] != 0,
			Lock:       data[5],
			Data:       append([]byte(nil), data[capabilityHeaderSize:length]...),
		})
		data = data[length:]
	}
	return caps, nil
}

// MarshalCapabilities сериализует список записей возможностей
func MarshalCapabilities(caps []CodecCapability) []byte {
	var buf bytes.Buffer
	for _, c := range caps {
		buf.Write(c.Marshal())
	}
	return buf.Bytes()
}

// putString записывает NUL-дополненную строку фиксированной длины
func putString(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// getString читает NUL-дополненную строку
func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return string(src[:i])
	}
	return string(src)
}

// endpoint source + destination + object
func endpoint(destination string) []byte {
	out := make([]byte, endpointSize)
	putString(out[addressSize:2*addressSize], destination)
	return out
}

// ParseEndpoint извлекает адрес назначения и остаток полезной нагрузки
func ParseEndpoint(payload []byte) (destination string, rest []byte, err error) {
	if len(payload) < endpointSize {
		return "", nil, fmt.Errorf("%w: полезная нагрузка %d байт", ErrMalformed, len(payload))
	}
	return getString(payload[addressSize : 2*addressSize]), payload[endpointSize:], nil
}

// CapabilitiesRequest полезная нагрузка GET_CAPABILITIES
func CapabilitiesRequest(destination string) []byte {
	return append(endpoint(destination), TransportA2DP, FlagAutoconnect)
}

// CapabilitiesResponse полезная нагрузка ответа GET_CAPABILITIES
func CapabilitiesResponse(destination string, caps []CodecCapability) []byte {
	return append(endpoint(destination), MarshalCapabilities(caps)...)
}

// OpenRequest полезная нагрузка OPEN
func OpenRequest(destination string, seid, lock uint8) []byte {
	return append(endpoint(destination), seid, lock)
}

// ParseOpenRequest разбирает OPEN на стороне сервиса
func ParseOpenRequest(payload []byte) (destination string, seid, lock uint8, err error) {
	destination, rest, err := ParseEndpoint(payload)
	if err != nil {
		return "", 0, 0, err
	}
	if len(rest) < 2 {
		return "", 0, 0, fmt.Errorf("%w: OPEN без seid", ErrMalformed)
	}
	return destination, rest[0], rest[1], nil
}

// OpenResponse полезная нагрузка ответа OPEN
func OpenResponse(destination string) []byte {
	return endpoint(destination)
}

// ConfigurationResponse полезная нагрузка ответа SET_CONFIGURATION
func ConfigurationResponse(mtu uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, mtu)
	return out
}

// marshalMessage собирает сообщение из заголовка и полезной нагрузки
func marshalMessage(typ MessageType, op Opcode, payload []byte) ([]byte, error) {
	length := HeaderSize + len(payload)
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: размер %d превышает %d", ErrMalformed, length, MaxMessageSize)
	}
	out := make([]byte, length)
	out[0] = byte(typ)
	out[1] = byte(op)
	binary.LittleEndian.PutUint16(out[2:4], uint16(length))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// WriteMessage отправляет сообщение. fds передаются через SCM_RIGHTS.
func WriteMessage(conn *net.UnixConn, typ MessageType, op Opcode, payload []byte, fds ...int) error {
	data, err := marshalMessage(typ, op, payload)
	if err != nil {
		return err
	}

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, _, err := conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadMessage читает одно сообщение вместе с переданными дескрипторами
func ReadMessage(conn *net.UnixConn) (*Message, error) {
	hdr := make([]byte, HeaderSize)
	oob := make([]byte, oobSize)
	var fds []int

	read := 0
	for read < HeaderSize {
		n, oobn, _, _, err := conn.ReadMsgUnix(hdr[read:], oob)
		if oobn > 0 {
			received, perr := parseRights(oob[:oobn])
			fds = append(fds, received...)
			if perr != nil {
				closeFDs(fds)
				return nil, perr
			}
		}
		if err != nil {
			closeFDs(fds)
			return nil, err
		}
		if n == 0 {
			closeFDs(fds)
			return nil, io.EOF
		}
		read += n
	}

	msg := &Message{
		Header: Header{
			Type:   MessageType(hdr[0]),
			Opcode: Opcode(hdr[1]),
			Length: binary.LittleEndian.Uint16(hdr[2:4]),
		},
		FDs: fds,
	}
	if msg.Header.Length < HeaderSize || msg.Header.Length > MaxMessageSize {
		closeFDs(fds)
		return nil, fmt.Errorf("%w: длина %d", ErrMalformed, msg.Header.Length)
	}

	msg.Payload = make([]byte, int(msg.Header.Length)-HeaderSize)
	if _, err := io.ReadFull(conn, msg.Payload); err != nil {
		closeFDs(fds)
		return nil, err
	}
	return msg, nil
}

// parseRights извлекает дескрипторы из ancillary данных
func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("ipc: разбор ancillary данных: %w", err)
	}
	var fds []int
	for i := range msgs {
		received, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, received...)
	}
	return fds, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
