package stream

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Ключи параметров
const (
	KeySinkAddress      = "sink_bluetooth_address"
	KeySinkAddressAlias = "a2dp_sink_address"
	KeyBluetoothEnabled = "bluetooth_enabled"
	KeySuspended        = "a2dp_suspended"
	KeySuspendedAlias   = "A2dpSuspended"
)

// Parameters распознанные параметры. nil поле означает, что ключ не передан.
type Parameters struct {
	SinkAddress      *string
	BluetoothEnabled *bool
	Suspended        *bool
}

// Empty true, если ни один ключ не распознан
func (p Parameters) Empty() bool {
	return p.SinkAddress == nil && p.BluetoothEnabled == nil && p.Suspended == nil
}

// ParseParameters разбирает строку вида "k1=v1;k2=v2".
// Неизвестные ключи игнорируются.
func ParseParameters(kv string) (Parameters, error) {
	var p Parameters
	for _, pair := range strings.Split(kv, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case KeySinkAddress, KeySinkAddressAlias:
			addr, err := NormalizeAddress(value)
			if err != nil {
				return Parameters{}, err
			}
			p.SinkAddress = &addr
		case KeyBluetoothEnabled:
			b, err := parseBool(key, value)
			if err != nil {
				return Parameters{}, err
			}
			p.BluetoothEnabled = &b
		case KeySuspended, KeySuspendedAlias:
			b, err := parseBool(key, value)
			if err != nil {
				return Parameters{}, err
			}
			p.Suspended = &b
		}
	}
	return p, nil
}

// NormalizeAddress проверяет Bluetooth адрес XX:XX:XX:XX:XX:XX и приводит к верхнему регистру
func NormalizeAddress(addr string) (string, error) {
	if len(addr) != 17 || strings.Count(addr, ":") != 5 {
		return "", newError(CodeInvalidParameter, "address", fmt.Sprintf("некорректный адрес %q", addr), nil)
	}
	hw, err := net.ParseMAC(addr)
	if err != nil || len(hw) != 6 {
		return "", newError(CodeInvalidParameter, "address", fmt.Sprintf("некорректный адрес %q", addr), err)
	}
	return strings.ToUpper(addr), nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, newError(CodeInvalidParameter, key, fmt.Sprintf("некорректное значение %q", value), err)
	}
	return b, nil
}
