// Package bluez проверяет состояние Bluetooth устройств через BlueZ на
// системной шине D-Bus.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	deviceIface  = "org.bluez.Device1"
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"

	// DefaultAdapter адаптер по умолчанию
	DefaultAdapter = "hci0"
)

// DeviceObjectPath переводит адрес "AA:BB:CC:DD:EE:FF" в
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func DeviceObjectPath(adapter, addr string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath("/org/bluez/" + adapter + "/dev_" + escaped)
}

// AddressFromPath извлекает адрес из пути объекта устройства.
// Для чужого пути возвращает пустую строку.
func AddressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	if !strings.HasPrefix(s, "/org/bluez/") {
		return ""
	}
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	addr := strings.ReplaceAll(s[idx+len("/dev_"):], "_", ":")
	if len(addr) != 17 {
		return ""
	}
	return addr
}

// getter читает свойство объекта
type getter func(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error)

// Prober опрашивает BlueZ. Реализует session.SinkChecker.
type Prober struct {
	conn    *dbus.Conn
	adapter string
	get     getter
	logger  *slog.Logger
}

// NewProber подключается к системной шине
func NewProber(adapter string, logger *slog.Logger) (*Prober, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("подключение к системной шине: %w", err)
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		conn:    conn,
		adapter: adapter,
		logger:  logger.With(slog.String("component", "bluez")),
	}
	p.get = p.busGet
	return p, nil
}

func (p *Prober) busGet(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := p.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (p *Prober) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := p.get(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("свойство %s не bool", prop)
	}
	return val, nil
}

// AdapterPowered включен ли адаптер
func (p *Prober) AdapterPowered(ctx context.Context) (bool, error) {
	path := dbus.ObjectPath("/org/bluez/" + p.adapter)
	return p.getBool(ctx, path, adapterIface, "Powered")
}

// SinkConnected подключен ли приемник. Неизвестное BlueZ устройство
// считается неподключенным.
func (p *Prober) SinkConnected(ctx context.Context, address string) (bool, error) {
	path := DeviceObjectPath(p.adapter, address)
	connected, err := p.getBool(ctx, path, deviceIface, "Connected")
	if err != nil {
		var dbusErr dbus.Error
		if asDBusError(err, &dbusErr) && unknownObject(dbusErr.Name) {
			p.logger.Debug("устройство неизвестно BlueZ", slog.String("address", address))
			return false, nil
		}
		return false, fmt.Errorf("чтение Connected для %s: %w", address, err)
	}
	return connected, nil
}

// Close закрывает соединение с шиной
func (p *Prober) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

func asDBusError(err error, target *dbus.Error) bool {
	switch e := err.(type) {
	case dbus.Error:
		*target = e
		return true
	case *dbus.Error:
		*target = *e
		return true
	}
	return false
}

// unknownObject BlueZ отвечает на запрос к несуществующему устройству
// одной из этих ошибок
func unknownObject(name string) bool {
	return name == "org.freedesktop.DBus.Error.UnknownObject" ||
		name == "org.freedesktop.DBus.Error.UnknownMethod"
}
