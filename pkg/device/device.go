// Package device фасад аудио устройства A2DP: не больше одного открытого
// выходного потока и глобальные параметры (адрес приемника, включение
// Bluetooth, приостановка).
package device

import (
	"log/slog"
	"sync"

	"github.com/arzzra/a2dp_sink/pkg/stream"
)

// Device аудио устройство. Блокировка устройства берется раньше любых
// блокировок потока.
type Device struct {
	mu        sync.Mutex
	cfg       stream.Config
	suspended bool
	active    *stream.Stream
	logger    *slog.Logger
}

// New создает устройство. cfg используется как шаблон для новых потоков.
func New(cfg stream.Config) *Device {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "device")),
	}
}

// OpenOutputStream открывает единственный выходной поток.
// Формат фиксирован: если запрошен другой, возвращается фактический формат
// и ErrInvalidParameter, чтобы вызывающий повторил открытие с ним.
// Нулевые поля запроса означают "по умолчанию".
func (d *Device) OpenOutputStream(req stream.Format) (*stream.Stream, stream.Format, error) {
	actual := stream.DefaultFormat
	if !compatible(req, actual) {
		d.logger.Debug("запрошен неподдерживаемый формат",
			slog.String("requested", req.String()),
			slog.String("actual", actual.String()))
		return nil, actual, stream.ErrInvalidParameter
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active != nil {
		return nil, actual, stream.ErrBusy
	}

	s, err := stream.New(d.cfg)
	if err != nil {
		return nil, actual, err
	}
	if d.suspended {
		s.SetSuspended(true)
	}
	d.active = s
	d.logger.Info("выходной поток открыт", slog.String("format", actual.String()))
	return s, actual, nil
}

// CloseOutputStream закрывает поток и освобождает слот
func (d *Device) CloseOutputStream(s *stream.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s == nil {
		return nil
	}
	if d.active == s {
		d.active = nil
	}
	err := s.Close()
	d.logger.Info("выходной поток закрыт")
	return err
}

// Active открытый поток или nil
func (d *Device) Active() *stream.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// SetParameters применяет строку "k=v;k=v" к устройству и открытому потоку
func (d *Device) SetParameters(kv string) error {
	params, err := stream.ParseParameters(kv)
	if err != nil {
		return err
	}
	if params.Empty() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if params.SinkAddress != nil {
		d.cfg.SinkAddress = *params.SinkAddress
	}
	if params.BluetoothEnabled != nil {
		d.cfg.BluetoothEnabled = *params.BluetoothEnabled
	}
	if params.Suspended != nil {
		d.suspended = *params.Suspended
	}

	if d.active != nil {
		return d.active.Apply(params)
	}
	return nil
}

// SinkAddress текущий адрес приемника
func (d *Device) SinkAddress() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.SinkAddress
}

// Close закрывает открытый поток
func (d *Device) Close() error {
	d.mu.Lock()
	s := d.active
	d.active = nil
	d.mu.Unlock()

	if s != nil {
		return s.Close()
	}
	return nil
}

func compatible(req, actual stream.Format) bool {
	if req.SampleRate != 0 && req.SampleRate != actual.SampleRate {
		return false
	}
	if req.Channels != 0 && req.Channels != actual.Channels {
		return false
	}
	if req.BitsPerSample != 0 && req.BitsPerSample != actual.BitsPerSample {
		return false
	}
	return true
}
