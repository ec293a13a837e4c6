package session_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/arzzra/a2dp_sink/pkg/ipc"
	"github.com/arzzra/a2dp_sink/pkg/ipc/mockservice"
	"github.com/arzzra/a2dp_sink/pkg/metrics"
	"github.com/arzzra/a2dp_sink/pkg/sbc"
	"github.com/arzzra/a2dp_sink/pkg/session"
)

const sinkAddress = "00:11:22:33:44:55"

type fakeChecker struct {
	connected bool
	err       error
}

func (f fakeChecker) SinkConnected(context.Context, string) (bool, error) {
	return f.connected, f.err
}

func newServer(t *testing.T) *mockservice.Server {
	t.Helper()
	srv, err := mockservice.NewTemp()
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newSession(t *testing.T, srv *mockservice.Server, mutate ...func(*session.Config)) *session.Session {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.Address = sinkAddress
	cfg.Control = ipc.Config{Path: srv.Path(), RecvTimeout: time.Second}
	cfg.RetryInterval = 10 * time.Millisecond
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := session.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		2*time.Second, 5*time.Millisecond, "ожидалось состояние %s, текущее %s", want, s.State())
}

// transitions собирает счетчики переходов из реестра
func transitions(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		if mf.GetName() != "a2dp_sink_session_transitions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var from, to string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "from":
					from = l.GetValue()
				case "to":
					to = l.GetValue()
				}
			}
			out[fmt.Sprintf("%s->%s", from, to)] = m.GetCounter().GetValue()
		}
	}
	return out
}

func TestSessionBringUp(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	assert.Equal(t, session.StateIdle, s.State())
	assert.Nil(t, s.Link())

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	assert.Equal(t, session.StateStarted, s.State())

	link := s.Link()
	require.NotNil(t, link)
	assert.Equal(t, mockservice.DefaultMTU, link.MTU)
	assert.Equal(t, uint64(1), link.Generation)
	assert.Equal(t, sbc.ChannelModeJointStereo, link.Params.ChannelMode)
	assert.Equal(t, sbc.Frequency44100, link.Params.Frequency)
	assert.Equal(t, uint8(53), link.Params.Bitpool)
	require.NotNil(t, link.Encoder)
	assert.Equal(t, 119, link.Encoder.FrameLength())

	assert.Equal(t, []ipc.Opcode{
		ipc.OpGetCapabilities, ipc.OpOpen, ipc.OpSetConfiguration, ipc.OpStartStream,
	}, srv.Requests())
	assert.Equal(t, []string{sinkAddress}, srv.Opened())

	configs := srv.Configurations()
	require.Len(t, configs, 1)
	assert.True(t, configs[0].Configured)
	assert.Equal(t, ipc.LockWrite, configs[0].Lock)

	chosen, err := sbc.ParseCapabilities(configs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, sbc.ChannelModeJointStereo, chosen.ChannelModes)
	assert.Equal(t, sbc.Frequency44100, chosen.Frequencies)
}

func TestSessionStartedOnlyThroughConfigured(t *testing.T) {
	srv := newServer(t)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, metrics.DefaultConfig())
	s := newSession(t, srv, func(c *session.Config) { c.Metrics = collector })

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))

	got := transitions(t, reg)
	assert.Equal(t, map[string]float64{
		"Idle->Init":              1,
		"Init->Configuring":       1,
		"Configuring->Configured": 1,
		"Configured->Starting":    1,
		"Starting->Started":       1,
	}, got)
}

func TestSessionStopKeepsConfiguration(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	media := srv.Media()
	require.NotNil(t, media)

	s.RequestStop()
	waitState(t, s, session.StateConfigured)
	assert.Nil(t, s.Link())
	assert.Equal(t, 1, srv.Count(ipc.OpStopStream))

	// Повторный запуск не согласует кодек заново
	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	link := s.Link()
	require.NotNil(t, link)
	assert.Equal(t, uint64(2), link.Generation)
	assert.Equal(t, 1, srv.Count(ipc.OpGetCapabilities))
	assert.Equal(t, 2, srv.Count(ipc.OpStartStream))
}

func TestSessionStopInConfiguredIsDropped(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	s.RequestStop()
	waitState(t, s, session.StateConfigured)

	s.RequestStop()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, session.StateConfigured, s.State())
	assert.Equal(t, 1, srv.Count(ipc.OpStopStream))
}

func TestSessionStopInIdleDoesNotOpenChannel(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	s.RequestStop()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, session.StateIdle, s.State())
	assert.Empty(t, srv.Requests())
}

func TestSessionStopFailureStillConfigured(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	srv.Fail(ipc.OpStopStream, unix.EIO)

	s.RequestStop()
	waitState(t, s, session.StateConfigured)
	assert.Nil(t, s.Link())
}

func TestSessionFailuresReturnToIdle(t *testing.T) {
	tests := []struct {
		name  string
		setup func(srv *mockservice.Server)
	}{
		{
			name:  "GET_CAPABILITIES отклонен",
			setup: func(srv *mockservice.Server) { srv.Fail(ipc.OpGetCapabilities, unix.EIO) },
		},
		{
			name:  "OPEN занят",
			setup: func(srv *mockservice.Server) { srv.Fail(ipc.OpOpen, unix.EBUSY) },
		},
		{
			name:  "SET_CONFIGURATION отклонен",
			setup: func(srv *mockservice.Server) { srv.Fail(ipc.OpSetConfiguration, unix.EINVAL) },
		},
		{
			name:  "START_STREAM отклонен",
			setup: func(srv *mockservice.Server) { srv.Fail(ipc.OpStartStream, unix.EIO) },
		},
		{
			name: "нет SBC endpoint",
			setup: func(srv *mockservice.Server) {
				srv.SetCapabilities([]ipc.CodecCapability{{SEID: 2, Transport: ipc.TransportA2DP, Type: ipc.CodecMPEG12}})
			},
		},
		{
			name: "некорректные возможности SBC",
			setup: func(srv *mockservice.Server) {
				srv.SetCapabilities([]ipc.CodecCapability{{SEID: 1, Transport: ipc.TransportA2DP, Type: ipc.CodecSBC, Data: []byte{1}}})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t)
			tt.setup(srv)
			s := newSession(t, srv)

			err := s.AwaitStarted(context.Background(), 300*time.Millisecond)
			assert.ErrorIs(t, err, session.ErrTimeout)
			waitState(t, s, session.StateIdle)
			assert.Nil(t, s.Link())
		})
	}
}

func TestSessionRecoversAfterFailure(t *testing.T) {
	srv := newServer(t)
	srv.Fail(ipc.OpOpen, unix.EBUSY)
	s := newSession(t, srv)

	err := s.AwaitStarted(context.Background(), 200*time.Millisecond)
	require.ErrorIs(t, err, session.ErrTimeout)

	srv.Fail(ipc.OpOpen, 0)
	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	assert.Equal(t, session.StateStarted, s.State())
}

func TestSessionStartTimeout(t *testing.T) {
	srv := newServer(t)
	srv.Silence(ipc.OpStartStream, true)
	s := newSession(t, srv)

	start := time.Now()
	err := s.AwaitStarted(context.Background(), 300*time.Millisecond)
	assert.ErrorIs(t, err, session.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// Таймаут control канала возвращает сессию в Idle
	waitState(t, s, session.StateIdle)
}

func TestSessionTransportFailureResets(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))

	s.ReportTransportFailure()
	assert.Nil(t, s.Link())
	waitState(t, s, session.StateIdle)

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	link := s.Link()
	require.NotNil(t, link)
	assert.Equal(t, uint64(2), link.Generation)
	assert.Equal(t, 2, srv.Count(ipc.OpGetCapabilities))
}

func TestSessionTransportFailureNotOverriddenByStop(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))

	// standby сразу после обрыва связи с приемником
	s.ReportTransportFailure()
	s.RequestStop()

	waitState(t, s, session.StateIdle)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, session.StateIdle, s.State())
	assert.Nil(t, s.Link())

	// следующий запуск проходит полное согласование
	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	assert.Equal(t, 2, srv.Count(ipc.OpGetCapabilities))
}

func TestSessionSinkChecker(t *testing.T) {
	t.Run("приемник не подключен", func(t *testing.T) {
		srv := newServer(t)
		s := newSession(t, srv, func(c *session.Config) { c.SinkChecker = fakeChecker{connected: false} })

		err := s.AwaitStarted(context.Background(), 200*time.Millisecond)
		assert.ErrorIs(t, err, session.ErrTimeout)
		assert.Equal(t, session.StateIdle, s.State())
		assert.Empty(t, srv.Requests())
	})

	t.Run("ошибка проверки", func(t *testing.T) {
		srv := newServer(t)
		s := newSession(t, srv, func(c *session.Config) { c.SinkChecker = fakeChecker{err: errors.New("dbus недоступен")} })

		err := s.AwaitStarted(context.Background(), 200*time.Millisecond)
		assert.ErrorIs(t, err, session.ErrTimeout)
		assert.Empty(t, srv.Requests())
	})

	t.Run("приемник подключен", func(t *testing.T) {
		srv := newServer(t)
		s := newSession(t, srv, func(c *session.Config) { c.SinkChecker = fakeChecker{connected: true} })
		require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	})
}

func TestSessionClose(t *testing.T) {
	srv := newServer(t)
	s := newSession(t, srv)

	require.NoError(t, s.AwaitStarted(context.Background(), 2*time.Second))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, session.StateIdle, s.State())
	assert.Nil(t, s.Link())
	assert.Equal(t, 1, srv.Count(ipc.OpStopStream))
	assert.ErrorIs(t, s.AwaitStarted(context.Background(), time.Second), session.ErrClosed)
}

func TestSessionAwaitStartedContext(t *testing.T) {
	srv := newServer(t)
	srv.Silence(ipc.OpGetCapabilities, true)
	s := newSession(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.AwaitStarted(ctx, 5*time.Second), context.DeadlineExceeded)
}

func TestSessionConfigValidate(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.Address = "не адрес"
	_, err := session.New(cfg)
	assert.Error(t, err)

	cfg.Address = sinkAddress
	cfg.SampleRate = 22050
	_, err = session.New(cfg)
	assert.Error(t, err)
}
