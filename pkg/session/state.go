package session

import (
	"context"

	"github.com/looplab/fsm"
)

// State состояние A2DP сессии
type State string

const (
	StateIdle        State = "Idle"
	StateInit        State = "Init"
	StateConfiguring State = "Configuring"
	StateConfigured  State = "Configured"
	StateStarting    State = "Starting"
	StateStarted     State = "Started"
	StateStopping    State = "Stopping"
)

func (s State) String() string {
	return string(s)
}

// События конечного автомата
const (
	eventInit       = "init"
	eventConfigure  = "configure"
	eventConfigured = "configured"
	eventStart      = "start"
	eventStarted    = "started"
	eventStop       = "stop"
	eventStopped    = "stopped"
	eventFail       = "fail"
)

// newMachine строит таблицу переходов сессии.
// onEnter вызывается после каждого перехода.
func newMachine(onEnter func(from, to State)) *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			// Control канал открыт
			{Name: eventInit, Src: []string{string(StateIdle)}, Dst: string(StateInit)},
			// Согласование кодека
			{Name: eventConfigure, Src: []string{string(StateInit)}, Dst: string(StateConfiguring)},
			{Name: eventConfigured, Src: []string{string(StateConfiguring)}, Dst: string(StateConfigured)},
			// Запуск потока
			{Name: eventStart, Src: []string{string(StateConfigured)}, Dst: string(StateStarting)},
			{Name: eventStarted, Src: []string{string(StateStarting)}, Dst: string(StateStarted)},
			// Остановка потока, конфигурация сохраняется
			{Name: eventStop, Src: []string{string(StateStarted)}, Dst: string(StateStopping)},
			{Name: eventStopped, Src: []string{string(StateStopping)}, Dst: string(StateConfigured)},
			// Любая ошибка возвращает сессию в Idle
			{Name: eventFail, Src: []string{
				string(StateInit),
				string(StateConfiguring),
				string(StateConfigured),
				string(StateStarting),
				string(StateStarted),
				string(StateStopping),
			}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(State(e.Src), State(e.Dst))
			},
		},
	)
}

// Command команда, которую другие горутины передают сессии
type Command int

const (
	CommandNone Command = iota
	CommandConfigure
	CommandStart
	CommandStop
	CommandQuit
	// commandReset транспорт сломан, сессия закрывается до Idle
	commandReset
)

func (c Command) String() string {
	switch c {
	case CommandNone:
		return "none"
	case CommandConfigure:
		return "configure"
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandQuit:
		return "quit"
	case commandReset:
		return "reset"
	default:
		return "unknown"
	}
}
