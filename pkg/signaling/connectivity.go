package signaling

import "log/slog"

// ConnectivityState - тип текущего сетевого подключения
type ConnectivityState int

const (
	ConnectivityNone ConnectivityState = iota
	ConnectivityWiFi
	ConnectivityCellular
)

func (c ConnectivityState) String() string {
	switch c {
	case ConnectivityWiFi:
		return "wifi"
	case ConnectivityCellular:
		return "cellular"
	default:
		return "none"
	}
}

// ConnectivityTransition - классифицированный переход между типами подключения
type ConnectivityTransition int

const (
	// TransitionNone - перехода не было (повтор того же состояния)
	TransitionNone ConnectivityTransition = iota
	// TransitionLost - подключение потеряно
	TransitionLost
	// TransitionAvailable - подключение появилось после отсутствия
	TransitionAvailable
	// TransitionSwitched - переключение wifi<->cellular
	TransitionSwitched
)

// ConnectivityMonitor классифицирует сигналы ОС о смене подключения и
// передает их ядру. Повторы одного и того же состояния подавляются:
// наружу уходят только реальные переходы.
//
// Update обязан вызываться на воркере ядра (ядро оборачивает внешние
// сигналы в задачи воркера), поэтому дополнительных блокировок нет.
type connectivityMonitor struct {
	current ConnectivityState
	log     *slog.Logger
}

func newConnectivityMonitor(log *slog.Logger) *connectivityMonitor {
	return &connectivityMonitor{current: ConnectivityNone, log: log}
}

// State возвращает текущее состояние подключения
func (m *connectivityMonitor) State() ConnectivityState {
	return m.current
}

// Update применяет новое состояние и возвращает классифицированный переход.
// Переход TransitionNone означает подавленный повтор.
func (m *connectivityMonitor) Update(next ConnectivityState) ConnectivityTransition {
	prev := m.current
	if next == prev {
		return TransitionNone
	}
	m.current = next

	var tr ConnectivityTransition
	switch {
	case next == ConnectivityNone:
		tr = TransitionLost
	case prev == ConnectivityNone:
		tr = TransitionAvailable
	default:
		tr = TransitionSwitched
	}

	m.log.Debug("connectivity transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))

	return tr
}
