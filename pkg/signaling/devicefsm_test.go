package signaling

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrationFsm(t *testing.T) {
	signalingOK := FsmContext{Connectivity: ConnectivityWiFi, Status: StatusSuccess, Text: "Success"}
	signalingErr := FsmContext{Connectivity: ConnectivityWiFi, Status: ErrAuthenticationForbidden, Text: "forbidden"}
	pushOK := FsmContext{Connectivity: ConnectivityWiFi, Status: StatusSuccess, Text: "push ok"}
	pushErr := FsmContext{Connectivity: ConnectivityWiFi, Status: ErrCouldNotConnect, Text: "push gateway down"}

	tests := []struct {
		name   string
		first  func(r *registrationFsm)
		second func(r *registrationFsm)
		want   FsmContext
	}{
		{
			name:   "сигнальная половина первой, обе успешны",
			first:  func(r *registrationFsm) { r.SignalingDone(signalingOK) },
			second: func(r *registrationFsm) { r.PushDone(pushOK) },
			want:   FsmContext{Connectivity: ConnectivityWiFi, Status: StatusSuccess, Text: "push ok"},
		},
		{
			name:   "push половина первой, обе успешны",
			first:  func(r *registrationFsm) { r.PushDone(pushOK) },
			second: func(r *registrationFsm) { r.SignalingDone(signalingOK) },
			want:   FsmContext{Connectivity: ConnectivityWiFi, Status: StatusSuccess, Text: "push ok"},
		},
		{
			name:   "сигнальная ошибка побеждает push успех",
			first:  func(r *registrationFsm) { r.SignalingDone(signalingErr) },
			second: func(r *registrationFsm) { r.PushDone(pushOK) },
			want:   signalingErr,
		},
		{
			name:   "сигнальная ошибка побеждает и при push-first порядке",
			first:  func(r *registrationFsm) { r.PushDone(pushErr) },
			second: func(r *registrationFsm) { r.SignalingDone(signalingErr) },
			want:   signalingErr,
		},
		{
			name:   "push ошибка видна только при сигнальном успехе",
			first:  func(r *registrationFsm) { r.SignalingDone(signalingOK) },
			second: func(r *registrationFsm) { r.PushDone(pushErr) },
			want:   FsmContext{Connectivity: ConnectivityWiFi, Status: ErrCouldNotConnect, Text: "push gateway down"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var emitted []FsmContext
			r := newRegistrationFsm(func(c FsmContext) { emitted = append(emitted, c) }, slog.Default())

			tt.first(r)
			assert.Empty(t, emitted, "комбинированный итог до второй половины")

			tt.second(r)
			require.Len(t, emitted, 1)
			assert.Equal(t, tt.want, emitted[0])

			// После эмиссии автомат сброшен и готов к следующему циклу
			assert.Equal(t, fsmInitial, r.state())
		})
	}

	t.Run("автомат переиспользуется для следующего цикла", func(t *testing.T) {
		var emitted []FsmContext
		r := newRegistrationFsm(func(c FsmContext) { emitted = append(emitted, c) }, slog.Default())

		r.SignalingDone(signalingOK)
		r.PushDone(pushOK)
		require.Len(t, emitted, 1)

		r.PushDone(pushOK)
		r.SignalingDone(signalingErr)
		require.Len(t, emitted, 2)
		assert.Equal(t, signalingErr, emitted[1])
	})

	t.Run("повторный исход одной половины игнорируется", func(t *testing.T) {
		var emitted []FsmContext
		r := newRegistrationFsm(func(c FsmContext) { emitted = append(emitted, c) }, slog.Default())

		r.SignalingDone(signalingOK)
		r.SignalingDone(signalingErr)
		assert.Empty(t, emitted)
		assert.Equal(t, fsmSignalingReady, r.state())
	})
}

func TestConnectivityMonitor(t *testing.T) {
	tests := []struct {
		name string
		from ConnectivityState
		to   ConnectivityState
		want ConnectivityTransition
	}{
		{"появление wifi", ConnectivityNone, ConnectivityWiFi, TransitionAvailable},
		{"появление cellular", ConnectivityNone, ConnectivityCellular, TransitionAvailable},
		{"потеря сети", ConnectivityWiFi, ConnectivityNone, TransitionLost},
		{"wifi на cellular", ConnectivityWiFi, ConnectivityCellular, TransitionSwitched},
		{"cellular на wifi", ConnectivityCellular, ConnectivityWiFi, TransitionSwitched},
		{"повтор подавляется", ConnectivityWiFi, ConnectivityWiFi, TransitionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newConnectivityMonitor(slog.Default())
			m.current = tt.from

			got := m.Update(tt.to)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.to, m.State())
		})
	}

	t.Run("повтор не меняет состояние", func(t *testing.T) {
		m := newConnectivityMonitor(slog.Default())
		require.Equal(t, TransitionAvailable, m.Update(ConnectivityWiFi))
		require.Equal(t, TransitionNone, m.Update(ConnectivityWiFi))
		assert.Equal(t, ConnectivityWiFi, m.State())
	})
}

func TestCallMachineTransitions(t *testing.T) {
	t.Run("исходящий вызов до подтверждения", func(t *testing.T) {
		m := newCallMachine(false)
		require.Equal(t, CallIdle, m.state())
		require.NoError(t, m.transition(CallInviting))
		require.NoError(t, m.transition(CallRinging))
		require.NoError(t, m.transition(CallConfirmed))
		require.NoError(t, m.transition(CallDisconnecting))
		require.NoError(t, m.transition(CallTerminated))
	})

	t.Run("терминальное состояние гасит повторные события", func(t *testing.T) {
		m := newCallMachine(false)
		require.NoError(t, m.transition(CallInviting))
		require.NoError(t, m.transition(CallCancelling))
		require.NoError(t, m.transition(CallTerminated))

		// Повторная доставка 487 дает невалидный переход, не панику
		assert.Error(t, m.transition(CallTerminated))
		assert.Equal(t, CallTerminated, m.state())
	})

	t.Run("невалидный переход отклоняется", func(t *testing.T) {
		m := newCallMachine(true)
		assert.Error(t, m.transition(CallConfirmed))
		assert.Equal(t, CallIdle, m.state())
	})

	t.Run("fail работает из любого активного состояния", func(t *testing.T) {
		m := newCallMachine(false)
		require.NoError(t, m.transition(CallInviting))
		m.fail()
		assert.Equal(t, CallFailed, m.state())

		// Из терминального состояния fail - no-op
		m.fail()
		assert.Equal(t, CallFailed, m.state())
	})
}
