package signaling

import (
	"context"
	"log/slog"

	"github.com/looplab/fsm"
)

// FsmContext - короткоживущий результат одной половины регистрации
// (сигнальной или push), хранится синхронизатором до прихода второй
type FsmContext struct {
	Connectivity ConnectivityState
	Status       ErrorCode
	Text         string
}

// Состояния синхронизатора устройства
const (
	fsmInitial        = "Initial"
	fsmSignalingReady = "SignalingReady"
	fsmPushReady      = "PushReady"
	fsmFinished       = "Finished"
)

// registrationFsm ждет исходы обеих регистраций - сигнальной и push -
// и отдает приложению одно комбинированное уведомление. Какая половина
// завершится первой, неизвестно, поэтому обработчики зеркальны.
//
// Правило свертки: несуспешный сигнальный статус всегда побеждает;
// push статус виден приложению только при успешной сигнальной регистрации.
// После эмиссии автомат сбрасывается в Initial и пригоден для следующего
// цикла open/reconfigure.
type registrationFsm struct {
	fsm   *fsm.FSM
	saved FsmContext
	emit  func(combined FsmContext)
	log   *slog.Logger
}

func newRegistrationFsm(emit func(FsmContext), log *slog.Logger) *registrationFsm {
	r := &registrationFsm{emit: emit, log: log}
	r.fsm = fsm.NewFSM(
		fsmInitial,
		fsm.Events{
			{Name: "signaling_done", Src: []string{fsmInitial}, Dst: fsmSignalingReady},
			{Name: "signaling_done", Src: []string{fsmPushReady}, Dst: fsmFinished},
			{Name: "push_done", Src: []string{fsmInitial}, Dst: fsmPushReady},
			{Name: "push_done", Src: []string{fsmSignalingReady}, Dst: fsmFinished},
		},
		fsm.Callbacks{},
	)
	return r
}

func (r *registrationFsm) state() string {
	return r.fsm.Current()
}

// SignalingDone фиксирует исход сигнальной регистрации
func (r *registrationFsm) SignalingDone(ctx FsmContext) {
	switch r.fsm.Current() {
	case fsmInitial:
		r.saved = ctx
		_ = r.fsm.Event(context.Background(), "signaling_done")

	case fsmPushReady:
		// Push завершился первым, его контекст сохранен; сигнальный
		// результат определяет приоритет свертки
		push := r.saved
		_ = r.fsm.Event(context.Background(), "signaling_done")
		r.finish(ctx, push)

	default:
		r.log.Warn("signaling outcome in unexpected synchronizer state",
			slog.String("state", r.fsm.Current()))
	}
}

// PushDone фиксирует исход push регистрации (или "не требуется")
func (r *registrationFsm) PushDone(ctx FsmContext) {
	switch r.fsm.Current() {
	case fsmInitial:
		r.saved = ctx
		_ = r.fsm.Event(context.Background(), "push_done")

	case fsmSignalingReady:
		signaling := r.saved
		_ = r.fsm.Event(context.Background(), "push_done")
		r.finish(signaling, ctx)

	default:
		r.log.Warn("push outcome in unexpected synchronizer state",
			slog.String("state", r.fsm.Current()))
	}
}

// finish сворачивает две половины в один результат, эмитит его
// и сбрасывает автомат для следующего цикла
func (r *registrationFsm) finish(signaling, push FsmContext) {
	combined := signaling
	if signaling.Status == StatusSuccess {
		combined.Status = push.Status
		combined.Text = push.Text
	}

	r.emit(combined)

	r.saved = FsmContext{}
	r.fsm.SetState(fsmInitial)
}
