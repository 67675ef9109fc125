package signaling

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// CallState - состояние вызова
type CallState string

const (
	// CallIdle - вызов создан, ничего не отправлено
	CallIdle CallState = "Idle"
	// CallInviting - INVITE отправлен, ответа еще нет
	CallInviting CallState = "Inviting"
	// CallRinging - получен 180, удаленная сторона звонит
	CallRinging CallState = "Ringing"
	// CallEarlyIncoming - входящий INVITE получен, 180 отправлен, ждем accept
	CallEarlyIncoming CallState = "EarlyIncoming"
	// CallConfirmed - вызов установлен
	CallConfirmed CallState = "Confirmed"
	// CallCancelling - отправлен CANCEL, ждем исход
	CallCancelling CallState = "Cancelling"
	// CallDisconnecting - отправлен BYE, ждем 200
	CallDisconnecting CallState = "Disconnecting"
	// CallTerminated - вызов завершен
	CallTerminated CallState = "Terminated"
	// CallCancelled - входящий вызов отменен удаленной стороной
	CallCancelled CallState = "Cancelled"
	// CallDeclined - входящий вызов отклонен нами
	CallDeclined CallState = "Declined"
	// CallFailed - терминальная ошибка
	CallFailed CallState = "Failed"
)

func (s CallState) String() string { return string(s) }

func formCallEvent(src, dst CallState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

// callMachine - конечный автомат одного вызова. Все переходы выполняются
// на воркере ядра, автомат не нуждается в собственных блокировках.
type callMachine struct {
	fsm *fsm.FSM

	// incoming - направление вызова
	incoming bool

	// inviteTx - исходная INVITE транзакция: серверная для входящего
	// (через нее шлются 180/200/487), клиентская для исходящего
	inviteTx Transaction

	peer          string
	sdpLocal      string
	sdpRemote     string
	remoteHeaders map[string]string
}

func newCallMachine(incoming bool) *callMachine {
	m := &callMachine{incoming: incoming}
	m.initFSM()
	return m
}

// Переходы автомата вызова. Терминальные состояния (Terminated, Cancelled,
// Declined, Failed) выходящих переходов не имеют: повторное событие для
// уже завершенного вызова отбрасывается сменой состояния, а не флагом.
func (m *callMachine) initFSM() {
	active := []string{
		string(CallInviting), string(CallRinging), string(CallEarlyIncoming),
		string(CallConfirmed), string(CallCancelling), string(CallDisconnecting),
	}

	m.fsm = fsm.NewFSM(
		string(CallIdle),
		fsm.Events{
			{Name: formCallEvent(CallIdle, CallInviting), Src: []string{string(CallIdle)}, Dst: string(CallInviting)},
			{Name: formCallEvent(CallIdle, CallEarlyIncoming), Src: []string{string(CallIdle)}, Dst: string(CallEarlyIncoming)},
			{Name: formCallEvent(CallInviting, CallRinging), Src: []string{string(CallInviting)}, Dst: string(CallRinging)},
			{Name: formCallEvent(CallInviting, CallConfirmed), Src: []string{string(CallInviting)}, Dst: string(CallConfirmed)},
			{Name: formCallEvent(CallRinging, CallConfirmed), Src: []string{string(CallRinging)}, Dst: string(CallConfirmed)},
			{Name: formCallEvent(CallInviting, CallTerminated), Src: []string{string(CallInviting)}, Dst: string(CallTerminated)},
			{Name: formCallEvent(CallRinging, CallTerminated), Src: []string{string(CallRinging)}, Dst: string(CallTerminated)},
			{Name: formCallEvent(CallInviting, CallCancelling), Src: []string{string(CallInviting)}, Dst: string(CallCancelling)},
			{Name: formCallEvent(CallRinging, CallCancelling), Src: []string{string(CallRinging)}, Dst: string(CallCancelling)},
			{Name: formCallEvent(CallEarlyIncoming, CallConfirmed), Src: []string{string(CallEarlyIncoming)}, Dst: string(CallConfirmed)},
			{Name: formCallEvent(CallEarlyIncoming, CallDeclined), Src: []string{string(CallEarlyIncoming)}, Dst: string(CallDeclined)},
			{Name: formCallEvent(CallEarlyIncoming, CallCancelled), Src: []string{string(CallEarlyIncoming)}, Dst: string(CallCancelled)},
			{Name: formCallEvent(CallConfirmed, CallDisconnecting), Src: []string{string(CallConfirmed)}, Dst: string(CallDisconnecting)},
			{Name: formCallEvent(CallConfirmed, CallTerminated), Src: []string{string(CallConfirmed)}, Dst: string(CallTerminated)},
			{Name: formCallEvent(CallDisconnecting, CallTerminated), Src: []string{string(CallDisconnecting)}, Dst: string(CallTerminated)},
			{Name: formCallEvent(CallCancelling, CallTerminated), Src: []string{string(CallCancelling)}, Dst: string(CallTerminated)},
			{Name: formCallEvent(CallCancelling, CallDisconnecting), Src: []string{string(CallCancelling)}, Dst: string(CallDisconnecting)},
			{Name: "fail", Src: active, Dst: string(CallFailed)},
		},
		fsm.Callbacks{},
	)
}

func (m *callMachine) state() CallState {
	return CallState(m.fsm.Current())
}

// transition переводит автомат в dst; ошибка означает невалидный переход
func (m *callMachine) transition(dst CallState) error {
	return m.fsm.Event(context.Background(), formCallEvent(m.state(), dst))
}

// fail переводит автомат в Failed из любого активного состояния
func (m *callMachine) fail() {
	_ = m.fsm.Event(context.Background(), "fail")
}

// --- обработка вызовов на воркере ядра ---

// startOutgoingCall отправляет INVITE для нового исходящего вызова
func (c *Core) startOutgoingCall(j *Job) error {
	j.callParams.Headers = filterCustomHeaders(j.callParams.Headers)
	req, err := c.transport.BuildInvite(j.id, c.cfg, j.callParams)
	if err != nil {
		return &Error{Code: ErrConnectionURIInvalid, Text: err.Error()}
	}

	tx, err := c.transport.SendRequest(req)
	if err != nil {
		return &Error{Code: ErrCouldNotConnect, Text: err.Error()}
	}
	j.tx = tx
	j.call.inviteTx = tx
	j.call.peer = j.callParams.Peer
	j.call.sdpLocal = j.callParams.SDPOffer

	if err := j.call.transition(CallInviting); err != nil {
		return newError(ErrCouldNotConnect, "invalid call state: %v", err)
	}

	c.metrics.callStarted("outgoing")
	return nil
}

// handleIncomingInvite создает job входящего вызова, отвечает 180 Ringing
// и уведомляет приложение. Если для этого Call-ID уже есть job, созданный
// push уведомлением, INVITE присоединяется к нему.
func (c *Core) handleIncomingInvite(callID string, req *sip.Request, tx Transaction) {
	j, ok := c.registry.Get(callID)
	switch {
	case ok && j.jobType == JobCall && j.call != nil && j.call.inviteTx == nil:
		// job создан push уведомлением, присоединяем реальный INVITE
	case ok:
		c.registry.warnUnknown(callID, "duplicate INVITE")
		return
	default:
		j, ok = c.addJob(callID, JobCall, tx, c.cfg)
		if !ok {
			return
		}
		j.call = newCallMachine(true)
	}

	j.tx = tx
	j.call.inviteTx = tx

	peer := ""
	if from := req.From(); from != nil {
		peer = from.Address.String()
	}
	j.call.peer = peer
	j.call.sdpRemote = string(req.Body())
	j.call.remoteHeaders = extractCustomHeaders(req)

	ringing, err := c.transport.BuildResponse(req, sip.StatusRinging, "Ringing", nil)
	if err == nil {
		err = tx.Respond(ringing)
	}
	if err != nil {
		c.log.Error("failed to respond 180 to incoming INVITE",
			slog.String("jobID", callID), slog.Any("error", err))
		c.removeJob(j)
		return
	}

	if err := j.call.transition(CallEarlyIncoming); err != nil {
		c.log.Error("invalid incoming call transition", slog.Any("error", err))
		c.removeJob(j)
		return
	}

	c.metrics.callStarted("incoming")

	sdpOffer := j.call.sdpRemote
	headers := j.call.remoteHeaders
	c.emit(func(l Listener) { l.OnCallArrived(callID, peer, sdpOffer, headers) })
}

// acceptCall отвечает 200 OK с SDP на входящий вызов
func (c *Core) acceptCall(j *Job, sdpAnswer string) {
	if j.call.state() != CallEarlyIncoming || j.call.inviteTx == nil {
		c.failCall(j, ErrAcceptFailed, "call is not in early incoming state")
		return
	}

	req := j.call.inviteTx.Request()
	ok, err := c.transport.BuildResponse(req, sip.StatusOK, "OK", SDPBody(sdpAnswer))
	if err == nil {
		err = j.call.inviteTx.Respond(ok)
	}
	if err != nil {
		c.failCall(j, ErrAcceptFailed, err.Error())
		return
	}
	j.call.sdpLocal = sdpAnswer
	// Состояние меняется на Confirmed только после ACK
}

// disconnectCall завершает вызов способом, зависящим от стадии диалога:
// DECLINE для раннего входящего, CANCEL для раннего исходящего,
// BYE для подтвержденного.
func (c *Core) disconnectCall(j *Job, reason string) {
	switch j.call.state() {
	case CallEarlyIncoming:
		// Серверная сторона, ранний диалог: отклоняем
		req := j.call.inviteTx.Request()
		decline, err := c.transport.BuildResponse(req, sip.StatusGlobalDecline, "Decline", nil)
		if err == nil {
			err = j.call.inviteTx.Respond(decline)
		}
		if err != nil {
			c.failCall(j, ErrDeclineFailed, err.Error())
			return
		}
		_ = j.call.transition(CallDeclined)
		id := j.id
		c.emit(func(l Listener) { l.OnCallLocalDisconnected(id) })
		c.removeJob(j)

	case CallInviting, CallRinging:
		// Клиентская сторона, ранний диалог: CANCEL и ждем сетевой исход
		req, err := c.transport.BuildCancel(j.id)
		if err != nil {
			c.failCall(j, ErrDisconnectFailed, err.Error())
			return
		}
		tx, err := c.transport.SendRequest(req)
		if err != nil {
			c.failCall(j, ErrCouldNotConnect, err.Error())
			return
		}
		j.tx = tx
		_ = j.call.transition(CallCancelling)

	case CallConfirmed:
		c.sendBye(j, reason)

	default:
		c.failCall(j, ErrDisconnectFailed,
			"cannot disconnect call in state "+string(j.call.state()))
	}
}

// sendBye отправляет BYE и переводит вызов в Disconnecting
func (c *Core) sendBye(j *Job, reason string) {
	req, err := c.transport.BuildBye(j.id, reason)
	if err != nil {
		c.failCall(j, ErrDisconnectFailed, err.Error())
		return
	}
	tx, err := c.transport.SendRequest(req)
	if err != nil {
		c.failCall(j, ErrCouldNotConnect, err.Error())
		return
	}
	j.tx = tx
	_ = j.call.transition(CallDisconnecting)
}

// sendDigits отправляет DTMF цифры INFO запросом внутри диалога
func (c *Core) sendDigits(j *Job, digits string) {
	if j.call.state() != CallConfirmed {
		id := j.id
		c.emit(func(l Listener) {
			l.OnCallDigitsSent(id, ErrDTMFDigitsFailed, "call is not connected")
		})
		return
	}

	req, err := c.transport.BuildInfo(j.id, DTMFBody(digits))
	if err == nil {
		var tx Transaction
		tx, err = c.transport.SendRequest(req)
		if err == nil {
			j.tx = tx
			return
		}
	}

	id := j.id
	text := err.Error()
	c.emit(func(l Listener) { l.OnCallDigitsSent(id, ErrDTMFDigitsFailed, text) })
}

// handleCallResponse обрабатывает ответ на клиентскую транзакцию вызова
func (c *Core) handleCallResponse(j *Job, res *sip.Response, dialog DialogState) {
	method := sip.RequestMethod("")
	if cseq := res.CSeq(); cseq != nil {
		method = cseq.MethodName
	}

	if isChallenge(res.StatusCode) {
		// Challenge для вызова, который уже отменяется или завершается,
		// не продлевает ему жизнь: отмена важнее аутентификации
		if st := j.call.state(); st == CallCancelling || st == CallDisconnecting {
			c.log.Debug("ignoring auth challenge for terminating call",
				slog.String("jobID", j.id), slog.String("state", string(st)))
			return
		}
		if err := c.auth.retry(j, res, c.transport); err != nil {
			code, text := errorCodeOf(err, ErrAuthenticationForbidden)
			c.failCall(j, code, text)
		} else {
			c.metrics.authRetried()
			if method == sip.INVITE {
				j.call.inviteTx = j.tx
			}
		}
		return
	}

	switch {
	case res.StatusCode == sip.StatusRinging:
		if j.call.state() == CallInviting {
			_ = j.call.transition(CallRinging)
			c.log.Debug("peer ringing", slog.String("jobID", j.id))
		}

	case res.StatusCode == sip.StatusOK:
		c.handleCallOK(j, res, method, dialog)

	case res.StatusCode == sip.StatusRequestTerminated:
		// 487 на наш INVITE после CANCEL; повторная доставка гасится
		// терминальным состоянием автомата
		if j.call.state() == CallCancelling {
			_ = j.call.transition(CallTerminated)
			id := j.id
			c.emit(func(l Listener) { l.OnCallLocalDisconnected(id) })
			c.removeJob(j)
		}

	case res.StatusCode == sip.StatusNotFound:
		c.failCall(j, ErrPeerNotFound, res.Reason)

	case res.StatusCode == sip.StatusServiceUnavailable:
		c.failCall(j, ErrServiceUnavailable, res.Reason)

	case res.StatusCode == sip.StatusBusyHere ||
		res.StatusCode == sip.StatusTemporarilyUnavailable ||
		res.StatusCode == sip.StatusGlobalDecline:
		_ = j.call.transition(CallTerminated)
		id := j.id
		c.emit(func(l Listener) { l.OnCallPeerDisconnected(id) })
		c.removeJob(j)

	case res.StatusCode >= 500:
		c.failCall(j, ErrServiceUnavailable, res.Reason)

	case res.StatusCode >= 400:
		c.failCall(j, ErrCallDeclined, res.Reason)
	}
}

// handleCallOK обрабатывает 200 OK в зависимости от метода транзакции
func (c *Core) handleCallOK(j *Job, res *sip.Response, method sip.RequestMethod, dialog DialogState) {
	switch method {
	case sip.INVITE:
		if j.call.state() == CallCancelling {
			// CANCEL проиграл гонку с 200 OK: диалог уже подтвержден,
			// завершаем его явным BYE
			if dialog == DialogConfirmed {
				c.log.Debug("cancel raced 200 OK, sending BYE",
					slog.String("jobID", j.id))
				c.sendBye(j, "")
			}
			return
		}
		if err := c.transport.SendAck(j.id, res); err != nil {
			c.failCall(j, ErrCouldNotConnect, err.Error())
			return
		}
		if err := j.call.transition(CallConfirmed); err != nil {
			return // поздний ретрансмит, вызов уже подтвержден
		}
		j.call.sdpRemote = string(res.Body())
		j.call.remoteHeaders = extractCustomHeadersRes(res)
		id, sdp, headers := j.id, j.call.sdpRemote, j.call.remoteHeaders
		c.emit(func(l Listener) { l.OnCallOutgoingConnected(id, sdp, headers) })

	case sip.CANCEL:
		// 200 на CANCEL; если диалог успел подтвердиться - шлем BYE
		if dialog == DialogConfirmed && j.call.state() == CallCancelling {
			c.log.Debug("200 OK to CANCEL on confirmed dialog, sending BYE",
				slog.String("jobID", j.id))
			c.sendBye(j, "")
		}

	case sip.BYE:
		if j.call.state() == CallDisconnecting {
			_ = j.call.transition(CallTerminated)
			id := j.id
			c.emit(func(l Listener) { l.OnCallLocalDisconnected(id) })
			c.removeJob(j)
		}

	case sip.INFO:
		id := j.id
		c.emit(func(l Listener) { l.OnCallDigitsSent(id, StatusSuccess, "Success") })
	}
}

// handleCallRequest обрабатывает входящий запрос внутри вызова
func (c *Core) handleCallRequest(j *Job, req *sip.Request, tx Transaction, dialog DialogState) {
	switch req.Method {
	case sip.ACK:
		if j.call.state() == CallEarlyIncoming && dialog == DialogConfirmed {
			if err := j.call.transition(CallConfirmed); err != nil {
				return
			}
			id := j.id
			c.emit(func(l Listener) { l.OnCallIncomingConnected(id) })
		}

	case sip.BYE:
		ok, err := c.transport.BuildResponse(req, sip.StatusOK, "OK", nil)
		if err == nil {
			if respondErr := tx.Respond(ok); respondErr != nil {
				c.log.Error("failed to respond 200 to BYE", slog.Any("error", respondErr))
			}
		}
		_ = j.call.transition(CallTerminated)
		id := j.id
		c.emit(func(l Listener) { l.OnCallPeerDisconnected(id) })
		c.removeJob(j)

	case sip.CANCEL:
		if j.call.state() != CallEarlyIncoming {
			return
		}
		// 200 на CANCEL + 487 на исходный INVITE
		if ok, err := c.transport.BuildResponse(req, sip.StatusOK, "OK", nil); err == nil {
			if respondErr := tx.Respond(ok); respondErr != nil {
				c.log.Error("failed to respond 200 to CANCEL", slog.Any("error", respondErr))
			}
		}
		if j.call.inviteTx != nil {
			invite := j.call.inviteTx.Request()
			if terminated, err := c.transport.BuildResponse(invite,
				sip.StatusRequestTerminated, "Request Terminated", nil); err == nil {
				if respondErr := j.call.inviteTx.Respond(terminated); respondErr != nil {
					c.log.Error("failed to respond 487 to INVITE", slog.Any("error", respondErr))
				}
			}
		}
		_ = j.call.transition(CallCancelled)
		id := j.id
		c.emit(func(l Listener) { l.OnCallIncomingCancelled(id) })
		c.removeJob(j)
	}
}

// failCall завершает вызов терминальной ошибкой: ровно одно уведомление,
// job снимается с реестра
func (c *Core) failCall(j *Job, code ErrorCode, text string) {
	j.call.fail()
	id := j.id
	c.emit(func(l Listener) { l.OnCallError(id, code, text) })
	c.removeJob(j)
}

// extractCustomHeaders собирает X-* заголовки запроса в карту
func extractCustomHeaders(req *sip.Request) map[string]string {
	out := make(map[string]string)
	for _, h := range req.Headers() {
		if strings.HasPrefix(h.Name(), "X-") {
			out[h.Name()] = h.Value()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractCustomHeadersRes собирает X-* заголовки ответа в карту
func extractCustomHeadersRes(res *sip.Response) map[string]string {
	out := make(map[string]string)
	for _, h := range res.Headers() {
		if strings.HasPrefix(h.Name(), "X-") {
			out[h.Name()] = h.Value()
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
