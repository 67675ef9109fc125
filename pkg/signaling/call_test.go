package signaling_test

import (
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_client/pkg/signaling"
	"github.com/arzzra/sip_client/pkg/signaling/mocktransport"
)

func parseURI(t *testing.T, raw string) sip.Uri {
	t.Helper()
	var uri sip.Uri
	require.NoError(t, sip.ParseUri(raw, &uri))
	return uri
}

// incomingRequest собирает входящий запрос от удаленной стороны
func incomingRequest(t *testing.T, method sip.RequestMethod, callID, peer string) *sip.Request {
	t.Helper()
	local := parseURI(t, "sip:alice@example.com")

	req := sip.NewRequest(method, local)
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.FromHeader{
		Address: parseURI(t, peer),
		Params:  sip.NewParams().Add("tag", "remote-tag"),
	})
	req.AppendHeader(&sip.ToHeader{Address: local, Params: sip.NewParams()})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	return req
}

// openCore открывает устройство без домена и ждет готовности
func openCore(t *testing.T, core *signaling.Core, listener *recListener) {
	t.Helper()
	core.Open()
	open := recv(t, listener.opens, "open reply")
	require.Equal(t, signaling.StatusSuccess, open.status)
}

// confirmedOutgoingCall доводит исходящий вызов до Confirmed
func confirmedOutgoingCall(t *testing.T, core *signaling.Core, tr *mocktransport.Transport,
	listener *recListener) (string, *mocktransport.Tx) {
	t.Helper()
	callID := core.Call(&signaling.CallParams{Peer: "sip:bob@example.org", SDPOffer: "offer-sdp"})
	invite := tr.WaitSent(t, sip.INVITE)

	res, err := tr.BuildResponse(invite.Request(), sip.StatusOK, "OK", signaling.SDPBody("answer-sdp"))
	require.NoError(t, err)
	tr.SetDialogState(callID, signaling.DialogConfirmed)
	core.OnResponse(callID, res, invite, signaling.DialogConfirmed)

	recv(t, listener.outConnected, "outgoing connected")
	return callID, invite
}

func TestOutgoingCallConnects(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := core.Call(&signaling.CallParams{
		Peer:     "sip:bob@example.org",
		SDPOffer: "offer-sdp",
		Headers:  map[string]string{"X-Session-Id": "s-42"},
	})

	invite := tr.WaitSent(t, sip.INVITE)
	req := invite.Request()
	require.NotNil(t, req.CallID())
	assert.Equal(t, callID, req.CallID().Value())
	assert.Equal(t, "offer-sdp", string(req.Body()))
	require.NotNil(t, req.GetHeader("X-Session-Id"))

	// 180 двигает автомат, но уведомления не дает
	respondTo(core, callID, invite, tr, sip.StatusRinging, "Ringing", signaling.DialogEarly)
	expectSilence(t, listener.outConnected, "connected before 200")

	res, err := tr.BuildResponse(req, sip.StatusOK, "OK", signaling.SDPBody("answer-sdp"))
	require.NoError(t, err)
	res.AppendHeader(sip.NewHeader("X-Server-Id", "srv-7"))
	core.OnResponse(callID, res, invite, signaling.DialogConfirmed)

	connected := recv(t, listener.outConnected, "outgoing connected")
	assert.Equal(t, callID, connected.jobID)
	assert.Equal(t, "answer-sdp", connected.sdp)
	assert.Equal(t, "srv-7", connected.headers["X-Server-Id"])

	// 200 подтвержден ACK
	require.Eventually(t, func() bool {
		for _, id := range tr.Acks() {
			if id == callID {
				return true
			}
		}
		return false
	}, waitTimeout, 5*time.Millisecond)
}

func TestOutgoingCallRejections(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reason    string
		wantError bool
		wantCode  signaling.ErrorCode
	}{
		{"404 peer not found", sip.StatusNotFound, "Not Found", true, signaling.ErrPeerNotFound},
		{"503 service unavailable", sip.StatusServiceUnavailable, "Service Unavailable", true, signaling.ErrServiceUnavailable},
		{"486 busy here", sip.StatusBusyHere, "Busy Here", false, 0},
		{"603 decline", sip.StatusGlobalDecline, "Decline", false, 0},
		{"480 temporarily unavailable", sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
			openCore(t, core, listener)

			callID := core.Call(&signaling.CallParams{Peer: "sip:bob@example.org", SDPOffer: "sdp"})
			invite := tr.WaitSent(t, sip.INVITE)
			respondTo(core, callID, invite, tr, tt.status, tt.reason, signaling.DialogNone)

			if tt.wantError {
				failure := recv(t, listener.callErrors, "call error")
				assert.Equal(t, tt.wantCode, failure.status)
			} else {
				// Занято/отклонено - это дисконнект удаленной стороны
				id := recv(t, listener.peerDisc, "peer disconnected")
				assert.Equal(t, callID, id)
			}
		})
	}
}

func TestCancelBeforeAnswer(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := core.Call(&signaling.CallParams{Peer: "sip:bob@example.org", SDPOffer: "sdp"})
	invite := tr.WaitSent(t, sip.INVITE)

	// Отбой до ответа: уходит CANCEL, локального аборта нет
	core.Disconnect(callID, "")
	tr.WaitSent(t, sip.CANCEL)
	expectSilence(t, listener.localDisc, "disconnect before network outcome")

	// Сеть подтверждает отмену: 487 на исходный INVITE
	respondTo(core, callID, invite, tr, sip.StatusRequestTerminated, "Request Terminated", signaling.DialogNone)
	id := recv(t, listener.localDisc, "local disconnect")
	assert.Equal(t, callID, id)
}

func TestCancelRaces200OK(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := core.Call(&signaling.CallParams{Peer: "sip:bob@example.org", SDPOffer: "sdp"})
	invite := tr.WaitSent(t, sip.INVITE)

	core.Disconnect(callID, "")
	tr.WaitSent(t, sip.CANCEL)

	// CANCEL проиграл гонку: диалог уже подтвердился 200 OK
	res, err := tr.BuildResponse(invite.Request(), sip.StatusOK, "OK", signaling.SDPBody("answer"))
	require.NoError(t, err)
	core.OnResponse(callID, res, invite, signaling.DialogConfirmed)

	// Подтвержденный диалог гасится явным BYE, вызов не "подключается"
	bye := tr.WaitSent(t, sip.BYE)
	expectSilence(t, listener.outConnected, "connected after cancel")

	respondTo(core, callID, bye, tr, sip.StatusOK, "OK", signaling.DialogConfirmed)
	id := recv(t, listener.localDisc, "local disconnect")
	assert.Equal(t, callID, id)
}

func TestDisconnectConfirmedCall(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID, _ := confirmedOutgoingCall(t, core, tr, listener)

	core.Disconnect(callID, "user hangup")
	bye := tr.WaitSent(t, sip.BYE)
	reason := bye.Request().GetHeader("Reason")
	require.NotNil(t, reason)
	assert.Equal(t, `SIP;cause=200;text="user hangup"`, reason.Value())

	respondTo(core, callID, bye, tr, sip.StatusOK, "OK", signaling.DialogConfirmed)
	id := recv(t, listener.localDisc, "local disconnect")
	assert.Equal(t, callID, id)
}

func TestPeerDisconnectsConfirmedCall(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID, _ := confirmedOutgoingCall(t, core, tr, listener)

	bye := incomingRequest(t, sip.BYE, callID, "sip:bob@example.org")
	byeTx := mocktransport.NewServerTx(bye)
	core.OnRequest(callID, bye, byeTx, signaling.DialogConfirmed)

	// BYE подтвержден 200, приложение уведомлено
	byeTx.WaitResponse(t, sip.StatusOK)
	id := recv(t, listener.peerDisc, "peer disconnected")
	assert.Equal(t, callID, id)
}

func TestIncomingCallLifecycle(t *testing.T) {
	core, _, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := "in-call-1"
	invite := incomingRequest(t, sip.INVITE, callID, "sip:bob@example.org")
	invite.AppendHeader(sip.NewHeader("X-Session-Id", "s-9"))
	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	invite.SetBody([]byte("offer-sdp"))

	inviteTx := mocktransport.NewServerTx(invite)
	core.OnRequest(callID, invite, inviteTx, signaling.DialogNone)

	// 180 уходит сразу, приложение уведомлено с SDP и X-заголовками
	inviteTx.WaitResponse(t, sip.StatusRinging)
	arrived := recv(t, listener.arrived, "call arrived")
	assert.Equal(t, callID, arrived.jobID)
	assert.Equal(t, "sip:bob@example.org", arrived.peer)
	assert.Equal(t, "offer-sdp", arrived.sdp)
	assert.Equal(t, "s-9", arrived.headers["X-Session-Id"])

	// Принятие: 200 с нашим SDP, подтверждение только после ACK
	core.Accept(callID, "answer-sdp")
	ok := inviteTx.WaitResponse(t, sip.StatusOK)
	assert.Equal(t, "answer-sdp", string(ok.Body()))
	expectSilence(t, listener.inConnected, "connected before ACK")

	ack := incomingRequest(t, sip.ACK, callID, "sip:bob@example.org")
	core.OnRequest(callID, ack, mocktransport.NewServerTx(ack), signaling.DialogConfirmed)
	id := recv(t, listener.inConnected, "incoming connected")
	assert.Equal(t, callID, id)
}

func TestIncomingCallDeclined(t *testing.T) {
	core, _, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := "in-call-2"
	invite := incomingRequest(t, sip.INVITE, callID, "sip:bob@example.org")
	inviteTx := mocktransport.NewServerTx(invite)
	core.OnRequest(callID, invite, inviteTx, signaling.DialogNone)
	recv(t, listener.arrived, "call arrived")

	// Отбой раннего входящего - это DECLINE
	core.Disconnect(callID, "")
	inviteTx.WaitResponse(t, sip.StatusGlobalDecline)
	id := recv(t, listener.localDisc, "local disconnect")
	assert.Equal(t, callID, id)
}

func TestIncomingCallCancelledByPeer(t *testing.T) {
	core, _, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := "in-call-3"
	invite := incomingRequest(t, sip.INVITE, callID, "sip:bob@example.org")
	inviteTx := mocktransport.NewServerTx(invite)
	core.OnRequest(callID, invite, inviteTx, signaling.DialogNone)
	recv(t, listener.arrived, "call arrived")

	cancel := incomingRequest(t, sip.CANCEL, callID, "sip:bob@example.org")
	cancelTx := mocktransport.NewServerTx(cancel)
	core.OnRequest(callID, cancel, cancelTx, signaling.DialogEarly)

	// 200 на CANCEL, 487 на исходный INVITE, одно уведомление
	cancelTx.WaitResponse(t, sip.StatusOK)
	inviteTx.WaitResponse(t, sip.StatusRequestTerminated)
	id := recv(t, listener.cancelled, "incoming cancelled")
	assert.Equal(t, callID, id)
}

func TestPushCreatedCallAttachesInvite(t *testing.T) {
	core, _, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := "push-call-1"
	core.PushCallArrived(callID)

	// Реальный INVITE с тем же Call-ID присоединяется к push job
	invite := incomingRequest(t, sip.INVITE, callID, "sip:bob@example.org")
	inviteTx := mocktransport.NewServerTx(invite)
	core.OnRequest(callID, invite, inviteTx, signaling.DialogNone)

	inviteTx.WaitResponse(t, sip.StatusRinging)
	arrived := recv(t, listener.arrived, "call arrived")
	assert.Equal(t, callID, arrived.jobID)
	expectSilence(t, listener.arrived, "duplicate call arrived")
}

func TestSendDigits(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID, _ := confirmedOutgoingCall(t, core, tr, listener)

	core.SendDigits(callID, "123#")
	info := tr.WaitSent(t, sip.INFO)
	body := string(info.Request().Body())
	assert.True(t, strings.Contains(body, "Signal=123#"), "dtmf payload: %q", body)

	respondTo(core, callID, info, tr, sip.StatusOK, "OK", signaling.DialogConfirmed)
	sent := recv(t, listener.digits, "digits sent")
	assert.Equal(t, signaling.StatusSuccess, sent.status)
}

func TestSendDigitsRequiresConfirmedCall(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := core.Call(&signaling.CallParams{Peer: "sip:bob@example.org", SDPOffer: "sdp"})
	tr.WaitSent(t, sip.INVITE)

	core.SendDigits(callID, "5")
	sent := recv(t, listener.digits, "digits reply")
	assert.Equal(t, signaling.ErrDTMFDigitsFailed, sent.status)
	assert.Empty(t, tr.SentByMethod(sip.INFO))
}

func TestOutgoingMessage(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	msgID := core.SendMessage("sip:bob@example.org", "hello there")
	msg := tr.WaitSent(t, sip.MESSAGE)
	assert.Equal(t, "hello there", string(msg.Request().Body()))

	respondTo(core, msgID, msg, tr, sip.StatusOK, "OK", signaling.DialogNone)
	reply := recv(t, listener.msgReplies, "message reply")
	assert.Equal(t, msgID, reply.jobID)
	assert.Equal(t, signaling.StatusSuccess, reply.status)
}

func TestOutgoingMessageNotFound(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	msgID := core.SendMessage("sip:nobody@example.org", "hi")
	msg := tr.WaitSent(t, sip.MESSAGE)
	respondTo(core, msgID, msg, tr, sip.StatusNotFound, "Not Found", signaling.DialogNone)

	reply := recv(t, listener.msgReplies, "message reply")
	assert.Equal(t, signaling.ErrPeerNotFound, reply.status)
}

func TestIncomingMessage(t *testing.T) {
	core, _, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	msg := incomingRequest(t, sip.MESSAGE, "msg-1", "sip:bob@example.org")
	ct := sip.ContentTypeHeader("text/plain")
	msg.AppendHeader(&ct)
	msg.SetBody([]byte("ping"))

	msgTx := mocktransport.NewServerTx(msg)
	core.OnRequest("msg-1", msg, msgTx, signaling.DialogNone)

	msgTx.WaitResponse(t, sip.StatusOK)
	got := recv(t, listener.msgArrived, "message arrived")
	assert.Equal(t, "sip:bob@example.org", got.peer)
	assert.Equal(t, "ping", got.text)
}

func TestPushMessageArrived(t *testing.T) {
	core, _, listener := newTestCore(t, &signaling.Config{Username: "alice"})

	core.PushMessageArrived("push-msg-1", "sip:bob@example.org", "via push")
	got := recv(t, listener.msgArrived, "message arrived")
	assert.Equal(t, "push-msg-1", got.jobID)
	assert.Equal(t, "via push", got.text)
}

func TestCallTimeout(t *testing.T) {
	core, tr, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	callID := core.Call(&signaling.CallParams{Peer: "sip:bob@example.org", SDPOffer: "sdp"})
	tr.WaitSent(t, sip.INVITE)
	core.OnTimeout(callID)

	failure := recv(t, listener.callErrors, "call error")
	assert.Equal(t, signaling.ErrSignalingTimeout, failure.status)

	// Job снят: поздний дубль события игнорируется
	core.OnTimeout(callID)
	expectSilence(t, listener.callErrors, "second timeout notification")
}

func TestLateEventsForUnknownJobAreTolerated(t *testing.T) {
	core, _, listener := newTestCore(t, &signaling.Config{Username: "alice"})
	openCore(t, core, listener)

	bye := incomingRequest(t, sip.BYE, "unknown-call", "sip:bob@example.org")
	core.OnRequest("unknown-call", bye, mocktransport.NewServerTx(bye), signaling.DialogNone)
	core.OnTimeout("unknown-call")

	expectSilence(t, listener.callErrors, "notification for unknown job")
	expectSilence(t, listener.peerDisc, "notification for unknown job")
}
