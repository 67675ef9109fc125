package sipstack

import (
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_client/pkg/signaling"
)

func (s *Stack) registerHandlers(srv *sipgo.Server) {
	srv.OnInvite(s.handleInvite)
	srv.OnAck(s.handleInDialog)
	srv.OnBye(s.handleInDialog)
	srv.OnCancel(s.handleInDialog)
	srv.OnMessage(s.handleMessage)
	srv.OnInfo(s.handleInfo)
	srv.OnOptions(s.handleOptions)
}

// handleInvite заводит учет UAS диалога и отдает запрос ядру
func (s *Stack) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		s.respondDirect(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}
	id := callID.Value()

	if _, exists := s.dialogs.get(id); !exists {
		d := &dialogCtx{
			id:       id,
			localTag: newTag(),
			state:    signaling.DialogEarly,
		}
		if to := req.To(); to != nil {
			d.localURI = to.Address
		}
		if from := req.From(); from != nil {
			d.remoteURI = from.Address
			d.remoteTarget = from.Address
			if tag, ok := from.Params.Get("tag"); ok {
				d.remoteTag = tag
			}
		}
		if contact := req.Contact(); contact != nil {
			d.remoteTarget = contact.Address
		}
		s.dialogs.put(d)
	}

	adapter := &serverTx{stack: s, callID: id, req: req, tx: tx}
	s.sink.OnRequest(id, req, adapter, s.dialogs.state(id))
}

// handleInDialog отдает ядру входящий запрос установленного диалога
func (s *Stack) handleInDialog(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		s.respondDirect(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}
	id := callID.Value()

	if req.Method == sip.BYE {
		defer s.dialogs.remove(id)
	}

	adapter := &serverTx{stack: s, callID: id, req: req, tx: tx}
	s.sink.OnRequest(id, req, adapter, s.dialogs.state(id))
}

// handleMessage отдает ядру входящее текстовое сообщение
func (s *Stack) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		s.respondDirect(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}
	id := callID.Value()

	adapter := &serverTx{stack: s, callID: id, req: req, tx: tx}
	s.sink.OnRequest(id, req, adapter, s.dialogs.state(id))
}

// handleInfo подтверждает входящий INFO; его содержимое (DTMF удаленной
// стороны) клиенту не нужно
func (s *Stack) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	s.respondDirect(req, tx, sip.StatusOK, "OK")
}

func (s *Stack) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.respondDirect(req, tx, sip.StatusOK, "OK")
}

func (s *Stack) respondDirect(req *sip.Request, tx sip.ServerTransaction, status int, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.log.Error("failed to respond",
			slog.String("method", string(req.Method)),
			slog.Any("error", err))
	}
}
