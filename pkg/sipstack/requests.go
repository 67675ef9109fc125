package sipstack

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_client/pkg/signaling"
)

func newTag() string {
	return sip.RandString(8)
}

// BuildRegister собирает REGISTER (expires=0 означает де-регистрацию)
func (s *Stack) BuildRegister(id string, cfg *signaling.Config, expires int) (*sip.Request, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, errors.New("registrar domain is not configured")
	}
	var registrar sip.Uri
	if err := sip.ParseUri("sip:"+cfg.Domain, &registrar); err != nil {
		return nil, errors.Wrapf(err, "invalid registrar URI %q", cfg.Domain)
	}

	account := sip.Uri{Scheme: "sip", User: cfg.Username, Host: cfg.Domain}

	d := s.dialogFor(id)
	req := sip.NewRequest(sip.REGISTER, registrar)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: cfg.DisplayName,
		Address:     account,
		Params:      sip.NewParams().Add("tag", d.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: account, Params: sip.NewParams()})
	s.appendCommon(req, d)
	req.AppendHeader(s.contactHeader(cfg.Username))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	appendCustomHeaders(req, cfg.CustomHeaders)
	return req, nil
}

// BuildInvite собирает внедиалоговый INVITE и заводит учет диалога
func (s *Stack) BuildInvite(id string, cfg *signaling.Config, params *signaling.CallParams) (*sip.Request, error) {
	var peer sip.Uri
	if err := sip.ParseUri(params.Peer, &peer); err != nil {
		return nil, errors.Wrapf(err, "invalid peer URI %q", params.Peer)
	}

	domain := cfg.Domain
	if domain == "" {
		domain = s.cfg.Host
	}
	local := sip.Uri{Scheme: "sip", User: cfg.Username, Host: domain}

	d := &dialogCtx{
		id:           id,
		localTag:     newTag(),
		localURI:     local,
		remoteURI:    peer,
		remoteTarget: peer,
	}
	s.dialogs.put(d)

	req := sip.NewRequest(sip.INVITE, peer)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: cfg.DisplayName,
		Address:     local,
		Params:      sip.NewParams().Add("tag", d.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: peer, Params: sip.NewParams()})
	s.appendCommon(req, d)
	req.AppendHeader(s.contactHeader(cfg.Username))
	appendCustomHeaders(req, cfg.CustomHeaders)
	appendCustomHeaders(req, params.Headers)

	if params.SDPOffer != "" {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody([]byte(params.SDPOffer))
	}

	d.invite = req
	return req, nil
}

// BuildMessage собирает внедиалоговый MESSAGE с телом text/plain
func (s *Stack) BuildMessage(id string, cfg *signaling.Config, peer string, text string) (*sip.Request, error) {
	var target sip.Uri
	if err := sip.ParseUri(peer, &target); err != nil {
		return nil, errors.Wrapf(err, "invalid peer URI %q", peer)
	}

	domain := cfg.Domain
	if domain == "" {
		domain = s.cfg.Host
	}
	local := sip.Uri{Scheme: "sip", User: cfg.Username, Host: domain}

	d := s.dialogFor(id)
	req := sip.NewRequest(sip.MESSAGE, target)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: cfg.DisplayName,
		Address:     local,
		Params:      sip.NewParams().Add("tag", d.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	s.appendCommon(req, d)

	ct := sip.ContentTypeHeader("text/plain")
	req.AppendHeader(&ct)
	req.SetBody([]byte(text))
	return req, nil
}

// BuildBye собирает внутридиалоговый BYE; непустой reason уходит
// заголовком Reason
func (s *Stack) BuildBye(callID string, reason string) (*sip.Request, error) {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return nil, errors.Errorf("no dialog for call %s", callID)
	}

	req := s.inDialogRequest(d, sip.BYE)
	if reason != "" {
		req.AppendHeader(sip.NewHeader("Reason",
			`SIP;cause=200;text="`+reason+`"`))
	}
	return req, nil
}

// BuildCancel собирает CANCEL для незавершенного исходящего INVITE.
// CANCEL обязан повторять Via, From/To и CSeq номер исходного INVITE.
func (s *Stack) BuildCancel(callID string) (*sip.Request, error) {
	d, ok := s.dialogs.get(callID)
	if !ok || d.invite == nil {
		return nil, errors.Errorf("no pending INVITE for call %s", callID)
	}
	invite := d.invite

	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		req.AppendHeader(sip.HeaderClone(via))
	}
	if from := invite.From(); from != nil {
		req.AppendHeader(sip.HeaderClone(from))
	}
	if to := invite.To(); to != nil {
		req.AppendHeader(sip.HeaderClone(to))
	}
	if cid := invite.CallID(); cid != nil {
		req.AppendHeader(sip.HeaderClone(cid))
	}
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	sip.CopyHeaders("Route", invite, req)
	return req, nil
}

// BuildInfo собирает внутридиалоговый INFO с указанным телом
func (s *Stack) BuildInfo(callID string, body *signaling.Body) (*sip.Request, error) {
	d, ok := s.dialogs.get(callID)
	if !ok {
		return nil, errors.Errorf("no dialog for call %s", callID)
	}

	req := s.inDialogRequest(d, sip.INFO)
	if body != nil {
		ct := sip.ContentTypeHeader(body.ContentType)
		req.AppendHeader(&ct)
		req.SetBody([]byte(body.Content))
	}
	return req, nil
}

// BuildResponse собирает ответ на входящий запрос. To тег всегда берется
// из учета диалога: все ответы на один INVITE обязаны нести один и тот же
// тег, случайный тег от sipgo перезаписывается.
func (s *Stack) BuildResponse(req *sip.Request, status int, reason string, body *signaling.Body) (*sip.Response, error) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)

	if to := res.To(); to != nil {
		if cid := req.CallID(); cid != nil {
			if d, found := s.dialogs.get(cid.Value()); found && d.localTag != "" {
				if to.Params == nil {
					to.Params = sip.NewParams()
				}
				to.Params.Add("tag", d.localTag)
			}
		}
	}

	if body != nil {
		ct := sip.ContentTypeHeader(body.ContentType)
		res.AppendHeader(&ct)
		res.SetBody([]byte(body.Content))
	}
	return res, nil
}

// inDialogRequest собирает запрос внутри установленного диалога:
// From с нашим тегом, To с тегом удаленной стороны, route set и
// очередной CSeq
func (s *Stack) inDialogRequest(d *dialogCtx, method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, d.remoteTarget)

	req.AppendHeader(&sip.FromHeader{
		Address: d.localURI,
		Params:  sip.NewParams().Add("tag", d.localTag),
	})
	to := &sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()}
	if d.remoteTag != "" {
		to.Params.Add("tag", d.remoteTag)
	}
	req.AppendHeader(to)
	s.appendCommon(req, d)

	for _, route := range d.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route})
	}
	return req
}

// dialogFor возвращает учетную запись по id, создавая ее при первом
// обращении; используется для внедиалоговых цепочек (REGISTER, MESSAGE)
func (s *Stack) dialogFor(id string) *dialogCtx {
	if d, ok := s.dialogs.get(id); ok {
		return d
	}
	d := &dialogCtx{id: id, localTag: newTag()}
	s.dialogs.put(d)
	return d
}

// appendCommon добавляет Call-ID, CSeq и Max-Forwards
func (s *Stack) appendCommon(req *sip.Request, d *dialogCtx) {
	callID := sip.CallIDHeader(d.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextSeq(), MethodName: req.Method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
}

// contactHeader - Contact с локальной слушающей точкой
func (s *Stack) contactHeader(user string) *sip.ContactHeader {
	return &sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   user,
			Host:   s.cfg.Host,
			Port:   s.cfg.Port,
		},
	}
}

func appendCustomHeaders(req *sip.Request, headers map[string]string) {
	for name, value := range headers {
		if strings.HasPrefix(name, "X-") {
			req.AppendHeader(sip.NewHeader(name, value))
		}
	}
}
