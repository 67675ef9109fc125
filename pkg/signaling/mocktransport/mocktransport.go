package mocktransport

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_client/pkg/signaling"
)

// Tx - записанная транзакция. Реализует signaling.Transaction и хранит
// все ответы, отправленные через нее ядром.
type Tx struct {
	mu         sync.Mutex
	req        *sip.Request
	responses  []*sip.Response
	terminated bool

	// RespondErr возвращается из Respond, если установлен
	RespondErr error
}

func (t *Tx) Request() *sip.Request { return t.req }

func (t *Tx) Respond(res *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RespondErr != nil {
		return t.RespondErr
	}
	t.responses = append(t.responses, res)
	return nil
}

func (t *Tx) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.terminated = true
}

// Responses возвращает копию ответов, отправленных через транзакцию
func (t *Tx) Responses() []*sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*sip.Response, len(t.responses))
	copy(out, t.responses)
	return out
}

// WaitResponse ждет, пока ядро отправит через транзакцию ответ с кодом
// status, и возвращает его
func (t *Tx) WaitResponse(test *testing.T, status int) *sip.Response {
	test.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, res := range t.Responses() {
			if res.StatusCode == status {
				return res
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	test.Fatalf("response %d was not sent", status)
	return nil
}

// LastResponse возвращает последний отправленный ответ или nil
func (t *Tx) LastResponse() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

// NewServerTx создает серверную транзакцию для входящего запроса,
// который тест доставляет ядру через Sink.OnRequest
func NewServerTx(req *sip.Request) *Tx {
	return &Tx{req: req}
}

// Transport - in-memory транспорт для тестов. Потокобезопасен: ядро
// пишет из воркера, тест читает из своей горутины.
type Transport struct {
	mu sync.Mutex

	bound        bool
	bindCalls    int
	releaseCalls int

	sent    []*Tx
	acks    []string
	dialogs map[string]signaling.DialogState

	// Эмуляция ошибок транспорта
	BindErr    error
	ReleaseErr error
	SendErr    error
}

func New() *Transport {
	return &Transport{dialogs: make(map[string]signaling.DialogState)}
}

func (m *Transport) Bind() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindCalls++
	if m.BindErr != nil {
		return m.BindErr
	}
	m.bound = true
	return nil
}

func (m *Transport) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	if m.ReleaseErr != nil {
		return m.ReleaseErr
	}
	m.bound = false
	return nil
}

// BindCalls возвращает число вызовов Bind
func (m *Transport) BindCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindCalls
}

// ReleaseCalls возвращает число вызовов Release
func (m *Transport) ReleaseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseCalls
}

func (m *Transport) BuildRegister(id string, cfg *signaling.Config, expires int) (*sip.Request, error) {
	var uri sip.Uri
	if err := sip.ParseUri("sip:"+cfg.Domain, &uri); err != nil {
		return nil, fmt.Errorf("invalid register URI: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, uri)
	addDialogHeaders(req, id, cfg.Username, cfg.Domain)
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	return req, nil
}

func (m *Transport) BuildInvite(id string, cfg *signaling.Config, params *signaling.CallParams) (*sip.Request, error) {
	var uri sip.Uri
	if err := sip.ParseUri(params.Peer, &uri); err != nil {
		return nil, fmt.Errorf("invalid peer URI %q: %w", params.Peer, err)
	}

	req := sip.NewRequest(sip.INVITE, uri)
	addDialogHeaders(req, id, cfg.Username, cfg.Domain)
	for name, value := range params.Headers {
		req.AppendHeader(sip.NewHeader(name, value))
	}
	if params.SDPOffer != "" {
		ct := sip.ContentTypeHeader("application/sdp")
		req.AppendHeader(&ct)
		req.SetBody([]byte(params.SDPOffer))
	}
	return req, nil
}

func (m *Transport) BuildMessage(id string, cfg *signaling.Config, peer string, text string) (*sip.Request, error) {
	var uri sip.Uri
	if err := sip.ParseUri(peer, &uri); err != nil {
		return nil, fmt.Errorf("invalid peer URI %q: %w", peer, err)
	}

	req := sip.NewRequest(sip.MESSAGE, uri)
	addDialogHeaders(req, id, cfg.Username, cfg.Domain)
	ct := sip.ContentTypeHeader("text/plain")
	req.AppendHeader(&ct)
	req.SetBody([]byte(text))
	return req, nil
}

func (m *Transport) BuildBye(callID string, reason string) (*sip.Request, error) {
	req, err := m.inDialogRequest(sip.BYE, callID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		req.AppendHeader(sip.NewHeader("Reason",
			`SIP;cause=200;text="`+reason+`"`))
	}
	return req, nil
}

func (m *Transport) BuildCancel(callID string) (*sip.Request, error) {
	return m.inDialogRequest(sip.CANCEL, callID)
}

func (m *Transport) BuildInfo(callID string, body *signaling.Body) (*sip.Request, error) {
	req, err := m.inDialogRequest(sip.INFO, callID)
	if err != nil {
		return nil, err
	}
	if body != nil {
		ct := sip.ContentTypeHeader(body.ContentType)
		req.AppendHeader(&ct)
		req.SetBody([]byte(body.Content))
	}
	return req, nil
}

func (m *Transport) BuildResponse(req *sip.Request, status int, reason string, body *signaling.Body) (*sip.Response, error) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if body != nil {
		ct := sip.ContentTypeHeader(body.ContentType)
		res.AppendHeader(&ct)
		res.SetBody([]byte(body.Content))
	}
	return res, nil
}

func (m *Transport) SendRequest(req *sip.Request) (signaling.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	tx := &Tx{req: req}
	m.sent = append(m.sent, tx)
	return tx, nil
}

func (m *Transport) SendAck(callID string, res *sip.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.acks = append(m.acks, callID)
	return nil
}

func (m *Transport) DialogState(callID string) signaling.DialogState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialogs[callID]
}

// SetDialogState задает состояние диалога, возвращаемое DialogState
func (m *Transport) SetDialogState(callID string, st signaling.DialogState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialogs[callID] = st
}

// Acks возвращает Call-ID всех отправленных ACK
func (m *Transport) Acks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.acks))
	copy(out, m.acks)
	return out
}

// Sent возвращает все записанные транзакции
func (m *Transport) Sent() []*Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tx, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentByMethod возвращает транзакции указанного метода в порядке отправки
func (m *Transport) SentByMethod(method sip.RequestMethod) []*Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tx
	for _, tx := range m.sent {
		if tx.req.Method == method {
			out = append(out, tx)
		}
	}
	return out
}

// WaitSent ждет, пока ядро отправит очередной запрос метода method,
// и возвращает его транзакцию. Счет ведется по числу уже отправленных:
// повторный вызов вернет следующую транзакцию того же метода.
func (m *Transport) WaitSent(t *testing.T, method sip.RequestMethod) *Tx {
	t.Helper()
	seen := len(m.SentByMethod(method))
	return m.waitNth(t, method, seen)
}

// WaitNthSent ждет n-ю (с нуля) транзакцию метода method
func (m *Transport) WaitNthSent(t *testing.T, method sip.RequestMethod, n int) *Tx {
	t.Helper()
	return m.waitNth(t, method, n)
}

func (m *Transport) waitNth(t *testing.T, method sip.RequestMethod, n int) *Tx {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if txs := m.SentByMethod(method); len(txs) > n {
			return txs[n]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("request %s was not sent", method)
	return nil
}

// inDialogRequest собирает внутридиалоговый запрос с указанным Call-ID.
// Адресат берется из последнего INVITE с тем же Call-ID, если он был.
func (m *Transport) inDialogRequest(method sip.RequestMethod, callID string) (*sip.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uri := sip.Uri{Scheme: "sip", Host: "peer.invalid"}
	for i := len(m.sent) - 1; i >= 0; i-- {
		prev := m.sent[i].req
		if prev.Method == sip.INVITE {
			if cid := prev.CallID(); cid != nil && cid.Value() == callID {
				uri = prev.Recipient
				break
			}
		}
	}

	req := sip.NewRequest(method, uri)
	addDialogHeaders(req, callID, "mock", "mock.invalid")
	return req, nil
}

// addDialogHeaders добавляет обязательные заголовки диалога.
// Via добавил бы настоящий транспортный уровень, мок его опускает.
func addDialogHeaders(req *sip.Request, callID, user, domain string) {
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: domain},
		Params:  sip.HeaderParams{"tag": "mock-" + callID},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: req.Recipient,
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: req.Method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
}
