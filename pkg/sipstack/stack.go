package sipstack

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sip_client/pkg/signaling"
)

// Config - настройки транспортного стека
type Config struct {
	// Host и Port локальной слушающей точки
	Host string
	Port int
	// Transport - "udp" или "tcp"
	Transport string
	// UserAgent для заголовка User-Agent
	UserAgent string
	Logger    *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.UserAgent == "" {
		c.UserAgent = "sip_client/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stack реализует signaling.Transport поверх sipgo
type Stack struct {
	cfg  Config
	log  *slog.Logger
	sink signaling.Sink

	mu          sync.Mutex
	ua          *sipgo.UserAgent
	srv         *sipgo.Server
	client      *sipgo.Client
	cancelServe context.CancelFunc

	dialogs *dialogTable
}

// New создает стек; слушающая точка поднимается позже, в Bind
func New(cfg Config) *Stack {
	cfg.withDefaults()
	return &Stack{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("component", "sipstack")),
		dialogs: newDialogTable(),
	}
}

// SetSink задает получателя событий стека. Обязан быть вызван до Bind.
func (s *Stack) SetSink(sink signaling.Sink) {
	s.sink = sink
}

// Bind поднимает sipgo UserAgent, Server и Client и начинает слушать.
// Повторный Bind без Release - no-op.
func (s *Stack) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ua != nil {
		return nil
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(s.cfg.UserAgent),
		sipgo.WithUserAgentHostname(s.cfg.Host),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create user agent")
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return errors.Wrap(err, "failed to create server")
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		_ = ua.Close()
		return errors.Wrap(err, "failed to create client")
	}

	s.ua, s.srv, s.client = ua, srv, client
	s.registerHandlers(srv)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelServe = cancel

	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	go func() {
		if err := srv.ListenAndServe(ctx, s.cfg.Transport, addr); err != nil &&
			ctx.Err() == nil {
			s.log.Error("listener stopped", slog.Any("error", err))
		}
	}()

	s.log.Info("stack bound",
		slog.String("addr", addr),
		slog.String("transport", s.cfg.Transport))
	return nil
}

// Release останавливает слушающую точку и сбрасывает учет диалогов.
// Повторный Release - no-op.
func (s *Stack) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ua == nil {
		return nil
	}

	s.cancelServe()
	if err := s.client.Close(); err != nil {
		s.log.Warn("client close failed", slog.Any("error", err))
	}
	if err := s.srv.Close(); err != nil {
		s.log.Warn("server close failed", slog.Any("error", err))
	}
	if err := s.ua.Close(); err != nil {
		s.log.Warn("user agent close failed", slog.Any("error", err))
	}

	s.ua, s.srv, s.client, s.cancelServe = nil, nil, nil, nil
	s.dialogs.clear()

	s.log.Info("stack released")
	return nil
}

// DialogState возвращает состояние диалога по Call-ID
func (s *Stack) DialogState(callID string) signaling.DialogState {
	return s.dialogs.state(callID)
}

// SendRequest отправляет запрос новой клиентской транзакцией и запускает
// насос ее ответов в Sink
func (s *Stack) SendRequest(req *sip.Request) (signaling.Transaction, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, errors.New("stack is not bound")
	}

	// Дефолтная сборка sipgo добавит Via, если его в запросе еще нет;
	// CANCEL приходит сюда уже с Via исходного INVITE
	tx, err := client.TransactionRequest(context.Background(), req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}

	adapter := &clientTx{req: req, tx: tx}
	go s.pumpResponses(req, tx, adapter)
	return adapter, nil
}

// SendAck подтверждает 200 OK на INVITE. ACK на 2xx идет вне транзакции.
func (s *Stack) SendAck(callID string, res *sip.Response) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("stack is not bound")
	}

	d, ok := s.dialogs.get(callID)
	if !ok || d.invite == nil {
		return errors.Errorf("no dialog for call %s", callID)
	}

	ack := buildAck(d.invite, res)
	if err := client.WriteRequest(ack); err != nil {
		return errors.Wrap(err, "failed to send ACK")
	}
	return nil
}

// buildAck собирает ACK на 2xx ответ. Цель - Contact из ответа, если он
// есть, иначе Recipient исходного INVITE; From/Call-ID/CSeq берутся из
// INVITE, To - из ответа (с тегом удаленной стороны). Via проставит
// транспорт при отправке.
func buildAck(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	sip.CopyHeaders("Route", invite, ack)
	if from := invite.From(); from != nil {
		ack.AppendHeader(sip.HeaderClone(from))
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	if cid := invite.CallID(); cid != nil {
		ack.AppendHeader(sip.HeaderClone(cid))
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	if contact := invite.Contact(); contact != nil {
		ack.AppendHeader(sip.HeaderClone(contact))
	}

	ack.SetTransport(invite.Transport())
	ack.SetSource(invite.Source())
	return ack
}

// pumpResponses переливает ответы клиентской транзакции в Sink.
// Провизорные и финальный ответы доставляются по мере прихода; завершение
// транзакции без финального ответа трактуется как таймаут.
func (s *Stack) pumpResponses(req *sip.Request, tx sip.ClientTransaction, adapter *clientTx) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	final := false
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				if !final {
					s.sink.OnTimeout(callID)
				}
				return
			}
			s.noteResponse(callID, req, res)
			if res.StatusCode >= 200 {
				final = true
			}
			s.sink.OnResponse(callID, res, adapter, s.dialogs.state(callID))

		case <-tx.Done():
			if !final {
				if err := tx.Err(); err != nil {
					s.log.Debug("transaction finished with error",
						slog.String("callID", callID), slog.Any("error", err))
				}
				s.sink.OnTimeout(callID)
			}
			return
		}
	}
}

// noteResponse обновляет учет диалога по ответу на клиентскую транзакцию
func (s *Stack) noteResponse(callID string, req *sip.Request, res *sip.Response) {
	if req.Method == sip.BYE && res.StatusCode == sip.StatusOK {
		s.dialogs.remove(callID)
		return
	}
	if req.Method != sip.INVITE {
		return
	}

	s.dialogs.update(callID, func(d *dialogCtx) {
		if to := res.To(); to != nil {
			if tag, ok := to.Params.Get("tag"); ok {
				d.remoteTag = tag
			}
		}
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			d.state = signaling.DialogConfirmed
			if contact := res.Contact(); contact != nil {
				d.remoteTarget = contact.Address
			}
			d.routeSet = routeSetFromResponse(res)
		case res.StatusCode >= 300:
			d.state = signaling.DialogTerminated
		case res.StatusCode > 100:
			d.state = signaling.DialogEarly
		}
	})
}

// routeSetFromResponse собирает route set из Record-Route ответа
// в обратном порядке, как предписывает диалоговая маршрутизация
func routeSetFromResponse(res *sip.Response) []sip.Uri {
	var routes []sip.Uri
	for _, h := range res.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, rr.Address)
		}
	}
	for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
		routes[i], routes[j] = routes[j], routes[i]
	}
	return routes
}

// clientTx адаптирует sip.ClientTransaction к signaling.Transaction
type clientTx struct {
	req *sip.Request
	tx  sip.ClientTransaction
}

func (t *clientTx) Request() *sip.Request { return t.req }

// Respond на клиентской транзакции не имеет смысла
func (t *clientTx) Respond(*sip.Response) error {
	return errors.New("cannot respond on a client transaction")
}

func (t *clientTx) Terminate() { t.tx.Terminate() }

// serverTx адаптирует sip.ServerTransaction к signaling.Transaction
// и обновляет состояние диалога при отправке ответов
type serverTx struct {
	stack  *Stack
	callID string
	req    *sip.Request
	tx     sip.ServerTransaction
}

func (t *serverTx) Request() *sip.Request { return t.req }

func (t *serverTx) Respond(res *sip.Response) error {
	if err := t.tx.Respond(res); err != nil {
		return errors.Wrap(err, "failed to respond")
	}
	if t.req.Method == sip.INVITE {
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			t.stack.dialogs.setState(t.callID, signaling.DialogConfirmed)
		case res.StatusCode >= 300:
			t.stack.dialogs.setState(t.callID, signaling.DialogTerminated)
		case res.StatusCode > 100:
			t.stack.dialogs.setState(t.callID, signaling.DialogEarly)
		}
	}
	return nil
}

func (t *serverTx) Terminate() { t.tx.Terminate() }
