package signaling

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Core - сигнальное ядро клиента: владеет реестром job, автоматами вызовов
// и регистрации и единственным воркером, который сериализует всю работу.
//
// Все публичные операции асинхронны: метод ставит задачу в очередь воркера
// и сразу возвращает id job; итог приходит уведомлением через Listener на
// отдельной горутине-нотификаторе. Колбэки транспорта (Sink) попадают в ту
// же очередь, поэтому состояние job никогда не мутируется конкурентно.
type Core struct {
	cfg       *Config
	transport Transport
	listener  Listener

	registry     *Registry
	auth         *authenticator
	regFsm       *registrationFsm
	connectivity *connectivityMonitor
	metrics      *Metrics
	log          *slog.Logger

	queue         chan func()
	notifications chan func(Listener)
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	// refreshTimer взводится воркером и гасится из Stop, поэтому
	// защищен собственным мьютексом
	refreshMu    sync.Mutex
	refreshTimer *time.Timer

	// id и тип текущего цикла open/reconfigure для синхронизатора
	openJobID string
	openKind  JobType
}

// Option настраивает Core при создании
type Option func(*Core)

// WithMetricsRegisterer задает Registerer для экспорта метрик;
// по умолчанию используется приватный реестр
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Core) {
		c.metrics = newMetrics(reg)
	}
}

// New создает сигнальное ядро поверх транспорта tr. Уведомления уходят
// в listener. Конфигурация валидируется сразу, ошибки конфигурации -
// типизированные доменные ошибки (MISSING_USERNAME и т.д.).
func New(cfg *Config, tr Transport, listener Listener, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	c := &Core{
		cfg:           cfg,
		transport:     tr,
		listener:      listener,
		log:           cfg.Logger.With(slog.String("component", "signaling")),
		queue:         make(chan func(), 64),
		notifications: make(chan func(Listener), 64),
		done:          make(chan struct{}),
	}
	c.registry = newRegistry(c.log)
	c.auth = newAuthenticator(c.log)
	c.connectivity = newConnectivityMonitor(c.log)
	c.regFsm = newRegistrationFsm(c.emitCombined, c.log)
	c.metrics = newMetrics(nil)

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Start запускает воркер и нотификатор
func (c *Core) Start() {
	c.wg.Add(2)
	go c.worker()
	go c.notifier()
}

// Stop останавливает горутины ядра. Job в полете не завершаются
// протокольно - для корректного завершения сначала вызывается Close().
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		c.stopRefresh()
		close(c.done)
	})
	c.wg.Wait()
}

func (c *Core) worker() {
	defer c.wg.Done()
	for {
		select {
		case task := <-c.queue:
			task()
		case <-c.done:
			return
		}
	}
}

func (c *Core) notifier() {
	defer c.wg.Done()
	for {
		select {
		case deliver := <-c.notifications:
			deliver(c.listener)
		case <-c.done:
			return
		}
	}
}

// do ставит задачу на воркер; после Stop задачи отбрасываются
func (c *Core) do(task func()) {
	select {
	case c.queue <- task:
	case <-c.done:
	}
}

// emit ставит уведомление на нотификатор ("домашний" контекст приложения)
func (c *Core) emit(deliver func(Listener)) {
	select {
	case c.notifications <- deliver:
	case <-c.done:
	}
}

// emitCombined отдает приложению комбинированный итог open/reconfigure,
// свернутый синхронизатором из сигнальной и push половин
func (c *Core) emitCombined(combined FsmContext) {
	id, kind := c.openJobID, c.openKind
	switch kind {
	case JobReconfigure, JobReconfigureReloadNetworking:
		c.emit(func(l Listener) {
			l.OnReconfigureReply(id, combined.Connectivity, combined.Status, combined.Text)
		})
	default:
		c.emit(func(l Listener) {
			l.OnOpenReply(id, combined.Connectivity, combined.Status, combined.Text)
		})
	}
}

// addJob создает job через реестр и учитывает метрики
func (c *Core) addJob(id string, t JobType, tx Transaction, params *Config) (*Job, bool) {
	j, ok := c.registry.Add(id, t, tx, params)
	if ok {
		c.metrics.jobAdded(t)
	}
	return j, ok
}

// removeJob снимает job с реестра; идемпотентен
func (c *Core) removeJob(j *Job) {
	if _, ok := c.registry.Get(j.id); !ok {
		return
	}
	c.registry.Remove(j.id)
	c.metrics.jobRemoved()
}

// --- публичные операции ---

// Open открывает устройство: поднимает слушающую точку, регистрируется
// (если настроен домен) и, дождавшись исхода push регистрации, отдает
// OnOpenReply. Возвращает id job.
func (c *Core) Open() string {
	id := uuid.NewString()
	c.do(func() {
		j, ok := c.addJob(id, JobOpen, nil, c.cfg)
		if !ok {
			return
		}
		c.openJobID, c.openKind = id, JobOpen
		c.feedPushIfDisabled(c.cfg)
		c.startRegistrationJob(j)
	})
	return id
}

// Close закрывает устройство: де-регистрация и освобождение привязок.
// Шаг shutdown выполняется всегда, даже если unregister не удался.
func (c *Core) Close() string {
	id := uuid.NewString()
	c.do(func() {
		if j, ok := c.addJob(id, JobClose, nil, c.cfg); ok {
			c.startRegistrationJob(j)
		}
	})
	return id
}

// Reconfigure применяет новую конфигурацию: де-регистрирует старые
// параметры (если был домен), регистрирует новые. reloadNetworking
// дополнительно пересоздает слушающую точку между ногами.
func (c *Core) Reconfigure(newCfg *Config, reloadNetworking bool) string {
	id := uuid.NewString()
	c.do(func() {
		if err := newCfg.Validate(); err != nil {
			code, text := errorCodeOf(err, ErrMissingUsername)
			state := c.connectivity.State()
			c.emit(func(l Listener) { l.OnReconfigureReply(id, state, code, text) })
			return
		}
		newCfg.withDefaults()

		t := JobReconfigure
		if reloadNetworking {
			t = JobReconfigureReloadNetworking
		}
		j, ok := c.addJob(id, t, nil, newCfg)
		if !ok {
			return
		}
		j.oldParams = c.cfg
		c.openJobID, c.openKind = id, t
		c.feedPushIfDisabled(newCfg)
		c.startRegistrationJob(j)
	})
	return id
}

// Call начинает исходящий вызов; возвращаемый id одновременно Call-ID
func (c *Core) Call(params *CallParams) string {
	id := uuid.NewString()
	c.do(func() {
		j, ok := c.addJob(id, JobCall, nil, c.cfg)
		if !ok {
			return
		}
		j.callParams = params
		j.call = newCallMachine(false)
		if err := c.startOutgoingCall(j); err != nil {
			code, text := errorCodeOf(err, ErrCouldNotConnect)
			c.failCall(j, code, text)
		}
	})
	return id
}

// Accept принимает входящий вызов с локальным SDP ответом
func (c *Core) Accept(id string, sdpAnswer string) {
	c.do(func() {
		j, ok := c.registry.Get(id)
		if !ok || j.call == nil {
			c.registry.warnUnknown(id, "accept")
			return
		}
		c.acceptCall(j, sdpAnswer)
	})
}

// Disconnect завершает вызов. На раннем входящем диалоге это DECLINE,
// на раннем исходящем - CANCEL (операция не прерывается локально, она
// ждет сетевого исхода), на подтвержденном - BYE с опциональным reason.
func (c *Core) Disconnect(id string, reason string) {
	c.do(func() {
		j, ok := c.registry.Get(id)
		if !ok || j.call == nil {
			c.registry.warnUnknown(id, "disconnect")
			return
		}
		c.disconnectCall(j, reason)
	})
}

// SendDigits отправляет DTMF цифры внутри подтвержденного вызова
func (c *Core) SendDigits(id string, digits string) {
	c.do(func() {
		j, ok := c.registry.Get(id)
		if !ok || j.call == nil {
			c.registry.warnUnknown(id, "send digits")
			return
		}
		c.sendDigits(j, digits)
	})
}

// SendMessage отправляет текстовое сообщение; возвращает id job
func (c *Core) SendMessage(peer string, text string) string {
	id := uuid.NewString()
	c.do(func() {
		j, ok := c.addJob(id, JobMessage, nil, c.cfg)
		if !ok {
			return
		}
		j.messageText = text
		j.callParams = &CallParams{Peer: peer}
		c.startMessage(j)
	})
	return id
}

// ConnectivityChanged сообщает ядру о смене типа подключения.
// Повторы подавляются; реальный переход запускает перезапуск сети.
func (c *Core) ConnectivityChanged(state ConnectivityState) {
	c.do(func() {
		switch c.connectivity.Update(state) {
		case TransitionNone, TransitionLost:
			// Потеря сети job не создает: следующие операции увидят
			// ConnectivityNone и завершатся NO_CONNECTIVITY
			return
		case TransitionAvailable:
			c.startNetworkingJob(JobStartNetworking)
		case TransitionSwitched:
			c.startNetworkingJob(JobReloadNetworking)
		}
	})
}

func (c *Core) startNetworkingJob(t JobType) {
	id := uuid.NewString()
	if j, ok := c.addJob(id, t, nil, c.cfg); ok {
		c.startRegistrationJob(j)
	}
}

// PushRegistrationDone сообщает исход push регистрации; вторая половина
// синхронизатора, без нее OnOpenReply/OnReconfigureReply не уходят
func (c *Core) PushRegistrationDone(status ErrorCode, text string) {
	c.do(func() {
		c.regFsm.PushDone(FsmContext{
			Connectivity: c.connectivity.State(),
			Status:       status,
			Text:         text,
		})
	})
}

// feedPushIfDisabled закрывает push половину синхронизатора сразу,
// если push не требуется. Проверяется конфигурация запускаемого job,
// а не текущая: reconfigure может выключить push, который был включен.
func (c *Core) feedPushIfDisabled(params *Config) {
	if params.PushEnabled {
		return
	}
	c.regFsm.PushDone(FsmContext{
		Connectivity: c.connectivity.State(),
		Status:       StatusSuccess,
		Text:         "push registration not needed",
	})
}

// PushCallArrived создает job входящего вызова по push уведомлению.
// Реальный INVITE с тем же Call-ID присоединится к этому job, когда
// дойдет по основному транспорту.
func (c *Core) PushCallArrived(callID string) {
	c.do(func() {
		if j, ok := c.addJob(callID, JobCall, nil, c.cfg); ok {
			j.call = newCallMachine(true)
		}
	})
}

// PushMessageArrived доставляет сообщение, пришедшее через push, так же,
// как если бы оно пришло по основному транспорту
func (c *Core) PushMessageArrived(id string, peer string, text string) {
	c.do(func() {
		c.emit(func(l Listener) { l.OnMessageArrived(id, peer, text) })
	})
}

// ConnectivityState возвращает последнее известное состояние подключения.
// Снимок читается через воркер, чтобы не гоняться с монитором.
func (c *Core) ConnectivityState() ConnectivityState {
	result := make(chan ConnectivityState, 1)
	c.do(func() { result <- c.connectivity.State() })
	select {
	case state := <-result:
		return state
	case <-c.done:
		return ConnectivityNone
	}
}

// --- Sink: асинхронные события транспорта ---

// OnResponse маршрутизирует ответ в job по Call-ID
func (c *Core) OnResponse(callID string, res *sip.Response, tx Transaction, dialog DialogState) {
	c.do(func() {
		j, ok := c.registry.Get(callID)
		if !ok {
			// Гонка позднего сетевого события со снятием job - норма
			c.registry.warnUnknown(callID, "response "+strconv.Itoa(res.StatusCode))
			return
		}
		switch j.jobType {
		case JobCall:
			c.handleCallResponse(j, res, dialog)
		case JobMessage:
			c.handleMessageResponse(j, res)
		default:
			c.handleRegistrationResponse(j, res)
		}
	})
}

// OnRequest маршрутизирует входящий запрос
func (c *Core) OnRequest(callID string, req *sip.Request, tx Transaction, dialog DialogState) {
	c.do(func() {
		switch req.Method {
		case sip.INVITE:
			c.handleIncomingInvite(callID, req, tx)
		case sip.MESSAGE:
			c.handleIncomingMessage(callID, req, tx)
		default:
			j, ok := c.registry.Get(callID)
			if !ok || j.call == nil {
				c.registry.warnUnknown(callID, "request "+string(req.Method))
				return
			}
			c.handleCallRequest(j, req, tx, dialog)
		}
	})
}

// OnTimeout завершает job владельца транзакции ошибкой таймаута
func (c *Core) OnTimeout(callID string) {
	c.do(func() {
		j, ok := c.registry.Get(callID)
		if !ok {
			c.registry.warnUnknown(callID, "timeout")
			return
		}
		c.metrics.timedOut()
		switch j.jobType {
		case JobCall:
			c.failCall(j, ErrSignalingTimeout, "signaling timeout")
		case JobMessage:
			id := j.id
			c.emit(func(l Listener) {
				l.OnMessageReply(id, ErrSignalingTimeout, "signaling timeout")
			})
			c.removeJob(j)
		default:
			c.handleRegistrationTimeout(j)
		}
	})
}

// --- сообщения ---

// startMessage собирает и отправляет MESSAGE
func (c *Core) startMessage(j *Job) {
	req, err := c.transport.BuildMessage(j.id, c.cfg, j.callParams.Peer, j.messageText)
	if err != nil {
		id := j.id
		c.emit(func(l Listener) { l.OnMessageReply(id, ErrMessageURIInvalid, err.Error()) })
		c.removeJob(j)
		return
	}

	tx, err := c.transport.SendRequest(req)
	if err != nil {
		id, text := j.id, err.Error()
		c.emit(func(l Listener) { l.OnMessageReply(id, ErrCouldNotConnect, text) })
		c.removeJob(j)
		return
	}
	j.tx = tx
}

// handleMessageResponse обрабатывает ответ на MESSAGE
func (c *Core) handleMessageResponse(j *Job, res *sip.Response) {
	if isChallenge(res.StatusCode) {
		if err := c.auth.retry(j, res, c.transport); err != nil {
			code, text := errorCodeOf(err, ErrAuthenticationForbidden)
			id := j.id
			c.emit(func(l Listener) { l.OnMessageReply(id, code, text) })
			c.removeJob(j)
		} else {
			c.metrics.authRetried()
		}
		return
	}

	id := j.id
	switch {
	case res.StatusCode == sip.StatusOK || res.StatusCode == sip.StatusAccepted:
		c.emit(func(l Listener) { l.OnMessageReply(id, StatusSuccess, "Success") })
		c.removeJob(j)
	case res.StatusCode == sip.StatusNotFound:
		text := res.Reason
		c.emit(func(l Listener) { l.OnMessageReply(id, ErrPeerNotFound, text) })
		c.removeJob(j)
	case res.StatusCode >= 300:
		text := res.Reason
		c.emit(func(l Listener) { l.OnMessageReply(id, ErrCouldNotConnect, text) })
		c.removeJob(j)
	}
}

// handleIncomingMessage отвечает 200 и отдает текст приложению
func (c *Core) handleIncomingMessage(callID string, req *sip.Request, tx Transaction) {
	if ok, err := c.transport.BuildResponse(req, sip.StatusOK, "OK", nil); err == nil {
		if respondErr := tx.Respond(ok); respondErr != nil {
			c.log.Error("failed to respond 200 to MESSAGE", slog.Any("error", respondErr))
		}
	}

	peer := ""
	if from := req.From(); from != nil {
		peer = from.Address.String()
	}
	text := string(req.Body())
	c.emit(func(l Listener) { l.OnMessageArrived(callID, peer, text) })
}

// --- обновление регистрации ---

// scheduleRefresh планирует RegisterRefresh на половине срока регистрации
func (c *Core) scheduleRefresh() {
	c.stopRefresh()
	interval := time.Duration(c.cfg.Expires) * time.Second / 2

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.refreshTimer = time.AfterFunc(interval, func() {
		c.do(c.startRefresh)
	})
}

func (c *Core) stopRefresh() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

// startRefresh запускает очередной цикл обновления регистрации
func (c *Core) startRefresh() {
	if !c.cfg.hasDomain() {
		return
	}
	id := uuid.NewString()
	j, ok := c.addJob(id, JobRegisterRefresh, nil, c.cfg)
	if !ok {
		return
	}
	c.emit(func(l Listener) { l.OnRegisteringEvent(id) })
	c.startRegistrationJob(j)
}
