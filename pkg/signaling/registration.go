package signaling

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
)

// Регистрационные job исполняются как упорядоченная последовательность
// именованных шагов (см. stepsFor). Необязательный шаг пропускается явным
// "loop around": auth выполняется только когда пришел challenge, register
// и unregister - только когда у соответствующих параметров настроен домен.

// startRegistrationJob запускает первый шаг последовательности
func (c *Core) startRegistrationJob(j *Job) {
	c.runStep(j)
}

// runStep исполняет текущий шаг job
func (c *Core) runStep(j *Job) {
	st, ok := j.currentStep()
	if !ok {
		c.removeJob(j)
		return
	}

	c.log.Debug("running registration step",
		slog.String("jobID", j.id),
		slog.String("type", j.jobType.String()),
		slog.String("step", st.String()))

	switch st {
	case stepBindRegister:
		if c.connectivity.State() == ConnectivityNone {
			c.finishRegistrationJob(j, ErrNoConnectivity, "no network connectivity")
			return
		}
		if err := c.transport.Bind(); err != nil {
			c.finishRegistrationJob(j, ErrCouldNotConnect, err.Error())
			return
		}
		if !j.params.hasDomain() {
			// Домен не настроен: регистрация пропускается целиком,
			// notify срабатывает сразу с успехом
			c.finishRegistrationJob(j, StatusSuccess, "Success")
			return
		}
		c.sendRegister(j, j.params, j.params.Expires)

	case stepRegister:
		if !j.params.hasDomain() {
			c.advanceStep(j)
			return
		}
		c.sendRegister(j, j.params, j.params.Expires)

	case stepUnregister:
		old := j.oldParams
		if old == nil {
			old = j.params
		}
		if !old.hasDomain() {
			c.advanceStep(j)
			return
		}
		c.sendRegister(j, old, 0)

	case stepRebind:
		if err := c.transport.Release(); err != nil {
			c.log.Warn("release before rebind failed",
				slog.String("jobID", j.id), slog.Any("error", err))
		}
		if err := c.transport.Bind(); err != nil {
			c.finishRegistrationJob(j, ErrCouldNotConnect, err.Error())
			return
		}
		c.advanceStep(j)

	case stepNotify:
		c.finishRegistrationJob(j, StatusSuccess, "Success")

	case stepShutdown:
		c.shutdownStep(j, StatusSuccess, "Success")
	}
}

// advanceStep переходит к следующему шагу и исполняет его;
// условные auth шаги пропускаются внутри advance
func (c *Core) advanceStep(j *Job) {
	if _, ok := j.advance(); ok {
		c.runStep(j)
		return
	}
	c.removeJob(j)
}

// sendRegister собирает и отправляет REGISTER с указанным expires
// (0 означает де-регистрацию) от имени параметров params
func (c *Core) sendRegister(j *Job, params *Config, expires int) {
	req, err := c.transport.BuildRegister(j.id, params, expires)
	if err != nil {
		c.registrationLegFailed(j, ErrRegisterURIInvalid, err.Error())
		return
	}

	tx, err := c.transport.SendRequest(req)
	if err != nil {
		c.registrationLegFailed(j, ErrCouldNotConnect, err.Error())
		return
	}
	j.tx = tx
}

// handleRegistrationResponse обрабатывает ответ на REGISTER/unREGISTER
func (c *Core) handleRegistrationResponse(j *Job, res *sip.Response) {
	if isChallenge(res.StatusCode) {
		// Условный вход в auth шаг: любой другой исход пропускает его
		if !j.enterAuth() {
			c.registrationLegFailed(j, ErrAuthenticationForbidden,
				"challenge received but no auth step remains")
			return
		}
		if err := c.auth.retry(j, res, c.transport); err != nil {
			code, text := errorCodeOf(err, ErrAuthenticationForbidden)
			c.registrationLegFailed(j, code, text)
			return
		}
		c.metrics.authRetried()
		return
	}

	switch {
	case res.StatusCode == sip.StatusOK:
		c.advanceStep(j)

	case res.StatusCode == sip.StatusForbidden:
		c.registrationLegFailed(j, ErrAuthenticationForbidden, res.Reason)

	case res.StatusCode == sip.StatusServiceUnavailable:
		c.registrationLegFailed(j, ErrServiceUnavailable, res.Reason)

	case res.StatusCode >= 300:
		c.registrationLegFailed(j, ErrCouldNotConnect,
			"registration rejected: "+res.Reason)
	}
}

// handleRegistrationTimeout обрабатывает таймаут транзакции регистрации
func (c *Core) handleRegistrationTimeout(j *Job) {
	c.registrationLegFailed(j, ErrSignalingTimeout, "signaling timeout")
}

// registrationLegFailed применяет политику ошибок: неудача unregister-ноги
// Reconfigure/Close - транзиентное предупреждение, остальное терминально
func (c *Core) registrationLegFailed(j *Job, code ErrorCode, text string) {
	leg, _ := j.currentLeg()
	if leg == stepUnregister {
		switch j.jobType {
		case JobReconfigure, JobReconfigureReloadNetworking:
			c.log.Warn("unregister leg failed, continuing reconfigure",
				slog.String("jobID", j.id),
				slog.String("code", code.String()),
				slog.String("text", text))
			c.advanceStep(j)
			return
		case JobClose:
			c.log.Warn("unregister failed, proceeding to shutdown",
				slog.String("jobID", j.id),
				slog.String("code", code.String()),
				slog.String("text", text))
			c.shutdownStep(j, StatusSuccess, "Success")
			return
		}
	}

	c.finishRegistrationJob(j, code, text)
}

// finishRegistrationJob - терминальный notify шаг: ровно одно уведомление,
// job снимается с реестра
func (c *Core) finishRegistrationJob(j *Job, code ErrorCode, text string) {
	if j.jobType == JobClose {
		c.shutdownStep(j, code, text)
		return
	}

	connectivity := c.connectivity.State()
	id := j.id

	switch j.jobType {
	case JobOpen, JobReconfigure, JobReconfigureReloadNetworking:
		if code == StatusSuccess {
			if j.params != nil {
				c.cfg = j.params
			}
			if c.cfg.hasDomain() {
				c.scheduleRefresh()
			}
		}
		// Итог сигнальной половины уходит в синхронизатор; комбинированное
		// уведомление приложению отправит он, дождавшись push половины
		c.regFsm.SignalingDone(FsmContext{
			Connectivity: connectivity,
			Status:       code,
			Text:         text,
		})

	case JobRegisterRefresh:
		if code != StatusSuccess {
			c.log.Warn("registration refresh failed",
				slog.String("jobID", id),
				slog.String("code", code.String()),
				slog.String("text", text))
		}
		if code != ErrAuthenticationMaxRetries && c.cfg.hasDomain() {
			c.scheduleRefresh()
		}

	case JobReloadNetworking, JobStartNetworking:
		if code != StatusSuccess {
			c.log.Warn("networking reload finished with error",
				slog.String("jobID", id),
				slog.String("code", code.String()),
				slog.String("text", text))
		}
		c.emit(func(l Listener) { l.OnConnectivityEvent(id, connectivity) })
	}

	c.removeJob(j)
}

// shutdownStep - терминальный шаг Close: всегда выполняется и всегда
// освобождает транспортные привязки, даже после неудачного unregister
func (c *Core) shutdownStep(j *Job, code ErrorCode, text string) {
	c.stopRefresh()

	if err := c.transport.Release(); err != nil {
		c.log.Warn("transport release failed during shutdown",
			slog.String("jobID", j.id), slog.Any("error", err))
	}

	id := j.id
	c.emit(func(l Listener) { l.OnCloseReply(id, code, text) })
	c.removeJob(j)
}
