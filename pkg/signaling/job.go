package signaling

import "fmt"

// JobType - тип сигнальной операции
type JobType int

const (
	// JobOpen - открытие устройства: bind + register + notify
	JobOpen JobType = iota
	// JobRegisterRefresh - периодическое обновление регистрации
	JobRegisterRefresh
	// JobClose - закрытие устройства: unregister + shutdown
	JobClose
	// JobReconfigure - смена учетной записи: unregister(old) + register(new)
	JobReconfigure
	// JobReconfigureReloadNetworking - Reconfigure с пересозданием слушающей точки
	JobReconfigureReloadNetworking
	// JobReloadNetworking - пересоздание слушающей точки при смене сети
	JobReloadNetworking
	// JobStartNetworking - первичный запуск сети после ее появления
	JobStartNetworking
	// JobCall - один вызов (входящий или исходящий)
	JobCall
	// JobMessage - одно исходящее или входящее сообщение
	JobMessage
)

func (t JobType) String() string {
	switch t {
	case JobOpen:
		return "Open"
	case JobRegisterRefresh:
		return "RegisterRefresh"
	case JobClose:
		return "Close"
	case JobReconfigure:
		return "Reconfigure"
	case JobReconfigureReloadNetworking:
		return "ReconfigureReloadNetworking"
	case JobReloadNetworking:
		return "ReloadNetworking"
	case JobStartNetworking:
		return "StartNetworking"
	case JobCall:
		return "Call"
	case JobMessage:
		return "Message"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

// step - именованный шаг регистрационной последовательности
type step int

const (
	// stepBindRegister - поднять слушающую точку и зарегистрироваться
	stepBindRegister step = iota
	// stepRegister - отправить REGISTER с настроенным expires
	stepRegister
	// stepUnregister - отправить REGISTER с expires=0 для старых параметров
	stepUnregister
	// stepRebind - пересоздать слушающую точку
	stepRebind
	// stepAuth - условный шаг: выполняется только если пришел challenge
	stepAuth
	// stepNotify - терминальный шаг: уведомить приложение и снять job
	stepNotify
	// stepShutdown - терминальный шаг Close: всегда освобождает привязки
	stepShutdown
)

func (s step) String() string {
	switch s {
	case stepBindRegister:
		return "bind-register"
	case stepRegister:
		return "register"
	case stepUnregister:
		return "unregister"
	case stepRebind:
		return "rebind"
	case stepAuth:
		return "auth"
	case stepNotify:
		return "notify"
	case stepShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// stepsFor возвращает последовательность шагов для типа job.
// Вызовы и сообщения шагов не имеют - ими управляет callMachine.
func stepsFor(t JobType) []step {
	switch t {
	case JobOpen:
		return []step{stepBindRegister, stepAuth, stepNotify}
	case JobRegisterRefresh:
		return []step{stepRegister, stepAuth, stepNotify}
	case JobClose:
		return []step{stepUnregister, stepAuth, stepShutdown}
	case JobReconfigure:
		return []step{stepUnregister, stepAuth, stepRegister, stepAuth, stepNotify}
	case JobReconfigureReloadNetworking:
		return []step{stepUnregister, stepAuth, stepRebind, stepRegister, stepAuth, stepNotify}
	case JobReloadNetworking, JobStartNetworking:
		return []step{stepRebind, stepRegister, stepAuth, stepNotify}
	default:
		return nil
	}
}

// Job - одна сигнальная операция в полете. Принадлежит исключительно
// реестру и мутируется только на воркере ядра.
type Job struct {
	id      string
	jobType JobType

	// tx - последняя незавершенная транзакция job, заменяется по ходу шагов
	tx Transaction

	// params - конфигурация, с которой выполняется job;
	// oldParams - предыдущая конфигурация для unregister-ноги Reconfigure
	params    *Config
	oldParams *Config

	// callParams и call заполняются только для JobCall/JobMessage;
	// messageText - текст исходящего MESSAGE
	callParams  *CallParams
	call        *callMachine
	messageText string

	// authAttempts ограничен MaxAuthAttempts
	authAttempts int

	steps     []step
	stepIndex int
}

// ID возвращает идентификатор job (для вызовов это Call-ID)
func (j *Job) ID() string { return j.id }

// Type возвращает тип операции
func (j *Job) Type() JobType { return j.jobType }

// AuthAttempts возвращает число выполненных попыток аутентификации
func (j *Job) AuthAttempts() int { return j.authAttempts }

// currentStep возвращает текущий шаг последовательности
func (j *Job) currentStep() (step, bool) {
	if j.stepIndex < 0 || j.stepIndex >= len(j.steps) {
		return 0, false
	}
	return j.steps[j.stepIndex], true
}

// advance переходит к следующему шагу, пропуская условные auth шаги.
// Различие "шаг достигнут, но его событие не произошло" и "шаг выполнен"
// выражено явно: auth шаги входятся только через enterAuth.
func (j *Job) advance() (step, bool) {
	for j.stepIndex+1 < len(j.steps) {
		j.stepIndex++
		if j.steps[j.stepIndex] == stepAuth {
			continue // skip: challenge не приходил
		}
		return j.steps[j.stepIndex], true
	}
	j.stepIndex = len(j.steps)
	return 0, false
}

// currentLeg возвращает последний не-auth шаг на текущей позиции или до нее.
// Нужен, чтобы понять, к какой ноге последовательности относится challenge.
func (j *Job) currentLeg() (step, bool) {
	for i := j.stepIndex; i >= 0; i-- {
		if i < len(j.steps) && j.steps[i] != stepAuth {
			return j.steps[i], true
		}
	}
	return 0, false
}

// credentials возвращает конфигурацию, чьими учетными данными подписывается
// текущая нога: до register-ноги Reconfigure действуют старые параметры.
func (j *Job) credentials() *Config {
	if j.oldParams == nil {
		return j.params
	}
	for i := 0; i <= j.stepIndex && i < len(j.steps); i++ {
		if j.steps[i] == stepRegister {
			return j.params
		}
	}
	return j.oldParams
}

// enterAuth позиционирует job на ближайший auth шаг впереди.
// Возвращает false если в последовательности нет auth шага после текущего.
func (j *Job) enterAuth() bool {
	for i := j.stepIndex; i < len(j.steps); i++ {
		if j.steps[i] == stepAuth {
			j.stepIndex = i
			return true
		}
	}
	return false
}
