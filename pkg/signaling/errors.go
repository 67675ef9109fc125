package signaling

import "fmt"

// ErrorCode - код результата сигнальной операции.
// Передается приложению вместе с текстом в каждом терминальном уведомлении.
type ErrorCode int

const (
	// StatusSuccess - операция завершилась успешно
	StatusSuccess ErrorCode = iota

	// ErrNoConnectivity - нет сетевого подключения на момент операции
	ErrNoConnectivity
	// ErrMissingUsername - в конфигурации не указано имя пользователя
	ErrMissingUsername
	// ErrMissingIceURL - указаны ICE параметры, но нет URL
	ErrMissingIceURL
	// ErrMissingIceUsername - указаны ICE параметры, но нет имени пользователя
	ErrMissingIceUsername
	// ErrMissingIcePassword - указаны ICE параметры, но нет пароля
	ErrMissingIcePassword

	// ErrRegisterURIInvalid - невозможно разобрать URI регистрации
	ErrRegisterURIInvalid
	// ErrConnectionURIInvalid - невозможно разобрать URI вызываемого абонента
	ErrConnectionURIInvalid
	// ErrMessageURIInvalid - невозможно разобрать URI получателя сообщения
	ErrMessageURIInvalid

	// ErrAuthenticationForbidden - сервер отклонил учетные данные (403)
	ErrAuthenticationForbidden
	// ErrAuthenticationMaxRetries - исчерпан лимит попыток аутентификации
	ErrAuthenticationMaxRetries

	// ErrPeerNotFound - вызываемый абонент не найден (404)
	ErrPeerNotFound
	// ErrServiceUnavailable - сервис недоступен (503)
	ErrServiceUnavailable
	// ErrCallDeclined - абонент занят или отклонил вызов (486/480/603)
	ErrCallDeclined

	// ErrAcceptFailed - не удалось принять входящий вызов
	ErrAcceptFailed
	// ErrDeclineFailed - не удалось отклонить входящий вызов
	ErrDeclineFailed
	// ErrDisconnectFailed - не удалось завершить вызов
	ErrDisconnectFailed
	// ErrDTMFDigitsFailed - не удалось отправить DTMF цифры
	ErrDTMFDigitsFailed

	// ErrSignalingTimeout - транзакция завершилась по таймауту
	ErrSignalingTimeout
	// ErrCouldNotConnect - транспортная ошибка при отправке запроса
	ErrCouldNotConnect
)

var errorCodeNames = map[ErrorCode]string{
	StatusSuccess:               "SUCCESS",
	ErrNoConnectivity:           "NO_CONNECTIVITY",
	ErrMissingUsername:          "MISSING_USERNAME",
	ErrMissingIceURL:            "MISSING_ICE_URL",
	ErrMissingIceUsername:       "MISSING_ICE_USERNAME",
	ErrMissingIcePassword:       "MISSING_ICE_PASSWORD",
	ErrRegisterURIInvalid:       "REGISTER_URI_INVALID",
	ErrConnectionURIInvalid:     "CONNECTION_URI_INVALID",
	ErrMessageURIInvalid:        "MESSAGE_URI_INVALID",
	ErrAuthenticationForbidden:  "AUTHENTICATION_FORBIDDEN",
	ErrAuthenticationMaxRetries: "AUTHENTICATION_MAX_RETRIES",
	ErrPeerNotFound:             "PEER_NOT_FOUND",
	ErrServiceUnavailable:       "SERVICE_UNAVAILABLE",
	ErrCallDeclined:             "CALL_DECLINED",
	ErrAcceptFailed:             "ACCEPT_FAILED",
	ErrDeclineFailed:            "DECLINE_FAILED",
	ErrDisconnectFailed:         "DISCONNECT_FAILED",
	ErrDTMFDigitsFailed:         "DTMF_DIGITS_FAILED",
	ErrSignalingTimeout:         "SIGNALING_TIMEOUT",
	ErrCouldNotConnect:          "COULD_NOT_CONNECT",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE(%d)", int(c))
}

// Error - типизированная доменная ошибка сигнального ядра.
// Низкоуровневые ошибки транспорта и парсинга всегда конвертируются
// в Error на границе, наружу они не выходят.
type Error struct {
	Code ErrorCode
	Text string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

// newError создает доменную ошибку с форматированным текстом
func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Text: fmt.Sprintf(format, args...)}
}

// errorCodeOf возвращает код доменной ошибки либо fallback для прочих ошибок
func errorCodeOf(err error, fallback ErrorCode) (ErrorCode, string) {
	if derr, ok := err.(*Error); ok {
		return derr.Code, derr.Text
	}
	return fallback, err.Error()
}
