package signaling

import (
	"log/slog"
	"strings"
)

const (
	// DefaultExpires - срок регистрации по умолчанию, секунды
	DefaultExpires = 3600
)

// Config - параметры учетной записи и поведения ядра.
// Пустой Domain означает работу без регистратора: шаги register/unregister
// пропускаются, уведомление об открытии приходит сразу с успехом.
type Config struct {
	// Domain - домен регистратора, например "sip.example.com"
	Domain string
	// Username - имя пользователя учетной записи
	Username string
	// Password - пароль для digest аутентификации
	Password string
	// DisplayName - отображаемое имя для From заголовка
	DisplayName string

	// Expires - срок регистрации в секундах, по умолчанию DefaultExpires
	Expires int

	// CustomHeaders - X-* заголовки, добавляемые в исходящие INVITE
	CustomHeaders map[string]string

	// ICE параметры, передаются медиа-слою как есть
	IceURL      string
	IceUsername string
	IcePassword string

	// PushEnabled включает ожидание результата push регистрации
	// перед финальным уведомлением о готовности устройства
	PushEnabled bool
	// PushToken - идентификатор клиента для доставки push
	PushToken string

	// Logger - структурный логгер; nil означает slog.Default()
	Logger *slog.Logger
}

// Validate проверяет конфигурацию и возвращает типизированную доменную
// ошибку для первого найденного нарушения.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return newError(ErrMissingUsername, "username is not configured")
	}

	// ICE параметры либо не заданы совсем, либо заданы полностью
	if c.IceURL != "" || c.IceUsername != "" || c.IcePassword != "" {
		if c.IceURL == "" {
			return newError(ErrMissingIceURL, "ICE url is not configured")
		}
		if c.IceUsername == "" {
			return newError(ErrMissingIceUsername, "ICE username is not configured")
		}
		if c.IcePassword == "" {
			return newError(ErrMissingIcePassword, "ICE password is not configured")
		}
	}

	return nil
}

// withDefaults заполняет незаданные поля значениями по умолчанию
func (c *Config) withDefaults() {
	if c.Expires <= 0 {
		c.Expires = DefaultExpires
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// hasDomain сообщает, настроена ли регистрация
func (c *Config) hasDomain() bool {
	return c != nil && strings.TrimSpace(c.Domain) != ""
}

// CallParams - параметры одного исходящего вызова или сообщения
type CallParams struct {
	// Peer - URI вызываемого абонента, например "sip:alice@example.com"
	Peer string
	// SDPOffer - тело application/sdp, подготовленное медиа-слоем
	SDPOffer string
	// Headers - дополнительные X-* заголовки этого вызова
	Headers map[string]string
}

// filterCustomHeaders оставляет только заголовки вида X-*.
// Такие заголовки прозрачно прокидываются между сторонами вызова.
func filterCustomHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for name, value := range in {
		if strings.HasPrefix(name, "X-") {
			out[name] = value
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
