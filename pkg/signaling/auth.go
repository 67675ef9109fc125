package signaling

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

// MaxAuthAttempts - предел попыток аутентификации на один job
const MaxAuthAttempts = 3

// authenticator отвечает на 401/407 challenge повторной отправкой
// подписанного запроса. Универсален относительно метода: challenge может
// прийти на REGISTER, INVITE, BYE, CANCEL или MESSAGE - логика одна.
type authenticator struct {
	log *slog.Logger
}

func newAuthenticator(log *slog.Logger) *authenticator {
	return &authenticator{log: log}
}

// challengeHeaders возвращает имена заголовков challenge/ответа
// в зависимости от кода (401 против 407)
func challengeHeaders(status int) (string, string) {
	if status == sip.StatusProxyAuthRequired {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// isChallenge сообщает, является ли ответ запросом аутентификации
func isChallenge(status int) bool {
	return status == sip.StatusUnauthorized || status == sip.StatusProxyAuthRequired
}

// retry обрабатывает challenge для job: считает credentials по realm из
// ответа и учетным данным job, пересобирает исходный запрос с подписью и
// отправляет его новой транзакцией, заменяя j.tx.
//
// Возвращает доменную ошибку при исчерпании лимита попыток либо при
// невозможности построить ответ на challenge (кривой challenge, нет
// учетных данных). Наружу ничего не паникует.
func (a *authenticator) retry(j *Job, res *sip.Response, tr Transport) error {
	if j.authAttempts >= MaxAuthAttempts-1 {
		return newError(ErrAuthenticationMaxRetries,
			"authentication failed after %d attempts", j.authAttempts+1)
	}

	creds := j.credentials()
	if creds == nil || creds.Username == "" {
		return newError(ErrAuthenticationForbidden, "no credentials configured")
	}
	if j.tx == nil || j.tx.Request() == nil {
		return newError(ErrAuthenticationForbidden, "no challenged request to retry")
	}

	challengeName, authorizationName := challengeHeaders(res.StatusCode)
	header := res.GetHeader(challengeName)
	if header == nil {
		return newError(ErrAuthenticationForbidden,
			"challenge response without %s header", challengeName)
	}

	chal, err := digest.ParseChallenge(header.Value())
	if err != nil {
		return newError(ErrAuthenticationForbidden,
			"malformed challenge %q: %v", header.Value(), err)
	}

	original := j.tx.Request()
	cred, err := digest.Digest(chal, digest.Options{
		Method:   original.Method.String(),
		URI:      original.Recipient.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return newError(ErrAuthenticationForbidden, "failed to compute digest: %v", err)
	}

	j.authAttempts++

	// Пересобираем запрос: тот же метод и тело, новый CSeq, свежая Via
	// добавится транспортом при отправке
	signed := original.Clone()
	signed.RemoveHeader("Via")
	signed.RemoveHeader(authorizationName)
	if cseq := signed.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	signed.AppendHeader(sip.NewHeader(authorizationName, cred.String()))

	a.log.Debug("resubmitting challenged request",
		slog.String("jobID", j.id),
		slog.String("method", string(original.Method)),
		slog.String("realm", chal.Realm),
		slog.Int("attempt", j.authAttempts))

	tx, err := tr.SendRequest(signed)
	if err != nil {
		return &Error{
			Code: ErrCouldNotConnect,
			Text: errors.Wrap(err, "failed to resend challenged request").Error(),
		}
	}
	j.tx = tx

	return nil
}
