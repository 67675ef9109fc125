// Package push - интеграция с push доставкой.
//
// Пакет закрывает две обязанности: регистрацию идентичности клиента у
// push шлюза (исход кормит вторую половину синхронизатора регистрации
// ядра) и перевод входящих push нагрузок в синтетические события вызова
// или сообщения, неотличимые для приложения от пришедших по основному
// транспорту.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"

	"github.com/arzzra/sip_client/pkg/signaling"
)

// Registrar регистрирует идентичность клиента для push доставки
type Registrar interface {
	Register(ctx context.Context, username, token string) error
}

// Core - нужная этому пакету часть сигнального ядра
type Core interface {
	PushRegistrationDone(status signaling.ErrorCode, text string)
	PushCallArrived(callID string)
	PushMessageArrived(id, peer, text string)
}

// HTTPRegistrar регистрирует клиента POST запросом к push шлюзу
type HTTPRegistrar struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

type registerPayload struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (r *HTTPRegistrar) Register(ctx context.Context, username, token string) error {
	body, err := json.Marshal(registerPayload{Username: username, Token: token})
	if err != nil {
		return errors.Wrap(err, "failed to encode push registration")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.BaseURL+"/v1/push/register", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build push registration request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "push registration request failed")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Errorf("push gateway returned %s", res.Status)
	}

	if r.Logger != nil {
		r.Logger.Debug("push registration accepted", slog.String("username", username))
	}
	return nil
}

// Service связывает Registrar с сигнальным ядром
type Service struct {
	registrar Registrar
	core      Core
	log       *slog.Logger
}

func NewService(registrar Registrar, core Core, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{registrar: registrar, core: core, log: log}
}

// RegisterAsync запускает push регистрацию и доставляет ее исход ядру.
// Вызывается приложением параллельно с Open/Reconfigure, когда в
// конфигурации включен push.
func (s *Service) RegisterAsync(ctx context.Context, username, token string) {
	go func() {
		if err := s.registrar.Register(ctx, username, token); err != nil {
			s.log.Warn("push registration failed", slog.Any("error", err))
			s.core.PushRegistrationDone(signaling.ErrCouldNotConnect, err.Error())
			return
		}
		s.core.PushRegistrationDone(signaling.StatusSuccess, "Success")
	}()
}
