package push

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Типы входящих push нагрузок
const (
	KindCall    = "call"
	KindMessage = "message"
)

// Payload - нагрузка push уведомления от шлюза
type Payload struct {
	// Kind - "call" или "message"
	Kind string `json:"kind"`
	// CallID - Call-ID ожидаемого INVITE (для вызова)
	CallID string `json:"call_id,omitempty"`
	// Peer - URI отправителя
	Peer string `json:"peer,omitempty"`
	// Text - текст сообщения (для сообщения)
	Text string `json:"text,omitempty"`
}

// HandlePayload переводит push нагрузку в событие ядра: вызов становится
// ожидающим job с Call-ID будущего INVITE, сообщение доставляется
// приложению сразу.
func (s *Service) HandlePayload(data []byte) error {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return errors.Wrap(err, "malformed push payload")
	}

	switch p.Kind {
	case KindCall:
		if p.CallID == "" {
			return errors.New("push call payload without call_id")
		}
		s.core.PushCallArrived(p.CallID)
		return nil

	case KindMessage:
		id := p.CallID
		if id == "" {
			id = uuid.NewString()
		}
		s.core.PushMessageArrived(id, p.Peer, p.Text)
		return nil

	default:
		return errors.Errorf("unknown push payload kind %q", p.Kind)
	}
}
