package signaling

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// DialogState - состояние SIP диалога, каким его видит транспорт.
// Ядро не владеет жизненным циклом диалога, оно только читает состояние
// в момент обработки события.
type DialogState int

const (
	DialogNone DialogState = iota
	DialogEarly
	DialogConfirmed
	DialogTerminated
)

func (d DialogState) String() string {
	switch d {
	case DialogNone:
		return "None"
	case DialogEarly:
		return "Early"
	case DialogConfirmed:
		return "Confirmed"
	case DialogTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("DialogState(%d)", int(d))
	}
}

// Body - тело SIP сообщения с типом контента
type Body struct {
	ContentType string
	Content     []byte
}

// SDPBody создает тело application/sdp
func SDPBody(sdp string) *Body {
	return &Body{ContentType: "application/sdp", Content: []byte(sdp)}
}

// DTMFBody создает тело application/dtmf-relay для INFO запроса.
// Формат полезной нагрузки: "Signal=<цифры>\r\nDuration=100\r\n".
func DTMFBody(digits string) *Body {
	return &Body{
		ContentType: "application/dtmf-relay",
		Content:     []byte(fmt.Sprintf("Signal=%s\r\nDuration=100\r\n", digits)),
	}
}

// Transaction - одна незавершенная клиентская или серверная транзакция.
// Job хранит ссылку только на свою последнюю транзакцию и заменяет ее
// по мере прохождения шагов.
type Transaction interface {
	// Request возвращает исходный запрос транзакции
	Request() *sip.Request
	// Respond отправляет ответ (только для серверных транзакций)
	Respond(res *sip.Response) error
	// Terminate досрочно завершает транзакцию
	Terminate()
}

// Transport - граница с SIP движком. Ядро не знает ничего про кодирование
// сообщений и сетевые сокеты: оно просит транспорт собрать запрос, отправить
// его и ждет асинхронных событий onRequest/onResponse/onTimeout через Sink.
//
// Диалоги принадлежат транспорту: запросы внутри диалога (BYE, CANCEL, INFO)
// собираются по callID, ядро не хранит теги и маршруты.
type Transport interface {
	// Bind поднимает слушающую точку
	Bind() error
	// Release освобождает слушающую точку и все привязки
	Release() error

	// BuildRegister собирает REGISTER для домена из cfg с указанным expires.
	// expires == 0 означает де-регистрацию. id используется как Call-ID,
	// чтобы ответы маршрутизировались обратно в job.
	BuildRegister(id string, cfg *Config, expires int) (*sip.Request, error)
	// BuildInvite собирает INVITE к peer с SDP телом и X-* заголовками
	BuildInvite(id string, cfg *Config, params *CallParams) (*sip.Request, error)
	// BuildMessage собирает MESSAGE с телом text/plain
	BuildMessage(id string, cfg *Config, peer string, text string) (*sip.Request, error)
	// BuildBye собирает BYE внутри диалога callID; reason добавляется
	// как Reason заголовок если не пуст
	BuildBye(callID string, reason string) (*sip.Request, error)
	// BuildCancel собирает CANCEL для исходной INVITE транзакции диалога
	BuildCancel(callID string) (*sip.Request, error)
	// BuildInfo собирает INFO внутри диалога с произвольным телом
	BuildInfo(callID string, body *Body) (*sip.Request, error)
	// BuildResponse собирает ответ на запрос; для 1xx/2xx на INVITE
	// транспорт проставляет To-tag
	BuildResponse(req *sip.Request, status int, reason string, body *Body) (*sip.Response, error)

	// SendRequest отправляет запрос и возвращает новую клиентскую транзакцию
	SendRequest(req *sip.Request) (Transaction, error)
	// SendAck подтверждает 200 OK на наш INVITE
	SendAck(callID string, res *sip.Response) error

	// DialogState возвращает текущее состояние диалога callID
	DialogState(callID string) DialogState
}

// Sink - приемник асинхронных событий транспорта. Реализуется ядром;
// транспорт обязан вызывать методы с точки зрения ядра неблокирующе
// (ядро само сериализует обработку на своем воркере).
type Sink interface {
	// OnRequest - входящий запрос (INVITE, ACK, BYE, CANCEL, MESSAGE, INFO)
	OnRequest(callID string, req *sip.Request, tx Transaction, dialog DialogState)
	// OnResponse - ответ на нашу клиентскую транзакцию
	OnResponse(callID string, res *sip.Response, tx Transaction, dialog DialogState)
	// OnTimeout - транзакция завершилась без ответа
	OnTimeout(callID string)
}
