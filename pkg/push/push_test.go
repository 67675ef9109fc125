package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_client/pkg/signaling"
)

// recCore записывает вызовы ядра, сделанные push сервисом
type recCore struct {
	registered chan registrationOutcome
	calls      chan string
	messages   chan messageOutcome
}

type registrationOutcome struct {
	status signaling.ErrorCode
	text   string
}

type messageOutcome struct {
	id, peer, text string
}

func newRecCore() *recCore {
	return &recCore{
		registered: make(chan registrationOutcome, 1),
		calls:      make(chan string, 1),
		messages:   make(chan messageOutcome, 1),
	}
}

func (c *recCore) PushRegistrationDone(status signaling.ErrorCode, text string) {
	c.registered <- registrationOutcome{status, text}
}
func (c *recCore) PushCallArrived(callID string) { c.calls <- callID }
func (c *recCore) PushMessageArrived(id, peer, text string) {
	c.messages <- messageOutcome{id, peer, text}
}

func TestHTTPRegistrar(t *testing.T) {
	t.Run("успешная регистрация", func(t *testing.T) {
		var got registerPayload
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/push/register", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		r := &HTTPRegistrar{BaseURL: server.URL}
		require.NoError(t, r.Register(context.Background(), "alice", "tok-1"))
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, "tok-1", got.Token)
	})

	t.Run("ошибка шлюза", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		r := &HTTPRegistrar{BaseURL: server.URL}
		err := r.Register(context.Background(), "alice", "tok-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
	})
}

func TestRegisterAsync(t *testing.T) {
	t.Run("успех доставляется ядру", func(t *testing.T) {
		core := newRecCore()
		s := NewService(registrarFunc(func(context.Context, string, string) error { return nil }), core, nil)

		s.RegisterAsync(context.Background(), "alice", "tok")
		got := waitOutcome(t, core.registered)
		assert.Equal(t, signaling.StatusSuccess, got.status)
	})

	t.Run("ошибка становится COULD_NOT_CONNECT", func(t *testing.T) {
		core := newRecCore()
		s := NewService(registrarFunc(func(context.Context, string, string) error {
			return assert.AnError
		}), core, nil)

		s.RegisterAsync(context.Background(), "alice", "tok")
		got := waitOutcome(t, core.registered)
		assert.Equal(t, signaling.ErrCouldNotConnect, got.status)
	})
}

type registrarFunc func(ctx context.Context, username, token string) error

func (f registrarFunc) Register(ctx context.Context, username, token string) error {
	return f(ctx, username, token)
}

func waitOutcome(t *testing.T, ch <-chan registrationOutcome) registrationOutcome {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registration outcome")
		panic("unreachable")
	}
}

func TestHandlePayload(t *testing.T) {
	core := newRecCore()
	s := NewService(nil, core, nil)

	t.Run("вызов создает ожидающий job", func(t *testing.T) {
		require.NoError(t, s.HandlePayload([]byte(`{"kind":"call","call_id":"c-1"}`)))
		assert.Equal(t, "c-1", <-core.calls)
	})

	t.Run("вызов без call_id отклоняется", func(t *testing.T) {
		assert.Error(t, s.HandlePayload([]byte(`{"kind":"call"}`)))
	})

	t.Run("сообщение доставляется сразу", func(t *testing.T) {
		require.NoError(t, s.HandlePayload(
			[]byte(`{"kind":"message","call_id":"m-1","peer":"sip:bob@example.org","text":"hi"}`)))
		got := <-core.messages
		assert.Equal(t, "m-1", got.id)
		assert.Equal(t, "sip:bob@example.org", got.peer)
		assert.Equal(t, "hi", got.text)
	})

	t.Run("сообщение без id получает сгенерированный", func(t *testing.T) {
		require.NoError(t, s.HandlePayload([]byte(`{"kind":"message","text":"hi"}`)))
		got := <-core.messages
		assert.NotEmpty(t, got.id)
	})

	t.Run("неизвестный тип и мусор отклоняются", func(t *testing.T) {
		assert.Error(t, s.HandlePayload([]byte(`{"kind":"video"}`)))
		assert.Error(t, s.HandlePayload([]byte(`not json`)))
	})
}
