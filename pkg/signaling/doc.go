// Package signaling - сигнальное ядро SIP клиента.
//
// Ядро (Core) управляет жизненным циклом устройства и вызовов поверх
// абстрактного транспорта (Transport): открытие и закрытие устройства,
// регистрация с периодическим обновлением, смена учетной записи, вызовы,
// текстовые сообщения, DTMF и реакция на смену сетевого подключения.
//
// Модель исполнения: единственный воркер последовательно исполняет задачи
// из очереди; все внешние стимулы (вызовы API, события транспорта, push
// уведомления, таймеры) попадают в ядро как задачи воркера. Состояние job
// поэтому никогда не мутируется конкурентно и не требует блокировок.
// Уведомления приложению доставляет отдельная горутина-нотификатор, чтобы
// колбэки приложения не блокировали сигнальную работу.
//
// Каждой операции соответствует Job в реестре, идентифицируемый id
// (для вызовов это SIP Call-ID). Регистрационные job исполняются как
// последовательность именованных шагов, вызовы - конечным автоматом
// callMachine на looplab/fsm.
//
// Пример использования:
//
//	cfg := &signaling.Config{
//		Domain:   "example.com",
//		Username: "alice",
//		Password: "secret",
//	}
//
//	core, err := signaling.New(cfg, transport, listener)
//	if err != nil {
//		return err
//	}
//	core.Start()
//	defer core.Stop()
//
//	core.ConnectivityChanged(signaling.ConnectivityWiFi)
//	core.Open() // итог придет в listener.OnOpenReply
//
//	callID := core.Call(&signaling.CallParams{
//		Peer:     "sip:bob@example.com",
//		SDPOffer: sdpOffer,
//	})
//	// ... listener.OnCallOutgoingConnected(callID, ...)
//	core.Disconnect(callID, "")
package signaling
