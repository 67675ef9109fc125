package signaling

// Listener - поверхность уведомлений приложения. Каждая операция завершается
// ровно одним терминальным уведомлением; уведомления доставляются на отдельной
// горутине-нотификаторе, поэтому реализациям можно безопасно дергать ядро
// обратно из колбэков.
type Listener interface {
	// OnOpenReply - итог открытия устройства (сигнальная регистрация + push)
	OnOpenReply(jobID string, connectivity ConnectivityState, status ErrorCode, text string)
	// OnCloseReply - итог закрытия устройства
	OnCloseReply(jobID string, status ErrorCode, text string)
	// OnReconfigureReply - итог смены конфигурации
	OnReconfigureReply(jobID string, connectivity ConnectivityState, status ErrorCode, text string)
	// OnConnectivityEvent - смена типа подключения после перезапуска сети
	OnConnectivityEvent(jobID string, connectivity ConnectivityState)
	// OnRegisteringEvent - начало цикла обновления регистрации
	OnRegisteringEvent(jobID string)

	// OnCallArrived - входящий вызов; headers содержит X-* заголовки INVITE
	OnCallArrived(jobID string, peer string, sdpOffer string, headers map[string]string)
	// OnCallOutgoingConnected - исходящий вызов принят, получен SDP ответ
	OnCallOutgoingConnected(jobID string, sdpAnswer string, headers map[string]string)
	// OnCallIncomingConnected - входящий вызов подтвержден (получен ACK)
	OnCallIncomingConnected(jobID string)
	// OnCallPeerDisconnected - вызов завершен удаленной стороной
	OnCallPeerDisconnected(jobID string)
	// OnCallLocalDisconnected - вызов завершен нашей стороной
	OnCallLocalDisconnected(jobID string)
	// OnCallIncomingCancelled - входящий вызов отменен до ответа
	OnCallIncomingCancelled(jobID string)
	// OnCallError - терминальная ошибка вызова
	OnCallError(jobID string, status ErrorCode, text string)
	// OnCallDigitsSent - подтверждение отправки DTMF цифр
	OnCallDigitsSent(jobID string, status ErrorCode, text string)

	// OnMessageArrived - входящее текстовое сообщение
	OnMessageArrived(jobID string, peer string, text string)
	// OnMessageReply - итог отправки исходящего сообщения
	OnMessageReply(jobID string, status ErrorCode, text string)
}
