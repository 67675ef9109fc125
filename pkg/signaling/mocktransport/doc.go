// Package mocktransport предоставляет in-memory реализацию
// signaling.Transport для тестирования сигнального ядра.
//
// Мок собирает настоящие sipgo сообщения, но никуда их не отправляет:
// каждая "отправленная" транзакция запоминается и доступна тесту для
// проверки. Ответные события тест доставляет сам, вызывая методы Sink
// ядра (OnResponse, OnRequest, OnTimeout) с нужным Call-ID.
//
// Ошибки транспорта эмулируются полями BindErr, ReleaseErr, SendErr:
// ненулевое значение возвращается из соответствующего метода.
//
// Пример использования:
//
//	tr := mocktransport.New()
//	core, _ := signaling.New(cfg, tr, listener)
//	core.Start()
//
//	id := core.Open()
//	// ... дождаться отправки REGISTER
//	tx := tr.WaitSent(t, sip.REGISTER)
//	ok, _ := tr.BuildResponse(tx.Request(), sip.StatusOK, "OK", nil)
//	core.OnResponse(id, ok, tx, signaling.DialogNone)
package mocktransport
