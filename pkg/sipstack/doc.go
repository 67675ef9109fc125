// Package sipstack - реализация signaling.Transport поверх sipgo.
//
// Стек владеет sipgo UserAgent, Server и Client, ведет учет диалогов по
// Call-ID (теги, CSeq, remote target, состояние) и переводит события
// sipgo в вызовы signaling.Sink: входящие запросы через серверные
// обработчики, ответы через горутину-насос на каждую клиентскую
// транзакцию.
//
// Bind поднимает слушающую точку, Release останавливает ее; пара
// Release+Bind пересоздает стек при смене сетевого интерфейса.
package sipstack
