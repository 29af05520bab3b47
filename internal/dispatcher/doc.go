// Package dispatcher доставляет единицы работы из RabbitMQ.
//
// Dispatcher — stateless процесс: на каждую логическую очередь из
// конфигурации поднимается consumer очереди units.{name}. Каждое сообщение
// декодируется в queue.Unit и доставляется HTTP запросом с повторами
// согласно политике единицы.
//
//	d := dispatcher.New(dispatcher.Config{
//	    Conn:      conn,
//	    Deliverer: queue.NewDeliverer(queue.DelivererConfig{Tokens: tokens}),
//	    Queues:    []string{"default", "callbacks"},
//	    Dedupe:    dispatcher.NewRedisDedupe(rdb, 24*time.Hour),
//	})
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Stop()
//
// # Подтверждение
//
// Повторы выполняются в процессе, а не через requeue в брокере.
// После исчерпания попыток сообщение уходит в DLQ своей очереди.
// Отмена контекста (остановка процесса) возвращает сообщение в очередь.
//
// # Дедупликация
//
// Брокер гарантирует at-least-once. Если задан Dedupe, единица с уже
// доставленным ID подтверждается без повторного запроса.
package dispatcher
