// Package queue абстрагирует "выполнить позже HTTP запрос с этим payload".
//
// Backend'ы:
//   - LocalQueue — пул воркеров в памяти процесса (локальная разработка)
//   - AMQPQueue  — публикация в RabbitMQ; доставку выполняет dispatcher
//
// Deliverer — общая функция HTTP доставки: bearer токен, повторы для
// ошибок транспорта и 5xx, финальная ошибка для 4xx.
package queue
