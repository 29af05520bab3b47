// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с брокером (reconnect, publisher confirms)
//   - topology.go   — объявление exchanges и очередей единиц работы
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление сообщений
//
// Каждая логическая очередь задач {name} отображается на:
//   - conveyor.units → units.{name} [routing: {name}]
//   - conveyor.dlq   → dlq.units.{name} [routing: {name}]
package mq
