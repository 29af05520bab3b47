// Package notify — уведомления о начале и завершении run и помощник
// для побочных операций, ошибка которых не должна прерывать основной поток.
package notify
