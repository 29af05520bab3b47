// Package auth проверяет входящие bearer токены (OIDC) и выдаёт токены
// для исходящих вызовов между сервисами.
package auth
