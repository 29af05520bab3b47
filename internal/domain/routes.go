package domain

import (
	"net/url"
	"strings"
)

// StartURL возвращает адрес запуска pipeline: {base}/pipeline/{scope}/{key}/start.
func StartURL(base, scope, key string) string {
	return strings.TrimRight(base, "/") +
		"/pipeline/" + url.PathEscape(scope) + "/" + url.PathEscape(key) + "/start"
}

// RunTaskURL возвращает адрес выполнения задачи:
// {base}/pipeline/{scope}/{key}/tasks/{task_id}/run.
func RunTaskURL(base, scope, key, taskID string) string {
	return strings.TrimRight(base, "/") +
		"/pipeline/" + url.PathEscape(scope) + "/" + url.PathEscape(key) +
		"/tasks/" + url.PathEscape(taskID) + "/run"
}
