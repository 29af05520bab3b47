// Package modules содержит реестр встроенных модулей, вызываемых задачами
// типа MODULE, и сами модули: split_pages, transform, noop.
package modules
