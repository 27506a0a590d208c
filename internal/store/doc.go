// Package store defines interfaces for persistence dependencies (the project
// graph and per-crawl-type state rows). Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store
