// Package sqlite implements the pending store on SQLite using the pure-Go
// modernc.org/sqlite driver and squirrel-built queries. It is suited to
// single-node deployments that still need entries to survive a restart.
package sqlite
