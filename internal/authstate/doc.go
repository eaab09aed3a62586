// Package authstate persists per-identity credential material for messaging
// sessions.
//
// Drivers:
//   - "memory": in-process map, lost on restart
//   - "file":   one JSON document per identity, atomic tmp+rename writes
//   - "sqlite": single table, WAL mode
//   - "mongo":  one document per identity, upserted
//   - "redis":  one JSON value per identity under a key prefix
package authstate
