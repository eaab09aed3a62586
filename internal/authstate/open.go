package authstate

import (
	"errors"
	"strings"

	logx "wabatch/pkg/logx"
)

// Open initializes the configured store. An empty driver means "memory".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "authstate"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mongo", "mongodb":
		return openMongo(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown authstate driver: " + driver)
	}
}
