package storage

import (
	"errors"
	"time"
)

// ErrCorrupt is reported when the persisted state fails to parse. Policy is
// decided by the opener: the file driver logs it prominently and starts from
// an empty set rather than crashing.
var ErrCorrupt = errors.New("storage: persisted state corrupt")

// ErrUnavailable means the backend cannot be reached at open time. This is a
// fatal startup condition: the process must not run without a working store.
var ErrUnavailable = errors.New("storage: backend unavailable")

// Watch is one monitoring record: a subscriber, the URL it watches, and the
// digest of the last successfully fetched body. A Watch is only ever persisted
// with a digest (registration requires one successful fetch).
type Watch struct {
	Subscriber int64  `json:"subscriber"`
	URL        string `json:"url"`
	Digest     string `json:"digest"`
}

// Config configures the store.
//
// Driver values:
//   - "file": single JSON snapshot file, rewritten on every mutation
//   - "redis": one hash per subscriber, field-level atomic updates
//   - "sqlite": SQLite database file
type Config struct {
	Driver string
	Path   string // file and sqlite drivers

	Redis RedisConfig

	BusyTimeout time.Duration // sqlite only; 0 means default
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}
