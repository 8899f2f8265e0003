package tablestore

import "fmt"

// Backend names. Open handles SQLite and Bolt; Badger lives in the
// badgerstore package so its background goroutines only start where it is
// imported.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// Open opens the store for the named backend at path.
// An empty backend selects SQLite.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBolt:
		s, err := OpenBolt(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("tablestore: unknown backend %q (want %q or %q)", backend, BackendSQLite, BackendBolt)
	}
}
