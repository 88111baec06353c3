package queue

import "sync"

// Opener opens the queue database on first use and hands the same handle
// to every caller afterwards. LevelDB locks its directory, so one process
// keeps one handle. A failed open is not remembered; the next call retries.
type Opener struct {
	dir string

	mu sync.Mutex
	db *DB
}

func NewOpener(dir string) *Opener {
	return &Opener{dir: dir}
}

func (o *Opener) Open() (*DB, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db != nil {
		return o.db, nil
	}
	db, err := Open(o.dir)
	if err != nil {
		return nil, err
	}
	o.db = db
	return db, nil
}

// Close releases the shared handle if it was opened.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.db == nil {
		return nil
	}
	err := o.db.Close()
	o.db = nil
	return err
}
