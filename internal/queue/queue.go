// Package queue is the offline match queue: a single object store of JSON
// match payloads kept in a local LevelDB database until the origin accepts
// them.
//
// Records are keyed by an auto-incremented id that is also written into the
// payload under KeyPath, so the stored object always carries its own key.
package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

const (
	DatabaseName = "BilliardTracker"
	Version      = 1
	StoreName    = "offline_matches"
	KeyPath      = "id"
)

var (
	ErrNotObject    = errors.New("queue payload must be a JSON object")
	ErrInvalidID    = errors.New("queue payload id must be a positive integer")
	ErrDuplicateID  = errors.New("queue record id already exists")
	ErrNewerVersion = errors.New("queue database version is newer than supported")
	ErrClosed       = errors.New("queue database is closed")
	ErrIDExhausted  = errors.New("queue id generator exhausted")
)

// MaxID is the largest key the generator hands out or accepts, the same
// ceiling as an IndexedDB key generator.
const MaxID uint64 = 1 << 53

// reserved keys start with 0x00 so they sort before every record
var (
	versionKey = []byte{0x00, 'V', 'E', 'R', 'S', 'I', 'O', 'N'}
	storeKey   = append([]byte{0x00, 'S', 'T', 'O', 'R', 'E', ':'}, StoreName...)
	nextIDKey  = []byte{0x00, 'N', 'E', 'X', 'T', 'I', 'D'}
)

const recordPrefix = 'M'

type Record struct {
	ID      uint64
	Payload json.RawMessage
}

type DB struct {
	mu     sync.RWMutex // write lock for the id generator and Close
	db     *leveldb.DB
	nextID uint64
}

// Path returns the database directory inside dir.
func Path(dir string) string {
	return filepath.Join(dir, DatabaseName+".leveldb")
}

// Open opens the queue database under dir, creating it and running the
// version upgrade when it is new.
func Open(dir string) (*DB, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("queue dir: %w", err)
		}
	}
	db, version, err := getDB(Path(dir))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", DatabaseName, err)
	}
	if version > Version {
		db.Close()
		return nil, fmt.Errorf("%w: %d > %d", ErrNewerVersion, version, Version)
	}
	if version < Version {
		if err := upgrade(db, version); err != nil {
			db.Close()
			return nil, fmt.Errorf("upgrade %s: %w", DatabaseName, err)
		}
	}

	next, err := readNextID(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db, nextID: next}, nil
}

// return:
//   database handle
//   version number, zero for a fresh database
func getDB(name string) (*leveldb.DB, int, error) {
	opt := &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: false,
	}
	db, err := leveldb.OpenFile(name, opt)
	if err != nil {
		return nil, 0, err
	}

	versionValue, err := db.Get(versionKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return db, 0, nil
	} else if err != nil {
		db.Close()
		return nil, 0, err
	}
	if len(versionValue) != 4 {
		db.Close()
		return nil, 0, fmt.Errorf("incompatible database version length: expected: %d  actual: %d", 4, len(versionValue))
	}
	return db, int(binary.BigEndian.Uint32(versionValue)), nil
}

// upgrade creates the object store and records the current version.
func upgrade(db *leveldb.DB, from int) error {
	batch := new(leveldb.Batch)
	if from < 1 {
		batch.Put(storeKey, []byte(KeyPath))
		batch.Put(nextIDKey, encodeID(1))
	}
	currentVersion := make([]byte, 4)
	binary.BigEndian.PutUint32(currentVersion, uint32(Version))
	batch.Put(versionKey, currentVersion)
	return db.Write(batch, &ldb_opt.WriteOptions{Sync: true})
}

func readNextID(db *leveldb.DB) (uint64, error) {
	v, err := db.Get(nextIDKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read id generator: %w", err)
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("corrupt id generator: %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func recordKey(id uint64) []byte {
	return append([]byte{recordPrefix}, encodeID(id)...)
}

// Add stores a JSON object payload and returns its id. A payload without an
// id gets the next generated one injected; a payload carrying a positive
// integer id keeps it and the generator moves past it.
func (d *DB) Add(payload []byte) (uint64, error) {
	if d == nil {
		return 0, ErrClosed
	}
	trimmed := bytes.TrimSpace(payload)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return 0, ErrNotObject
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return 0, ErrClosed
	}

	var id uint64
	body := trimmed
	if raw, ok := fields[KeyPath]; ok {
		explicit, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 64)
		if err != nil || explicit == 0 || explicit > MaxID {
			return 0, ErrInvalidID
		}
		id = explicit
	} else {
		if d.nextID > MaxID {
			return 0, ErrIDExhausted
		}
		id = d.nextID
		body = injectID(trimmed, id)
	}
	if _, err := d.db.Get(recordKey(id), nil); err == nil {
		return 0, fmt.Errorf("%w: %d", ErrDuplicateID, id)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return 0, err
	}

	next := d.nextID
	if id >= next {
		next = id + 1
	}
	batch := new(leveldb.Batch)
	batch.Put(recordKey(id), body)
	batch.Put(nextIDKey, encodeID(next))
	if err := d.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("add to %s: %w", StoreName, err)
	}
	d.nextID = next
	return id, nil
}

// injectID writes "id":N as the first member of obj, keeping the rest of
// the bytes as they were.
func injectID(obj []byte, id uint64) []byte {
	rest := bytes.TrimSpace(obj[1:])
	out := make([]byte, 0, len(obj)+24)
	out = append(out, '{', '"')
	out = append(out, KeyPath...)
	out = append(out, '"', ':')
	out = strconv.AppendUint(out, id, 10)
	if len(rest) > 0 && rest[0] != '}' {
		out = append(out, ',')
	}
	return append(out, rest...)
}

// GetAll returns every record in ascending id order, read from one snapshot.
func (d *DB) GetAll() ([]Record, error) {
	if d == nil {
		return nil, ErrClosed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, ErrClosed
	}
	snap, err := d.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", StoreName, err)
	}
	defer snap.Release()

	iter := snap.NewIterator(ldb_util.BytesPrefix([]byte{recordPrefix}), nil)
	defer iter.Release()

	records := []Record{}
	for iter.Next() {
		key := iter.Key()
		if len(key) != 9 {
			continue
		}
		records = append(records, Record{
			ID:      binary.BigEndian.Uint64(key[1:]),
			Payload: append(json.RawMessage(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("read %s: %w", StoreName, err)
	}
	return records, nil
}

// Delete removes the record with id; deleting a missing id is not an error.
func (d *DB) Delete(id uint64) error {
	if d == nil {
		return ErrClosed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	batch := new(leveldb.Batch)
	batch.Delete(recordKey(id))
	if err := d.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete %d from %s: %w", id, StoreName, err)
	}
	return nil
}

func (d *DB) Count() (int, error) {
	if d == nil {
		return 0, ErrClosed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return 0, ErrClosed
	}
	iter := d.db.NewIterator(ldb_util.BytesPrefix([]byte{recordPrefix}), nil)
	defer iter.Release()
	n := 0
	for iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (d *DB) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}
