package store

import (
	"context"

	"github.com/go-faster/errors"
	payroll "github.com/payrollrelay/payroll/pkg"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

var _ payroll.Store = LevelDB{}

// LevelDB stores each key as one leveldb record.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) a leveldb database in dir. An empty dir
// gives an in-memory database.
func NewLevelDB(dir string) (LevelDB, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if dir == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(dir, nil)
	}
	if err != nil {
		return LevelDB{}, errors.Wrapf(err, "open leveldb %q", dir)
	}
	return LevelDB{db}, nil
}

func (l LevelDB) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, payroll.NewErr(payroll.NotFound, "key not found: %s", key)
	}
	if err != nil {
		return nil, payroll.NewErr(payroll.NotAvailable, "leveldb get %s: %v", key, err)
	}
	return v, nil
}

func (l LevelDB) Set(ctx context.Context, key string, value []byte) error {
	if err := l.db.Put([]byte(key), value, nil); err != nil {
		return payroll.NewErr(payroll.NotAvailable, "leveldb put %s: %v", key, err)
	}
	return nil
}

func (l LevelDB) Delete(ctx context.Context, key string) error {
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return payroll.NewErr(payroll.NotAvailable, "leveldb delete %s: %v", key, err)
	}
	return nil
}

func (l LevelDB) Close() error {
	return l.db.Close()
}
