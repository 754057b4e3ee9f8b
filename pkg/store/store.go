package store

import (
	"context"

	payroll "github.com/payrollrelay/payroll/pkg"
)

// New opens the backend named by conf.Store.Backend.
func New(ctx context.Context, conf payroll.Config) (payroll.Store, error) {
	var (
		s   payroll.Store
		err error
	)
	switch conf.Store.Backend {
	case "memory":
		s = NewMemory()
	case "sqlite", "":
		s, err = unwrap(NewSQLite(conf.Store.DBFile))
	case "postgres":
		s, err = unwrap(NewPostgresStore(conf.Store.PostgresDSN))
	case "leveldb":
		s, err = unwrap(NewLevelDB(conf.Store.Dir))
	case "redis":
		s, err = unwrap(NewRedis(ctx, conf.Store.RedisAddr, conf.Store.RedisDB, conf.Store.RedisPrefix))
	default:
		return nil, payroll.NewErr(payroll.BadRequest, "unknown store backend: %s", conf.Store.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func unwrap[T payroll.Store](s T, err error) (payroll.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
