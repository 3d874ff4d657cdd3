package database

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("database: key not found")

type Database interface {
	Get(key string) (data string, err error)
	Set(key string, data string, expiration time.Duration) (err error)
	Delete(key string) (err error)
}
