package metric

import (
	"context"
	"time"
)

type Fields map[string]interface{}

type Tags map[string]string

// Client collects points and ships them on every Ticker tick.
type Client interface {
	Record(name string, tags Tags, fields Fields)
	Ticker(ctx context.Context, duration time.Duration)
}
