package metric

import (
	"context"
	"time"
)

type Null struct {
}

func (n *Null) Record(name string, tags Tags, fields Fields) {

}

func (n *Null) Ticker(ctx context.Context, duration time.Duration) {

}
