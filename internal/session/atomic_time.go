package session

import (
	"sync/atomic"
	"time"
)

type atomicTime struct {
	v atomic.Int64
}

func (t *atomicTime) Load() time.Time {
	return time.Unix(0, t.v.Load())
}

func (t *atomicTime) Store(ts time.Time) {
	t.v.Store(ts.UnixNano())
}
