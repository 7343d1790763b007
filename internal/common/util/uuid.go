package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	m       sync.Mutex
)

// NewULID returns a lower case ulid for the current time
func NewULID() string {
	return NewULIDAt(time.Now())
}

// NewULIDAt returns a lower case ulid whose timestamp component is t.  Ids generated within the same millisecond
// are monotonically increasing.
func NewULIDAt(t time.Time) string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
