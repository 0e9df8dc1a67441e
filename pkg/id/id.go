package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator issues ULIDs ordered by its clock.
// Monotonic entropy keeps IDs from one millisecond ordered.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
}

// NewGenerator builds a generator over now and entropy; nil picks time.Now and a random seed
func NewGenerator(now func() time.Time, entropy io.Reader) *Generator {
	if now == nil {
		now = time.Now
	}
	if entropy == nil {
		entropy = rand.New(rand.NewSource(randomSeed()))
	}
	return &Generator{
		now:     now,
		entropy: ulid.Monotonic(entropy, 0),
	}
}

// New returns the next ULID string
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now().UTC()), g.entropy).String()
}

var std = NewGenerator(nil, nil)

// New returns a ULID string; run IDs sort by start time
func New() string {
	return std.New()
}

func randomSeed() int64 {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return seed
}
