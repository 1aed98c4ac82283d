package worker

import (
	"fmt"
	"sync"
	"time"
)

// caseIDGenerator produces collision-free case_id values of the form
// CASE-<monotonic-millis>-<seq>, per §4.3. seq disambiguates records
// that land in the same millisecond within one consumer.
type caseIDGenerator struct {
	mu         sync.Mutex
	lastMillis int64
	seq        int64
}

func (g *caseIDGenerator) Next() string {
	now := time.Now().UnixMilli()

	g.mu.Lock()
	if now == g.lastMillis {
		g.seq++
	} else {
		g.lastMillis = now
		g.seq = 0
	}
	seq := g.seq
	g.mu.Unlock()

	return fmt.Sprintf("CASE-%d-%d", now, seq)
}
