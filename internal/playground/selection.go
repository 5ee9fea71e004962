package playground

import (
	"sync"
	"time"

	"github.com/agentoven/agentoven/playground/internal/compare"
	"github.com/rs/zerolog/log"
)

// SelectionSink is the externally observable list of active entity ids,
// e.g. a URL query parameter or a shared settings row.
type SelectionSink interface {
	WriteSelection(ids []string) error
}

// SelectionSync writes settled selection changes back to a sink. Writes are
// debounced, and a write that would restate the value last read in from the
// sink is skipped.
type SelectionSync struct {
	sink     SelectionSink
	debounce time.Duration
	sub      *Subscription[[]string]

	mu       sync.Mutex
	last     []string // what the sink holds: read in or last written
	pending  []string
	timer    *time.Timer
	closed   bool
	doneCh   chan struct{}
	writeCnt int
}

// NewSelectionSync starts watching the active selection of s.
// readIn is the value the sink held when the store was loaded.
func NewSelectionSync(s *Store, sink SelectionSink, debounce time.Duration, readIn []string) *SelectionSync {
	ss := &SelectionSync{
		sink:     sink,
		debounce: debounce,
		last:     append([]string(nil), readIn...),
		doneCh:   make(chan struct{}),
	}
	ss.sub = Subscribe(s, func(v *compare.View) []string {
		ids := v.CollectionIDs(compare.CollectionVariants)
		out := make([]string, len(ids))
		copy(out, ids)
		return out
	})
	// The first value is the selection at subscribe time, not a change.
	<-ss.sub.C
	go ss.watch()
	return ss
}

// SetReadIn records a fresh value read from the sink.
func (ss *SelectionSync) SetReadIn(ids []string) {
	ss.mu.Lock()
	ss.last = append([]string(nil), ids...)
	ss.mu.Unlock()
}

// Writes returns how many times the sink was written.
func (ss *SelectionSync) Writes() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.writeCnt
}

// Close stops watching. A pending write is dropped.
func (ss *SelectionSync) Close() {
	ss.mu.Lock()
	ss.closed = true
	if ss.timer != nil {
		ss.timer.Stop()
	}
	ss.mu.Unlock()
	ss.sub.Close()
	<-ss.doneCh
}

func (ss *SelectionSync) watch() {
	defer close(ss.doneCh)
	for ids := range ss.sub.C {
		ss.schedule(ids)
	}
}

func (ss *SelectionSync) schedule(ids []string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return
	}
	ss.pending = ids
	if ss.timer != nil {
		ss.timer.Stop()
	}
	ss.timer = time.AfterFunc(ss.debounce, ss.flush)
}

func (ss *SelectionSync) flush() {
	ss.mu.Lock()
	if ss.closed || ss.pending == nil {
		ss.mu.Unlock()
		return
	}
	ids := ss.pending
	ss.pending = nil
	if equalStrings(ids, ss.last) {
		ss.mu.Unlock()
		return
	}
	ss.last = ids
	ss.writeCnt++
	ss.mu.Unlock()

	if err := ss.sink.WriteSelection(ids); err != nil {
		log.Warn().Err(err).Strs("ids", ids).Msg("Selection write-back failed")
	}
}
