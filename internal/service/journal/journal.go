package journal

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/zerorouter/zerorouter/backend/internal/clock"
	"github.com/zerorouter/zerorouter/backend/internal/model/settlement"
)

const defaultLimit = 500

// Journal keeps the observability log of protocol actions for one UI
// context. Consecutive streaming settlement ticks fold into a single
// batch entry until EndBatch is called.
type Journal struct {
	mu          sync.Mutex
	clock       clock.Clock
	limit       int
	entries     []settlement.LedgerEntry
	subscribers map[int]chan settlement.LedgerEntry
	nextSub     int
}

// New creates a journal keeping at most limit entries (oldest dropped).
func New(clk clock.Clock, limit int) *Journal {
	if clk == nil {
		clk = clock.Real()
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Journal{
		clock:       clk,
		limit:       limit,
		subscribers: make(map[int]chan settlement.LedgerEntry),
	}
}

// Info records a status line.
func (j *Journal) Info(format string, args ...any) settlement.LedgerEntry {
	return j.append(settlement.LedgerEntry{Kind: settlement.EntryInfo, Content: fmt.Sprintf(format, args...)})
}

// Tx records an anchored transaction on the durable ledger.
func (j *Journal) Tx(content, signature string) settlement.LedgerEntry {
	entry := settlement.LedgerEntry{Kind: settlement.EntryTx, Content: content, Signature: signature}
	if signature != "" {
		entry.SubEntries = []settlement.SubEntry{{Signature: signature, Content: content}}
	}
	return j.append(entry)
}

// Settlement records one streaming usage tick, folding it into the open
// batch when the previous entry is still streaming.
func (j *Journal) Settlement(content, signature string) settlement.LedgerEntry {
	j.mu.Lock()
	if n := len(j.entries); n > 0 {
		last := &j.entries[n-1]
		if last.Kind == settlement.EntrySettlement && last.Streaming {
			last.Count++
			last.Content = batchContent(last.Count)
			last.SubEntries = append(last.SubEntries, settlement.SubEntry{Signature: signature, Content: content})
			updated := cloneEntry(*last)
			j.mu.Unlock()
			j.publish(updated)
			return updated
		}
	}
	j.mu.Unlock()

	return j.append(settlement.LedgerEntry{
		Kind:       settlement.EntrySettlement,
		Content:    batchContent(1),
		Signature:  signature,
		Count:      1,
		Streaming:  true,
		SubEntries: []settlement.SubEntry{{Signature: signature, Content: content}},
	})
}

// EndBatch closes the open streaming batch, if any.
func (j *Journal) EndBatch() {
	j.mu.Lock()
	n := len(j.entries)
	if n == 0 || j.entries[n-1].Kind != settlement.EntrySettlement || !j.entries[n-1].Streaming {
		j.mu.Unlock()
		return
	}
	j.entries[n-1].Streaming = false
	updated := cloneEntry(j.entries[n-1])
	j.mu.Unlock()
	j.publish(updated)
}

// Entries returns a copy of the log, oldest first.
func (j *Journal) Entries() []settlement.LedgerEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]settlement.LedgerEntry, len(j.entries))
	for i, e := range j.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Clear drops every entry.
func (j *Journal) Clear() {
	j.mu.Lock()
	j.entries = nil
	j.mu.Unlock()
}

// Subscribe streams new and updated entries. Slow subscribers miss
// updates rather than blocking writers. Call cancel to unsubscribe.
func (j *Journal) Subscribe(buffer int) (<-chan settlement.LedgerEntry, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan settlement.LedgerEntry, buffer)

	j.mu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subscribers[id] = ch
	j.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subscribers, id)
			j.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (j *Journal) append(entry settlement.LedgerEntry) settlement.LedgerEntry {
	entry.ID = uuid.NewString()
	entry.CreatedAt = j.clock.Now().UTC()

	j.mu.Lock()
	j.entries = append(j.entries, entry)
	if over := len(j.entries) - j.limit; over > 0 {
		j.entries = append([]settlement.LedgerEntry(nil), j.entries[over:]...)
	}
	j.mu.Unlock()

	stored := cloneEntry(entry)
	j.publish(stored)
	return stored
}

func (j *Journal) publish(entry settlement.LedgerEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id, ch := range j.subscribers {
		select {
		case ch <- entry:
		default:
			log.Printf("[journal] subscriber %d lagging, dropped entry %s", id, entry.ID)
		}
	}
}

func batchContent(count int) string {
	return fmt.Sprintf("[STREAM] batch_settle(%d)", count)
}

func cloneEntry(e settlement.LedgerEntry) settlement.LedgerEntry {
	if e.SubEntries != nil {
		e.SubEntries = append([]settlement.SubEntry(nil), e.SubEntries...)
	}
	return e
}
