package settlement

import "time"

// EntryKind classifies a ledger log entry.
type EntryKind string

const (
	EntryInfo       EntryKind = "info"
	EntryTx         EntryKind = "tx"
	EntrySettlement EntryKind = "settlement"
)

// SubEntry is one tick folded into a streaming settlement batch.
type SubEntry struct {
	Signature string `json:"sig,omitempty"`
	Content   string `json:"content"`
}

// LedgerEntry is a UI-facing projection of one protocol action. It is
// never authoritative and is not persisted.
type LedgerEntry struct {
	ID         string     `json:"id"`
	Kind       EntryKind  `json:"type"`
	Content    string     `json:"content"`
	Signature  string     `json:"sig,omitempty"`
	Count      int        `json:"count,omitempty"`
	Streaming  bool       `json:"isStreaming,omitempty"`
	SubEntries []SubEntry `json:"subEntries,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}
