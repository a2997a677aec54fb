// Package event defines the data model shared by the ingestion pipeline:
// the off-chain event body, the on-chain anchor, the normalized record every
// chain source produces, and the authoritative numeric type table.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Event is the off-chain body. Bodies are opaque to the pipeline and can
// exceed 100 KB, so they are handled generically with typed accessors for
// the fields the pipeline inspects.
type Event map[string]any

// ParseEvent decodes raw JSON into an Event. Numbers are preserved as
// json.Number so canonical re-serialization does not lose precision.
func ParseEvent(data []byte) (Event, error) {
	var evt Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&evt); err != nil {
		return nil, fmt.Errorf("event: decode failed: %w", err)
	}
	return evt, nil
}

// Version returns the schema version, 0 when absent or malformed.
func (e Event) Version() int {
	return coerceInt(e["v"])
}

// Type returns the declared event type as-is (string or numeric).
func (e Event) Type() any {
	return e["type"]
}

// AuthorPubkey returns the declared author public key.
func (e Event) AuthorPubkey() string {
	s, _ := e["author_pubkey"].(string)
	return s
}

// CreatedAt returns the creation time in seconds since epoch, 0 when absent.
func (e Event) CreatedAt() int64 {
	return int64(coerceInt(e["created_at"]))
}

// Parents returns the ordered parent hashes, nil when absent.
func (e Event) Parents() []any {
	p, _ := e["parents"].([]any)
	return p
}

// Sig returns the detached signature, empty when absent.
func (e Event) Sig() string {
	s, _ := e["sig"].(string)
	return s
}

// HasSig reports whether the event carries a non-empty detached signature.
func (e Event) HasSig() bool {
	return e.Sig() != ""
}

// Clone returns a shallow copy. Top-level enrichment must never mutate the
// retrieved event in place.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Anchor is the on-chain fact: the minimal record the contract stores for a
// content event. Hash is left untyped because chain sources deliver it as a
// hex string, a byte array, or a tagged object.
type Anchor struct {
	Author   string   `json:"author"`
	Type     int      `json:"type"`
	Hash     any      `json:"hash"`
	EventCID string   `json:"event_cid,omitempty"`
	Parent   any      `json:"parent,omitempty"`
	TS       int64    `json:"ts"`
	Tags     []string `json:"tags,omitempty"`
}

// AnchoredEvent is the normalized record every chain source produces,
// regardless of transport.
type AnchoredEvent struct {
	ContentHash     string          `json:"content_hash"`
	EventHash       string          `json:"event_hash"`
	Payload         json.RawMessage `json:"payload"`
	BlockNum        uint32          `json:"block_num"`
	BlockID         string          `json:"block_id"`
	TrxID           string          `json:"trx_id"`
	ActionOrdinal   uint32          `json:"action_ordinal"`
	Timestamp       string          `json:"timestamp"`
	Source          string          `json:"source"`
	ContractAccount string          `json:"contract_account"`
	ActionName      string          `json:"action_name"`
}

// BlockchainMetadata is attached to an event once its anchor has been fully
// verified.
type BlockchainMetadata struct {
	AnchorHash      string `json:"anchor_hash"`
	BlockNum        uint32 `json:"block_num,omitempty"`
	BlockID         string `json:"block_id,omitempty"`
	TrxID           string `json:"trx_id,omitempty"`
	ActionOrdinal   uint32 `json:"action_ordinal,omitempty"`
	Source          string `json:"source,omitempty"`
	RetrievalSource string `json:"retrieval_source,omitempty"`
	IngestedAt      string `json:"ingested_at"`
}

// ToMap renders the metadata as the generic map attached to enriched events.
func (m BlockchainMetadata) ToMap() map[string]any {
	out := map[string]any{
		"anchor_hash": m.AnchorHash,
		"ingested_at": m.IngestedAt,
	}
	if m.BlockNum != 0 {
		out["block_num"] = m.BlockNum
	}
	if m.BlockID != "" {
		out["block_id"] = m.BlockID
	}
	if m.TrxID != "" {
		out["trx_id"] = m.TrxID
	}
	if m.ActionOrdinal != 0 {
		out["action_ordinal"] = m.ActionOrdinal
	}
	if m.Source != "" {
		out["source"] = m.Source
	}
	if m.RetrievalSource != "" {
		out["retrieval_source"] = m.RetrievalSource
	}
	return out
}

// Enrich returns a copy of evt marked verified and carrying the anchor
// provenance block.
func Enrich(evt Event, meta BlockchainMetadata) Event {
	out := evt.Clone()
	out["blockchain_verified"] = true
	out["blockchain_metadata"] = meta.ToMap()
	return out
}

// NowStamp returns the UTC timestamp format used for ingested_at and
// stored_at fields.
func NowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func coerceInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint32:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return int(i)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
