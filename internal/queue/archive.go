package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"schemealert/internal/clock"
	"schemealert/internal/types"
)

// defaultArchiveMax bounds the archive so sustained overload cannot grow it
// without limit. Entries are compressed, so the bound is generous.
const defaultArchiveMax = 10000

// Archive retains dead-letter entries evicted under the store's capacity
// cap, zstd-compressed, so an undelivered alert is never silently lost.
// Operators list and retrieve entries through the API.
type Archive struct {
	mu      sync.Mutex
	clock   clock.Clock
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	max     int
	entries []archivedEntry
}

type archivedEntry struct {
	messageID  string
	archivedAt time.Time
	blob       []byte
}

// ArchivedEntry is the operator-visible metadata for one archived entry.
type ArchivedEntry struct {
	MessageID      string    `json:"message_id"`
	ArchivedAt     time.Time `json:"archived_at"`
	CompressedSize int       `json:"compressed_size"`
}

// NewArchive constructs an empty archive.
func NewArchive(clk clock.Clock) (*Archive, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Archive{
		clock:   clk,
		encoder: encoder,
		decoder: decoder,
		max:     defaultArchiveMax,
	}, nil
}

// Store compresses and retains one dead-letter entry. At the archive bound
// the oldest compressed blob is dropped; at that point the alert is gone for
// good, which the caller logs.
func (a *Archive) Store(entry types.DeadLetterEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling dead-letter entry %s: %w", entry.Message.ID, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	blob := a.encoder.EncodeAll(raw, nil)
	if len(a.entries) >= a.max {
		a.entries = a.entries[1:]
	}
	a.entries = append(a.entries, archivedEntry{
		messageID:  entry.Message.ID,
		archivedAt: a.clock.Now(),
		blob:       blob,
	})
	return nil
}

// List returns metadata for all archived entries, oldest first.
func (a *Archive) List() []ArchivedEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ArchivedEntry, len(a.entries))
	for i, e := range a.entries {
		out[i] = ArchivedEntry{
			MessageID:      e.messageID,
			ArchivedAt:     e.archivedAt,
			CompressedSize: len(e.blob),
		}
	}
	return out
}

// Retrieve decompresses the newest archived entry for the message id.
func (a *Archive) Retrieve(messageID string) (*types.DeadLetterEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := len(a.entries) - 1; i >= 0; i-- {
		if a.entries[i].messageID != messageID {
			continue
		}
		raw, err := a.decoder.DecodeAll(a.entries[i].blob, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing archived entry %s: %w", messageID, err)
		}
		var entry types.DeadLetterEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("unmarshaling archived entry %s: %w", messageID, err)
		}
		return &entry, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundDeadLetter,
		fmt.Sprintf("archived entry %s not found", messageID), nil)
}

// Len returns the number of archived entries.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
