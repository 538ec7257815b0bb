package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinaudit/clinaudit/internal/metrics"
)

// verifyChunk is the number of chain links read per query.
const verifyChunk = 1000

// Verifier walks the persisted chain and checks every link.
type Verifier struct {
	store *Store
	now   func() time.Time
}

// NewVerifier creates a verifier over store.
func NewVerifier(store *Store) *Verifier {
	return &Verifier{store: store, now: time.Now}
}

// Verify scans the whole chain in index order. A link is valid when its
// index follows the previous one, its previous hash equals the previous
// link's hash and, for live events, its stored hash matches a recomputation.
// Purged positions are checked for linkage only.
//
// Every failing link is reported in CorruptedEventIDs. LastValidIndex is the
// index of the last link before the first failure. The outcome is persisted
// and returned; err is only set when the store could not be read.
func (v *Verifier) Verify(ctx context.Context, performedBy string) (IntegrityCheckRecord, error) {
	start := v.now()
	rec := IntegrityCheckRecord{
		PerformedBy:       performedBy,
		CorruptedEventIDs: []string{},
	}

	var (
		prevIndex int64
		prevHash  string
		broken    bool
	)

	for {
		links, err := v.store.ChainSlice(ctx, prevIndex, verifyChunk)
		if err != nil {
			return IntegrityCheckRecord{}, fmt.Errorf("verifying chain: %w", err)
		}
		if len(links) == 0 {
			break
		}

		for _, l := range links {
			rec.TotalEventsScanned++

			ok := l.ChainIndex == prevIndex+1 && l.PreviousHash == prevHash
			if ok && !l.Purged && !verifyEvent(l.Event) {
				ok = false
			}

			if !ok {
				rec.CorruptedEventIDs = append(rec.CorruptedEventIDs, l.ID)
				if !broken {
					slog.Warn("audit chain broken",
						"chain_index", l.ChainIndex,
						"event_id", l.ID,
						"expected_index", prevIndex+1,
					)
				}
				broken = true
			} else if !broken {
				rec.LastValidIndex = l.ChainIndex
			}

			prevIndex = l.ChainIndex
			prevHash = l.EventHash
		}

		if err := ctx.Err(); err != nil {
			return IntegrityCheckRecord{}, fmt.Errorf("verifying chain: %w", err)
		}
	}

	rec.ChainValid = !broken
	rec.Timestamp = v.now().UTC()
	rec.DurationMs = rec.Timestamp.Sub(start).Milliseconds()

	if err := v.store.SaveIntegrityCheck(ctx, &rec); err != nil {
		return rec, err
	}

	if rec.ChainValid {
		metrics.ChainValid.Set(1)
	} else {
		metrics.ChainValid.Set(0)
	}
	metrics.LastValidIndex.Set(float64(rec.LastValidIndex))

	slog.Info("audit chain verified",
		"valid", rec.ChainValid,
		"scanned", rec.TotalEventsScanned,
		"last_valid_index", rec.LastValidIndex,
		"corrupted", len(rec.CorruptedEventIDs),
		"duration_ms", rec.DurationMs,
	)
	return rec, nil
}
