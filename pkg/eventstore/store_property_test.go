//go:build property
// +build property

package eventstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/halyard-labs/halyard/pkg/aggregate"

	_ "modernc.org/sqlite"
)

// TestStore_ContiguityProperty appends batches of arbitrary sizes and checks
// that the full history always reads back as versions 0..n-1 with no gaps.
func TestStore_ContiguityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	streamSeq := 0
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}

	properties.Property("versions are contiguous from 0", prop.ForAll(
		func(batchSizes []int) bool {
			streamSeq++
			stream := fmt.Sprintf("prop-%d", streamSeq)

			total := 0
			for _, size := range batchSizes {
				size = size%5 + 1
				batch := make([]aggregate.ProposedEvent, size)
				for i := range batch {
					batch[i] = aggregate.ProposedEvent{EventType: "ticked"}
				}
				records, err := store.AppendEvents(ctx, stream, batch)
				if err != nil || len(records) != size {
					return false
				}
				total += size
			}

			events, err := store.LoadEvents(ctx, stream, -1)
			if err != nil || len(events) != total {
				return false
			}
			for i, event := range events {
				if event.Version != int64(i) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
