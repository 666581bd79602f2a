//go:build property
// +build property

package scratch

import (
	"io"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBuffer_RoundTripProperty verifies that staging N bytes and draining via
// reads of arbitrary chunk sizes returns exactly the original N bytes in order,
// regardless of how the reads are sliced.
func TestBuffer_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("chunked drain reproduces the payload", prop.ForAll(
		func(payload []byte, chunkSizes []int) bool {
			buf := New(payload)
			var drained []byte
			i := 0
			for buf.Remaining() > 0 {
				size := 1
				if len(chunkSizes) > 0 {
					size = chunkSizes[i%len(chunkSizes)]%64 + 1
					if size < 1 {
						size = 1
					}
					i++
				}
				dst := make([]byte, size)
				n, err := buf.Read(dst)
				if err != nil {
					return false
				}
				drained = append(drained, dst[:n]...)
			}
			if len(drained) != len(payload) {
				return false
			}
			for j := range payload {
				if drained[j] != payload[j] {
					return false
				}
			}
			// After full drainage, reads return 0 repeatedly.
			n, err := buf.Read(make([]byte, 8))
			return n == 0 && err == io.EOF
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.IntRange(0, 1024)),
	))

	properties.TestingRun(t)
}
