//go:build property
// +build property

package receipts_test

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/lancelot-labs/lancelot/core/pkg/contracts"
	"github.com/lancelot-labs/lancelot/core/pkg/receipts"
)

// TestHashString_MatchesSHA256 verifies entry hashing is exactly SHA-256
// over the raw UTF-8 bytes, for any input.
func TestHashString_MatchesSHA256(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("HashString(s) == hex(sha256(s))", prop.ForAll(
		func(s string) bool {
			sum := sha256.Sum256([]byte(s))
			return receipts.HashString(s) == hex.EncodeToString(sum[:])
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestContentHash_Deterministic verifies receipt content hashing is stable
// across recomputation, including with the stored hash present.
func TestContentHash_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ContentHash(r) is stable and ignores the stored hash", prop.ForAll(
		func(taskID string, inputs []string) bool {
			receipt := &contracts.BatchReceipt{
				BatchID: "batch-fixed",
				TaskID:  taskID,
			}
			for i, in := range inputs {
				receipt.Entries = append(receipt.Entries, contracts.ReceiptEntry{
					EntryIndex: i,
					Capability: "fs.read",
					InputHash:  receipts.HashString(in),
					OutputHash: receipts.HashString(in),
					Success:    true,
				})
			}

			h1, err1 := receipts.ContentHash(receipt)
			receipt.ContentHash = h1
			h2, err2 := receipts.ContentHash(receipt)
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}
