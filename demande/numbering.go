// numbering.go - Human-readable sequential request numbers.
//
// Top-level requests: DA-<TYPE>-<YYYYMMDD>-<seq4>, e.g. DA-MAT-20260901-0004.
// The per-type-per-day sequence is allocated by the store inside the same
// transaction as the insert, so concurrent creations never share a number.
// Children: <parentNumber>-SD<n> with n the 1-based child count.

package demande

import (
	"context"
	"fmt"
	"time"
)

// sequenceKey is the store counter key for a type on a given day.
func sequenceKey(t RequestType, day time.Time) string {
	return fmt.Sprintf("DA-%s-%s", t.Code(), day.Format("20060102"))
}

// allocateNumber builds the next top-level number for a type.
func allocateNumber(ctx context.Context, store Store, t RequestType, day time.Time) (string, error) {
	key := sequenceKey(t, day)
	seq, err := store.NextSequence(ctx, key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%04d", key, seq), nil
}

// childNumber builds the number for the n-th spawned child of a parent.
func childNumber(parentNumber string, n int) string {
	return fmt.Sprintf("%s-SD%d", parentNumber, n)
}
