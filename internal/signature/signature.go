// Package signature computes content fingerprints used for duplicate
// detection.
//
// A fingerprint covers the normalized title, description, due date (day
// granularity, UTC) and status of a task. Case and surrounding whitespace are
// ignored, and runs of inner whitespace collapse to a single space. The hash
// is deterministic across runs and processes; no salt is involved.
package signature

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/mschirtzinger/tasksync/internal/types"
)

// Length is the number of hex characters in a fingerprint.
const Length = 16

// normalized is the hashed shape of a task. Field order and names are part of
// the fingerprint format: changing them invalidates stored fingerprints.
type normalized struct {
	Title       string
	Description string
	Due         string
	Status      string
}

// Fingerprint returns the fixed-length fingerprint of t.
func Fingerprint(t types.Task) string {
	n := normalize(t)
	h, err := hashstructure.Hash(n, hashstructure.FormatV2, nil)
	if err != nil {
		// Only strings are hashed, which hashstructure always accepts.
		panic(fmt.Sprintf("signature: hashing normalized task: %v", err))
	}
	return fmt.Sprintf("%0*x", Length, h)
}

// Equal reports whether two tasks share a fingerprint.
func Equal(a, b types.Task) bool {
	return normalize(a) == normalize(b)
}

func normalize(t types.Task) normalized {
	n := normalized{
		Title:       Text(t.Title),
		Description: Text(t.Description),
		Status:      strings.ToLower(string(t.Status)),
	}
	if t.Due != nil {
		n.Due = t.Due.UTC().Format("2006-01-02")
	}
	return n
}

// Text lowercases s, trims it and collapses inner whitespace.
func Text(s string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(s), unicode.IsSpace), " ")
}
