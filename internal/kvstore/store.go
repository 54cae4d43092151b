// Package kvstore defines the contract the booking engine has with the shared
// remote tree, plus the backends that implement it.
//
// Paths are slash separated ("bookings/{id}"). Values are JSON documents
// stored as raw bytes; a nil value means the path is absent.
package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// Error classes every backend maps its vendor errors onto.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("store unavailable")
	ErrNetwork          = errors.New("network error")
	// ErrMaxRetries is returned when a transaction keeps losing optimistic
	// races inside the backend.
	ErrMaxRetries = errors.New("transaction aborted after too many conflicts")
)

// maxTxAttempts bounds the backend-internal optimistic loop of Transact.
const maxTxAttempts = 25

// Store is a remote shared key value tree.
type Store interface {
	// Get reads a single path. ok is false when the path is absent.
	Get(ctx context.Context, path string) (value []byte, ok bool, err error)
	// Set overwrites a single path.
	Set(ctx context.Context, path string, value []byte) error
	// Delete removes a single path. Removing an absent path is not an error.
	Delete(ctx context.Context, path string) error
	// Transact runs fn as a compare-and-swap on one path. fn may be invoked
	// more than once and must not call back into the store.
	Transact(ctx context.Context, path string, fn TxFunc) (TxResult, error)
	// CombinedUpdate writes every path atomically. A nil value deletes.
	CombinedUpdate(ctx context.Context, updates map[string][]byte) error
	// Query returns the direct children of prefix whose JSON field equals value,
	// keyed by child name.
	Query(ctx context.Context, prefix, field, value string) (map[string][]byte, error)
	// List returns every leaf below prefix keyed by its path relative to prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// GenerateID returns a globally unique, time ordered identifier.
	GenerateID(ctx context.Context) (string, error)
}

// TxFunc decides what a transaction does given the current value (nil when absent).
type TxFunc func(current []byte) Decision

type txOp int

const (
	opAbort txOp = iota
	opWrite
	opRemove
)

// Decision is the outcome of a TxFunc.
type Decision struct {
	op    txOp
	value []byte
}

// Abort leaves the value untouched and reports the transaction as not committed.
func Abort() Decision { return Decision{op: opAbort} }

// Write replaces the value.
func Write(value []byte) Decision { return Decision{op: opWrite, value: value} }

// Remove deletes the path.
func Remove() Decision { return Decision{op: opRemove} }

// TxResult reports whether the transaction committed and the value it left behind.
type TxResult struct {
	Committed bool
	Value     []byte
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// IsTransient reports whether err belongs to a class worth surfacing as a
// temporary condition. Contention exhaustion counts: the same request can
// succeed once the competing writers are done.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrMaxRetries)
}

func childPrefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
