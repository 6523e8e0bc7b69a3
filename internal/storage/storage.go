// Package storage provides a key/value blob storage engine backed by an
// embedded SQL database.
//
// The Engine interface is the contract a host storage framework routes calls
// through. SQLiteEngine is the implementation, using pure-Go SQLite
// (modernc.org/sqlite) and a single table:
//
//	kv(key TEXT PRIMARY KEY, val BLOB, lastmod INT, size INT)
//
// Values are either raw bytes or JSON text. Which one a key holds is decided by
// a Classifier, normally the host's "does the key end in a file extension" rule.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"time"
)

// NotFoundCode is the error code the host framework expects for missing keys.
const NotFoundCode = "NoSuchKey"

var (
	// ErrNotFound is returned by Head, Get, GetStream and Delete when the key
	// has no row.
	ErrNotFound = errors.New("not found")

	// ErrCheckpoint wraps a WAL checkpoint failure that happened after a write
	// or delete had already been committed.
	ErrCheckpoint = errors.New("wal checkpoint failed")
)

// Kind tells how a value is stored.
type Kind int

const (
	KindStructured Kind = iota // JSON text
	KindBinary                 // raw bytes
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "structured"
}

// Value is either raw bytes or a JSON-serializable structure.
type Value struct {
	Kind Kind
	// Bytes holds the raw bytes of a binary value, or the stored JSON text of a
	// structured value read back from the engine.
	Bytes []byte
	// Data holds the structured value. On Put it is marshaled; on Get it is the
	// decoded JSON (maps, slices, float64, string, bool or nil).
	Data any
}

// Binary wraps raw bytes.
func Binary(b []byte) Value {
	return Value{Kind: KindBinary, Bytes: b}
}

// Structured wraps a JSON-serializable value.
func Structured(v any) Value {
	return Value{Kind: KindStructured, Data: v}
}

// Decode unmarshals a structured value into dest.
func (v Value) Decode(dest any) error {
	if v.Kind == KindBinary {
		return errors.New("decode: value is binary")
	}
	if v.Bytes != nil {
		return json.Unmarshal(v.Bytes, dest)
	}
	data, err := json.Marshal(v.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// encode returns the bytes to store and the size column (nil for JSON).
func (v Value) encode() ([]byte, *int64, error) {
	if v.Kind == KindBinary {
		size := int64(len(v.Bytes))
		b := v.Bytes
		if b == nil {
			b = []byte{}
		}
		return b, &size, nil
	}
	data, err := json.Marshal(v.Data)
	if err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}

// Metadata describes a stored record.
type Metadata struct {
	ModTime int64 `json:"mod"` // Whole seconds since epoch.
	Length  int64 `json:"len"`
}

// ModifiedAt returns ModTime as a time.Time.
func (m Metadata) ModifiedAt() time.Time {
	return time.Unix(m.ModTime, 0)
}

// Classifier decides whether the value under a key is binary.
type Classifier interface {
	IsBinaryKey(key string) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(key string) bool

// IsBinaryKey calls f(key).
func (f ClassifierFunc) IsBinaryKey(key string) bool { return f(key) }

var extensionRe = regexp.MustCompile(`\.\w+$`)

// ExtensionClassifier treats keys ending in a file extension ("photo.jpg",
// "logs/app.gz") as binary and everything else as JSON.
type ExtensionClassifier struct{}

// IsBinaryKey reports whether key ends in ".ext".
func (ExtensionClassifier) IsBinaryKey(key string) bool {
	return extensionRe.MatchString(key)
}

// Engine is the storage-engine contract.
type Engine interface {
	// Classifier decides which keys hold binary values. Callers building a
	// Value for Put must use the same rule Get decodes with.
	Classifier

	// Put stores a value (upsert).
	Put(ctx context.Context, key string, v Value) error

	// PutStream reads src to EOF and stores it as a binary value.
	PutStream(ctx context.Context, key string, src io.Reader) error

	// Head returns size and modification time. ErrNotFound if missing.
	Head(ctx context.Context, key string) (Metadata, error)

	// Get returns the stored value. ErrNotFound if missing.
	Get(ctx context.Context, key string) (Value, error)

	// GetStream returns a reader over the whole stored value.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a key. ErrNotFound if missing.
	Delete(ctx context.Context, key string) error

	// RunMaintenance is called periodically by the host.
	RunMaintenance(ctx context.Context) error

	// Close shuts down the engine.
	Close() error
}
