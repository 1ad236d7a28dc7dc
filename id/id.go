// Package id provides prefixed TypeIDs for messages and release workers.
//
// An ID renders as "prefix_suffix" where the suffix is a UUIDv7, so IDs
// sort by creation time and are safe to embed in URLs, queue headers and
// store keys.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix names the entity an ID belongs to.
type Prefix string

const (
	PrefixMessage Prefix = "msg"
	PrefixWorker  Prefix = "wkr"
	PrefixGroup   Prefix = "grp"
)

// ID is a prefixed TypeID. The zero value is the nil ID.
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the zero ID.
var Nil ID

type (
	// MessageID identifies a message. Within a group it also keys the
	// message's pending entry.
	MessageID = ID
	// WorkerID identifies a release worker pool.
	WorkerID = ID
)

// New returns a fresh ID. An invalid prefix is a programming error and
// panics.
func New(p Prefix) ID {
	tid, err := typeid.Generate(string(p))
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", p, err))
	}
	return ID{tid: tid, set: true}
}

func NewMessageID() MessageID { return New(PrefixMessage) }
func NewWorkerID() WorkerID   { return New(PrefixWorker) }

// NewGroupID names a group for an endpoint that was given none.
func NewGroupID() string { return New(PrefixGroup).String() }

// Parse decodes s and, when want is non-empty, checks its prefix.
func Parse(s string, want Prefix) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	parsed := ID{tid: tid, set: true}
	if want != "" && parsed.Prefix() != want {
		return Nil, fmt.Errorf("id: parse %q: prefix %q, want %q", s, parsed.Prefix(), want)
	}
	return parsed, nil
}

// ParseMessageID parses s and requires the "msg" prefix.
func ParseMessageID(s string) (MessageID, error) { return Parse(s, PrefixMessage) }

// ParseWorkerID parses s and requires the "wkr" prefix.
func ParseWorkerID(s string) (WorkerID, error) { return Parse(s, PrefixWorker) }

// String returns "prefix_suffix", or "" for the nil ID.
func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

func (i ID) IsNil() bool { return !i.set }

// MarshalText encodes the nil ID as empty text.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText accepts any prefix; empty text yields the nil ID.
func (i *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(b), "")
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
