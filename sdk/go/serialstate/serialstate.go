// Package serialstate persists Go values as self-describing documents. Types
// opt in by registering a Schema; everything else is plain data.
package serialstate

import (
	"time"

	"github.com/zeusync/serialstate/internal/config"
	"github.com/zeusync/serialstate/internal/core/schema/codec"
	"github.com/zeusync/serialstate/internal/core/schema/envelope"
	"github.com/zeusync/serialstate/internal/core/schema/packable"
	"github.com/zeusync/serialstate/internal/core/schema/registry"
	"github.com/zeusync/serialstate/internal/core/schema/state"
	"github.com/zeusync/serialstate/internal/injector"
)

type (
	Registry    = registry.Registry
	Entry       = registry.Entry
	State       = registry.State
	UpgradeFunc = registry.UpgradeFunc

	Schema           = state.Schema
	Accessor         = state.Accessor
	PostDeserializer = state.PostDeserializer

	Codec     = codec.Codec
	Node      = codec.Node
	Set       = codec.Set
	NaiveTime = codec.NaiveTime
	NDArray   = codec.NDArray
	DType     = codec.DType

	Envelope = envelope.Envelope
	Document = envelope.Document
	Format   = envelope.Format

	Packable = packable.Packable
	Manifest = packable.Manifest
	Cloner   = packable.Cloner
	Protocol = packable.Protocol

	Toolkit = injector.Toolkit
)

var (
	ErrReservedName  = registry.ErrReservedName
	ErrUnknownParent = registry.ErrUnknownParent
	ErrNoStateFields = registry.ErrNoStateFields
	ErrNoUpgrade     = registry.ErrNoUpgrade
	ErrUpgrade       = registry.ErrUpgradeFailure

	ErrMissingField  = state.ErrMissingField
	ErrNotRegistered = state.ErrNotRegistered

	ErrUnsupportedType = codec.ErrUnsupportedType
	ErrUnhashable      = codec.ErrUnhashable
	ErrCycle           = codec.ErrCycle
	ErrMaxDepth        = codec.ErrMaxDepth
	ErrMalformedTree   = codec.ErrMalformedTree
	ErrDeserialize     = codec.ErrDeserialize

	ErrMalformedDocument = envelope.ErrMalformedDocument

	ErrDuplicateField  = packable.ErrDuplicateField
	ErrCorruptManifest = packable.ErrCorruptManifest
	ErrMissingKey      = packable.ErrMissingKey
)

// Register adds *T to the process-wide registry.
func Register[T any](s Schema) error {
	return state.Register[T](registry.Default(), s)
}

// MustRegister is Register for init functions; it panics on error.
func MustRegister[T any](s Schema) {
	state.MustRegister[T](registry.Default(), s)
}

// StateDict returns the persisted fields of a registered value.
func StateDict(v any) (State, error) {
	return state.StateDict(registry.Default(), v)
}

// FromState builds a *T from a payload without running upgrades.
func FromState[T any](payload State) (*T, error) {
	return state.FromState[T](registry.Default(), payload)
}

// Encode converts v into plain serializable data.
func Encode(v any) (any, error) {
	return codec.Default().EncodeTree(v)
}

// Decode rebuilds a value from data produced by Encode.
func Decode(tree any) (any, error) {
	return codec.Default().DecodeTree(tree)
}

// Save writes v to path in the format implied by the extension: .json, .yaml,
// .yml or .cbor, optionally followed by .zst.
func Save(v any, path string) error {
	return envelope.Save(v, path)
}

func Load(path string) (any, error) {
	return envelope.Load(path)
}

func Pack(p Packable) (map[string]any, error) {
	return packable.Pack(p)
}

func Unpack(p Packable, data map[string]any) error {
	return packable.Unpack(p, data)
}

func NewSet(items ...any) Set {
	return codec.NewSet(items...)
}

func NewArray[T codec.Element](shape []int, data []T) (*NDArray, error) {
	return codec.NewArray(shape, data)
}

// Open loads configuration from path (see config.Load for the search order)
// and builds a toolkit bound to the process-wide registry.
func Open(path string) (*Toolkit, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	return injector.InitializeToolkit(cfg)
}

// Naive marks t as a wall-clock time without a zone.
func Naive(t time.Time) NaiveTime {
	return codec.Naive(t)
}
