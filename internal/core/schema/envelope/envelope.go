package envelope

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/zeusync/serialstate/internal/core/observability/log"
	"github.com/zeusync/serialstate/internal/core/schema/codec"
)

const (
	KeyFormat = "__serializer_format__"
	KeyState  = "state"

	// FrameworkName identifies documents written by this package.
	FrameworkName = "serialstate.Serializable"

	// FormatVersion is bumped when the document shape or its semantics change.
	FormatVersion = 1
)

var ErrMalformedDocument = errors.New("envelope: malformed document")

// Header is the __serializer_format__ block of a document.
type Header struct {
	Name    string
	Version int
	Digest  string
}

// Document is a parsed but not yet decoded envelope.
type Document struct {
	Header Header
	State  codec.Node
}

// Tree renders the document for a Format.
func (d Document) Tree() any {
	header := map[string]any{
		"name":    d.Header.Name,
		"version": int64(d.Header.Version),
	}
	if d.Header.Digest != "" {
		header["digest"] = d.Header.Digest
	}
	return map[string]any{
		KeyFormat: header,
		KeyState:  d.State.Tree(),
	}
}

// Digest is the xxhash64 of the canonical JSON rendering of a state node.
func Digest(state codec.Node) (string, error) {
	raw, err := json.Marshal(state.Tree())
	if err != nil {
		return "", errors.Wrap(err, "failed to render state for digest")
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16), nil
}

// Verify recomputes the state digest and compares it with the header. A
// document without a digest verifies trivially.
func (d Document) Verify() (bool, string, error) {
	actual, err := Digest(d.State)
	if err != nil {
		return false, "", err
	}
	return d.Header.Digest == "" || d.Header.Digest == actual, actual, nil
}

// Envelope wraps a codec with the versioned document structure and file I/O.
type Envelope struct {
	codec *codec.Codec
	log   log.Log
}

func New(c *codec.Codec, l log.Log) *Envelope {
	if c == nil {
		c = codec.Default()
	}
	if l == nil {
		l = log.Provide()
	}
	return &Envelope{codec: c, log: l}
}

func Default() *Envelope {
	return New(codec.Default(), log.Provide())
}

// Codec returns the codec used for the state value.
func (e *Envelope) Codec() *codec.Codec {
	return e.codec
}

// ToDocument encodes v and stamps the current header.
func (e *Envelope) ToDocument(v any) (Document, error) {
	state, err := e.codec.Encode(v)
	if err != nil {
		return Document{}, err
	}
	// states JSON cannot carry (NaN, infinities) go without a digest
	digest, _ := Digest(state)
	return Document{
		Header: Header{Name: FrameworkName, Version: FormatVersion, Digest: digest},
		State:  state,
	}, nil
}

// FromDocument decodes the state of doc.
func (e *Envelope) FromDocument(doc Document) (any, error) {
	return e.codec.Decode(doc.State)
}

// ParseDocument parses data without decoding registered objects. A newer
// format version or a digest mismatch is logged, not rejected.
func (e *Envelope) ParseDocument(data []byte, f Format) (Document, error) {
	tree, err := f.Unmarshal(data)
	if err != nil {
		return Document{}, errors.Wrapf(ErrMalformedDocument, "%s: %v", f.Name(), err)
	}
	root, ok := tree.(map[string]any)
	if !ok {
		if generic, isGeneric := tree.(map[any]any); isGeneric {
			root = make(map[string]any, len(generic))
			for k, v := range generic {
				root[fmt.Sprint(k)] = v
			}
		} else {
			return Document{}, errors.Wrapf(ErrMalformedDocument, "top level is %T, want a mapping", tree)
		}
	}

	rawState, ok := root[KeyState]
	if !ok {
		return Document{}, errors.Wrap(ErrMalformedDocument, "missing state")
	}
	state, err := codec.ParseTree(rawState)
	if err != nil {
		return Document{}, errors.Wrapf(ErrMalformedDocument, "state: %v", err)
	}

	doc := Document{Header: e.parseHeader(root[KeyFormat]), State: state}
	e.checkHeader(doc)
	return doc, nil
}

// RenderDocument serializes doc with f.
func (e *Envelope) RenderDocument(doc Document, f Format) ([]byte, error) {
	return f.Marshal(doc.Tree())
}

// Marshal encodes v into a complete document in format f.
func (e *Envelope) Marshal(v any, f Format) ([]byte, error) {
	doc, err := e.ToDocument(v)
	if err != nil {
		return nil, err
	}
	return e.RenderDocument(doc, f)
}

// Unmarshal parses and decodes a complete document in format f.
func (e *Envelope) Unmarshal(data []byte, f Format) (any, error) {
	doc, err := e.ParseDocument(data, f)
	if err != nil {
		return nil, err
	}
	return e.FromDocument(doc)
}

// SaveFile writes v to path in the format implied by its extension.
func (e *Envelope) SaveFile(v any, path string) error {
	doc, err := e.ToDocument(v)
	if err != nil {
		return err
	}
	return e.WriteDocument(doc, path)
}

// LoadFile reads and decodes the document at path. A missing file yields an
// error matching fs.ErrNotExist.
func (e *Envelope) LoadFile(path string) (any, error) {
	doc, err := e.ReadDocument(path)
	if err != nil {
		return nil, err
	}
	return e.FromDocument(doc)
}

// ReadDocument reads and parses the document at path.
func (e *Envelope) ReadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, errors.Wrapf(err, "failed to read %s", path)
	}
	doc, err := e.ParseDocument(data, FormatFor(path))
	if err != nil {
		return Document{}, errors.WithMessage(err, path)
	}
	return doc, nil
}

// WriteDocument renders doc in the format implied by path and writes it.
func (e *Envelope) WriteDocument(doc Document, path string) error {
	data, err := e.RenderDocument(doc, FormatFor(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	e.log.Debug("document written",
		log.String("path", path),
		log.Int("bytes", len(data)),
	)
	return nil
}

func (e *Envelope) parseHeader(raw any) Header {
	var h Header
	node, err := codec.ParseTree(raw)
	if err != nil {
		return h
	}
	m, ok := node.(codec.Map)
	if !ok {
		return h
	}
	if s, ok := m["name"].(codec.String); ok {
		h.Name = string(s)
	}
	switch v := m["version"].(type) {
	case codec.Int:
		h.Version = int(v)
	case codec.Float:
		h.Version = int(v)
	}
	if s, ok := m["digest"].(codec.String); ok {
		h.Digest = string(s)
	}
	return h
}

func (e *Envelope) checkHeader(doc Document) {
	h := doc.Header
	if h.Name == "" {
		e.log.Warn("document has no format header")
		return
	}
	if h.Name != FrameworkName {
		e.log.Warn("document written by a different framework",
			log.String("name", h.Name),
		)
	}
	if h.Version > FormatVersion {
		e.log.Warn("document format is newer than supported",
			log.Int("version", h.Version),
			log.Int("supported", FormatVersion),
		)
	}
	if ok, actual, err := doc.Verify(); err == nil && !ok {
		e.log.Warn("document digest mismatch",
			log.String("expected", h.Digest),
			log.String("actual", actual),
		)
	}
}

// Save writes v to path using the process-wide registry and logger.
func Save(v any, path string) error {
	return Default().SaveFile(v, path)
}

// Load reads the document at path using the process-wide registry and logger.
func Load(path string) (any, error) {
	return Default().LoadFile(path)
}
