package envelope

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/serialstate/pkg/generic"
)

// Format turns a plain tree into bytes and back.
type Format interface {
	Name() string
	Marshal(tree any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCBOR = "cbor"

	compressedSuffix = ".zst"
)

var buffers = generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

type jsonFormat struct{}

func (jsonFormat) Name() string { return FormatJSON }

// Marshal writes UTF-8 with two-space indentation and a trailing newline.
// Non-ASCII text and <, >, & are written as is.
func (jsonFormat) Marshal(tree any) ([]byte, error) {
	var out []byte
	err := buffers.With(func(buf *bytes.Buffer) error {
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tree); err != nil {
			return errors.Wrap(err, "failed to encode json")
		}
		out = bytes.Clone(buf.Bytes())
		return nil
	})
	return out, err
}

func (jsonFormat) Unmarshal(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after json document")
	}
	return tree, nil
}

type yamlFormat struct{}

func (yamlFormat) Name() string { return FormatYAML }

func (yamlFormat) Marshal(tree any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return nil, errors.Wrap(err, "failed to encode yaml")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to flush yaml")
	}
	return buf.Bytes(), nil
}

func (yamlFormat) Unmarshal(data []byte) (any, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

type cborFormat struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORFormat() (*cborFormat, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build cbor encoder")
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build cbor decoder")
	}
	return &cborFormat{enc: enc, dec: dec}, nil
}

func (*cborFormat) Name() string { return FormatCBOR }

func (f *cborFormat) Marshal(tree any) ([]byte, error) {
	data, err := f.enc.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cbor")
	}
	return data, nil
}

func (f *cborFormat) Unmarshal(data []byte) (any, error) {
	var tree any
	if err := f.dec.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// Compressed wraps inner with zstd.
type Compressed struct {
	inner Format
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func Compress(inner Format) *Compressed {
	return &Compressed{inner: inner}
}

func (c *Compressed) Name() string { return c.inner.Name() + "+zstd" }

func (c *Compressed) Marshal(tree any) ([]byte, error) {
	raw, err := c.inner.Marshal(tree)
	if err != nil {
		return nil, err
	}
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(raw, nil), nil
}

func (c *Compressed) Unmarshal(data []byte) (any, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress")
	}
	return c.inner.Unmarshal(raw)
}

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{
		FormatJSON: jsonFormat{},
		FormatYAML: yamlFormat{},
	}
	extensions = map[string]string{
		".json": FormatJSON,
		".yaml": FormatYAML,
		".yml":  FormatYAML,
		".cbor": FormatCBOR,
	}
)

func init() {
	f, err := newCBORFormat()
	if err != nil {
		panic(err)
	}
	formats[FormatCBOR] = f
}

// RegisterFormat makes f available by name and for the given file extensions.
func RegisterFormat(f Format, exts ...string) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[f.Name()] = f
	for _, ext := range exts {
		extensions[strings.ToLower(ext)] = f.Name()
	}
}

// Lookup returns a registered format by name.
func Lookup(name string) (Format, bool) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[name]
	return f, ok
}

// FormatFor picks the format implied by the path's extension. A trailing .zst
// wraps the inner format with zstd. Unknown extensions use JSON.
func FormatFor(path string) Format {
	lower := strings.ToLower(path)
	compressed := strings.HasSuffix(lower, compressedSuffix)
	if compressed {
		lower = strings.TrimSuffix(lower, compressedSuffix)
	}

	formatsMu.RLock()
	name, ok := extensions[filepath.Ext(lower)]
	if !ok {
		name = FormatJSON
	}
	f := formats[name]
	formatsMu.RUnlock()

	if compressed {
		return Compress(f)
	}
	return f
}
