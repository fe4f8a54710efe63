package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/rabbitrpc/contracts"
	"github.com/samber/lo"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"
)

// OutputFormat is the negotiated body format of one message
type OutputFormat struct {
	// ContentType is the bare media type, without parameters
	ContentType string
	Charset     string
}

// Codec formats request payloads and parses reply bodies for one family of media types
type Codec interface {
	Format(payload any, format OutputFormat) ([]byte, error)
	Parse(body []byte, format OutputFormat, v any) error
}

// CodecRegistry selects a codec by media type
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewCodecRegistry creates a registry with the built-in codecs registered
func NewCodecRegistry() *CodecRegistry {
	r := &CodecRegistry{codecs: make(map[string]Codec)}

	jsonCodec := JSONCodec{}
	yamlCodec := YAMLCodec{}
	rawCodec := RawCodec{}

	r.Register("application/json", jsonCodec)
	r.Register("application/yaml", yamlCodec)
	r.Register("text/yaml", yamlCodec)
	r.Register(contracts.DefaultContentType, rawCodec)
	r.Register("application/octet-stream", rawCodec)
	return r
}

// Register binds a codec to a media type, replacing any previous binding
func (r *CodecRegistry) Register(mediaType string, codec Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[strings.ToLower(strings.TrimSpace(mediaType))] = codec
}

// Lookup resolves a content type such as "text/plain; charset=iso-8859-1"
func (r *CodecRegistry) Lookup(contentType string) (Codec, OutputFormat, error) {
	if contentType == "" {
		contentType = contracts.DefaultContentType
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, OutputFormat{}, &FormatError{ContentType: contentType, Op: "lookup", Err: err}
	}

	r.mu.RLock()
	codec, ok := r.codecs[mediaType]
	r.mu.RUnlock()
	if !ok {
		return nil, OutputFormat{}, &FormatError{
			ContentType: contentType,
			Op:          "lookup",
			Err:         fmt.Errorf("no codec registered for %s", mediaType),
		}
	}

	return codec, OutputFormat{ContentType: mediaType, Charset: params["charset"]}, nil
}

// MediaTypes lists the registered media types in sorted order
func (r *CodecRegistry) MediaTypes() []string {
	r.mu.RLock()
	types := lo.Keys(r.codecs)
	r.mu.RUnlock()

	sort.Strings(types)
	return types
}

// Format serializes payload for contentType
func (r *CodecRegistry) Format(payload any, contentType string) ([]byte, error) {
	codec, format, err := r.Lookup(contentType)
	if err != nil {
		return nil, err
	}

	body, err := codec.Format(payload, format)
	if err != nil {
		return nil, wrapFormatError(err, contentType, "format")
	}
	return body, nil
}

// Parse decodes body, sent with contentType, into v
func (r *CodecRegistry) Parse(body []byte, contentType string, v any) error {
	codec, format, err := r.Lookup(contentType)
	if err != nil {
		return err
	}

	if err := codec.Parse(body, format, v); err != nil {
		return wrapFormatError(err, contentType, "parse")
	}
	return nil
}

func wrapFormatError(err error, contentType, op string) error {
	var formatErr *FormatError
	if errors.As(err, &formatErr) {
		return err
	}
	return &FormatError{ContentType: contentType, Op: op, Err: err}
}

// JSONCodec handles application/json
type JSONCodec struct{}

func (JSONCodec) Format(payload any, _ OutputFormat) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

func (JSONCodec) Parse(body []byte, _ OutputFormat, v any) error {
	return json.Unmarshal(body, v)
}

// YAMLCodec handles application/yaml and text/yaml
type YAMLCodec struct{}

func (YAMLCodec) Format(payload any, _ OutputFormat) ([]byte, error) {
	return yaml.Marshal(payload)
}

func (YAMLCodec) Parse(body []byte, _ OutputFormat, v any) error {
	return yaml.Unmarshal(body, v)
}

// RawCodec passes bodies through as bytes or text. A charset other than
// UTF-8 is transcoded on the way out and back.
type RawCodec struct{}

func (RawCodec) Format(payload any, format OutputFormat) ([]byte, error) {
	var text []byte
	switch p := payload.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		if format.Charset == "" {
			return p, nil
		}
		text = p
	case string:
		text = []byte(p)
	case fmt.Stringer:
		text = []byte(p.String())
	default:
		return nil, fmt.Errorf("cannot format %T as %s", payload, format.ContentType)
	}

	enc, err := lookupCharset(format.Charset)
	if err != nil || enc == nil {
		return text, err
	}
	return enc.NewEncoder().Bytes(text)
}

func (RawCodec) Parse(body []byte, format OutputFormat, v any) error {
	switch out := v.(type) {
	case *[]byte:
		*out = append((*out)[:0], body...)
		return nil
	case *string:
		enc, err := lookupCharset(format.Charset)
		if err != nil {
			return err
		}
		if enc == nil {
			*out = string(body)
			return nil
		}
		decoded, err := enc.NewDecoder().Bytes(body)
		if err != nil {
			return err
		}
		*out = string(decoded)
		return nil
	default:
		return fmt.Errorf("cannot parse %s into %T", format.ContentType, v)
	}
}

// lookupCharset returns nil for UTF-8 and unset charsets
func lookupCharset(charset string) (encoding.Encoding, error) {
	if charset == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return nil, nil
	}
	return enc, nil
}
