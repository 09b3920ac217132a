package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Well-known conversion option keys.
const (
	OptResolution     = "resolution"
	OptWidth          = "width"
	OptHeight         = "height"
	OptFramerate      = "framerate"
	OptVideoQuality   = "video_quality"
	OptAudioQuality   = "audio_quality"
	OptMute           = "mute"
	OptQuality        = "quality"
	OptResizeMode     = "resize_mode"
	OptMaintainAspect = "maintain_aspect"
	OptCompression    = "compression_level"
	OptProgressive    = "progressive"
	OptLossless       = "lossless"
	OptHeicEncoder    = "heic_encoder"
	OptPage           = "page"
	OptOCR            = "ocr"
	OptOCRLanguage    = "ocr_language"
	OptVideoEncoder   = "video_encoder"
	OptAudioEncoder   = "audio_encoder"
)

// Options is an insertion-ordered string map of conversion options.
// It is stored as a JSON object and keeps key order through encode and decode.
type Options struct {
	keys   []string
	values map[string]string
}

// NewOptions builds Options from alternating key, value pairs.
func NewOptions(pairs ...string) Options {
	var o Options
	for i := 0; i+1 < len(pairs); i += 2 {
		o.Set(pairs[i], pairs[i+1])
	}
	return o
}

// Set stores a value, keeping the key's original position when it already exists.
func (o *Options) Set(key, value string) {
	if o.values == nil {
		o.values = make(map[string]string)
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value for key.
func (o Options) Get(key string) (string, bool) {
	v, ok := o.values[key]
	return v, ok
}

// String returns the value for key or "".
func (o Options) String(key string) string {
	return o.values[key]
}

// Int returns the value for key parsed as an integer.
func (o Options) Int(key string) (int, bool) {
	v, ok := o.values[key]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Bool returns the value for key parsed as a boolean, or def when absent or unparsable.
func (o Options) Bool(key string, def bool) bool {
	v, ok := o.values[key]
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// Has reports whether key is present.
func (o Options) Has(key string) bool {
	_, ok := o.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (o Options) Keys() []string {
	return append([]string(nil), o.keys...)
}

// Len returns the number of options.
func (o Options) Len() int {
	return len(o.keys)
}

// Clone returns an independent copy.
func (o Options) Clone() Options {
	var c Options
	for _, k := range o.keys {
		c.Set(k, o.values[k])
	}
	return c
}

// Map returns an unordered copy of the options.
func (o Options) Map() map[string]string {
	m := make(map[string]string, len(o.keys))
	for _, k := range o.keys {
		m[k] = o.values[k]
	}
	return m
}

// MarshalJSON encodes the options as a JSON object in insertion order.
func (o Options) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order. Scalar values are
// stored in their literal form so {"width": 640} and {"width": "640"} are equal.
func (o *Options) UnmarshalJSON(data []byte) error {
	*o = Options{}
	if string(bytes.TrimSpace(data)) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decoding options: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decoding options: expected object")
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decoding options: %w", err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decoding option %q: %w", key, err)
		}
		value, err := scalarString(raw)
		if err != nil {
			return fmt.Errorf("decoding option %q: %w", key, err)
		}
		o.Set(key, value)
	}
	return nil
}

func scalarString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("nested values are not supported")
	case 'n':
		return "", nil
	default:
		return string(trimmed), nil
	}
}

// Value implements driver.Valuer.
func (o Options) Value() (driver.Value, error) {
	b, err := o.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (o *Options) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*o = Options{}
		return nil
	case string:
		return o.UnmarshalJSON([]byte(v))
	case []byte:
		return o.UnmarshalJSON(v)
	default:
		return fmt.Errorf("unsupported type for Options: %T", value)
	}
}

// GormDataType returns the GORM data type for Options.
func (Options) GormDataType() string {
	return "text"
}
