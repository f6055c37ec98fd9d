package record

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/gowebpki/jcs"
	"github.com/tidwall/gjson"

	"github.com/meigma/fastpull/hashes"
)

// minKeyLen is the shortest key that still fills three shard levels.
const minKeyLen = 6

// KeySpec declares how a record's key is derived.
//
// Fields are dotted JSON paths (for example "hashes.sha512") evaluated in
// order against the record's JSON encoding. When Direct is set, the KeySpec
// must name exactly one field holding a lowercase hex string, and that
// value is used as the key unchanged. Otherwise the key is the SHA-512 of
// the canonical JSON (RFC 8785) of the ordered field/value pairs.
type KeySpec struct {
	Fields []string
	Direct bool
}

// HashKey returns a direct key spec on a single hash field.
func HashKey(field string) KeySpec {
	return KeySpec{Fields: []string{field}, Direct: true}
}

// DerivedKey returns a derived key spec over the given fields.
func DerivedKey(fields ...string) KeySpec {
	return KeySpec{Fields: fields}
}

func (k KeySpec) validate() error {
	if len(k.Fields) == 0 {
		return errors.New("record: key spec has no fields")
	}
	if k.Direct && len(k.Fields) != 1 {
		return errors.New("record: direct key spec must have exactly one field")
	}
	for i, f := range k.Fields {
		if f == "" {
			return errors.New("record: empty key field")
		}
		if slices.Contains(k.Fields[:i], f) {
			return fmt.Errorf("record: duplicate key field %q", f)
		}
	}
	return nil
}

// KeyOf derives the key from a JSON document.
func (k KeySpec) KeyOf(data []byte) (string, error) {
	raws := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		res := gjson.GetBytes(data, f)
		if !res.Exists() || res.Type == gjson.Null || (res.Type == gjson.String && res.Str == "") {
			return "", &MissingFieldError{Field: f}
		}
		if k.Direct {
			if res.Type != gjson.String {
				return "", fmt.Errorf("%w: field %q is not a string", ErrInvalidKey, f)
			}
			if err := validKey(res.Str); err != nil {
				return "", err
			}
			return res.Str, nil
		}
		raws[i] = res.Raw
	}
	return k.derive(raws)
}

func (k KeySpec) keyOfMatch(match Match) (string, error) {
	if k.Direct {
		v, ok := match[k.Fields[0]].(string)
		if !ok {
			return "", fmt.Errorf("%w: field %q is not a string", ErrInvalidKey, k.Fields[0])
		}
		if err := validKey(v); err != nil {
			return "", err
		}
		return v, nil
	}
	raws := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		raw, err := json.Marshal(match[f])
		if err != nil {
			return "", fmt.Errorf("record: encode query field %q: %w", f, err)
		}
		raws[i] = string(raw)
	}
	return k.derive(raws)
}

// derive hashes the canonical form of [{"field": value}, ...].
func (k KeySpec) derive(raws []string) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range k.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f)
		if err != nil {
			return "", err
		}
		buf.WriteByte('{')
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(raws[i])
		buf.WriteByte('}')
	}
	buf.WriteByte(']')

	canonical, err := jcs.Transform(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize: %v", ErrInvalidKey, err)
	}
	sum := sha512.Sum512(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// covers reports whether match names exactly the key fields.
func (k KeySpec) covers(match Match) bool {
	if len(match) != len(k.Fields) {
		return false
	}
	for _, f := range k.Fields {
		if _, ok := match[f]; !ok {
			return false
		}
	}
	return true
}

// Query selects records either by exact key or by field predicate.
type Query struct {
	key   string
	match Match
}

// Match is a field-path predicate. Each path must exist and equal its value;
// when a path resolves to an array, any equal element satisfies it.
type Match map[string]any

// ByKey returns a query for an exact derived key.
func ByKey(key string) Query {
	return Query{key: key}
}

// Where returns a query for a field predicate.
func Where(m Match) Query {
	return Query{match: m}
}

// Field is shorthand for Where(Match{path: value}).
func Field(path string, value any) Query {
	return Query{match: Match{path: value}}
}

func (q Query) String() string {
	if q.key != "" {
		return "key=" + q.key
	}
	return fmt.Sprintf("match=%v", map[string]any(q.match))
}

func (q Query) matches(data []byte) bool {
	if q.key != "" {
		return false
	}
	for path, want := range q.match {
		res := gjson.GetBytes(data, path)
		if !res.Exists() {
			return false
		}
		norm, err := normalize(want)
		if err != nil {
			return false
		}
		got := res.Value()
		if reflect.DeepEqual(got, norm) {
			continue
		}
		if arr, ok := got.([]any); ok && slices.ContainsFunc(arr, func(v any) bool { return reflect.DeepEqual(v, norm) }) {
			continue
		}
		return false
	}
	return true
}

// normalize converts v to the shape gjson.Result.Value produces.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func validKey(key string) error {
	if len(key) < minKeyLen || !hashes.IsHex(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
