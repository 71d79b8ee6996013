package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
)

// Integers wider than a float64 mantissa are written as "<digits>n". A
// literal string of that shape gets one more trailing "n" so the two never
// collide; decoding strips exactly one.
var bigIntPattern = regexp.MustCompile(`^-?[0-9]+n+$`)

var maxSafeInt = big.NewInt(1<<53 - 1)

// Marshal encodes v to JSON, escaping big integers losslessly.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tree, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encodeValue(tree))
}

// Unmarshal reverses Marshal into out.
func Unmarshal(data []byte, out any) error {
	tree, err := decodeTree(data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(decodeValue(tree))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func decodeTree(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return tree, nil
}

// encodeValue rewrites a decoded JSON tree in place. Unsafe integer literals
// and *big.Int become "<digits>n"; colliding strings are escaped.
func encodeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, ok := unsafeInteger(x); ok {
			return n.String() + "n"
		}
		return x
	case *big.Int:
		return x.String() + "n"
	case string:
		return encodeString(x)
	case map[string]any:
		for k, e := range x {
			x[k] = encodeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = encodeValue(e)
		}
		return x
	}
	return v
}

// decodeValue is the inverse of encodeValue. Escaped integers come back as
// *big.Int, which re-marshals as a plain JSON number.
func decodeValue(v any) any {
	switch x := v.(type) {
	case string:
		return decodeString(x)
	case map[string]any:
		for k, e := range x {
			x[k] = decodeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = decodeValue(e)
		}
		return x
	}
	return v
}

func encodeString(s string) string {
	if bigIntPattern.MatchString(s) {
		return s + "n"
	}
	return s
}

// decodeString returns *big.Int for "<digits>n" and the unescaped string for
// everything else.
func decodeString(s string) any {
	if !bigIntPattern.MatchString(s) {
		return s
	}
	trimmed := s[:len(s)-1]
	if bigIntPattern.MatchString(trimmed) {
		return trimmed
	}
	n, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return s
	}
	return n
}

func unsafeInteger(num json.Number) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(string(num), 10)
	if !ok {
		return nil, false
	}
	if new(big.Int).Abs(n).Cmp(maxSafeInt) <= 0 {
		return nil, false
	}
	return n, true
}
