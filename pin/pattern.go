package pin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyKey is returned when a pattern pair has no key
	ErrEmptyKey = errors.New("pin: empty key")
	// ErrDuplicateKey is returned when a key appears twice in one pattern
	ErrDuplicateKey = errors.New("pin: duplicate key")
	// ErrMissingValue is returned when a pair has no ':' separator
	ErrMissingValue = errors.New("pin: missing value")
	// ErrInvalidKey is returned when a key holds pattern syntax
	ErrInvalidKey = errors.New("pin: invalid key")
)

// Pair is a single key/value entry of a Pattern.
type Pair struct {
	Key   string
	Value Value
}

// Pattern is an ordered, immutable set of key/value pairs.
type Pattern struct {
	pairs []Pair
}

// New builds a pattern from pairs, rejecting empty and duplicate keys and keys
// that could not be written back in pattern notation.
func New(pairs ...Pair) (Pattern, error) {
	seen := make(map[string]struct{}, len(pairs))
	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if p.Key == "" {
			return Pattern{}, ErrEmptyKey
		}
		if strings.TrimSpace(p.Key) != p.Key || strings.ContainsAny(p.Key, ":,'\"{}") {
			return Pattern{}, fmt.Errorf("%w: %q", ErrInvalidKey, p.Key)
		}
		if _, dup := seen[p.Key]; dup {
			return Pattern{}, fmt.Errorf("%w: %s", ErrDuplicateKey, p.Key)
		}
		seen[p.Key] = struct{}{}
		out = append(out, p)
	}
	return Pattern{pairs: out}, nil
}

// Parse reads a pattern in the "key:value,key:value" notation. Surrounding
// braces are optional, values may be quoted with ' or ", and a bare * is the
// wildcard. Numbers and the literals true and false are typed accordingly.
func Parse(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return Pattern{}, nil
	}

	var pairs []Pair
	for _, part := range splitPairs(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.IndexByte(part, ':')
		if idx < 0 {
			return Pattern{}, fmt.Errorf("%w: %q", ErrMissingValue, part)
		}
		key := strings.TrimSpace(part[:idx])
		raw := strings.TrimSpace(part[idx+1:])
		pairs = append(pairs, Pair{Key: key, Value: parseValue(raw)})
	}
	return New(pairs...)
}

// MustParse is like Parse but panics on error. Use it for literals.
func MustParse(s string) Pattern {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseAll parses every string in order.
func ParseAll(specs ...string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(specs))
	for _, s := range specs {
		p, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// FromMap builds a pattern from a map. Map iteration order is random, so the
// keys are sorted to keep the result deterministic.
func FromMap(m map[string]any) (Pattern, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]Pair, 0, len(keys))
	for _, k := range keys {
		v, err := ValueOf(m[k])
		if err != nil {
			return Pattern{}, fmt.Errorf("pin: key %s: %w", k, err)
		}
		pairs = append(pairs, Pair{Key: k, Value: v})
	}
	return New(pairs...)
}

// splitPairs splits on commas that are not inside quotes. A backslash inside
// quotes escapes the next byte.
func splitPairs(s string) []string {
	var (
		parts []string
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// Len returns the number of pairs.
func (p Pattern) Len() int { return len(p.pairs) }

// IsEmpty reports whether the pattern has no pairs.
func (p Pattern) IsEmpty() bool { return len(p.pairs) == 0 }

// Pairs returns a copy of the pairs in declaration order.
func (p Pattern) Pairs() []Pair {
	out := make([]Pair, len(p.pairs))
	copy(out, p.pairs)
	return out
}

// Get returns the value stored under key.
func (p Pattern) Get(key string) (Value, bool) {
	for _, pair := range p.pairs {
		if pair.Key == key {
			return pair.Value, true
		}
	}
	return Value{}, false
}

// Sorted returns a copy with keys in ascending byte order.
func (p Pattern) Sorted() Pattern {
	pairs := p.Pairs()
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return Pattern{pairs: pairs}
}

// Matches reports whether args carries every key of p with a matching value.
func (p Pattern) Matches(args map[string]any) bool {
	for _, pair := range p.pairs {
		arg, ok := args[pair.Key]
		if !ok || !pair.Value.Matches(arg) {
			return false
		}
	}
	return true
}

// Equal reports whether both patterns hold the same pairs, ignoring order.
func (p Pattern) Equal(other Pattern) bool {
	if len(p.pairs) != len(other.pairs) {
		return false
	}
	for _, pair := range p.pairs {
		v, ok := other.Get(pair.Key)
		if !ok || v != pair.Value {
			return false
		}
	}
	return true
}

// Map returns the pattern as native Go values.
func (p Pattern) Map() map[string]any {
	m := make(map[string]any, len(p.pairs))
	for _, pair := range p.pairs {
		m[pair.Key] = pair.Value.Native()
	}
	return m
}

// String renders the pattern in "key:value,key:value" notation. String values
// are quoted where needed so that Parse reads the result back as p.
func (p Pattern) String() string {
	parts := make([]string, len(p.pairs))
	for i, pair := range p.pairs {
		parts[i] = pair.Key + ":" + pair.Value.literal()
	}
	return strings.Join(parts, ",")
}

// MarshalText implements encoding.TextMarshaler.
func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pattern) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
