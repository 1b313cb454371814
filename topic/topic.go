// Package topic derives AMQP routing keys and queue names from pin patterns.
package topic

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/glimte/pinrpc/pin"
)

const (
	// Delimiter separates routing key segments.
	Delimiter = "."
	// DotEscape replaces a literal delimiter inside a value.
	DotEscape = "[:dot:]"
	// WildcardWord stands in for the wildcard in queue names.
	WildcardWord = "any"
	// ValueSeparator joins multiple values of one key in a queue name.
	ValueSeparator = "_"
	// DefaultSeparator joins queue name segments when none is configured.
	DefaultSeparator = "."
)

// Escape replaces every delimiter in s with DotEscape.
func Escape(s string) string {
	return strings.ReplaceAll(s, Delimiter, DotEscape)
}

// ResolveTopic returns the routing key for p: keys sorted ascending, each
// followed by its escaped value, joined by Delimiter. A key present in
// overrides with a scalar value takes that value instead of the pattern's.
// An empty pattern yields "".
func ResolveTopic(p pin.Pattern, overrides map[string]any) string {
	sorted := p.Sorted().Pairs()
	segments := make([]string, 0, 2*len(sorted))
	for _, pair := range sorted {
		value := pair.Value
		if raw, ok := overrides[pair.Key]; ok {
			if v, err := pin.ValueOf(raw); err == nil {
				value = v
			}
		}
		segments = append(segments, pair.Key, Escape(value.Text()))
	}
	return strings.Join(segments, Delimiter)
}

// ResolveClientTopic parses pattern and resolves its routing key using args
// as overrides.
func ResolveClientTopic(pattern string, args map[string]any) (string, error) {
	p, err := pin.Parse(pattern)
	if err != nil {
		return "", err
	}
	return ResolveTopic(p, args), nil
}

// ResolveListenTopics returns one routing key per pin. Empty pins are
// skipped since they cannot be bound.
func ResolveListenTopics(pins []pin.Pattern) []string {
	topics := make([]string, 0, len(pins))
	for _, p := range pins {
		if t := ResolveTopic(p, nil); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// QueueOptions controls listener queue naming.
type QueueOptions struct {
	Prefix    string
	Separator string
	// Canonical sorts keys and values so the name does not depend on the
	// order pins were merged in.
	Canonical bool
}

// ResolveListenQueue names the queue serving pins. Values of the same key
// across pins are de-duplicated and joined by ValueSeparator, in first-seen
// order unless opts.Canonical is set.
func ResolveListenQueue(pins []pin.Pattern, opts QueueOptions) string {
	var keys []string
	values := make(map[string][]string)
	for _, p := range pins {
		for _, pair := range p.Pairs() {
			existing, seen := values[pair.Key]
			if !seen {
				keys = append(keys, pair.Key)
			}
			text := pair.Value.Text()
			if !contains(existing, text) {
				values[pair.Key] = append(existing, text)
			}
		}
	}

	if opts.Canonical {
		sort.Strings(keys)
		for _, k := range keys {
			sort.Strings(values[k])
		}
	}

	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}

	segments := make([]string, 0, len(keys)+1)
	if opts.Prefix != "" {
		segments = append(segments, opts.Prefix)
	}
	for _, k := range keys {
		joined := strings.Join(values[k], ValueSeparator)
		segments = append(segments, k+":"+strings.ReplaceAll(joined, pin.Wildcard, WildcardWord))
	}
	return strings.Join(segments, sep)
}

// ClientQueueOptions controls reply queue naming.
type ClientQueueOptions struct {
	ID        string
	Prefix    string
	Separator string
}

// ResolveClientQueue names a client reply queue. Without an explicit ID a
// short random token is minted.
func ResolveClientQueue(opts ClientQueueOptions) string {
	id := opts.ID
	if id == "" {
		id = strings.SplitN(uuid.New().String(), "-", 2)[0]
	}
	if opts.Prefix == "" {
		return id
	}
	sep := opts.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	return opts.Prefix + sep + id
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
