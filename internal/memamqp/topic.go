package memamqp

import "strings"

// TopicMatch reports whether a topic binding pattern matches a routing key.
// Words are separated by dots; "*" matches exactly one word and "#" matches
// zero or more.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	}
	return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
}
