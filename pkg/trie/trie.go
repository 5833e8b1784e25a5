// Package trie provides a generic pattern trie used to route model names to
// generator backends. Patterns are MQTT-style:
//   - "openai/gpt-4o"  - exact match
//   - "openai/+"       - single-level wildcard (any one segment)
//   - "openai/#"       - multi-level wildcard (any remaining segments)
//
// Exact segments win over "+", which wins over "#".
package trie

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidPattern is returned for malformed patterns, e.g. segments after
// a "#" wildcard.
var ErrInvalidPattern = errors.New("trie: invalid pattern")

// Trie stores values of type T under slash-separated patterns and matches
// lookup paths against them. The zero value is an empty trie ready for use.
type Trie[T any] struct {
	exact map[string]*Trie[T] // literal segment children
	one   *Trie[T]            // "+" child
	rest  *Trie[T]            // "#" child
	set   bool
	value T
}

// New creates an empty Trie.
func New[T any]() *Trie[T] {
	return &Trie[T]{}
}

// Set stores a value at the pattern via setFunc, which receives a pointer to
// the slot and whether a value was already present. Used by callers that
// reject duplicate registration.
func (t *Trie[T]) Set(pattern string, setFunc func(ptr *T, existed bool) error) error {
	node := t
	for pattern != "" {
		var seg string
		if idx := strings.IndexByte(pattern, '/'); idx == -1 {
			seg, pattern = pattern, ""
		} else {
			seg, pattern = pattern[:idx], pattern[idx+1:]
		}
		switch seg {
		case "+":
			if node.one == nil {
				node.one = &Trie[T]{}
			}
			node = node.one
		case "#":
			if pattern != "" {
				return fmt.Errorf("%w: segments after #", ErrInvalidPattern)
			}
			if node.rest == nil {
				node.rest = &Trie[T]{}
			}
			node = node.rest
		default:
			if node.exact == nil {
				node.exact = make(map[string]*Trie[T])
			}
			ch, ok := node.exact[seg]
			if !ok {
				ch = &Trie[T]{}
				node.exact[seg] = ch
			}
			node = ch
		}
	}
	if err := setFunc(&node.value, node.set); err != nil {
		return err
	}
	node.set = true
	return nil
}

// SetValue stores a value at the pattern, overwriting any existing value.
func (t *Trie[T]) SetValue(pattern string, value T) error {
	return t.Set(pattern, func(ptr *T, _ bool) error {
		*ptr = value
		return nil
	})
}

// Get returns a pointer to the best-matching value for the path.
func (t *Trie[T]) Get(path string) (*T, bool) {
	_, val, ok := t.match("", path)
	return val, ok
}

// GetValue returns the best-matching value for the path, or the zero value.
func (t *Trie[T]) GetValue(path string) (T, bool) {
	ptr, ok := t.Get(path)
	if !ok {
		var zero T
		return zero, false
	}
	return *ptr, true
}

// Match returns the matched pattern alongside the value, for callers that
// log or report which registration served a path.
func (t *Trie[T]) Match(path string) (pattern string, value *T, ok bool) {
	p, v, ok := t.match("", path)
	return strings.TrimPrefix(p, "/"), v, ok
}

func (t *Trie[T]) match(matched, path string) (string, *T, bool) {
	if path == "" {
		return matched, &t.value, t.set
	}
	var seg, tail string
	if idx := strings.IndexByte(path, '/'); idx == -1 {
		seg = path
	} else {
		seg, tail = path[:idx], path[idx+1:]
	}
	if t.exact != nil {
		if ch, ok := t.exact[seg]; ok {
			if p, v, ok := ch.match(matched+"/"+seg, tail); ok {
				return p, v, true
			}
		}
	}
	if t.one != nil {
		if p, v, ok := t.one.match(matched+"/+", tail); ok {
			return p, v, true
		}
	}
	if t.rest != nil {
		if p, v, ok := t.rest.match(matched+"/#", ""); ok {
			return p, v, true
		}
	}
	return "", nil, false
}

// Walk visits every pattern with a stored value.
func (t *Trie[T]) Walk(f func(pattern string, value T)) {
	t.walk(nil, f)
}

func (t *Trie[T]) walk(path []string, f func(string, T)) {
	if t.set {
		f(strings.Join(path, "/"), t.value)
	}
	for seg, ch := range t.exact {
		ch.walk(append(path, seg), f)
	}
	if t.one != nil {
		t.one.walk(append(path, "+"), f)
	}
	if t.rest != nil {
		t.rest.walk(append(path, "#"), f)
	}
}

// Patterns returns all registered patterns in sorted order.
func (t *Trie[T]) Patterns() []string {
	var out []string
	t.Walk(func(pattern string, _ T) {
		out = append(out, pattern)
	})
	sort.Strings(out)
	return out
}

// Len returns the number of stored values.
func (t *Trie[T]) Len() int {
	n := 0
	t.Walk(func(string, T) { n++ })
	return n
}
