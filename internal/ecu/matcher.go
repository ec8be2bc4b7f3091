package ecu

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// RequestAction builds the response to a matched request.
type RequestAction func(ctx *ResponseContext) error

// RequestMatcher is one entry of an ECU's matcher chain. A matcher with
// neither an exact pattern nor a regex matches every request.
type RequestMatcher struct {
	name   string
	exact  []byte
	regex  *regexp.Regexp
	source string
	action RequestAction
	store  *PropertyStore
}

// NewRequestMatcher creates a matcher. exact and pattern are alternatives;
// pattern must match the whole hex rendering of the request, without
// separators and ignoring case.
func NewRequestMatcher(name string, exact []byte, pattern string, action RequestAction) (*RequestMatcher, error) {
	if exact != nil && pattern != "" {
		return nil, fmt.Errorf("request %q: bytes and regex are mutually exclusive", name)
	}
	m := &RequestMatcher{
		name:   name,
		action: action,
		store:  NewPropertyStore(),
	}
	if exact != nil {
		m.exact = bytes.Clone(exact)
	}
	if pattern != "" {
		re, err := regexp.Compile("^(?i:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("request %q: compile regex: %w", name, err)
		}
		m.regex = re
		m.source = pattern
	}
	return m, nil
}

// MustRequestMatcher is NewRequestMatcher that panics on error.
func MustRequestMatcher(name string, exact []byte, pattern string, action RequestAction) *RequestMatcher {
	m, err := NewRequestMatcher(name, exact, pattern, action)
	if err != nil {
		panic(err)
	}
	return m
}

// Name returns the matcher name.
func (m *RequestMatcher) Name() string {
	return m.name
}

// Store returns the matcher-scoped property store.
func (m *RequestMatcher) Store() *PropertyStore {
	return m.store
}

// ClearStoredProperties resets the matcher-scoped store, including
// sequence cursors.
func (m *RequestMatcher) ClearStoredProperties() {
	m.store.Clear()
}

// Pattern describes the matcher's pattern for listings.
func (m *RequestMatcher) Pattern() string {
	switch {
	case m.exact != nil:
		return strings.ToUpper(hex.EncodeToString(m.exact))
	case m.regex != nil:
		return m.source
	default:
		return "*"
	}
}

func (m *RequestMatcher) matches(payload []byte, hexPayload string) bool {
	switch {
	case m.exact != nil:
		return bytes.Equal(m.exact, payload)
	case m.regex != nil:
		return m.regex.MatchString(hexPayload)
	default:
		return true
	}
}

// HexString renders data the way regex patterns see it.
func HexString(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// ParseHex decodes a hex string, ignoring spaces.
func ParseHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}
