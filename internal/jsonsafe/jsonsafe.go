// Package jsonsafe guards persisted JSON parsing against
// object-prototype pollution when parsed content is later used as
// dynamically-keyed map indices (4.E "Security"). Go's typed unmarshal
// targets are not vulnerable the way a dynamically-typed language's
// object literals are, but the check is still performed on every
// persisted-JSON read path in this repo (index files, metadata,
// state files) per the spec's explicit instruction that it "must still
// be performed when keys are used as map indices."
package jsonsafe

import "fmt"

var dangerousKeys = []string{`"__proto__"`, `"constructor"`, `"prototype"`}

// RejectDangerousKeys scans raw JSON bytes for the literal keys
// __proto__, constructor, or prototype before any parsing occurs.
func RejectDangerousKeys(data []byte) error {
	s := string(data)
	for _, key := range dangerousKeys {
		if contains(s, key) {
			return fmt.Errorf("jsonsafe: refusing to parse JSON containing dangerous key %s", key)
		}
	}
	return nil
}

func contains(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
