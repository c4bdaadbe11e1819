package config

import "encoding/json"

const redactedPlaceholder = "[REDACTED]"

// SecureString is a string that never reveals its value through
// fmt/%v/%s/%#v or JSON marshaling, so it is safe to embed directly in
// Config and log the config wholesale.
type SecureString string

func (s SecureString) String() string   { return redactedPlaceholder }
func (s SecureString) GoString() string { return redactedPlaceholder }

func (s SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redactedPlaceholder)
}

func (s SecureString) Value() string { return string(s) }
