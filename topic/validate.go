package topic

import (
	"unicode/utf8"
)

// ValidationError represents a topic validation error
type ValidationError struct {
	message string
}

func (e *ValidationError) Error() string {
	return e.message
}

// ValidateName validates a topic name per MQTT 5.0 section 4.7. Topic names
// carry no wildcards.
func ValidateName(topic string) error {
	if len(topic) == 0 {
		return &ValidationError{"topic cannot be empty"}
	}

	if len(topic) > 65535 {
		return &ValidationError{"topic exceeds maximum length of 65535 bytes"}
	}

	if !utf8.ValidString(topic) {
		return &ValidationError{"topic contains invalid UTF-8 characters"}
	}

	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == '+' || c == '#' {
			return &ValidationError{"topic name cannot contain wildcard characters"}
		}
		if c == 0 {
			return &ValidationError{"topic cannot contain null characters"}
		}
	}

	return nil
}

// ValidateFilter validates a topic filter per MQTT 5.0 section 4.7: '#' only
// as the final level and alone in its level, '+' alone in its level.
func ValidateFilter(filter string) error {
	if len(filter) == 0 {
		return &ValidationError{"topic filter cannot be empty"}
	}

	if len(filter) > 65535 {
		return &ValidationError{"topic filter exceeds maximum length of 65535 bytes"}
	}

	if !utf8.ValidString(filter) {
		return &ValidationError{"topic filter contains invalid UTF-8 characters"}
	}

	for i := 0; i < len(filter); i++ {
		if filter[i] == 0 {
			return &ValidationError{"topic filter cannot contain null characters"}
		}
	}

	levels := splitLevels(filter)
	for i, level := range levels {
		if contains(level, '#') {
			if level != "#" {
				return &ValidationError{"multi-level wildcard '#' must occupy entire level"}
			}
			if i != len(levels)-1 {
				return &ValidationError{"multi-level wildcard '#' must be last level"}
			}
		}

		if contains(level, '+') && level != "+" {
			return &ValidationError{"single-level wildcard '+' must occupy entire level"}
		}
	}

	return nil
}

// HasWildcard reports whether a filter contains '+' or '#'
func HasWildcard(filter string) bool {
	return contains(filter, '+') || contains(filter, '#')
}

func contains(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}
