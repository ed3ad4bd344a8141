// Package topic implements MQTT topic name and filter handling: wildcard
// matching per MQTT 5.0 section 4.7 and validation of names and filters.
package topic

import "strings"

// Match reports whether a subscription filter matches a topic name. Filters
// and topics are compared level by level after splitting on '/': '+' matches
// exactly one non-empty level, a terminal '#' matches all remaining levels
// including none. A filter starting with a wildcard never matches a topic
// whose first level begins with '$'. Empty inputs never match.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	if strings.HasPrefix(topic, "$") {
		if strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#") {
			return false
		}
	}

	if filter == topic {
		return true
	}

	return matchLevels(splitLevels(filter), splitLevels(topic))
}

func matchLevels(filterLevels, topicLevels []string) bool {
	fi := 0
	ti := 0

	for fi < len(filterLevels) && ti < len(topicLevels) {
		filterLevel := filterLevels[fi]

		if filterLevel == "#" {
			return true
		}

		if filterLevel == "+" {
			if topicLevels[ti] == "" {
				return false
			}
			fi++
			ti++
			continue
		}

		if filterLevel != topicLevels[ti] {
			return false
		}

		fi++
		ti++
	}

	// A trailing '#' also matches the parent level itself ("a/#" matches "a")
	if fi < len(filterLevels) {
		return len(filterLevels)-fi == 1 && filterLevels[fi] == "#"
	}

	return ti == len(topicLevels)
}

// splitLevels splits a topic into levels by '/'
func splitLevels(topic string) []string {
	levels := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			levels = append(levels, topic[start:i])
			start = i + 1
		}
	}
	return append(levels, topic[start:])
}
