package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		topic   string
		matches bool
	}{
		{"exact", "a/b/c", "a/b/c", true},
		{"exact_mismatch", "a/b/c", "a/b/d", false},
		{"exact_shorter_topic", "a/b/c", "a/b", false},
		{"exact_longer_topic", "a/b", "a/b/c", false},

		{"plus_middle", "a/+/c", "a/b/c", true},
		{"plus_middle_mismatch", "a/+/c", "a/b/d", false},
		{"plus_single_level_only", "a/+", "a/b/c", false},
		{"plus_leading", "+/b", "a/b", true},
		{"plus_alone", "+", "a", true},
		{"plus_alone_multi_level", "+", "a/b", false},
		{"plus_empty_level", "a/+", "a/", false},

		{"hash_everything", "#", "a", true},
		{"hash_everything_deep", "#", "a/b/c/d", true},
		{"hash_parent", "a/#", "a", true},
		{"hash_children", "a/#", "a/b/c", true},
		{"hash_sibling", "a/#", "b/c", false},

		{"mixed", "sensors/+/temp/#", "sensors/room1/temp/raw/c", true},
		{"mixed_miss", "sensors/+/temp/#", "sensors/room1/hum", false},

		{"dollar_hash", "#", "$SYS/x", false},
		{"dollar_plus", "+/x", "$SYS/x", false},
		{"dollar_exact_prefix", "$SYS/x", "$SYS/x", true},
		{"dollar_inner_wildcard", "$SYS/+", "$SYS/x", true},

		{"empty_topic", "#", "", false},
		{"empty_filter", "", "a", false},
		{"both_empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.matches, Match(tt.filter, tt.topic))
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("a/b/c"))
	assert.NoError(t, ValidateName("$SYS/broker"))
	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("a/+/c"))
	assert.Error(t, ValidateName("a/#"))
	assert.Error(t, ValidateName("a\x00b"))
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("a/b/c"))
	assert.NoError(t, ValidateFilter("a/+/c"))
	assert.NoError(t, ValidateFilter("a/#"))
	assert.NoError(t, ValidateFilter("#"))
	assert.NoError(t, ValidateFilter("+"))

	assert.Error(t, ValidateFilter(""))
	assert.Error(t, ValidateFilter("a/#/c"))
	assert.Error(t, ValidateFilter("a/b#"))
	assert.Error(t, ValidateFilter("a/b+/c"))
	assert.Error(t, ValidateFilter("a\x00b"))
}

func TestHasWildcard(t *testing.T) {
	assert.True(t, HasWildcard("a/+"))
	assert.True(t, HasWildcard("#"))
	assert.False(t, HasWildcard("a/b"))
}
