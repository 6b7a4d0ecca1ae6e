// Package footers parses the "Key: value" metadata tags which the merge
// queue reads out of commit message bodies.
package footers

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	// FeatureBranch names the branch holding the change's commits. Every
	// verified change must carry it.
	FeatureBranch = "Feature-Branch"
	// Priority is the optional integer merge priority. Lower values merge
	// first.
	Priority = "Priority"
	// Closes and Resolves accumulate comma-separated issue references.
	Closes   = "Closes"
	Resolves = "Resolves"

	// DefaultPriority is used when a commit message carries no Priority tag.
	DefaultPriority = 100
)

// Meta holds the metadata parsed from one commit message. Closes and Resolves
// are accumulated lists; Priority is an int; everything else is the last seen
// string value for its key.
type Meta map[string]interface{}

// Parse scans the message line by line for "Key: value" tags. Closes and
// Resolves values are split on commas and appended across repeated keys.
// Priority must parse as an integer; malformed values are dropped. Any other
// key maps to its last value.
func Parse(message string) Meta {
	meta := Meta{
		Closes:   []string{},
		Resolves: []string{},
	}
	for _, line := range strings.Split(message, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		value := strings.TrimSpace(parts[1])
		switch key {
		case Closes, Resolves:
			issues := meta[key].([]string)
			for _, item := range strings.Split(value, ",") {
				issues = append(issues, strings.TrimSpace(item))
			}
			meta[key] = issues
		case Priority:
			if pri, err := strconv.Atoi(value); err == nil {
				meta[key] = pri
			}
		default:
			meta[key] = value
		}
	}
	return meta
}

// FromJSON decodes a Meta previously serialized with ToJSON. Numeric values
// arrive as float64 from encoding/json; Priority() accounts for that.
func FromJSON(blob string) (Meta, error) {
	meta := Meta{}
	if err := json.Unmarshal([]byte(blob), &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// ToJSON serializes the Meta for storage in a message_meta column.
func (m Meta) ToJSON() string {
	b, err := json.Marshal(m)
	if err != nil {
		// Meta only ever holds strings, ints and string slices.
		return "{}"
	}
	return string(b)
}

// Priority returns the parsed Priority tag, or DefaultPriority when the tag
// was absent or malformed.
func (m Meta) Priority() int {
	switch v := m[Priority].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return DefaultPriority
}

// FeatureBranch returns the Feature-Branch tag, or "" when absent.
func (m Meta) FeatureBranch() string {
	if v, ok := m[FeatureBranch].(string); ok {
		return v
	}
	return ""
}
