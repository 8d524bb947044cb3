package decoder

import (
	"strings"

	"github.com/drblury/activitypipe/internal/runtime/activity"
)

// ParseTags reads the bracketed tag list produced by the TagObjects
// enumeration projection: "[key, value][key, value]...". Keys and values are
// taken verbatim; there is no escaping. The runtime joins enumerated pairs
// with ",", so a single comma between groups is tolerated. Parsing stops at
// the first group that does not match the expected shape and returns the
// tags read so far.
func ParseTags(s string) []activity.Tag {
	tags := make([]activity.Tag, 0, strings.Count(s, "["))

	i := 0
	for i < len(s) {
		if len(tags) > 0 && s[i] == ',' {
			i++
			if i == len(s) {
				break
			}
		}
		if s[i] != '[' {
			break
		}
		i++

		comma := strings.IndexByte(s[i:], ',')
		if comma < 0 {
			break
		}
		key := s[i : i+comma]

		// one separator character follows the comma
		i += comma + 2
		if i > len(s) {
			break
		}

		end := strings.IndexByte(s[i:], ']')
		if end < 0 {
			break
		}
		value := s[i : i+end]
		i += end + 1

		tags = append(tags, activity.Tag{Key: key, Value: value})
	}

	return tags
}

// FormatTags renders tags in the format accepted by ParseTags.
func FormatTags(tags []activity.Tag) string {
	var b strings.Builder
	for _, tag := range tags {
		b.WriteByte('[')
		b.WriteString(tag.Key)
		b.WriteString(", ")
		b.WriteString(tag.Value)
		b.WriteByte(']')
	}
	return b.String()
}
