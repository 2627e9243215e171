package ingest

import "strings"

// DefaultTopic is the subscription pattern for vehicle telemetry.
const DefaultTopic = "vehicles/+/telemetry"

// ExtractTopicID returns the topic level matched by the first single-level
// wildcard of pattern, or "" when the topic does not fit the pattern.
func ExtractTopicID(pattern, topic string) string {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	id := ""
	for i, p := range pp {
		if p == "#" {
			return id
		}
		if i >= len(tp) {
			return ""
		}
		switch p {
		case "+":
			if id == "" {
				id = tp[i]
			}
		default:
			if p != tp[i] {
				return ""
			}
		}
	}
	if len(tp) != len(pp) {
		return ""
	}
	return id
}
