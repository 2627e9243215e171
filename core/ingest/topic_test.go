package ingest

import "testing"

func TestExtractTopicID(t *testing.T) {
	cases := []struct {
		pattern, topic, want string
	}{
		{DefaultTopic, "vehicles/VH-001/telemetry", "VH-001"},
		{DefaultTopic, "vehicles/VH-001/status", ""},
		{DefaultTopic, "vehicles/VH-001/telemetry/extra", ""},
		{DefaultTopic, "vehicles", ""},
		{"fleet/+/+/telemetry", "fleet/eu/VH-9/telemetry", "eu"},
		{"vehicles/+/#", "vehicles/VH-2/telemetry/gps", "VH-2"},
		{"vehicles/telemetry", "vehicles/telemetry", ""},
	}
	for _, c := range cases {
		if got := ExtractTopicID(c.pattern, c.topic); got != c.want {
			t.Errorf("ExtractTopicID(%q, %q) = %q, want %q", c.pattern, c.topic, got, c.want)
		}
	}
}
