// Package provider builds the event provider configuration that selects
// completed-activity events for a set of activity sources.
//
// The configuration is opaque to this module: it is handed to the event
// session, which forwards it to the diagnostic source provider in the target
// process. The filter spec text must stay byte-for-byte identical to what the
// provider understands, and the projected field names must match the keys
// read by the decoder package.
package provider

import "strings"

const (
	// ProviderName is the diagnostic source event provider.
	ProviderName = "Microsoft-Diagnostics-DiagnosticSource"

	// FilterAndPayloadSpecsKey is the provider argument carrying the filter spec.
	FilterAndPayloadSpecsKey = "FilterAndPayloadSpecs"

	KeywordMessages int64 = 0x1
	KeywordEvents   int64 = 0x2

	// LevelVerbose is the most verbose event level.
	LevelVerbose = 5

	// ActivityStopPayload projects the fields of a stopped activity. The field
	// order mirrors the argument keys consumed by the decoder.
	ActivityStopPayload = "TraceId;SpanId;ParentSpanId;ActivityTraceFlags;Kind;DisplayName;" +
		"StartTimeTicks=StartTimeUtc.Ticks;DurationTicks=Duration.Ticks;Status;StatusDescription;" +
		"Tags=TagObjects.*Enumerate;ActivitySourceVersion=Source.Version"

	// AllSources matches every activity source.
	AllSources = "*"
)

// Provider is a single event provider entry of a session configuration.
type Provider struct {
	Name      string            `json:"name"`
	Keywords  int64             `json:"keywords"`
	Level     int               `json:"level"`
	Arguments map[string]string `json:"arguments"`
}

// Configuration is the set of providers an event session should enable.
type Configuration struct {
	Providers []Provider `json:"providers"`
}

// FilterSpec returns the filter spec argument of the diagnostic source
// provider, or "" when the configuration does not contain one.
func (c Configuration) FilterSpec() string {
	for _, p := range c.Providers {
		if p.Name == ProviderName {
			return p.Arguments[FilterAndPayloadSpecsKey]
		}
	}
	return ""
}

// Build returns the configuration selecting activity stop events for the
// given source names. Empty names are skipped; "*" selects every source. An
// empty list yields an empty filter spec, which selects nothing.
func Build(sources []string) Configuration {
	var spec strings.Builder
	for _, source := range sources {
		if source == "" {
			continue
		}
		spec.WriteString(FilterLine(source))
		spec.WriteByte('\n')
	}

	return Configuration{
		Providers: []Provider{{
			Name:     ProviderName,
			Keywords: KeywordEvents | KeywordMessages,
			Level:    LevelVerbose,
			Arguments: map[string]string{
				FilterAndPayloadSpecsKey: spec.String(),
			},
		}},
	}
}

// FilterLine returns the filter spec line for a single activity source.
// Events and Links of an activity cannot be projected through this mechanism.
func FilterLine(source string) string {
	return "[AS]" + source + "/Stop:-" + ActivityStopPayload
}
