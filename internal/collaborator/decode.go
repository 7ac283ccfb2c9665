package collaborator

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
)

// Decode converts loosely typed patch data into out. Collaborators emit
// JSON or YAML, so numbers may arrive as strings and durations as text;
// weak typing absorbs those differences.
func Decode(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("failed to decode patch: %w", err)
	}
	return nil
}

// String returns patch[key] as a string, or "" when absent or not scalar.
func String(patch map[string]any, key string) string {
	v, ok := patch[key]
	if !ok || v == nil {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return s
}

// Float returns patch[key] as a float64 and whether it converted.
func Float(patch map[string]any, key string) (float64, bool) {
	v, ok := patch[key]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	return f, err == nil
}

// Bool returns patch[key] as a bool; absent or unparseable values are false.
func Bool(patch map[string]any, key string) bool {
	b, err := cast.ToBoolE(patch[key])
	return err == nil && b
}

// StringSlice returns patch[key] as a []string.
func StringSlice(patch map[string]any, key string) []string {
	v, ok := patch[key]
	if !ok || v == nil {
		return nil
	}
	s, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return s
}

// Map returns patch[key] as a map[string]any.
func Map(patch map[string]any, key string) map[string]any {
	v, ok := patch[key]
	if !ok || v == nil {
		return nil
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil
	}
	return m
}
