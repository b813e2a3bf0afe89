// Package cfg decodes [http.services.<name>] and interceptor profile tables
// into typed service configs.
package cfg

import (
	"slices"

	"github.com/mitchellh/mapstructure"
)

// Setter is implemented by configs that fill in their own defaults.
// ApplyDefaults runs after every successful decode.
type Setter interface {
	ApplyDefaults()
}

type options struct {
	md     *mapstructure.Metadata
	strict bool
}

// Decode decodes input into c. Durations may be TOML strings such as "15s"
// and comma separated strings become slices.
func Decode(input map[string]any, c any) error {
	return decode(input, c, options{})
}

// DecodeWithUnused is Decode that also returns the sorted keys c did not use,
// so callers can warn about them.
func DecodeWithUnused(input map[string]any, c any) ([]string, error) {
	var md mapstructure.Metadata
	if err := decode(input, c, options{md: &md}); err != nil {
		return nil, err
	}
	unused := slices.Clone(md.Unused)
	slices.Sort(unused)
	return unused, nil
}

// MustDecodeStrict fails on unused keys. Tests use it to catch dead config.
func MustDecodeStrict(input map[string]any, c any) error {
	return decode(input, c, options{strict: true})
}

func decode(input map[string]any, c any, o options) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      c,
		Metadata:    o.md,
		ErrorUnused: o.strict,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := d.Decode(input); err != nil {
		return err
	}
	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}
	return nil
}
