package devconf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

func TestParseShareConfig(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want []Share
	}{
		{"empty", "", nil},
		{"rosetta", "rosetta", []Share{{Rosetta: true, Tag: RosettaTag}}},
		{"rosetta and data", "rosetta+data:/home/x:rw", []Share{
			{Rosetta: true, Tag: RosettaTag},
			{Tag: "data", Dir: "/home/x"},
		}},
		{"read only", "src:/Users/me/src:ro", []Share{
			{Tag: "src", Dir: "/Users/me/src", ReadOnly: true},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShareConfig(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseShareConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		spec   string
		reason string
	}{
		{"bad mode", "data:/home/x:xx", "access mode"},
		{"too few fields", "data:/home/x", "got 2 fields"},
		{"too many fields", "data:/home/x:rw:extra", "got 4 fields"},
		{"empty tag", ":/home/x:rw", "empty share tag"},
		{"empty dir", "data::rw", "empty share directory"},
		{"empty entry", "rosetta+", "empty share entry"},
		{"duplicate tag", "data:/a:rw+data:/b:ro", "duplicate share tag"},
		{"duplicate rosetta", "rosetta+rosetta", "more than once"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShareConfig(tt.spec)
			assert.Nil(t, got)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "want *ConfigError, got %v", err)
			assert.Contains(t, cfgErr.Reason, tt.reason)
		})
	}
}

func TestShareConfigRoundTrip(t *testing.T) {
	spec := "rosetta+data:/home/x:rw+src:/src:ro"

	shares, err := ParseShareConfig(spec)
	require.NoError(t, err)
	assert.Equal(t, spec, FormatShareConfig(shares))
}
