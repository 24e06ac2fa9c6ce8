package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/broker/model"
)

func TestMetadataQueryEvaluator_Matches(t *testing.T) {
	meta := model.Metadata{"region": "west", "tier": "pro", "beta": ""}
	eval := MetadataQueryEvaluator{}

	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"equality match", "region=west", true},
		{"equality mismatch", "region=east", false},
		{"missing key", "zone=a", false},
		{"negation match", "tier!=free", true},
		{"negation mismatch", "tier!=pro", false},
		{"negation on missing key", "zone!=a", false},
		{"presence", "beta", true},
		{"presence missing", "gamma", false},
		{"conjunction all match", "region=west,tier!=free,beta", true},
		{"conjunction one fails", "region=west,tier=free", false},
		{"whitespace tolerated", " region = west , beta ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Matches(tt.query, meta)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetadataQueryEvaluator_Validate(t *testing.T) {
	eval := MetadataQueryEvaluator{}

	assert.NoError(t, eval.Validate("region=west"))
	assert.NoError(t, eval.Validate("beta"))

	for _, query := range []string{"", "  ", "a,,b", "=west", "!=free"} {
		err := eval.Validate(query)
		require.Error(t, err, "query %q", query)
		assert.True(t, IsValidation(err))
	}
}

func TestMetadataQueryEvaluator_NilMetadata(t *testing.T) {
	eval := MetadataQueryEvaluator{}

	got, err := eval.Matches("region=west", nil)
	require.NoError(t, err)
	assert.False(t, got)
}
