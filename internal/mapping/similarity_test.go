package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"firstName", []string{"first", "name"}},
		{"first_name", []string{"first", "name"}},
		{"user-addresses", []string{"user", "address"}},
		{"HTTPServer", []string{"http", "server"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("firstName", "first_name"))
	assert.Equal(t, 1.0, Similarity("userIds", "user_id"))
	assert.Equal(t, 0.0, Similarity("", "x"))

	near := Similarity("frstName", "firstName")
	far := Similarity("zipCode", "firstName")
	assert.Greater(t, near, far)
	assert.Greater(t, near, PredictionThreshold)
	assert.Less(t, far, PredictionThreshold)
}

func TestLevenshteinDistance(t *testing.T) {
	assert.Equal(t, 3, levenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 0, levenshteinDistance("same", "same"))
	assert.Equal(t, 4, levenshteinDistance("", "four"))
}
