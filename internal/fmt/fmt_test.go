package fmt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSprintFloat(t *testing.T) {
	for _, tc := range []struct {
		value    float64
		decimal  uint
		expected string
	}{
		{1200, 4, "1200"},
		{1.5, 4, "1.5"},
		{-0.00001, 3, "0"},
		{10.1234567, 3, "10.123"},
		{3.7, 0, "4"},
		{-2.26, 1, "-2.3"},
	} {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, SprintFloat(tc.value, tc.decimal))
		})
	}
}
