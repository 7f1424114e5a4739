package flagx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterArgs_SeparateValue(t *testing.T) {
	got := FilterArgs([]string{"-a", "host:1", "-x", "nope"}, []string{"-a"})
	require.Equal(t, []string{"-a", "host:1"}, got)
}

func TestFilterArgs_EqualsForm(t *testing.T) {
	got := FilterArgs([]string{"--config=conf.json", "--other=1"}, []string{"--config"})
	require.Equal(t, []string{"--config=conf.json"}, got)
}

func TestFilterArgs_BoolFlagFollowedByFlag(t *testing.T) {
	got := FilterArgs([]string{"-v", "-a", "x"}, []string{"-v", "-a"})
	require.Equal(t, []string{"-v", "-a", "x"}, got)
}

func TestFilterArgs_NothingAllowed(t *testing.T) {
	got := FilterArgs([]string{"-a", "1"}, nil)
	require.Empty(t, got)
}
