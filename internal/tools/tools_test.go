// ABOUTME: Tests for the local tool registry and the built-in tools.
// ABOUTME: Validates registration order, lookups, and tool output shapes.

package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(SystemTime())

	tool, ok := r.Get("get_system_time")
	require.True(t, ok)
	assert.Equal(t, "get_system_time", tool.Name)

	_, ok = r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_ListPreservesOrder(t *testing.T) {
	r := GeneralTools()

	listed := r.List()
	require.Len(t, listed, 2)
	assert.Equal(t, "get_system_time", listed[0].Name)
	assert.Equal(t, "get_weather", listed[1].Name)
}

func TestRegistry_ReplaceKeepsPosition(t *testing.T) {
	r := GeneralTools()
	replacement := Weather()
	replacement.Description = "updated"
	r.Register(replacement)

	listed := r.List()
	require.Len(t, listed, 2)
	assert.Equal(t, "get_weather", listed[1].Name)
	assert.Equal(t, "updated", listed[1].Description)
}

func TestSystemTime_Output(t *testing.T) {
	out, err := SystemTime().Run(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "System time: "))
	assert.Contains(t, out, "ISO: ")
}

func TestWeather_Output(t *testing.T) {
	tool := Weather()

	out, err := tool.Run(context.Background(), map[string]any{"city": "Taipei"})
	require.NoError(t, err)
	assert.Contains(t, out, "Weather in Taipei: ")

	// Same city always reports the same conditions.
	again, err := tool.Run(context.Background(), map[string]any{"city": "Taipei"})
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestWeather_MissingCity(t *testing.T) {
	tool := Weather()

	_, err := tool.Run(context.Background(), map[string]any{})
	assert.Error(t, err)

	_, err = tool.Run(context.Background(), map[string]any{"city": "   "})
	assert.Error(t, err)
}
