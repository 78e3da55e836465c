// ABOUTME: Local tool callbacks the upstream agent may invoke during a turn.
// ABOUTME: Provides the general-purpose system time and weather tools.

package tools

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Tool describes a callback the agent can invoke by name. InputSchema is a
// JSON-schema properties map advertised to the upstream model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Run         func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools offered to the agent, keyed by name.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering the same name twice replaces the earlier
// definition without changing its position.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// GeneralTools returns the default registry with the system time and
// weather tools registered.
func GeneralTools() *Registry {
	r := NewRegistry()
	r.Register(SystemTime())
	r.Register(Weather())
	return r
}

// SystemTime returns a tool reporting the current system time with
// timezone information.
func SystemTime() Tool {
	return Tool{
		Name:        "get_system_time",
		Description: "Returns the current system time with timezone information.",
		InputSchema: map[string]any{},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			now := time.Now()
			return fmt.Sprintf("System time: %s (ISO: %s)",
				now.Format("2006-01-02 15:04:05 MST"),
				now.Format(time.RFC3339)), nil
		},
	}
}

// canned conditions, cycled by city name so repeated calls are stable
var weatherConditions = []string{"sunny", "partly cloudy", "overcast", "light rain", "thunderstorms"}

// Weather returns a tool reporting weather conditions for a city.
// Conditions are synthesized locally; there is no upstream weather service.
func Weather() Tool {
	return Tool{
		Name:        "get_weather",
		Description: "Returns current weather conditions for the specified city.",
		InputSchema: map[string]any{
			"city": map[string]any{
				"type":        "string",
				"description": "Name of the city to report weather for.",
			},
		},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			city, _ := args["city"].(string)
			city = strings.TrimSpace(city)
			if city == "" {
				return "", fmt.Errorf("city is required")
			}

			var sum int
			for _, r := range strings.ToLower(city) {
				sum += int(r)
			}
			condition := weatherConditions[sum%len(weatherConditions)]
			tempC := 12 + sum%18

			return fmt.Sprintf("Weather in %s: %s, %d°C", city, condition, tempC), nil
		},
	}
}
