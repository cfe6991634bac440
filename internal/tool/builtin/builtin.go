// Package builtin holds the tools registered by the server at startup.
package builtin

import (
	"fmt"

	"github.com/ashureev/agentstream/internal/tool"
)

// RegisterAll adds the built-in tools to r in catalog order.
func RegisterAll(r *tool.Registry, fetch FetchConfig) error {
	for _, t := range []tool.Tool{
		NewCalculate(),
		NewFetchURL(fetch),
		NewCurrentTime(nil),
	} {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("register builtin: %w", err)
		}
	}
	return nil
}
