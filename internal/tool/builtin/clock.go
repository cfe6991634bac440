package builtin

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/ashureev/agentstream/internal/tool"
)

// CurrentTime reports the current time, optionally in an IANA timezone.
type CurrentTime struct {
	now func() time.Time
}

// NewCurrentTime returns the current_time tool. A nil clock uses time.Now.
func NewCurrentTime(now func() time.Time) *CurrentTime {
	if now == nil {
		now = time.Now
	}
	return &CurrentTime{now: now}
}

func (c *CurrentTime) Name() string { return "current_time" }

func (c *CurrentTime) Description() string {
	return "Return the current date and time. Accepts an optional IANA timezone such as \"Europe/Berlin\"."
}

func (c *CurrentTime) Schema() *tool.Schema {
	return &tool.Schema{
		Type: "object",
		Properties: map[string]tool.Property{
			"timezone": {Type: "string", Description: "IANA timezone name, defaults to UTC"},
		},
	}
}

func (c *CurrentTime) Execute(_ context.Context, input map[string]any) (any, error) {
	tz, _ := input["timezone"].(string)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q", tz)
	}
	now := c.now().In(loc)
	return map[string]any{
		"timezone": tz,
		"time":     now.Format(time.RFC3339),
		"weekday":  now.Weekday().String(),
		"unix":     now.Unix(),
	}, nil
}
