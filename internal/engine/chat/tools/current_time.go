package tools

import (
	"context"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

type CurrentTimeInput struct {
	Timezone string `json:"timezone,omitempty"`
}

type CurrentTimeOutput struct {
	Time     string `json:"time,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Weekday  string `json:"weekday,omitempty"`
	Error    string `json:"error,omitempty"`
}

func createCurrentTimeTool(now func() time.Time) tool.BaseTool {
	if now == nil {
		now = time.Now
	}
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolCurrentTime,
			Desc: "Get the current date and time, optionally in an IANA timezone such as Asia/Bangkok or Europe/Berlin.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"timezone": {
					Type: "string",
					Desc: "IANA timezone name. Defaults to UTC.",
				},
			}),
		},
		func(ctx context.Context, in *CurrentTimeInput) (*CurrentTimeOutput, error) {
			loc := time.UTC
			if in.Timezone != "" {
				l, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return &CurrentTimeOutput{Error: "unknown timezone " + in.Timezone}, nil
				}
				loc = l
			}
			t := now().In(loc)
			return &CurrentTimeOutput{
				Time:     t.Format(time.RFC3339),
				Timezone: loc.String(),
				Weekday:  t.Weekday().String(),
			}, nil
		},
	)
}
