// Package weather provides a get_weather tool backed by a fixed table of conditions. It registers the
// tool without an input schema, the way some deployed servers do.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/toolserver"
)

// Report is the weather at one location.
type Report struct {
	Condition    string
	Temperature  int
	HumidityPerc int
}

// Forecaster answers weather queries. Known cities get fixed reports; any other location gets a
// deterministic report derived from its name.
type Forecaster struct {
	known map[string]Report
}

var defaultReports = map[string]Report{
	"chicago":       {Condition: "Sunny", Temperature: 75, HumidityPerc: 40},
	"new york":      {Condition: "Partly cloudy", Temperature: 68, HumidityPerc: 55},
	"seattle":       {Condition: "Rainy", Temperature: 54, HumidityPerc: 88},
	"miami":         {Condition: "Humid", Temperature: 88, HumidityPerc: 80},
	"san francisco": {Condition: "Foggy", Temperature: 61, HumidityPerc: 75},
	"london":        {Condition: "Overcast", Temperature: 59, HumidityPerc: 70},
	"tokyo":         {Condition: "Clear", Temperature: 72, HumidityPerc: 50},
}

var conditions = []string{"Sunny", "Cloudy", "Partly cloudy", "Rainy", "Windy", "Clear"}

// NewForecaster creates a forecaster with the built-in table.
func NewForecaster() *Forecaster {
	known := make(map[string]Report, len(defaultReports))
	for k, v := range defaultReports {
		known[k] = v
	}
	return &Forecaster{known: known}
}

// Forecast returns the report for location.
func (f *Forecaster) Forecast(location string) (Report, error) {
	key := strings.ToLower(strings.TrimSpace(location))
	if key == "" {
		return Report{}, fmt.Errorf("location is required")
	}
	if r, ok := f.known[key]; ok {
		return r, nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	sum := h.Sum32()
	return Report{
		Condition:    conditions[sum%uint32(len(conditions))],
		Temperature:  40 + int(sum%50),
		HumidityPerc: 20 + int((sum>>8)%70),
	}, nil
}

// String renders the report the way the tool returns it, e.g. "Sunny, 75°F".
func (r Report) String() string {
	return fmt.Sprintf("%s, %d°F", r.Condition, r.Temperature)
}

// Register adds get_weather to s.
func Register(s *toolserver.Server, f *Forecaster) {
	s.AddRawTool(mcp.Tool{
		Name:        "get_weather",
		Description: "Get the current weather for a location",
	}, func(_ context.Context, args json.RawMessage) (mcp.CallToolResult, error) {
		var params struct {
			Location string `json:"location"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return mcp.CallToolResult{}, &mcp.JSONRPCError{Code: mcp.CodeInvalidParams, Message: "location must be a string"}
		}
		report, err := f.Forecast(params.Location)
		if err != nil {
			return mcp.CallToolResult{}, err
		}
		return toolserver.TextResult(report.String()), nil
	})
}

// New creates a tool server offering get_weather.
func New(options ...toolserver.Option) *toolserver.Server {
	s := toolserver.New(mcp.Info{Name: "weather", Version: "1.0.0"}, options...)
	Register(s, NewForecaster())
	return s
}
