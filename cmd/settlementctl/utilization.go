package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/wcharczuk/go-chart/v2"
)

// utilization prints how much of each agent's daily limit is consumed for a
// city and optionally renders the same data as a bar chart.
func (a *app) utilization(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("utilization", flag.ExitOnError)
	city := fs.String("city", "", "pickup city")
	outputDir := fs.String("output", "", "directory for the chart PNG, empty for table only")
	fs.Parse(args)

	agents, err := a.store.ListAgentsByCity(ctx, *city)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Printf("no agents registered in %s\n", *city)
		return nil
	}

	sort.Slice(agents, func(i, j int) bool {
		return agents[i].Name < agents[j].Name
	})

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Status", "Daily Used", "Daily Limit", "Utilization", "Active"})
	for _, agent := range agents {
		utilization := 0.0
		if agent.MaxDailyAmount > 0 {
			utilization = agent.CurrentDailyAmount / agent.MaxDailyAmount * 100
		}
		table.Append([]string{
			strconv.FormatInt(agent.ID, 10),
			agent.Name,
			string(agent.Status),
			fmt.Sprintf("%.2f", agent.CurrentDailyAmount),
			fmt.Sprintf("%.2f", agent.MaxDailyAmount),
			fmt.Sprintf("%.1f%%", utilization),
			strconv.Itoa(agent.ActiveTransactions),
		})
	}
	table.Render()

	if *outputDir == "" {
		return nil
	}
	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var bars []chart.Value
	for _, agent := range agents {
		utilization := 0.0
		if agent.MaxDailyAmount > 0 {
			utilization = agent.CurrentDailyAmount / agent.MaxDailyAmount * 100
		}
		bars = append(bars, chart.Value{
			Label: agent.Name,
			Value: utilization,
		})
	}

	barChart := chart.BarChart{
		Title: fmt.Sprintf("Agent Daily Utilization - %s", *city),
		Background: chart.Style{
			Padding: chart.Box{
				Top:    40,
				Left:   20,
				Right:  20,
				Bottom: 20,
			},
		},
		Width:  800,
		Height: 400,
		Bars:   bars,
	}
	barChart.YAxis.ValueFormatter = func(v interface{}) string {
		if vf, isFloat := v.(float64); isFloat {
			return fmt.Sprintf("%.0f%%", vf)
		}
		return ""
	}

	outputFile := filepath.Join(*outputDir, fmt.Sprintf("%s_utilization.png", *city))
	f, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("failed to create chart file: %w", err)
	}
	defer f.Close()

	if err := barChart.Render(chart.PNG, f); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}

	fmt.Printf("Utilization chart saved to: %s\n", outputFile)
	return nil
}
