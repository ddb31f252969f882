package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hrygo/promptlab/plugin/ai/optimizer"
	"github.com/hrygo/promptlab/plugin/ai/telemetry"
	"github.com/hrygo/promptlab/server"
)

// maxRecordLine bounds one JSONL execution record.
const maxRecordLine = 1 << 20

// analyzeCmd runs one offline analysis over recorded executions.
func analyzeCmd() *cobra.Command {
	var recordsPath, templatePath, strategiesPath, output string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a template against recorded executions",
		Long: `Load execution records (one JSON object per line) and a YAML template
descriptor, then print the ranked optimization recommendations and
their projected impact.

Example template descriptor:
  id: support-reply
  name: Support reply
  category: faq
  text: |
    Answer the customer question about {{product}} in two sentences.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tpl, err := loadTemplate(templatePath)
			if err != nil {
				return err
			}
			var strategies []optimizer.Strategy
			if strategiesPath != "" {
				if strategies, err = loadStrategies(strategiesPath); err != nil {
					return err
				}
			}
			return runAnalyze(cmd.Context(), cmd.OutOrStdout(), tpl, recordsPath, strategies, output)
		},
	}

	cmd.Flags().StringVar(&recordsPath, "records", "", "JSONL file of execution records")
	cmd.Flags().StringVar(&templatePath, "template", "", "YAML template descriptor")
	cmd.Flags().StringVar(&strategiesPath, "strategies", "", "optional YAML list of optimization strategies")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func runAnalyze(ctx context.Context, w io.Writer, tpl telemetry.PromptTemplate, recordsPath string, strategies []optimizer.Strategy, output string) error {
	components := server.NewComponents(ctx, instance, nil, nil, logger)
	defer components.Close()

	for _, s := range strategies {
		if _, err := components.Optimizer.RegisterOptimizationStrategy(s); err != nil {
			return err
		}
	}

	if recordsPath != "" {
		n, err := ingestRecords(ctx, components, tpl.ID, recordsPath)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "records loaded", "count", n, "path", recordsPath)
	}

	result, err := components.Optimizer.AnalyzeTemplate(ctx, tpl, nil)
	if err != nil {
		return err
	}

	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "text":
		return printResult(w, result)
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

// ingestRecords loads every record of the file. Records without a template
// id are attributed to templateID.
func ingestRecords(ctx context.Context, components *server.Components, templateID, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open records: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordLine)
	count, line := 0, 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var record telemetry.ExecutionRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return count, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if record.TemplateID == "" {
			record.TemplateID = templateID
		}
		if err := components.Analytics.RecordExecution(ctx, record); err != nil {
			return count, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to read records: %w", err)
	}
	return count, nil
}

func loadTemplate(path string) (telemetry.PromptTemplate, error) {
	var tpl telemetry.PromptTemplate
	raw, err := os.ReadFile(path)
	if err != nil {
		return tpl, fmt.Errorf("failed to read template: %w", err)
	}
	if err := yaml.Unmarshal(raw, &tpl); err != nil {
		return tpl, fmt.Errorf("failed to parse template: %w", err)
	}
	if tpl.ID == "" {
		return tpl, fmt.Errorf("template %s has no id", path)
	}
	return tpl, nil
}

func loadStrategies(path string) ([]optimizer.Strategy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategies: %w", err)
	}
	var strategies []optimizer.Strategy
	if err := yaml.Unmarshal(raw, &strategies); err != nil {
		return nil, fmt.Errorf("failed to parse strategies: %w", err)
	}
	return strategies, nil
}

func printResult(w io.Writer, result *optimizer.Result) error {
	fmt.Fprintf(w, "Template: %s\n\n", result.TemplateID)
	if len(result.Recommendations) == 0 {
		fmt.Fprintln(w, "No recommendations.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tTYPE\tCONFIDENCE\tTITLE")
	for _, rec := range result.Recommendations {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", rec.Priority, rec.Type, rec.Confidence, rec.Title)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(result.Projected) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "METRIC\tCURRENT\tPROJECTED\tCHANGE")
		for _, metric := range slices.Sorted(maps.Keys(result.Projected)) {
			p := result.Projected[metric]
			fmt.Fprintf(tw, "%s\t%.4g\t%.4g\t%.1f%%\n", metric, p.Current, p.Projected, p.ImprovementPct)
		}
		return tw.Flush()
	}
	return nil
}
