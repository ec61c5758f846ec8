package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"sentinel/core"
	"sentinel/detect"
	"sentinel/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI runs use the engine defaults of a server without a config file.
const (
	cliRegexCacheSize = 256
	cliRegexTimeout   = 100 * time.Millisecond
)

func newSimulateCmd() *cobra.Command {
	var (
		rulesFile  string
		eventsFile string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Evaluate a batch of events against a rule file",
		Long: `Run a rule file against recorded events without a server, a store or any alerts.

Events are read from a JSON array, or from JSON Lines when the file ends in
.jsonl or .ndjson. Malformed events are reported per event and do not stop
the batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			report, rejected, err := runSimulation(ctx, rulesFile, eventsFile, timeout)
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), report)
			}
			renderSimulationReport(cmd.OutOrStdout(), report, rejected)
			return nil
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "Rule file (YAML or JSON)")
	cmd.Flags().StringVar(&eventsFile, "events", "", "Event file (JSON array or JSON Lines)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Maximum simulation time")
	_ = cmd.MarkFlagRequired("rules")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}

// runSimulation loads rulesFile into a private engine and simulates the
// events of eventsFile. Rules that fail to compile are left out and returned
// as issues.
func runSimulation(ctx context.Context, rulesFile, eventsFile string, timeout time.Duration) (*core.SimulationReport, []ruleIssue, error) {
	logger := zap.NewNop().Sugar()

	rules, err := detect.LoadRulesFile(rulesFile, logger)
	if err != nil {
		return nil, nil, err
	}
	regex, err := detect.NewRegexCache(cliRegexCacheSize, cliRegexTimeout)
	if err != nil {
		return nil, nil, err
	}
	valid, rejected := checkRules(rules, regex)
	engine := detect.NewEngine(regex, logger)
	if _, err := engine.Load(valid); err != nil {
		return nil, nil, fmt.Errorf("failed to load rules: %w", err)
	}

	data, err := readInputFile(eventsFile)
	if err != nil {
		return nil, nil, err
	}
	events, err := decodeEventFile(data, eventsFile)
	if err != nil {
		return nil, nil, err
	}

	sim := service.NewSimulationService(engine, nil, service.SimulationLimits{
		MaxEvents:    len(events),
		MaxGenerated: 1,
		Timeout:      timeout,
	}, logger)
	report, err := sim.Run(ctx, &service.SimulationRequest{Events: events})
	if err != nil {
		return nil, nil, fmt.Errorf("simulation failed: %w", err)
	}
	return report, rejected, nil
}

func decodeEventFile(data []byte, filename string) ([]json.RawMessage, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".jsonl" && ext != ".ndjson" {
		var events []json.RawMessage
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("%s: expected a JSON array of events: %w", filepath.Base(filename), err)
		}
		if events == nil {
			events = []json.RawMessage{}
		}
		return events, nil
	}

	events := []json.RawMessage{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxInputFileSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		events = append(events, json.RawMessage(append([]byte(nil), line...)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(filename), err)
	}
	return events, nil
}
