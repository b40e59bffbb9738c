package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/deepnoodle-ai/orchestrator"
	"github.com/deepnoodle-ai/orchestrator/script"
	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// CLI configuration
type Config struct {
	DefinitionFile string
	DefinitionID   string
	Input          map[string]interface{}
	CheckpointsDir string
	UserID         string
	Timeout        time.Duration
	Verbose        bool
	JSON           bool
}

func main() {
	config := parseFlags()

	if config.DefinitionFile == "" {
		color.Red("Error: workflow definition file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.DefinitionFile); os.IsNotExist(err) {
		color.Red("Error: workflow definition file '%s' not found", config.DefinitionFile)
		os.Exit(1)
	}

	logger := setupLogger(config.Verbose)

	color.Blue("Loading workflow definition from: %s", config.DefinitionFile)
	definition, err := orchestrator.LoadDefinitionFile(config.DefinitionFile)
	if err != nil {
		log.Fatalf("Failed to load workflow definition: %v", err)
	}
	if definition.Name != "" {
		color.Cyan("Workflow: %s", definition.Name)
	}
	if definition.Description != "" {
		color.White("Description: %s", definition.Description)
	}

	// Set up the checkpoint store
	var store orchestrator.CheckpointStore
	if config.CheckpointsDir != "" {
		store, err = orchestrator.NewFileCheckpointStore(config.CheckpointsDir)
		if err != nil {
			log.Fatalf("Failed to create checkpoint store: %v", err)
		}
		color.Blue("Checkpoints: %s", config.CheckpointsDir)
	} else {
		store = orchestrator.NewNullCheckpointStore()
	}

	// Register the built-in agent types
	agents := orchestrator.NewAgentRegistry()
	engine := script.NewRisorEngine(script.DefaultGlobals())
	agents.Register("echo", orchestrator.EchoAgentFactory())
	agents.Register("script", orchestrator.ScriptAgentFactory(engine))

	orch, err := orchestrator.New(orchestrator.Options{
		Agents:   agents,
		Store:    store,
		Notifier: orchestrator.NewLogNotifier(logger),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	definitionID := config.DefinitionID
	if definitionID == "" {
		definitionID = definition.Name
	}
	if err := orch.CreateWorkflow(definitionID, definition); err != nil {
		log.Fatalf("Failed to register workflow: %v", err)
	}

	if config.Timeout > 0 {
		color.Yellow("Timeout: %v", config.Timeout)
	}
	color.Green("Starting workflow run...")

	startTime := time.Now()
	state, err := orch.ExecuteWorkflow(context.Background(), definitionID, config.Input, config.UserID, config.Timeout)
	duration := time.Since(startTime)

	showResults(state, err, duration, config)
}

func setupLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func showResults(state *orchestrator.WorkflowState, runErr error, duration time.Duration, config *Config) {
	if state == nil {
		color.Red("Workflow failed: %v", runErr)
		os.Exit(1)
	}

	if config.JSON {
		payload := map[string]any{
			"run_id":   state.RunID(),
			"status":   state.Status(),
			"duration": duration.String(),
			"results":  state.Results(),
			"errors":   state.Errors(),
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal results: %v", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Println()
		switch state.Status() {
		case orchestrator.StatusCompleted:
			color.Green("Run %s completed in %v", state.RunID(), duration)
		default:
			color.Red("Run %s ended with status %s after %v", state.RunID(), state.Status(), duration)
		}
		for nodeID, output := range state.Results() {
			color.Cyan("--- %s", nodeID)
			if content, ok := output["content"].(string); ok {
				fmt.Println(content)
			}
		}
		for _, record := range state.Errors() {
			color.Red("error [%s]: %s", record.Agent, record.Error)
		}
	}

	if runErr != nil {
		os.Exit(1)
	}
}

// stringSlice supports repeatable flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func parseFlags() *Config {
	config := &Config{
		Input: make(map[string]interface{}),
	}

	flag.StringVar(&config.DefinitionFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&config.DefinitionFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Input parameter in format key=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Input parameter in format key=value (shorthand, can be used multiple times)")

	flag.StringVar(&config.DefinitionID, "id", "", "Definition id to register the workflow under (defaults to its name)")
	flag.StringVar(&config.CheckpointsDir, "checkpoints", "", "Directory to store run checkpoints (optional)")
	flag.StringVar(&config.CheckpointsDir, "c", "", "Directory to store run checkpoints (shorthand)")
	flag.StringVar(&config.UserID, "user", "", "Caller id recorded on the run and used for notifications")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Overall run timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Overall run timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Orchestrate - Execute YAML-defined multi-agent workflows

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Execute a workflow
  %s -file review.yaml -input prompt="summarize the findings"

  # Execute with checkpointing and a timeout
  %s -file review.yaml -checkpoints ./checkpoints -timeout 5m

Options:
`, os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Built-in Agent Types:
  echo   - Echo the last user message (dry runs, testing)
  script - Produce the response with a Risor script ("source" config key)

Input Format:
  Use -input key=value for each input value.
  Values are parsed as JSON if possible, otherwise as strings.

`)
	}

	flag.Parse()

	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]

		// Try to parse as JSON, fallback to string.
		var parsedValue interface{}
		if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
			parsedValue = value
		}
		config.Input[key] = parsedValue
	}

	return config
}
