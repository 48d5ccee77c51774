package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/api"
	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/mcp"
)

var (
	logLevel     string
	workflowsDir string
	dbPath       string
	httpAddr     string
)

var rootCmd = &cobra.Command{
	Use:           "stepflow",
	Short:         "Run named, sequential workflows",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow engine over MCP (stdio) and optionally HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), currentConfig())
	},
}

var (
	runInputs string
	runFile   string
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run one workflow and print its result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce(cmd.Context(), currentConfig(), args[0], runInputs, runFile, cmd.OutOrStdout())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate workflow definition files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateFiles(currentConfig(), args, cmd.OutOrStdout())
	},
}

var (
	diagramFormat string
	diagramOut    string
)

var diagramCmd = &cobra.Command{
	Use:   "diagram <workflow>",
	Short: "Render a workflow as ascii, mermaid or a PNG image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return renderDiagram(cmd.Context(), currentConfig(), args[0], diagramFormat, diagramOut, cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&workflowsDir, "workflows", "", "Directory of workflow definitions")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Run archive database path")

	serveCmd.Flags().StringVar(&httpAddr, "http", "", "Also serve the HTTP API on this address, e.g. :8080")

	runCmd.Flags().StringVarP(&runInputs, "inputs", "i", "", "Workflow inputs as a JSON object")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Definition file to load before running")

	diagramCmd.Flags().StringVar(&diagramFormat, "format", "ascii", "Output format (ascii|mermaid|image)")
	diagramCmd.Flags().StringVarP(&diagramOut, "out", "o", "", "Write to this file instead of stdout (required for image)")

	rootCmd.AddCommand(serveCmd, runCmd, validateCmd, diagramCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// currentConfig layers command-line flags over loadConfig.
func currentConfig() Config {
	cfg := loadConfig()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if workflowsDir != "" {
		cfg.WorkflowsDir = workflowsDir
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	return cfg
}

func runServe(ctx context.Context, cfg Config) error {
	// stdout carries the MCP transport.
	logger := logging.New(os.Stderr, cfg.LogLevel)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loadWorkflows(); err != nil {
		return err
	}
	if err := a.startBackground(ctx); err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		httpSrv := api.NewServer(api.Deps{
			Runtime:   a.engine,
			Archive:   archiveOf(a),
			Events:    a.events,
			Hub:       a.hub,
			Scheduler: a.scheduler,
			Logger:    logger,
		})
		go func() {
			if err := httpSrv.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				logger.Error("http api stopped", slog.String("error", err.Error()))
			}
		}()
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Runtime:   a.engine,
		Loader:    a.loader,
		Actions:   a.actions,
		Archive:   archiveOf(a),
		Events:    a.events,
		Scheduler: a.scheduler,
		Logger:    logger,
		Version:   version,
	})

	logger.Info("stepflow serving", slog.String("version", version), slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

func runOnce(ctx context.Context, cfg Config, name, inputsJSON, file string, out io.Writer) error {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	var inputs map[string]any
	if inputsJSON != "" {
		if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
			return fmt.Errorf("parse --inputs: %w", err)
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loadWorkflows(); err != nil {
		return err
	}
	if file != "" {
		l, err := a.loader.LoadFile(file)
		if err != nil {
			return err
		}
		if err := a.register(l); err != nil {
			return err
		}
	}

	result := a.engine.Run(ctx, name, inputs)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("workflow %s failed: %s", name, result.Error)
	}
	return nil
}

func validateFiles(cfg Config, paths []string, out io.Writer) error {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	// Validation needs the action registry only; no archive is opened.
	cfg.DBPath = ""
	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	failed := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			failed++
			continue
		}
		result := a.loader.Validate(data)
		if result.Valid() {
			fmt.Fprintf(out, "%s: ok\n", path)
			continue
		}
		failed++
		for _, issue := range result.Issues {
			fmt.Fprintf(out, "%s: %s\n", path, issue)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(paths))
	}
	return nil
}

func renderDiagram(ctx context.Context, cfg Config, name, format, outPath string, out io.Writer) error {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	cfg.DBPath = ""
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.loadWorkflows(); err != nil {
		return err
	}
	def, ok := a.engine.Get(name)
	if !ok {
		return fmt.Errorf("workflow %q not found in %s", name, cfg.WorkflowsDir)
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return err
	}

	var data []byte
	switch format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "image":
		if outPath == "" {
			return fmt.Errorf("--out is required for image output")
		}
		if data, err = diagram.RenderImage(ctx, model); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown format %q (ascii|mermaid|image)", format)
	}

	if outPath != "" {
		return os.WriteFile(outPath, data, 0o644)
	}
	_, err = out.Write(data)
	return err
}

// archiveOf avoids handing the MCP server a typed-nil store.
func archiveOf(a *app) store.Archive {
	if a.store == nil {
		return nil
	}
	return a.store
}
