package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/shehackedyou/molangcomplete"
)

// Set at build time
var version = "dev"

// Context carries the service shared by all commands.
type Context struct {
	Service *molangcomplete.Service
	Logger  *slog.Logger
	Out     io.Writer
}

// CLI represents the command-line interface
var CLI struct {
	LogLevel string `help:"Log level (debug, info, warn, error), overrides config" name:"log-level"`
	Schema   string `help:"Schema file (JSON or YAML), overrides config" type:"path"`
	NoColor  bool   `help:"Disable colored output" name:"no-color"`

	Resolve  ResolveCmd  `cmd:"" help:"Resolve a query chain and list the members after it"`
	Hover    HoverCmd    `cmd:"" help:"Show documentation for the chain or keyword at a file position"`
	Complete CompleteCmd `cmd:"" help:"List completions at a file position"`
	Infer    InferCmd    `cmd:"" help:"Infer the runtime context of a MoLang file"`
	Runtimes RuntimesCmd `cmd:"" help:"List runtime contexts declared by the schema"`
	Structs  StructsCmd  `cmd:"" help:"List struct types declared by the schema"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// VersionCmd represents the version command
type VersionCmd struct{}

// Run executes the version command
func (cmd *VersionCmd) Run(ctx *Context) error {
	fmt.Fprintf(ctx.Out, "molang-cli %s\n", version)
	return nil
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("molang-cli"),
		kong.Description("Query the MoLang schema engine from the command line."),
		kong.UsageOnError(),
	)
	if CLI.NoColor {
		color.NoColor = true
	}

	// --- Setup Temporary Logger for Initialization ---
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	service, initErr := molangcomplete.NewService(tempLogger)
	if initErr != nil && !errors.Is(initErr, molangcomplete.ErrConfig) {
		tempLogger.Error("Fatal error initializing MoLang service", "error", initErr)
		os.Exit(1)
	}
	if service == nil {
		tempLogger.Error("MoLang service initialization returned nil unexpectedly")
		os.Exit(1)
	}
	defer func() {
		if err := service.Close(); err != nil {
			slog.Error("Error closing service", "error", err)
		}
	}()

	// --- Setup Final Logger based on Flag/Config ---
	cfg := service.GetCurrentConfig()
	chosenLogLevelStr := cfg.LogLevel
	if CLI.LogLevel != "" {
		chosenLogLevelStr = CLI.LogLevel
	}
	logLevel, parseLevelErr := molangcomplete.ParseLogLevel(chosenLogLevelStr)
	if parseLevelErr != nil {
		tempLogger.Warn("Invalid log level specified, using default 'info'", "specified_level", chosenLogLevelStr, "error", parseLevelErr)
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	if initErr != nil {
		logger.Warn("MoLang service initialized with configuration warnings", "error", initErr)
	}

	// The CLI answers one question; it never watches or indexes a workspace.
	cfg.IndexEnabled = false
	cfg.IndexWatch = false
	if CLI.Schema != "" {
		cfg.SchemaPath = CLI.Schema
	}
	if err := service.UpdateConfig(cfg); err != nil {
		molangcomplete.PrettyPrint(molangcomplete.ColorError, fmt.Sprintf("Error: %v\n", err))
		os.Exit(1)
	}
	if err := service.SchemaLoadError(); err != nil {
		molangcomplete.PrettyPrint(molangcomplete.ColorError, fmt.Sprintf("Error: %v\n", err))
		os.Exit(1)
	}

	err := kctx.Run(&Context{Service: service, Logger: logger, Out: color.Output})
	if err != nil {
		molangcomplete.PrettyPrint(molangcomplete.ColorError, fmt.Sprintf("Error: %v\n", err))
		os.Exit(1)
	}
}
