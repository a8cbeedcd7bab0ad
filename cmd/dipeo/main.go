// ABOUTME: CLI entrypoint for the dipeo diagram runner with run and validate commands.
// ABOUTME: Wires together config, the LLM client stack, the engine, and the optional monitor server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sorryhyun/DiPeO-sub003/compile"
	"github.com/sorryhyun/DiPeO-sub003/config"
	"github.com/sorryhyun/DiPeO-sub003/diagram"
	"github.com/sorryhyun/DiPeO-sub003/engine"
	"github.com/sorryhyun/DiPeO-sub003/llm"
)

var version = "dev"

const (
	exitOK      = 0
	exitRunFail = 1
	exitCompile = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printHelp(os.Stderr)
		return exitOK
	}

	switch args[0] {
	case "run":
		return runDiagram(args[1:])
	case "validate":
		return validateDiagram(args[1:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return exitOK
	case "version", "--version":
		fmt.Printf("dipeo %s\n", version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printHelp(os.Stderr)
		return exitCompile
	}
}

// runOptions holds flags for the run command.
type runOptions struct {
	timeout     time.Duration
	baseDir     string
	maxParallel int
	monitor     bool
	diagramPath string
}

func runDiagram(args []string) int {
	var opts runOptions

	fs := flag.NewFlagSet("dipeo run", flag.ContinueOnError)
	fs.DurationVar(&opts.timeout, "timeout", 0, "Execution timeout (0 for unbounded)")
	fs.StringVar(&opts.baseDir, "base-dir", "", "Base directory for file resolution (overrides DIPEO_BASE_DIR)")
	fs.IntVar(&opts.maxParallel, "max-parallel", 0, "Concurrent node cap (overrides ENGINE_MAX_PARALLEL)")
	fs.BoolVar(&opts.monitor, "monitor", false, "Serve the monitor API while running; questions are answered over HTTP")
	fs.Usage = func() { printHelp(os.Stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitCompile
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: run requires a diagram file")
		return exitCompile
	}
	opts.diagramPath = fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCompile
	}
	if opts.baseDir != "" {
		cfg.BaseDir = opts.baseDir
	}
	if opts.maxParallel > 0 {
		cfg.MaxParallel = opts.maxParallel
	}
	logger := cfg.Logger()

	compiled, code := loadAndCompile(opts.diagramPath, cfg.BaseDir)
	if compiled == nil {
		return code
	}

	llmClient := llm.NewDefaultClient(
		llm.WithMiddleware(
			llm.DefaultsMiddleware(cfg.LLM.PersonJobTemperature, cfg.LLM.PersonJobMaxTokens),
			llm.LoggingMiddleware(logger),
		),
	)
	defer llmClient.Close()

	engineOpts := engine.Options{
		MaxParallel:      cfg.MaxParallel,
		ExecutionTimeout: opts.timeout,
		BaseDir:          cfg.BaseDir,
		LLM:              llmClient,
		Logger:           logger,
		Selection:        cfg.SelectionConfig(),
		Interviewer:      engine.NewConsoleInterviewer(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	state := engine.NewStateManager()
	bus := engine.NewBus()

	var eng *engine.Engine
	if opts.monitor {
		srv := engine.NewMonitorServer(cfg.MonitorBind, state, bus, engineOpts)
		eng = srv.Engine()
		go func() {
			if err := srv.Serve(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "monitor error: %v\n", err)
			}
		}()
	} else {
		eng = engine.New(state, bus, engineOpts)
	}

	sub := bus.Subscribe("")
	defer sub.Close()
	go func() {
		for evt := range sub.C {
			printEvent(os.Stderr, evt)
		}
	}()

	final, runErr := eng.Execute(ctx, engine.RunInput{
		Diagram:    compiled,
		DiagramDir: filepath.Dir(opts.diagramPath),
	})
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return exitRunFail
	}

	printOutputs(os.Stdout, compiled, final)
	fmt.Fprintf(os.Stderr, "Execution completed: %d nodes, %d tokens.\n",
		len(final.ExecutedNodes), final.TokenUsage.TotalTokens)
	return exitOK
}

func validateDiagram(args []string) int {
	fs := flag.NewFlagSet("dipeo validate", flag.ContinueOnError)
	fs.Usage = func() { printHelp(os.Stderr) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitCompile
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: validate requires a diagram file")
		return exitCompile
	}
	path := fs.Arg(0)

	d, code := loadDiagram(path)
	if d == nil {
		return code
	}

	diags := compile.Validate(d)
	hasErrors := false
	for _, diag := range diags {
		fmt.Fprintf(os.Stderr, "[%s] %s", diag.Severity, diag.Message)
		if diag.NodeID != "" {
			fmt.Fprintf(os.Stderr, " (node: %s)", diag.NodeID)
		}
		if diag.Fix != "" {
			fmt.Fprintf(os.Stderr, " -- fix: %s", diag.Fix)
		}
		fmt.Fprintln(os.Stderr)
		if diag.Severity == compile.SeverityError {
			hasErrors = true
		}
	}

	if hasErrors {
		fmt.Fprintln(os.Stderr, "Validation failed.")
		return exitCompile
	}
	fmt.Println("Diagram is valid.")
	return exitOK
}

// loadDiagram reads and parses a diagram file, reporting errors itself.
func loadDiagram(path string) (*diagram.Diagram, int) {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, exitCompile
	}
	d, err := diagram.Deserialize(string(source), diagram.FormatForPath(path, string(source)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, exitCompile
	}
	return d, exitOK
}

// loadAndCompile parses and compiles, printing compile diagnostics the same
// way validate does.
func loadAndCompile(path, baseDir string) (*compile.CompiledDiagram, int) {
	d, code := loadDiagram(path)
	if d == nil {
		return nil, code
	}
	compiled, err := compile.Compile(d, compile.Options{
		BaseDir:    baseDir,
		DiagramDir: filepath.Dir(path),
	})
	if err != nil {
		var ce *compile.CompileError
		if errors.As(err, &ce) {
			for _, diag := range ce.Diagnostics {
				fmt.Fprintf(os.Stderr, "[%s] %s", diag.Severity, diag.Message)
				if diag.NodeID != "" {
					fmt.Fprintf(os.Stderr, " (node: %s)", diag.NodeID)
				}
				fmt.Fprintln(os.Stderr)
			}
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, exitCompile
	}
	return compiled, exitOK
}

// printEvent writes one lifecycle event in the compact CLI form.
func printEvent(w io.Writer, evt engine.Event) {
	switch evt.Type {
	case engine.ExecutionStarted:
		fmt.Fprintf(w, "[execution] %s started\n", evt.ExecutionID)
	case engine.NodeStarted:
		fmt.Fprintf(w, "[node] %s started (run %d)\n", evt.NodeID, evt.Payload.ExecutionCount)
	case engine.NodeCompleted:
		fmt.Fprintf(w, "[node] %s completed\n", evt.NodeID)
	case engine.NodeFailed:
		fmt.Fprintf(w, "[node] %s failed: %s\n", evt.NodeID, evt.Payload.Error)
	case engine.NodeSkipped:
		fmt.Fprintf(w, "[node] %s skipped: %s\n", evt.NodeID, evt.Payload.Reason)
	case engine.NodeMaxIterReached:
		fmt.Fprintf(w, "[node] %s reached max iterations\n", evt.NodeID)
	case engine.NodeReset:
		fmt.Fprintf(w, "[node] %s re-armed\n", evt.NodeID)
	case engine.ExecutionCompleted:
		fmt.Fprintf(w, "[execution] %s completed\n", evt.ExecutionID)
	case engine.ExecutionFailed:
		fmt.Fprintf(w, "[execution] %s failed: %s\n", evt.ExecutionID, evt.Payload.Error)
	}
}

// printOutputs writes endpoint node results to stdout.
func printOutputs(w io.Writer, compiled *compile.CompiledDiagram, final *engine.ExecutionState) {
	if final == nil {
		return
	}
	for _, n := range compiled.Nodes {
		if n.Kind != diagram.KindEndpoint {
			continue
		}
		env := final.Output(n.ID)
		if env == nil {
			continue
		}
		fmt.Fprintln(w, env.AsText())
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintf(w, `dipeo %s - diagram-driven execution engine

Usage:
  dipeo run [flags] <diagram>       Execute a diagram file
  dipeo validate <diagram>          Check a diagram without executing
  dipeo version                     Print version

Run flags:
  -timeout duration     Execution timeout (default unbounded)
  -base-dir string      Base directory for file resolution
  -max-parallel int     Concurrent node cap (default 10)
  -monitor              Serve the monitor HTTP API while running

Diagram formats are detected from the extension and content: light YAML
(.light.yaml), readable YAML (.yaml/.yml), native JSON (.json).

Environment: DIPEO_BASE_DIR, ENGINE_MAX_PARALLEL, DIPEO_LOG_LEVEL,
DIPEO_LOG_FORMAT, DIPEO_MONITOR_BIND, OPENAI_API_KEY, ANTHROPIC_API_KEY.
A .env file in the working directory is loaded when present.

Exit codes: 0 success, 1 execution failure, 2 compile failure.
`, version)
}
