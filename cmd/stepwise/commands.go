package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/blueprint"
	"github.com/rendis/stepwise/internal/diagram"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/pkg/mcp"
	"github.com/rendis/stepwise/pkg/schema"
)

// errRunFailed marks a run that finished without succeeding. The result has
// already been printed.
var errRunFailed = errors.New("run did not succeed")

// app carries what PersistentPreRunE resolved for the subcommands.
type app struct {
	configPath string
	cfg        Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "stepwise",
		Short: "Declarative workflows for managed entities",
		Long: `Stepwise runs declarative workflows against a tree of managed entities.

Workflows are lists of steps written as shorthand strings or maps. Entities,
their effectors, workflow sensors and policies and custom step types are
declared in a YAML blueprint.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "settings file (default ~/.stepwise/settings.json)")
	registerConfigFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCommand(a),
		newValidateCommand(a),
		newResumeCommand(a),
		newStatusCommand(a),
		newGraphCommand(a),
		newServeCommand(a),
		newMCPCommand(a),
		newVersionCommand(),
	)
	return root
}

// withRuntime opens services and a runtime for one command invocation.
func (a *app) withRuntime(ctx context.Context, fn func(rt *runtime) error) error {
	svc, err := openServices(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer svc.close(context.WithoutCancel(ctx))
	rt, err := newRuntime(ctx, svc)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(rt)
}

func newRunCommand(a *app) *cobra.Command {
	var (
		entityID string
		inputs   []string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow and print its result",
		Example: `  # Run a workflow file
  stepwise run deploy.yaml

  # Run against an entity from a blueprint, with input
  stepwise run restart.yaml --blueprint shop.yaml --entity web --input reason=upgrade`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readYAMLMap(args[0])
			if err != nil {
				return err
			}
			input, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				def, err := rt.workflow(doc)
				if err != nil {
					return err
				}
				ent, err := rt.entity(entityID)
				if err != nil {
					return err
				}
				res, err := rt.engine.Run(cmd.Context(), engine.Request{Workflow: def, Entity: ent, Input: input})
				if res == nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&entityID, "entity", "e", "", "entity id from the blueprint to run against")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input value as key=value; values are parsed as YAML scalars")
	return cmd
}

func newResumeCommand(a *app) *cobra.Command {
	var entityID string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run from its persisted cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				ent, err := rt.entity(entityID)
				if err != nil {
					return err
				}
				res, err := rt.engine.Resume(cmd.Context(), args[0], ent)
				if res == nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&entityID, "entity", "e", "", "entity id the run was started on")
	return cmd
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's snapshot and step states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				status, err := rt.engine.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newGraphCommand(a *app) *cobra.Command {
	var (
		format string
		runID  string
	)
	cmd := &cobra.Command{
		Use:   "graph [workflow.yaml]",
		Short: "Draw a workflow, or a persisted run with step status",
		Example: `  # Mermaid flowchart of a workflow file
  stepwise graph deploy.yaml

  # Terminal view of a run's progress
  stepwise graph --run 0b6f... --format ascii`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			render, err := renderer(format)
			if err != nil {
				return err
			}
			if (runID == "") == (len(args) == 0) {
				return errors.New("give either a workflow file or --run")
			}
			var doc map[string]any
			if runID == "" {
				if doc, err = readYAMLMap(args[0]); err != nil {
					return err
				}
			}
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				var model *diagram.DiagramModel
				if runID != "" {
					status, err := rt.engine.Status(cmd.Context(), runID)
					if err != nil {
						return err
					}
					model, err = diagram.FromSnapshot(status.Snapshot, status.Steps)
					if err != nil {
						return err
					}
				} else {
					def, err := schema.ParseWorkflow(doc)
					if err != nil {
						return err
					}
					if model, err = diagram.Build(def, nil); err != nil {
						return err
					}
				}
				_, err := io.WriteString(cmd.OutOrStdout(), render(model))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid or ascii")
	cmd.Flags().StringVar(&runID, "run", "", "draw a persisted run with its step status")
	return cmd
}

func renderer(format string) (func(*diagram.DiagramModel) string, error) {
	switch format {
	case "", "mermaid":
		return diagram.RenderMermaid, nil
	case "ascii":
		return diagram.RenderASCII, nil
	default:
		return nil, fmt.Errorf("unknown diagram format %q", format)
	}
}

func newValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.yaml>",
		Short: "Validate a workflow or a blueprint",
		Long: `Validate a workflow or a blueprint without running anything.

A document with top-level "entities" or "types" is checked as a blueprint;
anything else as a single workflow. Custom types from the configured
blueprint are available to workflows.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc map[string]any
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			var result *schema.ValidationResult
			err = a.withRuntime(cmd.Context(), func(rt *runtime) error {
				if isBlueprint(doc) {
					bp, err := blueprint.Parse(data)
					if err != nil {
						return err
					}
					result = bp.Validate(rt.registry)
					return nil
				}
				_, result = rt.validator.ValidateDocument(doc)
				return nil
			})
			if err != nil {
				return err
			}
			return reportValidation(cmd.OutOrStdout(), args[0], result)
		},
	}
}

func newServeCommand(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run blueprint sensors and policies and serve metrics and run views",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), watch)
		},
	}
	cmd.Flags().String("listen", "", "HTTP listen address (default :4200)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload the blueprint when its file changes")
	return cmd
}

func (a *app) serve(ctx context.Context, watch bool) error {
	svc, err := openServices(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer svc.close(context.WithoutCancel(ctx))

	rt, err := newRuntime(ctx, svc)
	if err != nil {
		return err
	}
	if err := rt.scheduler.Start(ctx); err != nil {
		rt.close()
		return err
	}

	var mu sync.Mutex
	swapper := newHandlerSwapper(rt.handler())
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		rt.close()
	}()

	if watch && a.cfg.Blueprint != "" {
		reload := func() {
			next, err := newRuntime(ctx, svc)
			if err != nil {
				a.logger.Error("blueprint reload failed, keeping previous", "blueprint", a.cfg.Blueprint, "error", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			prev := rt
			prev.close()
			if err := next.scheduler.Start(ctx); err != nil {
				a.logger.Error("scheduler start failed", "error", err)
			}
			rt = next
			swapper.Swap(rt.handler())
			a.logger.Info("blueprint reloaded", "blueprint", a.cfg.Blueprint, "deployment", rt.deploy.String())
		}
		if err := watchFile(ctx, a.cfg.Blueprint, a.logger, reload); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: shutdownGrace,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("stepwise serving", "addr", a.cfg.ListenAddr, "blueprint", a.cfg.Blueprint)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func newMCPCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve engine tools to an MCP client over stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withRuntime(cmd.Context(), func(rt *runtime) error {
				if err := rt.scheduler.Start(cmd.Context()); err != nil {
					return err
				}
				deps := mcp.ServerDeps{
					Executor: rt.engine,
					Registry: rt.registry,
					Triggers: rt.scheduler,
					Version:  version,
					Logger:   rt.logger,
				}
				if rt.deploy != nil {
					deps.Entities = rt.deploy
				}
				srv, err := mcp.NewServer(deps)
				if err != nil {
					return err
				}
				return srv.Serve(cmd.Context())
			})
		},
	}
}

func isBlueprint(doc map[string]any) bool {
	_, hasEntities := doc["entities"]
	_, hasTypes := doc["types"]
	return hasEntities || hasTypes
}

func readYAMLMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return doc, nil
}

// parseInputs turns key=value pairs into workflow input. Values are decoded
// as YAML so numbers, booleans and flow collections keep their type.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		if v == nil && raw != "" {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func printResult(w io.Writer, res *engine.Result) error {
	if err := printJSON(w, res); err != nil {
		return err
	}
	if res.Status != schema.WorkflowStatusSucceeded {
		return errRunFailed
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func reportValidation(w io.Writer, name string, result *schema.ValidationResult) error {
	for _, issue := range slices.Concat(result.Warnings, result.Errors) {
		fmt.Fprintln(w, issue)
	}
	if !result.Valid() {
		return fmt.Errorf("%s: %d validation error(s)", name, len(result.Errors))
	}
	fmt.Fprintf(w, "%s: valid\n", name)
	return nil
}
