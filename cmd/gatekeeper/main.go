package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/api"
	"github.com/Promptonauts/gatekeeper/pkg/condition"
	"github.com/Promptonauts/gatekeeper/pkg/decision"
	"github.com/Promptonauts/gatekeeper/pkg/definition"
	"github.com/Promptonauts/gatekeeper/pkg/engine"
	"github.com/Promptonauts/gatekeeper/pkg/invoker"
	"github.com/Promptonauts/gatekeeper/pkg/models"
	"github.com/Promptonauts/gatekeeper/pkg/store"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	dbPath      string
	pipelineDir string
	policyPath  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Review pipeline orchestration engine",
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "gatekeeper.db", "path to the sqlite run store")
	rootCmd.PersistentFlags().StringVar(&pipelineDir, "pipelines", "pipelines", "directory of pipeline definition YAML files")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "decision policy YAML file (empty = defaults)")

	rootCmd.AddCommand(serveCmd(), runCmd(), reconcileCmd(), cancelCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr string
	var reconcileEvery time.Duration
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger API and the resume reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			go func() {
				ticker := time.NewTicker(reconcileEvery)
				defer ticker.Stop()
				for range ticker.C {
					if n, err := eng.Reconcile(context.Background()); err != nil {
						log.Printf("reconcile: %v", err)
					} else if n > 0 {
						log.Printf("reconcile: resumed %d run(s)", n)
					}
					if purged, err := eng.PurgeExpired(retention); err != nil {
						log.Printf("purge: %v", err)
					} else if purged > 0 {
						log.Printf("purge: removed %d terminal run(s)", purged)
					}
				}
			}()

			server := api.NewServer(eng, st)
			log.Printf("gatekeeper listening on %s", addr)
			return server.Run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-interval", 30*time.Second, "resume scan interval")
	cmd.Flags().DurationVar(&retention, "retention", 7*24*time.Hour, "terminal run retention window")
	return cmd
}

func runCmd() *cobra.Command {
	var contextFile string

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Execute one pipeline to completion and print the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := condition.NewRegistry()
			def, err := definition.Load(args[0], registry)
			if err != nil {
				return err
			}

			rctx := models.RunContext{Fields: map[string]interface{}{}}
			if contextFile != "" {
				data, err := os.ReadFile(contextFile)
				if err != nil {
					return fmt.Errorf("read context file: %w", err)
				}
				if err := yaml.Unmarshal(data, &rctx.Fields); err != nil {
					return fmt.Errorf("parse context file: %w", err)
				}
			}

			policy, err := loadPolicy()
			if err != nil {
				return err
			}

			eng := engine.New(engine.Options{
				Store:       store.NewMemoryStore(),
				Invoker:     invoker.NewRouterInvoker(),
				Definitions: engine.StaticDefinitions{def.Name: def},
				Registry:    registry,
				Policy:      policy,
			})

			runID, err := eng.CreateRun(def.Name, rctx)
			if err != nil {
				return err
			}
			state, err := eng.Execute(context.Background(), runID)
			if err != nil {
				return err
			}

			out, _ := json.MarshalIndent(state, "", "  ")
			fmt.Println(string(out))
			if state.Status != models.RunAdmitted {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contextFile, "context", "", "YAML file with run context fields")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Scan once for resumable runs and drive them forward",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := eng.Reconcile(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("resumed %d run(s)\n", n)
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer st.Close()
			return eng.CancelRun(args[0], reason)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via CLI", "cancellation reason")
	return cmd
}

func buildEngine() (store.Store, *engine.Engine, error) {
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}

	registry := condition.NewRegistry()
	defs, err := loadDefinitions(pipelineDir, registry)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	policy, err := loadPolicy()
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	eng := engine.New(engine.Options{
		Store:       st,
		Invoker:     invoker.NewRouterInvoker(),
		Definitions: defs,
		Registry:    registry,
		Policy:      policy,
	})
	return st, eng, nil
}

func loadDefinitions(dir string, registry *condition.Registry) (engine.StaticDefinitions, error) {
	defs := engine.StaticDefinitions{}

	for _, pattern := range []string{"*.yaml", "*.yml"} {
		paths, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			def, err := definition.Load(path, registry)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
			defs[def.Name] = def
		}
	}

	if len(defs) == 0 {
		log.Printf("warning: no pipeline definitions found in %s", dir)
	}
	return defs, nil
}

func loadPolicy() (models.DecisionPolicy, error) {
	if policyPath == "" {
		return models.DecisionPolicy{BlockingThreshold: models.SeverityHigh}, nil
	}
	return decision.LoadPolicy(policyPath)
}
