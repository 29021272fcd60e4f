// Package main is the entry point for the lacuna binary: a CLI over the
// data governance engine for evaluating operations, inspecting lineage
// and verifying the audit chain.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/witlox/lacuna/pkg/audit"
	"github.com/witlox/lacuna/pkg/classifier"
	"github.com/witlox/lacuna/pkg/config"
	"github.com/witlox/lacuna/pkg/domain"
	"github.com/witlox/lacuna/pkg/engine"
	"github.com/witlox/lacuna/pkg/lineage"
	"github.com/witlox/lacuna/pkg/logging"
	"github.com/witlox/lacuna/pkg/policy"
	"github.com/witlox/lacuna/pkg/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lacuna",
		Short: "Data governance: classification, lineage and tamper-evident audit",
		Long: `lacuna classifies data operations by sensitivity, propagates
classifications along the lineage graph and records every decision in a
hash-chained audit log.

Example:
  lacuna evaluate --action export --source crm.customers --dest s3://partner --actor analyst-1`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable log output")

	rootCmd.AddCommand(newEvaluateCmd())
	rootCmd.AddCommand(newClassifyCmd())
	rootCmd.AddCommand(newLineageCmd())
	rootCmd.AddCommand(newAuditCmd())
	rootCmd.AddCommand(newOverrideCmd())
	rootCmd.AddCommand(newStatsCmd())
	return rootCmd
}

// app bundles the wired components for one CLI invocation.
type app struct {
	cfg       config.Config
	engine    *engine.Engine
	cascade   *classifier.Cascade
	graph     *lineage.Graph
	artifacts lineage.Store
	store     audit.Store
	close     func()
}

func setup(cmd *cobra.Command) (*app, error) {
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	pretty, _ := cmd.Flags().GetBool("pretty")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: pretty})

	var (
		lineageStore lineage.Store
		auditStore   audit.Store
		closers      []func()
	)
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		lineageStore = db
		auditStore = db
	default:
		lineageStore = lineage.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
	}

	chain, err := audit.NewChain(cmd.Context(), auditStore, logger, audit.NewMetrics(prometheus.NewRegistry()), cfg.Audit)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	var embedder classifier.Embedder
	if len(cfg.Classification.Examples) > 0 {
		embedder = &classifier.HashingEmbedder{}
	}
	cascade := classifier.NewDefaultCascade(logger,
		func() config.ClassificationConfig { return cfg.Classification }, embedder, nil)

	graph := lineage.NewGraph(lineageStore, logger, cfg.Lineage.MaxDepth)

	// Without an enabled policy engine the builtin rules apply; evaluator
	// errors at runtime still fail safe to a denial inside the engine.
	var evaluator policy.Evaluator
	if cfg.Policy.Enabled {
		modules, err := policy.LoadModules(cfg.Policy.ModulePaths)
		if err != nil {
			_ = chain.Close()
			return nil, err
		}
		evaluator, err = policy.NewEngine(cmd.Context(), policy.EngineOptions{
			Entrypoint: cfg.Policy.Entrypoint,
			Modules:    modules,
		})
		if err != nil {
			_ = chain.Close()
			return nil, err
		}
	} else {
		evaluator = policy.NewBuiltinEvaluator()
	}

	eng := engine.New(logger, cascade, graph, evaluator, chain, cfg)
	return &app{
		cfg:       cfg,
		engine:    eng,
		cascade:   cascade,
		graph:     graph,
		artifacts: lineageStore,
		store:     auditStore,
		close: func() {
			_ = eng.Close()
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

func operationFromFlags(cmd *cobra.Command) (domain.DataOperation, error) {
	action, _ := cmd.Flags().GetString("action")
	sources, _ := cmd.Flags().GetStringArray("source")
	dest, _ := cmd.Flags().GetString("dest")
	actorID, _ := cmd.Flags().GetString("actor")
	role, _ := cmd.Flags().GetString("role")
	purpose, _ := cmd.Flags().GetString("purpose")
	transform, _ := cmd.Flags().GetString("transform")
	rows, _ := cmd.Flags().GetInt64("rows")
	groups, _ := cmd.Flags().GetInt64("groups")
	encrypted, _ := cmd.Flags().GetBool("encrypted")
	project, _ := cmd.Flags().GetString("project")
	env, _ := cmd.Flags().GetString("env")
	removed, _ := cmd.Flags().GetStringSlice("attest-removed")
	generalized, _ := cmd.Flags().GetStringSlice("attest-generalized")
	method, _ := cmd.Flags().GetString("attest-method")

	op := domain.NewDataOperation(domain.Action(action), sources, dest, domain.Actor{ID: actorID, Role: role})
	op.Purpose = purpose
	op.Transform = transform
	op.RowCount = rows
	op.GroupCount = groups
	op.DestinationEncrypted = encrypted
	op.Project = project
	op.Environment = env
	if len(removed) > 0 || len(generalized) > 0 {
		op.Attestation = &domain.AnonymizationAttestation{
			RemovedFields:     removed,
			GeneralizedFields: generalized,
			Method:            method,
		}
	}
	return op, nil
}

func addOperationFlags(cmd *cobra.Command) {
	cmd.Flags().String("action", "read", "Operation action (read, write, join, aggregate, filter, export, anonymize, transform)")
	cmd.Flags().StringArray("source", nil, "Source artifact identifier (repeatable)")
	cmd.Flags().String("dest", "", "Destination artifact identifier")
	cmd.Flags().String("actor", "", "Acting user or service identifier")
	cmd.Flags().String("role", "", "Actor role")
	cmd.Flags().String("purpose", "", "Declared purpose of the operation")
	cmd.Flags().String("transform", "", "Transformation code or text")
	cmd.Flags().Int64("rows", 0, "Input row count (aggregations)")
	cmd.Flags().Int64("groups", 0, "Output group count (aggregations)")
	cmd.Flags().Bool("encrypted", false, "Destination has at-rest encryption")
	cmd.Flags().String("project", "", "Project context")
	cmd.Flags().String("env", "", "Environment context")
	cmd.Flags().StringSlice("attest-removed", nil, "Fields removed by anonymization")
	cmd.Flags().StringSlice("attest-generalized", nil, "Fields generalized by anonymization")
	cmd.Flags().String("attest-method", "", "Anonymization method")
}

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Run the full governance flow for one operation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			op, err := operationFromFlags(cmd)
			if err != nil {
				return err
			}
			result, err := a.engine.Evaluate(cmd.Context(), op)
			if err != nil {
				return err
			}
			if err := a.engine.Audit().Flush(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	addOperationFlags(cmd)
	return cmd
}

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one operation without recording or policy checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			op, err := operationFromFlags(cmd)
			if err != nil {
				return err
			}
			c, err := a.cascade.Classify(cmd.Context(), op)
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	}
	addOperationFlags(cmd)
	return cmd
}

func newLineageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lineage",
		Short: "Inspect the lineage graph",
	}

	var depth int
	upstream := &cobra.Command{
		Use:   "upstream <artifact>",
		Short: "List artifacts feeding into the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraversal(cmd, args[0], depth, true)
		},
	}
	downstream := &cobra.Command{
		Use:   "downstream <artifact>",
		Short: "List artifacts derived from the given one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTraversal(cmd, args[0], depth, false)
		},
	}
	impact := &cobra.Command{
		Use:   "impact <artifact>",
		Short: "Summarize what a reclassification would touch downstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.graph.Impact(cmd.Context(), args[0], depth)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	for _, sub := range []*cobra.Command{upstream, downstream, impact} {
		sub.Flags().IntVar(&depth, "depth", 0, "Maximum traversal depth (0 uses the configured bound)")
		cmd.AddCommand(sub)
	}
	return cmd
}

func runTraversal(cmd *cobra.Command, id string, depth int, upstream bool) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	walk := a.graph.Downstream
	if upstream {
		walk = a.graph.Upstream
	}
	ids := []string{}
	for artifact := range walk(cmd.Context(), id, depth) {
		ids = append(ids, artifact)
	}
	return printJSON(cmd, ids)
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and verify the audit log",
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain from genesis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			broken, err := a.engine.Audit().Verify(cmd.Context())
			if err != nil {
				return err
			}
			if flushErr := a.engine.Audit().Flush(cmd.Context()); flushErr != nil {
				return flushErr
			}
			if broken != nil {
				return fmt.Errorf("integrity check failed: %w", broken)
			}
			n, err := a.store.Count(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("chain intact (%d records)\n", n)
			return nil
		},
	}

	query := &cobra.Command{
		Use:   "query",
		Short: "List audit records matching the given filters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			actor, _ := cmd.Flags().GetString("actor")
			resource, _ := cmd.Flags().GetString("resource")
			result, _ := cmd.Flags().GetString("result")
			events, _ := cmd.Flags().GetStringSlice("event")
			since, _ := cmd.Flags().GetString("since")
			until, _ := cmd.Flags().GetString("until")
			limit, _ := cmd.Flags().GetInt("limit")

			q := audit.Query{
				ActorID:    actor,
				ResourceID: resource,
				Result:     domain.Result(result),
				Limit:      limit,
			}
			for _, e := range events {
				q.EventTypes = append(q.EventTypes, domain.EventType(e))
			}
			if since != "" {
				if q.From, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("parse --since: %w", err)
				}
			}
			if until != "" {
				if q.To, err = time.Parse(time.RFC3339, until); err != nil {
					return fmt.Errorf("parse --until: %w", err)
				}
			}

			records, err := a.store.Records(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	query.Flags().String("actor", "", "Filter by actor identifier")
	query.Flags().String("resource", "", "Filter by resource identifier")
	query.Flags().String("result", "", "Filter by result (allowed, denied, error)")
	query.Flags().StringSlice("event", nil, "Filter by event type (repeatable)")
	query.Flags().String("since", "", "Only records at or after this RFC3339 time")
	query.Flags().String("until", "", "Only records at or before this RFC3339 time")
	query.Flags().Int("limit", 0, "Maximum records to return")

	cmd.AddCommand(verify)
	cmd.AddCommand(query)
	return cmd
}

func newOverrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override <artifact>",
		Short: "Manually classify an artifact, bypassing the cascade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			tierName, _ := cmd.Flags().GetString("tier")
			reason, _ := cmd.Flags().GetString("reason")
			actorID, _ := cmd.Flags().GetString("actor")

			tier, err := domain.ParseTier(tierName)
			if err != nil {
				return err
			}
			if err := a.engine.Override(cmd.Context(), args[0], tier, reason, domain.Actor{ID: actorID}); err != nil {
				return err
			}
			if err := a.engine.Audit().Flush(cmd.Context()); err != nil {
				return err
			}
			cmd.Printf("%s classified %s\n", args[0], tier)
			return nil
		},
	}
	cmd.Flags().String("tier", "", "Tier to apply (PUBLIC, INTERNAL, PROPRIETARY)")
	cmd.Flags().String("reason", "", "Justification recorded in the audit log")
	cmd.Flags().String("actor", "", "Acting user identifier")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the persisted governance state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ids, err := a.artifacts.ListArtifactIDs(cmd.Context())
			if err != nil {
				return err
			}
			count, err := a.store.Count(cmd.Context())
			if err != nil {
				return err
			}
			head, err := a.store.LastHash(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{
				"artifacts":     len(ids),
				"audit_records": count,
				"chain_head":    head,
				"storage":       a.cfg.Storage.Driver,
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}
