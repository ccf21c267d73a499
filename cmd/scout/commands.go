package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/scout/internal/auth"
	"github.com/knoguchi/scout/internal/criteria"
	"github.com/knoguchi/scout/internal/evaluation"
	"github.com/knoguchi/scout/internal/ingestion"
	"github.com/knoguchi/scout/internal/repository"
	"github.com/knoguchi/scout/internal/server"
)

func newEvaluateCmd(a *app) *cobra.Command {
	var (
		projects    []string
		gate        string
		k           int
		noSave      bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate project criteria and store the results",
		Long: "Evaluate every criterion linked to each project, in creation order. " +
			"A project with no linked criteria is evaluated against all stored criteria. " +
			"Without --project every stored project is evaluated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := repository.ParseGate(gate)
			if err != nil {
				return err
			}
			if k <= 0 {
				k = a.cfg.DefaultK
			}

			ctx := cmd.Context()
			if a.cfg.EvalTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.cfg.EvalTimeout)
				defer cancel()
			}

			p, err := buildPipeline(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			targets, err := selectProjects(ctx, p.store, projects)
			if err != nil {
				return err
			}

			out := &lockedWriter{w: cmd.OutOrStdout()}
			opts := evaluation.RunOptions{K: k, Persist: !noSave}

			return evaluateAll(ctx, a, p, targets, g, opts, concurrency, out)
		},
	}

	cmd.Flags().StringSliceVar(&projects, "project", nil, "project name or ID (repeatable; last match wins for duplicate names)")
	cmd.Flags().StringVar(&gate, "gate", "", "only evaluate criteria for this gate, e.g. GATE_1")
	cmd.Flags().IntVar(&k, "k", 0, "extracts retrieved per query (default EVAL_K)")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not persist results or the project summary")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "projects evaluated in parallel")
	return cmd
}

// evaluateAll runs up to concurrency projects at once. One project's
// failure does not stop the others; all failures are joined.
func evaluateAll(ctx context.Context, a *app, p *pipeline, targets []*repository.Project, gate repository.Gate, opts evaluation.RunOptions, concurrency int, out io.Writer) error {
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	eg.SetLimit(max(concurrency, 1))
	for _, project := range targets {
		eg.Go(func() error {
			if err := evaluateProject(ctx, a, p, project, gate, opts, out); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", project.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

func evaluateProject(ctx context.Context, a *app, p *pipeline, project *repository.Project, gate repository.Gate, opts evaluation.RunOptions, out io.Writer) error {
	crit, shared, err := criteria.ForProject(ctx, p.store, project.ID, gate)
	if err != nil {
		return fmt.Errorf("listing criteria: %w", err)
	}
	if len(crit) == 0 {
		a.logger.Warn("project has no criteria", "project", project.Name, "gate", gate)
		return nil
	}
	if shared {
		a.logger.Info("no criteria linked to project, using all stored criteria", "project", project.Name, "gate", gate, "criteria", len(crit))
	}
	report, err := p.runner.Run(ctx, project, crit, opts)
	if report != nil {
		printReport(out, report, crit)
	}
	return err
}

func selectProjects(ctx context.Context, store repository.ProjectRepository, names []string) ([]*repository.Project, error) {
	if len(names) == 0 {
		all, err := store.ListProjects(ctx, repository.ProjectFilter{})
		if err != nil {
			return nil, err
		}
		if len(all) == 0 {
			return nil, errors.New("no projects stored")
		}
		return all, nil
	}
	out := make([]*repository.Project, 0, len(names))
	for _, name := range names {
		p, err := findProject(ctx, store, name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func printReport(w io.Writer, report *evaluation.Report, crit []*repository.Criterion) {
	questions := make(map[uuid.UUID]string, len(crit))
	for _, c := range crit {
		questions[c.ID] = c.Question
	}

	var b strings.Builder
	fmt.Fprintf(&b, "== %s: %d/%d criteria answered in %s\n",
		report.Project.Name, len(report.Results), len(crit), report.Duration.Round(time.Second))
	for _, r := range report.Results {
		fmt.Fprintf(&b, "[%s] %s\n", r.Answer, questions[r.CriterionID])
	}
	for _, f := range report.Failures {
		fmt.Fprintf(&b, "[failed:%s] %s: %v\n", f.Stage, f.Criterion.Question, f.Err)
	}
	if revisions := report.HypothesisHistory; len(revisions) > 1 {
		fmt.Fprintf(&b, "\nHypotheses (%d revisions):\n", len(revisions)-1)
		for _, rev := range revisions[1:] {
			fmt.Fprintf(&b, "  after %q:\n    %s\n", rev.Source, rev.Text)
		}
	}
	if report.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", report.Summary)
	}
	_, _ = io.WriteString(w, b.String())
}

// lockedWriter serializes whole reports from parallel runs.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func newServeCmd(a *app) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the evaluation HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if port > 0 {
				a.cfg.HTTPPort = port
			}

			p, err := buildPipeline(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer p.Close()

			authn := newAuthenticator(a.cfg, a.logger)
			if !authn.Enabled() {
				a.logger.Warn("API authentication disabled; set API_KEY or JWT_SECRET")
			}

			srv := server.NewHTTPServer(server.HTTPServerConfig{
				Port:   a.cfg.HTTPPort,
				Logger: a.logger,
				Auth:   authn,
				Readiness: map[string]server.Pinger{
					"storage": p.store,
					"qdrant":  p.qdrant,
				},
				DefaultK:    a.cfg.DefaultK,
				EvalTimeout: a.cfg.EvalTimeout,
			}, p.store, p.runner)

			a.logger.Info("starting scout", "http_port", a.cfg.HTTPPort, "environment", a.cfg.Environment)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				a.logger.Info("received shutdown signal")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default HTTP_PORT)")
	return cmd
}

func newIndexCmd(a *app) *cobra.Command {
	var (
		project     string
		reset       bool
		batchSize   int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed a project's stored chunks into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStorage(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			p, err := findProject(ctx, store, project)
			if err != nil {
				return err
			}

			emb := newEmbedder(a.cfg)
			qs, err := newVectorStore(a.cfg, emb)
			if err != nil {
				return err
			}
			defer qs.Close()

			ix := ingestion.NewIndexer(store, emb, qs, ingestion.IndexerConfig{
				BatchSize:   batchSize,
				Concurrency: concurrency,
				Reset:       reset,
			}, a.logger)
			stats, err := ix.IndexProject(ctx, p.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d chunks from %d files (%d blank skipped) in %s\n",
				stats.Chunks, stats.Files, stats.Skipped, stats.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name or ID")
	cmd.Flags().BoolVar(&reset, "reset", false, "delete the project's existing points first")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "chunks embedded per request")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "files indexed in parallel")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.logger.Info("schema applied", "storage", a.cfg.StorageBackend)
			return nil
		},
	}
}

func newCriteriaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "criteria",
		Short: "Manage review criteria",
	}

	var project string
	load := &cobra.Command{
		Use:   "load FILE",
		Short: "Load criteria from a CSV or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			parsed, rowErrs, err := criteria.ReadFile(args[0])
			if err != nil {
				return err
			}
			for _, re := range rowErrs {
				a.logger.Warn("skipping criteria row", "row", re.Row, "error", re.Err)
			}

			store, err := openStorage(ctx, a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			projectID := uuid.Nil
			if project != "" {
				p, err := findProject(ctx, store, project)
				if err != nil {
					return err
				}
				projectID = p.ID
			}

			n, err := criteria.Store(ctx, store, parsed, projectID, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d of %d criteria (%d rows rejected)\n", n, len(parsed), len(rowErrs))
			return nil
		},
	}
	load.Flags().StringVar(&project, "project", "", "link the criteria to this project (name or ID)")

	cmd.AddCommand(load)
	return cmd
}

func newProjectCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			p := &repository.Project{Name: args[0]}
			if err := store.CreateProject(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStorage(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			projects, err := store.ListProjects(cmd.Context(), repository.ProjectFilter{})
			if err != nil {
				return err
			}
			for _, p := range projects {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.ID, p.Name)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			jc := auth.DefaultJWTConfig(a.cfg.JWTSecret)
			jc.Issuer = a.cfg.JWTIssuer
			token, err := auth.NewJWTManager(jc).GenerateToken(subject, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "caller name recorded in the token")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "granted scopes ("+auth.ScopeRead+", "+auth.ScopeEvaluate+"); none grants all")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
