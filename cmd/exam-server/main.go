package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/clinexam/internal/catalog"
	"github.com/ehr/clinexam/internal/config"
	"github.com/ehr/clinexam/internal/engine"
	"github.com/ehr/clinexam/internal/platform/db"
	"github.com/ehr/clinexam/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "exam-server",
		Short: "Clinical examination form engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(formsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the exam API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres store only)")
	return cmd
}

// migrationFiles returns MIGRATIONS_DIR when set, otherwise the embedded set.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres exam store",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, _ := cmd.Flags().GetString("schema")
			if schema == "" {
				schema = cfg.DatabaseSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(cfg.MigrationsDir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DATABASE_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema, _ := cmd.Flags().GetString("schema")
			if schema == "" {
				schema = cfg.DatabaseSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationFiles(cfg.MigrationsDir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DATABASE_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Compile form documents and report every error",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := validateFiles(cmd.Context(), args)
			out := cmd.OutOrStdout()
			for _, r := range results {
				if r.err != nil {
					fmt.Fprintf(out, "FAIL %s\n  %v\n", r.file, r.err)
					continue
				}
				fmt.Fprintf(out, "ok   %s (%s v%s, %d phases, %d rules)\n",
					r.file, r.form.ID, r.form.Version, len(r.form.Schema.Phases()), len(r.form.Rules))
			}
			return err
		},
	}
}

type validation struct {
	file string
	form *engine.Form
	err  error
}

// validateFiles compiles every file concurrently. Results keep argument
// order; the returned error is non-nil when any file failed.
func validateFiles(ctx context.Context, files []string) ([]validation, error) {
	results := make([]validation, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	var mu sync.Mutex
	failed := 0
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i].file = file
			data, err := os.ReadFile(file)
			if err == nil {
				results[i].form, err = catalog.Load(data)
			}
			if err != nil {
				results[i].err = err
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d form(s) invalid", failed, len(files))
	}
	return results, nil
}

func formsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forms",
		Short: "List the forms the server would load",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg, err := loadCatalog(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			infos := reg.List()
			sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-32s %-16s %-8s %s\n", "ID", "SPECIALTY", "VERSION", "TITLE")
			for _, f := range infos {
				fmt.Fprintf(out, "%-32s %-16s %-8s %s\n", f.ID, f.Specialty, f.Version, f.Title)
			}
			return nil
		},
	}
}
