// Command loomctl runs maintenance jobs against the loomwatch store.
// With the badger driver the server must be stopped first; Badger allows one process per directory.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loomwatch/internal/app"
	"loomwatch/internal/auth"
	catalogapp "loomwatch/internal/catalog/application"
	catalogxlsx "loomwatch/internal/catalog/infrastructure/xlsx"
	compaction "loomwatch/internal/compaction/application"
	"loomwatch/internal/config"
	machineapp "loomwatch/internal/machines/application"
	machines "loomwatch/internal/machines/domain"
	rollupapp "loomwatch/internal/rollup/application"
	rollup "loomwatch/internal/rollup/domain"
	rollupinterfaces "loomwatch/internal/rollup/interfaces"
)

const dateLayout = "2006-01-02"

type env struct {
	cfg    config.Config
	stores *app.Stores
	logger *log.Logger
}

func main() {
	var configPath string
	logger := log.New(os.Stderr, "loomctl ", log.LstdFlags)

	root := &cobra.Command{
		Use:           "loomctl",
		Short:         "Maintenance commands for loomwatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $LOOMWATCH_CONFIG)")

	open := func(ctx context.Context) (*env, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		stores, err := app.OpenStores(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		e := &env{cfg: cfg, stores: stores, logger: logger}
		if stores.Driver != config.DriverPostgres && cfg.Catalog.File != "" {
			if _, err := e.importCatalog(ctx, cfg.Catalog.File); err != nil {
				logger.Printf("catalog load error: %v", err)
			}
		}
		return e, nil
	}

	root.AddCommand(
		compactCmd(open),
		resetCmd(open),
		importCatalogCmd(open),
		exportCmd(open),
		registerCmd(open),
		tokenCmd(&configPath),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type opener func(ctx context.Context) (*env, error)

func compactCmd(open opener) *cobra.Command {
	var deviceID int64
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Fold closed raw-event hours into the rollup and purge them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.stores.Close()

			compactor, err := compaction.NewCompactor(
				e.stores.Raw,
				e.stores.Machines,
				e.stores.Materials,
				e.stores.Rollups,
				e.logger,
				compaction.WithDelay(e.cfg.Compaction.Delay),
				compaction.WithSource(e.cfg.RollupSource()),
			)
			if err != nil {
				return err
			}

			var report compaction.Report
			if deviceID > 0 {
				machine, err := e.stores.Machines.Get(cmd.Context(), deviceID)
				if err != nil {
					return err
				}
				report, err = compactor.CompactDevice(cmd.Context(), *machine)
				if err != nil {
					return err
				}
			} else {
				report, err = compactor.Run(cmd.Context())
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "committed=%d skipped=%d failed=%d purged=%d\n",
				report.Committed, report.Skipped, report.Failed, report.Purged)
			return nil
		},
	}
	cmd.Flags().Int64Var(&deviceID, "device", 0, "compact a single device")
	return cmd
}

func resetCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Zero the daily counters of every machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.stores.Close()

			service, err := e.ingestService()
			if err != nil {
				return err
			}
			count, err := service.ResetDaily(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset machines=%d\n", count)
			return nil
		},
	}
}

func importCatalogCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "import-catalog FILE.xlsx",
		Short: "Replace the material catalog with a spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.stores.Close()

			count, err := e.importCatalog(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported materials=%d\n", count)
			return nil
		},
	}
}

func exportCmd(open opener) *cobra.Command {
	var (
		format      string
		granularity string
		start       string
		end         string
		deviceID    int64
		materialID  int64
		out         string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a rollup report as xlsx or pdf",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := buildFilter(granularity, start, end, deviceID, materialID)
			if err != nil {
				return err
			}
			format = strings.ToLower(format)
			if format != "xlsx" && format != "pdf" {
				return fmt.Errorf("unknown format %q", format)
			}

			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.stores.Close()

			query, err := rollupapp.NewQueryService(e.stores.Rollups)
			if err != nil {
				return err
			}
			records, err := query.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}
			report := rollupinterfaces.Report{
				Granularity:   filter.Granularity,
				GeneratedAt:   time.Now().UTC(),
				Records:       records,
				MaterialNames: e.materialNames(cmd.Context()),
			}
			var data []byte
			if format == "pdf" {
				data, err = rollupinterfaces.BuildRollupPDF(report)
			} else {
				data, err = rollupinterfaces.BuildRollupXLSX(report)
			}
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("rollups-%s.%s", strings.ToLower(string(filter.Granularity)), format)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s records=%d\n", out, len(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "xlsx", "xlsx or pdf")
	cmd.Flags().StringVar(&granularity, "granularity", "day", "hour, day or week")
	cmd.Flags().StringVar(&start, "start", "", "first day (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "last day, inclusive (YYYY-MM-DD)")
	cmd.Flags().Int64Var(&deviceID, "device", 0, "device id filter")
	cmd.Flags().Int64Var(&materialID, "material", 0, "material id filter")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	return cmd
}

func registerCmd(open opener) *cobra.Command {
	var (
		id      int64
		name    string
		address string
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create or rename a machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id <= 0 {
				return machines.ErrInvalidID
			}
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.stores.Close()

			service, err := e.ingestService()
			if err != nil {
				return err
			}
			if name == "" {
				name = fmt.Sprintf("Weaving-Machine-%d", id)
			}
			if err := service.Register(cmd.Context(), id, name, address); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered device=%d name=%q\n", id, name)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "device id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&address, "address", "", "device network address")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator API token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			normalized, ok := auth.NormalizeRole(role)
			if !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), subject, normalized, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "loomctl", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func (e *env) ingestService() (*machineapp.IngestService, error) {
	return machineapp.NewIngestService(
		e.stores.Raw,
		e.stores.Machines,
		e.stores.Materials,
		e.stores.Rollups,
		e.logger,
		machineapp.WithClassifier(machines.NewClassifier(e.cfg.Engine.QuotaUnits, e.cfg.Engine.LookbackWindow)),
		machineapp.WithRollupSource(e.cfg.RollupSource()),
	)
}

func (e *env) importCatalog(ctx context.Context, path string) (int, error) {
	loader, err := catalogapp.NewLoader(catalogxlsx.ReadFile, e.logger, []catalogapp.Replacer{e.stores.Materials})
	if err != nil {
		return 0, err
	}
	return loader.LoadFile(ctx, path)
}

func (e *env) materialNames(ctx context.Context) map[int64]string {
	list, err := e.stores.Materials.List(ctx)
	if err != nil {
		e.logger.Printf("material names unavailable: %v", err)
		return nil
	}
	names := make(map[int64]string, len(list))
	for _, m := range list {
		names[m.ID] = m.Name
	}
	return names
}

func buildFilter(granularity, start, end string, deviceID, materialID int64) (rollup.Filter, error) {
	g, err := rollup.ParseGranularity(granularity)
	if err != nil {
		return rollup.Filter{}, err
	}
	filter := rollup.Filter{Granularity: g}
	if deviceID > 0 {
		filter.DeviceID = &deviceID
	}
	if materialID > 0 {
		filter.MaterialID = &materialID
	}
	if start != "" {
		t, err := time.Parse(dateLayout, start)
		if err != nil {
			return rollup.Filter{}, fmt.Errorf("invalid start %q", start)
		}
		filter.Start = &t
	}
	if end != "" {
		t, err := time.Parse(dateLayout, end)
		if err != nil {
			return rollup.Filter{}, fmt.Errorf("invalid end %q", end)
		}
		last := t.Add(24*time.Hour - time.Hour)
		filter.End = &last
	}
	return filter, nil
}
