package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/db"
	"github.com/zulandar/trestle/internal/models"
	"github.com/zulandar/trestle/internal/scheduler"
)

func newBuildsetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buildset",
		Short: "Buildset commands",
	}

	cmd.AddCommand(newBuildsetCreateCmd())
	cmd.AddCommand(newBuildsetListCmd())
	cmd.AddCommand(newBuildsetShowCmd())
	return cmd
}

func newBuildsetCreateCmd() *cobra.Command {
	var (
		configPath string
		builders   []string
		reason     string
		codebase   string
		repository string
		branch     string
		revision   string
		project    string
		priority   int
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a buildset with one request per builder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			if len(builders) == 0 {
				for _, b := range cfg.Builders {
					builders = append(builders, b.Name)
				}
			}

			bsid, brids, err := scheduler.CreateBuildset(gormDB, scheduler.CreateOpts{
				SourceStamps: models.StampSet{
					codebase: {
						Repository: repository,
						Branch:     branch,
						Revision:   revision,
						Project:    project,
					},
				},
				Reason:       reason,
				BuilderNames: builders,
				Priority:     priority,
				ForceRebuild: force,
			}, time.Now())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Buildset %d created with %d request(s):\n", bsid, len(brids))
			for _, name := range builders {
				fmt.Fprintf(out, "  %s: request %d\n", name, brids[name])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	cmd.Flags().StringSliceVarP(&builders, "builder", "b", nil, "target builder (repeatable; default all configured)")
	cmd.Flags().StringVar(&reason, "reason", "manual buildset", "reason recorded on the buildset")
	cmd.Flags().StringVar(&codebase, "codebase", "default", "codebase name for the sourcestamp")
	cmd.Flags().StringVar(&repository, "repository", "", "repository URL")
	cmd.Flags().StringVar(&branch, "branch", "main", "branch")
	cmd.Flags().StringVar(&revision, "revision", "", "revision to build")
	cmd.Flags().StringVar(&project, "project", "", "project name")
	cmd.Flags().IntVar(&priority, "priority", 0, "request priority (higher runs first)")
	cmd.Flags().BoolVar(&force, "force-rebuild", false, "bypass artifact reuse")
	_ = cmd.MarkFlagRequired("repository")
	_ = cmd.MarkFlagRequired("revision")
	return cmd
}

func newBuildsetListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		openOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent buildsets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			query := gormDB.Order("id DESC").Limit(limit)
			if openOnly {
				query = query.Where("complete = ?", false)
			}
			var sets []models.Buildset
			if err := query.Find(&sets).Error; err != nil {
				return fmt.Errorf("list buildsets: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSUBMITTED\tCOMPLETE\tRESULTS\tREASON")
			for _, bs := range sets {
				complete := "no"
				if bs.Complete {
					complete = "yes"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					bs.ID, bs.SubmittedAt.Format("2006-01-02 15:04"), complete, bs.Results, bs.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().BoolVar(&openOnly, "open", false, "only incomplete buildsets")
	return cmd
}

func newBuildsetShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one buildset with its requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			bs, err := scheduler.GetBuildset(gormDB, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Buildset %d: %s\n", bs.ID, bs.Reason)
			fmt.Fprintf(out, "  Submitted: %s\n", bs.SubmittedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "  Complete:  %v (%s)\n", bs.Complete, bs.Results)
			for _, ss := range bs.SourceStamps {
				fmt.Fprintf(out, "  Stamp %s: %s@%s (%s)\n", ss.Codebase, ss.Repository, ss.Revision, ss.Branch)
			}
			for _, req := range bs.Requests {
				status := "pending"
				switch {
				case req.Complete:
					status = req.Results.String()
				case req.MergeBrid != nil:
					status = fmt.Sprintf("merged into %d", *req.MergeBrid)
				}
				fmt.Fprintf(out, "  Request %d on %s: %s\n", req.ID, req.BuilderName, status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	return cmd
}
