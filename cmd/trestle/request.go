package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/trestle/internal/claims"
	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/db"
	"github.com/zulandar/trestle/internal/models"
	"github.com/zulandar/trestle/internal/scheduler"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Build request commands",
	}

	cmd.AddCommand(newRequestListCmd())
	cmd.AddCommand(newRequestShowCmd())
	cmd.AddCommand(newRequestRebuildCmd())
	return cmd
}

func newRequestListCmd() *cobra.Command {
	var (
		configPath string
		builder    string
		unclaimed  bool
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List build requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return err
			}

			store := claims.NewStore(gormDB)

			var reqs []models.BuildRequest
			if unclaimed {
				if builder == "" {
					return fmt.Errorf("--unclaimed requires --builder")
				}
				reqs, err = store.GetUnclaimed(builder)
				if err != nil {
					return err
				}
			} else {
				query := gormDB.Order("id DESC").Limit(limit)
				if builder != "" {
					query = query.Where("builder_name = ?", builder)
				}
				if err := query.Find(&reqs).Error; err != nil {
					return fmt.Errorf("list requests: %w", err)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBUILDER\tPRIO\tAGE\tSTATUS\tOWNER")
			for _, req := range reqs {
				status := "pending"
				switch {
				case req.Complete:
					status = req.Results.String()
				case req.MergeBrid != nil:
					status = fmt.Sprintf("merged:%d", *req.MergeBrid)
				}
				owner, _ := store.ClaimOwner(req.ID)
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
					req.ID, req.BuilderName, req.Priority, formatAge(req.SubmittedAt), status, owner)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	cmd.Flags().StringVarP(&builder, "builder", "b", "", "filter by builder")
	cmd.Flags().BoolVar(&unclaimed, "unclaimed", false, "only claimable requests, in scheduling order")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func newRequestShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one build request",
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

			store := claims.NewStore(gormDB)
			req, err := store.GetBuildRequest(id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Request %d on %s (buildset %d)\n", req.ID, req.BuilderName, req.BuildsetID)
			fmt.Fprintf(out, "  Submitted: %s (priority %d)\n", req.SubmittedAt.Format(time.RFC3339), req.Priority)
			fmt.Fprintf(out, "  Complete:  %v (%s)\n", req.Complete, req.Results)
			if req.MergeBrid != nil {
				fmt.Fprintf(out, "  Merged into request %d\n", *req.MergeBrid)
			}
			if req.ArtifactBrid != nil {
				fmt.Fprintf(out, "  Satisfied by artifacts of request %d\n", *req.ArtifactBrid)
			}
			if owner, err := store.ClaimOwner(req.ID); err == nil && owner != "" {
				fmt.Fprintf(out, "  Claimed by %s\n", owner)
			}
			for _, ss := range req.Buildset.SourceStamps {
				fmt.Fprintf(out, "  Stamp %s: %s@%s (%s)\n", ss.Codebase, ss.Repository, ss.Revision, ss.Branch)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	return cmd
}

func newRequestRebuildCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rebuild <id>",
		Short: "Create a new buildset re-running one request's sourcestamps",
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

			store := claims.NewStore(gormDB)
			req, err := store.GetBuildRequest(id)
			if err != nil {
				return err
			}

			bsid, brids, err := scheduler.CreateBuildset(gormDB, scheduler.CreateOpts{
				SourceStamps: models.StampSetOf(req.Buildset.SourceStamps),
				Reason:       fmt.Sprintf("rebuild of request %d", id),
				BuilderNames: []string{req.BuilderName},
				Priority:     req.Priority,
				Properties:   req.Properties,
				ForceRebuild: true,
			}, time.Now())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Buildset %d created, request %d on %s\n",
				bsid, brids[req.BuilderName], req.BuilderName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	return cmd
}
