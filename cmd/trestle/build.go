package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/trestle/internal/config"
	"github.com/zulandar/trestle/internal/db"
	"github.com/zulandar/trestle/internal/models"
)

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build commands",
	}

	cmd.AddCommand(newBuildListCmd())
	cmd.AddCommand(newBuildStopCmd())
	return cmd
}

func newBuildListCmd() *cobra.Command {
	var (
		configPath string
		builder    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent builds",
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
			if builder != "" {
				query = query.Where("builder_name = ?", builder)
			}
			var builds []models.Build
			if err := query.Find(&builds).Error; err != nil {
				return fmt.Errorf("list builds: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tBUILDER\tNUM\tWORKER\tSTARTED\tRESULTS")
			for _, b := range builds {
				results := "running"
				if b.CompleteAt != nil {
					results = b.Results.String()
				}
				if b.Synthetic {
					results += " (merged)"
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
					b.ID, b.BuilderName, b.Number, b.WorkerName, formatAge(b.StartedAt), results)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	cmd.Flags().StringVarP(&builder, "builder", "b", "", "filter by builder")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func newBuildStopCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop an in-flight build",
		Long:  "Asks the master serving the build's builder, via its dashboard API, to interrupt the build.",
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
			if !cfg.Dashboard.Enabled {
				return fmt.Errorf("dashboard is disabled; stop requires the master's API")
			}

			body, _ := json.Marshal(map[string]string{"reason": reason})
			url := fmt.Sprintf("http://127.0.0.1:%d/api/builds/%d/stop", cfg.Dashboard.Port, id)

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("reach master at %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("stop build %d: %s: %s", id, resp.Status, msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Build %d stopping\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "trestle.yaml", "path to Trestle config file")
	cmd.Flags().StringVar(&reason, "reason", "stopped via CLI", "reason recorded for the stop")
	return cmd
}
