package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
)

// openCronStore opens the file-backed cron store used by both the gateway
// and this CLI. The CLI only reads/writes the job list directly; it never
// runs jobs itself (that's the gateway's cron.Service loop).
func openCronStore() (store.CronStore, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dataDir := os.Getenv("GOCLAW_DATA_DIR")
	if dataDir == "" {
		dataDir = config.ExpandHome("~/.goclaw/data")
	}
	path := filepath.Join(dataDir, "cron", "jobs.json")
	_ = cfg
	return file.NewFileCronStore(path)
}

func cronCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled agent jobs",
	}
	c.AddCommand(cronListCmd())
	c.AddCommand(cronAddCmd())
	c.AddCommand(cronEnableCmd())
	c.AddCommand(cronDisableCmd())
	c.AddCommand(cronRemoveCmd())
	c.AddCommand(cronStatusCmd())
	c.AddCommand(cronHistoryCmd())
	return c
}

func cronListCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := openCronStore()
			if err != nil {
				return err
			}
			jobs := cs.List()
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tENABLED\tSCHEDULE\tLAST STATUS\tNEXT RUN")
			for _, j := range jobs {
				if !all && !j.Enabled {
					continue
				}
				next := "-"
				if j.State.NextRunAtMs > 0 {
					next = time.UnixMilli(j.State.NextRunAtMs).Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
					j.ID, j.Name, j.Enabled, j.Schedule.Expr, orDefault(j.State.LastStatus, "-"), next)
			}
			return w.Flush()
		},
	}
	c.Flags().BoolVar(&all, "all", false, "include disabled jobs")
	return c
}

func cronAddCmd() *cobra.Command {
	var name, schedule, message, target string
	c := &cobra.Command{
		Use:   "add",
		Short: "Schedule a new agent job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if schedule == "" || message == "" {
				return fmt.Errorf("--schedule and --message are required")
			}
			cs, err := openCronStore()
			if err != nil {
				return err
			}
			svc := cron.NewService(cs, nil, cron.RetryConfig{}, nil, nil)
			job := store.CronJob{
				ID:            uuid.NewString(),
				Name:          name,
				Enabled:       true,
				Schedule:      store.CronSchedule{Kind: "cron", Expr: schedule},
				Payload:       store.CronPayload{Kind: "agentTurn", Message: message},
				SessionTarget: orDefault(target, "isolated"),
			}
			if err := svc.Add(job); err != nil {
				return err
			}
			fmt.Printf("Scheduled job %s (%s)\n", job.ID, schedule)
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "display name")
	c.Flags().StringVar(&schedule, "schedule", "", "cron expression, e.g. '0 9 * * *'")
	c.Flags().StringVar(&message, "message", "", "message to run through the agent when the job fires")
	c.Flags().StringVar(&target, "target", "isolated", "session target: isolated or main")
	return c
}

func cronSetEnabled(id string, enabled bool) error {
	cs, err := openCronStore()
	if err != nil {
		return err
	}
	svc := cron.NewService(cs, nil, cron.RetryConfig{}, nil, nil)
	return svc.SetEnabled(id, enabled)
}

func cronEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Enable a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cronSetEnabled(args[0], true)
		},
	}
}

func cronDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id>",
		Short: "Disable a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cronSetEnabled(args[0], false)
		},
	}
}

func cronRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := openCronStore()
			if err != nil {
				return err
			}
			svc := cron.NewService(cs, nil, cron.RetryConfig{}, nil, nil)
			if err := svc.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed job %s\n", args[0])
			return nil
		},
	}
}

func cronStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := openCronStore()
			if err != nil {
				return err
			}
			job, ok := cs.Get(args[0])
			if !ok {
				return fmt.Errorf("job %s not found", args[0])
			}
			fmt.Printf("ID:          %s\n", job.ID)
			fmt.Printf("Name:        %s\n", job.Name)
			fmt.Printf("Enabled:     %v\n", job.Enabled)
			fmt.Printf("Schedule:    %s\n", job.Schedule.Expr)
			fmt.Printf("Last status: %s\n", orDefault(job.State.LastStatus, "-"))
			if job.State.LastError != "" {
				fmt.Printf("Last error:  %s\n", job.State.LastError)
			}
			if job.State.LastRunAtMs > 0 {
				fmt.Printf("Last run:    %s\n", time.UnixMilli(job.State.LastRunAtMs).Format(time.RFC3339))
			}
			if job.State.NextRunAtMs > 0 {
				fmt.Printf("Next run:    %s\n", time.UnixMilli(job.State.NextRunAtMs).Format(time.RFC3339))
			}
			return nil
		},
	}
}

func cronHistoryCmd() *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "history <id>",
		Short: "Show recent run history for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := os.Getenv("GOCLAW_DATA_DIR")
			if dataDir == "" {
				dataDir = config.ExpandHome("~/.goclaw/data")
			}
			runLog := cron.NewRunLog(filepath.Join(dataDir, "cron", "runs"))
			entries, err := runLog.Read(args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				ts := time.UnixMilli(e.Ts).Format(time.RFC3339)
				if e.Action == "finished" {
					fmt.Printf("%s  %-9s status=%s duration=%dms %s\n", ts, e.Action, e.Status, e.DurationMs, e.Summary)
				} else {
					fmt.Printf("%s  %-9s\n", ts, e.Action)
				}
			}
			return nil
		},
	}
	c.Flags().IntVar(&limit, "limit", 20, "max entries to show")
	return c
}
