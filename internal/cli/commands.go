package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"import-orchestrator/internal/models"
)

func newEnqueueCmd(c *Client) *cobra.Command {
	var (
		entity, priority, template, delimiter, location, kind string
		chunkSize                                             int
	)
	cmd := &cobra.Command{
		Use:   "enqueue [FILE]",
		Short: "Submit an import from a local file or a source location",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (location != "") {
				return errors.New("give either a FILE or --location")
			}
			var job models.Job
			if len(args) == 1 {
				fields := map[string]string{
					"entity_type": entity,
					"priority":    priority,
					"template":    template,
					"delimiter":   delimiter,
					"source_kind": kind,
				}
				if chunkSize > 0 {
					fields["chunk_size"] = strconv.Itoa(chunkSize)
				}
				if err := c.Upload(cmd.Context(), args[0], fields, &job); err != nil {
					return err
				}
			} else {
				body := map[string]any{
					"entity_type": entity,
					"priority":    priority,
					"template":    template,
					"delimiter":   delimiter,
					"source_kind": kind,
					"location":    location,
					"chunk_size":  chunkSize,
				}
				if err := c.Do(cmd.Context(), http.MethodPost, "/imports", body, &job); err != nil {
					return err
				}
			}
			return printJob(cmd, job)
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "target entity type")
	cmd.Flags().StringVar(&priority, "priority", "", "low, default, high or an integer")
	cmd.Flags().StringVar(&template, "template", "", "allow-listed template whose header becomes required")
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "field delimiter, e.g. ';' or tab")
	cmd.Flags().StringVar(&location, "location", "", "file://, s3:// or http(s):// source instead of FILE")
	cmd.Flags().StringVar(&kind, "kind", "", "records or delimited; inferred from the extension when empty")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "records per chunk; adaptive when 0")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func newStatusCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show one import job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job models.Job
			if err := c.Do(cmd.Context(), http.MethodGet, "/imports/"+url.PathEscape(args[0]), nil, &job); err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

type jobList struct {
	Jobs     []models.JobSummary `json:"jobs"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

func newListCmd(c *Client) *cobra.Command {
	var (
		state, entity string
		page, size    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List import jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if entity != "" {
				q.Set("entity_type", entity)
			}
			if page > 0 {
				q.Set("page", strconv.Itoa(page))
			}
			if size > 0 {
				q.Set("page_size", strconv.Itoa(size))
			}
			path := "/imports"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var out jobList
			if err := c.Do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "ENTITY", "KIND", "PRIORITY", "STATE", "PROGRESS", "SUBMITTED")
			for _, j := range out.Jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d%%\t%s\n", j.ID, j.EntityType, j.SourceKind, j.Priority,
					j.State, j.Progress, j.SubmittedAt.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "page %d, %d of %d jobs\n", out.Page, len(out.Jobs), out.Total)
			return err
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&entity, "entity", "", "filter by entity type")
	cmd.Flags().IntVar(&page, "page", 0, "page number, from 1")
	cmd.Flags().IntVar(&size, "page-size", 0, "jobs per page")
	return cmd
}

func newCancelCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a pending job, or ask a running one to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var job models.Job
			if err := c.Do(cmd.Context(), http.MethodPost, "/imports/"+url.PathEscape(args[0])+"/cancel", nil, &job); err != nil {
				return err
			}
			return printJob(cmd, job)
		},
	}
}

type rollbackResult struct {
	JobID    string           `json:"job_id"`
	Deleted  int              `json:"deleted"`
	Restored int              `json:"restored"`
	Skipped  []map[string]any `json:"skipped,omitempty"`
	Actor    string           `json:"actor"`
	Reason   string           `json:"reason"`
}

func newRollbackCmd(c *Client) *cobra.Command {
	var (
		reason string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "rollback JOB_ID",
		Short: "Revert every change a completed job made",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res rollbackResult
			body := map[string]any{"reason": reason, "force": force}
			if err := c.Do(cmd.Context(), http.MethodPost, "/imports/"+url.PathEscape(args[0])+"/rollback", body, &res); err != nil {
				return err
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s: %d deleted, %d restored, %d skipped\n",
				args[0], res.Deleted, res.Restored, len(res.Skipped))
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the job is rolled back")
	cmd.Flags().BoolVar(&force, "force", false, "skip rows changed after the job instead of aborting")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

type auditTrail struct {
	Events  []models.JobEvent   `json:"events"`
	Changes []models.AuditEntry `json:"changes"`
}

func newAuditCmd(c *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "audit JOB_ID",
		Short: "Show a job's event trail and the rows it changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out auditTrail
			if err := c.Do(cmd.Context(), http.MethodGet, "/imports/"+url.PathEscape(args[0])+"/audit", nil, &out); err != nil {
				return err
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), out)
			}
			tw := newTable(cmd.OutOrStdout(), "AT", "EVENT", "ACTOR", "DETAIL")
			for _, ev := range out.Events {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Recorded.Format(time.RFC3339), ev.Event, ev.Actor, ev.Detail)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d row changes\n", len(out.Changes))
			return err
		},
	}
}

type lockRow struct {
	ResourceKey string     `json:"resource_key"`
	Locked      bool       `json:"locked"`
	HeldBy      string     `json:"held_by"`
	Since       *time.Time `json:"since"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func newLocksCmd(c *Client) *cobra.Command {
	var entity string
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Show resource locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var rows []lockRow
			if entity != "" {
				var one lockRow
				if err := c.Do(cmd.Context(), http.MethodGet, "/locks?entity_type="+url.QueryEscape(entity), nil, &one); err != nil {
					return err
				}
				rows = append(rows, one)
			} else {
				var all struct {
					Locks []lockRow `json:"locks"`
				}
				if err := c.Do(cmd.Context(), http.MethodGet, "/locks", nil, &all); err != nil {
					return err
				}
				rows = all.Locks
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			tw := newTable(cmd.OutOrStdout(), "RESOURCE", "LOCKED", "HELD BY", "EXPIRES")
			for _, l := range rows {
				expires := "-"
				if l.ExpiresAt != nil {
					expires = l.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", l.ResourceKey, l.Locked, l.HeldBy, expires)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "report one entity type")
	return cmd
}

func newSchedulesCmd(c *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage recurring imports",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out struct {
				Schedules []models.ScheduledImport `json:"schedules"`
			}
			if err := c.Do(cmd.Context(), http.MethodGet, "/schedules", nil, &out); err != nil {
				return err
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), out.Schedules)
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "CRON", "ENTITY", "OVERLAP", "NEXT RUN")
			for _, s := range out.Schedules {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.CronExpr, s.EntityType, s.Overlap,
					s.NextRunAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	var name, cronExpr, entity, location, template, priority, overlap string
	create := &cobra.Command{
		Use:   "create",
		Short: "Define a recurring import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{
				"name":           name,
				"cron":           cronExpr,
				"entity_type":    entity,
				"location":       location,
				"template":       template,
				"priority":       priority,
				"overlap_policy": overlap,
			}
			var def models.ScheduledImport
			if err := c.Do(cmd.Context(), http.MethodPost, "/schedules", body, &def); err != nil {
				return err
			}
			if outputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), def)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "schedule %s created, next run %s\n", def.ID, def.NextRunAt.Format(time.RFC3339))
			return err
		},
	}
	create.Flags().StringVar(&name, "name", "", "unique schedule name")
	create.Flags().StringVar(&cronExpr, "cron", "", "five-field cron expression or @descriptor")
	create.Flags().StringVar(&entity, "entity", "", "target entity type")
	create.Flags().StringVar(&location, "location", "", "file://, s3:// or http(s):// source")
	create.Flags().StringVar(&template, "template", "", "allow-listed template")
	create.Flags().StringVar(&priority, "priority", "", "job priority")
	create.Flags().StringVar(&overlap, "overlap", "queue", "queue or skip while the previous run is unfinished")
	for _, f := range []string{"name", "cron", "entity", "location"} {
		_ = create.MarkFlagRequired(f)
	}

	del := &cobra.Command{
		Use:   "delete SCHEDULE_ID",
		Short: "Delete a scheduled import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Do(cmd.Context(), http.MethodDelete, "/schedules/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "schedule %s deleted\n", args[0])
			return err
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}

func printJob(cmd *cobra.Command, job models.Job) error {
	if outputFormat(cmd) == "json" {
		return printJSON(cmd.OutOrStdout(), job)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", job.ID)
	fmt.Fprintf(tw, "ENTITY\t%s\n", job.EntityType)
	fmt.Fprintf(tw, "STATE\t%s\n", job.State)
	fmt.Fprintf(tw, "PROGRESS\t%d%%\n", job.Progress)
	fmt.Fprintf(tw, "RECORDS\ttotal=%d staged=%d rejected=%d promoted=%d\n",
		job.RecordsTotal, job.RecordsStaged, job.RecordsRejected, job.RecordsPromoted)
	if job.CancelRequested {
		fmt.Fprintf(tw, "CANCEL\trequested\n")
	}
	if job.Error != nil {
		fmt.Fprintf(tw, "ERROR\t%s\n", *job.Error)
	}
	for _, w := range job.Warnings {
		fmt.Fprintf(tw, "WARNING\t%s\n", w)
	}
	return tw.Flush()
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, h)
	}
	fmt.Fprintln(tw)
	return tw
}
