package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/buildqueue/internal/events"
	"github.com/ChuLiYu/buildqueue/internal/jobmanager"
	"github.com/ChuLiYu/buildqueue/pkg/types"
	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func jobStatus(s types.JobStatus) string {
	switch s {
	case types.JobRunning:
		return cyan(s)
	case types.JobDone:
		return green(s)
	case types.JobPaused:
		return yellow(s)
	case types.JobCancelled:
		return red(s)
	default:
		return faint(s)
	}
}

func itemStatus(s types.ItemStatus) string {
	switch s {
	case types.ItemRunning:
		return cyan(s)
	case types.ItemBuilt:
		return green(s)
	case types.ItemFailed:
		return red(s)
	case types.ItemSkipped:
		return yellow(s)
	default:
		return faint(s)
	}
}

func renderJobList(w io.Writer, jobs []types.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no jobs")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, bold("JOB")+"\t"+bold("CAMPAIGN")+"\t"+bold("STATUS")+"\t"+bold("BUILT")+"\t"+bold("FAILED")+"\t"+bold("CREATED"))
	for _, j := range jobs {
		st := jobmanager.ComputeStats(j)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			j.JobID, j.CampaignID, jobStatus(j.Status),
			st.Built, st.Total, st.Failed,
			j.CreatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func renderJob(w io.Writer, job types.Job) {
	st := jobmanager.ComputeStats(job)
	fmt.Fprintf(w, "%s  %s  campaign=%s\n", bold(job.JobID), jobStatus(job.Status), job.CampaignID)
	fmt.Fprintf(w, "  queued=%d running=%d built=%d failed=%d skipped=%d\n",
		st.Queued, st.Running, st.Built, st.Failed, st.Skipped)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, it := range job.Items {
		detail := ""
		switch {
		case it.ProjectID != nil:
			detail = "project=" + *it.ProjectID
		case it.Error != nil:
			detail = red(*it.Error)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", it.IdeaID, itemStatus(it.Status), took(it), detail)
	}
	tw.Flush()
}

func took(it types.Item) string {
	if it.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if it.FinishedAt != nil {
		end = *it.FinishedAt
	}
	return end.Sub(*it.StartedAt).Round(time.Second).String()
}

func renderHistory(w io.Writer, history []events.Event) {
	if len(history) == 0 {
		fmt.Fprintln(w, "no events")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range history {
		detail := ""
		switch {
		case e.Error != "":
			detail = red(e.Error)
		case e.ProjectID != "":
			detail = "project=" + e.ProjectID
		case e.Progress != nil:
			detail = fmt.Sprintf("%s %.0f%%", e.Progress.Stage, e.Progress.Progress)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.At.Format(time.RFC3339), e.Name, e.IdeaID, detail)
	}
	tw.Flush()
}
