package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/splax/deployctl/internal/domain"
	apiclient "github.com/splax/deployctl/pkg/api/client"
)

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	name := fs.String("name", "", "Service name")
	env := fs.String("env", "", "Target environment")
	branch := fs.String("branch", "main", "Source branch")
	commit := fs.String("commit", "", "Commit SHA")
	version := fs.String("version", "", "Release version")
	stages := fs.String("stages", "", "Comma-separated stage names (default: environment template)")
	external := fs.String("external", "", "Comma-separated stage names completed by CI webhook")
	deferred := fs.Bool("deferred", false, "Create idle; start later with 'pipelines start'")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" || strings.TrimSpace(*env) == "" || strings.TrimSpace(*commit) == "" || strings.TrimSpace(*version) == "" {
		return errors.New("--name, --env, --commit and --version are required")
	}
	defs, err := parseStages(*stages, *external)
	if err != nil {
		return err
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	p, err := client.RequestDeployment(ctx, apiclient.DeploymentInput{
		Name:        *name,
		Environment: domain.Environment(*env),
		Branch:      *branch,
		CommitHash:  *commit,
		Version:     *version,
		Stages:      defs,
		Deferred:    *deferred,
	})
	if err != nil {
		return err
	}
	fmt.Printf("pipeline created: %s status=%s stages=%d\n", p.ID, p.Status, len(p.Stages))
	return nil
}

// parseStages builds stage definitions from a comma list; names also listed in external
// are marked external.
func parseStages(names, external string) ([]domain.StageDefinition, error) {
	list := splitList(names)
	ext := make(map[string]bool)
	for _, n := range splitList(external) {
		ext[n] = true
	}
	if len(list) == 0 {
		if len(ext) > 0 {
			return nil, errors.New("--external requires --stages")
		}
		return nil, nil
	}
	defs := make([]domain.StageDefinition, 0, len(list))
	for _, n := range list {
		defs = append(defs, domain.StageDefinition{Name: n, External: ext[n]})
		delete(ext, n)
	}
	for n := range ext {
		return nil, fmt.Errorf("external stage %q is not in --stages", n)
	}
	return defs, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func commandPipelines(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: deployctl pipelines [list|get|start|pause|resume|cancel|stage|watch]")
	}
	sub, rest := args[0], args[1:]
	client, err := authedClient()
	if err != nil {
		return err
	}
	switch sub {
	case "list":
		fs := flag.NewFlagSet("pipelines list", flag.ExitOnError)
		status := fs.String("status", "", "Filter by status")
		env := fs.String("env", "", "Filter by environment")
		limit := fs.Int("limit", 20, "Maximum number of pipelines")
		fs.Parse(rest)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		pipelines, err := client.ListPipelines(ctx, apiclient.PipelineQuery{
			Status:      domain.PipelineStatus(*status),
			Environment: domain.Environment(*env),
			Limit:       *limit,
		})
		if err != nil {
			return err
		}
		printPipelines(os.Stdout, pipelines)
		return nil
	case "get", "start", "pause", "resume", "cancel":
		fs := flag.NewFlagSet("pipelines "+sub, flag.ExitOnError)
		id := fs.String("id", "", "Pipeline identifier")
		reason := fs.String("reason", "", "Cancellation reason")
		fs.Parse(rest)
		if strings.TrimSpace(*id) == "" {
			return errors.New("--id is required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var p domain.Pipeline
		if sub == "get" {
			p, err = client.GetPipeline(ctx, *id)
		} else {
			p, err = client.PipelineAction(ctx, *id, sub, *reason)
		}
		if err != nil {
			return err
		}
		printPipeline(os.Stdout, p)
		return nil
	case "stage":
		fs := flag.NewFlagSet("pipelines stage", flag.ExitOnError)
		id := fs.String("id", "", "Pipeline identifier")
		stageID := fs.String("stage", "", "Stage identifier")
		result := fs.String("result", "", "success or failed")
		message := fs.String("message", "", "Message recorded in the stage log")
		fs.Parse(rest)
		if strings.TrimSpace(*id) == "" || strings.TrimSpace(*stageID) == "" {
			return errors.New("--id and --stage are required")
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		p, err := client.MarkStageResult(ctx, *id, *stageID, domain.StageStatus(*result), *message)
		if err != nil {
			return err
		}
		printPipeline(os.Stdout, p)
		return nil
	case "watch":
		fs := flag.NewFlagSet("pipelines watch", flag.ExitOnError)
		id := fs.String("id", "", "Pipeline identifier")
		interval := fs.Duration("interval", 2*time.Second, "Polling interval")
		fs.Parse(rest)
		if strings.TrimSpace(*id) == "" {
			return errors.New("--id is required")
		}
		return watchPipeline(context.Background(), client, *id, *interval)
	default:
		return fmt.Errorf("unknown pipelines command: %s", sub)
	}
}

func watchPipeline(ctx context.Context, client *apiclient.Client, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	lastRevision := int64(-1)
	for {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		p, err := client.GetPipeline(reqCtx, id)
		cancel()
		if err != nil {
			return err
		}
		if p.Revision != lastRevision {
			lastRevision = p.Revision
			stage := "-"
			if idx := p.CurrentStage(); idx >= 0 {
				stage = p.Stages[idx].Name
			}
			fmt.Printf("%s\t%s\t%5.1f%%\t%s\n", time.Now().Format(time.TimeOnly), p.Status, p.Progress, stage)
		}
		if p.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func commandCanary(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: deployctl canary [create|list|get|promote|rollback|observe]")
	}
	sub, rest := args[0], args[1:]
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	switch sub {
	case "create":
		fs := flag.NewFlagSet("canary create", flag.ExitOnError)
		name := fs.String("name", "", "Service name")
		current := fs.String("current", "", "Stable version")
		target := fs.String("target", "", "Canary version")
		step := fs.Float64("step", 0, "Traffic step percent")
		maxPercent := fs.Float64("max", 0, "Maximum traffic percent before manual promotion")
		interval := fs.Duration("interval", 0, "Time between traffic steps")
		fs.Parse(rest)
		input := apiclient.CanaryInput{Name: *name, CurrentVersion: *current, TargetVersion: *target}
		if *step > 0 || *maxPercent > 0 || *interval > 0 {
			input.Ramp = &apiclient.Ramp{StepPercent: *step, MaxPercent: *maxPercent, StepIntervalMs: interval.Milliseconds()}
		}
		c, err := client.RequestCanary(ctx, input)
		if err != nil {
			return err
		}
		printCanary(os.Stdout, c)
		return nil
	case "list":
		fs := flag.NewFlagSet("canary list", flag.ExitOnError)
		status := fs.String("status", "", "Filter by status")
		fs.Parse(rest)
		canaries, err := client.ListCanaries(ctx, domain.CanaryStatus(*status))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tTRAFFIC\tVERSIONS")
		for _, c := range canaries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s -> %s\n", c.ID, c.Name, c.Status, c.TrafficSplitPercent, c.CurrentVersion, c.TargetVersion)
		}
		return tw.Flush()
	case "get", "promote", "rollback":
		fs := flag.NewFlagSet("canary "+sub, flag.ExitOnError)
		id := fs.String("id", "", "Canary identifier")
		fs.Parse(rest)
		if strings.TrimSpace(*id) == "" {
			return errors.New("--id is required")
		}
		var c domain.CanaryDeployment
		if sub == "get" {
			c, err = client.GetCanary(ctx, *id)
		} else {
			c, err = client.CanaryAction(ctx, *id, sub)
		}
		if err != nil {
			return err
		}
		printCanary(os.Stdout, c)
		return nil
	case "observe":
		fs := flag.NewFlagSet("canary observe", flag.ExitOnError)
		id := fs.String("id", "", "Canary identifier")
		errorRate := fs.Float64("error-rate", 0, "Error rate percent")
		response := fs.Float64("response-ms", 0, "Response time in milliseconds")
		throughput := fs.Float64("throughput", 0, "Requests per minute")
		satisfaction := fs.Float64("satisfaction", 0, "User satisfaction score 0-5")
		fs.Parse(rest)
		if strings.TrimSpace(*id) == "" {
			return errors.New("--id is required")
		}
		c, err := client.ObserveCanary(ctx, *id, domain.CanaryMetrics{
			ErrorRatePercent: *errorRate,
			ResponseTimeMs:   *response,
			ThroughputPerMin: *throughput,
			UserSatisfaction: *satisfaction,
		})
		if err != nil {
			return err
		}
		printCanary(os.Stdout, c)
		return nil
	default:
		return fmt.Errorf("unknown canary command: %s", sub)
	}
}

func commandInfra(args []string) error {
	fs := flag.NewFlagSet("infra", flag.ExitOnError)
	status := fs.String("status", "", "Only show resources in this status")
	id := fs.String("id", "", "Resource ID (with --lifecycle)")
	lifecycle := fs.String("lifecycle", "", "Set the resource lifecycle: provisioning, terminating or healthy")
	fs.Parse(args)
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if *lifecycle != "" {
		if *id == "" {
			return errors.New("--id is required with --lifecycle")
		}
		res, err := client.SetResourceLifecycle(ctx, *id, domain.ResourceStatus(*lifecycle))
		if err != nil {
			return err
		}
		return printResources(os.Stdout, []domain.InfrastructureResource{res}, 0, false)
	}

	var resources []domain.InfrastructureResource
	var total float64
	if *status != "" {
		resources, err = client.ResourcesByStatus(ctx, domain.ResourceStatus(*status))
	} else {
		var snap domain.InfrastructureSnapshot
		snap, err = client.Infrastructure(ctx)
		resources, total = snap.Resources, snap.TotalMonthlyCost
	}
	if err != nil {
		return err
	}
	return printResources(os.Stdout, resources, total, *status == "")
}

// printResources writes the resource table, most severe status first.
func printResources(w io.Writer, resources []domain.InfrastructureResource, total float64, showTotal bool) error {
	sorted := append([]domain.InfrastructureResource(nil), resources...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return domain.Severity(string(sorted[i].Status)) > domain.Severity(string(sorted[j].Status))
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tREGION\tSTATUS\tUTIL\tCOST/MO")
	for _, r := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1f%%\t%.2f\n", r.ID, r.Name, r.Type, r.Region, r.Status, r.UtilizationPercent, r.CostPerMonth)
	}
	if showTotal {
		fmt.Fprintf(tw, "\t\t\t\t\ttotal\t%.2f\n", total)
	}
	return tw.Flush()
}

func commandMetrics(args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	window := fs.Int("window", 30, "Trailing window in days")
	fs.Parse(args)
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	m, err := client.Metrics(ctx, *window)
	if err != nil {
		return err
	}
	printMetrics(os.Stdout, m, *window)
	return nil
}

func printPipelines(w io.Writer, pipelines []domain.Pipeline) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tENV\tSTATUS\tPROGRESS\tVERSION")
	for _, p := range pipelines {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f%%\t%s\n", p.ID, p.Name, p.Environment, p.Status, p.Progress, p.Version)
	}
	tw.Flush()
}

func printPipeline(w io.Writer, p domain.Pipeline) {
	fmt.Fprintf(w, "%s  %s  %s  %s  %.1f%%\n", p.ID, p.Name, p.Environment, p.Status, p.Progress)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, st := range p.Stages {
		duration := "-"
		if st.DurationMs != nil {
			duration = (time.Duration(*st.DurationMs) * time.Millisecond).String()
		}
		marker := ""
		if st.External {
			marker = "external"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", st.ID, st.Name, st.Status, duration, marker)
	}
	tw.Flush()
}

func printCanary(w io.Writer, c domain.CanaryDeployment) {
	fmt.Fprintf(w, "%s  %s  %s -> %s  %s  traffic=%.0f%%\n", c.ID, c.Name, c.CurrentVersion, c.TargetVersion, c.Status, c.TrafficSplitPercent)
	fmt.Fprintf(w, "  error=%.2f%% response=%.0fms throughput=%.0f/min satisfaction=%.2f\n",
		c.Metrics.ErrorRatePercent, c.Metrics.ResponseTimeMs, c.Metrics.ThroughputPerMin, c.Metrics.UserSatisfaction)
	for _, hc := range c.HealthChecks {
		fmt.Fprintf(w, "  [%s] %s: %s\n", hc.Status, hc.Name, hc.Message)
	}
}

func printMetrics(w io.Writer, m domain.DeploymentMetrics, window int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "window\t%d days\n", window)
	fmt.Fprintf(tw, "deployments\t%d\n", m.TotalDeployments)
	fmt.Fprintf(tw, "success rate\t%.2f%%\n", m.SuccessRatePercent)
	fmt.Fprintf(tw, "rollback rate\t%.2f%%\n", m.RollbackRatePercent)
	fmt.Fprintf(tw, "frequency\t%.2f per day\n", m.DeploymentFrequencyPerDay)
	fmt.Fprintf(tw, "deploy time avg/p50/p95\t%.2f / %.2f / %.2f min\n", m.AvgDeploymentTimeMinutes, m.P50DeploymentTimeMinutes, m.P95DeploymentTimeMinutes)
	fmt.Fprintf(tw, "mttr\t%.2f min\n", m.MeanTimeToRecoveryMinutes)
	fmt.Fprintf(tw, "uptime\t%.2f%%\n", m.UptimePercent)
	fmt.Fprintf(tw, "performance impact\t%.2f%%\n", m.PerformanceImpactPercent)
	tw.Flush()
}
