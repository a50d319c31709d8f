package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/config"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/consensus"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/costs"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/domain"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/evidence"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/guardrail"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/learning"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/notify"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/prompts"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/quality"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/tui"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/web/api"
)

var (
	startFrom string
	servePort int
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start SPEC",
		Short: "Run the pipeline for a spec",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}
	startCmd.Flags().StringVar(&startFrom, "from", "", "stage to start from (plan, tasks, implement, validate, audit, unlock)")
	rootCmd.AddCommand(startCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show run status from the running server",
		RunE:  runStatus,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "resume SPEC",
		Short: "Resume a halted run at its current stage",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "answer SPEC ISSUE ANSWER",
		Short: "Answer an escalated quality issue",
		Args:  cobra.ExactArgs(3),
		RunE:  runAnswer,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "costs SPEC",
		Short: "Show recorded spend for a spec",
		Args:  cobra.ExactArgs(1),
		RunE:  runCosts,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "evidence SPEC",
		Short: "List evidence artifacts for a spec",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvidence,
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status server and answer watcher",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch the dashboard (needs a running server)",
		RunE:  runTUI,
	})
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// system bundles everything a command needs to drive the pipeline
type system struct {
	cfg     *config.Config
	coord   *pipeline.Coordinator
	repo    evidence.Repository
	tracker *costs.Tracker
	store   *quality.EscalationStore
}

func buildSystem(cfg *config.Config) (*system, error) {
	logger := log.Default()

	roster, err := pipeline.BuildRoster(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("no agents configured; add [[agents]] blocks to %s", config.DefaultConfigPath())
	}

	repo, err := evidence.NewStore(cfg.General.DatabasePath, cfg.Budget.EvidenceLimitMB, logger)
	if err != nil {
		return nil, err
	}

	tracker := costs.NewTracker(cfg.Budget.PerSpecUSD)
	loader := prompts.DefaultLoader(cfg.General.SpecRoot)
	store := quality.NewEscalationStore(cfg.General.AnswerDir)

	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewDesktopNotifier(cfg.Notifications.Desktop))
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}

	coord := pipeline.NewCoordinator(pipeline.Deps{
		Config: cfg,
		Roster: roster,
		Orch: orchestrator.New(orchestrator.RetryPolicy{
			MaxAttempts: cfg.Orchestrator.MaxAttempts,
			MinQuorum:   cfg.Orchestrator.MinQuorum,
		}, cfg.AgentTimeout(), tracker, logger),
		Consensus: consensus.New(cfg.Consensus.TiePolicy, logger),
		Quality: quality.NewEngine(roster.Reviewers, roster.Validator, loader,
			quality.NewFileModifier(cfg.General.SpecRoot), store,
			cfg.AgentTimeout(), tracker, logger),
		Guard:     guardrail.NewArtifactValidator(cfg.General.SpecRoot),
		Evidence:  repo,
		Tracker:   tracker,
		Hints:     learning.NewCache(learning.FromConfig(cfg.Learning.Dir, logger), logger),
		Prompts:   loader,
		Notifier:  notify.NewMultiNotifier(notifiers...),
		FollowUps: pipeline.NewFollowUpScheduler(time.Hour, logger),
		Logger:    logger,
	})

	return &system{cfg: cfg, coord: coord, repo: repo, tracker: tracker, store: store}, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.repo.Close()

	specID := args[0]
	fromStage := domain.StageID("")
	if startFrom != "" {
		fromStage, err = domain.ParseStageID(startFrom)
		if err != nil {
			return err
		}
	}

	run, err := sys.coord.Start(specID, fromStage)
	if err != nil {
		return err
	}
	fmt.Printf("Run %s started for %s\n", run.ID, specID)

	result, err := sys.coord.Drive(context.Background(), specID)
	if err != nil {
		return err
	}

	switch result {
	case pipeline.AdvanceCompleted:
		fmt.Printf("All stages completed. Total spend: $%.2f\n", sys.tracker.Total(run.ID))
	case pipeline.AdvanceAwaitingHuman:
		fmt.Printf("Run paused: quality issues need answers.\n")
		fmt.Printf("Review %s and answer with:\n", sys.store.Dir(specID))
		fmt.Printf("  spec-orch answer %s ISSUE \"your answer\"\n", specID)
	case pipeline.AdvanceHalted:
		fmt.Printf("Run halted at stage %s: %s\n", run.CurrentStage(), run.HaltReason)
		fmt.Printf("Fix the cause and run: spec-orch resume %s\n", specID)
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.repo.Close()

	// A fresh process has no run state; re-seed the run at the stage the
	// evidence trail ends on.
	specID := args[0]
	fromStage, err := lastIncompleteStage(sys.repo, specID)
	if err != nil {
		return err
	}

	run, err := sys.coord.Start(specID, fromStage)
	if err != nil {
		return err
	}
	fmt.Printf("Resuming %s at stage %s (run %s)\n", specID, fromStage, run.ID)

	result, err := sys.coord.Drive(context.Background(), specID)
	if err != nil {
		return err
	}
	if result == pipeline.AdvanceCompleted {
		fmt.Println("All stages completed.")
	} else {
		fmt.Printf("Run ended: %s\n", result)
	}
	return nil
}

// lastIncompleteStage finds the first stage without a clean recorded
// verdict, which is where a resumed run picks up.
func lastIncompleteStage(repo evidence.Repository, specID string) (domain.StageID, error) {
	for _, stage := range domain.DefaultStages {
		data, err := repo.ReadLatest(specID, stage, evidence.KindVerdict)
		if err != nil {
			return stage, nil // no verdict yet, start here
		}
		var v domain.ConsensusVerdict
		if err := json.Unmarshal(data, &v); err != nil {
			return stage, nil
		}
		if !v.ConsensusOK {
			return stage, nil
		}
	}
	return "", fmt.Errorf("every stage of %s already has a clean verdict", specID)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store := quality.NewEscalationStore(cfg.General.AnswerDir)
	if err := store.Answer(args[0], args[1], args[2]); err != nil {
		return err
	}
	fmt.Printf("Answer recorded for %s/%s\n", args[0], args[1])
	fmt.Println("A running server picks it up automatically; otherwise run: spec-orch resume", args[0])
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/api/status", cfg.Web.Host, cfg.Web.Port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("no server at %s (start one with: spec-orch serve): %w", url, err)
	}
	defer resp.Body.Close()

	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	if len(status.Runs) == 0 {
		fmt.Println("No runs.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPEC\tSTAGE\tPHASE\tSTATUS\tSPENT\tPENDING")
	for _, run := range status.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.2f\t%d\n",
			run.SpecID, run.Stage, run.Phase, run.Status, run.SpentUSD, run.PendingCount)
	}
	w.Flush()
	fmt.Printf("\n%d active, %d halted, %d completed\n", status.Active, status.Halted, status.Completed)
	return nil
}

func runCosts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	specID := args[0]

	// Completed runs leave their summaries in the evidence directory
	matches, err := filepath.Glob(filepath.Join(cfg.General.EvidenceDir, "costs_*.json"))
	if err != nil {
		return err
	}

	var found bool
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var summary costs.Summary
		if err := json.Unmarshal(data, &summary); err != nil || summary.SpecID != specID {
			continue
		}
		found = true

		fmt.Printf("Run %s (%s calls)\n", summary.RunID, humanize.Comma(int64(summary.Calls)))
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSPENT")
		for _, stage := range domain.DefaultStages {
			if amount, ok := summary.PerStage[stage]; ok {
				fmt.Fprintf(w, "%s\t$%.4f\n", stage, amount)
			}
		}
		fmt.Fprintf(w, "total\t$%.4f (budget $%.2f)\n", summary.TotalUSD, summary.BudgetUSD)
		w.Flush()
		fmt.Println()
	}
	if !found {
		fmt.Printf("No cost summaries for %s in %s\n", specID, cfg.General.EvidenceDir)
	}
	return nil
}

func runEvidence(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := evidence.NewStore(cfg.General.DatabasePath, cfg.Budget.EvidenceLimitMB, log.Default())
	if err != nil {
		return err
	}
	defer repo.Close()

	artifacts, err := repo.ListArtifacts(args[0])
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		fmt.Printf("No evidence for %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tKIND\tTIMESTAMP\tSIZE")
	for _, a := range artifacts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Stage, a.Kind, a.Timestamp, humanize.Bytes(uint64(a.SizeBytes)))
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.repo.Close()

	watcher, err := pipeline.NewAnswerWatcher(cfg.General.AnswerDir, func(specID string) {
		sys.coord.HandleAnswers(context.Background(), specID)
	}, log.Default())
	if err != nil {
		return err
	}
	defer watcher.Close()

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	server := api.NewServer(sys.coord, sys.repo, sys.tracker, addr, log.Default())
	if !strings.HasPrefix(cfg.General.SpecRoot, "/") {
		log.Printf("[serve] spec root %q is relative; runs resolve it against the working directory", cfg.General.SpecRoot)
	}
	return server.Start()
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := tui.NewClient(fmt.Sprintf("http://%s:%d", cfg.Web.Host, cfg.Web.Port))
	p := tea.NewProgram(tui.NewModel(client), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
