// tune runs a single evaluation or alignment end to end against the workshop
// backend, streaming the execution log to the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"

	"judge-tuner/internal/cache"
	"judge-tuner/internal/config"
	"judge-tuner/internal/poller"
	"judge-tuner/internal/tuning"
	"judge-tuner/internal/workshop"
	"judge-tuner/pkg/models"
)

func main() {
	var (
		envPath    string
		backendURL string
		workshopID string
		question   int
		judgePath  string
		promptPath string
		cachePath  string
		align      bool
	)

	flag.StringVar(&envPath, "env", "", "path to load env from")
	flag.StringVar(&backendURL, "backend", os.Getenv("WORKSHOP_BACKEND_URL"), "workshop backend base URL")
	flag.StringVar(&workshopID, "workshop", "", "workshop id")
	flag.IntVar(&question, "question", 0, "rubric question index")
	flag.StringVar(&judgePath, "judge", "", "path to judge definition YAML")
	flag.StringVar(&promptPath, "prompt", "", "path to judge prompt text file")
	flag.StringVar(&cachePath, "cache", "", "cache database path (empty for in-memory)")
	flag.BoolVar(&align, "align", false, "run alignment instead of evaluation")
	flag.Parse()

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			log.Fatalf("error loading .env file '%s': %v", envPath, err)
		}
		if backendURL == "" {
			backendURL = os.Getenv("WORKSHOP_BACKEND_URL")
		}
	}

	if backendURL == "" || workshopID == "" || judgePath == "" || promptPath == "" {
		flag.Usage()
		log.Fatal("missing required flags: -backend, -workshop, -judge, -prompt")
	}

	judge, err := config.LoadJudgeConfig(judgePath)
	if err != nil {
		log.Fatalf("error loading judge config: %v", err)
	}

	promptText, err := os.ReadFile(promptPath)
	if err != nil {
		log.Fatalf("error reading prompt file: %v", err)
	}

	var store cache.Store
	if cachePath != "" {
		db, err := cache.Open(cachePath)
		if err != nil {
			log.Fatalf("error opening cache database: %v", err)
		}
		store = cache.NewGormStore(db)
	} else {
		store = cache.NewMemoryStore()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := tuning.Session{WorkshopID: workshopID, QuestionIndex: question}
	tuner := tuning.NewTuner(session, workshop.NewClient(backendURL), store, tuning.DefaultOptions())

	if align {
		runAlignment(ctx, tuner, string(promptText), *judge)
	} else {
		runEvaluation(ctx, tuner, string(promptText), *judge)
	}
}

func newSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
}

// streamLogs prints each new execution log line above the spinner.
func streamLogs(bar *progressbar.ProgressBar) func(lines []string) {
	return func(lines []string) {
		bar.Clear() //nolint:errcheck
		for _, line := range lines {
			fmt.Println(line)
		}
		bar.Add(1) //nolint:errcheck
	}
}

func runEvaluation(ctx context.Context, tuner *tuning.Tuner, promptText string, judge models.JudgeConfig) {
	bar := newSpinner("evaluating")
	defer bar.Finish() //nolint:errcheck

	outcome, err := tuner.StartEvaluationWithLogs(ctx, promptText, judge, streamLogs(bar))
	if err != nil {
		if errors.Is(err, poller.ErrPollTimeout) {
			log.Fatalf("evaluation timed out: %v", err)
		}
		log.Fatalf("evaluation failed: %v", err)
	}

	fmt.Printf("evaluation complete: %d records\n", len(outcome.Snapshot.Evaluations))
	if metrics := outcome.Snapshot.Metrics; metrics != nil {
		fmt.Printf("correlation=%.3f accuracy=%.3f over %d evaluations\n",
			metrics.Correlation, metrics.Accuracy, metrics.TotalEvaluations)
	}
	if outcome.SavedPromptID != "" {
		fmt.Printf("saved prompt version: %s\n", outcome.SavedPromptID)
	}
}

func runAlignment(ctx context.Context, tuner *tuning.Tuner, promptText string, judge models.JudgeConfig) {
	bar := newSpinner("aligning")
	defer bar.Finish() //nolint:errcheck

	outcome, err := tuner.StartAlignmentWithLogs(ctx, promptText, judge, streamLogs(bar))
	if err != nil {
		if errors.Is(err, poller.ErrPollTimeout) {
			log.Fatalf("alignment timed out: %v", err)
		}
		log.Fatalf("alignment failed: %v", err)
	}

	fmt.Printf("alignment complete: judge %q over %d traces\n", outcome.Result.JudgeName, outcome.Result.TraceCount)
	if outcome.Result.SavedPromptID != "" {
		fmt.Printf("saved prompt version: %s\n", outcome.Result.SavedPromptID)
	}
	fmt.Println("--- aligned prompt ---")
	fmt.Println(outcome.Prompt.Text)
}
