package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/store"
)

// ErrNotReady is returned when a report exists but evaluation has not
// finished yet.
var ErrNotReady = eris.New("report not ready")

// ValidationError reports why a submission was rejected before any
// evaluation work started.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid submission: " + strings.Join(e.Problems, "; ")
}

// Runner executes a full evaluation for one submission.
type Runner interface {
	Run(ctx context.Context, sub model.DeckSubmission) (*model.Report, error)
}

// Options configures a Service.
type Options struct {
	// MaxConcurrent bounds how many evaluations run at once. Submissions
	// beyond the bound are accepted immediately and wait for a slot.
	MaxConcurrent int

	// MaxDeckBytes rejects decks larger than this at submission time.
	MaxDeckBytes int
}

// Service is the submission-facing facade: accept a deck, hand back an id
// right away, and answer status and report lookups while the evaluation runs
// in the background.
type Service struct {
	runner Runner
	store  store.Store
	opts   Options

	sem chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Service around a runner and a report store.
func New(runner Runner, st store.Store, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.MaxDeckBytes <= 0 {
		opts.MaxDeckBytes = 2 << 20
	}
	return &Service{
		runner:  runner,
		store:   st,
		opts:    opts,
		sem:     make(chan struct{}, opts.MaxConcurrent),
		running: make(map[string]context.CancelFunc),
	}
}

// Submit validates a submission and schedules its evaluation. The returned id
// can be polled with GetStatus and GetReport immediately; the evaluation
// itself runs asynchronously.
func (s *Service) Submit(ctx context.Context, sub model.DeckSubmission) (string, error) {
	if problems := s.validate(sub); len(problems) > 0 {
		return "", &ValidationError{Problems: problems}
	}

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	// Reserve the id up front so status lookups resolve before the
	// evaluation gets a concurrency slot.
	if err := s.store.PutReport(ctx, model.NewReport(sub)); err != nil {
		return "", eris.Wrap(err, "service: register submission")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[sub.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, sub)

	zap.L().Info("service: submission accepted",
		zap.String("submission_id", sub.ID),
		zap.String("company", sub.CompanyName),
	)
	return sub.ID, nil
}

func (s *Service) run(ctx context.Context, sub model.DeckSubmission) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.running[sub.ID]; ok {
			cancel()
			delete(s.running, sub.ID)
		}
		s.mu.Unlock()
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		zap.L().Warn("service: evaluation canceled before starting",
			zap.String("submission_id", sub.ID))
		s.failPending(sub.ID, "canceled before evaluation started")
		return
	}

	if _, err := s.runner.Run(ctx, sub); err != nil {
		zap.L().Error("service: evaluation failed",
			zap.String("submission_id", sub.ID),
			zap.Error(err),
		)
		// A canceled run may have bailed out before finalizing; the report
		// must not be left pending forever.
		if ctx.Err() != nil {
			s.failPending(sub.ID, "canceled during evaluation")
		}
	}
}

// failPending finalizes the stored report as failed with the given reason.
// Runs on a detached context so a canceled submission context cannot block
// the write.
func (s *Service) failPending(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		zap.L().Error("service: load report for cancellation",
			zap.String("submission_id", id), zap.Error(err))
		return
	}
	if report.Finalized() {
		return
	}
	if err := report.Fail(reason); err != nil {
		return
	}
	if err := s.store.PutReport(ctx, report); err != nil {
		zap.L().Error("service: persist canceled report",
			zap.String("submission_id", id), zap.Error(err))
	}
}

// GetStatus returns the lifecycle status of a submission.
func (s *Service) GetStatus(ctx context.Context, id string) (model.ReportStatus, error) {
	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		return "", eris.Wrapf(err, "service: status %s", id)
	}
	return report.Status, nil
}

// GetReport returns a finalized report. A report that exists but is still
// pending yields ErrNotReady.
func (s *Service) GetReport(ctx context.Context, id string) (*model.Report, error) {
	report, err := s.store.GetReport(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "service: report %s", id)
	}
	if !report.Finalized() {
		return nil, eris.Wrapf(ErrNotReady, "service: report %s", id)
	}
	return report, nil
}

// Cancel stops an in-flight evaluation. It reports whether an evaluation was
// actually running under that id.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.running[id]
	if ok {
		delete(s.running, id)
	}
	s.mu.Unlock()
	if ok {
		cancel()
		zap.L().Info("service: evaluation canceled", zap.String("submission_id", id))
	}
	return ok
}

// InFlight returns how many evaluations are currently scheduled or running.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown cancels nothing but waits for in-flight evaluations to drain, up
// to the context deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "service: shutdown")
	}
}

func (s *Service) validate(sub model.DeckSubmission) []string {
	return submissionProblems(sub, s.opts.MaxDeckBytes)
}

// ValidateSubmission applies the same checks Submit performs, for callers
// that run evaluations without going through a Service.
func ValidateSubmission(sub model.DeckSubmission, maxDeckBytes int) error {
	if maxDeckBytes <= 0 {
		maxDeckBytes = 2 << 20
	}
	if problems := submissionProblems(sub, maxDeckBytes); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func submissionProblems(sub model.DeckSubmission, maxDeckBytes int) []string {
	var problems []string
	if strings.TrimSpace(sub.CompanyName) == "" {
		problems = append(problems, "company name is required")
	}
	if strings.TrimSpace(sub.RawText) == "" {
		problems = append(problems, "deck text is required")
	}
	if len(sub.RawText) > maxDeckBytes {
		problems = append(problems, "deck text exceeds size limit")
	}
	if sub.PageCount < 0 {
		problems = append(problems, "page count cannot be negative")
	}
	if sub.NotifyURL != "" && !strings.HasPrefix(sub.NotifyURL, "http://") && !strings.HasPrefix(sub.NotifyURL, "https://") {
		problems = append(problems, "notify url must be http or https")
	}
	return problems
}
