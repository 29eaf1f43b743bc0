package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/alloc"
	"github.com/warchest-ops/warchest/internal/audit"
	"github.com/warchest-ops/warchest/internal/observability"
	"github.com/warchest-ops/warchest/internal/vault"
	"github.com/warchest-ops/warchest/internal/wallet"
)

// ---------------------------------------------------------------------------
// Service — the operation front door
//
// One call runs the whole pipeline: session gate, fleet load, allocation,
// validation (complete violation list, never just the first), planning,
// single-flight registration, execution. Control calls (pause, resume,
// cancel, progress) address operations by id while they run.
// ---------------------------------------------------------------------------

// ServiceConfig carries the operation-independent settings.
type ServiceConfig struct {
	Treasury Treasury        `yaml:"treasury"`
	Limits   alloc.Limits    `yaml:"limits"`
	Stealth  StealthSettings `yaml:"stealth"` // default profile for requests that carry none
	Planner  PlannerConfig   `yaml:"planner"`
	Adaptive FeatureTuning   `yaml:"adaptive"` // thresholds for each plan's feature set
}

// ValidationError rejects a plan with its complete violation report.
type ValidationError struct {
	Report alloc.Report
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Report.Issues))
	for _, issue := range e.Report.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Code, issue.Message))
	}
	return "coord: plan rejected: " + strings.Join(parts, "; ")
}

// DistributionRequest asks for a treasury -> fleet funding operation.
type DistributionRequest struct {
	Method        alloc.Method
	TotalAmount   decimal.Decimal
	CustomAmounts map[string]decimal.Decimal // MethodCustom
	Threshold     decimal.Decimal            // MethodSmart
	RoleWeights   map[wallet.Role]int64      // MethodWeighted override
	Stealth       *StealthSettings           // nil uses the configured default
}

// WithdrawalRequest asks for a fleet -> treasury recovery operation.
type WithdrawalRequest struct {
	Type           alloc.WithdrawalType
	MinimumBalance decimal.Decimal
	Percentage     decimal.Decimal
	Role           wallet.Role
	Stealth        *StealthSettings
}

// Service orchestrates coordinated operations end to end.
type Service struct {
	cfg      ServiceConfig
	repo     wallet.Repository
	session  vault.Session
	planner  *Planner
	executor *Executor
	store    *Store
	trail    *audit.Trail
	metrics  *observability.Registry
}

// NewService wires the coordination pipeline. Repo, session, and executor
// are required.
func NewService(
	cfg ServiceConfig,
	repo wallet.Repository,
	session vault.Session,
	executor *Executor,
	store *Store,
	trail *audit.Trail,
	metrics *observability.Registry,
) (*Service, error) {
	if repo == nil {
		return nil, errors.New("coord: wallet repository is required")
	}
	if session == nil {
		return nil, errors.New("coord: vault session is required")
	}
	if executor == nil {
		return nil, errors.New("coord: executor is required")
	}
	normalized, err := wallet.NormalizeAddress(cfg.Treasury.Address)
	if err != nil {
		return nil, fmt.Errorf("coord: treasury address: %w", err)
	}
	cfg.Treasury.Address = normalized
	if cfg.Treasury.WalletID == "" {
		cfg.Treasury.WalletID = "treasury"
	}
	if store == nil {
		store = NewStore()
	}
	if trail == nil {
		trail = audit.NewTrail(nil, 256)
	}
	if metrics == nil {
		metrics = observability.WarchestMetrics()
	}
	return &Service{
		cfg:      cfg,
		repo:     repo,
		session:  session,
		planner:  NewPlanner(cfg.Planner),
		executor: executor,
		store:    store,
		trail:    trail,
		metrics:  metrics,
	}, nil
}

// Distribute runs a funding operation and blocks until it reaches a
// terminal state. The error is non-nil for rejections and plan-level
// failures; per-wallet failures live in the Result.
func (s *Service) Distribute(ctx context.Context, req DistributionRequest) (Result, error) {
	if err := s.session.RequireUnlocked(); err != nil {
		return Result{}, err
	}
	snapshots, err := s.loadWallets(ctx)
	if err != nil {
		return Result{}, err
	}

	entries, err := alloc.Distribute(alloc.DistributionInput{
		Method:        req.Method,
		TotalAmount:   req.TotalAmount,
		Wallets:       snapshots,
		CustomAmounts: req.CustomAmounts,
		Threshold:     req.Threshold,
		RoleWeights:   req.RoleWeights,
	})
	if err != nil {
		return Result{}, err
	}

	report := alloc.ValidateFunding(entries, s.cfg.Limits)
	return s.execute(ctx, KindDistribution, entries, report, req.Stealth)
}

// Withdraw runs a recovery operation and blocks until it reaches a
// terminal state.
func (s *Service) Withdraw(ctx context.Context, req WithdrawalRequest) (Result, error) {
	if err := s.session.RequireUnlocked(); err != nil {
		return Result{}, err
	}
	snapshots, err := s.loadWallets(ctx)
	if err != nil {
		return Result{}, err
	}

	entries, err := alloc.Withdraw(alloc.WithdrawalInput{
		Type:           req.Type,
		Wallets:        snapshots,
		MinimumBalance: req.MinimumBalance,
		Percentage:     req.Percentage,
		Role:           req.Role,
	})
	if err != nil {
		return Result{}, err
	}

	report := alloc.ValidateWithdrawal(entries, s.cfg.Limits)
	return s.execute(ctx, KindWithdrawal, entries, report, req.Stealth)
}

// execute is the shared tail of both operations: validation verdict,
// plan, registration, run.
func (s *Service) execute(ctx context.Context, kind Kind, entries []alloc.Entry, report alloc.Report, override *StealthSettings) (Result, error) {
	st := s.cfg.Stealth
	if override != nil {
		st = *override
	}

	if !report.Valid {
		reqID := "req-" + uuid.New().String()[:8]
		s.trail.RecordValidation(reqID, "", false, report)
		s.metrics.GetCounter("warchest_plan_validation_failures_total").Inc()
		log.Warn().
			Str("kind", string(kind)).
			Int("issues", len(report.Issues)).
			Int("fatal", len(report.Fatal())).
			Msg("plan rejected by validation")
		return Result{}, &ValidationError{Report: report}
	}

	plan, err := s.planner.CreatePlan(PlanRequest{
		Kind:     kind,
		Treasury: s.cfg.Treasury,
		Entries:  entries,
		Stealth:  st,
		Features: TunedFeatures(st, s.cfg.Adaptive),
	})
	if err != nil {
		return Result{}, err
	}
	if err := s.planner.ValidatePlan(plan); err != nil {
		s.metrics.GetCounter("warchest_plan_validation_failures_total").Inc()
		return Result{}, err
	}

	op, err := s.store.Begin(plan)
	if err != nil {
		return Result{}, err
	}
	if err := op.Tracker.Transition(op.ID, OpEventPrepare); err != nil {
		return Result{}, err
	}
	s.trail.RecordPlan(op.ID, plan.ID, plan)
	s.trail.RecordValidation(op.ID, plan.ID, true, report)

	res, runErr := s.executor.Run(ctx, op)
	s.store.Finish(op, res)
	return res, runErr
}

// loadWallets pulls the fleet and normalizes every address up front so a
// malformed registry entry fails the request before anything moves.
func (s *Service) loadWallets(ctx context.Context) ([]wallet.Snapshot, error) {
	snapshots, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("coord: load wallets: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, alloc.ErrNoWallets
	}
	for i := range snapshots {
		normalized, err := wallet.NormalizeAddress(snapshots[i].Address)
		if err != nil {
			return nil, fmt.Errorf("coord: wallet %s: %w", snapshots[i].ID, err)
		}
		snapshots[i].Address = normalized
	}
	return snapshots, nil
}

// ---------------------------------------------------------------------------
// Control surface
// ---------------------------------------------------------------------------

// Cancel requests a cooperative stop of a running operation.
func (s *Service) Cancel(id string) error {
	op, err := s.store.Get(id)
	if err != nil {
		return err
	}
	return op.Cancel()
}

// Pause holds a running operation at its next batch boundary.
func (s *Service) Pause(id string) error {
	op, err := s.store.Get(id)
	if err != nil {
		return err
	}
	return op.Pause()
}

// Resume releases a paused operation.
func (s *Service) Resume(id string) error {
	op, err := s.store.Get(id)
	if err != nil {
		return err
	}
	return op.Resume()
}

// Progress reports on a running or finished operation.
func (s *Service) Progress(id string) (Progress, error) {
	return s.store.Progress(id)
}

// Result returns the terminal summary of a finished operation.
func (s *Service) Result(id string) (Result, error) {
	return s.store.Result(id)
}

// Active returns progress for every running operation.
func (s *Service) Active() []Progress {
	ops := s.store.Active()
	out := make([]Progress, 0, len(ops))
	for _, op := range ops {
		out = append(out, op.Progress())
	}
	return out
}

// History returns finished results, newest first.
func (s *Service) History(limit int) []Result {
	return s.store.History(limit)
}
