package coord

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warchest-ops/warchest/internal/alloc"
	"github.com/warchest-ops/warchest/internal/stealth"
	"github.com/warchest-ops/warchest/internal/wallet"
)

// ErrNoActionableWallets is returned when every entry in the allocation is
// a no-op.
var ErrNoActionableWallets = errors.New("coord: no wallets require action")

// ---------------------------------------------------------------------------
// Planner — role-phased schedule construction
//
// Phases are emitted in canonical precedence: dev initialization, MEV
// coordination, the numbered fleet in waves, funder cleanup. Each emitted
// phase depends on the previous one; roles without wallets emit nothing.
// ---------------------------------------------------------------------------

// PlannerConfig carries the pacing knobs plans are built from. Zero
// numeric fields fall back to defaults; Randomization is taken as-is.
type PlannerConfig struct {
	GroupSize        int           `yaml:"group_size"`        // wallets per group
	BatchSize        int           `yaml:"batch_size"`        // dispatches per batch
	StaggerDelay     time.Duration `yaml:"stagger_delay"`     // per-wallet pacing inside a batch
	InterBatchDelay  time.Duration `yaml:"inter_batch_delay"` // rest between batches
	GroupOverlap     time.Duration `yaml:"group_overlap"`     // stagger between concurrent groups
	StartDelay       time.Duration `yaml:"start_delay"`       // pause before each phase
	VariationPercent float64       `yaml:"variation_percent"` // +/- jitter on the start delay
	Randomization    bool          `yaml:"randomization"`     // randomize per-wallet offsets
	Waves            int           `yaml:"waves"`             // numbered-fleet sub-phases
}

// DefaultPlannerConfig returns production pacing.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		GroupSize:        8,
		BatchSize:        4,
		StaggerDelay:     2 * time.Second,
		InterBatchDelay:  5 * time.Second,
		GroupOverlap:     10 * time.Second,
		StartDelay:       3 * time.Second,
		VariationPercent: 20,
		Randomization:    true,
		Waves:            3,
	}
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	def := DefaultPlannerConfig()
	if c.GroupSize <= 0 {
		c.GroupSize = def.GroupSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.StaggerDelay <= 0 {
		c.StaggerDelay = def.StaggerDelay
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = def.InterBatchDelay
	}
	if c.GroupOverlap <= 0 {
		c.GroupOverlap = def.GroupOverlap
	}
	if c.StartDelay <= 0 {
		c.StartDelay = def.StartDelay
	}
	if c.VariationPercent <= 0 {
		c.VariationPercent = def.VariationPercent
	}
	if c.Waves <= 0 {
		c.Waves = def.Waves
	}
	return c
}

// PlanRequest is everything the planner needs for one operation.
type PlanRequest struct {
	Kind     Kind
	Treasury Treasury
	Entries  []alloc.Entry
	Stealth  StealthSettings

	// Features overrides the adaptive set attached to the plan. nil
	// attaches DefaultFeatures; an empty non-nil slice disables adaptive
	// control.
	Features []Feature
}

// Planner turns allocation entries into phased execution plans.
type Planner struct {
	cfg PlannerConfig
}

// NewPlanner builds a planner with the given pacing configuration.
func NewPlanner(cfg PlannerConfig) *Planner {
	return &Planner{cfg: cfg.withDefaults()}
}

// CreatePlan builds the phased schedule for one operation. Only entries
// that actually move funds are scheduled; a calculation where nothing
// needs to move is an error, not an empty plan.
func (p *Planner) CreatePlan(req PlanRequest) (*Plan, error) {
	st := req.Stealth
	if st.Pattern == "" {
		st.Pattern = stealth.PatternOrganic
	}
	if st.Intensity == "" {
		st.Intensity = stealth.IntensityMedium
	}

	active := make([]alloc.Entry, 0, len(req.Entries))
	for _, e := range req.Entries {
		if e.RequiresAction {
			active = append(active, e)
		}
	}
	if len(active) == 0 {
		return nil, ErrNoActionableWallets
	}

	total := alloc.Total(active)
	byRole := partitionEntries(active)

	plan := &Plan{
		ID:           "plan-" + uuid.New().String()[:8],
		Kind:         req.Kind,
		Treasury:     req.Treasury,
		TotalWallets: len(active),
		TotalAmount:  total,
		CreatedAt:    time.Now(),
	}

	var prevID string
	emit := func(name string, role wallet.Role, entries []alloc.Entry) {
		if len(entries) == 0 {
			return
		}
		phase := p.buildPhase(name, role, entries, total, st)
		if prevID != "" {
			phase.Dependencies = []string{prevID}
		}
		prevID = phase.ID
		plan.Phases = append(plan.Phases, phase)
	}

	emit("dev_initialization", wallet.RoleDev, byRole[wallet.RoleDev])
	emit("mev_coordination", wallet.RoleMEV, byRole[wallet.RoleMEV])
	for i, wave := range splitWaves(byRole[wallet.RoleNumbered], p.cfg.Waves) {
		emit(fmt.Sprintf("numbered_wave_%d", i+1), wallet.RoleNumbered, wave)
	}
	emit("funder_cleanup", wallet.RoleFunder, byRole[wallet.RoleFunder])

	for i := range plan.Phases {
		plan.EstimatedDuration += p.estimatePhase(&plan.Phases[i])
	}
	plan.RiskScore = riskScore(plan, st)
	plan.RiskLevel = riskLevel(plan.RiskScore)
	plan.StealthScore = stealth.Score(stealth.ScoreInput{
		Enabled:          st.Pattern != stealth.PatternSequential || p.cfg.Randomization,
		Pattern:          st.Pattern,
		TimingRandomized: p.cfg.Randomization,
		VariationPercent: p.cfg.VariationPercent,
		MEVProtection:    st.MEVProtection,
		StaggerDelay:     p.cfg.StaggerDelay,
	})
	plan.AdaptiveFeatures = req.Features
	if plan.AdaptiveFeatures == nil {
		plan.AdaptiveFeatures = DefaultFeatures(st)
	}

	log.Info().
		Str("plan_id", plan.ID).
		Str("kind", string(plan.Kind)).
		Int("phases", len(plan.Phases)).
		Int("wallets", plan.TotalWallets).
		Str("total", plan.TotalAmount.String()).
		Str("risk", string(plan.RiskLevel)).
		Float64("stealth_score", plan.StealthScore).
		Dur("estimated", plan.EstimatedDuration).
		Msg("plan created")

	return plan, nil
}

// buildPhase chunks one role's entries into paced groups.
func (p *Planner) buildPhase(name string, role wallet.Role, entries []alloc.Entry, planTotal decimal.Decimal, st StealthSettings) Phase {
	pace := rolePace(role) * sizePace(len(entries)) * st.Intensity.Multiplier()

	phase := Phase{
		ID:   "ph-" + uuid.New().String()[:8],
		Name: name,
		Role: role,
		Timing: PhaseTiming{
			StartDelay:       scaleDur(p.cfg.StartDelay, pace),
			Overlap:          p.cfg.GroupOverlap,
			VariationPercent: p.cfg.VariationPercent,
		},
		SafetyChecks: []string{CheckSessionUnlocked, CheckAmountsPositive, CheckGasSane},
	}

	for start := 0; start < len(entries); start += p.cfg.GroupSize {
		end := start + p.cfg.GroupSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		group := Group{
			ID:      "grp-" + uuid.New().String()[:8],
			Role:    role,
			Entries: chunk,
			Timing: GroupTiming{
				StaggerDelay:    scaleDur(p.cfg.StaggerDelay, pace),
				Randomization:   p.cfg.Randomization,
				BatchSize:       min(p.cfg.BatchSize, len(chunk)),
				InterBatchDelay: scaleDur(p.cfg.InterBatchDelay, pace),
			},
			Stealth: st,
		}
		if planTotal.IsPositive() {
			pct, _ := group.Amount().Div(planTotal).Mul(decimal.NewFromInt(100)).Float64()
			group.AllocationPercent = pct
		}
		phase.Groups = append(phase.Groups, group)
	}
	return phase
}

// estimatePhase approximates wall time for one phase assuming nominal
// delays and no adaptive interference. Batch members run concurrently, so
// a batch costs roughly one stagger; batches run back to back with the
// inter-batch rest between them.
func (p *Planner) estimatePhase(ph *Phase) time.Duration {
	var longest time.Duration
	for i := range ph.Groups {
		g := &ph.Groups[i]
		batches := (len(g.Entries) + g.Timing.BatchSize - 1) / g.Timing.BatchSize
		d := time.Duration(batches)*g.Timing.StaggerDelay +
			time.Duration(batches-1)*g.Timing.InterBatchDelay
		if d > longest {
			longest = d
		}
	}
	spread := time.Duration(len(ph.Groups)-1) * ph.Timing.Overlap
	return ph.Timing.StartDelay + spread + longest
}

// ---------------------------------------------------------------------------
// Risk scoring — additive rules, bucketed into three levels
// ---------------------------------------------------------------------------

func riskScore(plan *Plan, st StealthSettings) int {
	score := 0
	if plan.TotalWallets > 50 {
		score += 2
	}
	if plan.TotalAmount.GreaterThan(decimal.NewFromInt(10)) {
		score += 2
	}
	if len(plan.Phases) > 4 {
		score++
	}
	if plan.EstimatedDuration > 10*time.Minute {
		score++
	}
	if !st.MEVProtection {
		score += 2
	}
	return score
}

func riskLevel(score int) RiskLevel {
	switch {
	case score <= 2:
		return RiskLow
	case score <= 5:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// ---------------------------------------------------------------------------
// Structural validation
// ---------------------------------------------------------------------------

// ValidatePlan checks a plan's structure: phase identity, dependency
// resolution, acyclicity, group shape. Every problem found is reported in
// one error, not just the first. Plans built by CreatePlan always pass;
// this guards externally supplied or hand-edited plans.
func (p *Planner) ValidatePlan(plan *Plan) error {
	if plan == nil {
		return errors.New("coord: nil plan")
	}

	var problems []string
	if plan.Kind != KindDistribution && plan.Kind != KindWithdrawal {
		problems = append(problems, fmt.Sprintf("unknown kind %q", plan.Kind))
	}
	if !wallet.ValidAddress(plan.Treasury.Address) {
		problems = append(problems, fmt.Sprintf("invalid treasury address %q", plan.Treasury.Address))
	}
	if len(plan.Phases) == 0 {
		problems = append(problems, "plan has no phases")
	}

	ids := make(map[string]bool, len(plan.Phases))
	for i := range plan.Phases {
		ph := &plan.Phases[i]
		if ph.ID == "" {
			problems = append(problems, fmt.Sprintf("phase %d has no id", i))
			continue
		}
		if ids[ph.ID] {
			problems = append(problems, fmt.Sprintf("duplicate phase id %s", ph.ID))
		}
		ids[ph.ID] = true
	}

	deps := make(map[string][]string, len(plan.Phases))
	for i := range plan.Phases {
		ph := &plan.Phases[i]
		deps[ph.ID] = ph.Dependencies
		for _, dep := range ph.Dependencies {
			if dep == ph.ID {
				problems = append(problems, fmt.Sprintf("phase %s depends on itself", ph.ID))
			} else if !ids[dep] {
				problems = append(problems, fmt.Sprintf("phase %s depends on unknown phase %s", ph.ID, dep))
			}
		}
		if len(ph.Groups) == 0 {
			problems = append(problems, fmt.Sprintf("phase %s has no groups", ph.ID))
		}
		for j := range ph.Groups {
			g := &ph.Groups[j]
			if len(g.Entries) == 0 {
				problems = append(problems, fmt.Sprintf("phase %s group %s has no wallets", ph.ID, g.ID))
			}
			if g.Timing.BatchSize <= 0 {
				problems = append(problems, fmt.Sprintf("phase %s group %s batch size must be positive", ph.ID, g.ID))
			}
			if _, err := stealth.ParsePattern(string(g.Stealth.Pattern)); err != nil {
				problems = append(problems, fmt.Sprintf("phase %s group %s: %v", ph.ID, g.ID, err))
			}
		}
	}

	if cycle := findCycle(deps); len(cycle) > 0 {
		problems = append(problems, fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	if len(problems) > 0 {
		return fmt.Errorf("coord: invalid plan: %s", strings.Join(problems, "; "))
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns
// the first cycle found, or nil.
func findCycle(deps map[string][]string) []string {
	const (
		unseen = iota
		inStack
		done
	)
	color := make(map[string]int, len(deps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = inStack
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case inStack:
				// unwind the stack back to the repeated node
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			case unseen:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
		return false
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == unseen && visit(id) {
			return cycle
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// partitionEntries splits entries per role, each slice sorted by balance
// descending (balance-priority order) with wallet id as tiebreak.
func partitionEntries(entries []alloc.Entry) map[wallet.Role][]alloc.Entry {
	parts := make(map[wallet.Role][]alloc.Entry)
	for _, e := range entries {
		parts[e.Role] = append(parts[e.Role], e)
	}
	for _, part := range parts {
		sort.SliceStable(part, func(i, j int) bool {
			if !part[i].CurrentBalance.Equal(part[j].CurrentBalance) {
				return part[i].CurrentBalance.GreaterThan(part[j].CurrentBalance)
			}
			return part[i].WalletID < part[j].WalletID
		})
	}
	return parts
}

// splitWaves cuts entries into up to n contiguous near-equal waves.
func splitWaves(entries []alloc.Entry, n int) [][]alloc.Entry {
	if len(entries) == 0 {
		return nil
	}
	if n > len(entries) {
		n = len(entries)
	}
	waves := make([][]alloc.Entry, 0, n)
	base := len(entries) / n
	extra := len(entries) % n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		waves = append(waves, entries[start:start+size])
		start += size
	}
	return waves
}

// rolePace scales pacing per role: MEV wallets move the most carefully,
// funder cleanup the fastest.
func rolePace(role wallet.Role) float64 {
	switch role {
	case wallet.RoleMEV:
		return 1.5
	case wallet.RoleFunder:
		return 0.75
	}
	return 1.0
}

// sizePace stretches pacing for larger phases; a thirty-wallet wave needs
// more spread than a three-wallet dev phase.
func sizePace(wallets int) float64 {
	switch {
	case wallets >= 30:
		return 1.5
	case wallets >= 10:
		return 1.25
	}
	return 1.0
}

func scaleDur(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}
