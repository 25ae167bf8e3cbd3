package canary

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/validate"
)

// Default ramp used when a request leaves the policy empty.
const (
	DefaultStepPercent  = 10.0
	DefaultMaxPercent   = 50.0
	DefaultStepInterval = 30 * time.Second
)

// Starting signals for a fresh canary, matching a healthy stable release.
var baselineMetrics = domain.CanaryMetrics{
	ErrorRatePercent: 0.5,
	ResponseTimeMs:   180,
	ThroughputPerMin: 1200,
	UserSatisfaction: 4.5,
}

// Request describes a canary rollout to create.
type Request struct {
	Name           string            `validate:"required"`
	CurrentVersion string            `validate:"required"`
	TargetVersion  string            `validate:"required,nefield=CurrentVersion"`
	Ramp           domain.RampPolicy `validate:"-"`
	Baseline       *domain.CanaryMetrics
}

// Options configures a Controller.
type Options struct {
	DefaultRamp domain.RampPolicy
	Rand        *rand.Rand
	Now         func() time.Time
	NewID       func() string
}

// Controller drives canary traffic ramps and metric drift and exposes the
// promote/rollback decision surface. It never changes status on health alone.
type Controller struct {
	ramp  domain.RampPolicy
	now   func() time.Time
	newID func() string

	mu  sync.Mutex
	rnd *rand.Rand
}

// New constructs a Controller.
func New(opts Options) *Controller {
	c := &Controller{ramp: normalizeRamp(opts.DefaultRamp, domain.RampPolicy{}), now: opts.Now, newID: opts.NewID, rnd: opts.Rand}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.rnd == nil {
		c.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return c
}

// Create builds a canary in the preparing state with no traffic shifted yet.
func (c *Controller) Create(req Request) (domain.CanaryDeployment, error) {
	if err := validate.Struct(req); err != nil {
		return domain.CanaryDeployment{}, err
	}
	ramp := normalizeRamp(req.Ramp, c.ramp)
	if err := validate.Struct(ramp); err != nil {
		return domain.CanaryDeployment{}, err
	}
	metrics := baselineMetrics
	if req.Baseline != nil {
		if err := validate.Struct(*req.Baseline); err != nil {
			return domain.CanaryDeployment{}, err
		}
		metrics = *req.Baseline
	}
	now := c.now()
	canary := domain.CanaryDeployment{
		ID:                     c.newID(),
		Name:                   strings.TrimSpace(req.Name),
		TargetVersion:          req.TargetVersion,
		CurrentVersion:         req.CurrentVersion,
		Status:                 domain.CanaryPreparing,
		Metrics:                metrics,
		Ramp:                   ramp,
		BaselineResponseTimeMs: metrics.ResponseTimeMs,
		Revision:               1,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	canary.HealthChecks = EvaluateHealth(canary)
	return canary, nil
}

// Tick advances the traffic ramp and perturbs metrics. Terminal canaries are returned
// unchanged.
func (c *Controller) Tick(canary domain.CanaryDeployment, elapsed time.Duration) (domain.CanaryDeployment, error) {
	if canary.Status.Terminal() {
		return canary, nil
	}
	if elapsed < 0 {
		return canary, validate.Errorf("elapsed must not be negative")
	}
	out := canary.Clone()
	if out.Status == domain.CanaryPreparing {
		out.Status = domain.CanaryRunning
		out.TrafficSplitPercent = clamp(math.Min(out.Ramp.StepPercent, out.Ramp.MaxPercent), 0, 100)
		out.SinceStepMs = 0
	} else {
		out.SinceStepMs += elapsed.Milliseconds()
		steps := 1
		if interval := out.Ramp.StepInterval.Milliseconds(); interval > 0 {
			steps = int(out.SinceStepMs / interval)
			out.SinceStepMs %= interval
		}
		if steps > 0 && out.TrafficSplitPercent < out.Ramp.MaxPercent {
			next := out.TrafficSplitPercent + float64(steps)*out.Ramp.StepPercent
			out.TrafficSplitPercent = clamp(math.Min(next, out.Ramp.MaxPercent), 0, 100)
		}
	}
	out.Metrics = c.drift(out.Metrics)
	out.HealthChecks = EvaluateHealth(out)
	out.UpdatedAt = c.now()
	out.Revision++
	return out, nil
}

// Observe replaces simulated metrics with externally measured values.
func (c *Controller) Observe(canary domain.CanaryDeployment, metrics domain.CanaryMetrics) (domain.CanaryDeployment, error) {
	if canary.Status.Terminal() {
		return canary, fmt.Errorf("%w: canary %s already %s", domain.ErrInvalidTransition, canary.ID, canary.Status)
	}
	if err := validate.Struct(metrics); err != nil {
		return canary, err
	}
	out := canary.Clone()
	out.Metrics = metrics
	out.HealthChecks = EvaluateHealth(out)
	out.UpdatedAt = c.now()
	out.Revision++
	return out, nil
}

// Promote shifts all traffic to the target version.
func (c *Controller) Promote(canary domain.CanaryDeployment) (domain.CanaryDeployment, error) {
	if canary.Status != domain.CanaryRunning {
		return canary, fmt.Errorf("%w: cannot promote canary in status %s", domain.ErrInvalidTransition, canary.Status)
	}
	out := canary.Clone()
	out.TrafficSplitPercent = 100
	out.Status = domain.CanarySuccess
	out.CurrentVersion = out.TargetVersion
	out.UpdatedAt = c.now()
	out.Revision++
	return out, nil
}

// Rollback returns all traffic to the stable version. It is always permitted from
// running, regardless of health.
func (c *Controller) Rollback(canary domain.CanaryDeployment) (domain.CanaryDeployment, error) {
	if canary.Status != domain.CanaryRunning {
		return canary, fmt.Errorf("%w: cannot roll back canary in status %s", domain.ErrInvalidTransition, canary.Status)
	}
	out := canary.Clone()
	out.TrafficSplitPercent = 0
	out.Status = domain.CanaryRollback
	out.UpdatedAt = c.now()
	out.Revision++
	return out, nil
}

// drift perturbs metrics within realistic bounds. Error rate decays toward zero to model
// a stabilizing release; everything is clamped before assignment.
func (c *Controller) drift(m domain.CanaryMetrics) domain.CanaryMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	noise := func(amplitude float64) float64 {
		return (c.rnd.Float64()*2 - 1) * amplitude
	}
	return domain.CanaryMetrics{
		ErrorRatePercent: round(clamp(m.ErrorRatePercent*0.9+noise(0.05), 0, 100), 3),
		ResponseTimeMs:   round(clamp(m.ResponseTimeMs+noise(10), 0, 60000), 1),
		ThroughputPerMin: round(clamp(m.ThroughputPerMin+noise(50), 0, math.MaxFloat32), 0),
		UserSatisfaction: round(clamp(m.UserSatisfaction+noise(0.05), 0, 5), 2),
	}
}

func normalizeRamp(ramp, fallback domain.RampPolicy) domain.RampPolicy {
	if ramp.StepPercent <= 0 {
		ramp.StepPercent = fallback.StepPercent
	}
	if ramp.StepPercent <= 0 {
		ramp.StepPercent = DefaultStepPercent
	}
	if ramp.MaxPercent <= 0 {
		ramp.MaxPercent = fallback.MaxPercent
	}
	if ramp.MaxPercent <= 0 {
		ramp.MaxPercent = DefaultMaxPercent
	}
	if ramp.StepInterval <= 0 {
		ramp.StepInterval = fallback.StepInterval
	}
	if ramp.StepInterval <= 0 {
		ramp.StepInterval = DefaultStepInterval
	}
	return ramp
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
