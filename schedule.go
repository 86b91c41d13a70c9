package txlgo

import (
	"math"

	"github.com/pkg/errors"
)

// invSqrtScale is the token count at which an inv_sqrt schedule without
// warmup starts decaying.
const invSqrtScale = 1 << 20

// ScheduleConfig selects the learning-rate curve. Every position on the curve
// is measured in cumulative training tokens.
type ScheduleConfig struct {
	// Name is one of cosine, inv_sqrt, dev_perf, constant, finder.
	Name         string  `yaml:"scheduler"`
	BaseLR       float64 `yaml:"-"`
	WarmupTokens int64   `yaml:"warmup_tokens"`
	MaxTokens    int64   `yaml:"-"`
	EtaMin       float64 `yaml:"eta_min"`
	DecayRate    float64 `yaml:"decay_rate"`
	LRMin        float64 `yaml:"lr_min"`
	Patience     int     `yaml:"patience"`
}

// LearningRateSetter is whatever carries the learning rate the scheduler
// drives, usually a Stepper.
type LearningRateSetter interface {
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Scheduler sets the learning rate of its target from the global token
// count. Apart from the plateau state of dev_perf the rate is a pure
// function of tokens.
type Scheduler struct {
	cfg    ScheduleConfig
	target LearningRateSetter

	// dev_perf
	plateauLR float64
	best      float64
	hasBest   bool
	bad       int
}

func NewScheduler(cfg ScheduleConfig, target LearningRateSetter) (*Scheduler, error) {
	switch cfg.Name {
	case "cosine", "inv_sqrt", "dev_perf", "constant", "finder":
	default:
		return nil, errors.Errorf("unknown scheduler %q", cfg.Name)
	}
	if cfg.BaseLR <= 0 {
		return nil, errors.Errorf("base learning rate must be positive, got %g", cfg.BaseLR)
	}
	if cfg.WarmupTokens < 0 {
		return nil, errors.Errorf("warmup_tokens must not be negative, got %d", cfg.WarmupTokens)
	}
	if (cfg.Name == "cosine" || cfg.Name == "finder") && cfg.MaxTokens <= cfg.WarmupTokens {
		return nil, errors.Errorf("%s schedule needs max_tokens (%d) beyond warmup_tokens (%d)", cfg.Name, cfg.MaxTokens, cfg.WarmupTokens)
	}
	return &Scheduler{cfg: cfg, target: target, plateauLR: cfg.BaseLR}, nil
}

// Name returns the schedule shape.
func (s *Scheduler) Name() string { return s.cfg.Name }

// NeedsValLoss reports whether Observe has any effect.
func (s *Scheduler) NeedsValLoss() bool { return s.cfg.Name == "dev_perf" }

// LR returns the learning rate at tokens.
func (s *Scheduler) LR(tokens int64) float64 {
	base, warmup := s.cfg.BaseLR, s.cfg.WarmupTokens
	t := float64(tokens)
	switch s.cfg.Name {
	case "inv_sqrt":
		if warmup > 0 {
			if tokens < warmup {
				return base * t / float64(warmup)
			}
			return base * math.Sqrt(float64(warmup)/t)
		}
		if t <= invSqrtScale {
			return base
		}
		return base * math.Sqrt(invSqrtScale/t)
	case "finder":
		progress := math.Min(t/float64(s.cfg.MaxTokens), 1)
		return base / 1e3 * math.Pow(1e4, progress)
	}

	if tokens < warmup {
		return base * t / float64(warmup)
	}
	switch s.cfg.Name {
	case "cosine":
		progress := (t - float64(warmup)) / float64(s.cfg.MaxTokens-warmup)
		progress = math.Min(math.Max(progress, 0), 1)
		return s.cfg.EtaMin + (base-s.cfg.EtaMin)*(1+math.Cos(math.Pi*progress))/2
	case "dev_perf":
		return s.plateauLR
	default:
		return base
	}
}

// Step sets the target's learning rate for tokens and returns it.
func (s *Scheduler) Step(tokens int64) float64 {
	lr := s.LR(tokens)
	s.target.SetLearningRate(lr)
	return lr
}

// Observe feeds a validation loss to the plateau schedule. After more than
// Patience evaluations without improvement the rate is multiplied by
// DecayRate, never going below LRMin.
func (s *Scheduler) Observe(valLoss float64) {
	if !s.NeedsValLoss() {
		return
	}
	if !s.hasBest || valLoss < s.best {
		s.best, s.hasBest, s.bad = valLoss, true, 0
		return
	}
	s.bad++
	if s.bad > s.cfg.Patience {
		s.plateauLR = math.Max(s.plateauLR*s.cfg.DecayRate, s.cfg.LRMin)
		s.bad = 0
	}
}

// Restore resumes a plateau schedule from the rate saved with the optimizer.
func (s *Scheduler) Restore(lr float64) {
	if s.NeedsValLoss() && lr > 0 {
		s.plateauLR = lr
	}
}
