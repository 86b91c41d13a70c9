package txlgo

import (
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a training run.
type Config struct {
	LogDir  string `yaml:"logdir"`
	RunName string `yaml:"run_name"`
	// Data holds train.bin, valid.bin and test.bin token files.
	Data    string `yaml:"data"`
	Dataset string `yaml:"dataset"`

	Model    MemLMConfig     `yaml:",inline"`
	Init     InitConfig      `yaml:",inline"`
	Optim    OptimizerConfig `yaml:",inline"`
	Schedule ScheduleConfig  `yaml:",inline"`

	Clip       float64 `yaml:"clip"`
	ClipNonEmb bool    `yaml:"clip_nonemb"`
	MaxTokens  int64   `yaml:"max_tokens"`
	BatchSize  int     `yaml:"batch_size"`
	TgtLen     int     `yaml:"tgt_len"`
	EvalTgtLen int     `yaml:"eval_tgt_len"`
	ExtLen     int     `yaml:"ext_len"`
	MemLen     int     `yaml:"mem_len"`
	Seed       int64   `yaml:"seed"`

	LogInterval     int `yaml:"log_interval"`
	VerboseLogSteps int `yaml:"verbose_log_steps"`
	EvalInterval    int `yaml:"eval_interval"`
	MaxEvalSteps    int `yaml:"max_eval_steps"`

	CheckpointEachEpoch bool   `yaml:"checkpoint_each_epoch"`
	Checkpoint          string `yaml:"checkpoint"`
	// ResumeSchedule restores the token count and step from Checkpoint
	// instead of starting the schedule over.
	ResumeSchedule bool `yaml:"resume_schedule"`

	FP16             bool    `yaml:"fp16"`
	StaticLossScale  float64 `yaml:"static_loss_scale"`
	DynamicLossScale bool    `yaml:"dynamic_loss_scale"`

	SkipAutoShutdown             bool `yaml:"skip_auto_shutdown"`
	AutoShutdownSuccessDelayMins int  `yaml:"auto_shutdown_success_delay_mins"`
	AutoShutdownFailureDelayMins int  `yaml:"auto_shutdown_failure_delay_mins"`

	Rank      int `yaml:"rank"`
	WorldSize int `yaml:"world_size"`
	// Coordinator is the address rank 0 serves collectives on.
	Coordinator string `yaml:"coordinator"`
}

func DefaultConfig() Config {
	return Config{
		LogDir:  "/tmp/default",
		RunName: "txl",
		Data:    "../data/wikitext-103",
		Dataset: "wt103",
		Model:   MemLMConfig{C: 500},
		Init: InitConfig{
			Init:         "normal",
			EmbInit:      "normal",
			InitRange:    0.1,
			EmbInitRange: 0.01,
			InitStd:      0.02,
		},
		Optim: OptimizerConfig{Name: "adam", LR: 0.00025},
		Schedule: ScheduleConfig{
			Name:      "cosine",
			DecayRate: 0.5,
		},
		Clip:                         0.25,
		MaxTokens:                    1.8e9,
		BatchSize:                    60,
		TgtLen:                       70,
		EvalTgtLen:                   50,
		Seed:                         1111,
		LogInterval:                  200,
		VerboseLogSteps:              60,
		EvalInterval:                 4000,
		MaxEvalSteps:                 -1,
		StaticLossScale:              1,
		AutoShutdownSuccessDelayMins: 10,
		AutoShutdownFailureDelayMins: 60,
		WorldSize:                    1,
		Coordinator:                  "127.0.0.1:29500",
	}
}

// LoadConfigFile overlays the YAML file at path on top of cfg.
func LoadConfigFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config")
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return nil
}

// Validate rejects configurations the loop cannot run.
func (c *Config) Validate() error {
	switch {
	case c.ExtLen < 0:
		return errors.New("extended context length must be non-negative")
	case c.MemLen < 0:
		return errors.New("mem_len must be non-negative")
	case c.TgtLen <= 0 || c.EvalTgtLen <= 0:
		return errors.Errorf("tgt_len (%d) and eval_tgt_len (%d) must be positive", c.TgtLen, c.EvalTgtLen)
	case c.EvalTgtLen > c.TgtLen+c.ExtLen && c.MemLen == 0:
		return errors.Errorf("eval_tgt_len %d leaves a negative extended context", c.EvalTgtLen)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.LogInterval <= 0 || c.EvalInterval <= 0:
		return errors.New("log_interval and eval_interval must be positive")
	case c.MaxTokens <= 0:
		return errors.New("max_tokens must be positive")
	case c.WorldSize <= 0 || c.Rank < 0 || c.Rank >= c.WorldSize:
		return errors.Errorf("rank %d does not fit world size %d", c.Rank, c.WorldSize)
	case c.FP16 && !c.DynamicLossScale && c.StaticLossScale <= 0:
		return errors.New("static_loss_scale must be positive")
	}
	return nil
}

// IsCharacterCorpus reports whether losses are reported in bits per character.
func (c *Config) IsCharacterCorpus() bool {
	return c.Dataset == "enwik8" || c.Dataset == "text8"
}

// Lengths is the training window.
func (c *Config) Lengths() Lengths {
	return Lengths{TgtLen: c.TgtLen, ExtLen: c.ExtLen, MemLen: c.MemLen}
}

// ScheduleConfig fills in the fields the schedule shares with the rest of
// the configuration.
func (c *Config) ScheduleConfig() ScheduleConfig {
	s := c.Schedule
	s.BaseLR = c.Optim.LR
	s.MaxTokens = c.MaxTokens
	return s
}

// EvalBatchSize is the evaluation batch width, twice the training width.
func (c *Config) EvalBatchSize() int { return 2 * c.BatchSize }

// SplitPath returns the token file of a corpus split.
func (c *Config) SplitPath(split string) string {
	return filepath.Join(c.Data, split+".bin")
}

var pacific = mustLoadLocation("America/Los_Angeles")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CurrentTimestamp formats now like 2019-04-15_11-29-51 in Pacific time.
func CurrentTimestamp(now time.Time) string {
	return now.In(pacific).Format("2006-01-02_15-04-05")
}
