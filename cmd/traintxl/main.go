package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/joshcarp/txlgo"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfg        = txlgo.DefaultConfig()
	configFile string
	local      bool
)

var rootCmd = &cobra.Command{
	Use:   "traintxl",
	Short: "Train a segment-level recurrent language model on one or more ranks",
	Long: `
		traintxl trains a language model with memory carried between segments. Token files
		train.bin, valid.bin and test.bin (little-endian int32) are read from --data. Ranks either
		run as goroutines of one process (--local) or as separate processes that meet at the
		coordinator served by rank 0.
	`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd.Flags()); err != nil {
			return err
		}
		if err := setupLogging(cmd.Flags()); err != nil {
			return err
		}
		defer glog.Flush()

		ctx := context.Background()
		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
		glog.Infof("run %s-%s", cfg.RunName, txlgo.CurrentTimestamp(time.Now()))
		if local {
			return runLocal(ctx, sigCtx.Done())
		}
		return runRank(ctx, sigCtx.Done())
	},
}

// loadConfig overlays the YAML file on the defaults and then re-applies the
// flags given on the command line, so flags win.
func loadConfig(flags *pflag.FlagSet) error {
	if configFile == "" {
		return nil
	}
	changed := map[string]string{}
	flags.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
	if err := txlgo.LoadConfigFile(configFile, &cfg); err != nil {
		return err
	}
	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return errors.Wrapf(err, "re-applying --%s", name)
		}
	}
	return nil
}

func setupLogging(flags *pflag.FlagSet) error {
	if err := os.MkdirAll(cfg.LogDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "creating log directory")
	}
	if !flags.Changed("log_dir") {
		flag.Set("log_dir", cfg.LogDir)
	}
	if !flags.Changed("alsologtostderr") && !flags.Changed("logtostderr") {
		flag.Set("alsologtostderr", "true")
	}
	return flag.CommandLine.Parse(nil)
}

func runRank(ctx context.Context, interrupt <-chan struct{}) error {
	var comm txlgo.Communicator = txlgo.Solo()
	if cfg.WorldSize > 1 {
		if cfg.Rank == 0 {
			lis, err := net.Listen("tcp", cfg.Coordinator)
			if err != nil {
				return errors.Wrap(err, "listening for ranks")
			}
			coord := txlgo.ServeCoordinator(lis, cfg.WorldSize)
			defer coord.Stop()
		}
		c, err := txlgo.DialCoordinator(cfg.Coordinator, cfg.Rank, cfg.WorldSize)
		if err != nil {
			return err
		}
		defer c.Close()
		comm = c
	}
	return train(ctx, cfg, comm, interrupt)
}

// runLocal drives every rank from its own goroutine. A failing rank
// cancels the others, which would otherwise wait in their next collective.
func runLocal(ctx context.Context, interrupt <-chan struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	comms := txlgo.NewLocalGroup(cfg.WorldSize)
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for rank, comm := range comms {
		wg.Add(1)
		go func(rank int, comm txlgo.Communicator) {
			defer wg.Done()
			rankCfg := cfg
			rankCfg.Rank = rank
			if errs[rank] = train(ctx, rankCfg, comm, interrupt); errs[rank] != nil {
				cancel()
			}
		}(rank, comm)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "rank %d", rank)
		}
	}
	return nil
}

func train(ctx context.Context, c txlgo.Config, comm txlgo.Communicator, interrupt <-chan struct{}) error {
	run, err := txlgo.NewRun(ctx, c, comm, txlgo.CommandShutdowner{}, interrupt)
	if err != nil {
		return err
	}
	defer run.Close()
	return run.Run(ctx)
}

func init() {
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML file with run settings; flags override it")
	f.BoolVar(&local, "local", false, "run all world_size ranks as goroutines of this process")

	f.StringVar(&cfg.LogDir, "logdir", cfg.LogDir, "where logs, metrics and checkpoints go")
	f.StringVar(&cfg.RunName, "run_name", cfg.RunName, "name of run")
	f.StringVar(&cfg.Data, "data", cfg.Data, "directory holding train.bin, valid.bin and test.bin")
	f.StringVar(&cfg.Dataset, "dataset", cfg.Dataset, "dataset name (wt103, lm1b, enwik8, text8, wt2)")

	f.IntVar(&cfg.Model.V, "vocab_size", cfg.Model.V, "vocabulary size, 0 infers it from the data")
	f.IntVar(&cfg.Model.C, "d_model", cfg.Model.C, "model dimension")
	f.StringVar(&cfg.Init.Init, "init", cfg.Init.Init, "parameter initializer (normal, uniform)")
	f.StringVar(&cfg.Init.EmbInit, "emb_init", cfg.Init.EmbInit, "embedding initializer (normal, uniform)")
	f.Float64Var(&cfg.Init.InitRange, "init_range", cfg.Init.InitRange, "uniform initializer range")
	f.Float64Var(&cfg.Init.EmbInitRange, "emb_init_range", cfg.Init.EmbInitRange, "uniform embedding initializer range")
	f.Float64Var(&cfg.Init.InitStd, "init_std", cfg.Init.InitStd, "normal initializer std")

	f.StringVar(&cfg.Optim.Name, "optim", cfg.Optim.Name, "optimizer (adam, sgd, adagrad, lamb)")
	f.Float64Var(&cfg.Optim.LR, "lr", cfg.Optim.LR, "initial learning rate")
	f.Float64Var(&cfg.Optim.Momentum, "mom", cfg.Optim.Momentum, "sgd momentum")
	f.Float64Var(&cfg.Optim.WeightDecay, "wd", cfg.Optim.WeightDecay, "weight decay")
	f.StringVar(&cfg.Schedule.Name, "scheduler", cfg.Schedule.Name, "lr schedule (cosine, inv_sqrt, dev_perf, constant, finder)")
	f.Int64Var(&cfg.Schedule.WarmupTokens, "warmup_tokens", cfg.Schedule.WarmupTokens, "linear warmup length in tokens")
	f.Float64Var(&cfg.Schedule.DecayRate, "decay_rate", cfg.Schedule.DecayRate, "dev_perf decay factor")
	f.Float64Var(&cfg.Schedule.LRMin, "lr_min", cfg.Schedule.LRMin, "dev_perf minimum learning rate")
	f.Float64Var(&cfg.Schedule.EtaMin, "eta_min", cfg.Schedule.EtaMin, "cosine minimum learning rate")
	f.IntVar(&cfg.Schedule.Patience, "patience", cfg.Schedule.Patience, "dev_perf evaluations without improvement before decay")

	f.Float64Var(&cfg.Clip, "clip", cfg.Clip, "gradient clipping norm")
	f.BoolVar(&cfg.ClipNonEmb, "clip_nonemb", cfg.ClipNonEmb, "clip only non-embedding gradients")
	f.Int64Var(&cfg.MaxTokens, "max_tokens", cfg.MaxTokens, "token budget, also the cosine horizon")
	f.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "batch width per rank")
	f.IntVar(&cfg.TgtLen, "tgt_len", cfg.TgtLen, "number of tokens to predict")
	f.IntVar(&cfg.EvalTgtLen, "eval_tgt_len", cfg.EvalTgtLen, "number of tokens to predict for evaluation")
	f.IntVar(&cfg.ExtLen, "ext_len", cfg.ExtLen, "length of the extended context")
	f.IntVar(&cfg.MemLen, "mem_len", cfg.MemLen, "length of the retained previous heads")
	f.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")

	f.IntVar(&cfg.LogInterval, "log_interval", cfg.LogInterval, "logging interval in steps")
	f.IntVar(&cfg.VerboseLogSteps, "verbose_log_steps", cfg.VerboseLogSteps, "log every step for this many initial steps")
	f.IntVar(&cfg.EvalInterval, "eval_interval", cfg.EvalInterval, "evaluation interval in steps")
	f.IntVar(&cfg.MaxEvalSteps, "max_eval_steps", cfg.MaxEvalSteps, "max evaluation batches, -1 for all")
	f.BoolVar(&cfg.CheckpointEachEpoch, "checkpoint_each_epoch", cfg.CheckpointEachEpoch, "write a checkpoint after every epoch")
	f.StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "checkpoint to initialize the model from")
	f.BoolVar(&cfg.ResumeSchedule, "resume_schedule", cfg.ResumeSchedule, "also resume optimizer, step and token count from --checkpoint")

	f.BoolVar(&cfg.FP16, "fp16", cfg.FP16, "keep parameters and gradients at half precision")
	f.Float64Var(&cfg.StaticLossScale, "static_loss_scale", cfg.StaticLossScale, "static loss scale for fp16")
	f.BoolVar(&cfg.DynamicLossScale, "dynamic_loss_scale", cfg.DynamicLossScale, "adjust the fp16 loss scale automatically")

	f.BoolVar(&cfg.SkipAutoShutdown, "skip_auto_shutdown", cfg.SkipAutoShutdown, "do not power off the host when done")
	f.IntVar(&cfg.AutoShutdownSuccessDelayMins, "auto_shutdown_success_delay_mins", cfg.AutoShutdownSuccessDelayMins, "shutdown delay after success")
	f.IntVar(&cfg.AutoShutdownFailureDelayMins, "auto_shutdown_failure_delay_mins", cfg.AutoShutdownFailureDelayMins, "shutdown delay after failure")

	f.IntVar(&cfg.Rank, "rank", cfg.Rank, "rank of this process")
	f.IntVar(&cfg.WorldSize, "world_size", cfg.WorldSize, "number of ranks")
	f.StringVar(&cfg.Coordinator, "coordinator", cfg.Coordinator, "address rank 0 serves collectives on")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
