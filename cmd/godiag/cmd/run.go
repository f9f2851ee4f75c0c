package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/roffe/godiag/pkg/bar"
	"github.com/roffe/godiag/pkg/procedure"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run <procedure>",
	Short: "run a service procedure from a json or yaml file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := procedure.Load(args[0])
		if err != nil {
			return err
		}
		continuous, _ := cmd.Flags().GetDuration("continuous")

		ctx := cmd.Context()
		l, err := connect(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		exec := procedure.New(l.uds,
			procedure.WithStepTimeout(cfg.StepTimeout),
			procedure.WithDisplayDelay(cfg.DisplayDelay),
			procedure.WithChannelLock(l.lock),
			procedure.WithClassifier(l.classifier, cfg.RetryDelay),
			procedure.WithCompatibility(procedure.ManufacturerCompatibility(string(l.mfr.Profile().Manufacturer))),
			procedure.WithLogger(log),
		)
		defer exec.Close()

		sink, disconnect := openTelemetry()
		defer disconnect()
		fwdCtx, stopForward := context.WithCancel(ctx)
		defer stopForward()
		if sink != nil {
			go sink.Forward(fwdCtx, exec.Subscribe(16), l.classifier.Subscribe(16))
		}

		fmt.Printf("%s (%d steps, minimum %.0f%%)\n", def.Name, len(def.Steps), def.MinimumSuccessRate)
		pb := bar.Steps(len(def.Steps), def.ID)
		states := exec.Subscribe(len(def.Steps) + 4)
		go func() {
			for s := range states.C() {
				if s.Kind == procedure.Executing {
					_ = pb.Set(s.Step + 1)
				}
			}
		}()

		var res *procedure.Result
		if continuous > 0 {
			res, err = exec.RunContinuous(ctx, def, continuous)
		} else {
			res, err = exec.Run(ctx, def)
		}
		states.Close()
		_ = pb.Finish()
		fmt.Println()
		if res == nil {
			return err
		}

		printResult(def, res)
		if j := openJournal(); j != nil {
			if err := j.SaveProcedure(res); err != nil {
				log.Warn("save result", zap.Error(err))
			}
			j.Close()
		}
		// let the telemetry sink drain the terminal states
		if sink != nil {
			time.Sleep(100 * time.Millisecond)
		}
		return err
	},
}

func printResult(def *procedure.Definition, res *procedure.Result) {
	descr := make(map[string]string, len(def.Steps))
	for _, s := range def.Steps {
		descr[s.ID] = s.Description
	}
	for _, s := range res.Steps {
		line := fmt.Sprintf("%-12s %-40s %6s", s.StepID, descr[s.StepID], s.Duration.Round(time.Millisecond))
		if s.Success {
			color.Green("%s  OK", line)
		} else {
			color.Red("%s  %v", line, s.Error)
		}
	}
	if res.Cycles > 0 {
		fmt.Println("cycles:", res.Cycles)
	}
	if res.Reason != "" {
		fmt.Println("reason:", res.Reason)
	}
	verdict := color.New(color.FgGreen, color.Bold)
	if res.Verdict != procedure.Pass {
		verdict = color.New(color.FgRed, color.Bold)
	}
	verdict.Printf("%s %.1f%%\n", res.Verdict, res.SuccessRate)
}

func init() {
	runCmd.Flags().Duration("continuous", 0, "repeat the steps for this long")
	rootCmd.AddCommand(runCmd)
}
