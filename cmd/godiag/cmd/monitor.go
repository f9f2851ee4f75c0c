package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/roffe/godiag/pkg/monitor"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [pid...]",
	Short: "poll live data until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		pids, err := parsePIDs(args)
		if err != nil {
			return err
		}
		interval, _ := cmd.Flags().GetDuration("interval")

		ctx := cmd.Context()
		l, err := connect(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		poller := monitor.New(l.obd, pids,
			monitor.WithInterval(interval),
			monitor.WithTTL(4*interval),
			monitor.WithChannelLock(l.lock),
			monitor.WithClassifier(l.classifier),
			monitor.WithLogger(log),
		)
		sub := poller.Subscribe(len(pids) * 2)
		defer sub.Close()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return poller.Run(gctx)
		})
		g.Go(func() error {
			for r := range sub.C() {
				ts := r.Time.Format("15:04:05.000")
				if r.Err != nil {
					color.Red("%s %02X: %v", ts, r.PID, r.Err)
					continue
				}
				fmt.Printf("%s %s\n", ts, r.Value.String())
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	monitorCmd.Flags().Duration("interval", 500*time.Millisecond, "poll interval")
	rootCmd.AddCommand(monitorCmd)
}
