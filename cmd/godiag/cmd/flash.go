package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/roffe/godiag/pkg/bar"
	"github.com/roffe/godiag/pkg/obd"
	"github.com/roffe/godiag/pkg/programming"
	"github.com/roffe/godiag/pkg/uds"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "program flash or EEPROM from a binary image",
	Long: `Writes the image block by block inside a programming session.
Battery voltage and engine state are checked first, the ECU is always
returned to the default session afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		typeName, _ := flags.GetString("type")
		typ, ok := programming.ParseType(typeName)
		if !ok || (typ != programming.Flash && typ != programming.EEPROM) {
			return fmt.Errorf("unsupported memory type %q, use flash or eeprom", typeName)
		}
		startStr, _ := flags.GetString("start")
		start, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(startStr), "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("invalid start address %q", startStr)
		}
		engineRunning, _ := flags.GetBool("allow-engine-running")
		reset, _ := flags.GetBool("reset")
		yes, _ := flags.GetBool("yes")

		filename := args[0]
		data, err := os.ReadFile(filename)
		if err != nil {
			return err
		}
		fmt.Printf("loaded %d bytes from %s\n", len(data), filepath.Base(filename))

		ctx := cmd.Context()
		l, err := connect(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		vin, err := l.obd.ReadVIN(ctx)
		if err != nil {
			vin = "unknown"
		}
		fmt.Printf("%s %s at 0x%08X on %s\n", typ, filepath.Base(filename), start, vin)
		if !yes {
			fmt.Println("Are you sure?")
			if !yesNo() {
				return nil
			}
		}

		sink, disconnect := openTelemetry()
		defer disconnect()
		pb := bar.Bytes(len(data), typ.String())

		opts := []programming.Option{
			programming.WithSafetyProbe(obd.NewSafetyProbe(l.obd)),
			programming.WithChannelLock(l.lock),
			programming.WithLogger(log),
			programming.WithProgressCallback(func(p programming.Progress) {
				_ = pb.Set(p.BytesWritten)
				if sink != nil {
					sink.Progress(p)
				}
			}),
		}
		if reset {
			opts = append(opts, programming.WithResetAfter(uds.HardReset))
		}
		capability := programming.Capability{
			Flash:         true,
			EEPROM:        true,
			FlashAddress:  uint32(start),
			EEPROMAddress: uint32(start),
		}
		sess := programming.New(l.uds, capability, opts...)
		res, err := sess.Run(ctx, programming.Request{
			Type:               typ,
			Data:               data,
			Format:             strings.TrimPrefix(filepath.Ext(filename), "."),
			AllowEngineRunning: engineRunning,
		})
		_ = pb.Finish()
		fmt.Println()

		if res != nil {
			if j := openJournal(); j != nil {
				if err := j.SaveProgramming(vin, res); err != nil {
					log.Warn("save result", zap.Error(err))
				}
				j.Close()
			}
			fmt.Printf("blocks %d/%d, %d bytes, verified %v, took %s\n",
				res.BlocksDone, res.TotalBlocks, res.BytesWritten, res.Verified, res.Duration)
		}
		if err != nil {
			if programming.IsSafetyError(err) {
				color.Yellow("%v", err)
				return err
			}
			l.explain(err, typ.String())
			return err
		}
		color.Green("programming complete")
		return nil
	},
}

func init() {
	f := flashCmd.Flags()
	f.StringP("type", "t", "flash", "memory type, flash or eeprom")
	f.String("start", "0x00000000", "start address in hex")
	f.Bool("allow-engine-running", false, "skip the engine off check")
	f.Bool("reset", false, "reset the ECU after programming")
	f.BoolP("yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(flashCmd)
}
