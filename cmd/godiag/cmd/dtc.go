package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var dtcCmd = &cobra.Command{
	Use:   "dtc",
	Short: "show stored trouble codes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, err := connect(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		codes, err := l.obd.ReadDTCs(ctx)
		if err != nil {
			l.explain(err, "03")
			return err
		}
		if len(codes) == 0 {
			color.Green("no trouble codes stored")
		}
		for _, c := range codes {
			color.Yellow("%s", c)
		}

		doClear, _ := cmd.Flags().GetBool("clear")
		if !doClear || len(codes) == 0 {
			return nil
		}
		fmt.Println("Clear all trouble codes?")
		if !yesNo() {
			return nil
		}
		if err := l.obd.ClearDTCs(ctx); err != nil {
			l.explain(err, "04")
			return err
		}
		color.Green("trouble codes cleared")
		return nil
	},
}

func init() {
	dtcCmd.Flags().Bool("clear", false, "clear codes after reading them")
	rootCmd.AddCommand(dtcCmd)
}
