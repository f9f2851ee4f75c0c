package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var vinCmd = &cobra.Command{
	Use:   "vin",
	Short: "read the vehicle identification number",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		l, err := connect(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		vin, err := l.obd.ReadVIN(ctx)
		if err != nil {
			l.explain(err, "0902")
			return err
		}
		fmt.Println("VIN:         ", vin)
		fmt.Println("Manufacturer:", l.mfr.Profile().Manufacturer)

		if date, _ := cmd.Flags().GetBool("ecu-date"); date {
			t, err := l.uds.ReadProgrammingDate(ctx)
			if err != nil {
				l.explain(err, "22F199")
				return nil
			}
			fmt.Println("Programmed:  ", t.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	vinCmd.Flags().Bool("ecu-date", false, "also read the ECU programming date")
	rootCmd.AddCommand(vinCmd)
}
