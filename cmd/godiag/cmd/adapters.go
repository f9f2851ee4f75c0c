package cmd

import (
	"fmt"

	"github.com/roffe/godiag"
	"github.com/roffe/godiag/adapter"
	"github.com/spf13/cobra"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "list supported adapters and serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Adapters:")
		for _, a := range godiag.ListAdapters() {
			fmt.Printf("  %s\n    %s\n", a.String(), a.Capabilities.String())
		}
		ports, err := adapter.ListPorts()
		if err != nil {
			fmt.Println("Ports:", err)
			return nil
		}
		fmt.Println("Ports:")
		for _, p := range ports {
			fmt.Println("  " + p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adaptersCmd)
}
