package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roffe/godiag/pkg/obd"
	"github.com/spf13/cobra"
)

var pidCmd = &cobra.Command{
	Use:   "pid [pid...]",
	Short: "read live data, all supported PIDs when none are given",
	RunE: func(cmd *cobra.Command, args []string) error {
		pids, err := parsePIDs(args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		l, err := connect(ctx)
		if err != nil {
			return err
		}
		defer l.Close()

		for _, pid := range pids {
			v, err := l.obd.ReadPID(ctx, pid)
			if err != nil {
				l.explain(err, fmt.Sprintf("01%02X", pid))
				continue
			}
			fmt.Println(v.String())
		}
		return nil
	},
}

// parsePIDs accepts hex ids with or without 0x prefix.
func parsePIDs(args []string) ([]byte, error) {
	if len(args) == 0 {
		var out []byte
		for _, p := range obd.SortedPIDs() {
			out = append(out, p.ID)
		}
		return out, nil
	}
	out := make([]byte, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(a), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid pid %q", a)
		}
		if _, ok := obd.PIDs[byte(n)]; !ok {
			return nil, fmt.Errorf("unsupported pid %02X", n)
		}
		out = append(out, byte(n))
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(pidCmd)
}
