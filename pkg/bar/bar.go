package bar

import (
	"github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
)

func options(text string) []progressbar.Option {
	return []progressbar.Option{
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetDescription(text),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	}
}

// Bytes renders transfer progress, used for ECU programming.
func Bytes(length int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(length, append(options(text), progressbar.OptionShowBytes(true))...)
}

// Steps renders progress through a procedure.
func Steps(steps int, text string) *progressbar.ProgressBar {
	return progressbar.NewOptions(steps, append(options(text), progressbar.OptionShowCount())...)
}
