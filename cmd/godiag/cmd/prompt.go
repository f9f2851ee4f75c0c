package cmd

import (
	"github.com/manifoldco/promptui"
	"go.uber.org/zap"
)

func yesNo() bool {
	prompt := promptui.Select{
		Label:    "[Yes/No]",
		HideHelp: true,
		Items:    []string{"Yes", "No"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		log.Warn("prompt failed", zap.Error(err))
		return false
	}
	return result == "Yes"
}
