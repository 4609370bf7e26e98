package main

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"

	"github.com/kelsos/screening-sync/internal/logger"
)

// promptNavigator asks on the terminal before leaving a running task
type promptNavigator struct {
	taskID func() string
}

func (p promptNavigator) ConfirmNavigation() bool {
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("Task %s is still running. Leave and resume it later", p.taskID()),
		IsConfirm: true,
	}

	_, err := prompt.Run()
	switch {
	case err == nil:
		return true
	case errors.Is(err, promptui.ErrAbort):
		return false
	case errors.Is(err, promptui.ErrInterrupt):
		return true
	default:
		// no terminal to ask on
		logger.Debug("Leave confirmation unavailable: %v", err)
		return true
	}
}

func confirm(label string) bool {
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	_, err := prompt.Run()
	return err == nil
}
