package main

import (
	"errors"

	"miel/internal/config"
	"miel/internal/controller"
)

// Exit codes per spec.md §6.
const (
	exitOK        = 0
	exitConfig    = 2
	exitPrivilege = 3
	exitBind      = 4
	exitInternal  = 64
)

// exitCodeFor maps a top-level command error onto spec.md's fixed exit
// code table. A plain error with no recognized wrapper is treated as
// exitInternal, the catch-all for "something else broke".
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}

	// Checked before config.Error: a BootError's Stage says more about
	// where things went wrong than the config.Error it might be
	// wrapping (in practice Boot itself never produces one, but the
	// check order should not depend on that).
	var bootErr *controller.BootError
	if errors.As(err, &bootErr) {
		switch bootErr.Stage {
		case controller.StageBind:
			return exitBind
		case controller.StageFirewall:
			// nftables setup needs CAP_NET_ADMIN; a failure here almost
			// always means the process isn't running with the
			// privilege spec.md §2 assumes.
			return exitPrivilege
		default:
			return exitInternal
		}
	}

	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return exitConfig
	}

	return exitInternal
}
