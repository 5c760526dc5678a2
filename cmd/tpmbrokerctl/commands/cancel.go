package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/15058718379/tpm2-abrmd/internal/control"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel the outstanding command for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse session id %q: %w", args[0], err)
			}

			call := brokerObject().Call(control.InterfaceName+".Cancel", 0, id)
			if call.Err != nil {
				return fmt.Errorf("cancel session %d: %w", id, call.Err)
			}

			fmt.Printf("session %d canceled\n", id)
			return nil
		},
	}
}
