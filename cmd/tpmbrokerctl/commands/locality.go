package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/15058718379/tpm2-abrmd/internal/control"
)

func localityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locality <session-id> <locality>",
		Short: "Switch the TPM locality associated with a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse session id %q: %w", args[0], err)
			}
			locality, err := strconv.ParseUint(args[1], 10, 8)
			if err != nil {
				return fmt.Errorf("parse locality %q: %w", args[1], err)
			}

			call := brokerObject().Call(control.InterfaceName+".SetLocality", 0, id, byte(locality))
			if call.Err != nil {
				return fmt.Errorf("set locality for session %d: %w", id, call.Err)
			}

			fmt.Printf("session %d locality set to %d\n", id, locality)
			return nil
		},
	}
}
