package commands

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/15058718379/tpm2-abrmd/internal/control"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Request a new session from tpmbrokerd",
		Long:  "connect calls CreateConnection and prints the new session id. The command and response file descriptors handed back are closed immediately; this is a liveness/diagnostic probe, not a full client.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			var cmdFD, respFD dbus.UnixFD
			var sessionID uint64

			call := brokerObject().Call(control.InterfaceName+".CreateConnection", 0)
			if call.Err != nil {
				return fmt.Errorf("create connection: %w", call.Err)
			}
			if err := call.Store(&cmdFD, &respFD, &sessionID); err != nil {
				return fmt.Errorf("decode create connection reply: %w", err)
			}
			unix.Close(int(cmdFD))
			unix.Close(int(respFD))

			fmt.Printf("session %d created\n", sessionID)
			return nil
		},
	}
}
