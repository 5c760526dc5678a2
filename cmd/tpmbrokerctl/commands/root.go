package commands

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/15058718379/tpm2-abrmd/internal/control"
)

var (
	// conn is the shared D-Bus connection, established in
	// PersistentPreRunE.
	conn *dbus.Conn

	// busName selects which bus to dial: "system" or "session".
	busName string
)

// rootCmd is the top-level cobra command for tpmbrokerctl.
var rootCmd = &cobra.Command{
	Use:   "tpmbrokerctl",
	Short: "CLI client for the tpmbrokerd access broker",
	Long:  "tpmbrokerctl talks to the tpmbrokerd control plane over D-Bus to create connections, cancel outstanding commands, and switch locality.",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		switch busName {
		case "system":
			conn, err = dbus.ConnectSystemBus()
		case "session", "":
			conn, err = dbus.ConnectSessionBus()
		default:
			return fmt.Errorf("unknown --bus value %q, expected system or session", busName)
		}
		if err != nil {
			return fmt.Errorf("connect to %s bus: %w", busName, err)
		}
		return nil
	},
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if conn != nil {
			return conn.Close()
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&busName, "bus", "session",
		"D-Bus bus to connect to: system or session")

	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(localityCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// brokerObject returns the tpmbrokerd control-plane object on the
// already-connected bus.
func brokerObject() dbus.BusObject {
	return conn.Object(control.ServiceName, control.ObjectPath)
}
