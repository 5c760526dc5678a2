// tpmbrokerctl -- command-line client for tpmbrokerd.
package main

import "github.com/15058718379/tpm2-abrmd/cmd/tpmbrokerctl/commands"

func main() {
	commands.Execute()
}
