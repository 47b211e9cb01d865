// Command cxdbctl is a thin operator CLI over the cxdbd binary protocol:
// create and fork contexts, append turns, page a context's history, and
// push or pull blobs, grouped into subcommands the way cmd/synnergy groups
// its testnet and tokens commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "cxdbctl"}
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:9009", "cxdbd binary protocol address")
	rootCmd.PersistentFlags().String("http-addr", "http://127.0.0.1:9010", "cxdbd HTTP gateway base URL")
	rootCmd.AddCommand(ctxCmd())
	rootCmd.AddCommand(appendCmd())
	rootCmd.AddCommand(lastCmd())
	rootCmd.AddCommand(blobCmd())
	rootCmd.AddCommand(attachFSCmd())
	rootCmd.AddCommand(registryCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
