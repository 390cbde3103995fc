package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/kvhost/cmd/db"
	"github.com/ValentinKolb/kvhost/cmd/kv"
	"github.com/ValentinKolb/kvhost/cmd/serve"
	"github.com/ValentinKolb/kvhost/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.4.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvhost",
		Short: "multi-database key-value server",
		Long: fmt.Sprintf(`kvhost (v%s)

A daemon hosting many embedded persistent key-value databases behind
one framed tcp and unix socket protocol. Databases are mounted on first
use and unmounted by the majordome once they are idle.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvhost",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kvhost v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(db.DatabaseCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
