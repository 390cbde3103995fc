package db

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ValentinKolb/kvhost/cmd/util"
	"github.com/ValentinKolb/kvhost/rpc/client"
	"github.com/ValentinKolb/kvhost/rpc/common"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// DatabaseCommands represents the database lifecycle command group
	DatabaseCommands = &cobra.Command{
		Use:                "db",
		Short:              "Manage the databases of a server",
		PersistentPreRunE:  setupDBClient,
		PersistentPostRunE: closeDBClient,
	}

	createCmd = &cobra.Command{
		Use:   "create [name]",
		Short: "Create a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			engine, _ := cmd.Flags().GetString("engine")
			info, err := rpcClient.Create(args[0], path, engine)
			if err != nil {
				return err
			}
			printDatabases([]common.DatabaseInfo{info}, false)
			return nil
		},
	}

	dropCmd = &cobra.Command{
		Use:   "drop [name]",
		Short: "Drop an unmounted database and delete its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := rpcClient.Drop(args[0]); err != nil {
				return err
			}
			fmt.Printf("dropped %s\n", args[0])
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List all databases with their mount state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbs, err := rpcClient.List()
			if err != nil {
				return err
			}
			printDatabases(dbs, false)
			return nil
		},
	}

	mountCmd = &cobra.Command{
		Use:   "mount [name]",
		Short: "Mount a database (omit the name for the default database)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rpcClient.Mount(nameArg(args))
			if err != nil {
				return err
			}
			printDatabases([]common.DatabaseInfo{info}, false)
			return nil
		},
	}

	unmountCmd = &cobra.Command{
		Use:   "unmount [name]",
		Short: "Unmount a database (omit the name for the default database)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			info, err := rpcClient.Unmount(nameArg(args), force)
			if err != nil {
				return err
			}
			printDatabases([]common.DatabaseInfo{info}, false)
			return nil
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats [name]",
		Short: "Show the statistics of a database (omit the name for the default database)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := rpcClient.Stats(nameArg(args))
			if err != nil {
				return err
			}
			printDatabases([]common.DatabaseInfo{info}, true)
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the db command
	util.SetupRPCClientFlags(DatabaseCommands)

	DatabaseCommands.AddCommand(createCmd)
	DatabaseCommands.AddCommand(dropCmd)
	DatabaseCommands.AddCommand(listCmd)
	DatabaseCommands.AddCommand(mountCmd)
	DatabaseCommands.AddCommand(unmountCmd)
	DatabaseCommands.AddCommand(statsCmd)

	createCmd.Flags().String("path", "", util.WrapString("Path of the database below the databases storage path of the server (relative or absolute), empty uses the name"))
	createCmd.Flags().String("engine", "", util.WrapString("Storage engine (badger, bolt), empty uses the server default"))
	unmountCmd.Flags().Bool("force", false, util.WrapString("Wait for in-flight operations instead of failing while the database is busy"))
}

// setupDBClient initializes the client
func setupDBClient(cmd *cobra.Command, _ []string) error {
	c, err := util.NewClient(cmd)
	if err != nil {
		return err
	}
	rpcClient = c
	return nil
}

func closeDBClient(_ *cobra.Command, _ []string) error {
	if rpcClient == nil {
		return nil
	}
	return rpcClient.Close()
}

func nameArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func printDatabases(dbs []common.DatabaseInfo, withStats bool) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()

	if withStats {
		fmt.Fprintln(w, "NAME\tMOUNTED\tINFLIGHT\tLAST ACCESS\tOPS\tMEAN\tP99\tRATE1")
		for _, db := range dbs {
			fmt.Fprintf(w, "%s\t%v\t%d\t%s\t%d\t%s\t%s\t%.2f/s\n",
				db.Name, db.Mounted, db.Inflight, formatTime(db.LastAccess), db.Operations,
				time.Duration(db.MeanLatency), time.Duration(db.P99Latency), db.Rate1)
		}
		return
	}

	fmt.Fprintln(w, "NAME\tENGINE\tMOUNTED\tUID\tPATH\tCREATED")
	for _, db := range dbs {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
			db.Name, db.Engine, db.Mounted, db.UID, db.Path, formatTime(db.CreatedAt))
	}
}

func formatTime(unixNano int64) string {
	if unixNano == 0 {
		return "-"
	}
	return time.Unix(0, unixNano).Format(time.RFC3339)
}
