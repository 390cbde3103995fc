package serve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/kvhost/cmd/util"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/ValentinKolb/kvhost/rpc/common"
	"github.com/ValentinKolb/kvhost/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cli")

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start the kvhost server",
		Long: `Start the kvhost server with the specified configuration. The configuration can be set via command line flags, environment variables or a config file (--config). The format of the environment variables is KVHOST_<flag> (e.g. KVHOST_MAJORDOME_INTERVAL=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := common.DefaultServerConfig()

	// add flags
	key := "config"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional config file (yaml, json, toml, ...). Flags and environment variables take precedence"))

	key = "daemonize"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Accepted for compatibility, kvhost stays in the foreground and leaves detaching to the process supervisor"))

	key = "pidfile"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("File the process id is written to while the server runs"))

	key = "databases-storage-path"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Absolute parent directory of databases created without an explicit path"))

	key = "database-store"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The manifest file that records every database (name, uid, path, engine)"))

	key = "default-db"
	ServeCmd.PersistentFlags().String(key, defaults.DefaultDB, cmdUtil.WrapString("Database used by requests that name none. It is created on startup and can not be dropped. Empty disables default routing"))

	key = "storage-engine"
	ServeCmd.PersistentFlags().String(key, defaults.StorageEngine, cmdUtil.WrapString(fmt.Sprintf("Storage engine for new databases (%s)", engineNames())))

	key = "port"
	ServeCmd.PersistentFlags().Int(key, 4141, cmdUtil.WrapString("TCP port to listen on, 0 disables tcp"))

	key = "bind"
	ServeCmd.PersistentFlags().String(key, "127.0.0.1", cmdUtil.WrapString("Address the tcp listener binds to, empty binds all interfaces"))

	key = "unixsocket"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the unix domain socket, empty disables it"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, defaults.TimeoutSecond, cmdUtil.WrapString("Read and write timeout of client connections in seconds, 0 disables it"))

	key = "max-workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, defaults.MaxWorkersPerConn, cmdUtil.WrapString("Maximum number of requests handled concurrently per connection"))

	key = "majordome-interval"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Minutes between two idle scans of the majordome, 0 disables it"))

	key = "majordome-idle"
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Minutes a database must be idle before the majordome unmounts it, 0 uses the interval"))

	key = "unmount-timeout"
	ServeCmd.PersistentFlags().Int(key, int(defaults.UnmountTimeout/time.Second), cmdUtil.WrapString("Seconds a forced unmount waits for in-flight operations"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the admin http endpoint serving /metrics, /healthz and /databases (e.g. 127.0.0.1:9141), empty disables it"))

	key = "activity-log"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("File for debug and info lines, empty logs to stdout"))

	key = "errors-log"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("File for warning and error lines, empty logs to stderr"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, defaults.LogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the config file, the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	storagePath, err := absPath(viper.GetString("databases-storage-path"))
	if err != nil {
		return err
	}
	databaseStore, err := absPath(viper.GetString("database-store"))
	if err != nil {
		return err
	}

	serveCmdConfig.Daemonize = viper.GetBool("daemonize")
	serveCmdConfig.Pidfile = viper.GetString("pidfile")
	serveCmdConfig.DatabasesStoragePath = storagePath
	serveCmdConfig.DatabaseStore = databaseStore
	serveCmdConfig.DefaultDB = viper.GetString("default-db")
	serveCmdConfig.StorageEngine = viper.GetString("storage-engine")
	serveCmdConfig.Port = viper.GetInt("port")
	serveCmdConfig.Bind = viper.GetString("bind")
	serveCmdConfig.UnixSocket = viper.GetString("unixsocket")
	serveCmdConfig.Serializer = viper.GetString("serializer")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MaxWorkersPerConn = viper.GetInt("max-workers-per-conn")
	serveCmdConfig.MajordomeInterval = minutes(viper.GetFloat64("majordome-interval"))
	serveCmdConfig.MajordomeIdle = minutes(viper.GetFloat64("majordome-idle"))
	serveCmdConfig.UnmountTimeout = time.Duration(viper.GetInt("unmount-timeout")) * time.Second
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.ActivityLog = viper.GetString("activity-log")
	serveCmdConfig.ErrorsLog = viper.GetString("errors-log")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// fail before anything is started
	return serveCmdConfig.Validate()
}

// run starts the kvhost server and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	s, err := server.Start(serveCmdConfig)
	if err != nil {
		return err
	}

	if err := writePidfile(serveCmdConfig.Pidfile); err != nil {
		Logger.Errorf("%v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	Logger.Infof("received %s, shutting down", sig)

	// a second signal skips the drain
	ctx, cancel := context.WithTimeout(context.Background(), serveCmdConfig.UnmountTimeout+5*time.Second)
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			Logger.Warningf("received second signal, aborting the drain")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = s.Shutdown(ctx)
	removePidfile(serveCmdConfig.Pidfile)
	common.CloseLoggers()
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// minutes converts a possibly fractional number of minutes
func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func absPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	return abs, nil
}

func engineNames() string {
	engines := storage.Engines()
	names := make([]string, len(engines))
	for i, e := range engines {
		names[i] = string(e)
	}
	return strings.Join(names, ", ")
}

func writePidfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile %s: %w", path, err)
	}
	return nil
}

func removePidfile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		Logger.Warningf("failed to remove pidfile %s: %v", path, err)
	}
}
