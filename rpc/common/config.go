package common

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/kvhost/lib/storage"
)

// DefaultMaxFrameSize bounds the payload of a single frame
const DefaultMaxFrameSize = 64 * 1024 * 1024 // 64 MB

// --------------------------------------------------------------------------
// Socket configuration (shared by server and client)
// --------------------------------------------------------------------------

// SocketConfig holds the socket options applied to tcp connections.
// Unix socket connections ignore it.
type SocketConfig struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // negative keeps the OS default
	WriteBufferSize int
	ReadBufferSize  int
}

// DefaultSocketConfig returns the socket options used when none are configured
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		TCPNoDelay:      true,
		TCPKeepAliveSec: 30,
		TCPLingerSec:    -1,
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig is the resolved configuration the server core is started with.
// It is filled by the CLI from flags, environment and config file.
type ServerConfig struct {
	// Process settings (handled by the CLI, logged by the core)
	Daemonize bool
	Pidfile   string

	// Storage
	DatabasesStoragePath string // parent directory of databases created without a path
	DatabaseStore        string // manifest file
	DefaultDB            string // empty disables default routing
	StorageEngine        string

	// Transports
	Port              int    // 0 disables tcp
	Bind              string // empty listens on all interfaces
	UnixSocket        string // empty disables the unix socket
	Serializer        string
	TimeoutSecond     int64
	MaxWorkersPerConn int
	MaxFrameSize      uint32
	Socket            SocketConfig

	// Majordome
	MajordomeInterval time.Duration // 0 disables the majordome
	MajordomeIdle     time.Duration // 0 uses the interval

	// Registry
	UnmountTimeout time.Duration

	// Admin HTTP endpoint, empty disables it
	MetricsEndpoint string

	// Logging configuration
	ActivityLog string
	ErrorsLog   string
	LogLevel    string
}

// DefaultServerConfig returns a configuration with every optional value set
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		DefaultDB:         "default",
		StorageEngine:     string(storage.DefaultEngine),
		Serializer:        "binary",
		TimeoutSecond:     0,
		MaxWorkersPerConn: 64,
		MaxFrameSize:      DefaultMaxFrameSize,
		Socket:            DefaultSocketConfig(),
		UnmountTimeout:    30 * time.Second,
		LogLevel:          "info",
	}
}

// TCPEndpoint returns the address the tcp transport listens on
func (c *ServerConfig) TCPEndpoint() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// Validate checks the configuration for values the server can not start with
func (c *ServerConfig) Validate() error {
	var problems []string

	if c.DatabaseStore == "" {
		problems = append(problems, "the database store (manifest file) must be set")
	}
	if c.Port < 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d is out of range", c.Port))
	}
	if c.Port == 0 && c.UnixSocket == "" {
		problems = append(problems, "at least one transport (port or unix socket) must be enabled")
	}
	if c.DatabasesStoragePath != "" && !filepath.IsAbs(c.DatabasesStoragePath) {
		problems = append(problems, fmt.Sprintf("databases storage path %q must be absolute", c.DatabasesStoragePath))
	}
	if c.DefaultDB != "" && c.DatabasesStoragePath == "" {
		problems = append(problems, "a default database needs a databases storage path")
	}
	if c.StorageEngine != "" && !storage.Known(storage.Engine(c.StorageEngine)) {
		problems = append(problems, fmt.Sprintf("unknown storage engine %q", c.StorageEngine))
	}
	switch c.Serializer {
	case "binary", "json", "gob":
	default:
		problems = append(problems, fmt.Sprintf("unknown serializer %q (must be binary, json or gob)", c.Serializer))
	}
	if c.MajordomeInterval < 0 || c.MajordomeIdle < 0 {
		problems = append(problems, "majordome interval and idle threshold must not be negative")
	}
	if c.MaxWorkersPerConn < 1 {
		problems = append(problems, "max workers per connection must be at least 1")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid server configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	orDisabled := func(s string) string {
		if s == "" {
			return "(disabled)"
		}
		return s
	}

	// Transports
	addSection("RPC Server")
	if c.Port > 0 {
		addField("TCP", c.TCPEndpoint())
	} else {
		addField("TCP", "(disabled)")
	}
	addField("Unix Socket", orDisabled(c.UnixSocket))
	addField("Serializer", c.Serializer)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers per Conn", strconv.Itoa(c.MaxWorkersPerConn))
	addField("Admin Endpoint", orDisabled(c.MetricsEndpoint))

	// Storage
	addSection("Storage")
	addField("Database Store", c.DatabaseStore)
	addField("Storage Path", c.DatabasesStoragePath)
	addField("Default Database", orDisabled(c.DefaultDB))
	addField("Storage Engine", c.StorageEngine)
	addField("Unmount Timeout", c.UnmountTimeout.String())

	// Majordome
	addSection("Majordome")
	if c.MajordomeInterval > 0 {
		idle := c.MajordomeIdle
		if idle <= 0 {
			idle = c.MajordomeInterval
		}
		addField("Interval", c.MajordomeInterval.String())
		addField("Idle Threshold", idle.String())
	} else {
		addField("Interval", "(disabled)")
	}

	// Process and logging
	addSection("Process")
	addField("Daemonize", strconv.FormatBool(c.Daemonize))
	addField("Pidfile", orDisabled(c.Pidfile))
	addField("Log Level", c.LogLevel)
	addField("Activity Log", orStd(c.ActivityLog, "stdout"))
	addField("Errors Log", orStd(c.ErrorsLog, "stderr"))

	return sb.String()
}

func orStd(s, std string) string {
	if s == "" {
		return std
	}
	return s
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures the client transport
type ClientConfig struct {
	Transport              string // tcp or unix
	Endpoints              []string
	Serializer             string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
	MaxFrameSize           uint32
	Socket                 SocketConfig
}

// DefaultClientConfig returns a client configuration for a single endpoint
func DefaultClientConfig(transport, endpoint string) ClientConfig {
	return ClientConfig{
		Transport:              transport,
		Endpoints:              []string{endpoint},
		Serializer:             "binary",
		TimeoutSecond:          10,
		RetryCount:             3,
		ConnectionsPerEndpoint: 1,
		MaxFrameSize:           DefaultMaxFrameSize,
		Socket:                 DefaultSocketConfig(),
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Transport", c.Transport)
	addField("Serializer", c.Serializer)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.ConnectionsPerEndpoint)))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
