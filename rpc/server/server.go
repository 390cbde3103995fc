package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/lib/majordome"
	"github.com/ValentinKolb/kvhost/lib/manifest"
	"github.com/ValentinKolb/kvhost/lib/registry"
	"github.com/ValentinKolb/kvhost/lib/stats"
	"github.com/ValentinKolb/kvhost/lib/storage"
	"github.com/ValentinKolb/kvhost/rpc/common"
	"github.com/ValentinKolb/kvhost/rpc/serializer"
	"github.com/ValentinKolb/kvhost/rpc/transport"
	"github.com/ValentinKolb/kvhost/rpc/transport/tcp"
	"github.com/ValentinKolb/kvhost/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"

	// storage engines register themselves
	_ "github.com/ValentinKolb/kvhost/lib/storage/engines/badger"
	_ "github.com/ValentinKolb/kvhost/lib/storage/engines/bolt"
)

var Logger = logger.GetLogger("server")

// Server is a running kvhost instance. It owns the manifest, the registry,
// the majordome and every listening transport.
type Server struct {
	config     common.ServerConfig
	serializer serializer.IRPCSerializer
	manifest   *manifest.Store
	registry   *registry.Registry
	majordome  *majordome.Majordome
	metrics    *stats.Metrics
	transports []transport.IRPCServerTransport
	adminHTTP  *http.Server
	adminAddr  net.Addr

	data  IRPCServerAdapter
	admin IRPCServerAdapter
}

// Start validates config, loads the manifest, mounts nothing yet and starts
// listening on every configured transport. It returns once the server
// accepts connections.
//
// Usage:
//
//	s, err := server.Start(config)
//	if err != nil {
//		panic(err)
//	}
//	defer s.Shutdown(context.Background())
func Start(config common.ServerConfig) (*Server, error) {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := common.InitLoggers(config); err != nil {
		return nil, err
	}

	Logger.Infof("Starting kvhost server")
	Logger.Infof(config.String())
	if config.Daemonize {
		Logger.Infof("daemonize is set, kvhost expects its supervisor to detach the process")
	}

	ser, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}

	// a corrupt manifest is fatal
	m, err := manifest.Load(config.DatabaseStore)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		serializer: ser,
		manifest:   m,
		metrics:    stats.New(),
	}

	s.registry = registry.New(m, registry.Options{
		StorageRoot:    config.DatabasesStoragePath,
		DefaultEngine:  storage.Engine(config.StorageEngine),
		DefaultDB:      config.DefaultDB,
		UnmountTimeout: config.UnmountTimeout,
		Metrics:        s.metrics,
	})
	s.data = NewDataServerAdapter(s.registry)
	s.admin = NewAdminServerAdapter(s.registry)

	if err := s.ensureDefaultDB(); err != nil {
		return nil, err
	}

	s.majordome = majordome.New(s.registry, config.MajordomeInterval, config.MajordomeIdle,
		majordome.WithMetrics(s.metrics))

	if err := s.listen(); err != nil {
		s.closeTransports(context.Background())
		return nil, err
	}

	s.majordome.Start()

	if config.MetricsEndpoint != "" {
		if err := s.serveAdminHTTP(); err != nil {
			s.closeTransports(context.Background())
			s.majordome.Stop()
			return nil, err
		}
	}

	Logger.Infof("kvhost setup completed successfully, %d databases in the manifest", len(m.List()))
	return s, nil
}

// Shutdown stops accepting requests, waits for in-flight requests until ctx
// expires, stops the majordome, unmounts every database and flushes the
// manifest. All steps run even if an earlier one fails.
func (s *Server) Shutdown(ctx context.Context) error {
	Logger.Infof("Shutting down kvhost server")
	var result []error

	if err := s.closeTransports(ctx); err != nil {
		result = append(result, err)
	}

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil {
			result = append(result, fmt.Errorf("admin http shutdown: %w", err))
		}
	}

	s.majordome.Stop()

	if err := s.registry.UnmountAll(); err != nil {
		result = append(result, err)
	}
	if err := s.manifest.Flush(); err != nil {
		result = append(result, err)
	}

	if len(result) > 0 {
		return errors.Join(result...)
	}
	Logger.Infof("kvhost server stopped")
	return nil
}

// Registry returns the registry of the server
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Metrics returns the metrics of the server
func (s *Server) Metrics() *stats.Metrics {
	return s.metrics
}

// Addrs returns the addresses of all listening transports
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.transports))
	for _, t := range s.transports {
		if addr := t.Addr(); addr != nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// --------------------------------------------------------------------------
// Request Handling
// --------------------------------------------------------------------------

// handle decodes one request payload, dispatches it and encodes the response
func (s *Server) handle(req []byte) (resp []byte) {
	var msg common.Message
	var respMsg *common.Message

	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("panic while handling %s request: %v", msg.MsgType, r)
			resp = s.encode(common.NewErrorResponse(errs.CodeStorageError, fmt.Sprintf("internal error: %v", r)))
		}
	}()

	if err := s.serializer.Deserialize(req, &msg); err != nil {
		respMsg = common.NewErrorResponse(errs.CodeProtocolError, fmt.Sprintf("failed to deserialize request: %s", err))
		s.metrics.Request("invalid", errs.CodeProtocolError.String())
		return s.encode(respMsg)
	}

	respMsg = s.dispatch(&msg)
	s.metrics.Request(msg.MsgType.String(), respMsg.Code.String())
	return s.encode(respMsg)
}

// dispatch routes a decoded request to its adapter
func (s *Server) dispatch(msg *common.Message) *common.Message {
	switch {
	case msg.MsgType.IsAdmin():
		return s.admin.Handle(msg)
	case msg.MsgType >= common.MsgTGet && msg.MsgType <= common.MsgTMGet:
		return s.data.Handle(msg)
	default:
		return common.NewErrorResponse(errs.CodeProtocolError, "unsupported message type: "+msg.MsgType.String())
	}
}

// encode serializes a response, falling back to a plain error response
func (s *Server) encode(msg *common.Message) []byte {
	val, err := s.serializer.Serialize(*msg)
	if err == nil {
		return val
	}
	Logger.Errorf("failed to serialize %s response: %v", msg.MsgType, err)
	val, _ = s.serializer.Serialize(*common.NewErrorResponse(errs.CodeProtocolError,
		fmt.Sprintf("failed to serialize response: %s", err)))
	return val
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// ensureDefaultDB creates the default database when the manifest lacks it
func (s *Server) ensureDefaultDB() error {
	name := s.config.DefaultDB
	if name == "" || s.manifest.Has(name) {
		return nil
	}
	entry, err := s.registry.Create(name, "", "")
	if err != nil {
		return fmt.Errorf("failed to create default database %q: %w", name, err)
	}
	Logger.Infof("created default database %q at %s", entry.Name, entry.Path)
	return nil
}

// listen starts every configured transport
func (s *Server) listen() error {
	if s.config.UnixSocket != "" {
		if err := s.startTransport(unix.NewUnixServerTransport(s.metrics)); err != nil {
			return err
		}
	}
	if s.config.Port != 0 {
		if err := s.startTransport(tcp.NewTCPServerTransport(s.metrics)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) startTransport(t transport.IRPCServerTransport) error {
	t.RegisterHandler(s.handle)
	if err := t.Listen(s.config); err != nil {
		return err
	}
	s.transports = append(s.transports, t)
	return nil
}

// closeTransports stops every transport and waits for in-flight requests
func (s *Server) closeTransports(ctx context.Context) error {
	var result []error
	for _, t := range s.transports {
		if err := t.Close(ctx); err != nil {
			result = append(result, err)
		}
	}
	return errors.Join(result...)
}
