package client

import (
	"fmt"

	"github.com/ValentinKolb/kvhost/rpc/common"
	"github.com/ValentinKolb/kvhost/rpc/serializer"
	"github.com/ValentinKolb/kvhost/rpc/transport"
	"github.com/ValentinKolb/kvhost/rpc/transport/tcp"
	"github.com/ValentinKolb/kvhost/rpc/transport/unix"
)

// Client is a connection pool to one kvhost server. It is safe for
// concurrent use.
type Client struct {
	rpcClientAdapter
}

// New connects to the endpoints of config over the configured transport
// (tcp or unix) and serializer
func New(config common.ClientConfig) (*Client, error) {
	var t transport.IRPCClientTransport
	switch config.Transport {
	case "tcp", "":
		t = tcp.NewTCPClientTransport()
	case "unix":
		t = unix.NewUnixClientTransport()
	default:
		return nil, fmt.Errorf("unknown transport %q (must be tcp or unix)", config.Transport)
	}

	s, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}

	return NewRPCClient(config, t, s)
}

// NewRPCClient creates a client over an explicit transport and serializer.
// The transport is connected before NewRPCClient returns.
func NewRPCClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Client, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &Client{
		rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// Close closes every connection of the client
func (c *Client) Close() error {
	return c.transport.Close()
}

// Database returns a view on the database name. An empty name targets the
// default database of the server.
func (c *Client) Database(name string) *Database {
	return &Database{name: name, adapter: &c.rpcClientAdapter}
}

// --------------------------------------------------------------------------
// Database lifecycle
// --------------------------------------------------------------------------

// Connect resolves name (empty selects the default database), mounts it if
// needed and returns its description
func (c *Client) Connect(name string) (common.DatabaseInfo, error) {
	return c.admin(common.NewDBConnectRequest(name))
}

// Create adds a database. Empty path and engine use the server defaults.
func (c *Client) Create(name, path, engine string) (common.DatabaseInfo, error) {
	return c.admin(common.NewDBCreateRequest(name, path, engine))
}

// Drop removes an unmounted database together with its data
func (c *Client) Drop(name string) (common.DatabaseInfo, error) {
	return c.admin(common.NewDBDropRequest(name))
}

// Mount opens the storage of a database
func (c *Client) Mount(name string) (common.DatabaseInfo, error) {
	return c.admin(common.NewDBMountRequest(name))
}

// Unmount closes the storage of a database. Without force it fails with
// errs.ErrBusy while operations are in flight.
func (c *Client) Unmount(name string, force bool) (common.DatabaseInfo, error) {
	return c.admin(common.NewDBUnmountRequest(name, force))
}

// Stats returns the description and the operation statistics of a database
func (c *Client) Stats(name string) (common.DatabaseInfo, error) {
	return c.admin(common.NewDBStatsRequest(name))
}

// List returns every database of the manifest with its mount state
func (c *Client) List() ([]common.DatabaseInfo, error) {
	resp, err := c.invoke(common.NewDBListRequest())
	if err != nil {
		return nil, err
	}
	return resp.Databases, nil
}

func (c *Client) admin(req *common.Message) (common.DatabaseInfo, error) {
	resp, err := c.invoke(req)
	if err != nil {
		return common.DatabaseInfo{}, err
	}
	return single(resp)
}
