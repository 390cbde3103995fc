package client

import (
	"fmt"

	"github.com/ValentinKolb/kvhost/lib/errs"
	"github.com/ValentinKolb/kvhost/rpc/common"
	"github.com/ValentinKolb/kvhost/rpc/serializer"
	"github.com/ValentinKolb/kvhost/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("client")
)

// rpcClientAdapter stores everything needed to send a request.
// Used by the Client and its Database views with composition pattern.
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invoke sends a request and waits for its response.
// Error responses are turned into *errs.Error values so errors.Is matches the
// errs sentinels. A response of an unexpected type is a protocol error.
func (a *rpcClientAdapter) invoke(req *common.Message) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := a.serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := a.transport.Send(reqBytes)
	if err != nil {
		return nil, err
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := a.serializer.Deserialize(respBytes, resp); err != nil {
		return nil, errs.Wrap(errs.CodeProtocolError, err, "failed to decode %s response", req.MsgType)
	}

	// Check if the response carries an error
	if err := resp.Error(); err != nil {
		return nil, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, errs.New(errs.CodeProtocolError, "unexpected message type %s, expected %s", resp.MsgType, req.MsgType)
	}

	return resp, nil
}

// single returns the only database of an admin response
func single(resp *common.Message) (common.DatabaseInfo, error) {
	if len(resp.Databases) != 1 {
		return common.DatabaseInfo{}, fmt.Errorf("expected one database in %s response, got %d", resp.MsgType, len(resp.Databases))
	}
	return resp.Databases[0], nil
}
