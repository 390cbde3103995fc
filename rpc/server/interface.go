package server

import (
	"github.com/ValentinKolb/kvhost/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a decoded request and returns a response.
	// If an error occurs, it is set in the response, Handle never fails.
	Handle(req *common.Message) (resp *common.Message)
}
