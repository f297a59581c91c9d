package services

import (
	"streamgrid/internal/core/domain"
	"streamgrid/internal/core/ports"
)

// RemoteDialer builds a gateway speaking the node-to-node control API of the
// node at addr.
type RemoteDialer func(addr string) ports.WorkerGateway

type gatewayResolver struct {
	node  domain.NodeInfo
	local ports.WorkerGateway
	dial  RemoteDialer
}

func NewGatewayResolver(node domain.NodeInfo, local ports.WorkerGateway, dial RemoteDialer) ports.GatewayResolver {
	return &gatewayResolver{node: node, local: local, dial: dial}
}

func (r *gatewayResolver) For(worker *domain.WorkerNode) ports.WorkerGateway {
	if worker.Host == r.node.Host && worker.Port == r.node.APIPort {
		return r.local
	}
	return r.dial(worker.Address())
}
