// Package nodeclient defines the node's view of the federation server: the
// handful of calls the Docker execution core needs to make outward
// (admission checks, VPN port brokering) without owning the HTTP/socket
// transport itself, which is out of scope for this module.
package nodeclient

import "context"

// PortForward describes one VPN-forwarded port allocated for a task.
type PortForward struct {
	Label    string
	Port     int
	ResultID int
}

// Client is the subset of server operations the Docker execution core
// depends on.
type Client interface {
	// CheckUserAllowedToSendTask asks the server whether the task's
	// initiating user/organization is covered by the node's user/org
	// allow-lists. Used only when those lists are non-empty.
	CheckUserAllowedToSendTask(ctx context.Context, allowedUsers, allowedOrgs []int, initiatorOrg, initiatorUser int) (bool, error)

	// RequestPorts asks the server's VPN controller to forward count ports
	// for resultID, returning the allocated forwards.
	RequestPorts(ctx context.Context, resultID int, count int) ([]PortForward, error)

	// ReleasePorts releases every port forward held for resultID.
	ReleasePorts(ctx context.Context, resultID int) error
}

// Noop is a Client that admits every task and allocates no VPN ports. It
// backs offline/standalone node runs and tests.
type Noop struct{}

func (Noop) CheckUserAllowedToSendTask(ctx context.Context, allowedUsers, allowedOrgs []int, initiatorOrg, initiatorUser int) (bool, error) {
	return true, nil
}

func (Noop) RequestPorts(ctx context.Context, resultID int, count int) ([]PortForward, error) {
	return nil, nil
}

func (Noop) ReleasePorts(ctx context.Context, resultID int) error {
	return nil
}
