package node

import (
	"context"

	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

// Node is a start/stop unit of a topology. Its variants are *Host and
// *Switch.
type Node interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsStarted() bool
	Hostname() string
	Kind() vmconfig.NodeKind

	isNode()
}
