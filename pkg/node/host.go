package node

import (
	"context"

	"github.com/loopholelabs/vlab/pkg/runtimes/qemu"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

// Host is a VM node. All of its operations delegate to the VM's handler.
type Host struct {
	handler *qemu.Handler
}

func NewHost(handler *qemu.Handler) *Host {
	return &Host{handler: handler}
}

func (h *Host) isNode() {}

func (h *Host) Start(ctx context.Context) error {
	return h.handler.Start(ctx)
}

func (h *Host) Stop(ctx context.Context) error {
	return h.handler.Stop(ctx)
}

func (h *Host) IsStarted() bool {
	return h.handler.IsStarted()
}

func (h *Host) Hostname() string {
	return h.handler.Name()
}

func (h *Host) Kind() vmconfig.NodeKind {
	return vmconfig.KindHost
}

func (h *Host) Index() int {
	return h.handler.Index()
}

func (h *Host) IsConfigured() bool {
	return h.handler.IsConfigured()
}

func (h *Host) ExecCmd(ctx context.Context, line string) ([]string, []string, error) {
	return h.handler.ExecCmd(ctx, line)
}

func (h *Host) ConfigureInterfaces(ctx context.Context) error {
	return h.handler.ConfigureInterfaces(ctx)
}

func (h *Host) OpenTerminal(ctx context.Context) error {
	return h.handler.OpenTerminal(ctx)
}

func (h *Host) ManagementAddress() string {
	return h.handler.ManagementAddress()
}

func (h *Host) LastExitError() error {
	return h.handler.LastExitError()
}

func (h *Host) Links() []vmconfig.Link {
	return h.handler.Config().Links
}
