package vmconfig

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"

	"github.com/loopholelabs/vlab/pkg/config"
)

const (
	MaxIndex = config.MaxHostIndex

	// MaxInterfaceNameLength is the kernel limit on link names. Switch
	// bridges are named after the switch.
	MaxInterfaceNameLength = 15

	// Locally administered, unicast.
	macPrefix = 0x52
)

var (
	ErrCouldNotGenerateMAC = errors.New("could not generate MAC address")
)

// HostManagementCIDR is the address of the host side of a VM's management tap.
func HostManagementCIDR(index int) string {
	return fmt.Sprintf("%s/24", HostManagementAddress(index))
}

func HostManagementAddress(index int) string {
	return fmt.Sprintf("10.0.%d.1", index)
}

// GuestManagementAddress is the address the guest configures on its first interface.
func GuestManagementAddress(index int) string {
	return fmt.Sprintf("10.0.%d.2", index)
}

func RandomMAC() (string, error) {
	mac := make(net.HardwareAddr, 6)
	if _, err := rand.Read(mac[1:]); err != nil {
		return "", errors.Join(ErrCouldNotGenerateMAC, err)
	}
	mac[0] = macPrefix

	return mac.String(), nil
}
