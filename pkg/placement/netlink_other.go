//go:build !linux

package placement

// NetlinkTopology is only available on Linux.
type NetlinkTopology struct {
	NopTopology
}

func NewNetlinkTopology(string) (*NetlinkTopology, error) {
	return nil, ErrUnsupported
}
