package placement

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/raskyld/rce/pkg/errdefs"
)

// Request describes the container a user asks for.
type Request struct {
	// Size is the number of capacity units the container uses, 1 if unset.
	Size int `json:"size,omitempty"`
	// Memory limit in a human form, e.g. "512MB".
	Memory string `json:"memory,omitempty"`
	// Bandwidth limit in bytes per second, human form, e.g. "10M".
	Bandwidth string `json:"bandwidth,omitempty"`
	// Group is the name of the network group to join, none if empty.
	Group string `json:"group,omitempty"`
	// IP requests a specific address in the group.
	IP string `json:"ip,omitempty"`
}

// Profile is the parsed resource profile of a container.
type Profile struct {
	Size      int
	Memory    int64
	Bandwidth int64
}

func (p Profile) String() string {
	return fmt.Sprintf("size=%d memory=%s bandwidth=%s/s",
		p.Size, units.BytesSize(float64(p.Memory)), units.HumanSize(float64(p.Bandwidth)))
}

// ParseProfile validates the resource part of req.
func ParseProfile(req Request) (Profile, error) {
	p := Profile{Size: req.Size}
	if p.Size == 0 {
		p.Size = 1
	}
	if p.Size < 0 {
		return p, errdefs.InvalidRequest("container size must be positive, got %d", req.Size)
	}

	if req.Memory != "" {
		mem, err := units.RAMInBytes(req.Memory)
		if err != nil {
			return p, errdefs.InvalidRequest("invalid memory limit %q: %s", req.Memory, err)
		}
		p.Memory = mem
	}
	if req.Bandwidth != "" {
		bw, err := units.FromHumanSize(req.Bandwidth)
		if err != nil {
			return p, errdefs.InvalidRequest("invalid bandwidth limit %q: %s", req.Bandwidth, err)
		}
		p.Bandwidth = bw
	}
	return p, nil
}
