package model

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Node describes one class of compute node available at the backend.
type Node struct {
	Name      string   `yaml:"name" json:"name"`
	Cores     int      `yaml:"cores" json:"cores"`
	Memory    string   `yaml:"memory,omitempty" json:"memory,omitempty"`
	MPIArgs   string   `yaml:"mpiargs,omitempty" json:"mpiargs,omitempty"`
	ExtraArgs []string `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// MemoryBytes parses Memory ("92G", "256GB", "192GiB"). Batch systems count
// in powers of two, so a bare unit letter is read as a binary prefix.
func (n Node) MemoryBytes() (uint64, error) {
	if n.Memory == "" {
		return 0, nil
	}
	v := n.Memory
	switch v[len(v)-1] {
	case 'K', 'M', 'G', 'T', 'k', 'm', 'g', 't':
		v += "iB"
	}
	b, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("node %s: bad memory %q: %w", n.Name, n.Memory, err)
	}
	return b, nil
}
