package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTmax is the wall-clock limit (seconds) used when none is given.
const DefaultTmax = 600

// Resources is what a task asks the backend for.
type Resources struct {
	Cores     int    `json:"cores"`
	Processes int    `json:"processes"`
	NodeName  string `json:"nodename,omitempty"`
	Tmax      int    `json:"tmax"`
}

// NewResources validates and returns a Resources value. A processes value
// of 0 means one process per core and tmax 0 means DefaultTmax.
func NewResources(cores, processes int, nodename string, tmax int) (Resources, error) {
	if processes == 0 {
		processes = cores
	}
	if tmax == 0 {
		tmax = DefaultTmax
	}
	r := Resources{Cores: cores, Processes: processes, NodeName: nodename, Tmax: tmax}
	return r, r.Validate()
}

// Validate checks the invariants of r.
func (r Resources) Validate() error {
	if r.Cores < 1 {
		return Errorf("cores must be at least 1, got %d", r.Cores)
	}
	if r.Processes < 1 {
		return Errorf("processes must be at least 1, got %d", r.Processes)
	}
	if r.Cores%r.Processes != 0 {
		return Errorf("processes (%d) must divide cores (%d)", r.Processes, r.Cores)
	}
	if r.Tmax < 1 {
		return Errorf("tmax must be positive, got %d", r.Tmax)
	}
	return nil
}

var (
	tmaxPattern   = regexp.MustCompile(`^(\d+)([smhd])$`)
	legacyPattern = regexp.MustCompile(`^(\d+)(?::(\d+))?x(\d+[smhd])(?:x(\d+))?$`)
)

// ParseSeconds parses a duration such as "90s", "10m", "2h" or "1d".
func ParseSeconds(s string) (int, error) {
	m := tmaxPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, Errorf("bad time limit %q: expected a number followed by s, m, h or d", s)
	}
	n, _ := strconv.Atoi(m[1])
	switch m[2] {
	case "m":
		n *= 60
	case "h":
		n *= 3600
	case "d":
		n *= 86400
	}
	return n, nil
}

// SecondsToString renders seconds using the largest unit that divides them.
func SecondsToString(n int) string {
	switch {
	case n > 0 && n%86400 == 0:
		return fmt.Sprintf("%dd", n/86400)
	case n > 0 && n%3600 == 0:
		return fmt.Sprintf("%dh", n/3600)
	case n > 0 && n%60 == 0:
		return fmt.Sprintf("%dm", n/60)
	}
	return fmt.Sprintf("%ds", n)
}

// ParseResources parses "cores[:processes][:nodename]:tmax". The legacy
// form "cores[:processes]xtmax[xrepeat]" is accepted too; its repeat
// count is checked but has no effect.
func ParseResources(s string) (Resources, error) {
	if m := legacyPattern.FindStringSubmatch(s); m != nil {
		cores, _ := strconv.Atoi(m[1])
		processes := 0
		if m[2] != "" {
			processes, _ = strconv.Atoi(m[2])
		}
		tmax, err := ParseSeconds(m[3])
		if err != nil {
			return Resources{}, err
		}
		return NewResources(cores, processes, "", tmax)
	}

	parts := strings.Split(s, ":")
	if len(parts) > 4 {
		return Resources{}, Errorf("bad resource string %q", s)
	}
	cores, err := strconv.Atoi(parts[0])
	if err != nil {
		return Resources{}, Errorf("bad resource string %q: cores must be an integer", s)
	}
	if len(parts) == 1 {
		return NewResources(cores, 0, "", 0)
	}
	tmax, err := ParseSeconds(parts[len(parts)-1])
	if err != nil {
		return Resources{}, err
	}
	processes := 0
	nodename := ""
	middle := parts[1 : len(parts)-1]
	switch len(middle) {
	case 1:
		if p, err := strconv.Atoi(middle[0]); err == nil {
			processes = p
		} else {
			nodename = middle[0]
		}
	case 2:
		processes, err = strconv.Atoi(middle[0])
		if err != nil {
			return Resources{}, Errorf("bad resource string %q: processes must be an integer", s)
		}
		nodename = middle[1]
	}
	if processes == 0 && len(middle) > 0 && nodename == "" {
		return Resources{}, Errorf("bad resource string %q: processes must be at least 1", s)
	}
	return NewResources(cores, processes, nodename, tmax)
}

// String returns the canonical resource string.
func (r Resources) String() string {
	parts := []string{strconv.Itoa(r.Cores)}
	if r.Processes != r.Cores {
		parts = append(parts, strconv.Itoa(r.Processes))
	}
	if r.NodeName != "" {
		parts = append(parts, r.NodeName)
	}
	parts = append(parts, SecondsToString(r.Tmax))
	return strings.Join(parts, ":")
}

// Select picks the node class for r and returns how many nodes of that
// class the task occupies. With no node classes configured it returns
// one anonymous node.
func (r Resources) Select(nodes []Node) (int, Node, error) {
	if r.NodeName != "" {
		for _, n := range nodes {
			if n.Name == r.NodeName {
				return ceilDiv(r.Cores, n.Cores), n, nil
			}
		}
		return 0, Node{}, Errorf("unknown node name: %q", r.NodeName)
	}
	if len(nodes) == 0 {
		return 1, Node{}, nil
	}
	for _, n := range nodes {
		if n.Cores > 0 && r.Cores%n.Cores == 0 {
			return r.Cores / n.Cores, n, nil
		}
	}
	smallest := nodes[0]
	for _, n := range nodes[1:] {
		if n.Cores < smallest.Cores {
			smallest = n
		}
	}
	return ceilDiv(r.Cores, smallest.Cores), smallest, nil
}

// Bigger returns the resources to use when restarting a task that ended in
// state. TIMEOUT doubles tmax. MEMORY rounds cores up to the next multiple
// of the node size, doubling when cores are already aligned.
func (r Resources) Bigger(state State, nodes []Node) Resources {
	b := r
	switch state {
	case StateTimeout:
		b.Tmax = r.Tmax * 2
	case StateMemory:
		step := r.Cores
		if _, node, err := r.Select(nodes); err == nil && node.Cores > 0 {
			step = node.Cores
		}
		if r.Cores%step == 0 {
			b.Cores = r.Cores * 2
		} else {
			b.Cores = (r.Cores/step + 1) * step
		}
		if r.Processes == r.Cores || b.Cores%r.Processes != 0 {
			b.Processes = b.Cores
		}
	}
	return b
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 1
	}
	return (a + b - 1) / b
}
