package storage

import (
	"fmt"
	"strings"
)

// Filter narrows a summary query. The zero value matches every host.
//
// Constraints of the same kind are OR-ed (any listed IP, any listed port),
// constraints of different kinds are AND-ed.
type Filter struct {
	ips          []string
	ports        []int
	onionRouting bool
}

// NewFilter returns an empty filter.
func NewFilter() *Filter {
	return &Filter{}
}

// AddIP restricts the filter to ip. Duplicates are ignored.
func (f *Filter) AddIP(ip string) error {
	canon, err := CanonicalIP(strings.TrimSpace(ip))
	if err != nil {
		return err
	}
	for _, existing := range f.ips {
		if existing == canon {
			return nil
		}
	}
	f.ips = append(f.ips, canon)
	return nil
}

// AddPort restricts the filter to hosts with port open. Duplicates are ignored.
func (f *Filter) AddPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	for _, existing := range f.ports {
		if existing == port {
			return nil
		}
	}
	f.ports = append(f.ports, port)
	return nil
}

// SetOnionRouting restricts the filter to onion-routing hosts when on is true.
// false lifts the restriction, it does not exclude onion-routing hosts.
func (f *Filter) SetOnionRouting(on bool) {
	f.onionRouting = on
}

func (f *Filter) IPs() []string { return append([]string(nil), f.ips...) }

func (f *Filter) Ports() []int { return append([]int(nil), f.ports...) }

func (f *Filter) OnionRouting() bool { return f.onionRouting }

// Empty reports whether the filter has no constraint at all.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.ips) == 0 && len(f.ports) == 0 && !f.onionRouting)
}

// Where renders the filter as a boolean SQL expression over the hosts table
// aliased as h. placeholder returns the bind marker for the n-th argument,
// starting at 1.
func (f *Filter) Where(placeholder func(n int) string) (string, []any) {
	if f.Empty() {
		return "1=1", nil
	}

	var (
		conditions []string
		args       []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if len(f.ips) > 0 {
		marks := make([]string, 0, len(f.ips))
		for _, ip := range f.ips {
			marks = append(marks, bind(ip))
		}
		conditions = append(conditions, "h.ip IN ("+strings.Join(marks, ", ")+")")
	}

	if len(f.ports) > 0 {
		marks := make([]string, 0, len(f.ports))
		for _, port := range f.ports {
			marks = append(marks, bind(port))
		}
		conditions = append(conditions,
			"h.ip IN (SELECT p2.ip FROM ports p2 WHERE p2.port IN ("+strings.Join(marks, ", ")+"))")
	}

	if f.onionRouting {
		conditions = append(conditions, "h.onion_routing = "+bind(true))
	}

	return strings.Join(conditions, " AND "), args
}
