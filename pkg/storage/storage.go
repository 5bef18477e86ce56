package storage

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"
)

var (
	// ErrInvalidIP is returned when an address cannot be parsed.
	ErrInvalidIP = errors.New("invalid ip address")
	// ErrInvalidPort is returned for ports outside 1..65535.
	ErrInvalidPort = errors.New("invalid port")
)

// ScanRecord holds the normalized scan fields we persist.
type ScanRecord struct {
	IP           string
	Port         uint32
	Service      string
	Timestamp    time.Time
	Response     string
	OnionRouting bool
}

// PortService is one open (port, service) pair of a host.
type PortService struct {
	Port        int
	Service     string
	LastScanned time.Time
}

// HostSummary is the per-host view rendered by the front-end.
type HostSummary struct {
	IP           string
	OnionRouting bool
	LastScanned  time.Time
	Services     []PortService
}

// Ports returns the distinct ports of the host in ascending order.
func (h HostSummary) Ports() []int {
	seen := make(map[int]struct{}, len(h.Services))
	ports := make([]int, 0, len(h.Services))
	for _, s := range h.Services {
		if _, ok := seen[s.Port]; ok {
			continue
		}
		seen[s.Port] = struct{}{}
		ports = append(ports, s.Port)
	}
	sort.Ints(ports)
	return ports
}

// Repository defines persistence operations for scans.
type Repository interface {
	UpsertLatest(ctx context.Context, record ScanRecord) error

	Initialized(ctx context.Context) (bool, error)
	CreateDatabase(ctx context.Context) error
	DropDatabase(ctx context.Context) error
	ClearTables(ctx context.Context) error

	AllSummary(ctx context.Context) ([]HostSummary, error)
	FilteredSummary(ctx context.Context, filter *Filter) ([]HostSummary, error)
	DeleteHost(ctx context.Context, ip string) (bool, error)

	Close()
}

// CanonicalIP parses ip and returns its canonical text form. IPv4-mapped IPv6
// addresses are unmapped.
func CanonicalIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return addr.Unmap().String(), nil
}

// SummaryRow is one row of the hosts LEFT JOIN ports query. Port and Service
// are nil for hosts without any port rows.
type SummaryRow struct {
	IP              string
	OnionRouting    bool
	HostLastScanned time.Time
	Port            *int
	Service         *string
	PortLastScanned *time.Time
}

// FoldSummary groups rows ordered by ip into one HostSummary per host.
func FoldSummary(rows []SummaryRow) []HostSummary {
	var out []HostSummary
	for _, r := range rows {
		if len(out) == 0 || out[len(out)-1].IP != r.IP {
			out = append(out, HostSummary{
				IP:           r.IP,
				OnionRouting: r.OnionRouting,
				LastScanned:  r.HostLastScanned,
			})
		}
		if r.Port == nil {
			continue
		}
		ps := PortService{Port: *r.Port}
		if r.Service != nil {
			ps.Service = *r.Service
		}
		if r.PortLastScanned != nil {
			ps.LastScanned = *r.PortLastScanned
		}
		h := &out[len(out)-1]
		h.Services = append(h.Services, ps)
	}
	return out
}
