// Package cliconfig implements the CLI surface of spec §6: flag parsing
// and validation for the "server" and "client" subcommands. Grounded on
// main.go's flag-based setup (kept in this idiom: flag.NewFlagSet per
// subcommand, explicit validation before any network activity). Repeated
// -a/-p/-r flags have no ecosystem equivalent in the pack; implemented
// via the standard flag.Value interface, the idiomatic stdlib mechanism
// for multi-valued flags (documented in DESIGN.md as a stdlib-only
// concern -- there's no third-party flag library anywhere in the corpus).
package cliconfig

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/cmb-protocol/cmb/internal/protoerr"
	"github.com/cmb-protocol/cmb/internal/resource"
)

// DefaultSendingRate is the default per-flow sending rate (spec §6).
const DefaultSendingRate = 250000

// MinPort and MaxPort bound valid port numbers (spec §6).
const (
	MinPort = 1024
	MaxPort = 65535
)

// Endpoint is one address/port pair.
type Endpoint struct {
	Addr string
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.Addr, e.Port) }

type stringSliceFlag struct{ values *[]string }

func (f stringSliceFlag) String() string {
	if f.values == nil {
		return ""
	}
	return fmt.Sprint(*f.values)
}

func (f stringSliceFlag) Set(v string) error {
	*f.values = append(*f.values, v)
	return nil
}

type intSliceFlag struct{ values *[]int }

func (f intSliceFlag) String() string {
	if f.values == nil {
		return ""
	}
	return fmt.Sprint(*f.values)
}

func (f intSliceFlag) Set(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%w: %v", protoerr.ErrConfig, err)
	}
	*f.values = append(*f.values, n)
	return nil
}

// zipEndpoints combines parallel address and port lists per spec §6:
// "Multiple -a and -p must match in count, or exactly one of each may be
// given and is broadcast."
func zipEndpoints(addrs []string, ports []int) ([]Endpoint, error) {
	if len(addrs) == 0 || len(ports) == 0 {
		return nil, fmt.Errorf("%w: at least one -a and one -p required", protoerr.ErrConfig)
	}
	for _, p := range ports {
		if p < MinPort || p > MaxPort {
			return nil, fmt.Errorf("%w: port %d out of range [%d,%d]", protoerr.ErrConfig, p, MinPort, MaxPort)
		}
	}
	switch {
	case len(addrs) == len(ports):
		out := make([]Endpoint, len(addrs))
		for i := range addrs {
			out[i] = Endpoint{Addr: addrs[i], Port: ports[i]}
		}
		return out, nil
	case len(addrs) == 1:
		out := make([]Endpoint, len(ports))
		for i, p := range ports {
			out[i] = Endpoint{Addr: addrs[0], Port: p}
		}
		return out, nil
	case len(ports) == 1:
		out := make([]Endpoint, len(addrs))
		for i, a := range addrs {
			out[i] = Endpoint{Addr: a, Port: ports[0]}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: -a count (%d) and -p count (%d) must match, or one of each must be singular", protoerr.ErrConfig, len(addrs), len(ports))
	}
}

// ServerConfig holds the validated "server" subcommand arguments.
type ServerConfig struct {
	Endpoints []Endpoint
	Verbose   bool
	File      string
}

// ParseServer parses and validates `<cmd> server [-a ADDR]+ [-p PORT]+ [-v] FILE`.
func ParseServer(args []string) (*ServerConfig, error) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var addrs []string
	var ports []int
	var verbose bool
	fs.Var(stringSliceFlag{&addrs}, "a", "address to serve on (repeatable)")
	fs.Var(intSliceFlag{&ports}, "p", "port to serve on (repeatable)")
	fs.BoolVar(&verbose, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.ErrConfig, err)
	}
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("%w: expected exactly one FILE argument", protoerr.ErrConfig)
	}
	endpoints, err := zipEndpoints(addrs, ports)
	if err != nil {
		return nil, err
	}
	return &ServerConfig{Endpoints: endpoints, Verbose: verbose, File: fs.Arg(0)}, nil
}

// ClientConfig holds the validated "client" subcommand arguments.
type ClientConfig struct {
	Endpoints  []Endpoint
	Rates      []uint32
	Verbose    bool
	ResourceID resource.ID
	Output     string
}

// ParseClient parses and validates
// `<cmd> client [-a ADDR]+ [-p PORT]+ [-r RATE]+ [-v] RESOURCE_ID OUTPUT`.
func ParseClient(args []string) (*ClientConfig, error) {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	var addrs []string
	var ports []int
	var rates []int
	var verbose bool
	fs.Var(stringSliceFlag{&addrs}, "a", "provider address (repeatable, 1 or 2)")
	fs.Var(intSliceFlag{&ports}, "p", "provider port (repeatable, 1 or 2)")
	fs.Var(intSliceFlag{&rates}, "r", "per-flow sending rate, bytes/s (repeatable)")
	fs.BoolVar(&verbose, "v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.ErrConfig, err)
	}
	if fs.NArg() != 2 {
		return nil, fmt.Errorf("%w: expected RESOURCE_ID and OUTPUT arguments", protoerr.ErrConfig)
	}
	endpoints, err := zipEndpoints(addrs, ports)
	if err != nil {
		return nil, err
	}
	if len(endpoints) > 2 {
		return nil, fmt.Errorf("%w: at most two endpoints accepted (forward, reverse)", protoerr.ErrConfig)
	}

	rateVals := make([]uint32, len(endpoints))
	for i := range rateVals {
		rateVals[i] = DefaultSendingRate
	}
	for i, r := range rates {
		if i >= len(rateVals) {
			break
		}
		if r <= 0 {
			return nil, fmt.Errorf("%w: sending rate must be positive, got %d", protoerr.ErrConfig, r)
		}
		rateVals[i] = uint32(r)
	}

	id, err := resource.ParseID(fs.Arg(0))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protoerr.ErrConfig, err)
	}

	return &ClientConfig{
		Endpoints:  endpoints,
		Rates:      rateVals,
		Verbose:    verbose,
		ResourceID: id,
		Output:     fs.Arg(1),
	}, nil
}
