package peers

import (
	"errors"
	"fmt"
	"math/rand"
	"net"

	"github.com/davecgh/go-spew/spew"
	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

// Bootstrapper is a pluggable source of candidate peer addresses. Several
// mechanisms can be used, such as DNS seeds or a fixed list.
type Bootstrapper interface {
	// SampleNodeAddrs returns up to numAddrs peer addresses. Addresses
	// whose String form is in ignore, perhaps because we are already
	// connected to them, are skipped.
	SampleNodeAddrs(numAddrs uint32,
		ignore map[string]struct{}) ([]net.Addr, error)

	// Name returns a human readable string which names the concrete
	// implementation of the Bootstrapper.
	Name() string
}

// MultiSourceBootstrap queries each bootstrapper in turn until numAddrs
// addresses were collected. A failing bootstrapper is logged and skipped.
func MultiSourceBootstrap(ignore map[string]struct{}, numAddrs uint32,
	bootstrappers ...Bootstrapper) []net.Addr {

	var addrs []net.Addr
	seen := make(map[string]struct{}, len(ignore))
	for addr := range ignore {
		seen[addr] = struct{}{}
	}

	for _, bootstrapper := range bootstrappers {
		// If we already have enough addresses, then we can exit early
		// w/o querying the additional bootstrappers.
		if uint32(len(addrs)) >= numAddrs {
			break
		}

		log.Infof("Attempting to bootstrap with: %v",
			bootstrapper.Name())

		numAddrsLeft := numAddrs - uint32(len(addrs))
		log.Tracef("Querying for %v addresses", numAddrsLeft)
		netAddrs, err := bootstrapper.SampleNodeAddrs(numAddrsLeft, seen)
		if err != nil {
			log.Errorf("Unable to query bootstrapper %v: %v",
				bootstrapper.Name(), err)
			continue
		}

		for _, addr := range netAddrs {
			if _, ok := seen[addr.String()]; ok {
				continue
			}
			seen[addr.String()] = struct{}{}
			addrs = append(addrs, addr)
		}
	}

	log.Infof("Obtained %v addrs to bootstrap network with", len(addrs))

	return addrs
}

// StaticBootstrapper hands out a fixed list of addresses.
type StaticBootstrapper struct {
	addrs []net.Addr
}

// A compile time assertion to ensure that StaticBootstrapper meets the
// Bootstrapper interface.
var _ Bootstrapper = (*StaticBootstrapper)(nil)

// NewStaticBootstrapper returns a bootstrapper over addrs.
func NewStaticBootstrapper(addrs ...net.Addr) *StaticBootstrapper {
	return &StaticBootstrapper{addrs: addrs}
}

// SampleNodeAddrs returns the first numAddrs addresses not in ignore.
//
// NOTE: Part of the Bootstrapper interface.
func (s *StaticBootstrapper) SampleNodeAddrs(numAddrs uint32,
	ignore map[string]struct{}) ([]net.Addr, error) {

	var addrs []net.Addr
	for _, addr := range s.addrs {
		if uint32(len(addrs)) >= numAddrs {
			break
		}
		if _, ok := ignore[addr.String()]; ok {
			continue
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// Name returns a human readable string which names the concrete
// implementation of the Bootstrapper.
//
// NOTE: Part of the Bootstrapper interface.
func (s *StaticBootstrapper) Name() string {
	return fmt.Sprintf("Static peers: %v", s.addrs)
}

// DNSSeedBootstrapper resolves the A records of a set of DNS seeds. Each seed
// answers with a random sample of reachable nodes listening on the network's
// default port.
type DNSSeedBootstrapper struct {
	seeds []string
	port  string

	// lookupHost resolves a seed through the system resolver.
	lookupHost func(string) ([]string, error)

	// fallbackLookup queries a seed over TCP when the system resolver
	// fails, for instance because the UDP answer was truncated.
	fallbackLookup func(string) ([]string, error)

	// limiter throttles queries so a failing pool does not hammer the
	// seeds.
	limiter *rate.Limiter
}

// A compile time assertion to ensure that DNSSeedBootstrapper meets the
// Bootstrapper interface.
var _ Bootstrapper = (*DNSSeedBootstrapper)(nil)

// NewDNSSeedBootstrapper returns a bootstrapper over the given seeds. Nodes
// are assumed to listen on defaultPort. A nil lookupHost uses the system
// resolver.
func NewDNSSeedBootstrapper(seeds []string, defaultPort string,
	lookupHost func(string) ([]string, error)) *DNSSeedBootstrapper {

	if lookupHost == nil {
		lookupHost = net.LookupHost
	}

	return &DNSSeedBootstrapper{
		seeds:          seeds,
		port:           defaultPort,
		lookupHost:     lookupHost,
		fallbackLookup: tcpLookupHost,
		limiter:        rate.NewLimiter(rate.Limit(1), len(seeds)+1),
	}
}

// tcpLookupHost queries the A records of host over TCP against the first
// resolver in /etc/resolv.conf.
func tcpLookupHost(host string) ([]string, error) {
	log.Tracef("Attempting to query %v over TCP", host)

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	if len(conf.Servers) == 0 {
		return nil, errors.New("no DNS servers configured")
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)

	client := &dns.Client{Net: "tcp"}
	resp, _, err := client.Exchange(
		msg, net.JoinHostPort(conf.Servers[0], conf.Port),
	)
	if err != nil {
		return nil, err
	}

	// If the message response code was not the success code, fail.
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("unsuccessful A request, received: %v",
			dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}

	return addrs, nil
}

// SampleNodeAddrs queries every seed once and returns a random sample of the
// answers.
//
// NOTE: Part of the Bootstrapper interface.
func (d *DNSSeedBootstrapper) SampleNodeAddrs(numAddrs uint32,
	ignore map[string]struct{}) ([]net.Addr, error) {

	var (
		netAddrs []net.Addr
		lastErr  error
	)
	for _, seed := range d.seeds {
		if uint32(len(netAddrs)) >= numAddrs {
			break
		}

		if !d.limiter.Allow() {
			log.Debugf("DNS seed queries throttled, skipping %v",
				seed)
			continue
		}

		hosts, err := d.lookupHost(seed)
		if err != nil {
			log.Tracef("Unable to lookup %v via system resolver, "+
				"falling back to TCP: %v", seed, err)

			hosts, err = d.fallbackLookup(seed)
			if err != nil {
				lastErr = err
				continue
			}
		}

		log.Tracef("Retrieved hosts from dns seed %v: %v", seed,
			spew.Sdump(hosts))

		rand.Shuffle(len(hosts), func(i, j int) {
			hosts[i], hosts[j] = hosts[j], hosts[i]
		})

		for _, host := range hosts {
			if uint32(len(netAddrs)) >= numAddrs {
				break
			}

			addr, err := net.ResolveTCPAddr(
				"tcp", net.JoinHostPort(host, d.port),
			)
			if err != nil {
				continue
			}
			if _, ok := ignore[addr.String()]; ok {
				continue
			}

			netAddrs = append(netAddrs, addr)
		}
	}

	if len(netAddrs) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return netAddrs, nil
}

// Name returns a human readable string which names the concrete
// implementation of the Bootstrapper.
//
// NOTE: Part of the Bootstrapper interface.
func (d *DNSSeedBootstrapper) Name() string {
	return fmt.Sprintf("DNS Seed: %v", d.seeds)
}
