package chainreg

import (
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// filePrefix is the base name shared by every file the daemon keeps
	// for a network.
	filePrefix = "multibit"

	// BlockchainSuffix is the extension of the chain store file.
	BlockchainSuffix = ".blockchain"

	// WalletSuffix is the extension of a wallet file.
	WalletSuffix = ".wallet"
)

// DiscoveryKind names the peer discovery strategy a network uses when no
// exclusive peer has been configured.
type DiscoveryKind uint8

const (
	// DiscoveryDNS bootstraps from the network's DNS seeds.
	DiscoveryDNS DiscoveryKind = iota

	// DiscoveryNone disables discovery. Peers must be added explicitly.
	DiscoveryNone
)

// NetworkProfile couples the p2p parameters of a network with the file naming
// and discovery strategy the daemon uses on it. Profiles are passed by value
// and never modified once constructed.
type NetworkProfile struct {
	// Params are the consensus and p2p parameters of the network.
	Params *chaincfg.Params

	// FilePrefix is the prefix of the chain store and wallet file names.
	FilePrefix string

	// Discovery selects how peers are found for this network.
	Discovery DiscoveryKind
}

// MainNet is the production bitcoin network.
var MainNet = NetworkProfile{
	Params:     &chaincfg.MainNetParams,
	FilePrefix: filePrefix,
	Discovery:  DiscoveryDNS,
}

// TestNet is version 3 of the public test network.
var TestNet = NetworkProfile{
	Params:     &chaincfg.TestNet3Params,
	FilePrefix: filePrefix + "-testnet",
	Discovery:  DiscoveryDNS,
}

// RegTest is a local regression test network. It has no seeds, so peers must
// be given explicitly.
var RegTest = NetworkProfile{
	Params:     &chaincfg.RegressionNetParams,
	FilePrefix: filePrefix + "-regtest",
	Discovery:  DiscoveryNone,
}

// ForNetwork returns the profile for the production network or, if testnet is
// set, the public test network.
func ForNetwork(testnet bool) NetworkProfile {
	if testnet {
		return TestNet
	}

	return MainNet
}

// Name returns the name of the underlying network.
func (p NetworkProfile) Name() string {
	return p.Params.Name
}

// ChainFileName is the bare file name of the chain store.
func (p NetworkProfile) ChainFileName() string {
	return p.FilePrefix + BlockchainSuffix
}

// WalletFileName is the bare file name of the default wallet.
func (p NetworkProfile) WalletFileName() string {
	return p.FilePrefix + WalletSuffix
}

// ChainFilePath returns the location of the chain store inside dataDir. An
// empty dataDir places the file in the current directory.
func (p NetworkProfile) ChainFilePath(dataDir string) string {
	return filePath(dataDir, p.ChainFileName())
}

// WalletFilePath returns the location of the default wallet inside dataDir.
// An empty dataDir places the file in the current directory.
func (p NetworkProfile) WalletFilePath(dataDir string) string {
	return filePath(dataDir, p.WalletFileName())
}

func filePath(dataDir, name string) string {
	if dataDir == "" {
		return name
	}

	return filepath.Join(dataDir, name)
}

// ParseAddress decodes a human readable address and makes sure that it belongs
// to this network.
func (p NetworkProfile) ParseAddress(addr string) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, p.Params)
	if err != nil {
		return nil, fmt.Errorf("unable to decode address %q: %w", addr,
			err)
	}

	if !decoded.IsForNet(p.Params) {
		return nil, fmt.Errorf("address %q is not for network %s",
			addr, p.Name())
	}

	return decoded, nil
}

// DNSSeeds returns the host names of the DNS seeds used to bootstrap the
// network. It is empty unless the profile uses DNS discovery.
func (p NetworkProfile) DNSSeeds() []string {
	if p.Discovery != DiscoveryDNS {
		return nil
	}

	seeds := make([]string, 0, len(p.Params.DNSSeeds))
	for _, seed := range p.Params.DNSSeeds {
		seeds = append(seeds, seed.Host)
	}

	return seeds
}
