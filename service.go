package multibitd

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/multibit/multibitd/build"
	"github.com/multibit/multibitd/chain"
	"github.com/multibit/multibitd/chainreg"
	"github.com/multibit/multibitd/chainstore"
	"github.com/multibit/multibitd/monitoring"
	"github.com/multibit/multibitd/peers"
	"github.com/multibit/multibitd/replay"
	"github.com/multibit/multibitd/wallet"
)

// State is the lifecycle state of a SyncService.
type State uint8

const (
	// StateUninitialized is the state before Initialize succeeded and
	// after Stop.
	StateUninitialized State = iota

	// StateReady means the chain store is open and peers are being
	// connected.
	StateReady

	// StateSyncing means a chain download is running.
	StateSyncing

	// StateReplaying means the chain head is being rolled back.
	StateReplaying

	// StateFailed means the last Initialize failed. Initialize may be
	// called again.
	StateFailed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateReady:
		return "Ready"
	case StateSyncing:
		return "Syncing"
	case StateReplaying:
		return "Replaying"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Broadcaster hands transactions to the network.
type Broadcaster interface {
	BroadcastTransaction(tx *wire.MsgTx) *peers.Task
}

// ServiceConfig holds the dependencies and tunables of a SyncService. The
// zero value connects to DNS discovered peers with default settings.
type ServiceConfig struct {
	// InstallDir holds the chain file a fresh install is seeded from.
	InstallDir string

	// Clock is used by the wallets. Defaults to the system clock.
	Clock clock.Clock

	// Files performs the file operations. Defaults to a handler working
	// on InstallDir and the network's wallet files.
	Files FileHandler

	// Notifier receives peer events and wallet creations. Optional.
	Notifier Notifier

	// Broadcaster sends transactions. Defaults to the peer coordinator.
	Broadcaster Broadcaster

	// Metrics records the service's activity. Optional.
	Metrics *monitoring.Metrics

	// ConnectPeer is the exclusive peer to connect to. It can't be
	// combined with Bootstrappers.
	ConnectPeer string

	// MaxPeers is the size of the discovered peer pool. Zero keeps the
	// coordinator default.
	MaxPeers int

	// NoDiscovery disables peer discovery.
	NoDiscovery bool

	// Bootstrappers are sources of peer addresses used in addition to
	// the network's DNS seeds.
	Bootstrappers []peers.Bootstrapper

	// Dial opens peer connections. Defaults to TCP.
	Dial func(net.Addr) (net.Conn, error)

	// RefreshInterval paces top ups of the discovered peer pool.
	RefreshInterval time.Duration

	// RetryDuration is the delay before reconnecting to a failed peer.
	RetryDuration time.Duration

	// ResponseTimeout bounds how long a peer may take to answer.
	ResponseTimeout time.Duration

	// BroadcastTimeout bounds how long a broadcast waits for a peer.
	BroadcastTimeout time.Duration

	// SafetyMargin is the number of blocks a partial replay rolls back
	// beyond the cutoff. Defaults to replay.DefaultSafetyMargin.
	SafetyMargin int

	// AllowSelfConns disables self connection detection. Only tests set
	// it.
	AllowSelfConns bool
}

// WalletBinding is the handle of a wallet attached to the service.
type WalletBinding struct {
	// Wallet is the attached wallet.
	Wallet *wallet.Wallet

	// Path is the file the wallet was loaded from.
	Path string
}

// ReceivingAddresses returns the addresses of every key of the wallet.
func (b *WalletBinding) ReceivingAddresses() []btcutil.Address {
	return b.Wallet.Addresses()
}

// Payment is the result of a successful SendCoins.
type Payment struct {
	// Tx is the signed transaction.
	Tx *wire.MsgTx

	// Fee is the fee paid by Tx.
	Fee btcutil.Amount

	// Broadcast completes once the transaction was handed to peers.
	Broadcast *peers.Task
}

// SyncService owns the chain store, the chain and the peer coordinator of one
// network and binds wallets to them. Orchestration calls are serialized. The
// downloads and broadcasts they start run in the background.
type SyncService struct {
	cfg ServiceConfig

	// ctrl serializes the orchestration calls.
	ctrl sync.Mutex

	mu          sync.RWMutex
	state       State
	profile     chainreg.NetworkProfile
	dataDir     string
	files       FileHandler
	store       *chainstore.Store
	chain       *chain.Chain
	coord       *peers.Coordinator
	broadcaster Broadcaster
	download    *peers.Task

	bindings map[*wallet.Wallet]*WalletBinding
	byPath   map[string]*WalletBinding

	// owned are the wallets the service opened and has to close.
	owned []*wallet.Wallet

	wg sync.WaitGroup
}

// NewSyncService creates an uninitialized service.
func NewSyncService(cfg ServiceConfig) *SyncService {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = replay.DefaultSafetyMargin
	}

	return &SyncService{
		cfg:      cfg,
		bindings: make(map[*wallet.Wallet]*WalletBinding),
		byPath:   make(map[string]*WalletBinding),
	}
}

// Initialize opens the chain store of the production or test network inside
// dataDir and starts connecting to peers.
func (s *SyncService) Initialize(testnet bool, dataDir string) error {
	return s.InitializeProfile(chainreg.ForNetwork(testnet), dataDir)
}

// InitializeProfile opens the chain store of profile inside dataDir, creating
// it if needed, and starts connecting to peers. A missing chain file is
// seeded from the install directory when possible. On failure the service is
// left in StateFailed and Initialize may be retried.
func (s *SyncService) InitializeProfile(profile chainreg.NetworkProfile,
	dataDir string) error {

	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	const op = "initialize"

	switch state := s.State(); state {
	case StateUninitialized, StateFailed:
	default:
		return newError(KindState, op, fmt.Errorf("service is %v",
			state))
	}

	// A replay that failed to rebuild the store leaves the previous
	// coordinator running.
	if err := s.releaseRuntime(); err != nil {
		mbtdLog.Warnf("Unable to release previous chain: %v", err)
	}

	// Wallets bound on another network can't follow this chain.
	prev := s.Profile()
	if prev.Params != nil && prev.Params.Net != profile.Params.Net {
		if err := s.releaseWallets(); err != nil {
			mbtdLog.Warnf("Unable to close wallets: %v", err)
		}
	}

	files := s.cfg.Files
	if files == nil {
		files = newFileHandler(s.cfg.InstallDir, profile, wallet.Config{
			Params: profile.Params,
			Clock:  s.cfg.Clock,
		})
	}

	chainPath := profile.ChainFilePath(dataDir)
	if _, err := os.Stat(chainPath); errors.Is(err, os.ErrNotExist) {
		err := files.CopyDefaultChainFile(chainPath)
		switch {
		case err == nil:

		case errors.Is(err, errNoSeedChain):
			mbtdLog.Infof("No installed chain file, starting %v "+
				"from genesis", profile.Name())

		default:
			mbtdLog.Warnf("Unable to seed chain file %v: %v",
				chainPath, err)
		}
	}

	store, created, err := chainstore.OpenOrCreate(chainPath, profile.Params)
	if err != nil {
		s.setState(StateFailed)
		return newError(KindStore, op, err)
	}
	if created {
		mbtdLog.Infof("Created chain store %v", chainPath)
	}

	ch := chain.New(store)
	coord, err := s.newCoordinator(profile, ch)
	if err != nil {
		_ = store.Close()
		s.setState(StateFailed)
		return err
	}

	broadcaster := s.cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = coord
	}

	s.mu.Lock()
	s.profile = profile
	s.dataDir = dataDir
	s.files = files
	s.store = store
	s.chain = ch
	s.coord = coord
	s.broadcaster = broadcaster
	s.state = StateReady
	rebound := make([]*wallet.Wallet, 0, len(s.bindings))
	for w := range s.bindings {
		ch.AddWallet(w)
		coord.AddWallet(w)
		rebound = append(rebound, w)
	}
	s.mu.Unlock()

	head, err := ch.GetChainHead()
	if err != nil {
		mbtdLog.Warnf("Unable to read chain head: %v", err)
		return nil
	}
	mbtdLog.Infof("Service ready on %v, chain head %v", profile.Name(),
		head)

	for _, w := range rebound {
		s.rewindWallet(w, head)
	}

	return nil
}

// rewindWallet rolls w back to head when it was synced past it.
func (s *SyncService) rewindWallet(w *wallet.Wallet,
	head *chainstore.StoredBlock) {

	height, err := w.SyncHeight()
	if err != nil || height <= head.Height {
		return
	}

	mbtdLog.Infof("Rewinding wallet %v from height %d to %v", w.Path(),
		height, head)

	if err := w.ChainReorganized(head); err != nil {
		mbtdLog.Errorf("Unable to rewind wallet %v: %v", w.Path(), err)
	}
}

// newCoordinator creates and starts the peer coordinator of profile.
func (s *SyncService) newCoordinator(profile chainreg.NetworkProfile,
	ch *chain.Chain) (*peers.Coordinator, error) {

	const op = "initialize"

	peerCfg := peers.Config{
		ChainParams:      profile.Params,
		UserAgentName:    build.UserAgentName,
		UserAgentVersion: build.UserAgentVersion(),
		Dial:             s.cfg.Dial,
		RetryDuration:    s.cfg.RetryDuration,
		ResponseTimeout:  s.cfg.ResponseTimeout,
		BroadcastTimeout: s.cfg.BroadcastTimeout,
		AllowSelfConns:   s.cfg.AllowSelfConns,
	}
	if s.cfg.RefreshInterval > 0 {
		peerCfg.RefreshTicker = ticker.New(s.cfg.RefreshInterval)
	}
	coord := peers.New(peerCfg, ch)

	if s.cfg.MaxPeers > 0 {
		if err := coord.SetMaxConnections(s.cfg.MaxPeers); err != nil {
			return nil, newError(KindState, op, err)
		}
	}

	if s.cfg.ConnectPeer != "" {
		err := coord.SetExclusiveAddress(s.cfg.ConnectPeer)
		if err != nil {
			return nil, newError(KindState, op, err)
		}
	}

	for _, b := range s.bootstrappers(profile) {
		if err := coord.AddDiscoveryStrategy(b); err != nil {
			return nil, newError(KindState, op, err)
		}
	}

	if s.cfg.Notifier != nil {
		coord.RegisterEventListener(s.cfg.Notifier)
	}
	if s.cfg.Metrics != nil {
		coord.RegisterEventListener(s.cfg.Metrics)
	}

	if err := coord.Start(); err != nil {
		return nil, newError(KindConnectivity, op, err)
	}

	return coord, nil
}

// bootstrappers returns the discovery strategies for profile: the
// configured ones followed by the network's DNS seeds. The seeds are left
// out in exclusive mode, explicitly configured strategies are not, so that
// the coordinator rejects the combination.
func (s *SyncService) bootstrappers(
	profile chainreg.NetworkProfile) []peers.Bootstrapper {

	bootstrappers := append([]peers.Bootstrapper(nil),
		s.cfg.Bootstrappers...)

	if s.cfg.NoDiscovery || s.cfg.ConnectPeer != "" {
		return bootstrappers
	}

	if seeds := profile.DNSSeeds(); len(seeds) > 0 {
		bootstrappers = append(bootstrappers,
			peers.NewDNSSeedBootstrapper(
				seeds, profile.Params.DefaultPort, nil,
			),
		)
	}

	return bootstrappers
}

// AttachWalletFromPath loads the wallet at path and attaches it. An empty
// path or a directory selects the network's default wallet in the data
// directory. If the requested file does not exist the default wallet is
// used instead, and if that does not exist either a new wallet with one key
// is created, saved and announced to the Notifier. Attaching the same file
// twice returns the existing binding.
func (s *SyncService) AttachWalletFromPath(path string) (*WalletBinding,
	error) {

	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	const op = "attach wallet"

	if err := s.requireReady(op); err != nil {
		return nil, err
	}

	defaultPath := s.profile.WalletFilePath(s.dataDir)
	target := path
	if target == "" || isDir(target) {
		target = defaultPath
	}

	if b := s.bindingForPath(target); b != nil {
		return b, nil
	}

	w, err := s.files.LoadWallet(target)
	if errors.Is(err, wallet.ErrWalletNotFound) && target != defaultPath {
		mbtdLog.Warnf("Wallet %v not found, using %v", target,
			defaultPath)

		target = defaultPath
		if b := s.bindingForPath(target); b != nil {
			return b, nil
		}

		w, err = s.files.LoadWallet(target)
	}

	created := false
	if errors.Is(err, wallet.ErrWalletNotFound) {
		w, err = s.createWallet(target)
		created = true
	}
	if err != nil {
		return nil, newError(KindPersistence, op, err)
	}

	s.owned = append(s.owned, w)
	binding := s.attach(w, target)

	if created && s.cfg.Notifier != nil {
		s.cfg.Notifier.OnNewWalletCreated(binding)
	}

	return binding, nil
}

// createWallet creates a wallet at path holding one new key and saves it.
func (s *SyncService) createWallet(path string) (*wallet.Wallet, error) {
	w, err := s.files.CreateWallet(path)
	if err != nil {
		return nil, err
	}

	if _, err := w.NewAddress(); err != nil {
		_ = w.Close()
		return nil, err
	}

	if err := s.files.SaveWallet(w, true); err != nil {
		_ = w.Close()
		return nil, err
	}

	return w, nil
}

// AttachWallet attaches an open wallet to the chain and the peer
// coordinator. The caller keeps ownership of w. Attaching a wallet twice
// returns the existing binding.
func (s *SyncService) AttachWallet(w *wallet.Wallet) (*WalletBinding, error) {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	if err := s.requireReady("attach wallet"); err != nil {
		return nil, err
	}

	return s.attach(w, w.Path()), nil
}

// attach registers w with the chain and the coordinator once.
func (s *SyncService) attach(w *wallet.Wallet, path string) *WalletBinding {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.bindings[w]; ok {
		return b
	}

	s.chain.AddWallet(w)
	s.coord.AddWallet(w)

	b := &WalletBinding{
		Wallet: w,
		Path:   path,
	}
	s.bindings[w] = b
	s.byPath[filepath.Clean(path)] = b

	mbtdLog.Infof("Attached wallet %v with %d keys", path, w.NumKeys())

	return b
}

func (s *SyncService) bindingForPath(path string) *WalletBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.byPath[filepath.Clean(path)]
}

// Replay rolls the chain back and downloads it again. Without a cutoff the
// chain store is recreated from genesis. With a cutoff the head moves to a
// block older than the cutoff plus the safety margin, unless a gap in the
// stored ancestry is hit on the way, which also recreates the store. A
// running download is superseded and finishes with peers.ErrSuperseded before
// the head moves. The returned task tracks the new download.
func (s *SyncService) Replay(cutoff fn.Option[time.Time]) (*peers.Task,
	error) {

	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	const op = "replay"

	if err := s.requireReady(op); err != nil {
		return nil, err
	}

	prevState := s.State()
	s.setState(StateReplaying)

	if prev := s.coord.SupersedeDownload(); prev != nil {
		<-prev.Done()
	}

	head, err := s.chain.GetChainHead()
	if err != nil {
		s.setState(prevState)
		return nil, newError(KindStore, op, err)
	}

	plan := replay.PlanRollback(
		head, cutoff, s.store.PredecessorOf, s.cfg.SafetyMargin,
	)

	restart := plan.Restart()
	if plan.Gap && !plan.FullRestart {
		mbtdLog.Warnf("Chain store has a gap below %v, replaying from "+
			"genesis", plan.NewHead)
	}

	if restart {
		if err := s.recreateStore(); err != nil {
			s.setState(StateFailed)
			return nil, newError(KindStore, op, err)
		}

		mbtdLog.Infof("Replaying block chain from genesis, dropped %d "+
			"blocks", head.Height)
	} else {
		if err := s.chain.SetHead(plan.NewHead); err != nil {
			s.setState(prevState)
			return nil, newError(KindStore, op, err)
		}

		mbtdLog.Infof("Replaying block chain from %v, rolled back %d "+
			"blocks", plan.NewHead, plan.Rollback())
	}

	if s.cfg.Metrics != nil {
		rollback := uint32(plan.Rollback())
		if restart {
			rollback = head.Height
		}
		s.cfg.Metrics.ReplayStarted(restart, rollback)
	}

	return s.startDownload(), nil
}

// recreateStore discards the chain store and binds a fresh one holding only
// genesis to the chain.
func (s *SyncService) recreateStore() error {
	path := s.store.Path()
	if err := s.store.Close(); err != nil {
		mbtdLog.Warnf("Unable to close chain store %v: %v", path, err)
	}

	// The closed store must not be closed again if the rebuild fails.
	s.mu.Lock()
	s.store = nil
	s.mu.Unlock()

	store, err := chainstore.Create(path, s.profile.Params)
	if err != nil {
		return err
	}

	if err := s.chain.BindStore(store); err != nil {
		_ = store.Close()
		return err
	}

	s.mu.Lock()
	s.store = store
	s.mu.Unlock()

	return nil
}

// Download starts downloading the block chain in the background. A running
// download is superseded.
func (s *SyncService) Download() (*peers.Task, error) {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	if err := s.requireReady("download"); err != nil {
		return nil, err
	}

	return s.startDownload(), nil
}

// startDownload starts a download and moves the service to StateSyncing
// until it completes.
func (s *SyncService) startDownload() *peers.Task {
	task := s.coord.DownloadBlockChain(s.chain)

	s.mu.Lock()
	s.download = task
	s.state = StateSyncing
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		<-task.Done()

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.download != task || s.state != StateSyncing {
			return
		}
		s.download = nil
		s.state = StateReady

		if err := task.Err(); err != nil {
			mbtdLog.Debugf("Download ended: %v", err)
		}
	}()

	return task
}

// SendCoins pays amount to the address dest from the bound wallet, leaving
// exactly fee to the miner. The transaction is recorded in the wallet,
// broadcast once and the wallet is saved once before SendCoins returns. An
// unparsable destination fails with KindFormat and a wallet without enough
// funds with KindInsufficientFunds. In both cases nothing is broadcast or
// saved.
func (s *SyncService) SendCoins(binding *WalletBinding, dest string, amount,
	fee btcutil.Amount) (*Payment, error) {

	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	const op = "send coins"

	if err := s.requireReady(op); err != nil {
		return nil, err
	}
	if binding == nil || binding.Wallet == nil {
		return nil, newError(KindState, op, errors.New("no wallet"))
	}

	addr, err := s.profile.ParseAddress(dest)
	if err != nil {
		return nil, newError(KindFormat, op, err)
	}

	w := binding.Wallet
	spend, err := w.CreateTransaction(addr, amount, fee)
	switch {
	case err == nil:

	case errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrNoKeys):

		return nil, newError(KindInsufficientFunds, op, err)

	case errors.Is(err, wallet.ErrInvalidAmount):
		return nil, newError(KindFormat, op, err)

	default:
		return nil, newError(KindPersistence, op, err)
	}

	if err := w.CommitTransaction(spend); err != nil {
		return nil, newError(KindPersistence, op, err)
	}

	task := s.broadcaster.BroadcastTransaction(spend.Tx)

	if err := s.files.SaveWallet(w, false); err != nil {
		return nil, newError(KindPersistence, op, err)
	}

	mbtdLog.Infof("Sent %v to %v in %v", amount, dest, spend.Tx.TxHash())

	return &Payment{
		Tx:        spend.Tx,
		Fee:       spend.Fee,
		Broadcast: task,
	}, nil
}

// Stop disconnects all peers and closes the wallets the service opened and
// the chain store. The service returns to StateUninitialized.
func (s *SyncService) Stop() error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	errs := []error{s.releaseRuntime(), s.releaseWallets()}
	s.setState(StateUninitialized)

	return errors.Join(errs...)
}

// releaseRuntime stops the coordinator, waits for the download watcher and
// closes the chain store.
func (s *SyncService) releaseRuntime() error {
	s.mu.RLock()
	coord, store := s.coord, s.store
	s.mu.RUnlock()

	var errs []error
	if coord != nil {
		if err := coord.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	s.wg.Wait()

	if store != nil {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	s.store = nil
	s.chain = nil
	s.coord = nil
	s.broadcaster = nil
	s.download = nil
	s.mu.Unlock()

	return errors.Join(errs...)
}

// releaseWallets forgets every binding and closes the wallets the service
// opened.
func (s *SyncService) releaseWallets() error {
	s.mu.Lock()
	owned := s.owned
	s.owned = nil
	s.bindings = make(map[*wallet.Wallet]*WalletBinding)
	s.byPath = make(map[string]*WalletBinding)
	s.mu.Unlock()

	var errs []error
	for _, w := range owned {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// State returns the lifecycle state.
func (s *SyncService) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Profile returns the network the service was initialized for.
func (s *SyncService) Profile() chainreg.NetworkProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.profile
}

// Chain returns the chain, nil before Initialize.
func (s *SyncService) Chain() *chain.Chain {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.chain
}

// Store returns the current chain store. It changes after a full replay.
func (s *SyncService) Store() *chainstore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.store
}

// Coordinator returns the peer coordinator, nil before Initialize.
func (s *SyncService) Coordinator() *peers.Coordinator {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.coord
}

// ChainHeight returns the height of the chain head.
func (s *SyncService) ChainHeight() (uint32, error) {
	ch := s.Chain()
	if ch == nil {
		return 0, errors.New("service not initialized")
	}

	head, err := ch.GetChainHead()
	if err != nil {
		return 0, err
	}

	return head.Height, nil
}

func (s *SyncService) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
}

// requireReady fails unless the service has been initialized.
func (s *SyncService) requireReady(op string) error {
	switch state := s.State(); state {
	case StateReady, StateSyncing:
		return nil

	default:
		return newError(KindState, op, fmt.Errorf("service is %v",
			state))
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
