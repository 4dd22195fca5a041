package multibitd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/multibit/multibitd/chainreg"
	"github.com/multibit/multibitd/wallet"
)

// errNoSeedChain is returned when no installed chain file exists to seed a
// fresh install from.
var errNoSeedChain = errors.New("no installed chain file")

// FileHandler performs the file operations of the service. It is an
// interface so tests can count and fail them.
type FileHandler interface {
	// CopyDefaultChainFile seeds target with the chain file shipped with
	// the installation.
	CopyDefaultChainFile(target string) error

	// LoadWallet opens an existing wallet file. A missing file is
	// reported with wallet.ErrWalletNotFound.
	LoadWallet(path string) (*wallet.Wallet, error)

	// CreateWallet creates a new empty wallet file.
	CreateWallet(path string) (*wallet.Wallet, error)

	// SaveWallet persists w. isNewFile must be set for a wallet that was
	// never saved before.
	SaveWallet(w *wallet.Wallet, isNewFile bool) error
}

// fileHandler is the FileHandler used by the daemon.
type fileHandler struct {
	installDir string
	profile    chainreg.NetworkProfile
	walletCfg  wallet.Config
}

// A compile time assertion to ensure fileHandler meets the FileHandler
// interface.
var _ FileHandler = (*fileHandler)(nil)

func newFileHandler(installDir string, profile chainreg.NetworkProfile,
	walletCfg wallet.Config) *fileHandler {

	return &fileHandler{
		installDir: installDir,
		profile:    profile,
		walletCfg:  walletCfg,
	}
}

// CopyDefaultChainFile copies the installed chain file to target. The copy
// is written next to target and renamed into place so a partial copy is
// never opened as a chain store.
func (f *fileHandler) CopyDefaultChainFile(target string) error {
	if f.installDir == "" {
		return errNoSeedChain
	}

	source := f.profile.ChainFilePath(f.installDir)
	in, err := os.Open(source)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", errNoSeedChain, source)
	}
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return err
	}

	tmp := target + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	mbtdLog.Infof("Seeded chain store %v from %v", target, source)

	return os.Rename(tmp, target)
}

// LoadWallet opens the wallet at path.
func (f *fileHandler) LoadWallet(path string) (*wallet.Wallet, error) {
	return wallet.Load(path, f.walletCfg)
}

// CreateWallet creates a new wallet at path.
func (f *fileHandler) CreateWallet(path string) (*wallet.Wallet, error) {
	return wallet.Create(path, f.walletCfg)
}

// SaveWallet persists w.
func (f *fileHandler) SaveWallet(w *wallet.Wallet, isNewFile bool) error {
	return w.Save(isNewFile)
}
