package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/multibit/multibitd/chain"
	"github.com/multibit/multibitd/chainreg"
	"github.com/multibit/multibitd/chainstore"
	"github.com/multibit/multibitd/mbcfg"
	"github.com/multibit/multibitd/replay"
	"github.com/multibit/multibitd/wallet"
	"github.com/urfave/cli"
)

// profile returns the network selected by the global flags.
func profile(ctx *cli.Context) (chainreg.NetworkProfile, error) {
	testnet, regtest := ctx.GlobalBool("testnet"), ctx.GlobalBool("regtest")
	switch {
	case testnet && regtest:
		return chainreg.NetworkProfile{}, errors.New("testnet and " +
			"regtest can't be used together")

	case regtest:
		return chainreg.RegTest, nil

	default:
		return chainreg.ForNetwork(testnet), nil
	}
}

func dataDir(ctx *cli.Context) string {
	return mbcfg.CleanAndExpandPath(ctx.GlobalString("datadir"))
}

// newTable returns a table writer that renders to the app's output.
func newTable(ctx *cli.Context) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(ctx.App.Writer)
	t.SetStyle(table.StyleLight)

	return t
}

var chainInfoCommand = cli.Command{
	Name:  "chaininfo",
	Usage: "Show the head of the chain store.",
	Description: `
	Opens the chain store of the selected network and prints its head. The
	daemon must not be running.`,
	Action: chainInfo,
}

func chainInfo(ctx *cli.Context) error {
	p, err := profile(ctx)
	if err != nil {
		return err
	}

	store, err := chainstore.Open(p.ChainFilePath(dataDir(ctx)), p.Params)
	if err != nil {
		return err
	}
	defer store.Close()

	head, err := store.Head()
	if err != nil {
		return err
	}

	t := newTable(ctx)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"network", p.Name()},
		{"file", store.Path()},
		{"height", head.Height},
		{"hash", head.Hash()},
		{"time", head.Time().UTC().Format(time.RFC3339)},
		{"genesis", store.Genesis().Hash()},
	})
	t.Render()

	return nil
}

var replayCommand = cli.Command{
	Name:      "replay",
	Usage:     "Roll the chain store back so the daemon downloads it again.",
	ArgsUsage: "",
	Description: `
	Without --cutoff the chain store is recreated from genesis. With
	--cutoff the head is moved back to a block older than the cutoff plus
	a safety margin of further blocks. When --wallet is given the wallet is
	rolled back along with the chain. The daemon must not be running.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "cutoff",
			Usage: "the time from which blocks are downloaded " +
				"again, as RFC3339 or unix seconds",
		},
		cli.IntFlag{
			Name:  "margin",
			Value: replay.DefaultSafetyMargin,
			Usage: "number of blocks to roll back beyond the cutoff",
		},
		cli.StringFlag{
			Name:  "wallet",
			Usage: "wallet file to roll back with the chain",
		},
		cli.BoolFlag{
			Name:  "dryrun",
			Usage: "only print what would be rolled back",
		},
	},
	Action: replayChain,
}

// parseCutoff accepts RFC3339 timestamps and unix seconds.
func parseCutoff(s string) (fn.Option[time.Time], error) {
	if s == "" {
		return fn.None[time.Time](), nil
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fn.Some(time.Unix(secs, 0)), nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fn.None[time.Time](), fmt.Errorf("invalid cutoff %q: %w",
			s, err)
	}

	return fn.Some(t), nil
}

func replayChain(ctx *cli.Context) error {
	p, err := profile(ctx)
	if err != nil {
		return err
	}

	cutoff, err := parseCutoff(ctx.String("cutoff"))
	if err != nil {
		return err
	}
	margin := ctx.Int("margin")
	if margin < 0 {
		return fmt.Errorf("negative margin %d", margin)
	}

	path := p.ChainFilePath(dataDir(ctx))
	store, err := chainstore.Open(path, p.Params)
	if err != nil {
		return err
	}

	// The chain closes whichever store it is bound to last.
	ch := chain.New(store)
	defer func() {
		_ = ch.Store().Close()
	}()

	if walletPath := ctx.String("wallet"); walletPath != "" {
		w, err := wallet.Load(
			mbcfg.CleanAndExpandPath(walletPath),
			wallet.Config{Params: p.Params},
		)
		if err != nil {
			return err
		}
		defer w.Close()

		ch.AddWallet(w)
	}

	head, err := ch.GetChainHead()
	if err != nil {
		return err
	}

	plan := replay.PlanRollback(head, cutoff, store.PredecessorOf, margin)

	t := newTable(ctx)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRow(table.Row{"old head", head.Height})
	if plan.Restart() {
		t.AppendRow(table.Row{"new head", 0})
		t.AppendRow(table.Row{"mode", "full"})
		if plan.Gap {
			t.AppendRow(table.Row{"gap below", plan.NewHead.Height})
		}
	} else {
		t.AppendRows([]table.Row{
			{"new head", plan.NewHead.Height},
			{"mode", "partial"},
			{"blocks to cutoff", plan.StepsToCutoff},
			{"margin blocks", plan.MarginSteps},
			{"degraded", plan.Degraded},
		})
	}
	t.Render()

	if ctx.Bool("dryrun") {
		return nil
	}

	if !plan.Restart() {
		return ch.SetHead(plan.NewHead)
	}

	if err := store.Close(); err != nil {
		return err
	}
	fresh, err := chainstore.Create(path, p.Params)
	if err != nil {
		return err
	}

	return ch.BindStore(fresh)
}

var walletInfoCommand = cli.Command{
	Name:  "walletinfo",
	Usage: "Show the keys and balance of a wallet file.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "wallet",
			Usage: "the wallet file, defaults to the network's " +
				"wallet in the data directory",
		},
	},
	Action: walletInfo,
}

func walletInfo(ctx *cli.Context) error {
	p, err := profile(ctx)
	if err != nil {
		return err
	}

	path := mbcfg.CleanAndExpandPath(ctx.String("wallet"))
	if path == "" {
		path = p.WalletFilePath(dataDir(ctx))
	}

	w, err := wallet.Load(path, wallet.Config{Params: p.Params})
	if err != nil {
		return err
	}
	defer w.Close()

	desc, err := w.Description()
	if err != nil {
		return err
	}
	balance, err := w.Balance()
	if err != nil {
		return err
	}
	numTxns, err := w.NumTransactions()
	if err != nil {
		return err
	}
	syncHeight, err := w.SyncHeight()
	if err != nil {
		return err
	}

	t := newTable(ctx)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"file", w.Path()},
		{"description", desc},
		{"balance", balance},
		{"transactions", numTxns},
		{"sync height", syncHeight},
	})
	for i, addr := range w.Addresses() {
		t.AppendRow(table.Row{fmt.Sprintf("address %d", i), addr})
	}
	t.Render()

	return nil
}
