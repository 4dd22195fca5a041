package main

import (
	"fmt"
	"os"

	"github.com/multibit/multibitd"
	"github.com/multibit/multibitd/build"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[mbctl] %v\n", err)
	os.Exit(1)
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "mbctl"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "offline maintenance of the multibitd chain and wallet files"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: multibitd.DefaultHomeDir,
			Usage: "The directory holding the chain and wallet " +
				"files.",
		},
		cli.BoolFlag{
			Name:  "testnet",
			Usage: "Use the test network.",
		},
		cli.BoolFlag{
			Name:  "regtest",
			Usage: "Use the regression test network.",
		},
	}
	app.Commands = []cli.Command{
		chainInfoCommand,
		replayCommand,
		walletInfoCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
