package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var ScannerApp = cli.App{
	Name:     "evmrecon",
	HelpName: "scanner",
	Usage:    "automated reconnaissance over deployed EVM contracts",
	Commands: []*cli.Command{
		&WatchCommand,
		&ScanCommand,
	},
	Flags: []cli.Flag{
		&ConfigFlag,
		&RPCFlag,
		&LogLevelFlag,
	},
}

func main() {
	if err := ScannerApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
