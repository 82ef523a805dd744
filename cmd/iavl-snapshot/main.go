// Command iavl-snapshot creates and restores full-version snapshots of an
// iavl store, independent of any running process that holds the store open.
package main

import (
	"fmt"
	"os"
	"time"

	iavl "github.com/hotl-io/iavl"
	dbm "github.com/tendermint/tm-db"
	cli "github.com/urfave/cli/v2"
)

func nowUnix() int64 {
	return time.Now().Unix()
}

func main() {
	app := &cli.App{
		Name:  "iavl-snapshot",
		Usage: "create or apply iavl tree snapshots",
		Commands: []*cli.Command{
			createCommand,
			applyCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var createCommand = &cli.Command{
	Name:  "create",
	Usage: "serialize a full tree version to a directory",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "db-dir", Required: true},
		&cli.StringFlag{Name: "dir", Required: true},
		&cli.Int64Flag{Name: "version", Required: true},
		&cli.IntFlag{Name: "chunk-size", Value: 10 * 1024 * 1024},
	},
	Action: func(c *cli.Context) error {
		db, err := dbm.NewGoLevelDB("iavl", c.String("db-dir"))
		if err != nil {
			return err
		}
		defer db.Close()

		tree, err := iavl.NewTree(db, iavl.DefaultOptions())
		if err != nil {
			return err
		}
		return tree.CreateSnapshot(c.String("dir"), c.Int64("version"), c.Int("chunk-size"), nowUnix())
	},
}

var applyCommand = &cli.Command{
	Name:  "apply",
	Usage: "restore a snapshot directory into a fresh store",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "db-dir", Required: true},
		&cli.StringFlag{Name: "dir", Required: true},
	},
	Action: func(c *cli.Context) error {
		db, err := dbm.NewGoLevelDB("iavl", c.String("db-dir"))
		if err != nil {
			return err
		}
		defer db.Close()

		tree, err := iavl.NewTree(db, iavl.DefaultOptions())
		if err != nil {
			return err
		}
		return tree.ApplySnapshot(c.String("dir"))
	},
}
