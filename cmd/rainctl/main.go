// Command rainctl inspects and edits the state database of downloads.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/log"
	"github.com/cenkalti/rainctl/download"
	"github.com/cenkalti/rainctl/internal/jsonutil"
	"github.com/cenkalti/rainctl/internal/logger"
	"github.com/cenkalti/rainctl/internal/statestore"
	"github.com/cenkalti/rainctl/metainfo"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"
)

const defaultConfig = "~/.rainctl/config.yaml"

var (
	app = cli.NewApp()
	cfg *download.Config
)

func main() {
	app.Name = "rainctl"
	app.Usage = "Inspect saved download state"
	app.Version = "0.1.0"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read config from `FILE`",
			Value: defaultConfig,
		},
		cli.StringFlag{
			Name:  "database, db",
			Usage: "state database `FILE`, overrides config",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug log",
		},
		cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored output",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:   "list",
			Usage:  "list saved downloads",
			Action: handleList,
		},
		{
			Name:      "show",
			Usage:     "show attributes and parameters of a download",
			ArgsUsage: "HASH",
			Action:    handleShow,
		},
		{
			Name:      "history",
			Usage:     "list previous resume checkpoints of a download",
			ArgsUsage: "HASH",
			Action:    handleHistory,
		},
		{
			Name:      "export",
			Usage:     "write the stored form of a download into a directory",
			ArgsUsage: "HASH DIR",
			Action:    handleExport,
		},
		{
			Name:      "set-param",
			Usage:     "change a parameter of a download",
			ArgsUsage: "HASH NAME VALUE",
			Action:    handleSetParam,
		},
		{
			Name:   "config",
			Usage:  "print effective config",
			Action: handleConfig,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	var err error
	cfg, err = download.LoadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if db := c.GlobalString("database"); db != "" {
		cfg.Database = db
	}
	if cfg.LogLevel != "" {
		l, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(l)
	}
	if c.GlobalBool("debug") {
		logger.SetLevel(log.DEBUG)
	}
	if c.GlobalBool("no-color") {
		jsonutil.DisableColor()
	}
	return nil
}

// withStore opens the state database for the duration of f.
func withStore(f func(s *statestore.Store) error) error {
	s, err := statestore.New(cfg.Database, cfg.State)
	if err != nil {
		return err
	}
	err = f(s)
	if err2 := s.Close(); err == nil {
		err = err2
	}
	return err
}

func lookup(s *statestore.Store, arg string) (*statestore.Record, error) {
	h, err := metainfo.ParseHash(arg)
	if err != nil {
		return nil, err
	}
	r, err := s.Lookup(h)
	if err == statestore.ErrNotFound {
		return nil, fmt.Errorf("no saved state for %s", h)
	}
	return r, err
}

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() != n {
		return cli.NewExitError("usage: rainctl "+c.Command.Name+" "+c.Command.ArgsUsage, 2)
	}
	return nil
}

func handleList(c *cli.Context) error {
	return withStore(func(s *statestore.Store) error {
		hashes, err := s.List()
		if err != nil {
			return err
		}
		for _, h := range hashes {
			r, err := s.Lookup(h)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s\n", h, err)
				continue
			}
			snap := r.Snapshot()
			state, _ := snap.Attributes[statestore.AttrState].(string)
			fmt.Printf("%s %-8s %s\n", h, state, snap.Name)
		}
		return nil
	})
}

func handleShow(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withStore(func(s *statestore.Store) error {
		r, err := lookup(s, c.Args().First())
		if err != nil {
			return err
		}
		b, err := jsonutil.MarshalPretty(r.Snapshot())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(b, '\n'))
		return err
	})
}

func handleHistory(c *cli.Context) error {
	if err := requireArgs(c, 1); err != nil {
		return err
	}
	return withStore(func(s *statestore.Store) error {
		r, err := lookup(s, c.Args().First())
		if err != nil {
			return err
		}
		for i, e := range r.History() {
			b, err := jsonutil.MarshalCompactPretty(map[string]any{
				"Index":    i,
				"Time":     e.Time.Format(time.RFC3339),
				"Size":     len(e.Checkpoint.Data),
				"Valid":    e.Checkpoint.Valid,
				"Complete": e.Checkpoint.Complete,
			})
			if err != nil {
				return err
			}
			_, _ = os.Stdout.Write(append(b, '\n'))
		}
		return nil
	})
}

func handleExport(c *cli.Context) error {
	if err := requireArgs(c, 2); err != nil {
		return err
	}
	return withStore(func(s *statestore.Store) error {
		r, err := lookup(s, c.Args().First())
		if err != nil {
			return err
		}
		return r.Export(c.Args().Get(1))
	})
}

func handleSetParam(c *cli.Context) error {
	if err := requireArgs(c, 3); err != nil {
		return err
	}
	v, err := strconv.ParseInt(c.Args().Get(2), 10, 64)
	if err != nil {
		return err
	}
	return withStore(func(s *statestore.Store) error {
		r, err := lookup(s, c.Args().First())
		if err != nil {
			return err
		}
		r.SetParam(c.Args().Get(1), v)
		return r.Save(true)
	})
}

func handleConfig(c *cli.Context) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(b)
	return err
}
