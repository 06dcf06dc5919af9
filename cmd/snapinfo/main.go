package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/valerio/go-emucore/emucore/component"
	"github.com/valerio/go-emucore/emucore/snapshot"
)

func main() {
	app := cli.NewApp()
	app.Name = "snapinfo"
	app.Description = "Prints the contents of emucore machine state files"
	app.Usage = "snapinfo [options] <state file>..."
	app.Version = "1.0.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "dump",
			Usage: "Hex dump component states",
		},
		cli.StringFlag{
			Name:  "component",
			Usage: "Only show this component",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		slog.Error("Error reading snapshot", "error", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() == 0 {
		cli.ShowAppHelp(c)
		return errors.New("no state file provided")
	}
	opts := options{dump: c.Bool("dump"), only: component.ID(c.String("component"))}
	for _, path := range c.Args() {
		blob, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "read state")
		}
		img, err := snapshot.Decode(blob)
		if err != nil {
			return errors.Wrapf(err, "%s", path)
		}
		fmt.Fprintf(os.Stdout, "%s (%d bytes)\n", path, len(blob))
		if err := describe(os.Stdout, img, opts); err != nil {
			return err
		}
	}
	return nil
}

type options struct {
	dump bool
	only component.ID
}

func describe(out io.Writer, img *snapshot.Image, opts options) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	st := img.Scheduler

	fmt.Fprintf(w, "version\t%d\n", img.Version)
	fmt.Fprintf(w, "master tick\t%d\n", st.Master)
	fmt.Fprintf(w, "next event seq\t%d\n", st.NextSeq)

	fmt.Fprintf(w, "\ncomponent\tstate\tlocal\tremainder\tevents issued\n")
	for i, c := range img.Components {
		if opts.only != "" && c.ID != opts.only {
			continue
		}
		local, rem, issued := "-", "-", "-"
		if i < len(st.Domains) && st.Domains[i].ID == c.ID {
			d := st.Domains[i]
			local = fmt.Sprint(d.Local)
			rem = fmt.Sprint(d.Remainder)
			issued = fmt.Sprint(d.Issued)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", c.ID, len(c.State), local, rem, issued)
	}

	if len(img.Buses) > 0 {
		fmt.Fprintf(w, "\nbus\tlast driven\n")
		for _, b := range img.Buses {
			fmt.Fprintf(w, "%s\t0x%02X\n", b.Name, b.LastDriven)
		}
	}

	if len(img.Mappings) > 0 {
		fmt.Fprintf(w, "\nbus\trange\ttarget\toffset\tpriority\n")
		for _, m := range img.Mappings {
			if opts.only != "" && m.Target != opts.only {
				continue
			}
			fmt.Fprintf(w, "%s\t0x%04X-0x%04X\t%s\t0x%X\t%d\n", m.Bus, m.Start, m.End, m.Target, m.Offset, m.Priority)
		}
	}

	fmt.Fprintf(w, "\npending events\t%d\n", len(st.Events))
	for _, ev := range st.Events {
		if opts.only != "" && ev.Owner != opts.only {
			continue
		}
		fmt.Fprintf(w, "  tick %d\t%s\tkind %d\tid 0x%X\n", ev.Tick, ev.Owner, ev.Kind, uint64(ev.ID))
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, "write")
	}

	if opts.dump {
		for _, c := range img.Components {
			if opts.only != "" && c.ID != opts.only || len(c.State) == 0 {
				continue
			}
			fmt.Fprintf(out, "\n%s:\n%s", c.ID, strings.TrimRight(hex.Dump(c.State), "\n")+"\n")
		}
	}
	return nil
}
