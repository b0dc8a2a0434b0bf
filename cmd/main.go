// Command exfs2 is the CLI front end for the ExFS2 volume: the subcommands
// ls, add, cat, rm, and debug (e.g. "exfs2 ls /"), each a thin adapter from
// *cli.Context.Args() to a volume.Volume method (spec.md §6.2). The
// operations are not selectable as --ls/--add/--cat/--rm/--debug flags; the
// only global flag is --verbose. Argument parsing and flag dispatch
// are the only concerns this file owns; segment files live in the current
// working directory (spec.md §6.2).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/exfs2/volume"
)

func main() {
	app := cli.App{
		Name:  "exfs2",
		Usage: "inspect and manipulate an ExFS2 volume rooted at the current directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Usage: "enable debug-level logging"},
		},
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "recursively list a directory",
				ArgsUsage: "<path>",
				Action:    runLs,
			},
			{
				Name:      "add",
				Usage:     "import a local file into the volume",
				ArgsUsage: "<local> <exfs2_path>",
				Action:    runAdd,
			},
			{
				Name:      "cat",
				Usage:     "stream a file's bytes to stdout",
				ArgsUsage: "<path>",
				Action:    runCat,
			},
			{
				Name:      "rm",
				Usage:     "recursively delete a path",
				ArgsUsage: "<path>",
				Action:    runRm,
			},
			{
				Name:      "debug",
				Usage:     "print an inode-by-inode path walk trace",
				ArgsUsage: "<path>",
				Action:    runDebug,
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func openVolume() (*volume.Volume, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return volume.Open(cwd)
}

func runLs(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: exfs2 ls <path>", 1)
	}

	v, err := openVolume()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer v.Close()

	lines, err := v.List(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func runAdd(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return cli.Exit("usage: exfs2 add <local> <exfs2_path>", 1)
	}
	localPath := c.Args().Get(0)
	targetPath := c.Args().Get(1)

	src, err := os.Open(localPath)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer src.Close()

	v, err := openVolume()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer v.Close()

	if err := v.Add(targetPath, src); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("added %s\n", targetPath)
	return nil
}

func runCat(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: exfs2 cat <path>", 1)
	}

	v, err := openVolume()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer v.Close()

	if err := v.Extract(path, os.Stdout); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func runRm(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: exfs2 rm <path>", 1)
	}

	v, err := openVolume()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer v.Close()

	if err := v.Remove(path); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Printf("removed %s\n", path)
	return nil
}

func runDebug(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("usage: exfs2 debug <path>", 1)
	}

	v, err := openVolume()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer v.Close()

	steps, err := v.Debug(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	for _, step := range steps {
		fmt.Println(volume.FormatDebugStep(step))
	}
	return nil
}
