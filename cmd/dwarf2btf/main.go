// dwarf2btf reads the DWARF debug info of an object file, typically a
// kernel image, and installs the equivalent BTF as its .BTF section.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/dwarf2btf/dwarf2btf/btf"
	"github.com/dwarf2btf/dwarf2btf/cu"
	"github.com/dwarf2btf/dwarf2btf/encoder"
	"github.com/dwarf2btf/dwarf2btf/internal"
)

func main() {
	app := &cli.App{
		Name:      "dwarf2btf",
		Usage:     "encode an object file's DWARF debug info into a .BTF section",
		ArgsUsage: "[object]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "print encoding progress",
			},
			&cli.BoolFlag{
				Name:    "btf_encode_force",
				Aliases: []string{"j"},
				Usage:   "ignore invalid symbols when encoding",
			},
			&cli.BoolFlag{
				Name:  "skip_encoding_btf_vars",
				Usage: "do not encode per-CPU variables",
			},
			&cli.StringFlag{
				Name:  "btf_base",
				Usage: "encode on top of the BTF blob in `FILE`",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "dwarf2btf: %s\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		var err error
		path, err = findVMLinux()
		if err != nil {
			return err
		}
	}

	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	f, err := internal.NewSafeELFFile(fh)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	var base *btf.BaseBTF
	if basePath := c.String("btf_base"); basePath != "" {
		base, err = btf.LoadBaseBTF(basePath)
		if err != nil {
			return err
		}
	}

	units, err := cu.Load(f, path)
	if err != nil {
		return fmt.Errorf("load debug info from %s: %w", path, err)
	}

	enc := encoder.New(encoder.Options{
		Verbose:          c.Bool("verbose"),
		Force:            c.Bool("btf_encode_force"),
		SkipEncodingVars: c.Bool("skip_encoding_btf_vars"),
		BaseBTF:          base,
	})

	for _, unit := range units {
		if err := enc.EncodeUnit(unit); err != nil {
			return fmt.Errorf("encode unit %q: %w", unit.Name, err)
		}
	}

	return enc.Finish()
}

// findVMLinux locates the running kernel's debug image.
func findVMLinux() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", fmt.Errorf("uname failed: %w", err)
	}

	release := unix.ByteSliceToString(uname.Release[:])

	locations := []string{
		"/usr/lib/debug/lib/modules/%s/vmlinux",
		"/boot/vmlinux-%s",
		"/lib/modules/%s/vmlinux-%[1]s",
		"/lib/modules/%s/build/vmlinux",
		"/usr/lib/modules/%s/kernel/vmlinux",
		"/usr/lib/debug/boot/vmlinux-%s",
		"/usr/lib/debug/boot/vmlinux-%s.debug",
	}

	for _, loc := range locations {
		path := fmt.Sprintf(loc, release)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return path, nil
	}

	return "", fmt.Errorf("no vmlinux file found for kernel version %s", release)
}
