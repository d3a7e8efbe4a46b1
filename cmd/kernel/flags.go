package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSubcommand is returned when argv[1] is neither "boot" nor
// "probe", matching the retrieved gokvm flag package's own sentinel.
var ErrInvalidSubcommand = errors.New("expected 'boot' or 'probe' subcommands")

// BootArgs configures one VM launch: the kernel image to load and its
// memory and CPU count. Dev holds the -D path, which is not used: the
// VM is always created on /dev/kvm.
type BootArgs struct {
	Dev     string
	Kernel  string
	MemSize int
	NCPUs   int
}

func parseBootArgs(args []string) (*BootArgs, error) {
	cmd := flag.NewFlagSet("boot", flag.ExitOnError)
	c := &BootArgs{}

	cmd.StringVar(&c.Dev, "D", "/dev/kvm", "path of kvm device (not used; /dev/kvm is always opened)")
	cmd.StringVar(&c.Kernel, "k", "", "kernel image path (ELF32)")
	cmd.IntVar(&c.NCPUs, "c", 1, "number of vcpus")

	msize := cmd.String("m", "64M", "memory size: as number[kKmMgG], defaults to M")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	var err error
	if c.MemSize, err = ParseSize(*msize, "m"); err != nil {
		return nil, err
	}

	if c.Kernel == "" {
		return nil, fmt.Errorf("boot: -k kernel image path is required")
	}

	return c, nil
}

// ProbeArgs is a no-op config: "probe" just checks /dev/kvm exists and
// reports its API version. Dev holds the -D path, which is not used.
type ProbeArgs struct {
	Dev string
}

func parseProbeArgs(args []string) (*ProbeArgs, error) {
	cmd := flag.NewFlagSet("probe", flag.ExitOnError)
	c := &ProbeArgs{}

	cmd.StringVar(&c.Dev, "D", "/dev/kvm", "path of kvm device (not used; /dev/kvm is always opened)")

	if err := cmd.Parse(args); err != nil {
		return nil, err
	}

	return c, nil
}

// ParseArgs dispatches os.Args (including argv[0]) to the boot or
// probe subcommand parser.
func ParseArgs(args []string) (*BootArgs, *ProbeArgs, error) {
	if len(args) < 2 {
		return nil, nil, ErrInvalidSubcommand
	}

	switch args[1] {
	case "boot":
		c, err := parseBootArgs(args[2:])
		return c, nil, err
	case "probe":
		c, err := parseProbeArgs(args[2:])
		return nil, c, err
	}

	return nil, nil, ErrInvalidSubcommand
}

// ParseSize parses a size string as num[kKmMgG]; the multiplier is
// optional and unit is used when the string carries none.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q: can't parse as num[kKmMgG]: %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[kKmMgG]: %w", s, strconv.ErrSyntax)
}
