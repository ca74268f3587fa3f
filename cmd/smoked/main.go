// Smoked CLI - loads a compiled ROM and runs it on the virtual machine
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tliron/commonlog"

	"github.com/smoked-lang/smoked/manifest"
	"github.com/smoked-lang/smoked/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 = quiet)")
	debug := flag.Bool("d", false, "Dump the ROM's constants, instructions and locations before running")
	showStack := flag.Bool("s", false, "Print the value stack after the program finishes")
	snapshotPath := flag.String("snapshot", "", "Write a CBOR machine snapshot to this file when the run fails")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: smoked [options] [rom]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled Smoked ROM. Reads from stdin when no path is given.\n")
		fmt.Fprintf(os.Stderr, "Machine sizing comes from the nearest smoked.toml, when one exists.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  smoked program.rom             # Run a ROM file\n")
		fmt.Fprintf(os.Stderr, "  smokedc main.sk | smoked       # Compile and run in one pipe\n")
		fmt.Fprintf(os.Stderr, "  smoked -d program.rom          # Dump the ROM, then run it\n")
		fmt.Fprintf(os.Stderr, "  smoked -snapshot crash.cbor program.rom\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)

	data, source, err := readROM(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rom, err := vm.LoadROM(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", source, err)
		os.Exit(1)
	}

	if *debug {
		dumpROM(rom)
	}

	cfg, err := machineConfig(source, *verbosity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	machine, err := vm.NewVM(rom, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if runErr := machine.Run(); runErr != nil {
		fmt.Fprintf(os.Stderr, "%v\n", runErr)
		if *snapshotPath != "" {
			if err := writeSnapshot(machine, *snapshotPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "Machine snapshot written to %s\n", *snapshotPath)
			}
		}
		os.Exit(1)
	}

	if *showStack {
		for i, cv := range machine.Stack() {
			fmt.Printf("%4d  %s\n", i, cv)
		}
	}
}

// readROM returns the ROM bytes and a display name for them: the file named
// on the command line, or stdin.
func readROM(args []string) ([]byte, string, error) {
	switch len(args) {
	case 0:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, "", fmt.Errorf("cannot read stdin: %w", err)
		}
		return data, "<stdin>", nil
	case 1:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, "", fmt.Errorf("cannot read %s: %w", args[0], err)
		}
		return data, args[0], nil
	default:
		return nil, "", fmt.Errorf("expected at most one ROM path, got %d", len(args))
	}
}

// machineConfig builds the VM configuration from the nearest smoked.toml,
// searching upward from the ROM's directory (or the working directory for
// stdin input). A missing manifest leaves every field at the machine's own
// default.
func machineConfig(source string, verbosity int) (vm.Config, error) {
	start := "."
	if source != "<stdin>" {
		start = filepath.Dir(source)
	}
	m, err := manifest.FindAndLoad(start)
	if err != nil {
		return vm.Config{}, err
	}
	if m == nil {
		return vm.Config{TraceInstructions: verbosity > 1}, nil
	}
	return vm.Config{
		MemoryCapacity:    m.Memory.Capacity,
		StackSize:         m.Memory.StackSize,
		GCThresholdStep:   m.Memory.GCThresholdStep,
		TraceInstructions: m.Trace.Instructions || verbosity > 1,
	}, nil
}

func dumpROM(rom *vm.ROM) {
	fmt.Printf("constants (%d):\n", len(rom.Constants))
	for i, c := range rom.Constants {
		fmt.Printf("%4d  %s\n", i, c)
	}
	fmt.Printf("blob: %d bytes\n", len(rom.Blob))
	fmt.Printf("instructions (%d):\n", len(rom.Instructions))
	for i, in := range rom.Instructions {
		fmt.Printf("%4d  %s\n", i, in)
	}
	fmt.Printf("locations (%d):\n", len(rom.Locations))
	for _, loc := range rom.Locations {
		fmt.Printf("      file@%d line %d\n", loc.Address, loc.Line)
	}
}

func writeSnapshot(machine *vm.VM, path string) error {
	data, err := vm.EncodeSnapshot(vm.TakeSnapshot(machine))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
