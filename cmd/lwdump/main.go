// lwdump prints the host-relevant surface of a guest image: imports,
// exports, and memory limits. Handy for checking a kernel or user
// binary against the machine ABI before booting it.
package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/go-interpreter/wagon/wasm"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: lwdump <module.wasm>...\n")
		os.Exit(1)
	}

	for _, path := range os.Args[1:] {
		if err := dump(path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, err)
			os.Exit(1)
		}
	}
}

func dump(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer f.Close()

	mod, err := wasm.DecodeModule(f)
	if err != nil {
		return err
	}

	fmt.Printf("%s:\n", path)

	if mod.Memory != nil && len(mod.Memory.Entries) > 0 {
		fmt.Printf("\n[memory]\n")
		for i, ent := range mod.Memory.Entries {
			fmt.Printf("%3d initial=%d pages max=%d pages\n", i,
				ent.Limits.Initial, ent.Limits.Maximum)
		}
	}

	if mod.Import != nil {
		fmt.Printf("\n[imports]\n")

		tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		for i, ii := range mod.Import.Entries {
			fmt.Fprintf(tr, "%d\t%v\t%s.%s\n", i, ii.Type.Kind(), ii.ModuleName, ii.FieldName)
		}
		tr.Flush()
	}

	if mod.Export != nil {
		fmt.Printf("\n[exports]\n")

		names := make([]string, 0, len(mod.Export.Entries))
		for name := range mod.Export.Entries {
			names = append(names, name)
		}
		sort.Strings(names)

		tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		for _, name := range names {
			ent := mod.Export.Entries[name]
			fmt.Fprintf(tr, "%d\t%v\t%s\n", ent.Index, ent.Kind, name)
		}
		tr.Flush()
	}

	return nil
}
