package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pewalk/pkg/pe"
)

func init() {
	rootCmd.AddCommand(modulesCmd, moduleCmd, sectionCmd, exportCmd, forwardCmd)
}

func liveInspector() (*pe.Inspector, error) {
	opts, err := inspectorOptions()
	if err != nil {
		return nil, err
	}
	return pe.Current(opts...)
}

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the modules loaded in this process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := liveInspector()
		if err != nil {
			return err
		}
		mods, err := in.Modules()
		if err != nil {
			return err
		}
		return printModules(cmd.OutOrStdout(), mods)
	},
}

var moduleCmd = &cobra.Command{
	Use:   "module NAME",
	Short: "Show the base and size of a loaded module",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := liveInspector()
		if err != nil {
			return err
		}
		m, err := in.FindModule(args[0])
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return printModules(cmd.OutOrStdout(), []pe.Module{m})
	},
}

var sectionCmd = &cobra.Command{
	Use:   "section MODULE NAME",
	Short: "Locate a section of a loaded module",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := liveInspector()
		if err != nil {
			return err
		}
		m, err := in.FindModule(args[0])
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return printSection(cmd.OutOrStdout(), in, m.Base, args[1])
	},
}

var exportCmd = &cobra.Command{
	Use:   "export MODULE SYMBOL",
	Short: "Resolve an export of a loaded module",
	Long: `Resolve an export of a loaded module. SYMBOL is an export name or
#N for ordinal N. Forwarded exports are followed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := liveInspector()
		if err != nil {
			return err
		}
		sel, err := pe.ParseSelector(args[1])
		if err != nil {
			return err
		}
		m, err := in.FindModule(args[0])
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return printExport(cmd.OutOrStdout(), in, m.Base, sel)
	},
}

var forwardCmd = &cobra.Command{
	Use:   "forward MODULE.EXPORT",
	Short: "Resolve a forward string against the loaded modules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := liveInspector()
		if err != nil {
			return err
		}
		sym, err := in.FindForwardedExport(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %#x (base %#x + rva %#x)\n", args[0], sym.Address(), sym.Base, sym.RVA)
		return err
	},
}

func printModules(out io.Writer, mods []pe.Module) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tSIZE\tNAME")
	for _, m := range mods {
		fmt.Fprintf(w, "%#x\t%#x\t%s\n", m.Base, m.Size, m)
	}
	return w.Flush()
}

func printSection(out io.Writer, in *pe.Inspector, base uint64, name string) error {
	s, err := in.FindSection(base, name)
	if err != nil {
		return fmt.Errorf("section %s: %w", name, err)
	}
	_, err = fmt.Fprintf(out, "%s rva %#x size %#x address %#x\n", s.Name, s.VirtualAddress, s.VirtualSize, base+uint64(s.VirtualAddress))
	return err
}

func printSections(out io.Writer, in *pe.Inspector, base uint64) error {
	sections, err := in.Sections(base)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tRVA\tSIZE")
	for _, s := range sections {
		fmt.Fprintf(w, "%s\t%#x\t%#x\n", s.Name, s.VirtualAddress, s.VirtualSize)
	}
	return w.Flush()
}

func printExport(out io.Writer, in *pe.Inspector, base uint64, sel pe.Selector) error {
	sym, err := in.ResolveExport(base, sel)
	if err != nil {
		return fmt.Errorf("export %s: %w", sel, err)
	}
	if sym.Base != base {
		_, err = fmt.Fprintf(out, "%s -> %#x (forwarded, base %#x + rva %#x)\n", sel, sym.Address(), sym.Base, sym.RVA)
		return err
	}
	_, err = fmt.Fprintf(out, "%s -> %#x (rva %#x)\n", sel, sym.Address(), sym.RVA)
	return err
}

func printExports(out io.Writer, in *pe.Inspector, base uint64) error {
	exports, err := in.Exports(base)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ORDINAL\tRVA\tNAME\tFORWARD")
	for _, e := range exports {
		fmt.Fprintf(w, "%d\t%#x\t%s\t%s\n", e.Ordinal, e.RVA, e.Name, e.Forwarder)
	}
	return w.Flush()
}
