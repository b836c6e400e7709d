// Command annsasm assembles a single ANNS-dialect x86-64 source file into
// an ELF64 object.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"annsasm/pkg/assembler"
)

var (
	outPath    string
	archFlag   string
	testFlag   bool
	pieFlag    bool
	execFlag   bool
	verboseLog bool
)

func main() {
	root := &cobra.Command{
		Use:   "annsasm <input.asm>",
		Short: "Assemble an ANNS-dialect x86-64 source file into an ELF64 object",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().StringVarP(&outPath, "out", "o", "", "output object path (default: input with .o extension; for --test/--exec, input without its extension)")
	root.Flags().StringVar(&archFlag, "arch", "x86-64", "target architecture (only x86-64 is supported)")
	root.Flags().BoolVar(&testFlag, "test", false, "include .text.test sections and emit a standalone executable entered at main")
	root.Flags().BoolVar(&pieFlag, "pie", false, "emit a position-independent executable (ET_DYN) instead of ET_EXEC; implies --test's standalone layout")
	root.Flags().BoolVar(&execFlag, "exec", false, "emit a standalone ET_EXEC executable instead of a relocatable object")
	root.Flags().BoolVarP(&verboseLog, "verbose", "v", false, "log each pipeline stage at debug level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	inPath := args[0]
	fullPath, err := filepath.Abs(inPath)
	if err != nil {
		return fmt.Errorf("resolving input path %q: %w", inPath, err)
	}

	source, err := os.ReadFile(fullPath)
	if err != nil {
		return fmt.Errorf("reading %q: %w", fullPath, err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if verboseLog {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	if strings.ToLower(archFlag) != "x86-64" && strings.ToLower(archFlag) != "x86_64" {
		return fmt.Errorf("unsupported --arch %q: this build targets x86-64 only", archFlag)
	}

	kind := assembler.ObjectRelocatable
	switch {
	case pieFlag:
		kind = assembler.ObjectSharedObject
	case execFlag || testFlag:
		kind = assembler.ObjectExecutable
	}

	obj, diags, err := assembler.Assemble(fullPath, string(source), assembler.Options{
		Kind:         kind,
		IncludeTests: testFlag,
		Log:          log,
	})

	if len(diags) > 0 {
		assembler.SortDiagnostics(diags)
		fmt.Fprint(os.Stderr, assembler.RenderDiagnostics(diags, string(source)))
	}
	if err != nil {
		return err
	}

	output := outPath
	if output == "" {
		output = defaultOutputPath(fullPath)
	}
	if err := os.WriteFile(output, obj, 0o644); err != nil {
		return fmt.Errorf("writing %q: %w", output, err)
	}

	fmt.Printf("assembled %d bytes -> %s\n", len(obj), output)
	return nil
}

func defaultOutputPath(inPath string) string {
	ext := filepath.Ext(inPath)
	base := strings.TrimSuffix(inPath, ext)
	if strings.Contains(ext, "test") || testFlag || execFlag {
		return base
	}
	return base + ".o"
}
