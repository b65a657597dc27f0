package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"gqlbuild/artifact"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	inspectFile   string
	inspectModule string
	inspectKind   string
	inspectJSON   bool
	inspectInput  string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [id...]",
	Short: "Show elements of the last written artifact",
	Long: `Inspect reads the artifact written by the last build and lists its
elements. Pass canonical ids to print those elements in full.

Examples:
  gqlbuild inspect                          # List every element
  gqlbuild inspect --file src/user.ts       # Elements defined in one file
  gqlbuild inspect --module web --kind operation
  gqlbuild inspect "src/user.ts::userModel" --json`,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFile, "file", "", "Only elements from this source path (glob allowed)")
	inspectCmd.Flags().StringVar(&inspectModule, "module", "", "Only elements tagged with this module")
	inspectCmd.Flags().StringVar(&inspectKind, "kind", "", "Only elements of this kind: model, fragment, slice, operation")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().StringVarP(&inspectInput, "input", "i", "", "Artifact path (default from config)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	input := inspectInput
	if input == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		input = cfg.Abs(cfg.Output)
	}
	data, err := os.ReadFile(input)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no artifact at %s (run 'gqlbuild build' first)", input)
		}
		return err
	}
	a, err := artifact.Decode(data)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(args) > 0 {
		var els []artifact.Element
		for _, id := range args {
			el, ok := a.Lookup(id)
			if !ok {
				return fmt.Errorf("no element %q", id)
			}
			els = append(els, el)
		}
		if inspectJSON {
			return writeJSON(w, els)
		}
		for _, el := range els {
			printElement(w, el)
		}
		return nil
	}

	els, err := filterElements(a, inspectFile, inspectModule, inspectKind)
	if err != nil {
		return err
	}
	if inspectJSON {
		return writeJSON(w, els)
	}
	printElementList(w, els, a.Report)
	return nil
}

func filterElements(a *artifact.Artifact, file, module, kind string) ([]artifact.Element, error) {
	if file != "" {
		if _, err := path.Match(file, ""); err != nil {
			return nil, fmt.Errorf("invalid --file pattern: %w", err)
		}
	}
	var out []artifact.Element
	for _, el := range a.Sorted() {
		if file != "" {
			if ok, _ := path.Match(file, el.Metadata.SourcePath); !ok {
				continue
			}
		}
		if kind != "" && string(el.Type) != kind {
			continue
		}
		if module != "" && !containsString(el.Metadata.Modules, module) {
			continue
		}
		out = append(out, el)
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func printElementList(w io.Writer, els []artifact.Element, report artifact.Report) {
	cyan := color.New(color.FgCyan).SprintFunc()
	for _, el := range els {
		fmt.Fprintf(w, "%-10s %s\n", cyan(el.Type), el.ID)
	}
	fmt.Fprintf(w, "\n%d element(s), %d warning(s)\n", len(els), len(report.Warnings))
}

func printElement(w io.Writer, el artifact.Element) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %s\n", bold(el.ID), color.CyanString("(%s)", el.Type))
	fmt.Fprintf(w, "  source:  %s\n", el.Metadata.SourcePath)
	if el.Metadata.ExportBinding != "" {
		fmt.Fprintf(w, "  export:  %s\n", el.Metadata.ExportBinding)
	}
	if len(el.Metadata.Modules) > 0 {
		fmt.Fprintf(w, "  modules: %s\n", strings.Join(el.Metadata.Modules, ", "))
	}
	switch def := el.Prebuild.(type) {
	case artifact.Model:
		fmt.Fprintf(w, "  typename: %s\n", def.Typename)
	case artifact.Fragment:
		fmt.Fprintf(w, "  typename: %s\n", def.Typename)
	case artifact.Slice:
		fmt.Fprintf(w, "  operation type: %s\n", def.OperationType)
	case artifact.Operation:
		fmt.Fprintf(w, "  operation: %s %s\n", def.OperationType, def.OperationName)
		if len(def.VariableNames) > 0 {
			vars := append([]string(nil), def.VariableNames...)
			sort.Strings(vars)
			fmt.Fprintf(w, "  variables: %s\n", strings.Join(vars, ", "))
		}
		if def.Document != "" {
			for _, line := range strings.Split(def.Document, "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
	fmt.Fprintln(w)
}
