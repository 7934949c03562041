package cli

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/spf13/cobra"

	"github.com/Paficent/pesde/pkg/errors"
	"github.com/Paficent/pesde/pkg/graph"
	"github.com/Paficent/pesde/pkg/lockfile"
)

// newGraphCmd creates the graph command: render the locked dependency
// graph as DOT or SVG.
func newGraphCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the locked dependency graph",
		Long: `Graph reads the lockfile and renders the dependency graph. Without -o
it prints Graphviz DOT to stdout; with -o FILE.svg it renders an SVG.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(cmd)
			if err != nil {
				return err
			}
			f, err := lockfile.Load(p.Root)
			if err != nil {
				return err
			}
			if f == nil {
				return errors.New(errors.ErrCodeLockfileOutdated, "no lockfile; run install first")
			}
			g, err := f.ToGraph()
			if err != nil {
				return err
			}

			dot := toDOT(g)
			if output == "" {
				fmt.Print(dot)
				return nil
			}
			if !strings.HasSuffix(output, ".svg") {
				return errors.New(errors.ErrCodeInvalidSpec, "-o only renders .svg files; omit it for DOT output")
			}

			ctx := cmd.Context()
			gv, err := graphviz.New(ctx)
			if err != nil {
				return err
			}
			defer gv.Close()

			parsed, err := graphviz.ParseBytes([]byte(dot))
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := gv.Render(ctx, parsed, graphviz.SVG, &buf); err != nil {
				return err
			}
			if err := os.WriteFile(output, buf.Bytes(), 0644); err != nil {
				return err
			}
			printSuccess("rendered %d packages", len(g.Nodes))
			printFile(output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write an SVG to this path instead of printing DOT")
	return cmd
}

// toDOT converts the graph to Graphviz DOT. Dev-only nodes render
// dashed, peer edges dotted.
func toDOT(g *graph.Graph) string {
	var buf bytes.Buffer
	buf.WriteString("digraph deps {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, margin=\"0.2,0.1\"];\n")
	buf.WriteString("\n")

	for _, id := range g.SortedIDs() {
		node := g.Nodes[id]
		attrs := []string{fmt.Sprintf("label=%q", id.String())}
		if node.DevOnly {
			attrs = append(attrs, "style=\"rounded,dashed\"")
		}
		if node.Direct != nil {
			attrs = append(attrs, "penwidth=2")
		}
		fmt.Fprintf(&buf, "  %q [%s];\n", id.String(), strings.Join(attrs, ", "))
	}

	buf.WriteString("\n")
	for _, id := range g.SortedIDs() {
		node := g.Nodes[id]
		for alias, dep := range node.DirectDeps {
			fmt.Fprintf(&buf, "  %q -> %q [label=%q];\n", id.String(), dep.String(), alias)
		}
		for alias, peer := range node.Peers {
			fmt.Fprintf(&buf, "  %q -> %q [label=%q, style=dotted];\n", id.String(), peer.String(), alias)
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}
