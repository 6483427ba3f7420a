// SPDX-License-Identifier: MPL-2.0

package stage

import (
	"fmt"
	"strings"
)

// Render generates the multi-stage Dockerfile for the graph. Stages are
// emitted in a topological order of the full (base + copy) graph, so every
// stage reference points at an already-declared stage.
func (g *Graph) Render() (string, error) {
	order, err := g.ancestry(true, true).TopologicalSort()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# syntax=docker/dockerfile:1\n")
	sb.WriteString("# Generated by depstage. Do not edit; regenerate instead.\n")

	for _, name := range order {
		s := g.stages[name]
		sb.WriteString("\n")

		base := s.BaseImage
		if s.Base != "" {
			base = s.Base
		}
		fmt.Fprintf(&sb, "FROM %s AS %s\n", base, s.Name)

		for _, c := range s.Copies {
			fmt.Fprintf(&sb, "COPY --from=%s %s %s\n", c.From, c.Src, c.Dst)
		}

		for _, instr := range s.Instructions {
			sb.WriteString(instr)
			sb.WriteString("\n")
		}
	}

	return sb.String(), nil
}
