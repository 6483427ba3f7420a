// SPDX-License-Identifier: MPL-2.0

// Package stage declares and validates the image graph: the fixed set of
// build stages, which stage builds FROM which, and which stage may copy
// artifacts from which predecessor.
//
// Two edge kinds matter and are deliberately distinct. A stage inherits its
// entire filesystem from its base chain, so build tooling installed anywhere
// in that chain ends up in the image. A copy edge brings over only the
// declared paths, nothing else. The graph's core guarantee rests on this:
// the runtime stage may copy the installed module tree out of a stage that
// descends from build tooling, while its own base chain stays tooling-free.
package stage

import (
	"fmt"

	"depstage/internal/dag"
)

// BundleHashLabel is the image label recording which bundle artifact an
// image was built from. It is the sole input to drift detection.
const BundleHashLabel = "bundle.hash"

// Stage names of the fixed graph.
const (
	SDKExtract  = "sdk-extract"
	RuntimeLibs = "runtime-libs"
	BuildTools  = "build-tools"
	Bundler     = "bundler"
	Modules     = "modules"
	Dev         = "dev"
	Runtime     = "runtime"
)

type (
	// Copy is one copy-from edge: paths brought over from an earlier stage.
	Copy struct {
		// From names the source stage.
		From string
		// Src is the path inside the source stage.
		Src string
		// Dst is the destination path in this stage.
		Dst string
	}

	// Stage is one node of the image graph.
	Stage struct {
		// Name is the stage name, used as the Dockerfile stage alias and
		// build target.
		Name string
		// Base names the stage this stage builds FROM. Empty means the stage
		// starts from the external BaseImage instead.
		Base string
		// BaseImage is the external image reference for root stages.
		BaseImage string
		// Copies lists the copy-from edges into this stage.
		Copies []Copy
		// Instructions are the stage's Dockerfile body lines, rendered
		// verbatim after the FROM and COPY --from lines.
		Instructions []string

		// InstallsBuildTools marks stages that install compilers or build
		// headers. The runtime stage's base chain must never include one.
		InstallsBuildTools bool
		// CompilesRuntime marks the single stage that compiles the language
		// runtime from source. Later stages reuse its output, never recompile.
		CompilesRuntime bool
		// ExtractionOnly marks minimal-base preprocessing stages that only
		// unpack an archive and contribute the unpacked output forward. They
		// are consumed by copy, never used as a base.
		ExtractionOnly bool
	}

	// Graph is a validated image graph.
	Graph struct {
		stages map[string]*Stage
		order  []string
	}

	// InvariantError reports a structural rule the graph violates.
	InvariantError struct {
		Stage  string
		Detail string
	}
)

func (e *InvariantError) Error() string {
	return fmt.Sprintf("image graph invariant violated at stage %q: %s", e.Stage, e.Detail)
}

// NewGraph builds and validates a graph from its stages. Stage order is
// preserved for rendering; Dockerfile stage references require sources to be
// declared before consumers, which the cycle check enforces implicitly.
func NewGraph(stages ...*Stage) (*Graph, error) {
	g := &Graph{stages: make(map[string]*Stage, len(stages))}
	for _, s := range stages {
		if _, dup := g.stages[s.Name]; dup {
			return nil, &InvariantError{Stage: s.Name, Detail: "duplicate stage name"}
		}
		g.stages[s.Name] = s
		g.order = append(g.order, s.Name)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Stage returns the named stage.
func (g *Graph) Stage(name string) (*Stage, bool) {
	s, ok := g.stages[name]
	return s, ok
}

// Names returns the stage names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ancestry builds a dag over the requested edge kinds.
func (g *Graph) ancestry(base, copies bool) *dag.Graph {
	d := dag.New()
	for _, name := range g.order {
		d.AddNode(name)
	}
	for _, name := range g.order {
		s := g.stages[name]
		if base && s.Base != "" {
			d.AddEdge(s.Base, name)
		}
		if copies {
			for _, c := range s.Copies {
				d.AddEdge(c.From, name)
			}
		}
	}
	return d
}

// validate checks the structural invariants. These hold by construction for
// the default graph; the checks run on every graph so a modified definition
// fails at startup, not at image build time.
func (g *Graph) validate() error {
	for _, name := range g.order {
		s := g.stages[name]
		if s.Base == "" && s.BaseImage == "" {
			return &InvariantError{Stage: name, Detail: "stage has neither a base stage nor a base image"}
		}
		if s.Base != "" {
			parent, ok := g.stages[s.Base]
			if !ok {
				return &InvariantError{Stage: name, Detail: fmt.Sprintf("base stage %q is not declared", s.Base)}
			}
			if parent.ExtractionOnly {
				return &InvariantError{Stage: name, Detail: fmt.Sprintf("extraction-only stage %q may only be consumed by copy, not as a base", s.Base)}
			}
		}
		for _, c := range s.Copies {
			if _, ok := g.stages[c.From]; !ok {
				return &InvariantError{Stage: name, Detail: fmt.Sprintf("copy source stage %q is not declared", c.From)}
			}
		}
	}

	full := g.ancestry(true, true)
	if _, err := full.TopologicalSort(); err != nil {
		return fmt.Errorf("image graph: %w", err)
	}

	baseOnly := g.ancestry(true, false)

	// Exactly one stage compiles the runtime from source.
	var compilers []string
	for _, name := range g.order {
		if g.stages[name].CompilesRuntime {
			compilers = append(compilers, name)
		}
	}
	if len(compilers) != 1 {
		return &InvariantError{
			Stage:  Runtime,
			Detail: fmt.Sprintf("exactly one stage must compile the runtime, found %d: %v", len(compilers), compilers),
		}
	}

	if runtime, ok := g.stages[Runtime]; ok {
		// The runtime stage's base chain must be free of build tooling.
		for anc := range baseOnly.Ancestors(Runtime) {
			if g.stages[anc].InstallsBuildTools {
				return &InvariantError{
					Stage:  Runtime,
					Detail: fmt.Sprintf("base chain includes %q, which installs build tooling", anc),
				}
			}
		}
		// A copied-from stage may descend from tooling, but must not itself
		// install any.
		for _, c := range runtime.Copies {
			if g.stages[c.From].InstallsBuildTools {
				return &InvariantError{
					Stage:  Runtime,
					Detail: fmt.Sprintf("copies from %q, which installs build tooling", c.From),
				}
			}
		}

		// The bundler is never an ancestor of runtime, by base or by copy.
		fullAncestors := full.Ancestors(Runtime)
		if fullAncestors[Bundler] {
			return &InvariantError{Stage: Runtime, Detail: fmt.Sprintf("%q must not be an ancestor of the runtime stage", Bundler)}
		}

		// build-tools and runtime share runtime-libs, so both carry identical
		// runtime library versions.
		if _, ok := g.stages[BuildTools]; ok {
			if !fullAncestors[RuntimeLibs] {
				return &InvariantError{Stage: Runtime, Detail: fmt.Sprintf("%q is not an ancestor of the runtime stage", RuntimeLibs)}
			}
			if !baseOnly.Ancestors(BuildTools)[RuntimeLibs] {
				return &InvariantError{Stage: BuildTools, Detail: fmt.Sprintf("%q is not an ancestor of the build-tools stage", RuntimeLibs)}
			}
		}
	}

	// The bundler is reachable only from build-tooling stages.
	if bundler, ok := g.stages[Bundler]; ok {
		if bundler.Base == "" || !g.stages[bundler.Base].InstallsBuildTools {
			return &InvariantError{Stage: Bundler, Detail: "bundler must build from a build-tooling stage"}
		}
	}

	return nil
}

// DefaultGraph returns the fixed stage graph the harness materializes. The
// runtime interpreter is compiled once in runtime-libs with a toolchain that
// is purged in the same layer, so the stage contributes runtime libraries
// only; build-tools layers the persistent toolchain on top for every stage
// that genuinely needs one.
func DefaultGraph() (*Graph, error) {
	return NewGraph(
		&Stage{
			Name:           SDKExtract,
			BaseImage:      "docker.io/library/busybox:1.36",
			ExtractionOnly: true,
			Instructions: []string{
				`COPY vendor/ /tmp/vendor/`,
				`RUN mkdir -p /opt/sdk && if [ -f /tmp/vendor/sdk.zip ]; then unzip -q /tmp/vendor/sdk.zip -d /opt/sdk; fi && rm -rf /tmp/vendor`,
			},
		},
		&Stage{
			Name:            RuntimeLibs,
			BaseImage:       "docker.io/library/debian:bookworm-slim",
			CompilesRuntime: true,
			Instructions: []string{
				`ARG PERL_VERSION=5.38.2`,
				`RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates curl gcc make libc6-dev \` +
					"\n" + `    && curl -fsSL "https://www.cpan.org/src/5.0/perl-${PERL_VERSION}.tar.gz" | tar -xz -C /tmp \` +
					"\n" + `    && cd "/tmp/perl-${PERL_VERSION}" && ./Configure -des -Dprefix=/opt/perl && make -j"$(nproc)" && make install \` +
					"\n" + `    && apt-get purge -y curl gcc make libc6-dev && apt-get autoremove -y \` +
					"\n" + `    && rm -rf /var/lib/apt/lists/* /tmp/perl-*`,
				`ENV PATH="/opt/perl/bin:${PATH}"`,
			},
		},
		&Stage{
			Name:               BuildTools,
			Base:               RuntimeLibs,
			InstallsBuildTools: true,
			Instructions: []string{
				`RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates curl gcc make libc6-dev libssl-dev zlib1g-dev \` +
					"\n" + `    && rm -rf /var/lib/apt/lists/*`,
				`RUN curl -fsSL https://cpanmin.us | /opt/perl/bin/perl - App::cpanminus Carton`,
			},
		},
		&Stage{
			Name: Bundler,
			Base: BuildTools,
			Instructions: []string{
				`WORKDIR /build`,
				`COPY cpanfile cpanfile.snapshot ./`,
				`RUN carton install --deployment \` +
					"\n" + `    && carton bundle \` +
					"\n" + `    && mkdir -p /bundle \` +
					"\n" + `    && tar -czf /bundle/bundle.tar.gz vendor/cache cpanfile cpanfile.snapshot`,
			},
		},
		&Stage{
			Name: Modules,
			Base: BuildTools,
			Instructions: []string{
				`WORKDIR /build`,
				`COPY bundle.tar.gz /tmp/bundle.tar.gz`,
				`RUN tar -xzf /tmp/bundle.tar.gz -C /build \` +
					"\n" + `    && carton install --deployment --cached \` +
					"\n" + `    && rm /tmp/bundle.tar.gz`,
			},
		},
		&Stage{
			Name: Dev,
			Base: BuildTools,
			Copies: []Copy{
				{From: Modules, Src: "/build/local", Dst: "/app/local"},
				{From: Modules, Src: "/build/cpanfile", Dst: "/app/cpanfile"},
				{From: Modules, Src: "/build/cpanfile.snapshot", Dst: "/app/cpanfile.snapshot"},
			},
			Instructions: []string{
				`WORKDIR /app`,
				`ENV PERL5LIB=/app/local/lib/perl5`,
			},
		},
		&Stage{
			Name: Runtime,
			Base: RuntimeLibs,
			Copies: []Copy{
				{From: Modules, Src: "/build/local", Dst: "/app/local"},
				{From: SDKExtract, Src: "/opt/sdk", Dst: "/opt/sdk"},
			},
			Instructions: []string{
				`WORKDIR /app`,
				`ENV PERL5LIB=/app/local/lib/perl5`,
			},
		},
	)
}
