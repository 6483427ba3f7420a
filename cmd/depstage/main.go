// SPDX-License-Identifier: MPL-2.0

// Command depstage builds reproducible, offline-capable container images for
// a Perl application: content-addressed dependency bundles, a validated
// multi-stage image graph, and per-dependency test orchestration.
package main

func main() {
	Execute()
}
