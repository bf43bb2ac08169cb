// Copyright 2024 The zpagealloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command zpagealloc-probe drives a scripted alloc/free sequence against
// a real pagealloc.Allocator and prints its per-NUMA-node stats, the way
// the teacher's own cmd entrypoints wire cobra + viper/pflag configuration
// on top of a library package.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zpagealloc/zpagealloc/pkg/osmem"
	"github.com/zpagealloc/zpagealloc/pkg/pagealloc"
	"github.com/zpagealloc/zpagealloc/pkg/zconfig"
	"github.com/zpagealloc/zpagealloc/pkg/zlog"
)

// loggingGCDriver satisfies pagealloc.GCDriver for standalone probing:
// there is no real collector here, so a requested cycle is logged and
// reported complete via the matching HandleAllocStalling callback on a
// separate goroutine, so Minor and Major return at once.
type loggingGCDriver struct {
	alloc *pagealloc.Allocator
}

func (g *loggingGCDriver) Minor() {
	zlog.Infof("probe: minor GC requested")
	go g.alloc.HandleAllocStallingForYoung()
}

func (g *loggingGCDriver) Major() {
	zlog.Infof("probe: major GC requested")
	go g.alloc.HandleAllocStallingForOld(false)
}

func main() {
	root := &cobra.Command{
		Use:   "zpagealloc-probe",
		Short: "Exercise the page allocator core with a scripted alloc/free sequence.",
		RunE:  run,
	}
	zconfig.BindFlags(root.Flags())

	if err := root.Execute(); err != nil {
		zlog.Fatalf("probe: %v", err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := zconfig.Load(cmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	reservation := osmem.NewLinuxReservation()
	backend, err := osmem.NewLinuxBacking(cfg.MaxCapacity)
	if err != nil {
		return fmt.Errorf("construct backing: %w", err)
	}

	driverHolder := &loggingGCDriver{}
	alloc, err := pagealloc.NewAllocator(cfg, reservation, backend, driverHolder)
	if err != nil {
		// Reservation failure during VM init is fatal (spec §7).
		zlog.Fatalf("probe: failed to reserve address space for heap: %v", err)
	}
	driverHolder.alloc = alloc
	defer alloc.Close()

	var pages []*pagealloc.Page
	for i := 0; i < 4; i++ {
		page, err := alloc.AllocPage(pagealloc.Small, cfg.GranuleSizeShiftBytes(), pagealloc.Flags{}, pagealloc.Young)
		if err != nil {
			fmt.Fprintf(os.Stdout, "alloc %d: %v\n", i, err)
			continue
		}
		pages = append(pages, page)
	}

	printStats(alloc)

	for _, p := range pages {
		alloc.FreePage(p, false)
	}
	printStats(alloc)

	return nil
}

func printStats(alloc *pagealloc.Allocator) {
	for _, s := range alloc.Stats(pagealloc.Young) {
		fmt.Printf("node=%d capacity=%d used=%d cache=%d current_max=%d\n",
			s.NUMAID, s.Capacity, s.Used, s.CacheSize, s.CurrentMax)
	}
}
