// Package main — cmd/cxlmemsim-sim/main.go
//
// CXLMemSim latency microbenchmark.
//
// Purpose: drive an in-process multi-node cluster (decoder + coherency
// engine + message fabric, wired exactly like the node daemon) with a
// synthetic read/write/atomic workload and report the resulting
// end-to-end operation latency distribution.
//
// Workload model:
//
//	Each of -ops operations picks a node uniformly at random to issue
//	from, an address uniformly at random from the configured address
//	space, and an operation kind according to -read-ratio/-write-ratio
//	(the remainder is atomic fetch-and-add). An operation whose address
//	resolves to the issuing node's own HDM range is local; otherwise it
//	is forwarded across the fabric to its home node, picking up LogP
//	message latency and any coherency-driven invalidate/downgrade/fetch
//	traffic the directory requires.
//
// Output: per-operation CSV to stdout (op, node, kind, addr, latency_ns,
// success). Summary percentiles and a latency-budget verdict to stderr.
//
// Usage:
//
//	cxlmemsim-sim [flags]
//	cxlmemsim-sim -nodes 4 -ops 50000 -read-ratio 0.7 -write-ratio 0.25 -p99-budget-ns 5000
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sluglab/cxlmemsim/internal/config"
	"github.com/sluglab/cxlmemsim/internal/nodeserver"
)

func main() {
	nodes := flag.Int("nodes", 2, "Number of simulated nodes")
	ops := flag.Int("ops", 10000, "Number of operations to issue")
	readRatio := flag.Float64("read-ratio", 0.6, "Fraction of operations that are reads")
	writeRatio := flag.Float64("write-ratio", 0.3, "Fraction of operations that are writes (remainder is atomic FAA)")
	rangeBytes := flag.Uint64("range-bytes", 1<<20, "Address-space size homed at each node, in bytes")
	p99BudgetNS := flag.Float64("p99-budget-ns", 0, "If > 0, fail (exit 2) when observed p99 latency exceeds this budget")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *nodes < 1 {
		fmt.Fprintln(os.Stderr, "ERROR: nodes must be >= 1")
		os.Exit(1)
	}
	if *readRatio < 0 || *writeRatio < 0 || *readRatio+*writeRatio > 1 {
		fmt.Fprintln(os.Stderr, "ERROR: read-ratio + write-ratio must be in [0, 1]")
		os.Exit(1)
	}

	cluster, cleanup, err := buildCluster(*nodes, *rangeBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: cluster setup failed: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	rng := rand.New(rand.NewSource(*seed))
	sim := NewSimulator(cluster, *rangeBytes, *readRatio, *writeRatio, rng)
	results := sim.Run(*ops)

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"op", "node", "kind", "addr", "latency_ns", "success"})
	for _, r := range results {
		_ = w.Write([]string{
			strconv.Itoa(r.Op),
			strconv.Itoa(int(r.Node)),
			r.Kind,
			strconv.FormatUint(r.Addr, 16),
			strconv.FormatFloat(r.LatencyNS, 'f', 2, 64),
			strconv.FormatBool(r.Success),
		})
	}
	w.Flush()

	summary := summarize(results)
	fmt.Fprintf(os.Stderr, "\n=== LATENCY SUMMARY ===\n")
	fmt.Fprintf(os.Stderr, "operations:       %d (%d failed)\n", summary.Count, summary.Failed)
	fmt.Fprintf(os.Stderr, "mean latency:     %.2f ns\n", summary.Mean)
	fmt.Fprintf(os.Stderr, "p50 / p95 / p99:  %.2f / %.2f / %.2f ns\n", summary.P50, summary.P95, summary.P99)

	if *p99BudgetNS > 0 {
		fmt.Fprintf(os.Stderr, "p99 budget:       %.2f ns\n", *p99BudgetNS)
		if summary.P99 > *p99BudgetNS {
			fmt.Fprintf(os.Stderr, "RESULT: FAIL — p99 latency exceeds budget\n")
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "RESULT: PASS — p99 latency within budget\n")
	}
	os.Exit(0)
}

// cluster is the set of in-process NodeServers the benchmark drives.
type cluster struct {
	servers []*nodeserver.Server
}

// buildCluster constructs n NodeServers, each homing a disjoint
// rangeBytes-sized slice of the address space, wired to one shared
// message-fabric segment exactly as the node daemon wires a real one.
// The returned cleanup function stops every server and unlinks shared
// memory.
func buildCluster(n int, rangeBytes uint64) (*cluster, func(), error) {
	shmName := fmt.Sprintf("/cxlmemsim-bench-%d", time.Now().UnixNano())

	var ranges []config.HDMRangeConfig
	for i := 0; i < n; i++ {
		ranges = append(ranges, config.HDMRangeConfig{
			Base: uint64(i) * rangeBytes, Size: rangeBytes, TargetID: uint32(i), IsRemote: i != 0,
		})
	}

	logger := zap.NewNop()
	var servers []*nodeserver.Server
	for i := 0; i < n; i++ {
		cfg := config.Defaults()
		cfg.NodeID = uint32(i)
		cfg.Topology = config.TopologyConfig{Mode: config.TopologyRangeBased, Ranges: ranges}
		cfg.Fabric.ShmName = shmName
		cfg.Fabric.QueueCapacity = 4096
		cfg.Fabric.WorkerCount = 4
		cfg.Fabric.MaxMessagesPerTick = 128
		cfg.SharedMemory.ShmNamePrefix = fmt.Sprintf("%s-smm-", shmName)
		cfg.SharedMemory.NumCachelines = rangeBytes / 64

		srv, err := nodeserver.New(&cfg, logger, nil, nil)
		if err != nil {
			for _, s := range servers {
				s.Stop(false)
			}
			return nil, nil, fmt.Errorf("node %d: %w", i, err)
		}
		servers = append(servers, srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, s := range servers {
		s.Start(ctx)
	}

	cleanup := func() {
		cancel()
		for i := len(servers) - 1; i >= 0; i-- {
			servers[i].Stop(true)
		}
	}
	return &cluster{servers: servers}, cleanup, nil
}

// OpResult holds the outcome of one benchmarked operation.
type OpResult struct {
	Op        int
	Node      uint32
	Kind      string
	Addr      uint64
	LatencyNS float64
	Success   bool
}

// Simulator drives cluster with a synthetic read/write/atomic workload.
type Simulator struct {
	cluster    *cluster
	addrSpace  uint64
	readRatio  float64
	writeRatio float64
	rng        *rand.Rand
}

// NewSimulator creates a configured Simulator.
func NewSimulator(c *cluster, rangeBytes uint64, readRatio, writeRatio float64, rng *rand.Rand) *Simulator {
	return &Simulator{
		cluster:    c,
		addrSpace:  rangeBytes * uint64(len(c.servers)),
		readRatio:  readRatio,
		writeRatio: writeRatio,
		rng:        rng,
	}
}

// Run issues n operations against the cluster and returns per-operation results.
func (s *Simulator) Run(n int) []OpResult {
	results := make([]OpResult, n)
	payload := make([]byte, 64)

	for i := 0; i < n; i++ {
		node := s.cluster.servers[s.rng.Intn(len(s.cluster.servers))]
		addr := s.rng.Uint64() % s.addrSpace

		roll := s.rng.Float64()
		ctx := context.Background()
		var kind string
		var latency float64
		var success bool

		switch {
		case roll < s.readRatio:
			kind = "read"
			res, err := node.Read(ctx, addr)
			latency, success = res.LatencyNS, err == nil && res.Success
		case roll < s.readRatio+s.writeRatio:
			kind = "write"
			s.rng.Read(payload)
			res, err := node.Write(ctx, addr, payload)
			latency, success = res.LatencyNS, err == nil && res.Success
		default:
			kind = "atomic_faa"
			_, l, err := node.AtomicFetchAdd(ctx, addr, 1)
			latency, success = l, err == nil
		}

		results[i] = OpResult{
			Op: i, Node: node.NodeID(), Kind: kind, Addr: addr,
			LatencyNS: latency, Success: success,
		}
	}
	return results
}

// Summary holds aggregate latency statistics over a result set.
type Summary struct {
	Count, Failed       int
	Mean, P50, P95, P99 float64
}

// summarize computes latency statistics over successful operations only;
// a failed operation carries no meaningful latency to aggregate.
func summarize(results []OpResult) Summary {
	s := Summary{Count: len(results)}
	var latencies []float64
	for _, r := range results {
		if !r.Success {
			s.Failed++
			continue
		}
		latencies = append(latencies, r.LatencyNS)
	}
	if len(latencies) == 0 {
		return s
	}
	sort.Float64s(latencies)

	var sum float64
	for _, l := range latencies {
		sum += l
	}
	s.Mean = sum / float64(len(latencies))
	s.P50 = percentile(latencies, 0.50)
	s.P95 = percentile(latencies, 0.95)
	s.P99 = percentile(latencies, 0.99)
	return s
}

// percentile returns the value at the given quantile of a sorted slice:
// the element at index floor(q*(n-1)), with no interpolation.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
