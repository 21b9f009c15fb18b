// End-to-end scenarios: the two-node shared-memory handshake, the MOESI
// read-then-write sequence with its exact counter effects, the
// cross-node atomic fetch-and-add storm, and admin-socket introspection
// against live directory state.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sluglab/cxlmemsim/contrib"
	"github.com/sluglab/cxlmemsim/internal/admin"
	"github.com/sluglab/cxlmemsim/internal/config"
	"github.com/sluglab/cxlmemsim/internal/nodeserver"
	"github.com/sluglab/cxlmemsim/internal/shmem"
)

// buildServers constructs n NodeServers sharing one fabric segment, node i
// homing ranges[i].
func buildServers(t *testing.T, ranges []config.HDMRangeConfig) []*nodeserver.Server {
	t.Helper()
	dir := t.TempDir()
	restore := shmem.SetDirForTest(dir)
	t.Cleanup(restore)

	shmName := fmt.Sprintf("test-scenario-%s", t.Name())
	servers := make([]*nodeserver.Server, len(ranges))
	for i := range ranges {
		cfg := config.Defaults()
		cfg.NodeID = uint32(i)
		cfg.Topology = config.TopologyConfig{Mode: config.TopologyRangeBased, Ranges: ranges}
		cfg.Fabric.ShmName = shmName
		cfg.Fabric.QueueCapacity = 64
		cfg.Fabric.WorkerCount = 2
		cfg.Fabric.MaxMessagesPerTick = 32
		cfg.Fabric.SendAndWaitTimeoutMS = 5000
		cfg.Fabric.HeartbeatIntervalMS = 200
		cfg.Fabric.HeartbeatTimeoutMS = 2000
		cfg.SharedMemory.ShmNamePrefix = shmName + "-smm-"
		cfg.SharedMemory.NumCachelines = 1 << 14
		srv, err := nodeserver.New(&cfg, zap.NewNop(), nil, nil)
		if err != nil {
			t.Fatalf("new node %d: %v", i, err)
		}
		servers[i] = srv
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, srv := range servers {
		srv.Start(ctx)
	}
	t.Cleanup(func() {
		cancel()
		for i := len(servers) - 1; i >= 0; i-- {
			servers[i].Stop(i == 0)
		}
	})
	return servers
}

// Two-node shared-memory handshake on one host: local write/read at
// each node, a cross-node write, readback of the forwarded data, and the
// counter effects of all of it.
func TestScenario_TwoNodeSharedMemory(t *testing.T) {
	const node0Base = uint64(0x100000000)
	const node1Base = uint64(0x200000000)
	const size = uint64(64 << 20)

	servers := buildServers(t, []config.HDMRangeConfig{
		{Base: node0Base, Size: size, TargetID: 0, IsRemote: false},
		{Base: node1Base, Size: size, TargetID: 1, IsRemote: true},
	})
	s0, s1 := servers[0], servers[1]

	obs0 := contrib.NewStatsObserver()
	obs1 := contrib.NewStatsObserver()
	s0.Engine().RegisterObserver(obs0)
	s1.Engine().RegisterObserver(obs1)

	ctx := context.Background()
	line := func(b byte) []byte {
		buf := make([]byte, 64)
		for i := range buf {
			buf[i] = b
		}
		return buf
	}

	res, err := s0.Write(ctx, node0Base, line(0xAA))
	if err != nil || !res.Success {
		t.Fatalf("step 1 local write: err=%v res=%+v", err, res)
	}
	if res.LatencyNS < 0 {
		t.Fatalf("step 1 latency = %v, want >= 0", res.LatencyNS)
	}

	res, err = s0.Read(ctx, node0Base)
	if err != nil || !res.Success || !bytes.Equal(res.Data[:], line(0xAA)) {
		t.Fatalf("step 2 local readback: err=%v data=%v", err, res.Data[:4])
	}

	if res, err = s1.Write(ctx, node1Base, line(0xBB)); err != nil || !res.Success {
		t.Fatalf("step 3 node1 local write: err=%v res=%+v", err, res)
	}

	if res, err = s0.Write(ctx, node1Base+64, line(0xCC)); err != nil || !res.Success {
		t.Fatalf("step 4 cross-node write: err=%v res=%+v", err, res)
	}

	res, err = s1.Read(ctx, node1Base+64)
	if err != nil || !res.Success || !bytes.Equal(res.Data[:], line(0xCC)) {
		t.Fatalf("step 5 node1 readback of forwarded write: err=%v data=%v", err, res.Data[:4])
	}

	if _, writes0 := obs0.Totals(); writes0 < 1 {
		t.Fatalf("node0 writes = %d, want >= 1", writes0)
	}
	if reads1, _ := obs1.Totals(); reads1 < 1 {
		t.Fatalf("node1 reads = %d, want >= 1", reads1)
	}
	forwarded := s0.Fabric().QueueStatsFor(0, 1)
	if forwarded.TotalSent == 0 {
		t.Fatal("node0 never forwarded a request to node1")
	}
	if s1.Engine().Stats().RemoteOps == 0 {
		t.Fatal("node1 engine saw no remote ops despite forwarded write")
	}
}

// MOESI read-then-write at a single home node, with the exact
// directory states, sharer sets, counter deltas, and version monotonicity
// it must produce.
func TestScenario_MOESIReadThenWrite(t *testing.T) {
	servers := buildServers(t, []config.HDMRangeConfig{
		{Base: 0, Size: 1 << 20, TargetID: 0, IsRemote: false},
		{Base: 1 << 20, Size: 1 << 20, TargetID: 1, IsRemote: true},
		{Base: 2 << 20, Size: 1 << 20, TargetID: 2, IsRemote: true},
	})
	s0, s1, s2 := servers[0], servers[1], servers[2]

	ctx := context.Background()
	const addr = uint64(0x4000) // homed at node 0

	if res, err := s1.Read(ctx, addr); err != nil || !res.Success {
		t.Fatalf("node1 read: err=%v res=%+v", err, res)
	}
	snap, ok := s0.Engine().LookupEntry(addr)
	if !ok || snap.State.String() != "S" {
		t.Fatalf("after node1 read: snap=%+v ok=%v, want state S", snap, ok)
	}
	if len(snap.Sharers) != 1 || snap.Sharers[0] != 1 {
		t.Fatalf("sharers = %v, want {1}", snap.Sharers)
	}
	v1 := snap.Version

	if res, err := s2.Read(ctx, addr); err != nil || !res.Success {
		t.Fatalf("node2 read: err=%v res=%+v", err, res)
	}
	snap, _ = s0.Engine().LookupEntry(addr)
	if snap.State.String() != "S" || len(snap.Sharers) != 2 {
		t.Fatalf("after node2 read: state=%s sharers=%v, want S with {1,2}", snap.State, snap.Sharers)
	}
	if snap.Version <= v1 {
		t.Fatalf("version %d did not increase past %d", snap.Version, v1)
	}
	v2 := snap.Version

	before := s0.Engine().Stats()
	if res, err := s0.Write(ctx, addr, make([]byte, 64)); err != nil || !res.Success {
		t.Fatalf("node0 write: err=%v res=%+v", err, res)
	}
	after := s0.Engine().Stats()

	snap, _ = s0.Engine().LookupEntry(addr)
	if snap.State.String() != "M" || snap.OwnerNode != 0 || len(snap.Sharers) != 0 {
		t.Fatalf("after write: %+v, want M owned by 0 with no sharers", snap)
	}
	if snap.Version <= v2 {
		t.Fatalf("version %d did not increase past %d", snap.Version, v2)
	}
	if d := after.Invalidations - before.Invalidations; d != 2 {
		t.Fatalf("invalidations delta = %d, want 2", d)
	}
	if d := after.CoherencyMessages - before.CoherencyMessages; d != 2 {
		t.Fatalf("coherency_messages delta = %d, want 2", d)
	}
	if after.RemoteOps != 2 {
		t.Fatalf("remote_ops = %d, want 2 (the two forwarded reads)", after.RemoteOps)
	}
}

// Atomic fetch-and-add storm: two remote clients hammer one counter
// homed at node 0; every increment must land exactly once and every
// forwarded op must be accounted as remote.
func TestScenario_AtomicFAAStorm(t *testing.T) {
	perClient := 20000
	if testing.Short() {
		perClient = 2000
	}

	servers := buildServers(t, []config.HDMRangeConfig{
		{Base: 0, Size: 1 << 20, TargetID: 0, IsRemote: false},
		{Base: 1 << 20, Size: 1 << 20, TargetID: 1, IsRemote: true},
		{Base: 2 << 20, Size: 1 << 20, TargetID: 2, IsRemote: true},
	})
	s0, s1, s2 := servers[0], servers[1], servers[2]

	const addr = uint64(0x8000) // homed at node 0
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, client := range []*nodeserver.Server{s1, s2} {
		wg.Add(1)
		go func(srv *nodeserver.Server) {
			defer wg.Done()
			for i := 0; i < perClient; i++ {
				if _, _, err := srv.AtomicFetchAdd(ctx, addr, 1); err != nil {
					errs <- fmt.Errorf("node %d FAA %d: %w", srv.NodeID(), i, err)
					return
				}
			}
		}(client)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	res, err := s0.Read(ctx, addr)
	if err != nil || !res.Success {
		t.Fatalf("final readback: err=%v res=%+v", err, res)
	}
	var got uint64
	for i := 7; i >= 0; i-- {
		got = got<<8 | uint64(res.Data[i])
	}
	want := uint64(2 * perClient)
	if got != want {
		t.Fatalf("counter = %d, want %d", got, want)
	}

	stats := s0.Engine().Stats()
	if stats.RemoteOps != want {
		t.Fatalf("remote_ops = %d, want exactly %d", stats.RemoteOps, want)
	}
	if stats.CoherencyMessages == 0 {
		t.Fatal("expected owner ping-pong to generate coherency messages")
	}
}

// Admin introspection must report the same directory state a direct
// engine lookup returns.
func TestScenario_AdminDirQueryMatchesLiveState(t *testing.T) {
	servers := buildServers(t, []config.HDMRangeConfig{
		{Base: 0, Size: 1 << 20, TargetID: 0, IsRemote: false},
		{Base: 1 << 20, Size: 1 << 20, TargetID: 1, IsRemote: true},
	})
	s0, s1 := servers[0], servers[1]
	ctx := context.Background()

	const addr = uint64(0x2000)
	if _, err := s1.Read(ctx, addr); err != nil {
		t.Fatalf("node1 read: %v", err)
	}
	if _, err := s0.Write(ctx, addr, make([]byte, 64)); err != nil {
		t.Fatalf("node0 write: %v", err)
	}

	sockPath := filepath.Join(t.TempDir(), "admin.sock")
	adminSrv := admin.New(sockPath, s0, "range_based", nil, nil, zap.NewNop())
	adminCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = adminSrv.ListenAndServe(adminCtx)
	}()

	var conn net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial admin socket: %v", err)
	}
	defer conn.Close()

	req, _ := json.Marshal(admin.Request{Cmd: "dir_query", Addr: addr})
	if _, err := conn.Write(append(req, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}
	lineBytes, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp admin.Response
	if err := json.Unmarshal(lineBytes, &resp); err != nil {
		t.Fatalf("decode response %q: %v", lineBytes, err)
	}
	if !resp.OK {
		t.Fatalf("dir_query failed: %+v", resp)
	}

	snap, ok := s0.Engine().LookupEntry(addr)
	if !ok {
		t.Fatal("engine has no entry for queried line")
	}
	if resp.State != snap.State.String() || resp.OwnerNode != snap.OwnerNode || resp.Version != snap.Version {
		t.Fatalf("admin reported %+v, engine reports %+v", resp, snap)
	}
}
