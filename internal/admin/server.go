// Package admin implements the CXLMemSim admin surface: a Unix domain
// socket serving newline-delimited JSON introspection commands against a
// running NodeServer. It never mutates coherency state — every command is
// a read against the directory, the HDM decoder, the fabric, or the
// node's own configuration.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/cxlmemsim/admin.sock (configurable).
// Permissions: 0600, owned by the daemon's user.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"decode","addr":1048576}
//	  -> Decodes addr through this node's HDM decoder.
//	  -> Response: {"ok":true,"target_id":1,"is_remote":true,"hop_count":1}
//
//	{"cmd":"dir_query","addr":1048576}
//	  -> Returns the directory entry snapshot for addr's cacheline.
//	  -> Response: {"ok":true,"addr":1048576,"state":"M","owner_node":2,"version":3,"has_dirty_data":true}
//	  -> Or, if never accessed: {"ok":false,"error":"not_found"}
//
//	{"cmd":"stats"}
//	  -> Returns aggregate coherency engine and fabric counters.
//	  -> Response: {"ok":true,"stats":{"coherency_messages":120,"invalidations":4,...}}
//
// Top-level response fields are omitted when they hold their zero value
// (a local_offset or owner_node of 0, an empty sharer list, false flags).
//
//	{"cmd":"nodes"}
//	  -> Returns this node plus every configured peer's last-known status.
//	  -> Response: {"ok":true,"nodes":[{"node_id":0,"state":"READY",...},...]}
//
//	{"cmd":"ranges"}
//	  -> Returns the configured HDM topology (mode, ranges, interleave).
//	  -> Response: {"ok":true,"mode":"range_based","ranges":[...],"interleave":{...}}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (introspection use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: one 10s deadline covering both the read and the write.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sluglab/cxlmemsim/internal/coherency"
	"github.com/sluglab/cxlmemsim/internal/fabric"
	"github.com/sluglab/cxlmemsim/internal/hdm"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// NodeView is the read-only surface of a NodeServer the admin server
// introspects. Implemented by *nodeserver.Server; narrowed to an
// interface here so admin never imports nodeserver's write path.
type NodeView interface {
	NodeID() uint32
	Engine() *coherency.Engine
	Decoder() *hdm.Decoder
	Fabric() *fabric.Fabric
	Peers() []uint32
	PeerOnline(peer uint32) bool
}

// Request is the JSON structure for admin commands.
type Request struct {
	Cmd  string `json:"cmd"` // decode | dir_query | stats | nodes | ranges
	Addr uint64 `json:"addr,omitempty"`
}

// Response is the JSON structure for admin command responses. Only the
// fields relevant to the command that produced it are populated.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// decode
	TargetID    uint32 `json:"target_id,omitempty"`
	LocalOffset uint64 `json:"local_offset,omitempty"`
	IsRemote    bool   `json:"is_remote,omitempty"`
	HopCount    uint32 `json:"hop_count,omitempty"`

	// dir_query
	Addr         uint64   `json:"addr,omitempty"`
	State        string   `json:"state,omitempty"`
	OwnerNode    uint32   `json:"owner_node,omitempty"`
	Sharers      []uint32 `json:"sharers,omitempty"`
	Version      uint64   `json:"version,omitempty"`
	HasDirtyData bool     `json:"has_dirty_data,omitempty"`

	// stats
	Stats *StatsView `json:"stats,omitempty"`

	// nodes
	Nodes []NodeStatusView `json:"nodes,omitempty"`

	// ranges
	Mode       string          `json:"mode,omitempty"`
	Ranges     []RangeView     `json:"ranges,omitempty"`
	Interleave *InterleaveView `json:"interleave,omitempty"`
}

// StatsView mirrors coherency.Stats plus fabric-level counters.
type StatsView struct {
	CoherencyMessages   uint64  `json:"coherency_messages"`
	Invalidations       uint64  `json:"invalidations"`
	Downgrades          uint64  `json:"downgrades"`
	Writebacks          uint64  `json:"writebacks"`
	RemoteOps           uint64  `json:"remote_ops"`
	AvgCoherencyLatency float64 `json:"avg_coherency_latency_ns"`
	DirectoryEntries    int     `json:"directory_entries"`
	MessagesDropped     uint64  `json:"messages_dropped"`
}

// NodeStatusView is a snapshot of one node's liveness, as known to this node.
type NodeStatusView struct {
	NodeID     uint32 `json:"node_id"`
	Self       bool   `json:"self"`
	State      string `json:"state"`
	Online     bool   `json:"online"`
	QueueDepth int    `json:"queue_depth,omitempty"`
}

// RangeView mirrors one configured HDM range.
type RangeView struct {
	Base     uint64 `json:"base"`
	Size     uint64 `json:"size"`
	TargetID uint32 `json:"target_id"`
	IsRemote bool   `json:"is_remote"`
}

// InterleaveView mirrors the configured interleave set, if any.
type InterleaveView struct {
	Granularity uint64   `json:"granularity"`
	Targets     []uint32 `json:"targets"`
	Base        uint64   `json:"base"`
	TotalSize   uint64   `json:"total_size"`
}

// Server is the admin Unix domain socket server.
type Server struct {
	socketPath string
	node       NodeView
	ranges     []RangeView
	interleave *InterleaveView
	mode       string
	log        *zap.Logger
	sem        chan struct{}
}

// New creates an admin Server bound to node. ranges/interleave/mode
// describe this node's configured HDM topology, echoed verbatim by the
// "ranges" command.
func New(socketPath string, node NodeView, mode string, ranges []RangeView, interleave *InterleaveView, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		node:       node,
		mode:       mode,
		ranges:     ranges,
		interleave: interleave,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the admin socket server. Removes any stale socket
// file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("admin: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("admin: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("admin: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("admin: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("admin socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("admin: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("admin: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("admin: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	s.writeResponse(conn, s.dispatch(req))
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "decode":
		return s.cmdDecode(req)
	case "dir_query":
		return s.cmdDirQuery(req)
	case "stats":
		return s.cmdStats()
	case "nodes":
		return s.cmdNodes()
	case "ranges":
		return s.cmdRanges()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdDecode(req Request) Response {
	res := s.node.Decoder().Decode(req.Addr)
	return Response{
		OK:          true,
		TargetID:    res.TargetID,
		LocalOffset: res.LocalOffset,
		IsRemote:    res.IsRemote,
		HopCount:    res.HopCount,
	}
}

func (s *Server) cmdDirQuery(req Request) Response {
	snap, ok := s.node.Engine().LookupEntry(req.Addr)
	if !ok {
		return Response{OK: false, Error: "not_found"}
	}
	return Response{
		OK:           true,
		Addr:         snap.Addr,
		State:        snap.State.String(),
		OwnerNode:    snap.OwnerNode,
		Sharers:      snap.Sharers,
		Version:      snap.Version,
		HasDirtyData: snap.HasDirtyData,
	}
}

func (s *Server) cmdStats() Response {
	ce := s.node.Engine().Stats()
	fs := s.node.Fabric().Stats()
	return Response{
		OK: true,
		Stats: &StatsView{
			CoherencyMessages:   ce.CoherencyMessages,
			Invalidations:       ce.Invalidations,
			Downgrades:          ce.Downgrades,
			Writebacks:          ce.Writebacks,
			RemoteOps:           ce.RemoteOps,
			AvgCoherencyLatency: ce.AvgCoherencyLatency,
			DirectoryEntries:    s.node.Engine().DirectoryEntries(),
			MessagesDropped:     fs.MessagesDropped,
		},
	}
}

func (s *Server) cmdNodes() Response {
	fab := s.node.Fabric()
	fs := fab.Stats()
	self := s.node.NodeID()

	out := []NodeStatusView{{
		NodeID: self,
		Self:   true,
		State:  fab.NodeStatus(self).State.String(),
		Online: true,
	}}
	for _, peer := range s.node.Peers() {
		status := fab.NodeStatus(peer)
		out = append(out, NodeStatusView{
			NodeID:     peer,
			State:      status.State.String(),
			Online:     s.node.PeerOnline(peer),
			QueueDepth: fs.QueueDepths[peer],
		})
	}
	return Response{OK: true, Nodes: out}
}

func (s *Server) cmdRanges() Response {
	return Response{
		OK:         true,
		Mode:       s.mode,
		Ranges:     s.ranges,
		Interleave: s.interleave,
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{OK: false, Error: "internal: marshal response"})
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
