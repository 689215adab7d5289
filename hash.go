package shardring

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// hashNodePosition calculates the deterministic ring position for a node's vnode.
// A recovered node therefore reclaims its exact same positions.
func hashNodePosition(nodeID NodeID, vnodeIndex int, ringSize int) int {
	return hashPosition(fmt.Sprintf("%s#%d", nodeID, vnodeIndex), ringSize)
}

// hashKeyPosition maps a record key onto the ring.
func hashKeyPosition(key string, ringSize int) int {
	return hashPosition(key, ringSize)
}

func hashPosition(s string, ringSize int) int {
	var (
		hash      = md5.Sum([]byte(s))
		hashValue = binary.BigEndian.Uint32(hash[:4])
	)
	return int(uint64(hashValue) % uint64(ringSize))
}
