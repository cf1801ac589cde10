package ridtree

import "encoding/binary"

// RIDSize is the on-disk size of a RID: clusterId (int16) + clusterPos (int64).
const RIDSize = 12

// RID is a record identifier: a cluster id plus a position within that
// cluster. It is the tree's value type; the tree never stores anything
// else. Zero value is not a sentinel — callers distinguish "absent" by
// slice length, not by the zero RID.
type RID struct {
	ClusterID  int16
	ClusterPos int64
}

// MarshalRID writes r into the first RIDSize bytes of buf.
func MarshalRID(r RID, buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.ClusterID))
	binary.LittleEndian.PutUint64(buf[2:10], uint64(r.ClusterPos))
}

// UnmarshalRID reads a RID from the first RIDSize bytes of buf.
func UnmarshalRID(buf []byte) RID {
	return RID{
		ClusterID:  int16(binary.LittleEndian.Uint16(buf[0:2])),
		ClusterPos: int64(binary.LittleEndian.Uint64(buf[2:10])),
	}
}

// Equal reports whether two RIDs identify the same record.
func (r RID) Equal(o RID) bool {
	return r.ClusterID == o.ClusterID && r.ClusterPos == o.ClusterPos
}

// Less orders RIDs by (clusterId, clusterPos) — the order used as the
// tail of the overflow container's composite key (§4.4).
func (r RID) Less(o RID) bool {
	if r.ClusterID != o.ClusterID {
		return r.ClusterID < o.ClusterID
	}
	return r.ClusterPos < o.ClusterPos
}
