package mirror

import (
	"github.com/mirrord/mirrord/internal/bitmap"
	"github.com/mirrord/mirrord/internal/extent"
	"github.com/mirrord/mirrord/internal/workqueue"
)

// Stats is a point-in-time view of a device for status output and metrics.
type Stats struct {
	Device   Identity `json:"device"`
	State    State    `json:"state"`
	Conn     string   `json:"conn"`
	Disk     string   `json:"disk"`
	PeerDisk string   `json:"peer_disk"`
	Pause    string   `json:"pause"`
	After    int      `json:"after"`

	OutOfSyncBlocks uint64 `json:"out_of_sync_blocks"`
	OutOfSyncBytes  uint64 `json:"out_of_sync_bytes"`
	ResyncTotal     uint64 `json:"resync_total_blocks"`
	ResyncFailed    uint64 `json:"resync_failed_blocks"`
	SameCsum        uint64 `json:"resync_same_csum_blocks"`
	Cursor          uint64 `json:"resync_cursor"`
	VerifyPosition  uint64 `json:"verify_position"`
	VerifyLeft      uint64 `json:"verify_left"`
	VerifyFound     uint64 `json:"verify_found_sectors"`
	Pending         int    `json:"pending_acks"`
	Unacked         int    `json:"unacked_barriers"`
	ReadSectors     uint64 `json:"read_sectors"`
	WrittenSectors  uint64 `json:"written_sectors"`
	FailedIO        uint64 `json:"failed_io"`
	Requests        int    `json:"requests"`
	QueueLen        int    `json:"queue_len"`

	SyncRate      int64  `json:"sync_rate"`
	CsumAlgorithm string `json:"csum_algorithm,omitempty"`
	WriteOrdering string `json:"write_ordering"`

	Generations     Generations     `json:"generations"`
	PeerGenerations Generations     `json:"peer_generations"`
	Pool            extent.Stats    `json:"pool"`
	Worker          workqueue.Stats `json:"worker"`
	LastRun         *RunResult      `json:"last_run,omitempty"`
}

// Stats collects the device's counters.
func (d *Device) Stats() Stats {
	after := d.After()
	weight := d.bm.TotalWeight()

	d.mu.Lock()
	s := Stats{
		Device:          d.id,
		State:           d.st,
		Conn:            d.st.Conn.String(),
		Disk:            d.st.Disk.String(),
		PeerDisk:        d.st.PeerDisk.String(),
		Pause:           d.st.Pause.String(),
		After:           after,
		OutOfSyncBlocks: weight,
		OutOfSyncBytes:  weight << bitmap.BlockShift,
		ResyncTotal:     d.run.total,
		ResyncFailed:    d.run.failed,
		SameCsum:        d.run.sameCsum,
		Cursor:          d.cursor,
		VerifyPosition:  d.run.ovPosition,
		VerifyLeft:      d.run.ovLeft,
		VerifyFound:     d.run.ovFound,
		Pending:         d.pending,
		Unacked:         d.unacked,
		ReadSectors:     d.readSectors,
		WrittenSectors:  d.writtenSectors,
		FailedIO:        d.failedIO,
		Requests:        len(d.requests),
		WriteOrdering:   d.ordering.String(),
		Generations:     d.gen,
		PeerGenerations: d.peerGen,
		LastRun:         d.lastRun,
	}
	d.mu.Unlock()

	s.QueueLen = d.queue.Len()
	s.SyncRate = d.syncRate.Load()
	if alg := d.csumAlg.Load(); alg != nil {
		s.CsumAlgorithm = string(*alg)
	}
	s.Pool = d.pool.Stats()
	s.Worker = d.worker.Stats()
	return s
}
