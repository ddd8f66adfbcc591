package journal

import (
	"fmt"
	"hash/crc32"
)

// checksum covers the identifying fields and the payload of a record.
// Timestamp is excluded so rewriting a record with a fresh clock still
// verifies.
func checksum(rec Record) uint32 {
	data := fmt.Sprintf("%d|%s|%s|%d|%s|%s|%d|%s",
		rec.Seq, rec.JobID, rec.Kind, rec.Sequence,
		rec.Chunk, rec.Message, rec.Progress, rec.Error)
	return crc32.ChecksumIEEE([]byte(data))
}

func verify(rec Record) bool {
	return rec.Checksum == checksum(rec)
}
