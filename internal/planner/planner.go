// Package planner splits a resource into byte-range chunks, per spec.md
// §4.6. Grounded on the teacher's calculateChunks in
// internal/core/downloader/multistream.go, generalized to return
// internal/model.Chunk values instead of the teacher's download-local
// chunk struct so the plan can be persisted by internal/storage before any
// worker starts.
package planner

import (
	"github.com/crane-dl/crane/internal/model"
)

// MinChunkSize bounds the chunk count: a plan has at most
// ceil(total/MinChunkSize) chunks, per spec.md §4.6. Individual chunks can
// still be smaller than MinChunkSize (e.g. 300 KiB over 8 connections
// yields two 150 KiB chunks, and a small file is one small chunk).
const MinChunkSize int64 = 256 * 1024

// Plan computes the chunk layout for a download. If the resource isn't
// resumable or its size is unknown, it always returns a single chunk
// covering the whole stream, per spec.md §4.6's explicit fallback.
func Plan(downloadID string, total int64, desired int, resumable bool) []*model.Chunk {
	if !resumable || total <= 0 {
		return []*model.Chunk{
			{DownloadID: downloadID, Index: 0, Start: 0, End: maxEnd(total), Status: model.ChunkPending},
		}
	}

	k := desired
	if k < 1 {
		k = 1
	}
	maxByMinSize := ceilDiv(total, MinChunkSize)
	if int64(k) > maxByMinSize {
		k = int(maxByMinSize)
	}
	if k < 1 {
		k = 1
	}

	base := total / int64(k)
	remainder := total % int64(k)

	chunks := make([]*model.Chunk, 0, k)
	var offset int64
	for i := 0; i < k; i++ {
		size := base
		if i == k-1 {
			// Last chunk absorbs the remainder, per spec.md §4.6.
			size = base + remainder
		}
		chunks = append(chunks, &model.Chunk{
			DownloadID: downloadID,
			Index:      i,
			Start:      offset,
			End:        offset + size - 1,
			Status:     model.ChunkPending,
		})
		offset += size
	}
	return chunks
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 1
	}
	return (a + b - 1) / b
}

// maxEnd returns the inclusive end offset for a single whole-stream chunk;
// -1 (matching model.Download's "unknown total" sentinel) when total is
// unknown, meaning the chunk has no fixed end and is read until EOF.
func maxEnd(total int64) int64 {
	if total <= 0 {
		return -1
	}
	return total - 1
}
