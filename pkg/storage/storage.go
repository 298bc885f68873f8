// Package storage sizes stage inputs and splits them into per-worker
// partitions.
package storage

import (
	"context"
	"sort"
)

// Sizer reports the total size in bytes of the objects under a prefix.
type Sizer interface {
	GetSize(ctx context.Context, bucket, prefix string) (int64, error)
}

// Chunker splits the objects under a prefix into one key list per worker.
type Chunker interface {
	Partition(ctx context.Context, bucket, prefix string, workers int) ([][]string, error)
}

// Store is a Sizer and a Chunker.
type Store interface {
	Sizer
	Chunker
}

// Object is one listed object.
type Object struct {
	Key  string
	Size int64
}

// TotalSize sums object sizes.
func TotalSize(objs []Object) int64 {
	var total int64
	for _, o := range objs {
		total += o.Size
	}
	return total
}

// Balance assigns objects to workers greedily, largest first, always to the
// currently lightest worker. Keys inside a partition keep listing order.
func Balance(objs []Object, workers int) [][]string {
	if workers < 1 {
		workers = 1
	}
	order := make([]int, len(objs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return objs[order[a]].Size > objs[order[b]].Size })

	load := make([]int64, workers)
	owner := make([]int, len(objs))
	for _, i := range order {
		lightest := 0
		for w := 1; w < workers; w++ {
			if load[w] < load[lightest] {
				lightest = w
			}
		}
		owner[i] = lightest
		load[lightest] += objs[i].Size
	}

	out := make([][]string, workers)
	for w := range out {
		out[w] = []string{}
	}
	for i, o := range objs {
		out[owner[i]] = append(out[owner[i]], o.Key)
	}
	return out
}
