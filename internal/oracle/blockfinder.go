// Package oracle implements the block-timestamp oracle: given a
// wall-clock time, find the last block whose median-of-eleven timestamp is
// at or before it, binary-searching headers fetched through the connection
// pool.
package oracle

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/square/walletsync/internal/codec"
	"github.com/square/walletsync/internal/pool"
)

// BlockFinder binary-searches block height by median timestamp.
type BlockFinder struct {
	ctx  context.Context
	pool *pool.Pool

	cache map[uint32]int64
}

// New builds a BlockFinder that issues blockchain.block.header requests
// through p.
func New(ctx context.Context, p *pool.Pool) *BlockFinder {
	return &BlockFinder{ctx: ctx, pool: p, cache: make(map[uint32]int64)}
}

// Search returns the highest block height in [10, chainHeight-11] whose
// median-of-eleven timestamp is at or before target (10 when target
// precedes every median), along with that median and the block's own raw
// timestamp.
func (bf *BlockFinder) Search(target time.Time, chainHeight uint32) (uint32, time.Time, time.Time, error) {
	goal := target.Unix()

	min := uint32(10)
	minMedian, err := bf.median(min)
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}

	max := chainHeight - 11
	maxMedian, err := bf.median(max)
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}

	for max-min > 1 {
		avg := (max + min) / 2
		avgMedian, err := bf.median(avg)
		if err != nil {
			return 0, time.Time{}, time.Time{}, err
		}
		if avgMedian < minMedian || avgMedian > maxMedian {
			return 0, time.Time{}, time.Time{}, errors.New("oracle: non-monotonic medians")
		}

		switch {
		case goal == avgMedian:
			min, minMedian = avg, avgMedian
			max = min + 1
		case goal > avgMedian:
			min, minMedian = avg, avgMedian
		default:
			max, maxMedian = avg, avgMedian
		}
	}

	ts, err := bf.headerTimestamp(min)
	if err != nil {
		return 0, time.Time{}, time.Time{}, err
	}
	return min, time.Unix(minMedian, 0), ts, nil
}

// median computes the median timestamp of the eleven blocks centered on
// height (five before, five after).
func (bf *BlockFinder) median(height uint32) (int64, error) {
	timestamps := make([]int64, 0, 11)
	for h := height - 5; h <= height+5; h++ {
		ts, err := bf.headerTimestamp(h)
		if err != nil {
			return 0, err
		}
		timestamps = append(timestamps, ts.Unix())
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	return timestamps[5], nil
}

func (bf *BlockFinder) headerTimestamp(height uint32) (time.Time, error) {
	if ts, ok := bf.cache[height]; ok {
		return time.Unix(ts, 0), nil
	}

	handle, err := bf.pool.Acquire(bf.ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer handle.Release()

	rawHex, err := handle.Client().GetBlockHeader(bf.ctx, int(height))
	if err != nil {
		return time.Time{}, err
	}
	header, err := codec.DecodeBlockHeader(rawHex)
	if err != nil {
		return time.Time{}, err
	}
	bf.cache[height] = header.Timestamp.Unix()
	return header.Timestamp, nil
}
