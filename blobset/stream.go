package blobset

import (
	"bufio"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/MohamedGNabail/mlsgpu/grid"
	"github.com/MohamedGNabail/mlsgpu/splat"
	"github.com/MohamedGNabail/mlsgpu/utils"
)

// fastBlobStream replays the blob index, converting internal-bucket
// coordinates to buckets of the requested size relative to the target grid.
type fastBlobStream struct {
	owner   *FastBlobSet
	divider int64
	offset  [3]int64

	curFile   int
	file      *os.File
	reader    *bufio.Reader
	remaining uint64

	prev     rawBlob
	havePrev bool
}

func newFastBlobStream(owner *FastBlobSet, g grid.Grid, bucketSize int64) (splat.BlobStream, error) {
	s := &fastBlobStream{
		owner:   owner,
		divider: bucketSize / owner.internalBucketSize,
	}
	for i := 0; i < 3; i++ {
		lo, _ := g.Extent(i)
		s.offset[i] = lo / owner.internalBucketSize
	}
	return s, nil
}

func (s *fastBlobStream) Next() (splat.Blob, bool, error) {
	for s.remaining == 0 {
		if s.file != nil {
			if err := s.file.Close(); err != nil {
				return splat.Blob{}, false, err
			}
			s.file = nil
			s.curFile++
		}
		if s.curFile >= len(s.owner.blobFiles) {
			return splat.Blob{}, false, nil
		}
		bf := s.owner.blobFiles[s.curFile]
		if bf.nBlobs == 0 {
			s.curFile++
			continue
		}
		f, err := os.Open(bf.path)
		if err != nil {
			return splat.Blob{}, false, errors.Wrapf(err, "opening blob file %s", bf.path)
		}
		s.file = f
		s.reader = bufio.NewReaderSize(f, 1<<16)
		s.remaining = bf.nBlobs
	}

	cur, err := readBlob(s.reader, s.havePrev, s.prev)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = errors.Errorf("blob file %s truncated", s.owner.blobFiles[s.curFile].path)
		}
		return splat.Blob{}, false, err
	}
	s.prev, s.havePrev = cur, true
	s.remaining--

	var out splat.Blob
	out.First = splat.ID(cur.first)
	out.Last = splat.ID(cur.last)
	for i := 0; i < 3; i++ {
		out.Lower[i] = int32(utils.DivDown(int64(cur.lower[i])-s.offset[i], s.divider))
		out.Upper[i] = int32(utils.DivDown(int64(cur.upper[i])-s.offset[i], s.divider))
	}
	return out, true, nil
}

func (s *fastBlobStream) Close() error {
	var err error
	if s.file != nil {
		err = multierr.Combine(err, s.file.Close())
		s.file = nil
	}
	return err
}
