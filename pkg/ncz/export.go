package ncz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/nscore/ncacore/pkg/nca"
)

// DefaultBlockSizeExp mirrors the teacher converter's default 1 MiB block
// size (1 << 20).
const DefaultBlockSizeExp = 20

var (
	encoderPools = make(map[int]*sync.Pool)
	encoderMu    sync.RWMutex
)

func getEncoder(level int) (*zstd.Encoder, func()) {
	encoderMu.RLock()
	pool, ok := encoderPools[level]
	encoderMu.RUnlock()
	if !ok {
		encoderMu.Lock()
		if pool, ok = encoderPools[level]; !ok {
			pool = &sync.Pool{New: func() any {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
					zstd.WithEncoderConcurrency(1),
				)
				return enc
			}}
			encoderPools[level] = pool
		}
		encoderMu.Unlock()
	}
	enc := pool.Get().(*zstd.Encoder)
	return enc, func() { pool.Put(enc) }
}

type blockResult struct {
	index      int
	compressed []byte
	err        error
}

// ExportSections streams every present FS section of ctx's archive body to
// w as a compressed NCZ-style blob: a section table (one entry per exported
// section, recording only its offset and size; the EncryptionType,
// CryptoKey and CryptoCounter fields are written as zero), a block-size
// table, and the zstd-compressed blocks themselves. Sections with a sparse
// layer are exported like any other. arena
// bounds the plaintext staging buffer used while reads are split across a
// worker pool — reads of the same archive still serialize through ctx's own
// CryptoArena (spec §4's single scratch-buffer discipline); this arena
// exists to bound how much decompressed block data is ever held at once
// across the whole worker pool, not to parallelize the cryptography itself.
func ExportSections(arena *nca.CryptoArena, ctx *nca.ArchiveContext, w io.Writer, level int) error {
	if arena == nil {
		arena = nca.NewCryptoArena(nca.DefaultArenaSize)
	}

	var entries []SectionEntry
	var sections []*nca.SectionContext
	for _, sec := range ctx.Sections {
		if sec == nil {
			continue
		}
		sections = append(sections, sec)
		entries = append(entries, SectionEntry{
			Offset: uint64(sec.StartOffset()),
			Size:   uint64(sec.Size()),
		})
	}

	if err := WriteSectionTable(w, entries); err != nil {
		return fmt.Errorf("ncz: export: section table: %w", err)
	}

	var totalSize int64
	for _, sec := range sections {
		totalSize += sec.Size()
	}

	const blockSizeExp = DefaultBlockSizeExp
	blockSize := int64(1) << blockSizeExp
	blockCount := int((totalSize + blockSize - 1) / blockSize)

	if err := WriteBlockHeader(w, blockSizeExp, uint32(blockCount), uint64(totalSize)); err != nil {
		return fmt.Errorf("ncz: export: block header: %w", err)
	}

	type job struct {
		index int
		sec   *nca.SectionContext
		off   int64
		n     int64
	}

	var jobs []job
	remaining := totalSize
	secIdx := 0
	secOff := int64(0)
	idx := 0
	for remaining > 0 {
		n := blockSize
		if n > remaining {
			n = remaining
		}
		// Blocks never straddle a section boundary: the last block of a
		// section may be short instead.
		if secOff+n > sections[secIdx].Size() {
			n = sections[secIdx].Size() - secOff
		}
		jobs = append(jobs, job{index: idx, sec: sections[secIdx], off: secOff, n: n})
		idx++
		secOff += n
		remaining -= n
		if secOff >= sections[secIdx].Size() {
			secIdx++
			secOff = 0
		}
	}

	numWorkers := runtime.NumCPU()
	if numWorkers < 1 {
		numWorkers = 1
	}
	jobCh := make(chan job)
	resultCh := make(chan blockResult, len(jobs))

	var wg sync.WaitGroup
	for worker := 0; worker < numWorkers; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jb := range jobCh {
				plain := make([]byte, jb.n)
				err := arena.Use(int(jb.n), func(scratch []byte) error {
					if err := jb.sec.ReadSection(scratch, jb.off); err != nil {
						return err
					}
					copy(plain, scratch)
					return nil
				})
				if err != nil {
					resultCh <- blockResult{index: jb.index, err: err}
					continue
				}

				enc, release := getEncoder(level)
				compressed := enc.EncodeAll(plain, make([]byte, 0, len(plain)))
				release()
				resultCh <- blockResult{index: jb.index, compressed: compressed}
			}
		}()
	}

	go func() {
		for _, jb := range jobs {
			jobCh <- jb
		}
		close(jobCh)
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([][]byte, len(jobs))
	for r := range resultCh {
		if r.err != nil {
			return fmt.Errorf("ncz: export: block %d: %w", r.index, r.err)
		}
		results[r.index] = r.compressed
	}

	sizes := make([]byte, 0, len(results)*8)
	body := bytes.NewBuffer(nil)
	for _, c := range results {
		sizes = binary.LittleEndian.AppendUint64(sizes, uint64(len(c)))
		body.Write(c)
	}

	if _, err := w.Write(sizes); err != nil {
		return fmt.Errorf("ncz: export: size table: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("ncz: export: block data: %w", err)
	}
	return nil
}
