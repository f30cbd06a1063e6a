package data

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/namvu9/bitswarm/internal/cache"
	"github.com/namvu9/bitswarm/internal/errors"
	"github.com/namvu9/bitswarm/pkg/bits"
	"github.com/namvu9/bitswarm/pkg/btorrent"
)

// CacheTTL is how long piece data read from disk is kept in
// memory
const CacheTTL = 30 * time.Second

// Store reads and writes whole pieces by index
type Store interface {
	GetPiece(index int) ([]byte, error)
	PutPiece(index int, data []byte) error
}

// FileStore stores the pieces of a torrent in the files the
// torrent describes, laid out under a download directory.
// Pieces may span file boundaries.
type FileStore struct {
	fs      afero.Fs
	dir     string
	torrent *btorrent.Torrent

	mu    sync.Mutex
	files []afero.File

	cache *cache.Cache[int, []byte]
}

type Option func(*FileStore)

// WithCacheTTL sets how long piece reads are cached
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *FileStore) {
		s.cache = cache.New[int, []byte](ttl)
	}
}

// NewFileStore opens, and creates if necessary, the files of
// torrent t under dir. Files shorter than their declared
// length are extended.
func NewFileStore(fs afero.Fs, dir string, t *btorrent.Torrent, opts ...Option) (*FileStore, error) {
	var op errors.Op = "data.NewFileStore"

	s := &FileStore{
		fs:      fs,
		dir:     dir,
		torrent: t,
		cache:   cache.New[int, []byte](CacheTTL),
	}

	for _, opt := range opts {
		opt(s)
	}

	for _, file := range t.Files() {
		f, err := s.openFile(file)
		if err != nil {
			s.Close()
			return nil, errors.Wrap(err, op, errors.IO)
		}

		s.files = append(s.files, f)
	}

	return s, nil
}

func (s *FileStore) openFile(file btorrent.File) (afero.File, error) {
	p := filepath.Join(s.dir, filepath.FromSlash(file.FullPath))

	err := s.fs.MkdirAll(filepath.Dir(p), 0755)
	if err != nil {
		return nil, err
	}

	f, err := s.fs.OpenFile(p, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if stat.Size() < int64(file.Length) {
		err := f.Truncate(int64(file.Length))
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	return f, nil
}

// span calls fn for every file segment that overlaps the
// range [offset, offset+length) of the content
func (s *FileStore) span(offset int64, length int, fn func(f afero.File, fileOffset int64, lo, hi int) error) error {
	end := offset + int64(length)

	for i, file := range s.torrent.Files() {
		var (
			fileStart = file.Offset
			fileEnd   = file.Offset + int64(file.Length)
		)

		if fileEnd <= offset || fileStart >= end {
			continue
		}

		var (
			start = max64(offset, fileStart)
			stop  = min64(end, fileEnd)
		)

		err := fn(s.files[i], start-fileStart, int(start-offset), int(stop-offset))
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *FileStore) pieceRange(index int) (int64, int, error) {
	if index < 0 || index >= s.torrent.NumPieces() {
		return 0, 0, errors.Wrap(fmt.Errorf("piece index %d out of range", index), errors.BadArgument)
	}

	offset := int64(index) * int64(s.torrent.PieceLength())
	return offset, s.torrent.PieceLen(index), nil
}

// GetPiece returns the data of piece index. Recently read
// pieces are served from memory.
func (s *FileStore) GetPiece(index int) ([]byte, error) {
	var op errors.Op = "data.FileStore.GetPiece"

	if data, ok := s.cache.Get(index); ok {
		return data, nil
	}

	offset, length, err := s.pieceRange(index)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	buf := make([]byte, length)

	s.mu.Lock()
	err = s.span(offset, length, func(f afero.File, fileOffset int64, lo, hi int) error {
		_, err := f.ReadAt(buf[lo:hi], fileOffset)
		return err
	})
	s.mu.Unlock()

	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	s.cache.Set(index, buf)

	return buf, nil
}

// ReadBlock returns length bytes of piece index starting at
// begin. The range is clamped to the end of the piece.
func (s *FileStore) ReadBlock(index, begin, length int) ([]byte, error) {
	piece, err := s.GetPiece(index)
	if err != nil {
		return nil, err
	}

	if begin < 0 || begin >= len(piece) {
		err := fmt.Errorf("offset %d outside piece %d of length %d", begin, index, len(piece))
		return nil, errors.Wrap(err, errors.Op("data.FileStore.ReadBlock"), errors.BadArgument)
	}

	end := begin + length
	if end > len(piece) {
		end = len(piece)
	}

	return piece[begin:end], nil
}

// PutPiece writes the data of piece index to disk. The
// cached copy, if any, is dropped so that the next read
// goes to disk.
func (s *FileStore) PutPiece(index int, data []byte) error {
	var op errors.Op = "data.FileStore.PutPiece"

	offset, length, err := s.pieceRange(index)
	if err != nil {
		return errors.Wrap(err, op)
	}

	if len(data) != length {
		err := fmt.Errorf("piece %d has length %d, want %d", index, len(data), length)
		return errors.Wrap(err, op, errors.BadArgument)
	}

	s.Invalidate(index)

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.span(offset, length, func(f afero.File, fileOffset int64, lo, hi int) error {
		_, err := f.WriteAt(data[lo:hi], fileOffset)
		return err
	})
	if err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	return nil
}

// Invalidate drops the cached copy of piece index
func (s *FileStore) Invalidate(index int) {
	s.cache.Delete(index)
}

// Purge releases every cached piece whose TTL has passed
// and returns how many were released
func (s *FileStore) Purge() int {
	return s.cache.Purge()
}

// Cached returns the number of pieces held in memory
func (s *FileStore) Cached() int {
	return s.cache.Len()
}

// Verify hashes every piece on disk and returns a bitfield
// with the bits of the pieces that match set
func (s *FileStore) Verify() (bits.BitField, error) {
	var (
		n  = s.torrent.NumPieces()
		bf = bits.NewBitField(n)
	)

	for i := 0; i < n; i++ {
		data, err := s.GetPiece(i)
		if err != nil {
			return nil, err
		}

		if s.torrent.VerifyPiece(i, data) {
			bf.Set(i)
		}
		s.Invalidate(i)
	}

	log.Debug().
		Str("torrent", s.torrent.Name()).
		Int("have", bf.GetSum()).
		Int("pieces", n).
		Msg("verified local data")

	return bf, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs errors.Errors
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.files = nil

	if len(errs) > 0 {
		return errs
	}

	return nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
