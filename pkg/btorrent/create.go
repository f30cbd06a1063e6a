package btorrent

import (
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/namvu9/bencode"
	"github.com/spf13/afero"

	"github.com/namvu9/bitswarm/internal/errors"
)

// DefaultPieceLength is used by Create when no piece length
// is given
const DefaultPieceLength = 256 * 1024

// Create builds a torrent describing the file or directory
// at root. Files of a directory are added in lexical order
// of their paths.
func Create(fs afero.Fs, root string, pieceLength int) (*Torrent, error) {
	var op errors.Op = "btorrent.Create"

	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}

	stat, err := fs.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	var paths []string
	if stat.IsDir() {
		err := afero.Walk(fs, root, func(p string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}

			if fi.Mode().IsRegular() {
				paths = append(paths, p)
			}

			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, op, errors.IO)
		}

		sort.Strings(paths)
	} else {
		paths = []string{root}
	}

	var (
		h      = newPieceHasher(pieceLength)
		files  bencode.List
		length int64
	)

	for _, p := range paths {
		n, err := hashFile(fs, p, h)
		if err != nil {
			return nil, errors.Wrap(err, op, errors.IO)
		}

		length += n

		if !stat.IsDir() {
			continue
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil, errors.Wrap(err, op)
		}

		var segments bencode.List
		for _, s := range strings.Split(filepath.ToSlash(rel), "/") {
			segments = append(segments, bencode.Bytes(s))
		}

		var file bencode.Dictionary
		file.SetStringKey("length", bencode.Integer(n))
		file.SetStringKey("path", segments)
		files = append(files, &file)
	}

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes(filepath.Base(root)))
	info.SetStringKey("piece length", bencode.Integer(pieceLength))
	info.SetStringKey("pieces", bencode.Bytes(h.Sum()))

	if stat.IsDir() {
		info.SetStringKey("files", files)
	} else {
		info.SetStringKey("length", bencode.Integer(length))
	}

	var dict bencode.Dictionary
	dict.SetStringKey("created by", bencode.Bytes("bitswarm"))
	dict.SetStringKey("info", &info)

	return FromDict(&dict)
}

func hashFile(fs afero.Fs, p string, w io.Writer) (int64, error) {
	f, err := fs.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return io.Copy(w, f)
}

// pieceHasher hashes a byte stream in pieceLength chunks
type pieceHasher struct {
	pieceLength int
	buf         []byte
	hashes      []byte
}

func newPieceHasher(pieceLength int) *pieceHasher {
	return &pieceHasher{
		pieceLength: pieceLength,
		buf:         make([]byte, 0, pieceLength),
	}
}

func (h *pieceHasher) Write(data []byte) (int, error) {
	n := len(data)

	for len(data) > 0 {
		space := h.pieceLength - len(h.buf)
		if space > len(data) {
			space = len(data)
		}

		h.buf = append(h.buf, data[:space]...)
		data = data[space:]

		if len(h.buf) == h.pieceLength {
			h.flush()
		}
	}

	return n, nil
}

func (h *pieceHasher) flush() {
	sum := sha1.Sum(h.buf)
	h.hashes = append(h.hashes, sum[:]...)
	h.buf = h.buf[:0]
}

// Sum returns the concatenated piece hashes, including a
// hash of the final partial piece
func (h *pieceHasher) Sum() []byte {
	if len(h.buf) > 0 {
		h.flush()
	}

	return h.hashes
}
