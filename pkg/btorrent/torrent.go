package btorrent

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/namvu9/bencode"
	"github.com/spf13/afero"

	"github.com/namvu9/bitswarm/internal/errors"
	"github.com/namvu9/bitswarm/pkg/btorrent/size"
)

// HashLength is the length of a SHA-1 hash
const HashLength = sha1.Size

// Torrent contains metadata for one or more files and wraps
// a bencoded dictionary. A Torrent is read-only once
// loaded.
type Torrent struct {
	dict *bencode.Dictionary

	infoHash [20]byte
	pieces   [][]byte
	files    []File
}

// VerifyPiece returns true if the piece's SHA-1 hash equals
// the SHA-1 hash of the torrent piece at index i
func (t *Torrent) VerifyPiece(i int, piece []byte) bool {
	refHash := t.PieceHash(i)
	if refHash == nil {
		return false
	}

	hash := sha1.Sum(piece)
	return bytes.Equal(hash[:], refHash)
}

func (t *Torrent) Bytes() []byte {
	data, err := bencode.Marshal(t.dict)
	if err != nil {
		return []byte{}
	}

	return data
}

// Dict returns the torrent's underlying bencoded dictionary
func (t *Torrent) Dict() *bencode.Dictionary {
	return t.dict
}

// Info returns the torrent's info dictionary and true if
// the dictionary exists, otherwise it returns nil and false
func (t *Torrent) Info() (*bencode.Dictionary, bool) {
	return t.dict.GetDict("info")
}

// PieceLength returns the nominal length of a piece. Only
// the last piece may be shorter.
func (t *Torrent) PieceLength() size.Size {
	info, ok := t.Info()
	if !ok {
		return 0
	}

	pieceLength, _ := info.GetInteger("piece length")
	return size.Size(pieceLength)
}

// Pieces returns the hashes of the pieces that constitute
// the data identified by the torrent. Each piece is a
// 20-byte SHA-1 hash of a block of data defined by the
// value of the torrent's "piece length" field.
func (t *Torrent) Pieces() [][]byte {
	return t.pieces
}

// NumPieces returns the number of pieces the content is
// split into
func (t *Torrent) NumPieces() int {
	return len(t.pieces)
}

// PieceHash returns the expected SHA-1 hash of piece i, or
// nil if i is out of range
func (t *Torrent) PieceHash(i int) []byte {
	if i < 0 || i >= len(t.pieces) {
		return nil
	}

	return t.pieces[i]
}

// PieceLen returns the length of piece i. The last piece
// holds whatever remains of the content.
func (t *Torrent) PieceLen(i int) int {
	var (
		pieceLength = int64(t.PieceLength())
		total       = int64(t.Length())
		offset      = int64(i) * pieceLength
	)

	if i < 0 || offset >= total {
		return 0
	}

	if remaining := total - offset; remaining < pieceLength {
		return int(remaining)
	}

	return int(pieceLength)
}

// Name returns the name of the torrent if it exists.
// Returns the empty string otherwise
func (t *Torrent) Name() string {
	info, ok := t.Info()
	if !ok {
		return ""
	}

	name, _ := info.GetString("name")
	return name
}

// InfoHash returns the SHA-1 hash of the bencoded value of
// the torrent's info field. The hash uniquely identifies
// the torrent.
func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

// HexHash returns the hex-encoded SHA-1 hash of the
// bencoded value of the torrent's info field
func (t *Torrent) HexHash() string {
	return hex.EncodeToString(t.infoHash[:])
}

// Files returns the ordered list of files that make up the
// content
func (t *Torrent) Files() []File {
	return t.files
}

// Length returns the sum total size, in bytes, of the
// torrent files. In the case of a single-file torrent, it
// is equal to the size of that file.
func (t *Torrent) Length() size.Size {
	var sum size.Size

	for _, file := range t.files {
		sum += file.Length
	}

	return sum
}

func (t *Torrent) String() string {
	return fmt.Sprintf("%s (%s, %d pieces)", t.Name(), t.HexHash(), t.NumPieces())
}

// FromDict validates a bencoded metainfo dictionary and
// returns the torrent it describes
func FromDict(d *bencode.Dictionary) (*Torrent, error) {
	var op errors.Op = "btorrent.FromDict"

	t := &Torrent{dict: d}

	info, ok := t.Info()
	if !ok {
		err := errors.New("torrent does not have an info dictionary")
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	data, err := bencode.Marshal(info)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}
	t.infoHash = sha1.Sum(data)

	if t.PieceLength() == 0 {
		err := errors.New("torrent has no piece length")
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	piecesBytes, _ := info.GetBytes("pieces")
	if len(piecesBytes)%HashLength != 0 {
		err := errors.Newf("malformed torrent data: 'pieces' of length %d is not a multiple of %d", len(piecesBytes), HashLength)
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}
	t.pieces = GroupBytes(piecesBytes, HashLength)

	files, err := parseFiles(t.Name(), info)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}
	t.files = files

	var (
		pieceLength = int64(t.PieceLength())
		want        = (int64(t.Length()) + pieceLength - 1) / pieceLength
	)
	if int64(len(t.pieces)) != want {
		err := errors.Newf("torrent has %d piece hashes, want %d", len(t.pieces), want)
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	return t, nil
}

// Parse decodes a bencoded metainfo file
func Parse(data []byte) (*Torrent, error) {
	var op errors.Op = "btorrent.Parse"

	var v bencode.Value
	err := bencode.Unmarshal(data, &v)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	d, ok := v.ToDict()
	if !ok {
		err := errors.New("metainfo is not a dictionary")
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	return FromDict(d)
}

// Load reads a torrent from the file at location
func Load(fs afero.Fs, location string) (*Torrent, error) {
	var op errors.Op = "btorrent.Load"

	data, err := afero.ReadFile(fs, location)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	t, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%s: %w", location, err), op)
	}

	return t, nil
}

// Save writes the bencoded torrent to path
func Save(fs afero.Fs, path string, t *Torrent) error {
	data, err := bencode.Marshal(t.Dict())
	if err != nil {
		return errors.Wrap(err, errors.Op("btorrent.Save"))
	}

	err = afero.WriteFile(fs, path, data, 0644)
	if err != nil {
		return errors.Wrap(err, errors.Op("btorrent.Save"), errors.IO)
	}

	return nil
}

// GroupBytes splits data into consecutive groups of n
// bytes. The last group may be shorter.
func GroupBytes(data []byte, n int) [][]byte {
	var out [][]byte

	for len(data) > n {
		out = append(out, data[:n:n])
		data = data[n:]
	}

	if len(data) > 0 {
		out = append(out, data)
	}

	return out
}
