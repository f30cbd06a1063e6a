package btorrent

import (
	"fmt"
	"path"

	"github.com/namvu9/bencode"

	"github.com/namvu9/bitswarm/pkg/btorrent/size"
)

// A File contains the metadata describing a particular
// file of a torrent
type File struct {
	Name   string
	Length size.Size

	// Path of the file relative to the download directory.
	// Files of a multi-file torrent are placed in a
	// directory named after the torrent.
	FullPath string

	// Offset of the file's first byte within the content,
	// as if all files were concatenated in order
	Offset int64
}

// Pieces returns the indices of the first and last piece
// that hold data of the file. Pieces may overlap file
// boundaries.
func (f File) Pieces(pieceLength int64) (int, int) {
	if f.Length == 0 {
		idx := int(f.Offset / pieceLength)
		return idx, idx
	}

	first := f.Offset / pieceLength
	last := (f.Offset + int64(f.Length) - 1) / pieceLength

	return int(first), int(last)
}

func parseFiles(name string, info *bencode.Dictionary) ([]File, error) {
	files, ok := info.GetList("files")

	// Single-file torrent
	if !ok {
		fileLength, ok := info.GetInteger("length")
		if !ok {
			return nil, fmt.Errorf("torrent has neither 'files' nor 'length'")
		}

		return []File{
			{
				Name:     name,
				Length:   size.Size(fileLength),
				FullPath: name,
			},
		}, nil
	}

	var (
		out    []File
		offset int64
	)

	for i, file := range files {
		fDict, ok := file.ToDict()
		if !ok {
			return nil, fmt.Errorf("file %d is not a dictionary", i)
		}

		fileLength, ok := fDict.GetInteger("length")
		if !ok || fileLength < 0 {
			return nil, fmt.Errorf("file %d has no valid length", i)
		}

		segments, _ := fDict.GetList("path")
		p := getFilePath(segments)
		if p == "" {
			return nil, fmt.Errorf("file %d has no path", i)
		}

		out = append(out, File{
			Name:     path.Base(p),
			Length:   size.Size(fileLength),
			FullPath: path.Join(name, p),
			Offset:   offset,
		})

		offset += int64(fileLength)
	}

	return out, nil
}

func getFilePath(segments bencode.List) string {
	var p string

	for _, segment := range segments {
		s, _ := segment.ToBytes()
		p = path.Join(p, string(s))
	}

	return path.Clean("/" + p)[1:]
}
