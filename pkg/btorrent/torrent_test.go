package btorrent_test

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/namvu9/bencode"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namvu9/bitswarm/pkg/btorrent"
)

func content(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) + seed
	}

	return out
}

func TestCreateSingleFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := content(1000, 1)
	require.NoError(t, afero.WriteFile(fs, "/src/movie.mkv", data, 0644))

	torrent, err := btorrent.Create(fs, "/src/movie.mkv", 256)
	require.NoError(t, err)

	assert.Equal(t, "movie.mkv", torrent.Name())
	assert.EqualValues(t, 1000, torrent.Length())
	assert.EqualValues(t, 256, torrent.PieceLength())
	assert.Equal(t, 4, torrent.NumPieces())

	for i, want := range []int{256, 256, 256, 232, 0} {
		if got := torrent.PieceLen(i); got != want {
			t.Errorf("PieceLen(%d) want %d got %d", i, want, got)
		}
	}

	for i := 0; i < torrent.NumPieces(); i++ {
		end := (i + 1) * 256
		if end > len(data) {
			end = len(data)
		}

		piece := data[i*256 : end]
		if !torrent.VerifyPiece(i, piece) {
			t.Errorf("piece %d does not verify", i)
		}

		want := sha1.Sum(piece)
		if !bytes.Equal(torrent.PieceHash(i), want[:]) {
			t.Errorf("piece %d hash mismatch", i)
		}
	}

	assert.False(t, torrent.VerifyPiece(0, data[1:257]))
	assert.False(t, torrent.VerifyPiece(10, nil))

	files := torrent.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "movie.mkv", files[0].FullPath)
}

func TestCreateMultiFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/album/b.flac", content(300, 2), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/album/a.flac", content(100, 3), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/album/covers/front.jpg", content(50, 4), 0644))

	torrent, err := btorrent.Create(fs, "/src/album", 128)
	require.NoError(t, err)

	files := torrent.Files()
	require.Len(t, files, 3)

	for i, want := range []struct {
		path   string
		length int64
		offset int64
	}{
		{"album/a.flac", 100, 0},
		{"album/b.flac", 300, 100},
		{"album/covers/front.jpg", 50, 400},
	} {
		assert.Equal(t, want.path, files[i].FullPath, "%d", i)
		assert.EqualValues(t, want.length, files[i].Length, "%d", i)
		assert.Equal(t, want.offset, files[i].Offset, "%d", i)
	}

	assert.EqualValues(t, 450, torrent.Length())
	assert.Equal(t, 4, torrent.NumPieces())

	first, last := files[1].Pieces(128)
	assert.Equal(t, 0, first)
	assert.Equal(t, 3, last)
}

func TestSaveLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data.bin", content(5000, 9), 0644))

	torrent, err := btorrent.Create(fs, "/data.bin", 1024)
	require.NoError(t, err)

	require.NoError(t, btorrent.Save(fs, "/data.torrent", torrent))

	loaded, err := btorrent.Load(fs, "/data.torrent")
	require.NoError(t, err)

	assert.Equal(t, torrent.InfoHash(), loaded.InfoHash())
	assert.Equal(t, torrent.HexHash(), loaded.HexHash())
	assert.Equal(t, torrent.Pieces(), loaded.Pieces())
	assert.Equal(t, torrent.Files(), loaded.Files())

	info, ok := loaded.Info()
	require.True(t, ok)

	data, err := bencode.Marshal(info)
	require.NoError(t, err)

	if hash := sha1.Sum(data); hash != loaded.InfoHash() {
		t.Errorf("info hash want %x got %x", hash, loaded.InfoHash())
	}
}

func TestParse(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/root/sub", 0755))
	require.NoError(t, afero.WriteFile(fs, "/root/a.bin", content(3000, 1), 0644))
	require.NoError(t, afero.WriteFile(fs, "/root/sub/b.bin", content(1500, 2), 0644))

	torrent, err := btorrent.Create(fs, "/root", 1024)
	require.NoError(t, err)

	parsed, err := btorrent.Parse(torrent.Bytes())
	require.NoError(t, err)

	assert.Equal(t, torrent.InfoHash(), parsed.InfoHash())
	assert.Equal(t, torrent.Files(), parsed.Files())
	assert.Equal(t, torrent.NumPieces(), parsed.NumPieces())
	assert.Equal(t, torrent.Bytes(), parsed.Bytes())

	for i, data := range [][]byte{
		nil,
		[]byte("garbage"),
		[]byte("i42e"),
		[]byte("l4:spame"),
		[]byte("d4:infoi1ee"),
	} {
		if _, err := btorrent.Parse(data); err == nil {
			t.Errorf("%d: want error for %q", i, data)
		}
	}
}

func TestFromDictInvalid(t *testing.T) {
	var noInfo bencode.Dictionary
	noInfo.SetStringKey("announce", bencode.Bytes("udp://example.com"))

	var badPieces bencode.Dictionary
	{
		var info bencode.Dictionary
		info.SetStringKey("name", bencode.Bytes("x"))
		info.SetStringKey("piece length", bencode.Integer(16))
		info.SetStringKey("length", bencode.Integer(32))
		info.SetStringKey("pieces", bencode.Bytes(make([]byte, 30)))
		badPieces.SetStringKey("info", &info)
	}

	var wrongCount bencode.Dictionary
	{
		var info bencode.Dictionary
		info.SetStringKey("name", bencode.Bytes("x"))
		info.SetStringKey("piece length", bencode.Integer(16))
		info.SetStringKey("length", bencode.Integer(33))
		info.SetStringKey("pieces", bencode.Bytes(make([]byte, 40)))
		wrongCount.SetStringKey("info", &info)
	}

	for i, d := range []*bencode.Dictionary{&noInfo, &badPieces, &wrongCount} {
		if _, err := btorrent.FromDict(d); err == nil {
			t.Errorf("%d: want error", i)
		}
	}
}

func TestGroupBytes(t *testing.T) {
	for i, test := range []struct {
		data []byte
		n    int
		want [][]byte
	}{
		{[]byte{1, 2, 3, 4}, 2, [][]byte{{1, 2}, {3, 4}}},
		{[]byte{1, 2, 3, 4, 5}, 2, [][]byte{{1, 2}, {3, 4}, {5}}},
		{[]byte{}, 2, nil},
	} {
		got := btorrent.GroupBytes(test.data, test.n)
		assert.Equal(t, test.want, got, "%d", i)
	}
}
