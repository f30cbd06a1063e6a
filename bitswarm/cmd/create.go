/*
Copyright © 2021 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/namvu9/bitswarm/pkg/btorrent"
	"github.com/namvu9/bitswarm/pkg/btorrent/size"
)

var (
	createOut         string
	createPieceLength string
)

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a torrent from a file or directory",
	Long: `This command hashes the file or directory at path and writes a torrent
describing it. The files of a directory are added in lexical order.

Examples:

bitswarm create ~/videos/movie.mkv
bitswarm create -o album.torrent --piece-length 512KiB ~/music/album
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pieceLength, err := size.Parse(createPieceLength)
		if err != nil {
			return fmt.Errorf("invalid piece length: %w", err)
		}

		fs := afero.NewOsFs()
		root := filepath.Clean(args[0])

		t, err := btorrent.Create(fs, root, int(pieceLength))
		if err != nil {
			return err
		}

		out := createOut
		if out == "" {
			out = filepath.Base(root) + ".torrent"
		}

		if err := btorrent.Save(fs, out, t); err != nil {
			return err
		}

		fmt.Printf("Wrote %s\n", out)
		fmt.Printf("Info Hash: %s\n", t.HexHash())
		fmt.Printf("Pieces: %d x %s\n", t.NumPieces(), t.PieceLength())

		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createOut, "out", "o", "", "where to write the torrent (default <name>.torrent)")
	createCmd.Flags().StringVar(&createPieceLength, "piece-length", size.Size(btorrent.DefaultPieceLength).String(), "piece length, e.g. 256KiB")
}
