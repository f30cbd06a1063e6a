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
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/namvu9/bitswarm/internal/data"
	"github.com/namvu9/bitswarm/internal/swarm"
	"github.com/namvu9/bitswarm/pkg/btorrent"
)

var (
	statDir    string
	statRemote string
)

// statCmd represents the stat command
var statCmd = &cobra.Command{
	Use:   "stat <torrent>",
	Short: "Print a summary of a torrent",
	Long: `This command prints a summary of the torrent including its info hash and the
list of files it describes.

With --dir, the content under the given directory is verified and the number
of pieces already present is printed. With --remote, the swarm stats of the
torrent are fetched from the stat API of a running 'bitswarm serve'.

Examples:

bitswarm stat movie.torrent
bitswarm stat --dir ~/Downloads movie.torrent
bitswarm stat --remote http://127.0.0.1:8000 movie.torrent
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := afero.NewOsFs()

		t, err := btorrent.Load(fs, args[0])
		if err != nil {
			return fmt.Errorf("could not load torrent: %w", err)
		}

		fmt.Printf("-------\n%s\n-------\n", t.Name())
		fmt.Printf("Info Hash: %s\n", t.HexHash())
		fmt.Printf("Piece length: %s\n", t.PieceLength())
		fmt.Printf("Pieces: %d\n", t.NumPieces())
		fmt.Printf("Total size: %s\n", t.Length())
		fmt.Println("Files:")

		for i, file := range t.Files() {
			fmt.Printf("  %d: %s %s\n", i, file.FullPath, file.Length)
		}

		if statDir != "" {
			if err := printLocal(fs, t); err != nil {
				return err
			}
		}

		if statRemote != "" {
			if err := printRemote(t); err != nil {
				return err
			}
		}

		return nil
	},
}

func printLocal(fs afero.Fs, t *btorrent.Torrent) error {
	for _, file := range t.Files() {
		if _, err := fs.Stat(filepath.Join(statDir, file.FullPath)); err != nil {
			fmt.Printf("\nNot started (%s is missing)\n", file.FullPath)
			return nil
		}
	}

	store, err := data.NewFileStore(fs, statDir, t)
	if err != nil {
		return err
	}
	defer store.Close()

	have, err := store.Verify()
	if err != nil {
		return err
	}

	percentage := float64(have.GetSum()) / float64(t.NumPieces()) * 100
	fmt.Printf("\nHave: %d / %d pieces (%.2f %%)\n", have.GetSum(), t.NumPieces(), percentage)

	return nil
}

func printRemote(t *btorrent.Torrent) error {
	client := http.Client{Timeout: 10 * time.Second}

	res, err := client.Get(fmt.Sprintf("%s/api/torrents/%s", statRemote, t.HexHash()))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("stat API returned %s", res.Status)
	}

	var stat swarm.Stat
	if err := json.NewDecoder(res.Body).Decode(&stat); err != nil {
		return err
	}

	fmt.Printf("\n%s", stat)
	return nil
}

func init() {
	rootCmd.AddCommand(statCmd)

	statCmd.Flags().StringVar(&statDir, "dir", "", "verify the content stored under this directory")
	statCmd.Flags().StringVar(&statRemote, "remote", "", "base URL of a running stat API")
}
