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
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/namvu9/bitswarm/internal/session"
	"github.com/namvu9/bitswarm/pkg/btorrent"
	"github.com/namvu9/bitswarm/pkg/btorrent/size"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve <torrent>...",
	Short: "Download and seed torrents",
	Long: `This command downloads the content of the given torrents from the configured
peers and seeds it once complete. Content that already exists in the download
directory is verified first, so an interrupted download is resumed.

Examples:

bitswarm serve --peer 10.0.0.2:6881 --peer 10.0.0.3:6881 movie.torrent
bitswarm serve --dir ~/Downloads --upload-limit 512KiB --http 127.0.0.1:8000 a.torrent b.torrent
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sessionConfig()
		if err != nil {
			return err
		}

		var (
			fs = afero.NewOsFs()
			s  = session.New(cfg, fs)
		)

		for _, location := range args {
			t, err := btorrent.Load(fs, location)
			if err != nil {
				return fmt.Errorf("could not load torrent: %w", err)
			}

			if _, err := s.Register(t); err != nil {
				return fmt.Errorf("could not open %s: %w", t.Name(), err)
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if err := s.Start(ctx); err != nil {
			return err
		}

		if addr := viper.GetString("http"); addr != "" {
			serveAPI(ctx, addr, s.Handler())
		}

		<-s.Done()
		log.Info().Msg("stopped")

		return nil
	},
}

func sessionConfig() (session.Config, error) {
	cfg := session.DefaultConfig()

	cfg.ListenAddr = viper.GetString("listen")
	cfg.Peers = viper.GetStringSlice("peer")
	cfg.DownloadDir = viper.GetString("dir")
	cfg.MaxConnections = viper.GetInt("max-conns")
	cfg.UPnP = viper.GetBool("upnp")

	if limit := viper.GetString("upload-limit"); limit != "" {
		n, err := size.Parse(limit)
		if err != nil {
			return cfg, fmt.Errorf("invalid upload limit: %w", err)
		}

		cfg.UploadLimit = n
	}

	return cfg, nil
}

func serveAPI(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{
		Handler:      handler,
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("serving stat API")

		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("stat API stopped")
		}
	}()
}

func init() {
	rootCmd.AddCommand(serveCmd)

	defaults := session.DefaultConfig()

	flags := serveCmd.Flags()
	flags.String("listen", defaults.ListenAddr, "address to accept peer connections on")
	flags.StringSlice("peer", nil, "address of a peer to connect to (repeatable)")
	flags.String("dir", defaults.DownloadDir, "directory to store downloaded content in")
	flags.Int("max-conns", defaults.MaxConnections, "maximum number of open peer connections")
	flags.String("upload-limit", "", "upload limit per second across all peers, e.g. 512KiB (default unlimited)")
	flags.Bool("upnp", false, "forward the listening port via UPnP")
	flags.String("http", "", "address to serve the stat API on (disabled if empty)")

	for _, name := range []string{"listen", "peer", "dir", "max-conns", "upload-limit", "upnp", "http"} {
		cobra.CheckErr(viper.BindPFlag(name, flags.Lookup(name)))
	}
}
