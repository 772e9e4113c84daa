package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"oreocam/native/internal/api"
	"oreocam/native/internal/call"
	"oreocam/native/internal/config"
	"oreocam/native/internal/media"
	"oreocam/native/internal/relay"
	"oreocam/native/internal/room"
	"oreocam/native/internal/webrtc"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cfg *config.Config

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "oreocam",
		Short: "Two-party WebRTC calls signaled through a shared document store",
		Long: `oreocam - host or join a two-party WebRTC call.

The host creates a room and prints its id; the guest joins with that id.
Received H264 video is written as Annex-B to --out (stdout by default),
so it can be piped to ffplay:

  oreocam host --video-file camera.h264 | ffplay -f h264 -
  oreocam join <roomId> | ffplay -f h264 -

Configuration comes from .env, OREOCAM_* variables and the YAML file
named by OREOCAM_CONFIG.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			setupLogging(cfg.LogLevel)
			return nil
		},
	}
	root.AddCommand(relayCmd(), hostCmd(), joinCmd())
	return root
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func signalContext() (context.Context, context.CancelFunc) {
	return ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the signaling store over a WebSocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			store, closeStore, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			srv := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: relay.NewServer(store, cfg.Mode, cfg.PingPeriod).Router(ctx),
			}

			errc := make(chan error, 1)
			go func() {
				log.Info().Str("module", "main").Str("addr", cfg.ListenAddr).Str("store", cfg.Store).Msg("relay started")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errc:
				return fmt.Errorf("relay server: %w", err)
			}

			log.Info().Str("module", "main").Msg("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Str("module", "main").Msg("relay forced to shutdown")
			}
			return nil
		},
	}
}

type callFlags struct {
	videoFile string
	out       string
	noAudio   bool
	fps       int
}

func (f *callFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.videoFile, "video-file", "", "Annex-B H264 file to send as the local video")
	cmd.Flags().StringVar(&f.out, "out", "-", "where to write received H264 (- for stdout)")
	cmd.Flags().BoolVar(&f.noAudio, "no-audio", false, "do not offer an audio track")
	cmd.Flags().IntVar(&f.fps, "fps", 30, "frame rate of --video-file")
}

func hostCmd() *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start a room and wait for a guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(flags, func(ctx context.Context, ctrl *call.Controller) error {
				id, err := ctrl.StartHosting(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "room id: %s\n", id)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func joinCmd() *cobra.Command {
	var flags callFlags
	cmd := &cobra.Command{
		Use:   "join <roomId>",
		Short: "Join a room started by a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(flags, func(ctx context.Context, ctrl *call.Controller) error {
				return ctrl.JoinAsGuest(ctx, args[0])
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// runCall wires one call, starts it with start and blocks until it ends.
func runCall(flags callFlags, start func(context.Context, *call.Controller) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	iceServers := api.NewClient(cfg.ICEServersURL).ICEServers(ctx, cfg.STUNURLs)
	peers, err := webrtc.NewFactory(iceServers)
	if err != nil {
		return err
	}

	source, err := media.NewSource(media.Options{Audio: !flags.noAudio, Video: true})
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(flags.out)
	if err != nil {
		return err
	}
	defer closeOut()
	sink := webrtc.NewH264Sink(out)

	ctrl := call.New(call.Rooms{Options: room.Options{
		Store:          store,
		Media:          source,
		Sessions:       room.Sessions(peers, source, sink),
		CleanupTimeout: cfg.CleanupTimeout,
	}}, source)

	if err := start(ctx, ctrl); err != nil {
		return err
	}

	if flags.videoFile != "" {
		go feedFile(ctx, source, flags.videoFile, flags.fps)
	}

	select {
	case <-ctx.Done():
		log.Info().Str("module", "main").Msg("ending call")
		endCtx, endCancel := context.WithTimeout(context.Background(), cfg.CleanupTimeout)
		defer endCancel()
		if err := ctrl.EndCall(endCtx); err != nil {
			log.Warn().Err(err).Str("module", "main").Msg("remote cleanup incomplete")
		}
	case <-ctrl.Done():
	}

	res := ctrl.Result()
	fmt.Fprintln(os.Stderr, res.Message)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

func feedFile(ctx context.Context, source *media.Source, path string, fps int) {
	f, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("module", "main").Msg("open video file")
		return
	}
	defer f.Close()
	if err := source.FeedH264(ctx, f, fps); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("module", "main").Msg("video feed")
	}
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { f.Close() }, nil
}
