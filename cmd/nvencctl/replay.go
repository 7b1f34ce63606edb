package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/thesyncim/nvenc"
	"github.com/thesyncim/nvenc/internal/config"
)

const rtpPayloadType = 96

var replayRealtime bool

var replayCmd = &cobra.Command{
	Use:   "replay <file.h264|file.h265>",
	Short: "Send an Annex-B elementary stream through the configured sinks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return replay(ctx, args[0])
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", true, "pace packets at the configured frame rate")
}

// codecForFile picks the codec from the file extension, falling back to
// the configured one.
func codecForFile(path string, fallback nvenc.Codec) nvenc.Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h264", ".264", ".avc":
		return nvenc.CodecH264
	case ".h265", ".265", ".hevc":
		return nvenc.CodecHEVC
	default:
		return fallback
	}
}

// buildSinks opens every sink named in cfg.
func buildSinks(cfg config.Sinks, settings nvenc.Settings, logger *zap.Logger) (*nvenc.MultiSink, error) {
	sinks := nvenc.NewMultiSink()
	fail := func(err error) (*nvenc.MultiSink, error) {
		return nil, multierror.Append(err, sinks.Close()).ErrorOrNil()
	}

	if cfg.OutputDir != "" {
		path := filepath.Join(cfg.OutputDir, settings.OutputFileName())
		fs, err := nvenc.NewFileSink(path)
		if err != nil {
			return fail(err)
		}
		logger.Info("Writing elementary stream.", zap.String("path", path))
		sinks.Add(fs)
	}
	if cfg.RTPAddress != "" {
		conn, err := net.Dial("udp", cfg.RTPAddress)
		if err != nil {
			return fail(fmt.Errorf("dial rtp %s: %w", cfg.RTPAddress, err))
		}
		p := nvenc.NewPacketizer(settings.Codec, uuid.New().ID(), rtpPayloadType, cfg.RTPMTU)
		logger.Info("Sending RTP.", zap.String("address", cfg.RTPAddress), zap.Uint32("ssrc", p.SSRC()))
		sinks.Add(nvenc.NewRTPSink(conn, p))
	}
	if cfg.RTMPURL != "" {
		if settings.Codec != nvenc.CodecH264 {
			logger.Warn("RTMP output only carries H.264; skipping.", zap.Stringer("codec", settings.Codec))
		} else {
			rs, err := nvenc.DialRTMP(cfg.RTMPURL)
			if err != nil {
				return fail(err)
			}
			logger.Info("Publishing RTMP.", zap.String("url", cfg.RTMPURL))
			sinks.Add(rs)
		}
	}
	if sinks.Len() == 0 {
		return nil, errors.New("no sinks configured: set sinks.output_dir, sinks.rtp_address or sinks.rtmp_url")
	}
	return sinks, nil
}

func replay(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	settings := app.cfg.Encoder
	settings.Codec = codecForFile(path, settings.Codec)

	units := nvenc.SplitAccessUnits(settings.Codec, data)
	if len(units) == 0 {
		return fmt.Errorf("%s contains no NAL units", path)
	}

	logger := app.logger.Named("replay")
	sinks, err := buildSinks(app.cfg.Sinks, settings, logger)
	if err != nil {
		return err
	}

	frameRate := settings.Parameters().Framerate
	interval := time.Second / time.Duration(frameRate)

	var result *multierror.Error
	if cfg := nvenc.ExtractParameterSets(settings.Codec, units[0].Data); len(cfg) > 0 {
		if err := sinks.WriteCodecConfig(cfg); err != nil {
			result = multierror.Append(result, err)
		}
	}

	var ticker *time.Ticker
	if replayRealtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	sent := 0
loop:
	for i, au := range units {
		pkt := nvenc.Packet{
			Data:      au.Data,
			Keyframe:  au.Keyframe,
			Timestamp: uint64((time.Duration(i) * interval).Microseconds()),
		}
		if err := sinks.WritePacket(pkt); err != nil {
			result = multierror.Append(result, err)
			break
		}
		sent++
		if ticker == nil {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	logger.Info("Replay finished.", zap.Int("packets", sent), zap.Int("total", len(units)))
	if err := sinks.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := sinks.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
