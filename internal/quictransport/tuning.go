package quictransport

import "github.com/quic-go/quic-go"

const (
	defaultInitialConnWindow = 2 * 1024 * 1024
	minConnWindow            = 1 * 1024 * 1024
	maxConnWindow            = 1024 * 1024 * 1024
	minStreamWindow          = 1 * 1024 * 1024
	maxStreamWindow          = 256 * 1024 * 1024
	minMaxStreams            = 1
	maxMaxStreams            = 2048
)

// BuildQuicConfig clones base and applies clamped window and stream limits.
func BuildQuicConfig(base *quic.Config, connWin, streamWin, maxStreams int) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		copyCfg := *base
		cfg = &copyCfg
	}

	conn := clampConnWindow(connWin)
	stream := clampStreamWindow(streamWin)
	initialConn := defaultInitialConnWindow
	if initialConn > conn {
		initialConn = conn
	}
	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = int64(clampMaxStreams(maxStreams))

	return cfg
}

func clampConnWindow(n int) int {
	if n < minConnWindow {
		return minConnWindow
	}
	if n > maxConnWindow {
		return maxConnWindow
	}
	return n
}

func clampStreamWindow(n int) int {
	if n < minStreamWindow {
		return minStreamWindow
	}
	if n > maxStreamWindow {
		return maxStreamWindow
	}
	return n
}

func clampMaxStreams(n int) int {
	if n < minMaxStreams {
		return minMaxStreams
	}
	if n > maxMaxStreams {
		return maxMaxStreams
	}
	return n
}
