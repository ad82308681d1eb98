package testutl

import (
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"time"
)

// GetPort returns a loopback port that was free when probed.
func GetPort() int {
	const lo, hi = 1400, 7000
	for {
		port := rand.Intn(hi-lo) + lo
		lis, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err != nil {
			continue
		}
		if err := lis.Close(); err != nil {
			slog.Error("close probe listener", "port", port, "error", err)
		}
		time.Sleep(50 * time.Millisecond)
		return port
	}
}

// LocalAddr returns a loopback address on a free port, for status servers
// started by command tests.
func LocalAddr() string {
	return "127.0.0.1:" + strconv.Itoa(GetPort())
}
