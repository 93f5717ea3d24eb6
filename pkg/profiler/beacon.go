package profiler

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/yairfalse/tracepipe/pkg/wire"
	"go.uber.org/zap"
)

// broadcaster announces the profiler to collectors on the local network
type broadcaster struct {
	conn   *net.UDPConn
	addr   *net.UDPAddr
	beacon wire.Beacon
	logger *zap.Logger
}

func newBroadcaster(cfg BroadcastConfig, program string, port int, logger *zap.Logger) (*broadcaster, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve broadcast address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	return &broadcaster{
		conn: conn,
		addr: addr,
		beacon: wire.Beacon{
			Version:         wire.BroadcastVersion,
			ProtocolVersion: wire.ProtocolVersion,
			ListenPort:      uint16(port),
			PID:             uint64(os.Getpid()),
			ProgramName:     program,
		},
		logger: logger.Named("broadcast"),
	}, nil
}

// send broadcasts one beacon. activeTime is seconds since start, or -1
// when the profiler is taken or going away.
func (b *broadcaster) send(activeTime int32) {
	b.beacon.ActiveTime = activeTime
	msg, _ := b.beacon.MarshalBinary()
	if _, err := b.conn.WriteToUDP(msg, b.addr); err != nil {
		b.logger.Debug("Beacon not sent", zap.Error(err))
	}
}

func (b *broadcaster) Close() error {
	return b.conn.Close()
}
