package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	machines "loomwatch/internal/machines/domain"
)

// DefaultSubjectPrefix is the subject root for machine snapshots.
const DefaultSubjectPrefix = "loomwatch.machines"

// NATSPublisher forwards snapshots to NATS on <prefix>.<machine id>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *log.Logger
}

// NewNATSPublisher connects to url and keeps reconnecting for the life of the process.
func NewNATSPublisher(url, prefix string, logger *log.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats publisher: empty url")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = log.Default()
	}
	opts := []nats.Option{
		nats.Name("loomwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Printf("notify: nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Printf("notify: nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject a machine's snapshots are published on.
func (p *NATSPublisher) Subject(machineID int64) string {
	return fmt.Sprintf("%s.%d", p.prefix, machineID)
}

// Publish implements Publisher. The client buffers while disconnected; errors are logged.
func (p *NATSPublisher) Publish(_ context.Context, snapshot machines.Snapshot) {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return
	}
	id := uuid.NewString()
	payload, err := json.Marshal(Message{ID: id, Type: TypeMachineUpdate, Data: snapshot})
	if err != nil {
		p.logger.Printf("notify: encode snapshot: %v", err)
		return
	}
	msg := nats.NewMsg(p.Subject(snapshot.ID))
	msg.Header.Set(nats.MsgIdHdr, id)
	msg.Data = payload
	if err := p.nc.PublishMsg(msg); err != nil {
		p.logger.Printf("notify: nats publish machine=%d: %v", snapshot.ID, err)
	}
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p != nil && p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
