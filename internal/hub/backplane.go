package hub

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/sharding"
)

type backplaneMessage struct {
	UserID string          `json:"userId"`
	Frame  json.RawMessage `json:"frame"`
}

// NATSBackplane relays pushes over core NATS so every hub instance reaches
// its own connections of the addressed user.
type NATSBackplane struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSBackplane(conn *nats.Conn, logger zerolog.Logger) *NATSBackplane {
	return &NATSBackplane{conn: conn, logger: logger}
}

func (b *NATSBackplane) Publish(userID string, frame []byte) error {
	data, err := json.Marshal(backplaneMessage{UserID: userID, Frame: frame})
	if err != nil {
		return err
	}
	return b.conn.Publish(sharding.UserSubject(userID), data)
}

func (b *NATSBackplane) Subscribe(deliver func(userID string, frame []byte)) (func() error, error) {
	sub, err := b.conn.Subscribe(sharding.UserSubjectWildcard, func(msg *nats.Msg) {
		var m backplaneMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding invalid backplane message")
			return
		}
		deliver(m.UserID, m.Frame)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sharding.UserSubjectWildcard, err)
	}
	return sub.Unsubscribe, nil
}
