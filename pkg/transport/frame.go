package transport

import (
	"fmt"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

// FrameVersion is bumped on incompatible wire changes
const FrameVersion = 1

// Frame is the wire form of an envelope. Body holds the message encoded
// with the same codec, tagged by Kind.
type Frame struct {
	Version uint8  `json:"v" msgpack:"v"`
	Kind    uint8  `json:"k" msgpack:"k"`
	From    uint64 `json:"from" msgpack:"from"`
	Addr    string `json:"addr" msgpack:"addr"`
	Shard   uint32 `json:"shard" msgpack:"shard"`
	Epoch   uint64 `json:"epoch" msgpack:"epoch"`
	Body    []byte `json:"body,omitempty" msgpack:"body,omitempty"`
}

// newMessage returns an empty message for kind. ConnectionLost is local
// only and never decoded.
func newMessage(kind cluster.MessageKind) (cluster.Message, error) {
	switch kind {
	case cluster.KindHeartbeat:
		return &cluster.Heartbeat{}, nil
	case cluster.KindHeartbeatAck:
		return &cluster.HeartbeatAck{}, nil
	case cluster.KindPeerInfoExchange:
		return &cluster.PeerInfoExchange{}, nil
	case cluster.KindRequestVote:
		return &cluster.RequestVote{}, nil
	case cluster.KindVoteGranted:
		return &cluster.VoteGranted{}, nil
	case cluster.KindAppendEntries:
		return &cluster.AppendEntries{}, nil
	case cluster.KindAppendAck:
		return &cluster.AppendAck{}, nil
	case cluster.KindLeave:
		return &cluster.Leave{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, kind)
	}
}

// EncodeEnvelope turns env into frame bytes
func EncodeEnvelope(c Codec, env *cluster.Envelope) ([]byte, error) {
	if env == nil || env.Msg == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrUnknownMessage)
	}
	kind := env.Msg.Kind()
	if kind == cluster.KindConnectionLost {
		return nil, fmt.Errorf("%w: %s is local only", ErrUnknownMessage, kind)
	}
	body, err := c.Marshal(env.Msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return c.Marshal(&Frame{
		Version: FrameVersion,
		Kind:    uint8(kind),
		From:    uint64(env.From),
		Addr:    env.Addr,
		Shard:   uint32(env.Shard),
		Epoch:   env.Epoch,
		Body:    body,
	})
}

// DecodeEnvelope parses frame bytes produced by EncodeEnvelope
func DecodeEnvelope(c Codec, data []byte) (*cluster.Envelope, error) {
	var f Frame
	if err := c.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Version != FrameVersion {
		return nil, fmt.Errorf("%w: %d", ErrFrameVersion, f.Version)
	}
	msg, err := newMessage(cluster.MessageKind(f.Kind))
	if err != nil {
		return nil, err
	}
	if err := c.Unmarshal(f.Body, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", msg.Kind(), err)
	}
	return &cluster.Envelope{
		From:  cluster.PeerID(f.From),
		Addr:  f.Addr,
		Shard: cluster.ShardID(f.Shard),
		Epoch: f.Epoch,
		Msg:   msg,
	}, nil
}
