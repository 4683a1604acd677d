package logging

import (
	"time"
)

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Cluster field helpers

func Component(name string) Field {
	return String("component", name)
}

func PeerID(id uint64) Field {
	return Uint64("peer_id", id)
}

func ShardID(id uint32) Field {
	return Field{Key: "shard_id", Value: id}
}

func Term(term uint64) Field {
	return Uint64("term", term)
}

func Index(index uint64) Field {
	return Uint64("index", index)
}

func Epoch(epoch uint64) Field {
	return Uint64("epoch", epoch)
}

// State records a peer or election state by its String form.
func State(s interface{ String() string }) Field {
	return String("state", s.String())
}

func Addr(addr string) Field {
	return String("addr", addr)
}
