package chat

import (
	"context"
	"net"

	"github.com/andy6609/chat-relay/internal/protocol"
	"github.com/andy6609/chat-relay/internal/store"
)

type Client struct {
	Conn     net.Conn
	Nickname string      // set by the registry once login succeeds
	Out      chan []byte // encoded envelopes, written by the writer goroutine
	done     chan struct{}
}

func NewClient(conn net.Conn, queue int) *Client {
	if queue <= 0 {
		queue = 256
	}
	return &Client{
		Conn: conn,
		Out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// Done is closed once the writer has flushed Out and closed the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// HistoryStore is the persistence log the registry appends to and replays from.
type HistoryStore interface {
	Append(ctx context.Context, content string) (int64, error)
	Recent(ctx context.Context, limit int) ([]store.Record, error)
	Purge(ctx context.Context) (int64, error)
}

type EventType int

const (
	EventRegister EventType = iota
	EventUnregister
	EventBroadcast
	EventImage
	EventPrivate
	EventUsers
	EventKick
	EventShutdown
)

func (t EventType) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	case EventBroadcast:
		return "broadcast"
	case EventImage:
		return "image"
	case EventPrivate:
		return "private"
	case EventUsers:
		return "users"
	case EventKick:
		return "kick"
	case EventShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type Event struct {
	Type      EventType
	Client    *Client
	Nickname  string            // register, kick
	Envelope  protocol.Envelope // broadcast, image, private
	ReplyChan chan error        // register, kick, shutdown
	UsersChan chan []string     // users
}

var (
	ErrNicknameTaken   = errorString("nickname_taken")
	ErrNicknameInvalid = errorString("nickname_invalid")
	ErrServerFull      = errorString("server_full")
	ErrUserNotFound    = errorString("user_not_found")
	ErrStopped         = errorString("registry_stopped")
)

type errorString string

func (e errorString) Error() string { return string(e) }
