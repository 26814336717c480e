package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/andy6609/chat-relay/internal/protocol"
)

// HandleSession runs one connection from login to disconnect. Lines are
// handled strictly in order; the next line is not read until the registry
// has accepted the previous one.
func HandleSession(c *Client, reg *Registry, idleTimeout time.Duration, logger *slog.Logger) {
	StartOutboundWriter(c, logger)

	remote := c.Conn.RemoteAddr().String()
	registered := false
	defer func() {
		// Once registered, the registry owns c.Out and closes it.
		if registered {
			reg.Unregister(c)
		} else {
			close(c.Out)
		}
	}()

	reader := bufio.NewReader(c.Conn)
	for {
		if idleTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		line, err := readLine(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("connection read ended", "remote", remote, "error", err)
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		env, err := protocol.Decode([]byte(line))
		if err == nil {
			err = env.Validate()
		}
		if err != nil {
			ProtocolErrors.Inc()
			logger.Warn("protocol error, closing connection", "remote", remote, "nickname", c.Nickname, "error", err)
			return
		}
		EnvelopesReceived.WithLabelValues(env.Type.String()).Inc()

		if !registered {
			// Nothing but a login is meaningful before one succeeds.
			if env.Type != protocol.TypeLogin {
				continue
			}
			switch err := reg.Register(c, env.Nickname); err {
			case nil:
				registered = true
			case ErrNicknameTaken:
				sendFrame(c, noticeFrame(fmt.Sprintf("The nickname %q is already in use.", strings.TrimSpace(env.Nickname)), ""))
			case ErrNicknameInvalid:
				sendFrame(c, noticeFrame("That nickname is not allowed.", ""))
			case ErrServerFull:
				logger.Info("login rejected, server full", "remote", remote)
				sendFrame(c, noticeFrame("The server is full.", protocol.ActionFull))
				return
			default:
				return
			}
			continue
		}

		var ev Event
		switch env.Type {
		case protocol.TypeChat:
			ev = Event{Type: EventBroadcast, Client: c, Envelope: env}
		case protocol.TypePrivate:
			ev = Event{Type: EventPrivate, Client: c, Envelope: env}
		case protocol.TypeImage:
			ev = Event{Type: EventImage, Client: c, Envelope: env}
		default:
			// Repeated logins and unknown types are ignored.
			continue
		}
		if !reg.submit(ev) {
			return
		}
	}
}

func noticeFrame(text, action string) []byte {
	return protocol.MustEncode(protocol.Envelope{
		Type:     protocol.TypeBroadcast,
		Nickname: SystemNickname,
		Message:  text,
		Action:   action,
		Time:     protocol.Stamp(time.Now()),
	})
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err == nil {
		return strings.TrimRight(line, "\r\n"), nil
	}
	if err == io.EOF && line != "" {
		// last line without newline
		return strings.TrimRight(line, "\r\n"), nil
	}
	if err == io.EOF {
		return "", io.EOF
	}
	return "", fmt.Errorf("read: %w", err)
}
