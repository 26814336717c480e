package chat

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/andy6609/chat-relay/internal/protocol"
)

// SystemNickname signs every server-generated announcement.
const SystemNickname = "System"

type RegistryConfig struct {
	Buffer            int
	MaxHistory        int
	MaxClients        int // 0 means unlimited
	MaxNicknameLength int
	MaxImageBytes     int // 0 means unlimited
	ShutdownFlush     time.Duration
	StoreTimeout      time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.Buffer <= 0 {
		c.Buffer = 128
	}
	if c.MaxNicknameLength <= 0 {
		c.MaxNicknameLength = 32
	}
	if c.ShutdownFlush <= 0 {
		c.ShutdownFlush = 200 * time.Millisecond
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// Registry owns the roster. Every mutation, snapshot and fan-out happens on
// the Run goroutine, so a broadcast either sees a client or it does not, and
// persisting a message and fanning it out happen in the same step.
type Registry struct {
	cfg      RegistryConfig
	store    HistoryStore
	events   chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a registry. store may be nil, which disables history.
func NewRegistry(cfg RegistryConfig, store HistoryStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:    cfg,
		store:  store,
		events: make(chan Event, cfg.Buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
		now:    time.Now,
	}
}

func (r *Registry) Events() chan<- Event {
	return r.events
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

// Register adds c to the roster under nickname.
func (r *Registry) Register(c *Client, nickname string) error {
	return r.request(Event{Type: EventRegister, Client: c, Nickname: nickname})
}

// Unregister removes c if it is still registered. It does not wait.
func (r *Registry) Unregister(c *Client) {
	r.submit(Event{Type: EventUnregister, Client: c})
}

// Users returns the online nicknames in join order.
func (r *Registry) Users() ([]string, error) {
	reply := make(chan []string, 1)
	if !r.submit(Event{Type: EventUsers, UsersChan: reply}) {
		return nil, ErrStopped
	}
	select {
	case users := <-reply:
		return users, nil
	case <-r.doneCh:
		return nil, ErrStopped
	}
}

// Kick disconnects the client registered as nickname.
func (r *Registry) Kick(nickname string) error {
	return r.request(Event{Type: EventKick, Nickname: nickname})
}

// Shutdown purges the history log, tells every client the server is going
// away and closes their connections. It returns once the writers have
// flushed or the flush timeout has passed; a purge failure is returned but
// does not stop the notice from going out.
func (r *Registry) Shutdown() error {
	return r.request(Event{Type: EventShutdown})
}

func (r *Registry) submit(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.stopCh:
		return false
	}
}

func (r *Registry) request(ev Event) error {
	ev.ReplyChan = make(chan error, 1)
	if !r.submit(ev) {
		return ErrStopped
	}
	select {
	case err := <-ev.ReplyChan:
		return err
	case <-r.doneCh:
		select {
		case err := <-ev.ReplyChan:
			return err
		default:
			return ErrStopped
		}
	}
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: the roster is only accessed in this goroutine.
	ro := newRoster()

	for {
		select {
		case ev := <-r.events:
			start := time.Now()

			switch ev.Type {
			case EventRegister:
				r.handleRegister(ro, ev)
			case EventUnregister:
				r.handleUnregister(ro, ev)
			case EventBroadcast:
				r.handleBroadcast(ro, ev)
			case EventImage:
				r.handleImage(ro, ev)
			case EventPrivate:
				r.handlePrivate(ro, ev)
			case EventUsers:
				if ev.UsersChan != nil {
					ev.UsersChan <- ro.names()
				}
			case EventKick:
				r.handleKick(ro, ev)
			case EventShutdown:
				r.handleShutdown(ro, ev)
			}

			ConnectedClients.Set(float64(ro.len()))
			MessagesTotal.WithLabelValues(ev.Type.String()).Inc()
			EventProcessingDuration.WithLabelValues(ev.Type.String()).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			// Closing Out lets each writer flush and close its connection.
			for _, c := range ro.clients() {
				close(c.Out)
			}
			ro.clear()
			ConnectedClients.Set(0)
			return
		}
	}
}

func (r *Registry) handleRegister(ro *roster, ev Event) {
	nickname := strings.TrimSpace(ev.Nickname)
	switch {
	case ev.Client == nil || ev.Client.Nickname != "":
		reply(ev, ErrNicknameInvalid)
		return
	case nickname == "" || nickname == SystemNickname ||
		utf8.RuneCountInString(nickname) > r.cfg.MaxNicknameLength:
		reply(ev, ErrNicknameInvalid)
		return
	case ro.find(nickname) != nil:
		reply(ev, ErrNicknameTaken)
		return
	case r.cfg.MaxClients > 0 && ro.len() >= r.cfg.MaxClients:
		reply(ev, ErrServerFull)
		return
	}

	c := ev.Client
	c.Nickname = nickname
	ro.add(c)

	r.logger.Info("user registered", "nickname", nickname, "online", ro.len())

	sendFrame(c, protocol.MustEncode(protocol.Envelope{Type: protocol.TypeLoginOK}))
	r.replayHistory(c)
	r.broadcastUsers(ro)
	r.broadcastSystem(ro, nickname+" joined the chat")

	reply(ev, nil)
}

func (r *Registry) handleUnregister(ro *roster, ev Event) {
	c := ev.Client
	if !ro.remove(c) {
		return
	}
	close(c.Out)

	r.logger.Info("user left", "nickname", c.Nickname, "online", ro.len())

	r.broadcastUsers(ro)
	r.broadcastSystem(ro, c.Nickname+" left the chat")
}

func (r *Registry) handleBroadcast(ro *roster, ev Event) {
	c := ev.Client
	if !ro.has(c) {
		return
	}
	sendFrame(c, protocol.MustEncode(protocol.Envelope{Type: protocol.TypeAck}))

	frame := protocol.MustEncode(protocol.Envelope{
		Type:     protocol.TypeBroadcast,
		Nickname: c.Nickname,
		Message:  ev.Envelope.Message,
		Time:     r.stamp(),
	})
	r.persist(frame)
	r.fanout(ro, frame, c)
}

func (r *Registry) handleImage(ro *roster, ev Event) {
	c := ev.Client
	if !ro.has(c) {
		return
	}
	if r.cfg.MaxImageBytes > 0 && len(ev.Envelope.ImageData) > r.cfg.MaxImageBytes {
		r.logger.Warn("image rejected", "nickname", c.Nickname,
			"bytes", len(ev.Envelope.ImageData), "limit", r.cfg.MaxImageBytes)
		sendFrame(c, r.systemFrame("Image not delivered: it exceeds the server size limit.", ""))
		return
	}

	frame := protocol.MustEncode(protocol.Envelope{
		Type:      protocol.TypeImage,
		Nickname:  c.Nickname,
		ImageData: ev.Envelope.ImageData,
		Time:      r.stamp(),
	})
	r.persist(frame)
	r.fanout(ro, frame, c)
}

func (r *Registry) handlePrivate(ro *roster, ev Event) {
	c := ev.Client
	if !ro.has(c) {
		return
	}

	frame := protocol.MustEncode(protocol.Envelope{
		Type:    protocol.TypePrivate,
		Target:  ev.Envelope.Target,
		Sender:  c.Nickname,
		Message: ev.Envelope.Message,
		Time:    r.stamp(),
	})

	// An offline target gets nothing; the sender always sees the echo.
	if target := ro.find(ev.Envelope.Target); target != nil && target != c {
		sendFrame(target, frame)
	}
	sendFrame(c, frame)
}

func (r *Registry) handleKick(ro *roster, ev Event) {
	target := ro.find(strings.TrimSpace(ev.Nickname))
	if target == nil {
		reply(ev, ErrUserNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownFlush)
	if !sendFinal(target, r.systemFrame("You have been kicked from the chat.", protocol.ActionKick), ctx.Done()) {
		r.logger.Warn("kick notice dropped", "nickname", target.Nickname)
	}
	cancel()
	ro.remove(target)
	close(target.Out)

	r.logger.Info("user kicked", "nickname", target.Nickname, "online", ro.len())

	r.broadcastUsers(ro)
	r.broadcastSystem(ro, target.Nickname+" was kicked")

	reply(ev, nil)
}

func (r *Registry) handleShutdown(ro *roster, ev Event) {
	var purgeErr error
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
		n, err := r.store.Purge(ctx)
		cancel()
		if err != nil {
			PersistenceFailures.Inc()
			r.logger.Error("history purge failed", "error", err)
			purgeErr = err
		} else {
			r.logger.Info("history purged", "records", n)
		}
	}

	frame := r.systemFrame("The server is shutting down.", protocol.ActionShutdown)
	clients := ro.clients()
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownFlush)
	for _, c := range clients {
		if !sendFinal(c, frame, ctx.Done()) {
			r.logger.Warn("shutdown notice dropped", "nickname", c.Nickname)
		}
		close(c.Out)
	}
	cancel()
	ro.clear()

	r.logger.Info("shutdown notice sent", "clients", len(clients))
	r.awaitFlush(clients)

	reply(ev, purgeErr)
}

// awaitFlush waits for the writers of clients to finish, bounded by the
// shutdown flush timeout.
func (r *Registry) awaitFlush(clients []*Client) {
	timer := time.NewTimer(r.cfg.ShutdownFlush)
	defer timer.Stop()
	for _, c := range clients {
		select {
		case <-c.done:
		case <-timer.C:
			return
		}
	}
}

func (r *Registry) replayHistory(c *Client) {
	if r.store == nil || r.cfg.MaxHistory <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()

	records, err := r.store.Recent(ctx, r.cfg.MaxHistory)
	if err != nil {
		PersistenceFailures.Inc()
		r.logger.Error("history replay failed", "nickname", c.Nickname, "error", err)
		return
	}
	for _, rec := range records {
		frame, err := protocol.MarkHistory(rec.Content)
		if err != nil {
			r.logger.Warn("skipping unreadable history record", "id", rec.ID, "error", err)
			continue
		}
		sendFrame(c, frame)
	}
}

// persist appends frame to the history log. Failures are logged and
// counted, never returned: live delivery does not depend on the log.
func (r *Registry) persist(frame []byte) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
	defer cancel()

	if _, err := r.store.Append(ctx, string(bytes.TrimRight(frame, "\n"))); err != nil {
		PersistenceFailures.Inc()
		r.logger.Error("failed to persist message", "error", err)
	}
}

func (r *Registry) broadcastUsers(ro *roster) {
	r.fanout(ro, protocol.MustEncode(protocol.Envelope{
		Type:  protocol.TypeUsers,
		Users: ro.names(),
	}), nil)
}

func (r *Registry) broadcastSystem(ro *roster, text string) {
	r.fanout(ro, r.systemFrame(text, ""), nil)
}

// fanout queues frame for every registered client except one. A client
// whose queue is full misses this frame; the others are unaffected.
func (r *Registry) fanout(ro *roster, frame []byte, except *Client) {
	delivered := 0
	for _, c := range ro.order {
		if c == except {
			continue
		}
		if sendFrame(c, frame) {
			delivered++
		} else {
			r.logger.Debug("delivery dropped", "nickname", c.Nickname)
		}
	}
	BroadcastFanout.Observe(float64(delivered))
}

func (r *Registry) systemFrame(text, action string) []byte {
	return protocol.MustEncode(protocol.Envelope{
		Type:     protocol.TypeBroadcast,
		Nickname: SystemNickname,
		Message:  text,
		Action:   action,
		Time:     r.stamp(),
	})
}

func (r *Registry) stamp() string {
	return protocol.Stamp(r.now())
}

func reply(ev Event, err error) {
	if ev.ReplyChan != nil {
		ev.ReplyChan <- err
	}
}
