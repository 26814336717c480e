package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andy6609/chat-relay/internal/protocol"
	"github.com/andy6609/chat-relay/internal/store"
)

var fixedNow = time.Date(2024, 5, 1, 12, 30, 0, 0, time.Local)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T, cfg RegistryConfig, hs HistoryStore) *Registry {
	t.Helper()
	if cfg.ShutdownFlush == 0 {
		cfg.ShutdownFlush = 20 * time.Millisecond
	}
	r := NewRegistry(cfg, hs, discardLogger())
	r.now = func() time.Time { return fixedNow }
	go r.Run()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	return r
}

func newTestStore(t *testing.T) *store.Log {
	t.Helper()
	l, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestClient() *Client {
	return &Client{Out: make(chan []byte, 256), done: make(chan struct{})}
}

func register(t *testing.T, r *Registry, c *Client, nickname string) {
	t.Helper()
	if err := r.Register(c, nickname); err != nil {
		t.Fatalf("register(%s) error: %v", nickname, err)
	}
}

// settle returns once every event submitted before it has been handled.
func settle(t *testing.T, r *Registry) {
	t.Helper()
	if _, err := r.Users(); err != nil {
		t.Fatalf("users: %v", err)
	}
}

// drain returns every frame queued for c and whether c.Out has been closed.
func drain(t *testing.T, c *Client) ([]protocol.Envelope, bool) {
	t.Helper()
	var envs []protocol.Envelope
	for {
		select {
		case frame, ok := <-c.Out:
			if !ok {
				return envs, true
			}
			env, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("undecodable frame %q: %v", frame, err)
			}
			envs = append(envs, env)
		default:
			return envs, false
		}
	}
}

func ofType(envs []protocol.Envelope, typ protocol.Type) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestRegistry_RegisterRejectsDuplicateNickname(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{}, nil)

	register(t, r, newTestClient(), "alice")

	if err := r.Register(newTestClient(), "alice"); err != ErrNicknameTaken {
		t.Fatalf("expected ErrNicknameTaken, got %v", err)
	}
	if err := r.Register(newTestClient(), "  alice "); err != ErrNicknameTaken {
		t.Fatalf("expected ErrNicknameTaken for padded name, got %v", err)
	}
}

func TestRegistry_RegisterRejectsInvalidNickname(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{MaxNicknameLength: 8}, nil)

	for _, name := range []string{"", "   ", SystemNickname, "much-too-long"} {
		if err := r.Register(newTestClient(), name); err != ErrNicknameInvalid {
			t.Fatalf("Register(%q): expected ErrNicknameInvalid, got %v", name, err)
		}
	}
	users, _ := r.Users()
	if len(users) != 0 {
		t.Fatalf("rejected logins must not join the roster: %v", users)
	}
}

func TestRegistry_RegisterEnforcesCapacity(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{MaxClients: 1}, nil)

	alice := newTestClient()
	register(t, r, alice, "alice")

	if err := r.Register(newTestClient(), "bob"); err != ErrServerFull {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}

	r.Unregister(alice)
	settle(t, r)
	register(t, r, newTestClient(), "bob")
}

func TestRegistry_LoginSequence(t *testing.T) {
	hs := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		line := string(protocol.MustEncode(protocol.Envelope{
			Type: protocol.TypeBroadcast, Nickname: "old", Message: fmt.Sprintf("m%d", i), Time: "2024/01/01 00:00",
		}))
		if _, err := hs.Append(ctx, strings.TrimSpace(line)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	r := newTestRegistry(t, RegistryConfig{MaxHistory: 10}, hs)
	alice := newTestClient()
	register(t, r, alice, "alice")

	envs, _ := drain(t, alice)
	if len(envs) != 13 {
		t.Fatalf("expected ack + 10 history + users + join, got %d: %+v", len(envs), envs)
	}
	if envs[0].Type != protocol.TypeLoginOK {
		t.Fatalf("first frame must be login ack, got %+v", envs[0])
	}
	for i, env := range envs[1:11] {
		if !env.IsHistory {
			t.Fatalf("history frame %d not flagged: %+v", i, env)
		}
		if want := fmt.Sprintf("m%d", i+2); env.Message != want {
			t.Fatalf("history frame %d: want %q, got %q", i, want, env.Message)
		}
	}
	if envs[11].Type != protocol.TypeUsers || len(envs[11].Users) != 1 || envs[11].Users[0] != "alice" {
		t.Fatalf("expected roster [alice], got %+v", envs[11])
	}
	join := envs[12]
	if join.Type != protocol.TypeBroadcast || join.Nickname != SystemNickname || !strings.Contains(join.Message, "alice") {
		t.Fatalf("expected join announcement, got %+v", join)
	}
	if join.IsHistory || join.Action != "" {
		t.Fatalf("join announcement must be a plain live notice: %+v", join)
	}
}

func TestRegistry_RosterBroadcastListsEveryLogin(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{}, nil)

	names := []string{"alice", "bob", "carol", "dave"}
	clients := make([]*Client, len(names))
	for i, name := range names {
		clients[i] = newTestClient()
		register(t, r, clients[i], name)
	}

	envs, _ := drain(t, clients[0])
	rosters := ofType(envs, protocol.TypeUsers)
	last := rosters[len(rosters)-1]
	if len(last.Users) != len(names) {
		t.Fatalf("expected %d users, got %v", len(names), last.Users)
	}
	seen := map[string]bool{}
	for _, u := range last.Users {
		seen[u] = true
	}
	for _, name := range names {
		if !seen[name] {
			t.Fatalf("roster %v is missing %s", last.Users, name)
		}
	}
}

func TestRegistry_UsersReflectJoinLeave(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{}, nil)

	alice := newTestClient()
	bob := newTestClient()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")

	users, err := r.Users()
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if strings.Join(users, ",") != "alice,bob" {
		t.Fatalf("unexpected users: %v", users)
	}

	drain(t, alice)
	r.Unregister(bob)
	users, _ = r.Users()
	if strings.Join(users, ",") != "alice" {
		t.Fatalf("unexpected users after leave: %v", users)
	}

	if _, closed := drain(t, bob); !closed {
		t.Fatalf("unregister must close the departed client's queue")
	}

	envs, _ := drain(t, alice)
	if len(envs) != 2 {
		t.Fatalf("expected roster + departure, got %+v", envs)
	}
	if envs[0].Type != protocol.TypeUsers || strings.Join(envs[0].Users, ",") != "alice" {
		t.Fatalf("unexpected roster after leave: %+v", envs[0])
	}
	if envs[1].Nickname != SystemNickname || !strings.Contains(envs[1].Message, "bob") || envs[1].Time == "" {
		t.Fatalf("unexpected departure notice: %+v", envs[1])
	}
}

func TestRegistry_BroadcastSkipsSender(t *testing.T) {
	hs := newTestStore(t)
	r := newTestRegistry(t, RegistryConfig{MaxHistory: 10}, hs)

	alice := newTestClient()
	bob := newTestClient()
	register(t, r, alice, "Alice")
	register(t, r, bob, "Bob")
	drain(t, alice)
	drain(t, bob)

	r.Events() <- Event{Type: EventBroadcast, Client: alice, Envelope: protocol.Envelope{
		Type: protocol.TypeChat, Nickname: "Mallory", Message: "hi",
	}}
	settle(t, r)

	aliceGot, _ := drain(t, alice)
	if len(aliceGot) != 1 || aliceGot[0].Type != protocol.TypeAck {
		t.Fatalf("sender must receive only the ack, got %+v", aliceGot)
	}

	bobGot, _ := drain(t, bob)
	if len(bobGot) != 1 {
		t.Fatalf("expected one frame for bob, got %+v", bobGot)
	}
	msg := bobGot[0]
	if msg.Type != protocol.TypeBroadcast || msg.Nickname != "Alice" || msg.Message != "hi" {
		t.Fatalf("unexpected relay: %+v", msg)
	}
	if msg.Time != protocol.Stamp(fixedNow) {
		t.Fatalf("expected server time %q, got %q", protocol.Stamp(fixedNow), msg.Time)
	}

	records, err := hs.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || !strings.Contains(records[0].Content, `"message":"hi"`) {
		t.Fatalf("broadcast not persisted: %+v", records)
	}
}

func TestRegistry_BroadcastFromUnregisteredClientIgnored(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{}, nil)

	bob := newTestClient()
	register(t, r, bob, "bob")
	drain(t, bob)

	stranger := newTestClient()
	r.Events() <- Event{Type: EventBroadcast, Client: stranger, Envelope: protocol.Envelope{Type: protocol.TypeChat, Message: "spam"}}
	settle(t, r)

	if envs, _ := drain(t, bob); len(envs) != 0 {
		t.Fatalf("unregistered sender reached bob: %+v", envs)
	}
	if envs, _ := drain(t, stranger); len(envs) != 0 {
		t.Fatalf("unregistered sender got a reply: %+v", envs)
	}
}

func TestRegistry_PrivateRoutesOrEchoes(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{}, nil)

	alice := newTestClient()
	bob := newTestClient()
	carol := newTestClient()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")
	register(t, r, carol, "carol")
	drain(t, alice)
	drain(t, bob)
	drain(t, carol)

	r.Events() <- Event{Type: EventPrivate, Client: alice, Envelope: protocol.Envelope{
		Type: protocol.TypePrivate, Target: "bob", Message: "hello bob", Sender: "forged",
	}}
	settle(t, r)

	bobGot, _ := drain(t, bob)
	if len(bobGot) != 1 || bobGot[0].Message != "hello bob" || bobGot[0].Sender != "alice" || bobGot[0].Time == "" {
		t.Fatalf("unexpected private delivery: %+v", bobGot)
	}
	aliceGot, _ := drain(t, alice)
	if len(aliceGot) != 1 || aliceGot[0].Type != protocol.TypePrivate || aliceGot[0].Target != "bob" {
		t.Fatalf("sender must get the echo: %+v", aliceGot)
	}
	if envs, _ := drain(t, carol); len(envs) != 0 {
		t.Fatalf("bystander saw a private message: %+v", envs)
	}

	// Offline target: only the echo.
	r.Events() <- Event{Type: EventPrivate, Client: alice, Envelope: protocol.Envelope{
		Type: protocol.TypePrivate, Target: "nobody", Message: "hi",
	}}
	settle(t, r)

	aliceGot, _ = drain(t, alice)
	if len(aliceGot) != 1 || aliceGot[0].Target != "nobody" {
		t.Fatalf("sender must get the echo for an offline target: %+v", aliceGot)
	}
	for _, c := range []*Client{bob, carol} {
		if envs, _ := drain(t, c); len(envs) != 0 {
			t.Fatalf("private to offline target leaked: %+v", envs)
		}
	}

	// Self-addressed: a single echo.
	r.Events() <- Event{Type: EventPrivate, Client: alice, Envelope: protocol.Envelope{
		Type: protocol.TypePrivate, Target: "alice", Message: "note to self",
	}}
	settle(t, r)
	if aliceGot, _ = drain(t, alice); len(aliceGot) != 1 {
		t.Fatalf("expected exactly one echo, got %+v", aliceGot)
	}
}

func TestRegistry_ImageFanoutAndLimit(t *testing.T) {
	hs := newTestStore(t)
	r := newTestRegistry(t, RegistryConfig{MaxImageBytes: 16, MaxHistory: 10}, hs)

	alice := newTestClient()
	bob := newTestClient()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")
	drain(t, alice)
	drain(t, bob)

	r.Events() <- Event{Type: EventImage, Client: alice, Envelope: protocol.Envelope{
		Type: protocol.TypeImage, ImageData: "aGVsbG8=",
	}}
	settle(t, r)

	bobGot, _ := drain(t, bob)
	if len(bobGot) != 1 || bobGot[0].Type != protocol.TypeImage || bobGot[0].ImageData != "aGVsbG8=" || bobGot[0].Nickname != "alice" {
		t.Fatalf("unexpected image relay: %+v", bobGot)
	}
	if envs, _ := drain(t, alice); len(envs) != 0 {
		t.Fatalf("image sender must not get a copy: %+v", envs)
	}

	r.Events() <- Event{Type: EventImage, Client: alice, Envelope: protocol.Envelope{
		Type: protocol.TypeImage, ImageData: strings.Repeat("A", 17),
	}}
	settle(t, r)

	if envs, _ := drain(t, bob); len(envs) != 0 {
		t.Fatalf("oversized image was relayed: %+v", envs)
	}
	aliceGot, _ := drain(t, alice)
	if len(aliceGot) != 1 || aliceGot[0].Nickname != SystemNickname {
		t.Fatalf("sender should be told the image was rejected: %+v", aliceGot)
	}

	records, _ := hs.Recent(context.Background(), 10)
	if len(records) != 1 {
		t.Fatalf("only the accepted image should be persisted, got %d", len(records))
	}
}

func TestRegistry_KickRemovesAndClosesQueue(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{}, nil)

	alice := newTestClient()
	bob := newTestClient()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")
	drain(t, alice)
	drain(t, bob)

	if err := r.Kick("bob"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	bobGot, closed := drain(t, bob)
	if !closed {
		t.Fatalf("kicked client's queue must be closed")
	}
	if len(bobGot) != 1 || bobGot[0].Action != protocol.ActionKick {
		t.Fatalf("kicked client must get exactly the kick notice: %+v", bobGot)
	}

	aliceGot, _ := drain(t, alice)
	rosters := ofType(aliceGot, protocol.TypeUsers)
	if len(rosters) != 1 || strings.Join(rosters[0].Users, ",") != "alice" {
		t.Fatalf("roster after kick should exclude bob: %+v", aliceGot)
	}

	// The kicked session's own unregister arrives later and must be a no-op.
	r.Unregister(bob)
	settle(t, r)
	if envs, _ := drain(t, alice); len(envs) != 0 {
		t.Fatalf("late unregister produced traffic: %+v", envs)
	}

	if err := r.Kick("bob"); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRegistry_StaleUnregisterKeepsNewOwner(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{}, nil)

	first := newTestClient()
	register(t, r, first, "alice")
	if err := r.Kick("alice"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	second := newTestClient()
	register(t, r, second, "alice")

	r.Unregister(first)
	users, _ := r.Users()
	if strings.Join(users, ",") != "alice" {
		t.Fatalf("stale unregister removed the new alice: %v", users)
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, string) (int64, error) {
	return 0, errors.New("disk on fire")
}

func (failingStore) Recent(context.Context, int) ([]store.Record, error) {
	return nil, errors.New("disk on fire")
}

func (failingStore) Purge(context.Context) (int64, error) {
	return 0, errors.New("disk on fire")
}

func TestRegistry_PersistenceFailureDoesNotBlockDelivery(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{MaxHistory: 10}, failingStore{})

	alice := newTestClient()
	bob := newTestClient()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")
	drain(t, bob)

	r.Events() <- Event{Type: EventBroadcast, Client: alice, Envelope: protocol.Envelope{Type: protocol.TypeChat, Message: "still here"}}
	settle(t, r)

	bobGot, _ := drain(t, bob)
	if len(bobGot) != 1 || bobGot[0].Message != "still here" {
		t.Fatalf("delivery must not depend on persistence: %+v", bobGot)
	}

	if err := r.Shutdown(); err == nil {
		t.Fatalf("expected the purge error to be reported")
	}
	bobGot, closed := drain(t, bob)
	if !closed || len(bobGot) != 1 || bobGot[0].Action != protocol.ActionShutdown {
		t.Fatalf("shutdown notice must go out even if the purge fails: %+v", bobGot)
	}
}

func TestRegistry_ShutdownPurgesAndNotifies(t *testing.T) {
	hs := newTestStore(t)
	r := newTestRegistry(t, RegistryConfig{MaxHistory: 10}, hs)

	alice := newTestClient()
	bob := newTestClient()
	register(t, r, alice, "alice")
	register(t, r, bob, "bob")
	r.Events() <- Event{Type: EventBroadcast, Client: alice, Envelope: protocol.Envelope{Type: protocol.TypeChat, Message: "hi"}}
	drain(t, alice)
	settle(t, r)
	drain(t, alice)
	drain(t, bob)

	if err := r.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, c := range []*Client{alice, bob} {
		envs, closed := drain(t, c)
		if !closed {
			t.Fatalf("shutdown must close every queue")
		}
		if len(envs) != 1 || envs[0].Action != protocol.ActionShutdown {
			t.Fatalf("expected the shutdown notice, got %+v", envs)
		}
	}

	records, err := hs.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("history must be purged, %d records left", len(records))
	}

	// A login after the purge replays nothing.
	carol := newTestClient()
	register(t, r, carol, "carol")
	envs, _ := drain(t, carol)
	for _, env := range envs {
		if env.IsHistory {
			t.Fatalf("history replayed after purge: %+v", env)
		}
	}
}

func TestRegistry_StopClosesQueuesAndRejectsRequests(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, discardLogger())
	go r.Run()

	alice := newTestClient()
	register(t, r, alice, "alice")
	drain(t, alice)

	r.Stop()
	r.Wait()

	if _, closed := drain(t, alice); !closed {
		t.Fatalf("stop must close registered queues")
	}
	if err := r.Register(newTestClient(), "bob"); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := r.Users(); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestRegistry_KickNoticeWaitsForQueueRoom(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{ShutdownFlush: time.Second}, nil)

	bob := &Client{Out: make(chan []byte, 4), done: make(chan struct{})}
	register(t, r, bob, "bob")
	for sendFrame(bob, []byte("{\"type\":4}\n")) {
	}

	// Make room only after the kick has started waiting.
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-bob.Out
	}()

	if err := r.Kick("bob"); err != nil {
		t.Fatalf("kick: %v", err)
	}

	envs, closed := drain(t, bob)
	if !closed {
		t.Fatalf("kicked client's queue must be closed")
	}
	last := envs[len(envs)-1]
	if last.Action != protocol.ActionKick {
		t.Fatalf("kick notice must be the last frame before closure, got %+v", last)
	}
}

func TestRegistry_ShutdownNoticeGivesUpOnStalledClients(t *testing.T) {
	r := newTestRegistry(t, RegistryConfig{ShutdownFlush: 30 * time.Millisecond}, nil)

	stalled := &Client{Out: make(chan []byte, 4), done: make(chan struct{})}
	other := &Client{Out: make(chan []byte, 4), done: make(chan struct{})}
	register(t, r, stalled, "stalled")
	register(t, r, other, "other")
	for sendFrame(stalled, []byte("{\"type\":4}\n")) {
	}
	for sendFrame(other, []byte("{\"type\":4}\n")) {
	}

	start := time.Now()
	if err := r.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown blocked on stalled clients for %v", elapsed)
	}
	for _, c := range []*Client{stalled, other} {
		if _, closed := drain(t, c); !closed {
			t.Fatalf("queues must be closed even when the notice is dropped")
		}
	}
}
