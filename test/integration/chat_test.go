// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Candor Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gws "github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/candorchat/candor/internal/auth"
	"github.com/candorchat/candor/internal/chat"
	"github.com/candorchat/candor/internal/store"
	"github.com/candorchat/candor/internal/ws"
)

const testSecret = "integration-test-secret"

// sendLimit is deliberately low so the rate limiting specs stay fast.
const sendLimit = 3

// testEnv holds all the resources needed for integration tests.
type testEnv struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container testcontainers.Container
	connStr   string
	pool      *pgxpool.Pool
	store     *store.PostgresChatStore
	limiter   *chat.SendLimiter

	server     *ws.Server
	serverStop context.CancelFunc
	serverDone chan error
}

// setupTestEnv starts PostgreSQL, migrates the schema, and runs a chat server
// against it.
func setupTestEnv() (*testEnv, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	env := &testEnv{
		ctx:    ctx,
		cancel: cancel,
	}

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("candor_test"),
		postgres.WithUsername("candor"),
		postgres.WithPassword("candor"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	env.container = container

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		env.cleanup()
		return nil, err
	}
	env.connStr = connStr

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		env.cleanup()
		return nil, err
	}
	_ = migrator.Close()

	// Direct pool for seeding and assertions outside the store API.
	env.pool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}

	env.store, err = store.NewPostgresChatStore(ctx, connStr)
	if err != nil {
		env.cleanup()
		return nil, err
	}

	metrics := chat.NewMetrics(prometheus.NewRegistry())
	env.limiter = chat.NewSendLimiter(chat.SendLimiterConfig{
		Limit:  sendLimit,
		Window: time.Minute,
	}, metrics)

	hub := chat.NewHub(metrics)
	cache := chat.NewUserDetailCache(env.store, time.Minute)
	core := &ws.Core{
		Registry: chat.NewSessionRegistry(metrics),
		Hub:      hub,
		Router:   chat.NewRouter(env.store, hub),
		Presence: chat.NewPresence(env.store, cache, hub),
		Pipeline: chat.NewPipeline(env.store, hub, env.limiter, chat.DefaultMaxContentLen),
		Typing:   chat.NewTypingRelay(hub),
		Verifier: auth.NewJWTVerifier([]byte(testSecret)),
	}

	env.server = ws.NewServer("127.0.0.1:0", core)

	serverCtx, serverStop := context.WithCancel(context.Background())
	env.serverStop = serverStop
	env.serverDone = make(chan error, 1)
	go func() {
		env.serverDone <- env.server.Run(serverCtx)
	}()

	// Wait for the listener to bind.
	for i := 0; i < 100; i++ {
		if env.server.Addr() != "" {
			return env, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	env.cleanup()
	return nil, errors.New("server did not start listening")
}

// cleanup releases all test resources.
func (env *testEnv) cleanup() {
	if env.serverStop != nil {
		env.serverStop()
		select {
		case <-env.serverDone:
		case <-time.After(10 * time.Second):
		}
	}

	if env.limiter != nil {
		env.limiter.Close()
	}

	if env.store != nil {
		env.store.Close()
	}

	if env.pool != nil {
		env.pool.Close()
	}

	if env.container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = env.container.Terminate(ctx)
	}

	env.cancel()
}

// seedUser inserts a user row and returns its ID.
func (env *testEnv) seedUser(username string) ulid.ULID {
	id := chat.NewULID()
	_, err := env.pool.Exec(env.ctx,
		`INSERT INTO users (id, username, avatar_path) VALUES ($1, $2, $3)`,
		id.String(), username, "/avatars/"+username+".png")
	Expect(err).NotTo(HaveOccurred())
	return id
}

// seedConversation inserts a conversation with the given participants.
func (env *testEnv) seedConversation(kind string, participants ...ulid.ULID) ulid.ULID {
	id := chat.NewULID()
	_, err := env.pool.Exec(env.ctx,
		`INSERT INTO conversations (id, kind) VALUES ($1, $2)`, id.String(), kind)
	Expect(err).NotTo(HaveOccurred())
	for _, p := range participants {
		_, err := env.pool.Exec(env.ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`,
			id.String(), p.String())
		Expect(err).NotTo(HaveOccurred())
	}
	return id
}

// messageCount returns the number of stored messages in a conversation.
func (env *testEnv) messageCount(convID ulid.ULID) int {
	var n int
	err := env.pool.QueryRow(env.ctx,
		`SELECT count(*) FROM messages WHERE conversation_id = $1`, convID.String()).Scan(&n)
	Expect(err).NotTo(HaveOccurred())
	return n
}

// signToken issues a short-lived HS256 token for a seeded user.
func signToken(userID ulid.ULID, username string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid":      userID.String(),
		"username": username,
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	Expect(err).NotTo(HaveOccurred())
	return signed
}

// envelope mirrors the wire frame shape.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// client is a WebSocket client for driving the server in specs.
type client struct {
	sock *gws.Conn
}

func (env *testEnv) dial() *client {
	url := fmt.Sprintf("ws://%s/ws", env.server.Addr())
	sock, _, err := gws.DefaultDialer.Dial(url, nil)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = sock.Close() })
	return &client{sock: sock}
}

// connect dials and authenticates as the given user.
func (env *testEnv) connect(userID ulid.ULID, username string) *client {
	c := env.dial()
	c.send("authenticate", map[string]string{"token": signToken(userID, username)})
	c.expect("authenticated")
	return c
}

func (c *client) send(event string, data any) {
	raw, err := json.Marshal(data)
	Expect(err).NotTo(HaveOccurred())
	frame, err := json.Marshal(envelope{Event: event, Data: raw})
	Expect(err).NotTo(HaveOccurred())
	Expect(c.sock.WriteMessage(gws.TextMessage, frame)).To(Succeed())
}

// expect reads frames until the named event arrives, skipping unrelated
// events. Unexpected *Failed events abort the spec immediately.
func (c *client) expect(event string) json.RawMessage {
	deadline := time.Now().Add(10 * time.Second)
	for {
		Expect(c.sock.SetReadDeadline(deadline)).To(Succeed())
		_, frame, err := c.sock.ReadMessage()
		Expect(err).NotTo(HaveOccurred(), "waiting for %q", event)

		var env envelope
		Expect(json.Unmarshal(frame, &env)).To(Succeed())
		if env.Event == event {
			return env.Data
		}
		if len(env.Event) > 6 && env.Event[len(env.Event)-6:] == "Failed" && env.Event != event {
			Fail(fmt.Sprintf("unexpected failure while waiting for %q: %s %s", event, env.Event, env.Data))
		}
	}
}

// expectNone asserts the named event does not arrive within the window.
func (c *client) expectNone(event string, window time.Duration) {
	deadline := time.Now().Add(window)
	for {
		if err := c.sock.SetReadDeadline(deadline); err != nil {
			return
		}
		_, frame, err := c.sock.ReadMessage()
		if err != nil {
			return // timeout: nothing arrived
		}
		var env envelope
		if json.Unmarshal(frame, &env) == nil && env.Event == event {
			Fail(fmt.Sprintf("unexpected %q event: %s", event, env.Data))
		}
	}
}

var _ = Describe("Chat server", func() {
	var env *testEnv

	BeforeEach(func() {
		var err error
		env, err = setupTestEnv()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		env.cleanup()
	})

	Describe("schema migrations", func() {
		It("reports the applied version and tolerates a repeat run", func() {
			migrator, err := store.NewMigrator(env.connStr)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = migrator.Close() }()

			version, dirty, err := migrator.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(version).To(BeNumerically(">=", 1))
			Expect(dirty).To(BeFalse())

			Expect(migrator.Up()).To(Succeed(), "repeat Up should be a no-op")
		})
	})

	Describe("message lifecycle", func() {
		var (
			alice, bob   ulid.ULID
			dialogID     ulid.ULID
			aliceC, bobC *client
		)

		BeforeEach(func() {
			alice = env.seedUser("alice")
			bob = env.seedUser("bob")
			dialogID = env.seedConversation("dialog", alice, bob)

			aliceC = env.connect(alice, "alice")
			bobC = env.connect(bob, "bob")

			aliceC.send("joinConversation", map[string]string{"dialogId": dialogID.String()})
			bobC.send("joinConversation", map[string]string{"dialogId": dialogID.String()})
			// Joins are processed serially per connection; the next frame each
			// client sends cannot overtake its own join.
			time.Sleep(100 * time.Millisecond)
		})

		It("delivers, edits, marks read, and deletes a message end to end", func() {
			aliceC.send("sendMessage", map[string]any{
				"dialogId": dialogID.String(),
				"content":  "hello bob",
			})

			var msg chat.MessagePayload
			Expect(json.Unmarshal(bobC.expect("newMessage"), &msg)).To(Succeed())
			Expect(msg.Content).To(Equal("hello bob"))
			Expect(msg.SenderName).To(Equal("alice"))
			Expect(msg.ConversationID).To(Equal(dialogID.String()))
			Expect(msg.ReadBy).To(ConsistOf(alice.String()), "sender reads own message on create")

			// Participants get a unicast notification after the broadcast.
			var note chat.NotificationPayload
			Expect(json.Unmarshal(bobC.expect("notification"), &note)).To(Succeed())
			Expect(note.Type).To(Equal("new_message"))
			Expect(note.Preview).To(Equal("hello bob"))

			// The room-wide read update closes out the fan-out.
			var read chat.ReadUpdatePayload
			Expect(json.Unmarshal(bobC.expect("messageReadUpdate"), &read)).To(Succeed())
			Expect(read.UserID).To(Equal(alice.String()))
			Expect(read.MessageIDs).To(ConsistOf(msg.ID))

			// Edit propagates to the room.
			aliceC.send("editMessage", map[string]string{
				"messageId": msg.ID,
				"content":   "hello again",
			})
			var edited chat.MessagePayload
			Expect(json.Unmarshal(bobC.expect("messageEdited"), &edited)).To(Succeed())
			Expect(edited.Content).To(Equal("hello again"))
			Expect(edited.EditedAt).NotTo(BeNil())

			// Reader marks it read.
			bobC.send("markMessagesAsRead", map[string]any{
				"dialogId":   dialogID.String(),
				"messageIds": []string{msg.ID},
			})
			var marked chat.ReadUpdatePayload
			Expect(json.Unmarshal(aliceC.expect("messagesRead"), &marked)).To(Succeed())
			Expect(marked.UserID).To(Equal(bob.String()))

			// Delete removes the row and notifies the room.
			aliceC.send("deleteMessage", map[string]string{"messageId": msg.ID})
			var deleted chat.MessageDeletedPayload
			Expect(json.Unmarshal(bobC.expect("messageDeleted"), &deleted)).To(Succeed())
			Expect(deleted.MessageID).To(Equal(msg.ID))

			parsed, err := ulid.Parse(msg.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = env.store.GetMessage(env.ctx, parsed)
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("threads replies within the conversation", func() {
			aliceC.send("sendMessage", map[string]any{
				"dialogId": dialogID.String(),
				"content":  "original",
			})
			var original chat.MessagePayload
			Expect(json.Unmarshal(bobC.expect("newMessage"), &original)).To(Succeed())

			bobC.send("sendMessage", map[string]any{
				"dialogId":           dialogID.String(),
				"content":            "replying",
				"repliedToMessageId": original.ID,
			})
			var reply chat.MessagePayload
			Expect(json.Unmarshal(aliceC.expect("newMessage"), &reply)).To(Succeed())
			Expect(reply.Reply).NotTo(BeNil())
			Expect(reply.Reply.ID).To(Equal(original.ID))
			Expect(reply.Reply.SenderName).To(Equal("alice"))
			Expect(reply.Reply.Content).To(Equal("original"))
		})

		It("rejects sends from non-participants", func() {
			mallory := env.seedUser("mallory")
			malloryC := env.connect(mallory, "mallory")

			malloryC.send("sendMessage", map[string]any{
				"dialogId": dialogID.String(),
				"content":  "let me in",
			})

			var failure chat.FailurePayload
			Expect(json.Unmarshal(malloryC.expect("sendMessageFailed"), &failure)).To(Succeed())
			Expect(failure.ErrorCode).To(Equal("NOT_PARTICIPANT"))
			Expect(env.messageCount(dialogID)).To(BeZero())
		})
	})

	Describe("rate limiting", func() {
		It("rejects the send over the limit and stores nothing for it", func() {
			alice := env.seedUser("alice")
			bob := env.seedUser("bob")
			dialogID := env.seedConversation("dialog", alice, bob)

			aliceC := env.connect(alice, "alice")
			aliceC.send("joinConversation", map[string]string{"dialogId": dialogID.String()})
			time.Sleep(100 * time.Millisecond)

			for i := 0; i < sendLimit; i++ {
				aliceC.send("sendMessage", map[string]any{
					"dialogId": dialogID.String(),
					"content":  fmt.Sprintf("message %d", i),
				})
				aliceC.expect("newMessage")
			}

			aliceC.send("sendMessage", map[string]any{
				"dialogId": dialogID.String(),
				"content":  "one too many",
			})
			var failure chat.FailurePayload
			Expect(json.Unmarshal(aliceC.expect("sendMessageFailed"), &failure)).To(Succeed())
			Expect(failure.ErrorCode).To(Equal("RATE_LIMIT_EXCEEDED"))

			Expect(env.messageCount(dialogID)).To(Equal(sendLimit))
		})
	})

	Describe("presence", func() {
		It("goes offline only when the last device disconnects", func() {
			user := env.seedUser("roamer")
			watcherID := env.seedUser("watcher")

			watcher := env.connect(watcherID, "watcher")

			// First device online: broadcast reaches the watcher.
			device1 := env.connect(user, "roamer")
			for {
				var status chat.UserStatusPayload
				Expect(json.Unmarshal(watcher.expect("userStatusChanged"), &status)).To(Succeed())
				if status.UserID == user.String() {
					Expect(status.IsOnline).To(BeTrue())
					Expect(status.Username).To(Equal("roamer"))
					break
				}
			}

			device2 := env.connect(user, "roamer")

			// Closing one device must not mark the user offline.
			Expect(device1.sock.Close()).To(Succeed())
			watcher.expectNone("userStatusChanged", 500*time.Millisecond)

			// Closing the last device does.
			Expect(device2.sock.Close()).To(Succeed())
			for {
				var status chat.UserStatusPayload
				Expect(json.Unmarshal(watcher.expect("userStatusChanged"), &status)).To(Succeed())
				if status.UserID == user.String() {
					Expect(status.IsOnline).To(BeFalse())
					break
				}
			}
		})
	})

	Describe("typing indicators", func() {
		It("relays typing to the room without echoing to the origin", func() {
			alice := env.seedUser("alice")
			bob := env.seedUser("bob")
			dialogID := env.seedConversation("dialog", alice, bob)

			aliceC := env.connect(alice, "alice")
			bobC := env.connect(bob, "bob")
			aliceC.send("joinConversation", map[string]string{"dialogId": dialogID.String()})
			bobC.send("joinConversation", map[string]string{"dialogId": dialogID.String()})
			time.Sleep(100 * time.Millisecond)

			aliceC.send("startTyping", map[string]string{"dialogId": dialogID.String()})

			var typing chat.TypingPayload
			Expect(json.Unmarshal(bobC.expect("userTyping"), &typing)).To(Succeed())
			Expect(typing.UserID).To(Equal(alice.String()))
			Expect(typing.Username).To(Equal("alice"))

			aliceC.expectNone("userTyping", 300*time.Millisecond)
		})
	})
})
