package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"go-chat-sync/internal/api"
	"go-chat-sync/internal/channel"
	"go-chat-sync/internal/chat"
	"go-chat-sync/internal/token"
	"go-chat-sync/internal/wire"
)

var (
	baseURL  = flag.String("base", "http://localhost:8080", "chatd base URL")
	wsURL    = flag.String("ws", "ws://localhost:8080/ws", "chatd websocket URL")
	pairs    = flag.Int("pairs", 50, "number of user pairs")
	msgCount = flag.Int("msgs", 20, "messages per user")
)

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d users, %d messages each...", *pairs*2, *msgCount)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Println("✅ LOAD TEST COMPLETE")
}

func runPair(pairID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	a, err := newParticipant(ctx, userA, pass)
	if err != nil {
		log.Printf("❌ %s: %v", userA, err)
		return
	}
	b, err := newParticipant(ctx, userB, pass)
	if err != nil {
		log.Printf("❌ %s: %v", userB, err)
		return
	}

	// A starts the conversation; both join the same chat.
	var conv struct {
		ChatID int `json:"chat_id"`
	}
	if err := a.api.Do(ctx, "POST", "/api/conversations",
		map[string]int{"target_id": b.id}, &conv); err != nil {
		log.Printf("❌ create chat: %v", err)
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(ctx, &wsWg, a, conv.ChatID)
	go spamChat(ctx, &wsWg, b, conv.ChatID)
	wsWg.Wait()
}

type participant struct {
	name string
	id   int
	api  *api.Client
	sup  *channel.Supervisor
}

// newParticipant registers (ignoring "already exists"), logs in, and
// wires up the full client stack: token store, resilient request
// client, channel supervisor.
func newParticipant(ctx context.Context, username, password string) (*participant, error) {
	tokens := token.NewStore(token.Config{RefreshURL: *baseURL + "/refresh"})
	client := api.NewClient(api.Config{
		BaseURL: *baseURL,
		Tokens:  tokens,
		OnLogout: func() {
			log.Printf("⚠️ %s: forced logout", username)
		},
	})

	// Ignore registration errors: the user may exist from a prior run.
	client.Register(ctx, username, password)

	res, err := client.Login(ctx, username, password, false)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	sup := channel.NewSupervisor(channel.SupervisorConfig{
		WSURL:  *wsURL,
		Tokens: tokens,
		OnLogout: func() {
			log.Printf("⚠️ %s: channel session expired", username)
		},
	})

	return &participant{name: username, id: res.ID, api: client, sup: sup}, nil
}

func spamChat(ctx context.Context, wg *sync.WaitGroup, p *participant, chatID int) {
	defer wg.Done()
	defer p.sup.Deactivate()

	session, err := chat.Open(ctx, chat.Config{
		ChatID: chatID,
		Self:   wire.Author{ID: p.id, Username: p.name},
		History: p.api,
		Connect: func(ctx context.Context, chatID int) (chat.Channel, error) {
			return p.sup.Activate(ctx, chatID)
		},
	})
	if err != nil {
		log.Printf("❌ %s: open chat: %v", p.name, err)
		return
	}
	defer session.Close()

	sent := 0
	for i := 0; i < *msgCount; i++ {
		if _, err := session.Send(ctx, fmt.Sprintf("LoadTest msg %d from %s", i, p.name)); err != nil {
			log.Printf("❌ %s: send %d: %v", p.name, i, err)
			continue
		}
		sent++
		// Small sleep to prevent an instant localhost bottleneck.
		time.Sleep(10 * time.Millisecond)
	}

	// Give the broadcasts a moment to resolve the optimistic entries.
	time.Sleep(500 * time.Millisecond)
	if n := session.Store().PendingCount(); n > 0 {
		log.Printf("⚠️ %s: %d sends never resolved by broadcast", p.name, n)
	}
	log.Printf("✅ %s finished: %d/%d sent, %d visible", p.name, sent, *msgCount, len(session.Messages()))
}
