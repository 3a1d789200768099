package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/support-chat/pkg/api"
	"github.com/mahaj/support-chat/pkg/model"
)

// verify_api walks one conversation through its lifecycle against a running
// server and fails on the first unexpected answer.
func main() {
	apiAddr := flag.String("api", "http://localhost:8080", "server address")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	customer := api.NewClient(*apiAddr, nil)
	agent := api.NewClient(*apiAddr, nil)

	if _, err := customer.Login(ctx, model.Participant{ID: "test_customer", Name: "Test Customer"}, model.SenderCustomer); err != nil {
		log.Fatal("Customer login failed:", err)
	}
	if _, err := agent.Login(ctx, model.Participant{ID: "test_agent", Name: "Test Agent"}, model.SenderAdmin); err != nil {
		log.Fatal("Agent login failed:", err)
	}
	log.Printf("Token: %s...", customer.Token()[:10])

	conv, err := customer.Start(ctx, "verify_api "+time.Now().Format(time.RFC3339))
	if err != nil {
		log.Fatal("Start failed:", err)
	}
	log.Printf("Started %s (%s)", conv.ID, conv.Status)

	open, err := agent.ListByStatus(ctx, model.StatusRequested)
	if err != nil {
		log.Fatal("List open failed:", err)
	}
	log.Printf("Open conversations: %d", len(open))

	if conv, err = agent.Assign(ctx, conv.ID); err != nil {
		log.Fatal("Assign failed:", err)
	}
	log.Printf("Assigned to %s (%s)", conv.AdminName, conv.Status)

	msg, err := customer.Send(ctx, conv.ID, "Hello from verify_api", uuid.NewString())
	if err != nil {
		log.Fatal("Send failed:", err)
	}
	if err := agent.MarkRead(ctx, conv.ID, msg.ID); err != nil {
		log.Fatal("Mark read failed:", err)
	}

	if conv, err = agent.Solve(ctx, conv.ID); err != nil {
		log.Fatal("Solve failed:", err)
	}
	if _, err := customer.Close(ctx, conv.ID); err == nil {
		log.Fatal("Close after solve should be rejected")
	}

	other, err := customer.Start(ctx, "verify_api close")
	if err != nil {
		log.Fatal("Start failed:", err)
	}
	if other, err = customer.Close(ctx, other.ID); err != nil {
		log.Fatal("Close failed:", err)
	}
	log.Printf("Closed %s (%s)", other.ID, other.Status)

	full, err := customer.Conversation(ctx, conv.ID)
	if err != nil {
		log.Fatal("History request failed:", err)
	}
	log.Printf("Final status %s with %d messages", full.Status, len(full.Messages))
	for _, m := range full.Messages {
		log.Printf("  [%s] %s: %s (read=%v)", m.SenderType, m.SenderName, m.Content, m.IsRead)
	}

	online, err := agent.OnlineAdmins(ctx)
	if err != nil {
		log.Fatal("Presence request failed:", err)
	}
	log.Printf("Online agents: %v", online)
}
