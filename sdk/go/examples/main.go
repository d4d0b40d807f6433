package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/afristrup/chronicler-agentic-audit/sdk/go/chronicler"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "chroniclerd base URL")
	user := flag.String("user", os.Getenv("CHRONICLER_USER"), "username, empty when auth is disabled")
	pass := flag.String("password", os.Getenv("CHRONICLER_PASSWORD"), "password")
	agentID := flag.String("agent", "chronicler_default", "agent that records the action")
	flag.Parse()

	client, err := chronicler.NewClient(*addr, nil)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *user != "" {
		if _, err := client.Authenticate(ctx, *user, *pass); err != nil {
			log.Fatalf("authenticate: %v", err)
		}
	}

	res, err := client.LogAction(ctx, *agentID, "web_search", map[string]any{"query": "audit trail"})
	if err != nil {
		log.Fatalf("log action: %v", err)
	}
	fmt.Printf("request %s finished with status %s in %.3fs\n", res.RequestID, res.Status, res.ExecutionTime)
	if res.AuditResult != nil {
		fmt.Printf("anchored action %s in tx %s\n", res.AuditResult.ActionID, res.AuditResult.TxHash)
	}

	records, err := client.ListActions(ctx, chronicler.AuditQuery{AgentID: *agentID, Limit: 5})
	if err != nil {
		log.Fatalf("list actions: %v", err)
	}
	for _, rec := range records {
		fmt.Printf("%s %s %s %s\n", rec.CreatedAt.Format(time.RFC3339), rec.ActionID, rec.ToolID, rec.Status)
	}
}
