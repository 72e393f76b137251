// Command examples walks through the SDK against a running chainsaged.
//
//	CHAINSAGE_URL=http://127.0.0.1:8080 CHAINSAGE_API_KEY=... go run ./sdk/go/examples "gas price on mainnet"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ChainSage/sdk/go/chainsage"
)

func main() {
	_ = godotenv.Load()
	log.SetFlags(0)

	baseURL := os.Getenv("CHAINSAGE_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	query := "what is the current gas price?"
	if len(os.Args) > 1 {
		query = strings.Join(os.Args[1:], " ")
	}

	client, err := chainsage.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("client: %v", err)
	}
	client.SetAPIKey(os.Getenv("CHAINSAGE_API_KEY"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, client, query, os.Getenv("CHAINSAGE_WALLET")); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, client *chainsage.Client, query, wallet string) error {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	fmt.Printf("%d tools registered\n", len(tools))
	for _, t := range tools {
		fmt.Printf("  %-28s %s\n", t.Name, t.Description)
	}

	submitted, err := client.SubmitTask(ctx, chainsage.TaskSubmission{Query: query, WalletAddress: wallet, Summarize: true})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Printf("\nsubmitted %s\n", submitted.ID)

	done, err := client.WaitTask(ctx, submitted.ID, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("wait %s: %w", submitted.ID, err)
	}
	report(done)

	if _, err := client.GetTask(ctx, "no-such-task"); chainsage.IsNotFound(err) {
		fmt.Println("\nunknown task ids come back as 404")
	}
	return nil
}

func report(task chainsage.Task) {
	fmt.Printf("status=%s attempts=%d/%d\n", task.Status, task.Attempts, task.MaxRetries)
	if task.Result == nil {
		fmt.Printf("error %s: %s\n", task.ErrorCode, task.LastError)
		return
	}
	res := task.Result
	fmt.Printf("run %s took %dms, ok=%v failed=%v\n", res.RunID, res.TotalExecutionMS, res.SuccessfulTools, res.FailedTools)
	for name, raw := range res.Outputs {
		var pretty any
		if json.Unmarshal([]byte(raw), &pretty) == nil {
			if b, err := json.MarshalIndent(pretty, "  ", "  "); err == nil {
				raw = string(b)
			}
		}
		fmt.Printf("  %s: %s\n", name, raw)
	}
	if res.Answer != "" {
		fmt.Printf("\n%s\n", res.Answer)
	}
}
