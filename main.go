package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"support_agent/internal/config"
	"support_agent/internal/core"
	"support_agent/internal/escalation"
	"support_agent/internal/llm"
	"support_agent/internal/logger"
	"support_agent/internal/nodes"
	"support_agent/internal/notify"
	"support_agent/internal/services"
	"support_agent/internal/storage"
	"support_agent/internal/tasks"
	"support_agent/pkg"
)

func main() {
	// Load environment variables from .env file when present
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment as-is")
	}

	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Printf("Error loading config.yaml: %v, using defaults\n", err)
		cfg = config.Default()
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Printf("Error initializing logger: %v\n", err)
		return
	}

	ctx := context.Background()

	store, queue := buildBackends(ctx, cfg)
	hub := notify.NewHub()
	directory := seedDirectory()

	engine := core.NewEngine(store, hub, directory, cfg.Workflow.MaxStepsPerTurn)
	dispatcher := tasks.NewDispatcher(2, engine.OnTaskResult)
	defer dispatcher.Close()

	classifier, composer := buildModels(ctx, cfg)
	kb := buildKnowledge(ctx, cfg)

	checker := services.NewEligibilityChecker(directory, cfg.Workflow.RefundWindowDays)
	policy := services.RiskPolicy{
		HighAmount:   cfg.Workflow.HighRiskAmount,
		MediumAmount: cfg.Workflow.MediumRiskAmount,
		MaxPerMonth:  cfg.Workflow.MaxRefundsPerMonth,
	}

	for _, node := range []core.Node{
		nodes.NewIntentNode(classifier),
		nodes.NewKnowledgeNode(kb, composer, cfg.Retrieval.TopK, cfg.Retrieval.RelevanceFloor,
			time.Duration(cfg.Retrieval.TimeoutSeconds)*time.Second),
		nodes.NewOrderNode(directory),
		nodes.NewEligibilityNode(directory, checker),
		nodes.NewSubmitNode(directory, policy, queue, dispatcher),
		nodes.NewResumeDecisionNode(directory, dispatcher),
		nodes.NewReplyNode(),
	} {
		if err := engine.Register(node); err != nil {
			fmt.Printf("Error registering node: %v\n", err)
			return
		}
	}

	// The queue's decision callback is the only way a suspended session resumes.
	queue.SetDecisionHandler(func(ctx context.Context, task *escalation.Task) error {
		verdict := pkg.VerdictReject
		if task.Status == escalation.TaskApproved {
			verdict = pkg.VerdictApprove
		}
		return engine.ResumeDecision(ctx, core.Decision{
			TaskID:     task.ID,
			SessionID:  task.SessionID,
			Verdict:    verdict,
			ReviewerID: task.ReviewerID,
			Note:       task.ReviewerNote,
			DecidedAt:  task.DecidedAt,
		})
	})

	runConsole(ctx, engine, queue, hub)
}

// buildBackends selects Redis-backed store and queue when REDIS_USE is set,
// otherwise the in-memory implementations.
func buildBackends(ctx context.Context, cfg *config.Config) (core.SessionStore, escalation.Queue) {
	if os.Getenv("REDIS_USE") == "" {
		logger.Info().Msg("using in-memory store and queue")
		return storage.NewMemorySessionStore(), escalation.NewMemoryQueue()
	}

	ttl := time.Duration(cfg.Redis.SessionTTLSeconds) * time.Second
	store, err := storage.NewRedisSessionStore(ctx, cfg.Redis.URL, ttl)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory store")
		return storage.NewMemorySessionStore(), escalation.NewMemoryQueue()
	}
	queue, err := escalation.NewRedisQueue(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Warn().Err(err).Msg("Redis queue unavailable, falling back to in-memory queue")
		return store, escalation.NewMemoryQueue()
	}
	logger.Info().Str("url", cfg.Redis.URL).Msg("using Redis store and queue")
	return store, queue
}

// buildModels selects the chat-backed classifier and composer when an API key
// is configured, otherwise the deterministic fallbacks.
func buildModels(ctx context.Context, cfg *config.Config) (llm.Classifier, llm.AnswerComposer) {
	if cfg.Model.APIKey == "" {
		logger.Info().Msg("no model API key, using rule classifier and template composer")
		return llm.RuleClassifier{}, llm.TemplateComposer{}
	}

	classifier, err := llm.NewChatClassifier(ctx, cfg.Model)
	if err != nil {
		logger.Warn().Err(err).Msg("chat classifier unavailable, using rules")
		return llm.RuleClassifier{}, llm.TemplateComposer{}
	}
	composer, err := llm.NewChatComposer(ctx, cfg.Model)
	if err != nil {
		logger.Warn().Err(err).Msg("chat composer unavailable, using template")
		return classifier, llm.TemplateComposer{}
	}
	return classifier, composer
}

// buildKnowledge indexes the built-in policy documents, embedding through
// Ollama when OLLAMA_HOST is set.
func buildKnowledge(ctx context.Context, cfg *config.Config) *services.KnowledgeBase {
	var embedder services.Embedder = services.HashEmbedder{}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if oe, err := services.NewOllamaEmbedder(host, cfg.Model.EmbedModel); err == nil {
			embedder = oe
			logger.Info().Str("host", host).Msg("using Ollama embedder")
		} else {
			logger.Warn().Err(err).Msg("Ollama unavailable, using hash embedder")
		}
	}

	kb := services.NewKnowledgeBase(embedder)
	for id, doc := range policyDocuments() {
		if err := kb.AddDocument(ctx, id, doc); err != nil {
			logger.Warn().Str("document_id", id).Err(err).Msg("failed to index policy document")
		}
	}
	return kb
}

func policyDocuments() map[string]string {
	return map[string]string{
		"shipping-policy": `Standard shipping takes 3 to 5 business days. Orders over 99 ship free.

Express shipping takes 1 to 2 business days and costs a flat 15 fee.

Once an order ships you will receive a tracking number by SMS and can check delivery status any time.`,
		"refund-policy": `Refunds can be requested within 7 days of placing the order, for orders that have shipped or been delivered.

Underwear, food, and custom-made items cannot be returned for hygiene and production reasons.

Approved refunds are returned to the original payment method within 5 business days.`,
		"warranty-policy": `All electronics carry a 12-month manufacturer warranty covering defects in materials and workmanship.

Warranty service requires the original order number. Accidental damage is not covered.`,
	}
}

// seedDirectory loads demo orders so the console has data to work against.
func seedDirectory() *services.OrderDirectory {
	directory := services.NewOrderDirectory()
	now := time.Now()
	directory.AddOrder(pkg.Order{
		ID: "ord-1001", SN: "SN20240001", UserID: "user-1",
		Status: pkg.OrderDelivered, TotalAmount: 299,
		Items:          []pkg.OrderItem{{Name: "wireless mouse", Qty: 1, Category: "electronics", Price: 299}},
		TrackingNumber: "TRK830114", CreatedAt: now.AddDate(0, 0, -3),
	})
	directory.AddOrder(pkg.Order{
		ID: "ord-1002", SN: "SN20240002", UserID: "user-1",
		Status: pkg.OrderShipped, TotalAmount: 2899,
		Items:          []pkg.OrderItem{{Name: "mechanical keyboard", Qty: 1, Category: "electronics", Price: 2899}},
		TrackingNumber: "TRK830115", CreatedAt: now.AddDate(0, 0, -1),
	})
	directory.AddOrder(pkg.Order{
		ID: "ord-2001", SN: "SN20240003", UserID: "user-2",
		Status: pkg.OrderDelivered, TotalAmount: 159,
		Items:     []pkg.OrderItem{{Name: "cotton t-shirt", Qty: 2, Category: "apparel", Price: 79.5}},
		CreatedAt: now.AddDate(0, 0, -2),
	})
	return directory
}

// runConsole is a small interactive loop for exercising the workflow:
// plain lines are user messages, /pending and /decide play the reviewer.
func runConsole(ctx context.Context, engine *core.Engine, queue escalation.Queue, hub *notify.Hub) {
	adminSub := hub.Subscribe(notify.AdminChannel)
	defer adminSub.Close()
	go func() {
		for ev := range adminSub.Events() {
			fmt.Printf("\n[admin] %s: %v\n> ", ev.Type, ev.Payload)
		}
	}()

	sessionID := "console-session"
	userID := "user-1"
	fmt.Println("Support agent console. Talk as user-1; /pending lists review tasks,")
	fmt.Println("/decide <task_id> approve|reject [note] plays the reviewer, /status shows the session.")

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/status":
			status, lastReply, err := engine.Status(ctx, sessionID)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Printf("status=%s last_reply=%s\n", status, lastReply.Format(time.RFC3339))
			}
		case line == "/pending":
			pending, err := queue.Pending(ctx)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			for _, task := range pending {
				fmt.Printf("%s  session=%s amount=%.2f risk=%s reason=%s\n",
					task.ID, task.SessionID, task.Draft.Amount, task.RiskLevel, task.Reason)
			}
			if len(pending) == 0 {
				fmt.Println("no pending tasks")
			}
		case strings.HasPrefix(line, "/decide "):
			handleDecide(ctx, queue, strings.Fields(line)[1:])
		default:
			reply, err := engine.HandleMessage(ctx, sessionID, userID, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			fmt.Printf("agent: %s\n", reply.Text)
			for _, card := range reply.Cards {
				fmt.Printf("  [%s] %v\n", card.Type, card.Data)
			}
		}
		fmt.Print("> ")
	}
}

func handleDecide(ctx context.Context, queue escalation.Queue, args []string) {
	if len(args) < 2 {
		fmt.Println("usage: /decide <task_id> approve|reject [note]")
		return
	}
	verdict := pkg.VerdictReject
	if strings.EqualFold(args[1], "approve") {
		verdict = pkg.VerdictApprove
	}
	note := strings.Join(args[2:], " ")

	task, err := queue.Decide(ctx, args[0], verdict, "admin-console", note)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Printf("task %s -> %s\n", task.ID, task.Status)
}
