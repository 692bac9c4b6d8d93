package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conquiguias/conquiguias/internal/config"
	"github.com/conquiguias/conquiguias/internal/forms"
	"github.com/conquiguias/conquiguias/internal/github"
	"github.com/conquiguias/conquiguias/internal/mailer"
	"github.com/conquiguias/conquiguias/internal/queue"
	"github.com/conquiguias/conquiguias/internal/store"
)

// Worker consumes notification messages and sends the matching emails.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// An in-memory queue is private to the API process; nothing will arrive here.
		log.Println("WARNING: QUEUE_BACKEND=memory, worker has no shared queue to read")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	var sender mailer.Sender = mailer.LogSender{}
	if cfg.ResendAPIKey != "" {
		sender = mailer.NewResendSender(cfg.ResendAPIKey, cfg.MailFrom)
		log.Println("Resend configured")
	} else {
		log.Println("Resend not configured (RESEND_API_KEY not set), emails will be logged")
	}

	var src forms.Source
	if cfg.FormsFile != "" {
		src = forms.NewFileSource(cfg.FormsFile)
	} else {
		gh := github.New(cfg.GitHubToken, cfg.GitHubRepo, cfg.GitHubBranch)
		if err := gh.SetBaseURL(cfg.GitHubAPIURL); err != nil {
			log.Fatalf("github client: %v", err)
		}
		src = forms.NewGitHubSource(gh, cfg.FormsPath)
	}
	src = forms.NewCachedSource(src, redisClient.Client, cfg.FormsCacheTTL)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	w := &worker{sender: sender, forms: src}
	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if err := w.handle(ctx, msg); err != nil {
			log.Printf("message %s failed: %v", msg.Type, err)
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}

	log.Println("worker stopped")
}

type worker struct {
	sender mailer.Sender
	forms  forms.Source
}

func (w *worker) handle(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case queue.TypeEmailVerification, queue.TypePasswordReset:
		var p queue.EmailLink
		if err := msg.Decode(&p); err != nil {
			return err
		}
		build := mailer.VerificationEmail
		if msg.Type == queue.TypePasswordReset {
			build = mailer.PasswordResetEmail
		}
		m, err := build(p.Email, p.Name, p.Link)
		if err != nil {
			return err
		}
		_, err = w.sender.Send(ctx, m)
		return err

	case queue.TypeCheckpointMarked:
		var p queue.CheckpointMarked
		if err := msg.Decode(&p); err != nil {
			return err
		}
		log.Printf("form %s: checkpoint %d marked for %s", p.FormID, p.Checkpoint, p.Phone)
		if !p.Eligible || p.Email == "" {
			return nil
		}
		title := p.FormID
		if f, err := w.forms.Get(ctx, p.FormID); err == nil && f.Title != "" {
			title = f.Title
		}
		m, err := mailer.EligibilityEmail(p.Email, p.Name, title)
		if err != nil {
			return err
		}
		_, err = w.sender.Send(ctx, m)
		return err

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}
