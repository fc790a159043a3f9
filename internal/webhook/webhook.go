// Package webhook ingests GitHub webhook deliveries. Every delivery is
// verified against the project's secret and recorded before any
// processing; push and eligible pull_request events then sync the
// checkout and queue a build. Processing happens after the HTTP
// response, so providers see fast acknowledgements.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zjrosen/kiln/internal/clock"
	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/git"
	"github.com/zjrosen/kiln/internal/log"
)

var (
	// ErrInvalidSignature means the delivery failed HMAC verification.
	// The HTTP layer maps it to 401.
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	// ErrMalformedDelivery means required headers or payload fields were
	// missing or unparseable. The HTTP layer maps it to 400.
	ErrMalformedDelivery = errors.New("malformed webhook delivery")
)

// Delivery is one webhook request as received off the wire.
type Delivery struct {
	EventType  string // X-GitHub-Event
	DeliveryID string // X-GitHub-Delivery
	Signature  string // X-Hub-Signature-256
	Body       []byte // Raw request body, exactly as signed
}

// Receipt acknowledges a delivery. Queued reports that the delivery was
// recorded and accepted for processing; whether a build came of it lives
// on the event row, not here.
type Receipt struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Queued    bool   `json:"queued"`
}

// Dispatcher schedules builds for execution. *orchestrator.Service
// satisfies it.
type Dispatcher interface {
	Enqueue(build *domain.Build, flashDevice, runQEMU bool) error
}

// Service turns webhook deliveries into build records.
type Service struct {
	projects   domain.ProjectRepository
	builds     domain.BuildRepository
	events     domain.WebhookEventRepository
	git        git.Executor
	dispatcher Dispatcher
	clock      clock.Clock

	wg sync.WaitGroup
}

// NewService wires a webhook Service.
func NewService(
	projects domain.ProjectRepository,
	builds domain.BuildRepository,
	events domain.WebhookEventRepository,
	gitExec git.Executor,
	dispatcher Dispatcher,
	clk clock.Clock,
) *Service {
	return &Service{
		projects:   projects,
		builds:     builds,
		events:     events,
		git:        gitExec,
		dispatcher: dispatcher,
		clock:      clk,
	}
}

// Close waits for in-flight delivery processing to finish.
func (s *Service) Close() {
	s.wg.Wait()
}

// payload covers the fields kiln reads from push, pull_request, and
// ping deliveries. The full body is kept verbatim on the event row.
type payload struct {
	Ref         string      `json:"ref"`
	HeadCommit  *headCommit `json:"head_commit"`
	Action      string      `json:"action"`
	PullRequest *pullReq    `json:"pull_request"`
	Repository  repoInfo    `json:"repository"`
}

type repoInfo struct {
	FullName string `json:"full_name"`
}

type headCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"author"`
}

type pullReq struct {
	Title string `json:"title"`
	Head  struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
}

// trigger is the commit a delivery asks to build.
type trigger struct {
	CommitSHA     string
	CommitMessage string
	CommitAuthor  string
	Branch        string
}

// Handle verifies, records, and acknowledges one delivery. When the
// delivery warrants a build, processing continues on a goroutine after
// the receipt is returned; callers respond immediately.
func (s *Service) Handle(ctx context.Context, delivery Delivery) (Receipt, error) {
	// Every acknowledged delivery reports queued: the event row is
	// persisted before any return, and processing continues from there.
	receipt := Receipt{
		Status:    "received",
		EventID:   delivery.DeliveryID,
		EventType: delivery.EventType,
		Queued:    true,
	}

	var p payload
	if err := json.Unmarshal(delivery.Body, &p); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformedDelivery, err)
	}

	event, err := domain.NewWebhookEvent(delivery.EventType, delivery.DeliveryID, string(delivery.Body), s.clock.Now())
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformedDelivery, err)
	}

	project, err := s.projects.FindByRepoFullName(p.Repository.FullName)
	if err != nil {
		var notFound *domain.ProjectNotFoundError
		if !errors.As(err, &notFound) {
			return Receipt{}, fmt.Errorf("looking up project %q: %w", p.Repository.FullName, err)
		}
		// Record the delivery anyway so misconfigured hooks show up in
		// the event log instead of vanishing.
		event.MarkFailed(s.clock.Now(), "No project associated with this webhook")
		if err := s.events.Save(event); err != nil {
			return Receipt{}, err
		}
		log.Warn(log.CatWebhook, "Webhook for unknown repository",
			"repo", p.Repository.FullName, "deliveryID", delivery.DeliveryID)
		return receipt, nil
	}
	event.ProjectID = project.ID()

	if !verifySignature(project.WebhookSecret(), delivery.Body, delivery.Signature) {
		event.SignatureValid = false
		event.MarkFailed(s.clock.Now(), "Invalid webhook signature")
		if err := s.events.Save(event); err != nil {
			return Receipt{}, err
		}
		log.Warn(log.CatWebhook, "Webhook signature rejected",
			"project", project.Name(), "deliveryID", delivery.DeliveryID)
		return Receipt{}, ErrInvalidSignature
	}
	event.SignatureValid = true

	trig, wantsBuild := buildTrigger(delivery.EventType, p)
	if !wantsBuild {
		switch delivery.EventType {
		case "ping":
			log.Info(log.CatWebhook, "Webhook ping", "project", project.Name())
		case "push", "pull_request":
			log.Info(log.CatWebhook, "Webhook delivery needs no build",
				"event", delivery.EventType, "action", p.Action, "deliveryID", delivery.DeliveryID)
		default:
			log.Info(log.CatWebhook, "Unsupported event type: "+delivery.EventType,
				"deliveryID", delivery.DeliveryID)
		}
		event.MarkSuccess(s.clock.Now())
		if err := s.events.Save(event); err != nil {
			return Receipt{}, err
		}
		return receipt, nil
	}

	// The event row must exist before processing starts: failures stay
	// diagnosable and redelivered ids collide here instead of building
	// twice. Save returns *domain.DuplicateDeliveryError for replays.
	if err := s.events.Save(event); err != nil {
		return Receipt{}, err
	}

	s.wg.Add(1)
	log.SafeGo("webhook-process", func() {
		defer s.wg.Done()
		s.process(context.Background(), event, project, trig)
	})
	return receipt, nil
}

// buildTrigger decides whether a delivery warrants a build and extracts
// the commit to build.
func buildTrigger(eventType string, p payload) (trigger, bool) {
	switch eventType {
	case "push":
		// Branch deletions push without a head commit.
		if p.HeadCommit == nil || p.HeadCommit.ID == "" {
			return trigger{}, false
		}
		author := p.HeadCommit.Author.Name
		if author == "" {
			author = p.HeadCommit.Author.Email
		}
		return trigger{
			CommitSHA:     p.HeadCommit.ID,
			CommitMessage: p.HeadCommit.Message,
			CommitAuthor:  author,
			Branch:        strings.TrimPrefix(p.Ref, "refs/heads/"),
		}, true

	case "pull_request":
		if p.PullRequest == nil {
			return trigger{}, false
		}
		switch p.Action {
		case "opened", "synchronize", "reopened":
		default:
			return trigger{}, false
		}
		return trigger{
			CommitSHA:     p.PullRequest.Head.SHA,
			CommitMessage: p.PullRequest.Title,
			CommitAuthor:  p.PullRequest.User.Login,
			Branch:        p.PullRequest.Head.Ref,
		}, true

	default:
		return trigger{}, false
	}
}

// process syncs the checkout and queues a build for the delivery. Runs
// after the HTTP response; outcomes land on the event row.
func (s *Service) process(ctx context.Context, event *domain.WebhookEvent, project *domain.Project, trig trigger) {
	event.MarkProcessing()
	s.saveEvent(event)

	update := s.git.Update(ctx, project.LocalPath(), project.Branch())
	if !update.Success {
		s.failEvent(event, "Failed to sync repository: "+update.Error)
		if err := project.MarkSyncError(s.clock.Now()); err != nil {
			log.ErrorErr(log.CatWebhook, "Failed to mark project sync error", err, "project", project.ID())
		} else if err := s.projects.Save(project); err != nil {
			log.ErrorErr(log.CatWebhook, "Failed to save project", err, "project", project.ID())
		}
		return
	}

	head := update.CurrentCommit
	if head == "" {
		head = trig.CommitSHA
	}
	if err := project.RecordSync(head, s.clock.Now()); err != nil {
		log.ErrorErr(log.CatWebhook, "Failed to record project sync", err, "project", project.ID())
	} else if err := s.projects.Save(project); err != nil {
		log.ErrorErr(log.CatWebhook, "Failed to save project", err, "project", project.ID())
	}

	// One active build per (project, commit): a redelivery or rapid
	// re-push coalesces onto the build already pending or running.
	existing, err := s.builds.FindActiveByCommit(project.ID(), trig.CommitSHA)
	if err == nil {
		log.Info(log.CatWebhook, "Build already active for commit",
			"buildID", existing.ID(), "project", project.Name(), "commit", trig.CommitSHA)
		event.MarkSuccess(s.clock.Now())
		s.saveEvent(event)
		return
	}
	var notFound *domain.BuildNotFoundError
	if !errors.As(err, &notFound) {
		s.failEvent(event, "Failed to check active builds: "+err.Error())
		return
	}

	build, err := domain.NewBuild(&domain.BuildSpec{
		ProjectID:        project.ID(),
		CommitSHA:        trig.CommitSHA,
		CommitMessage:    trig.CommitMessage,
		CommitAuthor:     trig.CommitAuthor,
		Branch:           trig.Branch,
		TriggeredBy:      domain.TriggerWebhook,
		WebhookEventType: event.EventType,
	})
	if err != nil {
		s.failEvent(event, "Failed to create build: "+err.Error())
		return
	}
	if err := s.builds.Save(build); err != nil {
		s.failEvent(event, "Failed to create build: "+err.Error())
		return
	}

	// Webhook builds verify under QEMU; flashing hardware stays an
	// explicit operator action.
	if err := s.dispatcher.Enqueue(build, false, true); err != nil {
		s.failEvent(event, "Failed to queue build: "+err.Error())
		return
	}

	log.Info(log.CatWebhook, "Build queued from webhook",
		"buildID", build.ID(), "project", project.Name(), "commit", trig.CommitSHA, "branch", trig.Branch)
	event.MarkSuccess(s.clock.Now())
	s.saveEvent(event)
}

func (s *Service) failEvent(event *domain.WebhookEvent, message string) {
	log.Warn(log.CatWebhook, "Webhook processing failed",
		"deliveryID", event.DeliveryID, "error", message)
	event.MarkFailed(s.clock.Now(), message)
	s.saveEvent(event)
}

func (s *Service) saveEvent(event *domain.WebhookEvent) {
	if err := s.events.Save(event); err != nil {
		log.ErrorErr(log.CatWebhook, "Failed to save webhook event", err, "deliveryID", event.DeliveryID)
	}
}

// verifySignature checks a GitHub X-Hub-Signature-256 header against the
// raw body. An empty secret skips verification; GitHub signs with
// sha256=<hex> and the comparison is constant time.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	received := strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(expected), []byte(received))
}
