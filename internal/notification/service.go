package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftline/notify-api/internal/models"
	"github.com/driftline/notify-api/internal/repository"
)

// EnqueueParams is the producer contract for upstream domain services:
// a new row always starts pending, and the claim cycle picks it up on
// its next tick once ScheduledFor is due (sub-minute latency is not
// guaranteed).
type EnqueueParams struct {
	UserID       string
	Type         models.NotificationType
	Priority     models.NotificationPriority
	Title        string
	Body         string
	Action       string
	ActionData   map[string]interface{}
	ScheduledFor *time.Time
}

type Service interface {
	Enqueue(ctx context.Context, params EnqueueParams) (models.Notification, error)
	NotifyTaskReminder(ctx context.Context, task models.Task) error
	NotifyCoachingAlert(ctx context.Context, userID, coachName, message string) error
	NotifyDealStageChanged(ctx context.Context, userID, dealID, dealName, stage string) error
	ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error)
}

type service struct {
	repo   repository.NotificationRepository
	logger zerolog.Logger
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger) Service {
	return &service{
		repo:   repo,
		logger: logger.With().Str("component", "notification_service").Logger(),
	}
}

func (s *service) Enqueue(ctx context.Context, params EnqueueParams) (models.Notification, error) {
	if strings.TrimSpace(params.UserID) == "" {
		return models.Notification{}, fmt.Errorf("user id is required")
	}
	if params.Type == "" {
		params.Type = models.NotificationTypeSystem
	}
	if params.Priority == "" {
		params.Priority = models.NotificationPriorityNormal
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = string(params.Type)
	}

	var actionData []byte
	if len(params.ActionData) > 0 {
		encoded, err := json.Marshal(params.ActionData)
		if err != nil {
			return models.Notification{}, fmt.Errorf("marshal action data: %w", err)
		}
		actionData = encoded
	}

	notif, err := s.repo.Create(ctx, repository.CreateNotificationParams{
		UserID:       strings.TrimSpace(params.UserID),
		Type:         params.Type,
		Priority:     params.Priority,
		Title:        title,
		Body:         strings.TrimSpace(params.Body),
		Action:       params.Action,
		ActionData:   actionData,
		ScheduledFor: params.ScheduledFor,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(params.Type)).Msg("failed to enqueue notification")
		return models.Notification{}, err
	}
	return notif, nil
}

func (s *service) NotifyTaskReminder(ctx context.Context, task models.Task) error {
	actionData := map[string]interface{}{
		"task_id": task.ID,
		"due_at":  task.DueAt.Format(time.RFC3339),
	}
	if task.DealID != nil {
		actionData["deal_id"] = *task.DealID
	}
	_, err := s.Enqueue(ctx, EnqueueParams{
		UserID:     task.AssigneeID,
		Type:       models.NotificationTypeTaskReminder,
		Priority:   models.NotificationPriorityHigh,
		Title:      "Task Reminder",
		Body:       fmt.Sprintf("%q is due.", task.Title),
		Action:     "open_task",
		ActionData: actionData,
	})
	return err
}

func (s *service) NotifyCoachingAlert(ctx context.Context, userID, coachName, message string) error {
	name := strings.TrimSpace(coachName)
	if name == "" {
		name = "Your coach"
	}
	_, err := s.Enqueue(ctx, EnqueueParams{
		UserID:   userID,
		Type:     models.NotificationTypeCoachingAlert,
		Priority: models.NotificationPriorityHigh,
		Title:    fmt.Sprintf("Escalation from %s", name),
		Body:     strings.TrimSpace(message),
		Action:   "open_coaching",
	})
	return err
}

func (s *service) NotifyDealStageChanged(ctx context.Context, userID, dealID, dealName, stage string) error {
	name := strings.TrimSpace(dealName)
	if name == "" {
		name = dealID
	}
	_, err := s.Enqueue(ctx, EnqueueParams{
		UserID:   userID,
		Type:     models.NotificationTypeDealEvent,
		Priority: models.NotificationPriorityNormal,
		Title:    fmt.Sprintf("Deal update: %s", name),
		Body:     fmt.Sprintf("Deal %s moved to %s.", name, stage),
		Action:   "open_deal",
		ActionData: map[string]interface{}{
			"deal_id": dealID,
			"stage":   stage,
		},
	})
	return err
}

func (s *service) ListRecent(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, userID, limit)
}

func (s *service) MarkRead(ctx context.Context, userID, notificationID string) (models.Notification, error) {
	return s.repo.MarkRead(ctx, userID, notificationID)
}
